// Package node is the façade applications use: one Node owns a transport
// participant, the discovery directory, and every provider and consumer
// binding registered on it.
package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/mycelium/pkg/channel"
	"github.com/gezibash/mycelium/pkg/directory"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/gate"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/telemetry"
	"github.com/gezibash/mycelium/pkg/transport"
)

// DefaultErrorBuffer is the capacity of the Errors channel.
const DefaultErrorBuffer = 64

// Config configures a Node. Only Transport is required.
type Config struct {
	// Name identifies the node's participant. Defaults to a random name.
	Name      string
	Transport transport.Factory
	// Codec encodes payloads on functionality channels. Defaults to JSON.
	Codec channel.Codec

	CallTimeout   time.Duration
	DispatchBatch int
	Concurrency   int
	ReapInterval  time.Duration
	HistoryWait   time.Duration
	PollInterval  time.Duration
	ErrorBuffer   int
	// DurableDiscovery publishes directory entries with Persistent
	// durability.
	DurableDiscovery bool

	Logger   *logging.Logger
	Recorder telemetry.Recorder
}

// Node is one participant in the broadcast domain.
type Node struct {
	name        string
	cfg         Config
	participant transport.Participant
	dir         *directory.Directory
	log         *logging.Logger
	rec         telemetry.Recorder
	errs        chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	bindings  map[string]binding
	handles   []interface{ Close() error }
	consumers []*ConsumerHandle
	closed    bool
	closeErr  error
	closeOnce sync.Once
}

// New creates the participant and both directory channels. Any failure is
// returned and nothing is left open.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: transport required", mycerrors.ErrInvalidInput)
	}
	if cfg.Name == "" {
		cfg.Name = "mycelium-" + uuid.NewString()[:8]
	}
	if cfg.Codec == nil {
		cfg.Codec = channel.JSON{}
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = DefaultErrorBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(nil)
	}
	cfg.Recorder = telemetry.OrNop(cfg.Recorder)

	ctx, span := telemetry.StartSpan(ctx, "node.new")
	p, err := cfg.Transport.CreateParticipant(ctx, cfg.Name)
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, fmt.Errorf("create participant %q: %w", cfg.Name, err)
	}
	log := cfg.Logger.WithComponent("node").WithParticipant(p.ID())

	dir, err := directory.New(ctx, p, directory.Options{
		Logger:       cfg.Logger,
		Recorder:     cfg.Recorder,
		HistoryWait:  cfg.HistoryWait,
		PollInterval: cfg.PollInterval,
		Durable:      cfg.DurableDiscovery,
	})
	if err != nil {
		_ = p.Close()
		telemetry.EndSpan(span, err)
		return nil, fmt.Errorf("create directory: %w", err)
	}
	telemetry.EndSpan(span, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	n := &Node{
		name:        cfg.Name,
		cfg:         cfg,
		participant: p,
		dir:         dir,
		log:         log,
		rec:         cfg.Recorder,
		errs:        make(chan error, cfg.ErrorBuffer),
		ctx:         runCtx,
		cancel:      cancel,
		bindings:    make(map[string]binding),
	}
	log.InfoContext(ctx, "node started", "name", cfg.Name)
	return n, nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// ID returns the participant id.
func (n *Node) ID() string { return n.participant.ID() }

// Directory returns the node's discovery directory.
func (n *Node) Directory() *directory.Directory { return n.dir }

// Errors reports steady-state failures: take and publish errors, handler
// panics. When the buffer is full new errors are logged and dropped. The
// channel is closed by Close.
func (n *Node) Errors() <-chan error { return n.errs }

// WaitForProviders blocks until another node's provider registration writer
// matches, then waits for retained manifests.
func (n *Node) WaitForProviders(ctx context.Context, opts gate.Options) error {
	return n.dir.WaitForProviders(ctx, opts)
}

// WaitForConsumers blocks until another node's consumer discovery writer
// matches, then waits for retained advertisements.
func (n *Node) WaitForConsumers(ctx context.Context, opts gate.Options) error {
	return n.dir.WaitForConsumers(ctx, opts)
}

// Run blocks until ctx is done or the node is closed.
func (n *Node) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return nil
	}
}

// report delivers a steady-state error without blocking.
func (n *Node) report(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.errs <- err:
	default:
		n.log.WithError(err).Warn("error channel full, dropping error")
	}
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Close stops listeners and subscriptions, closes every binding and the
// directory, then leaves the domain.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		bindings := n.bindings
		n.bindings = map[string]binding{}
		handles := n.handles
		consumers := n.consumers
		n.mu.Unlock()

		n.cancel()
		var errs []error
		for _, b := range bindings {
			errs = append(errs, b.close())
		}
		n.wg.Wait()
		for _, h := range handles {
			errs = append(errs, h.Close())
		}
		for _, c := range consumers {
			errs = append(errs, c.Close())
		}
		errs = append(errs, n.dir.Close(), n.participant.Close())
		close(n.errs)

		n.closeErr = stderrors.Join(errs...)
		n.log.Info("node closed")
	})
	return n.closeErr
}
