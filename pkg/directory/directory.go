// Package directory publishes and observes provider manifests and consumer
// advertisements on the two well-known registration channels.
package directory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gezibash/mycelium/internal/cel"
	"github.com/gezibash/mycelium/pkg/channel"
	"github.com/gezibash/mycelium/pkg/functionality"
	"github.com/gezibash/mycelium/pkg/gate"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/telemetry"
	"github.com/gezibash/mycelium/pkg/transport"
)

// Options configures a Directory.
type Options struct {
	Logger   *logging.Logger
	Recorder telemetry.Recorder
	// HistoryWait bounds the replay wait after a match. Defaults to
	// gate.DefaultHistoryWait.
	HistoryWait time.Duration
	// PollInterval is the matched-count poll period. Defaults to
	// gate.DefaultInterval.
	PollInterval time.Duration
	// Durable publishes with Persistent durability so manifests and
	// advertisements outlive their writers on transports with a history
	// store. Entries of departed writers are then kept.
	Durable bool
}

// Directory is one node's view of the registration channels. Each node owns
// exactly one writer and one reader per channel.
type Directory struct {
	providersW *channel.Writer[functionality.Manifest]
	providersR *channel.Reader[functionality.Manifest]
	consumersW *channel.Writer[functionality.Advertisement]
	consumersR *channel.Reader[functionality.Advertisement]

	historyWait time.Duration
	interval    time.Duration
	durable     bool
	log         *logging.Logger
	rec         telemetry.Recorder

	mu        sync.Mutex
	providers map[string]entry[functionality.Manifest]
	consumers map[string]entry[functionality.Advertisement]
}

// entry is the latest value seen for one instance key and the writer that
// published it.
type entry[T any] struct {
	value  T
	writer string
}

// ProviderTopic is the topic manifests are published on.
func ProviderTopic() transport.Topic {
	return transport.Topic{
		Name:     functionality.ProviderRegistrationChannel,
		TypeName: functionality.TypeName[functionality.Manifest](),
	}
}

// ConsumerTopic is the topic advertisements are published on.
func ConsumerTopic() transport.Topic {
	return transport.Topic{
		Name:     functionality.ConsumerDiscoveryChannel,
		TypeName: functionality.TypeName[functionality.Advertisement](),
	}
}

// New creates the directory writers and readers on p. Any failure closes
// what was created and is returned.
func New(ctx context.Context, p transport.Participant, opts Options) (_ *Directory, err error) {
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	if opts.HistoryWait <= 0 {
		opts.HistoryWait = gate.DefaultHistoryWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = gate.DefaultInterval
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
		}
	}()

	qos := transport.KeyedQoS()
	wqos := qos
	if opts.Durable {
		wqos.Durability = transport.Persistent
	}
	codec := channel.JSON{}

	pw, err := p.CreateWriter(ctx, ProviderTopic(), wqos)
	if err != nil {
		return nil, fmt.Errorf("provider registration writer: %w", err)
	}
	closers = append(closers, pw.Close)
	pr, err := p.CreateReader(ctx, ProviderTopic(), qos)
	if err != nil {
		return nil, fmt.Errorf("provider registration reader: %w", err)
	}
	closers = append(closers, pr.Close)
	cw, err := p.CreateWriter(ctx, ConsumerTopic(), wqos)
	if err != nil {
		return nil, fmt.Errorf("consumer discovery writer: %w", err)
	}
	closers = append(closers, cw.Close)
	cr, err := p.CreateReader(ctx, ConsumerTopic(), qos)
	if err != nil {
		return nil, fmt.Errorf("consumer discovery reader: %w", err)
	}
	closers = append(closers, cr.Close)

	return &Directory{
		providersW:  channel.NewWriter(pw, channel.Plain[functionality.Manifest](codec), functionality.Manifest.Key),
		providersR:  channel.NewReader(pr, channel.Plain[functionality.Manifest](codec)),
		consumersW:  channel.NewWriter(cw, channel.Plain[functionality.Advertisement](codec), functionality.Advertisement.Key),
		consumersR:  channel.NewReader(cr, channel.Plain[functionality.Advertisement](codec)),
		historyWait: opts.HistoryWait,
		interval:    opts.PollInterval,
		durable:     opts.Durable,
		log:         opts.Logger.WithComponent("directory"),
		rec:         telemetry.OrNop(opts.Recorder),
		providers:   make(map[string]entry[functionality.Manifest]),
		consumers:   make(map[string]entry[functionality.Advertisement]),
	}, nil
}

// AdvertiseProvider publishes m, replacing any manifest with the same
// provider name for current and late-joining observers.
func (d *Directory) AdvertiseProvider(ctx context.Context, m functionality.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := d.providersW.Write(ctx, m); err != nil {
		return fmt.Errorf("advertise provider %q: %w", m.ProviderName, err)
	}
	d.log.DebugContext(ctx, "provider advertised", "provider", m.ProviderName, "functionalities", len(m.Functionalities))
	return nil
}

// AdvertiseConsumer publishes one advertisement per descriptor.
func (d *Directory) AdvertiseConsumer(ctx context.Context, consumerID string, descs ...functionality.Descriptor) error {
	for _, desc := range descs {
		adv := functionality.Advertisement{ConsumerID: consumerID, RequestedFunctionality: desc}
		if err := d.consumersW.Write(ctx, adv); err != nil {
			return fmt.Errorf("advertise consumer %q: %w", consumerID, err)
		}
	}
	d.log.DebugContext(ctx, "consumer advertised", "consumer", consumerID, "functionalities", len(descs))
	return nil
}

// Providers drains newly arrived manifests and returns the latest manifest
// per provider, sorted by provider name. Unless the directory is durable,
// manifests whose writer is no longer matched are dropped.
func (d *Directory) Providers(ctx context.Context) ([]functionality.Manifest, error) {
	got, err := d.providersR.TakeMessages(ctx, 0)
	if err != nil && !isDecodeOnly(err) {
		return nil, err
	}
	d.reportDecode(err)
	live := d.liveWriters(ctx, d.providersR.Raw())

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range got {
		d.providers[m.Value.Key()] = entry[functionality.Manifest]{value: m.Value, writer: m.Writer}
	}
	prune(d.providers, live)
	out := make([]functionality.Manifest, 0, len(d.providers))
	for _, e := range d.providers {
		out = append(out, e.value)
	}
	slices.SortFunc(out, func(a, b functionality.Manifest) int {
		return strings.Compare(a.ProviderName, b.ProviderName)
	})
	return out, nil
}

// Consumers drains newly arrived advertisements and returns the latest per
// consumer and functionality, sorted by key.
func (d *Directory) Consumers(ctx context.Context) ([]functionality.Advertisement, error) {
	got, err := d.consumersR.TakeMessages(ctx, 0)
	if err != nil && !isDecodeOnly(err) {
		return nil, err
	}
	d.reportDecode(err)
	live := d.liveWriters(ctx, d.consumersR.Raw())

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range got {
		d.consumers[m.Value.Key()] = entry[functionality.Advertisement]{value: m.Value, writer: m.Writer}
	}
	prune(d.consumers, live)
	out := make([]functionality.Advertisement, 0, len(d.consumers))
	for _, e := range d.consumers {
		out = append(out, e.value)
	}
	slices.SortFunc(out, func(a, b functionality.Advertisement) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return out, nil
}

// Query returns the providers whose manifest satisfies the CEL expression.
func (d *Directory) Query(ctx context.Context, expr string) ([]functionality.Manifest, error) {
	f, err := cel.Compile(expr)
	if err != nil {
		return nil, err
	}
	all, err := d.Providers(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(m functionality.Manifest) bool { return !f.Match(m) }), nil
}

// Lookup returns the providers offering a functionality called name.
func (d *Directory) Lookup(ctx context.Context, name string) ([]functionality.Manifest, error) {
	all, err := d.Providers(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(m functionality.Manifest) bool {
		_, ok := m.Offers(name)
		return !ok
	}), nil
}

// WaitForProviders blocks until a registration writer other than this
// node's own has matched, then waits for retained manifests. With a zero
// Timeout it waits until ctx is done.
func (d *Directory) WaitForProviders(ctx context.Context, opts gate.Options) error {
	return d.waitFor(ctx, "providers", d.providersR, opts)
}

// WaitForConsumers is WaitForProviders for the consumer discovery channel.
func (d *Directory) WaitForConsumers(ctx context.Context, opts gate.Options) error {
	return d.waitFor(ctx, "consumers", d.consumersR, opts)
}

func (d *Directory) waitFor(ctx context.Context, what string, r remoteCounter, opts gate.Options) error {
	if opts.Interval <= 0 {
		opts.Interval = d.interval
	}
	if err := gate.WaitForMatch(ctx, excludeSelf{r}, opts); err != nil {
		return fmt.Errorf("wait for %s: %w", what, err)
	}
	if !gate.WaitForHistory(ctx, r.Raw(), d.historyWait) {
		d.log.DebugContext(ctx, "history wait expired", "channel", r.Topic().Name)
	}
	return nil
}

// Close releases the directory channels.
func (d *Directory) Close() error {
	var first error
	for _, c := range []func() error{d.providersW.Close, d.providersR.Close, d.consumersW.Close, d.consumersR.Close} {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// liveWriters returns the writers r is matched with, or nil when entries
// should not be pruned: the directory is durable, the transport cannot list
// writers, or listing failed.
func (d *Directory) liveWriters(ctx context.Context, r transport.Reader) map[string]bool {
	if d.durable {
		return nil
	}
	l, ok := r.(transport.WriterLister)
	if !ok {
		return nil
	}
	ids, err := l.MatchedWriters(ctx)
	if err != nil {
		d.log.WithError(err).DebugContext(ctx, "matched writers unavailable", "channel", r.Topic().Name)
		return nil
	}
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}
	return live
}

func prune[T any](entries map[string]entry[T], live map[string]bool) {
	if live == nil {
		return
	}
	maps.DeleteFunc(entries, func(_ string, e entry[T]) bool { return !live[e.writer] })
}

func (d *Directory) reportDecode(err error) {
	if err == nil {
		return
	}
	d.rec.Error("directory")
	d.log.WithError(err).Warn("dropped undecodable directory sample")
}

type remoteCounter interface {
	transport.Matcher
	Raw() transport.Reader
	Topic() transport.Topic
}

// excludeSelf discounts the node's own writer, which every directory reader
// matches.
type excludeSelf struct{ m transport.Matcher }

func (e excludeSelf) MatchedCount(ctx context.Context) (int, error) {
	n, err := e.m.MatchedCount(ctx)
	if err != nil {
		return 0, err
	}
	return max(n-1, 0), nil
}
