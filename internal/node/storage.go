// Package node assembles a running mycelium stack from configuration: the
// history store, the broadcast domain and the node settings.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/gezibash/mycelium/internal/broker"
	brokermemory "github.com/gezibash/mycelium/internal/broker/memory"
	brokerredis "github.com/gezibash/mycelium/internal/broker/redis"
	"github.com/gezibash/mycelium/internal/config"
	"github.com/gezibash/mycelium/internal/history"
	historybadger "github.com/gezibash/mycelium/internal/history/badger"
	historysqlite "github.com/gezibash/mycelium/internal/history/sqlite"
	"github.com/gezibash/mycelium/internal/names"
	"github.com/gezibash/mycelium/internal/observability"
	"github.com/gezibash/mycelium/pkg/channel"
	"github.com/gezibash/mycelium/pkg/logging"
	mycnode "github.com/gezibash/mycelium/pkg/node"
)

// Transports returns a registry holding every built-in transport backend.
func Transports() *broker.Registry {
	reg := broker.NewRegistry()
	_ = brokermemory.Register(reg)
	_ = brokerredis.Register(reg)
	return reg
}

// Histories returns a registry holding every built-in history backend.
func Histories() *history.Registry {
	reg := history.NewRegistry()
	_ = historybadger.Register(reg)
	_ = historysqlite.Register(reg)
	return reg
}

// NewHistoryStore opens the history store from configuration.
func NewHistoryStore(ctx context.Context, cfg *config.BackendConfig) (history.Store, error) {
	store, err := Histories().New(ctx, cfg.Backend, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("create history backend: %w", err)
	}
	return store, nil
}

// NewDomain opens the broadcast domain from configuration.
func NewDomain(ctx context.Context, cfg *config.BackendConfig, opts broker.Options) (broker.Domain, error) {
	d, err := Transports().Open(ctx, cfg.Backend, cfg.Config, opts)
	if err != nil {
		return nil, fmt.Errorf("create transport backend: %w", err)
	}
	return d, nil
}

// Stack is an opened history store and domain.
type Stack struct {
	Domain  broker.Domain
	History history.Store

	cfg     config.Config
	codec   channel.Codec
	logger  *logging.Logger
	metrics *observability.Metrics
}

// Open creates the history store and the domain on top of it. metrics may
// be nil.
func Open(ctx context.Context, cfg config.Config, logger *logging.Logger, metrics *observability.Metrics) (*Stack, error) {
	op, ctx := observability.StartOperation(ctx, metrics, "stack.open")
	var err error
	defer func() { op.End(err) }()

	codec, err := channel.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.New(nil)
	}

	store, err := NewHistoryStore(ctx, &cfg.History)
	if err != nil {
		return nil, err
	}
	d, err := NewDomain(ctx, &cfg.Transport, broker.Options{
		History: store,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Stack{
		Domain:  d,
		History: store,
		cfg:     cfg,
		codec:   codec,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// NodeConfig maps the loaded configuration onto node settings. name
// overrides the configured node name when non-empty; with neither, the node
// gets a random petname.
func (s *Stack) NodeConfig(name string) mycnode.Config {
	if name == "" {
		name = s.cfg.Node.Name
	}
	if name == "" {
		name = names.Random()
	}
	nc := mycnode.Config{
		Name:          name,
		Transport:     s.Domain,
		Codec:         s.codec,
		CallTimeout:   s.cfg.RPC.CallTimeout,
		DispatchBatch: s.cfg.RPC.DispatchBatch,
		Concurrency:   s.cfg.RPC.Concurrency,
		ReapInterval:  s.cfg.RPC.ReapInterval,
		HistoryWait:   s.cfg.Discovery.HistoryWait,
		PollInterval:  s.cfg.Discovery.PollInterval,
		Logger:        s.logger,

		DurableDiscovery: s.cfg.Discovery.Durable,
	}
	if s.metrics != nil {
		nc.Recorder = s.metrics
	}
	return nc
}

// NewNode creates a node on the stack's domain.
func (s *Stack) NewNode(ctx context.Context, name string) (*mycnode.Node, error) {
	return mycnode.New(ctx, s.NodeConfig(name))
}

// Close closes the domain, then the history store.
func (s *Stack) Close() error {
	return errors.Join(s.Domain.Close(), s.History.Close())
}
