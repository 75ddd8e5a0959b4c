// Package redis runs the broadcast domain over Redis pub/sub. Live samples
// travel by PUBLISH; retained samples of durable writers are kept in a hash
// (keyed topics) or a capped list; endpoint presence hashes with expiring
// heartbeats provide match counts.
package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gezibash/mycelium/internal/broker"
	"github.com/gezibash/mycelium/internal/storage"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/transport"
)

// Backend is the registry name.
const Backend = "redis"

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"
	KeyHeartbeat    = "heartbeat"
	KeyPresenceTTL  = "presence_ttl"
)

// Register adds the redis backend to reg.
func Register(reg *broker.Registry) error {
	return reg.Register(Backend, NewFactory, Defaults)
}

// Defaults returns the default configuration.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    "mycelium:",
		KeyHeartbeat:    "1s",
		KeyPresenceTTL:  "5s",
	}
}

// NewFactory connects to Redis from a configuration map.
func NewFactory(ctx context.Context, config map[string]string, opts broker.Options) (broker.Domain, error) {
	addr := storage.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, storage.NewConfigError(Backend, KeyAddr, "cannot be empty")
	}

	db, err := storage.GetInt(config, KeyDB, 0)
	if err != nil {
		return nil, storage.WithBackend(Backend, err)
	}
	if db < 0 {
		return nil, storage.NewConfigErrorWithValue(Backend, KeyDB, config[KeyDB], "must be non-negative")
	}
	maxRetries, err := storage.GetInt(config, KeyMaxRetries, 3)
	if err != nil {
		return nil, storage.WithBackend(Backend, err)
	}
	poolSize, err := storage.GetInt(config, KeyPoolSize, 0)
	if err != nil {
		return nil, storage.WithBackend(Backend, err)
	}

	defaults := Defaults()
	var dialTimeout, readTimeout, writeTimeout, heartbeat, ttl time.Duration
	for key, dst := range map[string]*time.Duration{
		KeyDialTimeout:  &dialTimeout,
		KeyReadTimeout:  &readTimeout,
		KeyWriteTimeout: &writeTimeout,
		KeyHeartbeat:    &heartbeat,
		KeyPresenceTTL:  &ttl,
	} {
		def, _ := time.ParseDuration(defaults[key])
		d, err := storage.GetDuration(config, key, def)
		if err != nil {
			return nil, storage.WithBackend(Backend, err)
		}
		*dst = d
	}
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	if ttl <= heartbeat {
		return nil, storage.NewConfigErrorWithValue(Backend, KeyPresenceTTL, ttl.String(), "must exceed heartbeat")
	}

	ropts := &redis.Options{
		Addr:         addr,
		Password:     storage.GetString(config, KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		ropts.PoolSize = poolSize
	}
	client := redis.NewClient(ropts)

	pingTimeout := dialTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause(Backend, KeyAddr, "failed to connect", err)
	}

	log := opts.Logger
	if log == nil {
		log = logging.New(nil)
	}
	d := NewWithClient(client, storage.GetString(config, KeyKeyPrefix, "mycelium:"), heartbeat, ttl, log)
	d.ownsClient = true
	log.Info("redis transport initialized", "addr", addr, "db", db, "key_prefix", d.prefix)
	return d, nil
}

// Domain is a broadcast domain backed by one Redis database.
type Domain struct {
	client     *redis.Client
	prefix     string
	heartbeat  time.Duration
	ttl        time.Duration
	log        *logging.Logger
	ownsClient bool

	mu           sync.Mutex
	participants map[*participant]struct{}
	closed       bool
}

var _ broker.Domain = (*Domain)(nil)

// NewWithClient builds a domain on an existing client. The client is not
// closed by Close.
func NewWithClient(client *redis.Client, prefix string, heartbeat, ttl time.Duration, log *logging.Logger) *Domain {
	return &Domain{
		client:       client,
		prefix:       prefix,
		heartbeat:    heartbeat,
		ttl:          ttl,
		log:          log.WithComponent("redis-transport"),
		participants: make(map[*participant]struct{}),
	}
}

func (d *Domain) channelKey(topic string) string { return d.prefix + "topic:" + topic }
func (d *Domain) historyKey(topic string) string { return d.prefix + "history:" + topic }
func (d *Domain) writersKey(topic string) string { return d.prefix + "writers:" + topic }
func (d *Domain) readersKey(topic string) string { return d.prefix + "readers:" + topic }

// CreateParticipant joins the domain and starts its presence heartbeat.
func (d *Domain) CreateParticipant(_ context.Context, name string) (transport.Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, mycerrors.ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &participant{
		domain:    d,
		id:        uuid.NewString(),
		name:      name,
		endpoints: make(map[endpoint]struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	d.participants[p] = struct{}{}
	go p.heartbeatLoop(ctx)
	d.log.Debug("participant joined", "participant", logging.ShortID(p.id), "name", name)
	return p, nil
}

// Close closes every participant, removing their presence entries.
func (d *Domain) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ps := make([]*participant, 0, len(d.participants))
	for p := range d.participants {
		ps = append(ps, p)
	}
	d.mu.Unlock()

	for _, p := range ps {
		_ = p.Close()
	}
	if d.ownsClient {
		return d.client.Close()
	}
	return nil
}

func (d *Domain) forget(p *participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.participants, p)
}
