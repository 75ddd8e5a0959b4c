package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gezibash/mycelium/internal/broker"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/transport"
)

var _ transport.WriterLister = (*reader)(nil)

type endpoint interface {
	presenceKey() string
	presenceField() string
	presenceValue(expires time.Time) ([]byte, error)
	close()
}

type participant struct {
	domain *Domain
	id     string
	name   string

	mu        sync.Mutex
	endpoints map[endpoint]struct{}
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *participant) ID() string { return p.id }

func (p *participant) heartbeatLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.domain.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.refresh(ctx); err != nil && ctx.Err() == nil {
				p.domain.log.WithError(err).Warn("presence heartbeat failed", "participant", p.id)
			}
		}
	}
}

func (p *participant) refresh(ctx context.Context) error {
	p.mu.Lock()
	eps := make([]endpoint, 0, len(p.endpoints))
	for ep := range p.endpoints {
		eps = append(eps, ep)
	}
	p.mu.Unlock()

	if len(eps) == 0 {
		return nil
	}
	expires := time.Now().Add(p.domain.ttl)
	_, err := p.domain.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ep := range eps {
			v, err := ep.presenceValue(expires)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, ep.presenceKey(), ep.presenceField(), v)
		}
		return nil
	})
	return err
}

func (p *participant) announce(ctx context.Context, ep endpoint) error {
	v, err := ep.presenceValue(time.Now().Add(p.domain.ttl))
	if err != nil {
		return err
	}
	return p.domain.client.HSet(ctx, ep.presenceKey(), ep.presenceField(), v).Err()
}

func (p *participant) withdraw(ep endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.domain.client.HDel(ctx, ep.presenceKey(), ep.presenceField()).Err(); err != nil {
		p.domain.log.WithError(err).Debug("presence withdraw failed", "key", ep.presenceKey())
	}
}

func (p *participant) CreateWriter(ctx context.Context, topic transport.Topic, qos transport.QoS) (transport.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, mycerrors.NewTransportError("create_writer", topic.Name, mycerrors.ErrClosed)
	}
	w := &writer{p: p, topic: topic, id: uuid.NewString(), qos: qos}
	if err := p.announce(ctx, w); err != nil {
		return nil, mycerrors.NewTransportError("create_writer", topic.Name, err)
	}
	p.endpoints[w] = struct{}{}
	return w, nil
}

func (p *participant) CreateReader(ctx context.Context, topic transport.Topic, qos transport.QoS) (transport.Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, mycerrors.NewTransportError("create_reader", topic.Name, mycerrors.ErrClosed)
	}
	r, err := p.openReader(ctx, topic, qos)
	if err != nil {
		return nil, mycerrors.NewTransportError("create_reader", topic.Name, err)
	}
	p.endpoints[r] = struct{}{}
	return r, nil
}

func (p *participant) openReader(ctx context.Context, topic transport.Topic, qos transport.QoS) (*reader, error) {
	d := p.domain
	sub := d.client.Subscribe(ctx, d.channelKey(topic.Name))
	// Wait for the subscription confirmation so no live sample published
	// after history is read can be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	r := &reader{
		p:     p,
		topic: topic,
		id:    uuid.NewString(),
		qos:   qos,
		inbox: broker.NewInbox(qos),
		sub:   sub,
		seen:  make(map[string]struct{}),
		done:  make(chan struct{}),
	}
	if qos.Durability >= transport.TransientLocal {
		if err := r.loadHistory(ctx); err != nil {
			_ = sub.Close()
			return nil, err
		}
	}
	if err := p.announce(ctx, r); err != nil {
		_ = sub.Close()
		return nil, err
	}
	go r.receiveLoop()
	return r, nil
}

func (p *participant) forget(ep endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, ep)
}

func (p *participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	eps := p.endpoints
	p.endpoints = nil
	p.mu.Unlock()

	p.cancel()
	<-p.done
	for ep := range eps {
		ep.close()
	}
	p.domain.forget(p)
	return nil
}

// live returns the unexpired entries of the presence hash at key, by
// endpoint id. Expired entries are removed on the way.
func live(ctx context.Context, d *Domain, key string) (map[string]presence, error) {
	entries, err := d.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	var expired []string
	out := make(map[string]presence, len(entries))
	for field, raw := range entries {
		var pr presence
		if err := json.Unmarshal([]byte(raw), &pr); err != nil || pr.Expires <= now {
			expired = append(expired, field)
			continue
		}
		out[field] = pr
	}
	if len(expired) > 0 {
		_ = d.client.HDel(ctx, key, expired...).Err()
	}
	return out, nil
}

// matched counts live, QoS-compatible endpoints in the presence hash at key.
func matched(ctx context.Context, d *Domain, key string, compatible func(transport.QoS) bool) (int, error) {
	entries, err := live(ctx, d, key)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, pr := range entries {
		if compatible(pr.qos()) {
			n++
		}
	}
	return n, nil
}

type writer struct {
	p      *participant
	topic  transport.Topic
	id     string
	qos    transport.QoS
	once   sync.Once
	closed atomic.Bool
}

func (w *writer) presenceKey() string   { return w.p.domain.writersKey(w.topic.Name) }
func (w *writer) presenceField() string { return w.id }

func (w *writer) presenceValue(expires time.Time) ([]byte, error) {
	return json.Marshal(presence{
		Participant: w.p.id,
		Durability:  w.qos.Durability,
		Reliable:    w.qos.Reliable,
		Expires:     expires.UnixMilli(),
	})
}

func (w *writer) ID() string { return w.id }

func (w *writer) Topic() transport.Topic { return w.topic }

func (w *writer) Write(ctx context.Context, s transport.Sample) error {
	if w.closed.Load() {
		return mycerrors.ErrClosed
	}

	f := frame{
		ID:         uuid.NewString(),
		Key:        s.Key,
		Data:       s.Data,
		Writer:     w.id,
		Type:       w.topic.TypeName,
		Durability: w.qos.Durability,
		Reliable:   w.qos.Reliable,
		Published:  time.Now().UnixNano(),
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	d := w.p.domain
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if w.qos.Durability >= transport.TransientLocal {
			hk := d.historyKey(w.topic.Name)
			if w.qos.Keyed {
				pipe.HSet(ctx, hk, s.Key, payload)
			} else {
				pipe.RPush(ctx, hk, payload)
				pipe.LTrim(ctx, hk, int64(-w.qos.Depth()), -1)
			}
		}
		pipe.Publish(ctx, d.channelKey(w.topic.Name), payload)
		return nil
	})
	return err
}

func (w *writer) MatchedCount(ctx context.Context) (int, error) {
	return matched(ctx, w.p.domain, w.p.domain.readersKey(w.topic.Name), func(r transport.QoS) bool {
		return transport.Compatible(w.qos, r)
	})
}

func (w *writer) close() {
	w.once.Do(func() {
		w.closed.Store(true)
		w.p.withdraw(w)
	})
}

func (w *writer) Close() error {
	w.close()
	w.p.forget(w)
	return nil
}

type reader struct {
	p     *participant
	topic transport.Topic
	id    string
	qos   transport.QoS
	inbox *broker.Inbox
	sub   *redis.PubSub
	// seen holds ids delivered from history; touched only by openReader and
	// then by receiveLoop.
	seen map[string]struct{}
	once sync.Once
	done chan struct{}
}

func (r *reader) presenceKey() string   { return r.p.domain.readersKey(r.topic.Name) }
func (r *reader) presenceField() string { return r.id }

func (r *reader) presenceValue(expires time.Time) ([]byte, error) {
	return json.Marshal(presence{
		Participant: r.p.id,
		Durability:  r.qos.Durability,
		Reliable:    r.qos.Reliable,
		Expires:     expires.UnixMilli(),
	})
}

func (r *reader) accepts(f frame) bool {
	if f.Type != "" && r.topic.TypeName != "" && f.Type != r.topic.TypeName {
		return false
	}
	return transport.Compatible(f.qos(), r.qos)
}

func (r *reader) loadHistory(ctx context.Context) error {
	d := r.p.domain
	hk := d.historyKey(r.topic.Name)

	var raws []string
	var err error
	if r.qos.Keyed {
		var m map[string]string
		m, err = d.client.HGetAll(ctx, hk).Result()
		for _, v := range m {
			raws = append(raws, v)
		}
	} else {
		raws, err = d.client.LRange(ctx, hk, 0, -1).Result()
	}
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	frames := make([]frame, 0, len(raws))
	for _, raw := range raws {
		f, err := decodeFrame(raw)
		if err != nil {
			d.log.WithError(err).Debug("skipping undecodable history frame", "topic", r.topic.Name)
			continue
		}
		frames = append(frames, f)
	}
	writers, err := live(ctx, d, d.writersKey(r.topic.Name))
	if err != nil {
		return fmt.Errorf("load writers: %w", err)
	}
	frames = retainedFrames(frames, writers)
	sortFrames(frames)
	for _, f := range frames {
		if !r.accepts(f) {
			continue
		}
		r.seen[f.ID] = struct{}{}
		r.inbox.Push(f.sample())
	}
	return nil
}

func (r *reader) receiveLoop() {
	defer close(r.done)
	for msg := range r.sub.Channel() {
		f, err := decodeFrame(msg.Payload)
		if err != nil {
			r.p.domain.log.WithError(err).Debug("skipping undecodable frame", "topic", r.topic.Name)
			continue
		}
		if _, dup := r.seen[f.ID]; dup {
			delete(r.seen, f.ID)
			continue
		}
		if !r.accepts(f) {
			continue
		}
		if !r.inbox.Push(f.sample()) {
			return
		}
	}
}

func (r *reader) Topic() transport.Topic { return r.topic }

func (r *reader) Take(ctx context.Context, max int) ([]transport.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.inbox.Take(max)
}

func (r *reader) DataAvailable() <-chan struct{} { return r.inbox.Ready() }

func (r *reader) MatchedCount(ctx context.Context) (int, error) {
	return matched(ctx, r.p.domain, r.p.domain.writersKey(r.topic.Name), func(w transport.QoS) bool {
		return transport.Compatible(w, r.qos)
	})
}

func (r *reader) MatchedWriters(ctx context.Context) ([]string, error) {
	entries, err := live(ctx, r.p.domain, r.p.domain.writersKey(r.topic.Name))
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, pr := range entries {
		if transport.Compatible(pr.qos(), r.qos) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// WaitForHistoricalData returns at once: history is read before the reader
// is handed out.
func (r *reader) WaitForHistoricalData(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func (r *reader) close() {
	r.once.Do(func() {
		_ = r.sub.Close()
		<-r.done
		r.inbox.Close()
		r.p.withdraw(r)
	})
}

func (r *reader) Close() error {
	r.close()
	r.p.forget(r)
	return nil
}
