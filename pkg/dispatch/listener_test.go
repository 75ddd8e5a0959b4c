package dispatch_test

import (
	"context"
	stderrors "errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gezibash/mycelium/internal/broker/memory"
	"github.com/gezibash/mycelium/pkg/channel"
	"github.com/gezibash/mycelium/pkg/dispatch"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/exchange"
	"github.com/gezibash/mycelium/pkg/functionality"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/rpc"
	"github.com/gezibash/mycelium/pkg/transport"
)

type pair struct {
	A int32 `json:"a"`
	B int32 `json:"b"`
}

var divide = functionality.Describe[pair, int32]("divide", functionality.RequestResponse)

// client is a raw request writer and response reader on the divide channels.
type client struct {
	req  *channel.Writer[exchange.Envelope[pair]]
	resp *channel.Reader[exchange.Envelope[int32]]
}

func newClient(t *testing.T, bus *memory.Bus) *client {
	t.Helper()
	ctx := context.Background()
	p, err := bus.CreateParticipant(ctx, "client")
	if err != nil {
		t.Fatalf("CreateParticipant: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	tw, err := p.CreateWriter(ctx, rpc.RequestTopic(divide), transport.ReliableQoS())
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	tr, err := p.CreateReader(ctx, rpc.ResponseTopic(divide), transport.ReliableQoS())
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	return &client{
		req:  channel.NewWriter(tw, channel.Enveloped[pair](channel.JSON{}), nil),
		resp: channel.NewReader(tr, channel.Enveloped[int32](channel.JSON{})),
	}
}

// collect takes responses until n arrived or the deadline passes.
func (c *client) collect(t *testing.T, n int) []channel.Message[exchange.Envelope[int32]] {
	t.Helper()
	ctx := context.Background()
	deadline := time.After(2 * time.Second)
	var got []channel.Message[exchange.Envelope[int32]]
	for len(got) < n {
		select {
		case <-c.resp.DataAvailable():
			msgs, err := c.resp.TakeMessages(ctx, 100)
			if err != nil {
				t.Fatalf("TakeMessages: %v", err)
			}
			got = append(got, msgs...)
		case <-deadline:
			t.Fatalf("got %d responses, want %d", len(got), n)
		}
	}
	return got
}

func startListener(t *testing.T, bus *memory.Bus, h dispatch.Handler[pair, int32], opts dispatch.Options) *dispatch.Listener[pair, int32] {
	t.Helper()
	p, err := bus.CreateParticipant(context.Background(), "provider")
	if err != nil {
		t.Fatalf("CreateParticipant: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	l, err := dispatch.NewListener(context.Background(), p, divide, h, opts)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		l.Close()
	})
	return l
}

func divideHandler(_ context.Context, p pair) (int32, error) {
	if p.B == 0 {
		return 0, stderrors.New("division by zero")
	}
	return p.A / p.B, nil
}

func TestServeTagsReplyAndEchoesID(t *testing.T) {
	bus := memory.New()
	defer bus.Close()
	startListener(t, bus, divideHandler, dispatch.Options{})
	c := newClient(t, bus)

	ctx := context.Background()
	if err := c.req.Write(ctx, exchange.Envelope[pair]{ID: 41, Payload: pair{A: 84, B: 2}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.req.Write(ctx, exchange.Envelope[pair]{ID: 42, Payload: pair{A: 1}}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	byID := map[exchange.ID]channel.Message[exchange.Envelope[int32]]{}
	for _, m := range c.collect(t, 2) {
		byID[m.Value.ID] = m
	}

	ok := byID[41]
	if ok.Value.Failed() || ok.Value.Payload != 42 {
		t.Errorf("response 41 = %+v, want payload 42", ok.Value)
	}
	if ok.Key != c.req.ID() {
		t.Errorf("response key = %q, want requesting writer %q", ok.Key, c.req.ID())
	}

	failed := byID[42]
	if !failed.Value.Failed() || failed.Value.Error != "division by zero" {
		t.Errorf("response 42 = %+v, want handler error", failed.Value)
	}
}

func TestEmptyErrorStillFails(t *testing.T) {
	bus := memory.New()
	defer bus.Close()
	startListener(t, bus, func(context.Context, pair) (int32, error) {
		return 7, stderrors.New("")
	}, dispatch.Options{})
	c := newClient(t, bus)

	if err := c.req.Write(context.Background(), exchange.Envelope[pair]{ID: 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	resp := c.collect(t, 1)[0].Value
	if !resp.Failed() || resp.Payload != 0 {
		t.Errorf("response = %+v, want failed with zero payload", resp)
	}
}

func TestDrainBeyondBatch(t *testing.T) {
	bus := memory.New()
	defer bus.Close()
	c := newClient(t, bus)

	// Queued before the listener exists, so one wake sees them all.
	const n = 10
	for i := range n {
		if err := c.req.Write(context.Background(), exchange.Envelope[pair]{ID: exchange.ID(i), Payload: pair{A: int32(i), B: 1}}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	startListener(t, bus, divideHandler, dispatch.Options{Batch: 3})

	seen := map[exchange.ID]bool{}
	for _, m := range c.collect(t, n) {
		if m.Value.Failed() || m.Value.Payload != int32(m.Value.ID) {
			t.Errorf("response %+v", m.Value)
		}
		seen[m.Value.ID] = true
	}
	if len(seen) != n {
		t.Errorf("served %d distinct requests, want %d", len(seen), n)
	}
}

func TestPanicReported(t *testing.T) {
	bus := memory.New()
	defer bus.Close()

	reported := make(chan error, 1)
	startListener(t, bus, func(context.Context, pair) (int32, error) {
		panic("boom")
	}, dispatch.Options{OnError: func(err error) {
		select {
		case reported <- err:
		default:
		}
	}})
	c := newClient(t, bus)

	if err := c.req.Write(context.Background(), exchange.Envelope[pair]{ID: 7}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	resp := c.collect(t, 1)[0].Value
	if !strings.Contains(resp.Error, "panic") {
		t.Errorf("response error = %q, want panic", resp.Error)
	}

	select {
	case err := <-reported:
		var pe *dispatch.PanicError
		if !stderrors.As(err, &pe) || pe.Value != "boom" {
			t.Errorf("reported %v, want PanicError(boom)", err)
		}
	case <-time.After(time.Second):
		t.Fatal("panic not reported")
	}
}

func TestConcurrencyBound(t *testing.T) {
	bus := memory.New()
	defer bus.Close()

	var running, peak atomic.Int32
	release := make(chan struct{})
	startListener(t, bus, func(_ context.Context, p pair) (int32, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return p.A, nil
	}, dispatch.Options{Concurrency: 2})
	c := newClient(t, bus)

	for i := range 5 {
		if err := c.req.Write(context.Background(), exchange.Envelope[pair]{ID: exchange.ID(i), Payload: pair{A: int32(i)}}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	if got := len(c.collect(t, 5)); got != 5 {
		t.Fatalf("got %d responses", got)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestRunTwice(t *testing.T) {
	bus := memory.New()
	defer bus.Close()
	l := startListener(t, bus, divideHandler, dispatch.Options{})

	// Give the background Run a moment to claim the listener.
	time.Sleep(20 * time.Millisecond)
	if err := l.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestNewListenerValidation(t *testing.T) {
	bus := memory.New()
	defer bus.Close()
	p, err := bus.CreateParticipant(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	stream := functionality.Describe[functionality.Empty, float64]("sensor_stream", functionality.Continuous)
	if _, err := dispatch.NewListener(context.Background(), p, stream, func(context.Context, functionality.Empty) (float64, error) { return 0, nil }, dispatch.Options{}); !stderrors.Is(err, mycerrors.ErrInvalidInput) {
		t.Errorf("continuous: err = %v, want ErrInvalidInput", err)
	}
	if _, err := dispatch.NewListener[pair, int32](context.Background(), p, divide, nil, dispatch.Options{}); !stderrors.Is(err, mycerrors.ErrInvalidInput) {
		t.Errorf("nil handler: err = %v, want ErrInvalidInput", err)
	}
}
