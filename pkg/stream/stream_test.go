package stream

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/mycelium/internal/broker/memory"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/functionality"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/transport"
)

var sensor = functionality.Describe[functionality.Empty, float64]("sensor_stream", functionality.Continuous)

func join(t *testing.T, bus *memory.Bus, name string) transport.Participant {
	t.Helper()
	p, err := bus.CreateParticipant(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateParticipant: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

type collector struct {
	mu sync.Mutex
	vs []float64
}

func (c *collector) add(_ context.Context, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vs = append(c.vs, v)
}

func (c *collector) values() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.vs...)
}

func (c *collector) waitFor(t *testing.T, n int) []float64 {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if vs := c.values(); len(vs) >= n {
			return vs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %v, want %d values", c.values(), n)
	return nil
}

func TestNoReplayToLateSubscriber(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	pub, err := NewPublisher[float64](ctx, join(t, bus, "provider"), sensor, Options{})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer pub.Close()

	for _, v := range []float64{1, 2, 3} {
		if err := pub.Publish(ctx, v); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var c collector
	sub, err := Subscribe(ctx, join(t, bus, "consumer"), sensor, c.add, Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	time.Sleep(50 * time.Millisecond)
	if got := c.values(); len(got) != 0 {
		t.Fatalf("late subscriber received %v, want nothing", got)
	}

	if err := pub.Publish(ctx, 4); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := c.waitFor(t, 1); got[0] != 4 {
		t.Errorf("received %v, want [4]", got)
	}
}

func TestFanOut(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	pub, err := NewPublisher[float64](ctx, join(t, bus, "provider"), sensor, Options{})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	cs := make([]*collector, 3)
	for i := range cs {
		cs[i] = &collector{}
		sub, err := Subscribe(ctx, join(t, bus, "consumer"), sensor, cs[i].add, Options{Logger: logging.Nop()})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		t.Cleanup(func() { sub.Close() })
	}
	if n, _ := pub.MatchedCount(ctx); n != 3 {
		t.Fatalf("MatchedCount = %d, want 3", n)
	}

	for _, v := range []float64{0.5, 1.5} {
		pub.Publish(ctx, v)
	}
	for i, c := range cs {
		got := c.waitFor(t, 2)
		if got[0] != 0.5 || got[1] != 1.5 {
			t.Errorf("consumer %d received %v", i, got)
		}
	}
}

func TestStopFromCallback(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	pub, err := NewPublisher[float64](ctx, join(t, bus, "provider"), sensor, Options{})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	var (
		mu   sync.Mutex
		got  []float64
		sub  *Subscription[float64]
		subc = make(chan struct{})
	)
	sub, err = Subscribe(ctx, join(t, bus, "consumer"), sensor, func(_ context.Context, v float64) {
		<-subc
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		sub.Stop()
	}, Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	close(subc)

	for _, v := range []float64{1, 2, 3} {
		pub.Publish(ctx, v)
	}

	closed := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		closed <- sub.Close()
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close after Stop from callback did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("delivered %v, want only the first sample", got)
	}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	p := join(t, bus, "provider")

	t.Run("no continuous", func(t *testing.T) {
		h := NewHandle()
		if _, ok := h.(NoContinuous); !ok {
			t.Fatalf("NewHandle() = %T, want NoContinuous", h)
		}
		if len(h.Names()) != 0 {
			t.Errorf("Names = %v", h.Names())
		}
		if _, err := PublisherFor[float64](h, "sensor_stream"); !stderrors.Is(err, mycerrors.ErrNotFound) {
			t.Errorf("PublisherFor = %v, want ErrNotFound", err)
		}
	})

	t.Run("typed lookup", func(t *testing.T) {
		other := functionality.Describe[functionality.Empty, string]("log_stream", functionality.Continuous)
		a, err := NewPublisher[float64](ctx, p, sensor, Options{})
		if err != nil {
			t.Fatalf("NewPublisher: %v", err)
		}
		b, err := NewPublisher[string](ctx, p, other, Options{})
		if err != nil {
			t.Fatalf("NewPublisher: %v", err)
		}
		h := NewHandle(a, b)
		defer h.Close()

		if names := h.Names(); len(names) != 2 || names[0] != "log_stream" || names[1] != "sensor_stream" {
			t.Errorf("Names = %v", names)
		}
		got, err := PublisherFor[float64](h, "sensor_stream")
		if err != nil || got != a {
			t.Errorf("PublisherFor = %v, %v", got, err)
		}
		if _, err := PublisherFor[int](h, "sensor_stream"); !stderrors.Is(err, mycerrors.ErrInvalidInput) {
			t.Errorf("PublisherFor wrong type = %v, want ErrInvalidInput", err)
		}
	})
}

func TestRejectsNonContinuous(t *testing.T) {
	bus := memory.New()
	desc := functionality.Describe[int, int]("double", functionality.RequestResponse)
	if _, err := NewPublisher[int](context.Background(), join(t, bus, "p"), desc, Options{}); !stderrors.Is(err, mycerrors.ErrInvalidInput) {
		t.Errorf("NewPublisher = %v, want ErrInvalidInput", err)
	}
}
