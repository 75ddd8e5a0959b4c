package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/mycelium/internal/broker/memory"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/gate"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/stream"
)

type pair struct {
	A int32 `json:"a"`
	B int32 `json:"b"`
}

type status struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func newNode(t *testing.T, bus *memory.Bus, name string) *Node {
	t.Helper()
	n, err := New(context.Background(), Config{
		Name:        name,
		Transport:   bus,
		Logger:      logging.Nop(),
		HistoryWait: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New(%s): %v", name, err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func mathProvider() Provider {
	return Provider{
		Name: "math",
		Functionalities: []Offering{
			Serve("multiply", func(_ context.Context, p pair) (int32, error) { return p.A * p.B, nil }),
			Serve("divide", func(_ context.Context, p pair) (int32, error) {
				if p.B == 0 {
					return 0, fmt.Errorf("division by zero")
				}
				return p.A / p.B, nil
			}),
			Answer("get_status", func(context.Context) (status, error) { return status{200, "OK"}, nil }),
			Stream[float64]("sensor_stream"),
		},
	}
}

func TestMultiplyConcurrentConsumers(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()

	provider := newNode(t, bus, "provider")
	if _, err := provider.RegisterProvider(ctx, mathProvider()); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}

	const n = 5
	callers := make([]func(pair) (int32, bool, error), n)
	for i := range n {
		c := newNode(t, bus, fmt.Sprintf("consumer-%d", i))
		if err := c.WaitForProviders(ctx, gate.Options{Timeout: time.Second}); err != nil {
			t.Fatalf("WaitForProviders: %v", err)
		}
		h, err := c.RegisterConsumer(ctx, Consumer{Functionalities: []Requirement{Request[pair, int32]("multiply")}})
		if err != nil {
			t.Fatalf("RegisterConsumer: %v", err)
		}
		caller, err := CallerFor[pair, int32](h, "multiply")
		if err != nil {
			t.Fatalf("CallerFor: %v", err)
		}
		callers[i] = func(p pair) (int32, bool, error) { return caller.Call(ctx, p, 2*time.Second) }
	}

	got := make([]int32, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, ok, err := callers[i](pair{A: int32(i), B: int32(i + 1)})
			if err == nil && !ok {
				err = fmt.Errorf("timed out")
			}
			got[i], errs[i] = v, err
		}(i)
	}
	wg.Wait()

	want := []int32{0, 2, 6, 12, 20}
	for i := range want {
		if errs[i] != nil {
			t.Errorf("consumer %d: %v", i, errs[i])
		} else if got[i] != want[i] {
			t.Errorf("consumer %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResponseKindAcrossConsumers(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	provider := newNode(t, bus, "provider")
	if _, err := provider.RegisterProvider(ctx, mathProvider()); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}

	for i := range 3 {
		c := newNode(t, bus, fmt.Sprintf("consumer-%d", i))
		h, err := c.RegisterConsumer(ctx, Consumer{ID: fmt.Sprintf("c%d", i), Functionalities: []Requirement{Fetch[status]("get_status")}})
		if err != nil {
			t.Fatalf("RegisterConsumer: %v", err)
		}
		f, err := FetcherFor[status](h, "get_status")
		if err != nil {
			t.Fatalf("FetcherFor: %v", err)
		}
		got, ok, err := f.Fetch(ctx, time.Second)
		if err != nil || !ok {
			t.Fatalf("consumer %d Fetch = %v, %v, %v", i, got, ok, err)
		}
		if got != (status{200, "OK"}) {
			t.Errorf("consumer %d got %+v, want {200 OK}", i, got)
		}
	}

	ads, err := provider.Directory().Consumers(ctx)
	if err != nil {
		t.Fatalf("Consumers: %v", err)
	}
	if len(ads) != 3 {
		t.Errorf("advertisements = %d, want 3", len(ads))
	}
}

func TestRemoteErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	provider := newNode(t, bus, "provider")
	if _, err := provider.RegisterProvider(ctx, mathProvider()); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	c := newNode(t, bus, "consumer")
	h, err := c.RegisterConsumer(ctx, Consumer{Functionalities: []Requirement{Request[pair, int32]("divide")}})
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	caller, _ := CallerFor[pair, int32](h, "divide")

	_, ok, err := caller.Call(ctx, pair{1, 0}, time.Second)
	var re *mycerrors.RemoteError
	if ok || !stderrors.As(err, &re) {
		t.Fatalf("Call = %v, %v; want RemoteError", ok, err)
	}
	if re.Message != "division by zero" {
		t.Errorf("Message = %q", re.Message)
	}
}

func TestCallTimesOutWithoutProvider(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	c := newNode(t, bus, "consumer")
	h, err := c.RegisterConsumer(ctx, Consumer{Functionalities: []Requirement{Request[pair, int32]("multiply")}})
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	caller, _ := CallerFor[pair, int32](h, "multiply")

	start := time.Now()
	if _, ok, err := caller.Call(ctx, pair{2, 3}, 50*time.Millisecond); ok || err != nil {
		t.Fatalf("Call = %v, %v; want timeout", ok, err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not honored: %s", time.Since(start))
	}

	err = h.WaitForMatch(ctx, "multiply", gate.Options{Timeout: 30 * time.Millisecond})
	if !stderrors.Is(err, mycerrors.ErrDiscoveryIncomplete) {
		t.Errorf("WaitForMatch = %v, want ErrDiscoveryIncomplete", err)
	}
}

func TestContinuousFanOutWithoutReplay(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	provider := newNode(t, bus, "provider")
	handle, err := provider.RegisterProvider(ctx, mathProvider())
	if err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	pub, err := stream.PublisherFor[float64](handle, "sensor_stream")
	if err != nil {
		t.Fatalf("PublisherFor: %v", err)
	}

	for _, v := range []float64{1, 2, 3} {
		if err := pub.Publish(ctx, v); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var mu sync.Mutex
	received := make(map[int][]float64)
	for i := range 3 {
		c := newNode(t, bus, fmt.Sprintf("watcher-%d", i))
		_, err := c.RegisterConsumer(ctx, Consumer{Functionalities: []Requirement{
			Watch("sensor_stream", func(_ context.Context, v float64) {
				mu.Lock()
				defer mu.Unlock()
				received[i] = append(received[i], v)
			}),
		}})
		if err != nil {
			t.Fatalf("RegisterConsumer: %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	for i, vs := range received {
		if len(vs) != 0 {
			t.Errorf("watcher %d received replayed %v", i, vs)
		}
	}
	mu.Unlock()

	if err := pub.Publish(ctx, 4); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(received) == 3 && len(received[0]) == 1 && len(received[1]) == 1 && len(received[2]) == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range 3 {
		if vs := received[i]; len(vs) != 1 || vs[0] != 4 {
			t.Errorf("watcher %d received %v, want [4]", i, vs)
		}
	}
}

func TestManifestReplacedForLateJoiners(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()

	first := newNode(t, bus, "first")
	if _, err := first.RegisterProvider(ctx, Provider{
		Name:            "math",
		Functionalities: []Offering{Serve("multiply", func(_ context.Context, p pair) (int32, error) { return p.A * p.B, nil })},
	}); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if err := first.Directory().AdvertiseProvider(ctx, Provider{
		Name: "math",
		Functionalities: []Offering{
			Serve("multiply", func(context.Context, pair) (int32, error) { return 0, nil }),
			Serve("add", func(context.Context, pair) (int32, error) { return 0, nil }),
		},
	}.Manifest()); err != nil {
		t.Fatalf("AdvertiseProvider: %v", err)
	}

	late := newNode(t, bus, "late")
	if err := late.WaitForProviders(ctx, gate.Options{Timeout: time.Second}); err != nil {
		t.Fatalf("WaitForProviders: %v", err)
	}
	ms, err := late.Directory().Providers(ctx)
	if err != nil {
		t.Fatalf("Providers: %v", err)
	}
	if len(ms) != 1 || len(ms[0].Functionalities) != 2 {
		t.Fatalf("Providers = %+v, want one manifest with two functionalities", ms)
	}
}

func TestRegistrationValidation(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	n := newNode(t, bus, "node")

	if _, err := n.RegisterProvider(ctx, Provider{Functionalities: []Offering{Stream[int]("s")}}); !stderrors.Is(err, mycerrors.ErrInvalidInput) {
		t.Errorf("unnamed provider = %v, want ErrInvalidInput", err)
	}

	h, err := n.RegisterProvider(ctx, Provider{Name: "quiet", Functionalities: []Offering{Answer("ping", func(context.Context) (string, error) { return "pong", nil })}})
	if err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if _, ok := h.(stream.NoContinuous); !ok {
		t.Errorf("handle = %T, want stream.NoContinuous", h)
	}

	_, err = n.RegisterProvider(ctx, Provider{Name: "other", Functionalities: []Offering{Answer("ping", func(context.Context) (string, error) { return "", nil })}})
	if !stderrors.Is(err, mycerrors.ErrAlreadyExists) {
		t.Errorf("rebinding ping = %v, want ErrAlreadyExists", err)
	}

	if _, err := n.RegisterConsumer(ctx, Consumer{}); !stderrors.Is(err, mycerrors.ErrInvalidInput) {
		t.Errorf("empty consumer = %v, want ErrInvalidInput", err)
	}

	ch, err := n.RegisterConsumer(ctx, Consumer{Functionalities: []Requirement{Fetch[string]("ping")}})
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	if _, err := CallerFor[pair, int32](ch, "ping"); !stderrors.Is(err, mycerrors.ErrInvalidInput) {
		t.Errorf("CallerFor on fetcher = %v, want ErrInvalidInput", err)
	}
	if _, err := CallerFor[pair, int32](ch, "missing"); !stderrors.Is(err, mycerrors.ErrNotFound) {
		t.Errorf("CallerFor missing = %v, want ErrNotFound", err)
	}
}

func TestCloseClosesErrorsAndRejectsRegistration(t *testing.T) {
	n, err := New(context.Background(), Config{Transport: memory.New(), Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, open := <-n.Errors(); open {
		t.Error("Errors channel still open after Close")
	}
	if _, err := n.RegisterProvider(context.Background(), mathProvider()); !stderrors.Is(err, mycerrors.ErrClosed) {
		t.Errorf("RegisterProvider after Close = %v, want ErrClosed", err)
	}
	if err := n.Run(context.Background()); err != nil {
		t.Errorf("Run after Close = %v, want nil", err)
	}
}

func TestNewRequiresTransport(t *testing.T) {
	if _, err := New(context.Background(), Config{}); !stderrors.Is(err, mycerrors.ErrInvalidInput) {
		t.Fatalf("New = %v, want ErrInvalidInput", err)
	}
}
