package rpc_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
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
	"github.com/gezibash/mycelium/pkg/telemetry"
	"github.com/gezibash/mycelium/pkg/transport"
)

type pair struct {
	A int32 `json:"a"`
	B int32 `json:"b"`
}

var multiply = functionality.Describe[pair, int32]("multiply", functionality.RequestResponse)

type countingRecorder struct {
	telemetry.Nop
	dropped atomic.Int32
	calls   sync.Map // status -> *atomic.Int32
}

func (r *countingRecorder) ResponseDropped(string) { r.dropped.Add(1) }

func (r *countingRecorder) CallCompleted(_, status string, _ time.Duration) {
	v, _ := r.calls.LoadOrStore(status, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
}

func (r *countingRecorder) count(status string) int32 {
	v, ok := r.calls.Load(status)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func join(t *testing.T, bus *memory.Bus, name string) transport.Participant {
	t.Helper()
	p, err := bus.CreateParticipant(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateParticipant: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func serve(t *testing.T, p transport.Participant, desc functionality.Descriptor, h dispatch.Handler[pair, int32]) {
	t.Helper()
	l, err := dispatch.NewListener(context.Background(), p, desc, h, dispatch.Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		l.Close()
		<-done
	})
}

func newCaller(t *testing.T, p transport.Participant, opts rpc.Options) *rpc.Caller[pair, int32] {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	c, err := rpc.NewCaller[pair, int32](context.Background(), p, multiply, opts)
	if err != nil {
		t.Fatalf("NewCaller: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func product(_ context.Context, p pair) (int32, error) { return p.A * p.B, nil }

func TestSequentialCalls(t *testing.T) {
	bus := memory.New()
	serve(t, join(t, bus, "provider"), multiply, product)
	c := newCaller(t, join(t, bus, "consumer"), rpc.Options{})

	var got []int32
	for _, in := range []pair{{2, 3}, {4, 5}, {6, 7}} {
		v, ok, err := c.Call(context.Background(), in, time.Second)
		if err != nil || !ok {
			t.Fatalf("Call(%v) = %v, %v, %v", in, v, ok, err)
		}
		got = append(got, v)
	}
	want := []int32{6, 20, 42}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("results = %v, want %v", got, want)
			break
		}
	}
}

func TestConcurrentConsumersNoCrossTalk(t *testing.T) {
	bus := memory.New()
	serve(t, join(t, bus, "provider"), multiply, func(ctx context.Context, p pair) (int32, error) {
		// Reverse completion order relative to arrival.
		time.Sleep(time.Duration(10-p.A) * 5 * time.Millisecond)
		return p.A * p.B, nil
	})

	const n = 5
	callers := make([]*rpc.Caller[pair, int32], n)
	for i := range callers {
		// Identical id sequences on every caller.
		callers[i] = newCaller(t, join(t, bus, fmt.Sprintf("consumer-%d", i)), rpc.Options{IDs: exchange.NewIDGeneratorAt(100)})
	}

	results := make([]int32, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, ok, err := callers[i].Call(context.Background(), pair{A: int32(i), B: int32(i + 1)}, 2*time.Second)
			if err == nil && !ok {
				err = fmt.Errorf("timed out")
			}
			results[i], errs[i] = v, err
		}(i)
	}
	wg.Wait()

	want := []int32{0, 2, 6, 12, 20}
	for i := range want {
		if errs[i] != nil {
			t.Errorf("consumer %d: %v", i, errs[i])
			continue
		}
		if results[i] != want[i] {
			t.Errorf("consumer %d = %d, want %d", i, results[i], want[i])
		}
	}
}

func TestTimeoutWithoutProvider(t *testing.T) {
	bus := memory.New()
	rec := &countingRecorder{}
	c := newCaller(t, join(t, bus, "consumer"), rpc.Options{Recorder: rec})

	start := time.Now()
	v, ok, err := c.Call(context.Background(), pair{2, 3}, 50*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil || ok || v != 0 {
		t.Fatalf("Call = %v, %v, %v; want zero, false, nil", v, ok, err)
	}
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Errorf("elapsed %s, want about 50ms", elapsed)
	}
	if got := rec.count(telemetry.StatusTimeout); got != 1 {
		t.Errorf("timeout calls = %d, want 1", got)
	}
}

func TestDefaultTimeoutApplied(t *testing.T) {
	bus := memory.New()
	c := newCaller(t, join(t, bus, "consumer"), rpc.Options{Timeout: 30 * time.Millisecond})

	start := time.Now()
	if _, ok, err := c.Call(context.Background(), pair{}, 0); ok || err != nil {
		t.Fatalf("Call = %v, %v; want timeout", ok, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("zero timeout waited %s, want configured bound", elapsed)
	}
}

func TestRemoteError(t *testing.T) {
	bus := memory.New()
	serve(t, join(t, bus, "provider"), multiply, func(context.Context, pair) (int32, error) {
		return 0, fmt.Errorf("overflow")
	})
	c := newCaller(t, join(t, bus, "consumer"), rpc.Options{})

	_, ok, err := c.Call(context.Background(), pair{1, 1}, time.Second)
	if ok {
		t.Fatal("ok = true, want false")
	}
	re, isRemote := err.(*mycerrors.RemoteError)
	if !isRemote {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if re.Message != "overflow" || re.Functionality != "multiply" {
		t.Errorf("RemoteError = %+v", re)
	}
}

func TestEmptyHandlerErrorIsRemote(t *testing.T) {
	bus := memory.New()
	serve(t, join(t, bus, "provider"), multiply, func(context.Context, pair) (int32, error) {
		return 7, stderrors.New("")
	})
	c := newCaller(t, join(t, bus, "consumer"), rpc.Options{})

	v, ok, err := c.Call(context.Background(), pair{1, 1}, time.Second)
	if ok || v != 0 {
		t.Fatalf("Call = %v, %v; want zero, false", v, ok)
	}
	var re *mycerrors.RemoteError
	if !stderrors.As(err, &re) || re.Message == "" {
		t.Fatalf("err = %v, want RemoteError with a message", err)
	}
}

func TestDuplicateProvidersFirstResponseWins(t *testing.T) {
	bus := memory.New()
	serve(t, join(t, bus, "fast"), multiply, product)
	serve(t, join(t, bus, "slow"), multiply, func(_ context.Context, p pair) (int32, error) {
		time.Sleep(50 * time.Millisecond)
		return -1, nil
	})
	rec := &countingRecorder{}
	c := newCaller(t, join(t, bus, "consumer"), rpc.Options{Recorder: rec})

	ins := []pair{{2, 3}, {4, 5}}
	results := make([]int32, len(ins))
	errs := make([]error, len(ins))
	var wg sync.WaitGroup
	for i, in := range ins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := c.Call(context.Background(), in, time.Second)
			if err == nil && !ok {
				err = fmt.Errorf("timed out")
			}
			results[i], errs[i] = v, err
		}()
	}
	wg.Wait()

	for i, want := range []int32{6, 20} {
		if errs[i] != nil || results[i] != want {
			t.Errorf("call %d = %d, %v; want %d", i, results[i], errs[i], want)
		}
	}

	deadline := time.Now().Add(time.Second)
	for rec.dropped.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2 duplicate responses", got)
	}
	if v, ok, err := c.Call(context.Background(), pair{6, 7}, time.Second); err != nil || !ok || v != 42 {
		t.Errorf("Call after duplicates = %d, %v, %v; want 42", v, ok, err)
	}
}

func TestHandlerPanicBecomesRemoteError(t *testing.T) {
	bus := memory.New()
	serve(t, join(t, bus, "provider"), multiply, func(context.Context, pair) (int32, error) {
		panic("boom")
	})
	c := newCaller(t, join(t, bus, "consumer"), rpc.Options{})

	_, _, err := c.Call(context.Background(), pair{1, 1}, time.Second)
	if !mycerrors.IsRemote(err) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
}

func TestUnknownResponseDropped(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	rec := &countingRecorder{}
	c := newCaller(t, join(t, bus, "consumer"), rpc.Options{Recorder: rec})

	rogue := join(t, bus, "rogue")
	tw, err := rogue.CreateWriter(ctx, rpc.ResponseTopic(multiply), transport.ReliableQoS())
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	w := channel.NewWriter(tw, channel.Enveloped[int32](channel.JSON{}), nil)
	if err := w.Write(ctx, exchange.Envelope[int32]{ID: 99, Payload: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Addressed to another caller: ignored without counting.
	if err := w.WriteKeyed(ctx, "someone-else", exchange.Envelope[int32]{ID: 98}); err != nil {
		t.Fatalf("WriteKeyed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for rec.dropped.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", c.Pending())
	}
}

func TestCloseAbandonsPending(t *testing.T) {
	bus := memory.New()
	c, err := rpc.NewCaller[pair, int32](context.Background(), join(t, bus, "consumer"), multiply, rpc.Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("NewCaller: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, _, err := c.Call(context.Background(), pair{}, 10*time.Second)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-errc:
		if err != mycerrors.ErrClosed {
			t.Errorf("Call after Close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Call did not return after Close")
	}
}

func TestFetch(t *testing.T) {
	type status struct {
		Code    int32  `json:"code"`
		Message string `json:"message"`
	}
	desc := functionality.Describe[functionality.Empty, status]("get_status", functionality.Response)

	bus := memory.New()
	provider := join(t, bus, "provider")
	l, err := dispatch.NewListener(context.Background(), provider, desc,
		func(context.Context, functionality.Empty) (status, error) { return status{200, "OK"}, nil },
		dispatch.Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	defer l.Close()

	f, err := rpc.NewFetcher[status](context.Background(), join(t, bus, "consumer"), desc, rpc.Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer f.Close()

	got, ok, err := f.Fetch(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("Fetch = %v, %v, %v", got, ok, err)
	}
	if got != (status{200, "OK"}) {
		t.Errorf("Fetch = %+v, want {200 OK}", got)
	}
}

func TestContinuousRejected(t *testing.T) {
	bus := memory.New()
	desc := functionality.Describe[functionality.Empty, float64]("sensor", functionality.Continuous)
	if _, err := rpc.NewCaller[functionality.Empty, float64](context.Background(), join(t, bus, "c"), desc, rpc.Options{}); err == nil {
		t.Fatal("NewCaller on continuous functionality succeeded")
	}
}
