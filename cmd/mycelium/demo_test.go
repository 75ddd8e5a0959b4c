package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/mycelium/internal/cli"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/gate"
	"github.com/gezibash/mycelium/pkg/node"
)

func newRuntime(t *testing.T) *cli.Runtime {
	t.Helper()
	t.Chdir(t.TempDir())
	v := viper.New()
	v.Set("transport.backend", "memory")
	v.Set("history.backend", "memory")
	v.Set("discovery.history_wait", "100ms")

	rt, err := cli.NewRuntime(context.Background(), v, "", io.Discard)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRunDemo(t *testing.T) {
	rt := newRuntime(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := runDemo(ctx, rt, 5)
	if err != nil {
		t.Fatalf("runDemo: %v", err)
	}
	want := []string{"0", "2", "6", "12", "20"}
	for i, r := range results {
		if r.consumer != i {
			t.Errorf("results[%d].consumer = %d", i, r.consumer)
		}
		if r.result != want[i] {
			t.Errorf("multiply(%d, %d) = %s, want %s", r.req.A, r.req.B, r.result, want[i])
		}
	}
}

func TestMathProvider(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	provider, err := rt.NewNode(ctx, "provider")
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer provider.Close()
	h, err := provider.RegisterProvider(ctx, mathProvider("math"))
	if err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if names := h.Names(); len(names) != 1 || names[0] != fnSensor {
		t.Errorf("stream names = %v, want [%s]", names, fnSensor)
	}

	consumer, err := rt.NewNode(ctx, "consumer")
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer consumer.Close()
	ch, err := consumer.RegisterConsumer(ctx, mathConsumer(""))
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	for _, name := range []string{fnMultiply, fnAdd, fnDivide, fnStatus} {
		if err := ch.WaitForMatch(ctx, name, gate.Options{Timeout: 5 * time.Second}); err != nil {
			t.Fatalf("WaitForMatch(%s): %v", name, err)
		}
	}

	tests := []struct {
		name string
		req  MathRequest
		want int32
	}{
		{fnMultiply, MathRequest{A: 6, B: 7}, 42},
		{fnAdd, MathRequest{A: 2, B: 3}, 5},
		{fnDivide, MathRequest{A: 9, B: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := node.CallerFor[MathRequest, MathResponse](ch, tt.name)
			if err != nil {
				t.Fatalf("CallerFor: %v", err)
			}
			resp, ok, err := c.Call(ctx, tt.req, 2*time.Second)
			if err != nil || !ok {
				t.Fatalf("Call = %v, %v, %v", resp, ok, err)
			}
			if resp.Result != tt.want {
				t.Errorf("Result = %d, want %d", resp.Result, tt.want)
			}
		})
	}

	t.Run("divide by zero", func(t *testing.T) {
		c, err := node.CallerFor[MathRequest, MathResponse](ch, fnDivide)
		if err != nil {
			t.Fatalf("CallerFor: %v", err)
		}
		_, _, err = c.Call(ctx, MathRequest{A: 1}, 2*time.Second)
		if !mycerrors.IsRemote(err) {
			t.Errorf("Call = %v, want RemoteError", err)
		}
	})

	t.Run("status", func(t *testing.T) {
		f, err := node.FetcherFor[StatusInfo](ch, fnStatus)
		if err != nil {
			t.Fatalf("FetcherFor: %v", err)
		}
		st, ok, err := f.Fetch(ctx, 2*time.Second)
		if err != nil || !ok {
			t.Fatalf("Fetch = %v, %v, %v", st, ok, err)
		}
		if st.StatusCode != 200 || st.Message != "OK" {
			t.Errorf("status = %+v", st)
		}
	})
}
