package broker

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/gezibash/mycelium/internal/storage"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/transport"
)

type stubDomain struct {
	config map[string]string
}

func (stubDomain) CreateParticipant(context.Context, string) (transport.Participant, error) {
	return nil, mycerrors.ErrClosed
}

func (stubDomain) Close() error { return nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	factory := func(_ context.Context, cfg map[string]string, _ Options) (Domain, error) {
		return stubDomain{config: cfg}, nil
	}
	if err := reg.Register("stub", factory, func() map[string]string {
		return map[string]string{"addr": "default", "db": "0"}
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	t.Run("duplicate", func(t *testing.T) {
		if err := reg.Register("stub", factory, nil); !stderrors.Is(err, mycerrors.ErrAlreadyExists) {
			t.Errorf("Register duplicate = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("open merges defaults", func(t *testing.T) {
		d, err := reg.Open(context.Background(), "stub", map[string]string{"db": "2"}, Options{})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		cfg := d.(stubDomain).config
		if cfg["addr"] != "default" || cfg["db"] != "2" {
			t.Errorf("config = %v", cfg)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := reg.Open(context.Background(), "carrier-pigeon", nil, Options{})
		var ce *storage.ConfigError
		if !stderrors.As(err, &ce) {
			t.Errorf("Open unknown = %v, want ConfigError", err)
		}
	})

	if got := reg.Backends(); len(got) != 1 || got[0] != "stub" {
		t.Errorf("Backends() = %v", got)
	}
}
