// Package historytest holds the behavior every history.Store must satisfy.
package historytest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gezibash/mycelium/internal/history"
)

// Run exercises store against the history.Store contract.
func Run(t *testing.T, open func(t *testing.T) history.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty topic", func(t *testing.T) {
		s := open(t)
		recs, err := s.Load(ctx, "nothing")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("Load = %d records, want 0", len(recs))
		}
	})

	t.Run("keyed keeps latest per key", func(t *testing.T) {
		s := open(t)
		policy := history.Policy{Keyed: true}
		for _, r := range []history.Record{
			rec("math", "v1"),
			rec("strings", "v1"),
			rec("math", "v2"),
		} {
			if err := s.Append(ctx, "ProviderRegistration", r, policy); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
		recs, err := s.Load(ctx, "ProviderRegistration")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("Load = %d records, want 2", len(recs))
		}
		if recs[0].Key != "strings" || recs[1].Key != "math" {
			t.Errorf("order = [%s %s], want [strings math]", recs[0].Key, recs[1].Key)
		}
		if string(recs[1].Data) != "v2" {
			t.Errorf("math = %q, want %q", recs[1].Data, "v2")
		}
	})

	t.Run("unkeyed trims to depth", func(t *testing.T) {
		s := open(t)
		policy := history.Policy{Depth: 3}
		for i := range 5 {
			if err := s.Append(ctx, "events", rec("", fmt.Sprint(i)), policy); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
		recs, err := s.Load(ctx, "events")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(recs) != 3 {
			t.Fatalf("Load = %d records, want 3", len(recs))
		}
		for i, want := range []string{"2", "3", "4"} {
			if string(recs[i].Data) != want {
				t.Errorf("recs[%d] = %q, want %q", i, recs[i].Data, want)
			}
		}
	})

	t.Run("topics are isolated", func(t *testing.T) {
		s := open(t)
		if err := s.Append(ctx, "a", rec("k", "a"), history.Policy{Keyed: true}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := s.Append(ctx, "ab", rec("k", "ab"), history.Policy{Keyed: true}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		recs, err := s.Load(ctx, "a")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(recs) != 1 || string(recs[0].Data) != "a" {
			t.Errorf("Load(a) = %v, want one record %q", recs, "a")
		}
	})

	t.Run("fields round trip", func(t *testing.T) {
		s := open(t)
		when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		in := history.Record{Key: "k", Data: []byte{0, 1, 2}, Writer: "w-1", Published: when}
		if err := s.Append(ctx, "t", in, history.Policy{Keyed: true}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		recs, err := s.Load(ctx, "t")
		if err != nil || len(recs) != 1 {
			t.Fatalf("Load = %v, %v", recs, err)
		}
		got := recs[0]
		if got.Key != in.Key || got.Writer != in.Writer || string(got.Data) != string(in.Data) || !got.Published.Equal(when) {
			t.Errorf("got %+v, want %+v", got, in)
		}
	})
}

func rec(key, data string) history.Record {
	return history.Record{Key: key, Data: []byte(data), Published: time.Now()}
}
