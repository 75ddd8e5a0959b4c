// Package badger provides a BadgerDB-backed history store.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/mycelium/internal/history"
	"github.com/gezibash/mycelium/internal/storage"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
)

// Backend is the registry name.
const Backend = "badger"

const (
	KeyPath         = "path"
	KeySyncWrites   = "sync_writes"
	KeyMemTableSize = "mem_table_size"
	KeyInMemory     = "in_memory"
)

const (
	prefixRecord = "rec/"
	prefixKey    = "key/"
	seqKey       = "meta/seq"
	seqBandwidth = 128
)

// Register adds the badger backend to reg.
func Register(reg *history.Registry) error {
	return reg.Register(Backend, NewFactory, Defaults)
}

// Defaults returns the default configuration.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:         "~/.mycelium/history",
		KeySyncWrites:   "true",
		KeyMemTableSize: strconv.FormatInt(16<<20, 10),
		KeyInMemory:     "false",
	}
}

// NewFactory opens a store from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (history.Store, error) {
	inMemory, err := storage.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, storage.WithBackend(Backend, err)
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := storage.GetString(config, KeyPath, "")
		if path == "" {
			return nil, storage.NewConfigError(Backend, KeyPath, "cannot be empty")
		}
		path = storage.ExpandPath(path)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, storage.NewConfigErrorWithCause(Backend, KeyPath, "failed to create directory", err)
		}
		syncWrites, err := storage.GetBool(config, KeySyncWrites, true)
		if err != nil {
			return nil, storage.WithBackend(Backend, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(syncWrites)
	}
	opts = opts.WithLogger(nil)

	memTable, err := storage.GetInt(config, KeyMemTableSize, 0)
	if err != nil {
		return nil, storage.WithBackend(Backend, err)
	}
	if memTable > 0 {
		opts = opts.WithMemTableSize(int64(memTable))
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause(Backend, KeyPath, "failed to open database", err)
	}
	s, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("badger history store initialized", "path", opts.Dir, "in_memory", inMemory)
	return s, nil
}

// Store keeps records under rec/<topic>\x00<seq> with a key/<topic>\x00<key>
// index pointing at the live record of each keyed instance.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	closed atomic.Bool
}

// NewWithDB wraps an open database.
func NewWithDB(db *badger.DB) (*Store, error) {
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("badger history: sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

func recordPrefix(topic string) []byte {
	return append([]byte(prefixRecord+topic), 0)
}

func recordKey(topic string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(recordPrefix(topic), seq)
}

func indexKey(topic, key string) []byte {
	return append(append([]byte(prefixKey+topic), 0), key...)
}

func (s *Store) Append(ctx context.Context, topic string, rec history.Record, policy history.Policy) error {
	if s.closed.Load() {
		return mycerrors.ErrClosed
	}
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("badger history: next seq: %w", err)
	}
	// Badger sequences start at zero; shift so zero never names a record.
	n++
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("badger history: encode: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(topic, n), val); err != nil {
			return err
		}
		if policy.Keyed {
			return s.replaceInstance(txn, topic, rec.Key, n)
		}
		if policy.Depth > 0 {
			return trim(txn, topic, policy.Depth)
		}
		return nil
	})
}

func (s *Store) replaceInstance(txn *badger.Txn, topic, key string, seq uint64) error {
	ik := indexKey(topic, key)
	item, err := txn.Get(ik)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		old, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(old) == 8 {
			if err := txn.Delete(recordKey(topic, binary.BigEndian.Uint64(old))); err != nil {
				return err
			}
		}
	}
	return txn.Set(ik, binary.BigEndian.AppendUint64(nil, seq))
}

func trim(txn *badger.Txn, topic string, depth int) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	opts.Prefix = recordPrefix(topic)

	it := txn.NewIterator(opts)
	defer it.Close()

	var stale [][]byte
	kept := 0
	seekKey := append(recordPrefix(topic), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	for it.Seek(seekKey); it.ValidForPrefix(opts.Prefix); it.Next() {
		if kept < depth {
			kept++
			continue
		}
		stale = append(stale, it.Item().KeyCopy(nil))
	}
	for _, k := range stale {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Load(ctx context.Context, topic string) ([]history.Record, error) {
	if s.closed.Load() {
		return nil, mycerrors.ErrClosed
	}
	var out []history.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix(topic)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec history.Record
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger history: load %q: %w", topic, err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.seq.Release(); err != nil {
		slog.Warn("badger history: release sequence", "error", err)
	}
	return s.db.Close()
}
