// Package sqlite provides a SQLite-backed history store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gezibash/mycelium/internal/history"
	"github.com/gezibash/mycelium/internal/storage"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
)

// Backend is the registry name.
const Backend = "sqlite"

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

// Register adds the sqlite backend to reg.
func Register(reg *history.Registry) error {
	return reg.Register(Backend, NewFactory, Defaults)
}

// Defaults returns the default configuration.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.mycelium/history.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS history (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    topic      TEXT NOT NULL,
    key        TEXT NOT NULL DEFAULT '',
    writer     TEXT NOT NULL DEFAULT '',
    published  INTEGER NOT NULL,
    data       BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_topic_seq ON history(topic, seq);
CREATE INDEX IF NOT EXISTS idx_history_topic_key ON history(topic, key);
`

// NewFactory opens a store from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (history.Store, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError(Backend, KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause(Backend, KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout, err := storage.GetInt(config, KeyBusyTimeout, 5000)
	if err != nil {
		return nil, storage.WithBackend(Backend, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)", path, journalMode, busyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause(Backend, KeyPath, "failed to open database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storage.NewConfigErrorWithCause(Backend, KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite history store initialized", "path", path, "journal_mode", journalMode)
	return &Store{db: db}, nil
}

// Store is a SQLite implementation of history.Store.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

func (s *Store) Append(ctx context.Context, topic string, rec history.Record, policy history.Policy) error {
	if s.closed.Load() {
		return mycerrors.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite history: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if rec.Data == nil {
		rec.Data = []byte{}
	}
	if policy.Keyed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE topic = ? AND key = ?`, topic, rec.Key); err != nil {
			return fmt.Errorf("sqlite history: replace instance: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (topic, key, writer, published, data) VALUES (?, ?, ?, ?, ?)`,
		topic, rec.Key, rec.Writer, rec.Published.UnixNano(), rec.Data)
	if err != nil {
		return fmt.Errorf("sqlite history: insert: %w", err)
	}
	if !policy.Keyed && policy.Depth > 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM history WHERE topic = ? AND seq NOT IN (
				SELECT seq FROM history WHERE topic = ? ORDER BY seq DESC LIMIT ?
			)`, topic, topic, policy.Depth)
		if err != nil {
			return fmt.Errorf("sqlite history: trim: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) Load(ctx context.Context, topic string) ([]history.Record, error) {
	if s.closed.Load() {
		return nil, mycerrors.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, writer, published, data FROM history WHERE topic = ? ORDER BY seq`, topic)
	if err != nil {
		return nil, fmt.Errorf("sqlite history: load %q: %w", topic, err)
	}
	defer rows.Close()

	var out []history.Record
	for rows.Next() {
		var (
			rec       history.Record
			published int64
		)
		if err := rows.Scan(&rec.Key, &rec.Writer, &published, &rec.Data); err != nil {
			return nil, fmt.Errorf("sqlite history: scan: %w", err)
		}
		rec.Published = time.Unix(0, published).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
