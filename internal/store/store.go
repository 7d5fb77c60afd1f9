// Package store persists cached items, chunk records and the broadcast log
// in SQLite. One database file holds any number of named caches.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/store/migrations"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested item does not exist.
var ErrNotFound = errors.New("not found")

const versionKey = "app_version"

// Store is a SQLite-backed cache store. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger

	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

// Option configures Open.
type Option func(*options)

type options struct {
	appVersion  string
	log         *slog.Logger
	busyTimeout time.Duration
}

// WithAppVersion clears every cache when the stored version differs.
func WithAppVersion(v string) Option {
	return func(o *options) { o.appVersion = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	o := options{log: slog.Default(), busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	clean := filepath.Clean(path)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		clean, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db %s: %w", clean, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store db %s: %w", clean, err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	s := &Store{
		db:       db,
		path:     clean,
		log:      o.log,
		watchers: make(map[string]map[*watcher]struct{}),
	}
	if o.appVersion != "" {
		if err := s.checkVersion(ctx, o.appVersion); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// checkVersion wipes all cached data when the recorded app version changed.
func (s *Store) checkVersion(ctx context.Context, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT value FROM status WHERE key = ?`, versionKey).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read app version: %w", err)
	}
	if current == version {
		return nil
	}
	if current != "" {
		s.log.Info("app version changed, clearing cached data", "from", current, "to", version)
		for _, stmt := range []string{`DELETE FROM items`, `DELETE FROM chunks`, `DELETE FROM broadcasts`} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("clear on version change: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO status (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		versionKey, version); err != nil {
		return fmt.Errorf("write app version: %w", err)
	}
	return tx.Commit()
}

// AppVersion returns the recorded app version, or "".
func (s *Store) AppVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM status WHERE key = ?`, versionKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// Instants before the Unix epoch, including the zero time, are stored as 0
// and read back as api.Epoch.
func toNanos(t time.Time) int64 {
	if t.Before(api.Epoch) {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
