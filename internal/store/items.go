package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/chunk"
)

const itemColumns = `id, created_at, updated_at, pending, payload`

// idBatch bounds the number of bound parameters per IN query.
const idBatch = 500

// Items returns a read view over the items of one cache.
func (s *Store) Items(name string) chunk.ItemSource {
	return view{s: s, name: name}
}

type view struct {
	s    *Store
	name string
}

func (v view) ItemsBetween(ctx context.Context, lo, hi time.Time, incLo, incHi bool) ([]api.Item, error) {
	return v.s.ItemsBetween(ctx, v.name, lo, hi, incLo, incHi)
}

func (v view) ItemsByID(ctx context.Context, ids []string) ([]api.Item, error) {
	return v.s.ItemsByID(ctx, v.name, ids)
}

// ItemsBetween returns the items of name created within [lo, hi], newest
// first. incLo and incHi select whether the bounds are inclusive.
func (s *Store) ItemsBetween(ctx context.Context, name string, lo, hi time.Time, incLo, incHi bool) ([]api.Item, error) {
	loOp, hiOp := ">", "<"
	if incLo {
		loOp = ">="
	}
	if incHi {
		hiOp = "<="
	}
	q := `SELECT ` + itemColumns + ` FROM items
		WHERE store = ? AND created_at ` + loOp + ` ? AND created_at ` + hiOp + ` ?
		ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, q, name, toNanos(lo), toNanos(hi))
	if err != nil {
		return nil, fmt.Errorf("query items of %s: %w", name, err)
	}
	return scanItems(rows)
}

// ItemsByID returns the stored items among ids. Missing ids are skipped and
// the result order is unspecified.
func (s *Store) ItemsByID(ctx context.Context, name string, ids []string) ([]api.Item, error) {
	var out []api.Item
	for len(ids) > 0 {
		n := min(idBatch, len(ids))
		batch := ids[:n]
		ids = ids[n:]

		args := make([]any, 0, n+1)
		args = append(args, name)
		for _, id := range batch {
			args = append(args, id)
		}
		q := `SELECT ` + itemColumns + ` FROM items WHERE store = ? AND id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", n), ",") + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("query items by id: %w", err)
		}
		items, err := scanItems(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// Item returns one item, or ErrNotFound.
func (s *Store) Item(ctx context.Context, name, id string) (api.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE store = ? AND id = ?`, name, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return it, err
}

// RecentItems returns up to limit of the newest items.
func (s *Store) RecentItems(ctx context.Context, name string, limit int) ([]api.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items
		WHERE store = ? ORDER BY created_at DESC, id DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent items of %s: %w", name, err)
	}
	return scanItems(rows)
}

// CountConfirmed counts the non-pending items created within [lo, hi].
func (s *Store) CountConfirmed(ctx context.Context, name string, lo, hi time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items
		WHERE store = ? AND pending = 0 AND created_at >= ? AND created_at <= ?`,
		name, toNanos(lo), toNanos(hi)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count items of %s: %w", name, err)
	}
	return n, nil
}

// PutPendingItem stores a locally created item that the remote has not yet
// confirmed. Pending items are visible to readers but never counted in a chunk.
func (s *Store) PutPendingItem(ctx context.Context, name string, it api.Item) error {
	if it.ID == "" || it.CreatedAt.IsZero() {
		return fmt.Errorf("%w: id=%q createdAt=%v", chunk.ErrInvalidItem, it.ID, it.CreatedAt)
	}
	it.Pending = true
	if err := putItem(ctx, s.db, name, it); err != nil {
		return err
	}
	s.Notify(name)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putItem(ctx context.Context, db execer, name string, it api.Item) error {
	pending := 0
	if it.Pending {
		pending = 1
	}
	_, err := db.ExecContext(ctx, `INSERT INTO items (store, `+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(store, id) DO UPDATE SET
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			pending = excluded.pending,
			payload = excluded.payload`,
		name, it.ID, toNanos(it.CreatedAt), toNanos(it.UpdatedAt), pending, []byte(it.Payload))
	if err != nil {
		return fmt.Errorf("put item %s: %w", it.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (api.Item, error) {
	var (
		it               api.Item
		created, updated int64
		pending          int
		payload          []byte
	)
	if err := row.Scan(&it.ID, &created, &updated, &pending, &payload); err != nil {
		return api.Item{}, err
	}
	it.CreatedAt = fromNanos(created)
	it.UpdatedAt = fromNanos(updated)
	it.Pending = pending != 0
	if payload != nil {
		it.Payload = payload
	}
	return it, nil
}

func scanItems(rows *sql.Rows) ([]api.Item, error) {
	defer func() { _ = rows.Close() }()
	var out []api.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}
