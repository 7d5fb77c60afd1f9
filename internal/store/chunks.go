package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentic-research/rangecache/internal/chunk"
)

const chunkColumns = `chunk_id, start_date, end_date, item_count, last_accessed, last_update, next_chunk_id, previous_chunk_id`

// Committed is what a commit wrote, in the form other processes need.
type Committed struct {
	Cleared bool
	// Records are the upserted chunks with resolved ids, newest first.
	Records []chunk.Record
	Deleted []int64
	// ItemsChanged reports whether any item row was written.
	ItemsChanged bool
}

// LoadChunks returns every chunk record of name, newest first.
func (s *Store) LoadChunks(ctx context.Context, name string) ([]chunk.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks
		WHERE store = ? ORDER BY start_date DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("query chunks of %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()
	var out []chunk.Record
	for rows.Next() {
		r, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func scanChunk(row scanner) (chunk.Record, error) {
	var (
		r                             chunk.Record
		start, end, accessed, updated int64
		next, previous                sql.NullInt64
	)
	if err := row.Scan(&r.ID, &start, &end, &r.ItemCount, &accessed, &updated, &next, &previous); err != nil {
		return chunk.Record{}, err
	}
	r.Start, r.End = fromNanos(start), fromNanos(end)
	r.LastAccessed, r.LastUpdate = fromNanos(accessed), fromNanos(updated)
	r.NextID, r.PreviousID = next.Int64, previous.Int64
	return r, nil
}

func linkValue(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// Commit persists d in one transaction. New chunks get their ids assigned
// in g before the links of every upserted chunk are resolved.
func (s *Store) Commit(ctx context.Context, name string, g *chunk.Graph, d chunk.Delta) (Committed, error) {
	out := Committed{Cleared: d.Cleared, Deleted: d.Deleted, ItemsChanged: d.ItemsChanged()}
	if d.Empty() {
		return out, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin commit of %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if d.Cleared {
		if err := clearTx(ctx, tx, name); err != nil {
			return out, err
		}
	}
	for _, id := range d.Deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE store = ? AND chunk_id = ?`, name, id); err != nil {
			return out, fmt.Errorf("delete chunk %d: %w", id, err)
		}
	}

	for _, h := range d.Upserted {
		c := g.Get(h)
		if c == nil || c.ID > 0 {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO chunks (store, start_date, end_date, item_count)
			VALUES (?, ?, ?, ?)`, name, toNanos(c.Start), toNanos(c.End), c.ItemCount)
		if err != nil {
			return out, fmt.Errorf("insert chunk: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return out, fmt.Errorf("chunk id: %w", err)
		}
		g.SetID(h, id)
	}
	for _, h := range d.Upserted {
		r, err := g.Record(h)
		if err != nil {
			return out, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks (store, `+chunkColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				store = excluded.store,
				start_date = excluded.start_date,
				end_date = excluded.end_date,
				item_count = excluded.item_count,
				last_accessed = excluded.last_accessed,
				last_update = excluded.last_update,
				next_chunk_id = excluded.next_chunk_id,
				previous_chunk_id = excluded.previous_chunk_id`,
			name, r.ID, toNanos(r.Start), toNanos(r.End), r.ItemCount,
			toNanos(r.LastAccessed), toNanos(r.LastUpdate), linkValue(r.NextID), linkValue(r.PreviousID),
		); err != nil {
			return out, fmt.Errorf("write chunk %d: %w", r.ID, err)
		}
		out.Records = append(out.Records, r)
	}

	for _, it := range d.Items {
		if err := putItem(ctx, tx, name, it); err != nil {
			return out, err
		}
	}
	for _, id := range d.Removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE store = ? AND id = ?`, name, id); err != nil {
			return out, fmt.Errorf("delete item %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("commit %s: %w", name, err)
	}
	s.log.Debug("committed cache changes", "cache", name,
		"chunks", len(out.Records), "deletedChunks", len(d.Deleted),
		"items", len(d.Items), "removedItems", len(d.Removed), "cleared", d.Cleared)
	if out.ItemsChanged {
		s.Notify(name)
	}
	return out, nil
}

func clearTx(ctx context.Context, tx *sql.Tx, name string) error {
	for _, stmt := range []string{`DELETE FROM chunks WHERE store = ?`, `DELETE FROM items WHERE store = ?`} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
	}
	return nil
}

// ClearStore deletes every chunk and item of name.
func (s *Store) ClearStore(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear of %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := clearTx(ctx, tx, name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear of %s: %w", name, err)
	}
	s.Notify(name)
	return nil
}

// MarkStale demotes the newest chunk of name: its end-of-list claim is
// dropped and its last update is set to lastUpdate, so the next reader
// re-verifies it. It returns the updated record, or ErrNotFound when the
// cache has no chunks.
func (s *Store) MarkStale(ctx context.Context, name string, lastUpdate time.Time) (chunk.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chunk.Record{}, fmt.Errorf("begin mark stale: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanChunk(tx.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks
		WHERE store = ? ORDER BY start_date DESC LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return chunk.Record{}, fmt.Errorf("newest chunk of %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return chunk.Record{}, fmt.Errorf("newest chunk of %s: %w", name, err)
	}
	if r.NextID > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE chunks SET previous_chunk_id = NULL
			WHERE chunk_id = ? AND previous_chunk_id = ?`, r.NextID, r.ID); err != nil {
			return chunk.Record{}, fmt.Errorf("unlink chunk %d: %w", r.NextID, err)
		}
	}
	r.NextID = 0
	r.LastUpdate = fromNanos(toNanos(lastUpdate))
	if _, err := tx.ExecContext(ctx, `UPDATE chunks SET next_chunk_id = NULL, last_update = ? WHERE chunk_id = ?`,
		toNanos(lastUpdate), r.ID); err != nil {
		return chunk.Record{}, fmt.Errorf("mark chunk %d stale: %w", r.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return chunk.Record{}, fmt.Errorf("commit mark stale: %w", err)
	}
	return r, nil
}
