package store

import (
	"context"
	"fmt"
	"time"
)

// LogEntry is one row of the cross-process broadcast log.
type LogEntry struct {
	Seq       int64
	Store     string
	Origin    string
	CreatedAt time.Time
	Payload   []byte
}

// AppendBroadcast adds an encoded batch to the log and returns its sequence.
func (s *Store) AppendBroadcast(ctx context.Context, name, origin string, at time.Time, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO broadcasts (store, origin, created_at, payload) VALUES (?, ?, ?, ?)`,
		name, origin, toNanos(at), payload)
	if err != nil {
		return 0, fmt.Errorf("append broadcast for %s: %w", name, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("broadcast seq: %w", err)
	}
	return seq, nil
}

// BroadcastsAfter returns the log entries with a sequence above seq, oldest first.
func (s *Store) BroadcastsAfter(ctx context.Context, seq int64) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, store, origin, created_at, payload FROM broadcasts
		WHERE seq > ? ORDER BY seq`, seq)
	if err != nil {
		return nil, fmt.Errorf("query broadcasts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []LogEntry
	for rows.Next() {
		var (
			e  LogEntry
			at int64
		)
		if err := rows.Scan(&e.Seq, &e.Store, &e.Origin, &at, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		e.CreatedAt = fromNanos(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcasts: %w", err)
	}
	return out, nil
}

// LastBroadcastSeq returns the highest sequence in the log, or 0.
func (s *Store) LastBroadcastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM broadcasts`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last broadcast seq: %w", err)
	}
	return seq, nil
}

// PruneBroadcasts deletes log entries created before cutoff.
func (s *Store) PruneBroadcasts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE created_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune broadcasts: %w", err)
	}
	return res.RowsAffected()
}
