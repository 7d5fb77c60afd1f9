package remote

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/itemcodec"
)

// FileSource serves a JSON array of records as a remote list. It backs the
// command line tools and stands in for a server in tests.
type FileSource struct {
	mu    sync.RWMutex
	items []api.Item // newest first
}

// OpenFile decodes the records at path with codec.
func OpenFile(path string, codec *itemcodec.Codec) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", path, err)
	}
	items, err := codec.DecodeAll(raw)
	if err != nil {
		return nil, fmt.Errorf("decode source %s: %w", path, err)
	}
	return NewFileSource(items), nil
}

func NewFileSource(items []api.Item) *FileSource {
	s := &FileSource{items: slices.Clone(items)}
	slices.SortFunc(s.items, func(a, b api.Item) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return s
}

func within(it api.Item, before, after *time.Time) bool {
	if before != nil && !it.CreatedAt.Before(*before) {
		return false
	}
	if after != nil && !it.CreatedAt.After(*after) {
		return false
	}
	return true
}

func (s *FileSource) LoadRange(ctx context.Context, q Query) ([]api.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.Item
	visit := func(it api.Item) bool {
		if within(it, q.CreatedBefore, q.CreatedAfter) {
			out = append(out, it)
		}
		return q.Limit <= 0 || len(out) < q.Limit
	}
	if q.Order == Asc {
		for i := len(s.items) - 1; i >= 0; i-- {
			if !visit(s.items[i]) {
				break
			}
		}
	} else {
		for _, it := range s.items {
			if !visit(it) {
				break
			}
		}
	}
	return out, nil
}

// LoadUpdates reports items of the range updated after the job's cutoff.
// A file keeps no tombstones, so nothing is reported deleted.
func (s *FileSource) LoadUpdates(ctx context.Context, job api.RangeUpdateJob) ([]api.Item, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var updated []api.Item
	for _, it := range s.items {
		if it.CreatedAt.Before(job.RangeStart) || it.CreatedAt.After(job.RangeEnd) {
			continue
		}
		if it.UpdatedAt.After(job.UpdatedAfter) {
			updated = append(updated, it)
		}
	}
	return updated, nil, nil
}
