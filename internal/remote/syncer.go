package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/jobs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Target is the cache a Syncer feeds.
type Target interface {
	IngestRange(items []api.Item, opts api.RangeOptions) *jobs.Pending
	ApplyRangeDiffs(results []api.RangeUpdateResult) *jobs.Pending
}

// Options tune a Syncer. Zero values take the defaults below.
type Options struct {
	BatchSize   int
	Rate        rate.Limit
	Burst       int
	Concurrency int
	Retries     int
	Backoff     time.Duration
	Log         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Rate <= 0 {
		o.Rate = 2
	}
	if o.Burst <= 0 {
		o.Burst = 4
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 200 * time.Millisecond
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Syncer loads ranges into a cache and re-fetches the ranges its cursors
// report as stale.
type Syncer struct {
	loader  Loader
	target  Target
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	queued  []api.RangeUpdateJob
	pending map[jobKey]struct{}
	wake    chan struct{}
}

type jobKey struct {
	start, end, after int64
}

func keyOf(j api.RangeUpdateJob) jobKey {
	return jobKey{j.RangeStart.UnixNano(), j.RangeEnd.UnixNano(), j.UpdatedAfter.UnixNano()}
}

func NewSyncer(loader Loader, target Target, opts Options) *Syncer {
	opts = opts.withDefaults()
	return &Syncer{
		loader:  loader,
		target:  target,
		opts:    opts,
		log:     opts.Log,
		limiter: rate.NewLimiter(opts.Rate, opts.Burst),
		pending: make(map[jobKey]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// LoadRange fetches one page and ingests it as a complete range. It returns
// the page and the options it was ingested with.
func (s *Syncer) LoadRange(ctx context.Context, q Query) ([]api.Item, api.RangeOptions, error) {
	if q.Limit <= 0 {
		q.Limit = s.opts.BatchSize
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, api.RangeOptions{}, err
	}
	items, err := s.loader.LoadRange(ctx, q)
	if err != nil {
		return nil, api.RangeOptions{}, fmt.Errorf("load range: %w", err)
	}
	opts := InferBoundaries(q, len(items), q.Limit)
	s.log.Debug("range loaded", "order", q.Order.String(), "items", len(items),
		"startOfList", opts.IsStartOfList, "endOfList", opts.IsEndOfList)
	if err := s.target.IngestRange(items, opts).Wait(ctx); err != nil {
		return items, opts, fmt.Errorf("ingest range: %w", err)
	}
	return items, opts, nil
}

// Refetch queues a stale range. It never blocks, so it can serve as the
// cache's refetch callback. Jobs already queued or in flight are dropped.
func (s *Syncer) Refetch(j api.RangeUpdateJob) {
	k := keyOf(j)
	s.mu.Lock()
	if _, ok := s.pending[k]; ok {
		s.mu.Unlock()
		return
	}
	s.pending[k] = struct{}{}
	s.queued = append(s.queued, j)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Queued reports the number of jobs waiting for Run.
func (s *Syncer) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// Run processes queued jobs until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
		s.mu.Lock()
		batch := s.queued
		s.queued = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			continue
		}
		if err := s.RefetchNow(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("stale ranges not refreshed", "error", err, "jobs", len(batch))
		}
		s.mu.Lock()
		for _, j := range batch {
			delete(s.pending, keyOf(j))
		}
		s.mu.Unlock()
	}
}

// RefetchNow fetches the updates of every job and applies the answers in
// one cache job. Jobs that still fail after the retries are logged and
// left out.
func (s *Syncer) RefetchNow(ctx context.Context, batch []api.RangeUpdateJob) error {
	var (
		mu      sync.Mutex
		results []api.RangeUpdateResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, j := range batch {
		g.Go(func() error {
			updated, deleted, err := s.fetch(gctx, j)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn("range update failed", "error", err, "start", j.RangeStart, "end", j.RangeEnd)
				return nil
			}
			mu.Lock()
			results = append(results, api.RangeUpdateResult{Job: j, Updated: updated, DeletedIDs: deleted})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}
	sort.Slice(results, func(a, b int) bool {
		return results[a].Job.RangeStart.After(results[b].Job.RangeStart)
	})
	s.log.Info("applying range updates", "ranges", len(results))
	return s.target.ApplyRangeDiffs(results).Wait(ctx)
}

func (s *Syncer) fetch(ctx context.Context, j api.RangeUpdateJob) ([]api.Item, []string, error) {
	backoff := s.opts.Backoff
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
		updated, deleted, err := s.loader.LoadUpdates(ctx, j)
		if err == nil {
			return updated, deleted, nil
		}
		if attempt >= s.opts.Retries {
			return nil, nil, fmt.Errorf("load updates after %d attempts: %w", attempt+1, err)
		}
		s.log.Debug("retrying range update", "attempt", attempt+1, "error", err)
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		}
		backoff *= 2
	}
}
