// Package cache runs chunked range caches: the flush scheduler that owns all
// mutations of one cache, the registry of open caches and the cursors that
// read windows of them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/broadcast"
	"github.com/agentic-research/rangecache/internal/chunk"
	"github.com/agentic-research/rangecache/internal/jobs"
	"github.com/agentic-research/rangecache/internal/lock"
	"github.com/agentic-research/rangecache/internal/store"
)

// State is the scheduler phase of a cache.
type State int

const (
	StateIdle State = iota
	StateQueuing
	StateAwaitingLock
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueuing:
		return "queuing"
	case StateAwaitingLock:
		return "awaitingLock"
	case StateFlushing:
		return "flushing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Cache is one named chunked range cache. All mutations are queued as jobs
// and executed by a single loop goroutine, one flush cycle at a time under
// the cross-process lock of the cache name.
type Cache struct {
	name    string
	opts    Options
	log     *slog.Logger
	engine  *chunk.Engine
	store   *store.Store
	locker  *lock.Locker
	bus     broadcast.Bus
	shadow  *shadow
	queue   jobs.Queue
	stamper broadcast.Stamper

	batches <-chan Batch
	unsub   func()
	onClose func()

	mu         sync.Mutex
	state      State
	closed     bool
	inbox      broadcast.Inbox
	snapshotAt time.Time
	cursors    map[*Cursor]struct{}
	waiters    []chan struct{}

	wake     chan struct{}
	urgent   chan struct{}
	stopping chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

// Batch is re-exported for subscribers of a cache's bus.
type Batch = broadcast.Batch

func newCache(name string, opts Options) *Cache {
	opts = opts.withDefaults()
	log := opts.Log.With(slog.String("cache", name))
	return &Cache{
		name:   name,
		opts:   opts,
		log:    log,
		store:  opts.Store,
		locker: opts.Locker,
		bus:    opts.Bus,
		engine: &chunk.Engine{
			Sizes:     opts.Sizes,
			Watermark: opts.Watermark,
			Now:       opts.Clock,
			Log:       log,
		},
		cursors:  make(map[*Cursor]struct{}),
		wake:     make(chan struct{}, 1),
		urgent:   make(chan struct{}, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start subscribes to broadcasts, loads the persisted chunks and starts the
// loop. Broadcasts received before the load completes stay queued and are
// filtered against the load time once the loop runs.
func (c *Cache) start(ctx context.Context) error {
	if c.store == nil || c.locker == nil {
		return errors.New("cache needs a store and a locker")
	}
	if err := c.opts.Sizes.Validate(); err != nil {
		return err
	}
	c.batches, c.unsub = c.bus.Subscribe(c.name, c.opts.Origin)

	loadCtx, cancel := context.WithTimeout(ctx, c.opts.SetupTimeout)
	defer cancel()
	at := c.opts.Clock()
	records, err := c.store.LoadChunks(loadCtx, c.name)
	if err != nil {
		c.unsub()
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("load chunks of %s: %w", c.name, ErrTimeout)
		}
		return fmt.Errorf("load chunks of %s: %w", c.name, err)
	}
	g, err := chunk.Load(records)
	if err == nil {
		err = g.Check()
	}
	corrupt := false
	if err != nil {
		c.log.Error("persisted chunks are corrupt, clearing cache", "error", err, "records", len(records))
		g, corrupt = chunk.New(), true
	}
	c.shadow = newShadow(g)
	c.snapshotAt = at
	c.log.Info("cache loaded", "chunks", g.Len())

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = stop
	go c.run(loopCtx)
	if corrupt {
		c.Recover()
	}
	return nil
}

func (c *Cache) Name() string { return c.name }

// Origin is the broadcast origin of this instance.
func (c *Cache) Origin() string { return c.opts.Origin }

// State reports the scheduler phase.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cache) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Chunks returns the committed chunk records, newest first.
func (c *Cache) Chunks() []chunk.Record {
	g := c.shadow.Load()
	out := make([]chunk.Record, 0, g.Len())
	for _, ch := range g.Ordered() {
		r, err := g.Record(ch.Handle)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// enqueue queues j and requests a flush. With immediate set, or while a
// cursor is open, the debounce is skipped.
func (c *Cache) enqueue(j jobs.Job, immediate bool) *jobs.Pending {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return jobs.Resolved(j, ErrClosed)
	}
	p := c.queue.Push(j)
	urgent := immediate || len(c.cursors) > 0
	c.mu.Unlock()
	if urgent {
		signal(c.urgent)
	} else {
		signal(c.wake)
	}
	return p
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// IngestRange queues a complete range fetched from the remote. The range is
// validated before it is queued.
func (c *Cache) IngestRange(items []api.Item, opts api.RangeOptions) *jobs.Pending {
	j := jobs.AddRange{Items: items, Options: opts}
	if err := chunk.ValidateRange(items, opts); err != nil {
		return jobs.Resolved(j, err)
	}
	return c.enqueue(j, false)
}

// IngestItem queues a single new item.
func (c *Cache) IngestItem(it api.Item) *jobs.Pending {
	j := jobs.AddNewItem{Item: it}
	if it.ID == "" || it.CreatedAt.IsZero() {
		return jobs.Resolved(j, fmt.Errorf("%w: id=%q createdAt=%v", chunk.ErrInvalidItem, it.ID, it.CreatedAt))
	}
	return c.enqueue(j, false)
}

func (c *Cache) DeleteItems(ids []string) *jobs.Pending {
	return c.enqueue(jobs.Delete{IDs: ids}, false)
}

func (c *Cache) UpdateItems(patches []api.ItemPatch) *jobs.Pending {
	return c.enqueue(jobs.UpdateItems{Patches: patches}, false)
}

// ApplyRangeDiffs queues the remote answers to stale range reports.
func (c *Cache) ApplyRangeDiffs(results []api.RangeUpdateResult) *jobs.Pending {
	return c.enqueue(jobs.RangeUpdate{Results: results}, false)
}

// Touch marks chunks as accessed.
func (c *Cache) Touch(chunkIDs []int64) *jobs.Pending {
	return c.enqueue(jobs.AccessTouch{ChunkIDs: chunkIDs}, false)
}

// Clear drops every chunk and item.
func (c *Cache) Clear() *jobs.Pending {
	return c.enqueue(jobs.Clear{}, false)
}

// Recover clears the cache immediately, the way out of an integrity error.
// Cursors re-anchor once ranges are ingested again.
func (c *Cache) Recover() *jobs.Pending {
	c.log.Warn("recovering cache by clearing it")
	return c.enqueue(jobs.Clear{}, true)
}

// PutPendingItem stores a local, unconfirmed item. It is visible to cursors
// but never counted in chunks.
func (c *Cache) PutPendingItem(ctx context.Context, it api.Item) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.store.PutPendingItem(ctx, c.name, it)
}

// Flush runs every queued job now and returns once the queue is drained.
func (c *Cache) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	signal(c.urgent)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close flushes the queued jobs, stops the loop and closes every cursor.
// With markAsStale the newest chunk loses its end-of-list claim, so the
// next session re-verifies it.
func (c *Cache) Close(ctx context.Context, markAsStale bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cursors := make([]*Cursor, 0, len(c.cursors))
	for cur := range c.cursors {
		cursors = append(cursors, cur)
	}
	c.mu.Unlock()

	close(c.stopping)
	var err error
	select {
	case <-c.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.cancel()
	c.unsub()
	for _, cur := range cursors {
		cur.Close()
	}
	if err == nil && markAsStale {
		err = c.markStale(ctx)
	}
	if c.onClose != nil {
		c.onClose()
	}
	c.log.Info("cache closed")
	return err
}

func (c *Cache) markStale(ctx context.Context) error {
	lease, err := c.locker.Acquire(ctx, c.name)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release() }()

	at := c.opts.Watermark.LastDisconnect().Add(-time.Millisecond)
	r, err := c.store.MarkStale(ctx, c.name, at)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	b, err := broadcast.FromCommit(c.name, c.opts.Origin, c.stamper.Next(c.opts.Clock()),
		store.Committed{Records: []chunk.Record{r}})
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, b)
}

func (c *Cache) addCursor(cur *Cursor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.cursors[cur] = struct{}{}
	return true
}

func (c *Cache) removeCursor(cur *Cursor) {
	c.mu.Lock()
	delete(c.cursors, cur)
	c.mu.Unlock()
}

func (c *Cache) cursorList() []*Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Cursor, 0, len(c.cursors))
	for cur := range c.cursors {
		out = append(out, cur)
	}
	return out
}

func (c *Cache) refetch(j api.RangeUpdateJob) {
	if c.opts.Refetch == nil {
		c.log.Debug("stale range without refetch handler", "start", j.RangeStart, "end", j.RangeEnd)
		return
	}
	c.opts.Refetch(j)
}
