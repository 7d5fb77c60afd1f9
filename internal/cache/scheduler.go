package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/broadcast"
	"github.com/agentic-research/rangecache/internal/chunk"
	"github.com/agentic-research/rangecache/internal/jobs"
	"github.com/agentic-research/rangecache/internal/store"
	"github.com/agentic-research/rangecache/internal/telemetry"
)

// run is the only goroutine that mutates the shadow graph. It debounces
// queued work, drains the queue in flush cycles and merges broadcasts
// between cycles.
func (c *Cache) run(ctx context.Context) {
	defer close(c.done)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
	}
	for {
		select {
		case <-c.stopping:
			stopTimer()
			c.drain(ctx)
			return
		case b, ok := <-c.batches:
			if !ok {
				c.batches = nil
				continue
			}
			c.mu.Lock()
			c.inbox.Push(b)
			c.mu.Unlock()
			c.mergeInbox(ctx)
		case <-c.wake:
			if fire == nil && c.queue.Len() > 0 {
				c.setState(StateQueuing)
				timer = time.NewTimer(c.debounce())
				fire = timer.C
			}
		case <-c.urgent:
			stopTimer()
			c.drain(ctx)
		case <-fire:
			timer, fire = nil, nil
			c.drain(ctx)
		}
	}
}

func (c *Cache) debounce() time.Duration {
	lo, hi := c.opts.DebounceMin, c.opts.DebounceMax
	return lo + time.Duration(c.opts.Rand()*float64(hi-lo))
}

// drain runs flush cycles until the queue is empty, then releases Flush
// waiters.
func (c *Cache) drain(ctx context.Context) {
	for c.queue.Len() > 0 {
		c.cycle(ctx)
	}
	c.mu.Lock()
	c.state = StateIdle
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// cycle executes every queued job in one transaction. All callers of the
// cycle are resolved together once the commit is broadcast.
func (c *Cache) cycle(ctx context.Context) {
	batch := c.queue.Drain()
	if len(batch) == 0 {
		return
	}
	c.setState(StateAwaitingLock)
	lease, err := c.locker.Acquire(ctx, c.name)
	if err != nil {
		c.log.Error("flush aborted", "error", err, "jobs", len(batch))
		jobs.FinishAll(batch, err)
		return
	}
	c.setState(StateFlushing)

	began := time.Now()
	fctx, span := telemetry.StartFlush(ctx, c.name)
	stats, err := c.flush(fctx, batch)
	if rerr := lease.Release(); rerr != nil {
		c.log.Warn("release lock", "error", rerr)
	}
	telemetry.EndFlush(fctx, span, c.name, stats, time.Since(began), err)
	if err != nil {
		if errors.Is(err, chunk.ErrIntegrity) {
			c.log.Error("flush rejected by integrity error, call Recover to clear the cache", "error", err, "jobs", len(batch))
		} else {
			c.log.Error("flush failed", "error", err, "jobs", len(batch))
		}
	}
	jobs.FinishAll(batch, err)
}

func (c *Cache) flush(ctx context.Context, batch []*jobs.Pending) (telemetry.Flush, error) {
	stats := telemetry.Flush{Jobs: len(batch)}
	base, reloaded, err := c.reload(ctx)
	if err != nil {
		if !errors.Is(err, chunk.ErrIntegrity) || !clears(batch) {
			return stats, err
		}
		// The clear wipes whatever the store holds.
		c.log.Warn("clearing corrupt persisted chunks", "error", err)
		base, reloaded = c.shadow.Load(), false
	}

	tx := chunk.NewTx(base.Clone(), c.store.Items(c.name))
	for _, p := range batch {
		j := p.Job()
		c.log.Debug("running job", "kind", j.Kind().String())
		if err := j.Apply(ctx, c.engine, tx); err != nil {
			return stats, fmt.Errorf("%s job: %w", j.Kind(), err)
		}
		telemetry.Job(ctx, c.name, j.Kind().String())
	}
	next := tx.Graph()
	if err := next.Check(); err != nil {
		c.log.Error("chunk graph failed integrity check", "error", err, "chunks", next)
		return stats, err
	}

	d := tx.Delta(base)
	committed, err := c.store.Commit(ctx, c.name, next, d)
	if err != nil {
		return stats, err
	}
	stats.ChunksUpserted = len(committed.Records)
	stats.ChunksDeleted = len(committed.Deleted)
	stats.ItemsUpserted = len(d.Items)
	stats.ItemsDeleted = len(d.Removed)

	if !d.Empty() {
		at := c.stamper.Next(c.opts.Clock())
		if err := c.publish(ctx, committed, at); err != nil {
			// Siblings catch up when their next cycle reloads the store.
			c.log.Warn("broadcast not sent", "error", err)
		}
		c.advanceSnapshot(at)
		c.log.Info("flush committed", "jobs", len(batch),
			"chunks", stats.ChunksUpserted, "deletedChunks", stats.ChunksDeleted,
			"items", stats.ItemsUpserted, "deletedItems", stats.ItemsDeleted, "cleared", d.Cleared)
	}
	if !d.Empty() || reloaded {
		c.swap(next, d.Forward)
	}
	return stats, nil
}

// reload brings the shadow up to date with the store under the lock, so a
// cycle never builds on broadcasts that have not arrived yet. Handles of
// surviving chunks are kept. It reports whether the graph changed.
func (c *Cache) reload(ctx context.Context) (*chunk.Graph, bool, error) {
	c.collect()
	at := c.opts.Clock()
	records, err := c.store.LoadChunks(ctx, c.name)
	if err != nil {
		return nil, false, err
	}
	current := c.shadow.Load()
	g := current.Clone()

	changed := false
	present := make(map[int64]struct{}, len(records))
	for _, r := range records {
		present[r.ID] = struct{}{}
		ch := current.ByID(r.ID)
		if ch == nil {
			changed = true
			continue
		}
		if old, err := current.Record(ch.Handle); err != nil || !sameRecord(old, r) {
			changed = true
		}
	}
	var deleted []int64
	for _, ch := range current.Ordered() {
		if _, ok := present[ch.ID]; !ok {
			deleted = append(deleted, ch.ID)
		}
	}
	if len(deleted) > 0 {
		changed = true
	}
	if changed {
		c.log.Debug("shadow was behind the store", "records", len(records), "deleted", len(deleted))
		if err := g.Apply(records, deleted, false); err != nil {
			return nil, false, err
		}
		if err := g.Check(); err != nil {
			c.log.Error("persisted chunks failed integrity check", "error", err, "chunks", g)
			return nil, false, err
		}
	}
	c.advanceSnapshot(at)
	// The store read under the lock covers every batch received so far.
	apply, skipped := c.takeInbox()
	c.countSkipped(ctx, append(skipped, apply...))
	return g, changed, nil
}

func clears(batch []*jobs.Pending) bool {
	for _, p := range batch {
		if p.Job().Kind() == jobs.KindClear {
			return true
		}
	}
	return false
}

func sameRecord(a, b chunk.Record) bool {
	return a.ID == b.ID && a.ItemCount == b.ItemCount &&
		sameInstant(a.Start, b.Start) && sameInstant(a.End, b.End) &&
		sameInstant(a.LastAccessed, b.LastAccessed) && sameInstant(a.LastUpdate, b.LastUpdate) &&
		a.NextID == b.NextID && a.PreviousID == b.PreviousID
}

// sameInstant compares times the way the store keeps them: anything before
// the epoch reads back as the epoch.
func sameInstant(a, b time.Time) bool {
	if a.Before(api.Epoch) {
		a = api.Epoch
	}
	if b.Before(api.Epoch) {
		b = api.Epoch
	}
	return a.Equal(b)
}

// collect moves broadcasts waiting on the subscription into the inbox.
func (c *Cache) collect() {
	for {
		select {
		case b, ok := <-c.batches:
			if !ok {
				c.batches = nil
				return
			}
			c.mu.Lock()
			c.inbox.Push(b)
			c.mu.Unlock()
		default:
			return
		}
	}
}

func (c *Cache) takeInbox() (apply, skipped []broadcast.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbox.Take(c.snapshotAt)
}

func (c *Cache) advanceSnapshot(at time.Time) {
	c.mu.Lock()
	if at.After(c.snapshotAt) {
		c.snapshotAt = at
	}
	c.mu.Unlock()
}

func (c *Cache) countSkipped(ctx context.Context, skipped []broadcast.Batch) {
	for _, b := range skipped {
		telemetry.Broadcast(ctx, c.name, false)
		c.log.Info("broadcast skipped, older than loaded state", "origin", b.Origin, "at", b.Timestamp)
	}
}

// mergeInbox applies received broadcasts newer than the loaded state to
// the shadow. A batch that cannot be merged is dropped; the next cycle
// reloads from the store anyway.
func (c *Cache) mergeInbox(ctx context.Context) {
	apply, skipped := c.takeInbox()
	c.countSkipped(ctx, skipped)
	if len(apply) == 0 {
		return
	}
	g := c.shadow.Load().Clone()
	itemsChanged := false
	for _, b := range apply {
		if err := broadcast.Merge(g, b); err != nil {
			c.log.Error("dropping broadcast that does not fit the shadow", "error", err, "origin", b.Origin, "chunks", g)
			return
		}
		telemetry.Broadcast(ctx, c.name, true)
		c.advanceSnapshot(b.Timestamp)
		itemsChanged = itemsChanged || b.ItemsChanged || b.FullClear
	}
	if err := g.Check(); err != nil {
		c.log.Error("broadcast left the shadow inconsistent", "error", err, "chunks", g)
		return
	}
	c.log.Info("broadcast applied", "batches", len(apply), "chunks", g.Len())
	c.swap(g, nil)
	if itemsChanged {
		c.store.Notify(c.name)
	}
}

func (c *Cache) publish(ctx context.Context, committed store.Committed, at time.Time) error {
	b, err := broadcast.FromCommit(c.name, c.opts.Origin, at, committed)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, b); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	if c.opts.BroadcastSettle > 0 {
		t := time.NewTimer(c.opts.BroadcastSettle)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
	return nil
}

// swap publishes g and lets every cursor re-anchor on it. forward maps
// merged-away handles to the chunks that absorbed them.
func (c *Cache) swap(g *chunk.Graph, forward map[chunk.Handle]chunk.Handle) {
	c.shadow.Swap(g)
	for _, cur := range c.cursorList() {
		cur.chunksChanged(g, forward)
	}
}
