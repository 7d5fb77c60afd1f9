package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/chunk"
	"github.com/agentic-research/rangecache/internal/store"
	"github.com/agentic-research/rangecache/internal/telemetry"
	"github.com/google/uuid"
)

// anchor remembers a window edge across graph swaps: by handle first, then
// by persisted id. The window dates are the last resort.
type anchor struct {
	handle chunk.Handle
	id     int64
}

func anchorOf(c *chunk.Chunk) anchor {
	return anchor{handle: c.Handle, id: c.ID}
}

// Cursor is a live window over the chunk chain of one cache. Its items are
// read from the store through a subscription and re-read whenever the
// window or the items of the cache change.
type Cursor struct {
	cache  *Cache
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	g              *chunk.Graph
	newest, oldest anchor
	has            bool
	initialized    bool
	start, end     time.Time
	items          []api.Item
	ready          bool
	closed         bool
	err            error
	listeners      map[int]func(api.CursorState)
	nextListener   int
	sub            *store.Subscription
	reported       map[[2]int64]struct{}
	touched        map[int64]time.Time

	dirty chan struct{}
}

// OpenCursor registers a cursor on the cache. Open cursors make every
// queued job flush without debounce.
func (c *Cache) OpenCursor() (*Cursor, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cur := &Cursor{
		cache:     c,
		log:       c.log.With(slog.String("cursor", uuid.NewString()[:8])),
		ctx:       ctx,
		cancel:    cancel,
		g:         c.shadow.Load(),
		listeners: make(map[int]func(api.CursorState)),
		reported:  make(map[[2]int64]struct{}),
		touched:   make(map[int64]time.Time),
		dirty:     make(chan struct{}, 1),
	}
	if !c.addCursor(cur) {
		cancel()
		return nil, ErrClosed
	}
	go cur.notifier()
	signal(c.urgent)
	return cur, nil
}

// followup is the work a window change leaves for after the cursor lock.
type followup struct {
	touch   []int64
	stale   []api.RangeUpdateJob
	loaded  chan struct{}
	changed bool
	err     error
}

// Init anchors the window and waits for its first items. It returns the
// number of items the window spans.
func (cur *Cursor) Init(ctx context.Context, opts api.InitOptions) (int, error) {
	if cur.isClosed() {
		return 0, ErrCursorClosed
	}
	minimum := opts.MinimumItemCount
	if minimum <= 0 {
		minimum = cur.cache.opts.BatchSize
	}
	at := opts.Date
	if opts.Kind == api.InitAtItemID {
		it, err := cur.cache.store.Item(ctx, cur.cache.name, opts.ItemID)
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("item %s: %w", opts.ItemID, ErrNotFound)
		}
		if err != nil {
			return 0, err
		}
		at = it.CreatedAt
	}

	cur.mu.Lock()
	if cur.closed {
		cur.mu.Unlock()
		return 0, ErrCursorClosed
	}
	// Loaded under mu: a swap after this point re-anchors the window once
	// mu is released, as the cursor is initialized by then.
	g := cur.cache.shadow.Load()
	newest, oldest, spanned, err := initialWindow(g, opts.Kind, at, minimum)
	if err != nil {
		cur.mu.Unlock()
		return 0, err
	}
	cur.initialized = true
	f := cur.refreshLocked(g, newest, oldest)
	cur.mu.Unlock()

	if err := cur.finish(f); err != nil {
		return 0, err
	}
	cur.log.Debug("cursor initialized", "kind", opts.Kind.String(), "spanned", spanned)
	return spanned, waitLoaded(ctx, f.loaded)
}

// initialWindow picks the anchors of a new window on g.
func initialWindow(g *chunk.Graph, kind api.InitKind, at time.Time, minimum int) (newest, oldest *chunk.Chunk, spanned int, err error) {
	switch kind {
	case api.InitAtItemID, api.InitAtDate:
		a := g.Containing(at)
		if a == nil {
			return nil, nil, 0, fmt.Errorf("no chunk contains %s: %w", at.UTC().Format(time.RFC3339Nano), ErrNotFound)
		}
		var older, newer int
		oldest, older = walk(g, a, minimum, true)
		newest, newer = walk(g, a, minimum, false)
		return newest, oldest, a.ItemCount + older + newer, nil
	default:
		newest = g.Newest()
		if newest == nil {
			return nil, nil, 0, nil
		}
		var older int
		oldest, older = walk(g, newest, minimum-newest.ItemCount, true)
		return newest, oldest, newest.ItemCount + older, nil
	}
}

// Update grows or shrinks the window by approximate item counts. Chunks
// are never split, so a side moves by whole chunks.
func (cur *Cursor) Update(ctx context.Context, opts api.UpdateOptions) error {
	switch {
	case opts.GrowStart < 0 || opts.ShrinkStart < 0 || opts.GrowEnd < 0 || opts.ShrinkEnd < 0:
		return errors.New("cursor update counts must not be negative")
	case opts.GrowStart > 0 && opts.ShrinkStart > 0:
		return errors.New("cursor update cannot grow and shrink the start at once")
	case opts.GrowEnd > 0 && opts.ShrinkEnd > 0:
		return errors.New("cursor update cannot grow and shrink the end at once")
	case opts == api.UpdateOptions{}:
		return errors.New("cursor update without changes")
	}

	cur.mu.Lock()
	if cur.closed {
		cur.mu.Unlock()
		return ErrCursorClosed
	}
	if !cur.initialized || !cur.has {
		cur.mu.Unlock()
		return ErrNotInitialized
	}
	g := cur.g
	newest, oldest := g.Get(cur.newest.handle), g.Get(cur.oldest.handle)
	if newest == nil || oldest == nil {
		cur.mu.Unlock()
		return ErrNotInitialized
	}
	if opts.GrowStart > 0 {
		oldest, _ = walk(g, oldest, opts.GrowStart, true)
	}
	if opts.GrowEnd > 0 {
		newest, _ = walk(g, newest, opts.GrowEnd, false)
	}
	if opts.ShrinkStart > 0 {
		oldest = shrink(g, oldest, newest, opts.ShrinkStart, false)
	}
	if opts.ShrinkEnd > 0 {
		newest = shrink(g, newest, oldest, opts.ShrinkEnd, true)
	}
	f := cur.refreshLocked(g, newest, oldest)
	cur.mu.Unlock()

	if err := cur.finish(f); err != nil {
		return err
	}
	return waitLoaded(ctx, f.loaded)
}

// walk follows the chain from c toward older (or newer) chunks until at
// least n items were added. It returns the last chunk reached and the
// items added beyond c.
func walk(g *chunk.Graph, c *chunk.Chunk, n int, older bool) (*chunk.Chunk, int) {
	added := 0
	for steps := 0; added < n && steps < g.Len(); steps++ {
		l := c.Next
		if older {
			l = c.Previous
		}
		next := g.Follow(l)
		if next == nil {
			break
		}
		c = next
		added += next.ItemCount
	}
	return c, added
}

// shrink moves the edge c toward stop by about n items, never past stop.
func shrink(g *chunk.Graph, c, stop *chunk.Chunk, n int, fromNewest bool) *chunk.Chunk {
	removed := 0
	for steps := 0; removed < n && c.Handle != stop.Handle && steps < g.Len(); steps++ {
		l := c.Next
		if fromNewest {
			l = c.Previous
		}
		next := g.Follow(l)
		if next == nil {
			break
		}
		removed += c.ItemCount
		c = next
	}
	return c
}

// chunksChanged re-anchors the window on a newly swapped graph. Called
// from the cache loop.
func (cur *Cursor) chunksChanged(g *chunk.Graph, forward map[chunk.Handle]chunk.Handle) {
	cur.mu.Lock()
	if cur.closed || !cur.initialized {
		cur.mu.Unlock()
		return
	}
	var newest, oldest *chunk.Chunk
	if cur.has {
		if cur.end.Equal(api.OpenEnd) {
			newest = g.Newest()
		} else {
			newest = locate(g, forward, cur.newest)
		}
		oldest = locate(g, forward, cur.oldest)
		if newest == nil {
			newest = newestByDate(g, cur.end)
		}
		if oldest == nil {
			oldest = oldestByDate(g, cur.start)
		}
	}
	if oldest == nil {
		oldest = newest
	}
	if newest == nil {
		newest = oldest
	}
	if newest == nil && g.Len() > 0 {
		newest, oldest = g.Newest(), g.Newest()
	}
	if newest != nil && newest.End.Before(oldest.Start) {
		newest, oldest = oldest, newest
	}
	f := cur.refreshLocked(g, newest, oldest)
	cur.mu.Unlock()
	_ = cur.finish(f)
}

// locate finds the chunk behind a, following merge forwarding when the
// handle is gone.
func locate(g *chunk.Graph, forward map[chunk.Handle]chunk.Handle, a anchor) *chunk.Chunk {
	if a.handle == chunk.None {
		return nil
	}
	if c := g.Get(a.handle); c != nil {
		return c
	}
	h := a.handle
	for range len(forward) {
		next, ok := forward[h]
		if !ok {
			break
		}
		if c := g.Get(next); c != nil {
			return c
		}
		h = next
	}
	return g.ByID(a.id)
}

// newestByDate picks the chunk holding the window end, or the first newer
// chunk above the end.
func newestByDate(g *chunk.Graph, end time.Time) *chunk.Chunk {
	for _, c := range g.Ordered() {
		if c.End.Equal(end) {
			return c
		}
		if c.End.Before(end) {
			if n := g.Follow(c.Next); n != nil {
				return n
			}
			return c
		}
	}
	return nil
}

// oldestByDate picks the newest chunk starting at or before the window
// start, or the oldest chunk when every chunk is newer.
func oldestByDate(g *chunk.Graph, start time.Time) *chunk.Chunk {
	for _, c := range g.Ordered() {
		if !c.Start.After(start) || c.Previous.IsEnd() {
			return c
		}
	}
	return g.Oldest()
}

// refreshLocked commits new anchors after checking the span between them.
// On an integrity error the previous window is kept.
func (cur *Cursor) refreshLocked(g *chunk.Graph, newest, oldest *chunk.Chunk) followup {
	var f followup
	if newest == nil || oldest == nil {
		cur.g, cur.has = g, false
		cur.newest, cur.oldest = anchor{}, anchor{}
		if cur.sub != nil {
			cur.sub.Close()
			cur.sub = nil
		}
		cur.start, cur.end = time.Time{}, time.Time{}
		cur.items, cur.ready = nil, true
		f.changed = true
		return f
	}

	span, last, err := spanOf(g, newest, oldest)
	if err != nil {
		cur.err = err
		f.err = err
		return f
	}
	if last.Handle != oldest.Handle {
		cur.log.Debug("cursor span ends early, chain is broken", "oldest", oldest, "reached", last)
		oldest = last
	}

	cur.g, cur.has, cur.err = g, true, nil
	cur.newest, cur.oldest = anchorOf(newest), anchorOf(oldest)
	f.touch, f.stale = cur.bookkeepLocked(span, newest)

	start, end := oldest.Start, newest.End
	if newest.Next.IsEnd() {
		end = api.OpenEnd
	}
	f.changed = true
	if cur.sub == nil || !start.Equal(cur.start) || !end.Equal(cur.end) {
		cur.start, cur.end = start, end
		f.loaded = cur.resubscribeLocked()
	}
	return f
}

// spanOf walks from newest to oldest. It stops early at a chain break and
// reports a cycle or a path that passes oldest as an integrity error.
func spanOf(g *chunk.Graph, newest, oldest *chunk.Chunk) ([]*chunk.Chunk, *chunk.Chunk, error) {
	visited := roaring.New()
	var span []*chunk.Chunk
	c := newest
	for {
		if !visited.CheckedAdd(uint32(c.Handle)) {
			return nil, nil, &chunk.IntegrityError{Reason: "cycle between cursor anchors", Handles: []chunk.Handle{c.Handle}}
		}
		span = append(span, c)
		if c.Handle == oldest.Handle {
			return span, c, nil
		}
		if c.End.Before(oldest.Start) {
			return nil, nil, &chunk.IntegrityError{
				Reason:  "cursor anchors are not linked",
				Handles: []chunk.Handle{newest.Handle, oldest.Handle},
			}
		}
		prev := g.Follow(c.Previous)
		if prev == nil {
			return span, c, nil
		}
		c = prev
	}
}

// bookkeepLocked collects chunks to mark as accessed and stale ranges not
// reported yet.
func (cur *Cursor) bookkeepLocked(span []*chunk.Chunk, newest *chunk.Chunk) ([]int64, []api.RangeUpdateJob) {
	opts := cur.cache.opts
	now := opts.Clock()
	cutoff := now.Add(-opts.AccessTouchEvery)
	wm := opts.Watermark
	lastDisconnect := wm.LastDisconnect()

	var touch []int64
	due := func(c *chunk.Chunk) bool {
		last, ok := cur.touched[c.ID]
		return c.ID > 0 && (!ok || last.Before(cutoff))
	}
	// A stale end-of-list claim is dropped by touching the chunk.
	if newest.Next.IsEnd() && newest.LastUpdate.Before(lastDisconnect) && due(newest) {
		touch = append(touch, newest.ID)
		cur.touched[newest.ID] = now
	}

	var stale []api.RangeUpdateJob
	for _, c := range span {
		if c.LastAccessed.Before(cutoff) && due(c) {
			touch = append(touch, c.ID)
			cur.touched[c.ID] = now
		}
		if !wm.Connected() || !c.LastUpdate.Before(lastDisconnect) {
			continue
		}
		key := [2]int64{c.Start.UnixNano(), c.End.UnixNano()}
		if _, ok := cur.reported[key]; ok {
			continue
		}
		cur.reported[key] = struct{}{}
		stale = append(stale, api.RangeUpdateJob{RangeStart: c.Start, RangeEnd: c.End, UpdatedAfter: c.LastUpdate})
	}
	return touch, stale
}

func (cur *Cursor) resubscribeLocked() chan struct{} {
	if cur.sub != nil {
		cur.sub.Close()
	}
	sub := cur.cache.store.Watch(cur.ctx, cur.cache.name, cur.start, cur.end)
	loaded := make(chan struct{})
	cur.sub = sub
	go cur.pump(sub, loaded)
	return loaded
}

// pump copies deliveries of sub into the window until sub is replaced or
// closed.
func (cur *Cursor) pump(sub *store.Subscription, loaded chan struct{}) {
	first := true
	defer func() {
		if first {
			close(loaded)
		}
	}()
	for items := range sub.C {
		cur.mu.Lock()
		if cur.sub != sub {
			cur.mu.Unlock()
			return
		}
		cur.items, cur.ready = items, true
		cur.mu.Unlock()
		if first {
			close(loaded)
			first = false
		}
		signal(cur.dirty)
	}
}

func (cur *Cursor) finish(f followup) error {
	if f.err != nil {
		cur.log.Error("cursor span failed integrity check, call Recover to clear the cache", "error", f.err)
		return f.err
	}
	if len(f.touch) > 0 {
		cur.cache.Touch(f.touch)
	}
	for _, j := range f.stale {
		telemetry.Stale(cur.ctx, cur.cache.name)
		cur.log.Info("stale range", "start", j.RangeStart, "end", j.RangeEnd, "updatedAfter", j.UpdatedAfter)
		cur.cache.refetch(j)
	}
	if f.changed {
		signal(cur.dirty)
	}
	return nil
}

func waitLoaded(ctx context.Context, loaded chan struct{}) error {
	if loaded == nil {
		return nil
	}
	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of the window. Items are newest first.
func (cur *Cursor) State() api.CursorState {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	s := api.CursorState{
		Items:  slices.Clone(cur.items),
		Closed: cur.closed,
		Ready:  cur.ready,
	}
	if !cur.has {
		s.HasNextOnRemote = cur.initialized
		s.HasPreviousOnRemote = cur.initialized
		return s
	}
	start, end := cur.start, cur.end
	s.RangeStart, s.RangeEnd = &start, &end

	newest, oldest := cur.g.Get(cur.newest.handle), cur.g.Get(cur.oldest.handle)
	if newest == nil || oldest == nil {
		return s
	}
	_, s.HasNextLocally = newest.Next.Chunk()
	s.HasNextOnRemote = newest.Next.IsUnknown()
	_, s.HasPreviousLocally = oldest.Previous.Chunk()
	s.HasPreviousOnRemote = oldest.Previous.IsUnknown()
	s.WithEndOfList = newest.Next.IsEnd()
	s.WithStartOfList = oldest.Previous.IsEnd()
	s.IsEmpty = newest == oldest && newest.ItemCount == 0 && s.WithEndOfList && s.WithStartOfList
	return s
}

// Err returns the integrity error that froze the window, if any.
func (cur *Cursor) Err() error {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	return cur.err
}

// OnUpdate registers fn for state changes. Calls are made from a separate
// goroutine, coalesced, and in registration order.
func (cur *Cursor) OnUpdate(fn func(api.CursorState)) (remove func()) {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.closed {
		return func() {}
	}
	id := cur.nextListener
	cur.nextListener++
	cur.listeners[id] = fn
	return func() {
		cur.mu.Lock()
		delete(cur.listeners, id)
		cur.mu.Unlock()
	}
}

func (cur *Cursor) notifier() {
	for range cur.dirty {
		s := cur.State()
		cur.mu.Lock()
		fns := make([]func(api.CursorState), 0, len(cur.listeners))
		for _, id := range slices.Sorted(maps.Keys(cur.listeners)) {
			fns = append(fns, cur.listeners[id])
		}
		if s.Closed {
			cur.listeners = nil
		}
		cur.mu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
		if s.Closed {
			return
		}
	}
}

// Close ends the subscription, sends listeners a final closed state and
// detaches the cursor from its cache. It is safe to call from a listener.
func (cur *Cursor) Close() {
	cur.mu.Lock()
	if cur.closed {
		cur.mu.Unlock()
		return
	}
	cur.closed = true
	sub := cur.sub
	cur.sub = nil
	cur.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	cur.cancel()
	signal(cur.dirty)
	cur.cache.removeCursor(cur)
}

func (cur *Cursor) isClosed() bool {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	return cur.closed
}
