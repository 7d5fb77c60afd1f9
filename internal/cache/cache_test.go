package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/broadcast"
	"github.com/agentic-research/rangecache/internal/chunk"
	"github.com/agentic-research/rangecache/internal/connectivity"
	"github.com/agentic-research/rangecache/internal/lock"
	"github.com/agentic-research/rangecache/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

const waitFor = 5 * time.Second

// seq returns items item-000.. one minute apart starting at t0, oldest first.
func seq(n int) []api.Item {
	out := make([]api.Item, n)
	for i := range out {
		at := t0.Add(time.Duration(i) * time.Minute)
		out[i] = api.Item{ID: fmt.Sprintf("item-%03d", i), CreatedAt: at, UpdatedAt: at, Payload: []byte(`{}`)}
	}
	return out
}

func ids(items []api.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// env is one process worth of collaborators over a shared data dir.
type env struct {
	dir    string
	store  *store.Store
	locker *lock.Locker
	bus    *broadcast.MemoryBus
	reg    *Registry
}

func newEnv(t *testing.T, dir string, bus *broadcast.MemoryBus) *env {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	e := &env{dir: dir, store: st, locker: lock.New(filepath.Join(dir, "locks")), bus: bus, reg: NewRegistry()}
	t.Cleanup(func() { _ = e.reg.Close(context.Background()) })
	return e
}

func (e *env) options() Options {
	return Options{
		Store:           e.store,
		Locker:          e.locker,
		Bus:             e.bus,
		Watermark:       connectivity.Static{At: t0},
		BroadcastSettle: -1,
		DebounceMin:     time.Millisecond,
		DebounceMax:     2 * time.Millisecond,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (e *env) open(t *testing.T, name string, opts Options) *Cache {
	t.Helper()
	c, err := e.reg.Open(context.Background(), name, opts)
	require.NoError(t, err)
	return c
}

func wait(t *testing.T, p interface {
	Wait(context.Context) error
}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

// summary renders records without their timestamps.
func summary(records []chunk.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = fmt.Sprintf("%d n=%d next=%d prev=%d", r.ID, r.ItemCount, r.NextID, r.PreviousID)
	}
	return out
}

func receive(t *testing.T, ch <-chan broadcast.Batch) broadcast.Batch {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(waitFor):
		t.Fatal("no broadcast received")
		return broadcast.Batch{}
	}
}

func TestIngestRange_SplitsAndPersists(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	items := seq(45)

	wait(t, c.IngestRange(items, api.RangeOptions{IsEndOfList: true}))

	chunks := c.Chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, 30, chunks[0].ItemCount)
	assert.Equal(t, chunk.EndOfListID, chunks[0].NextID)
	assert.Equal(t, chunks[1].ID, chunks[0].PreviousID)
	assert.Equal(t, 15, chunks[1].ItemCount)
	assert.Zero(t, chunks[1].PreviousID)

	persisted, err := e.store.LoadChunks(context.Background(), "inbox")
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
	stored, err := e.store.ItemsBetween(context.Background(), "inbox", api.Epoch, api.OpenEnd, true, true)
	require.NoError(t, err)
	assert.Len(t, stored, 45)
	assert.Equal(t, StateIdle, c.State())
}

func TestIngestRange_RejectsInvalidRangeWithoutQueuing(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	items := seq(3)
	items[1].ID = ""

	err := c.IngestRange(items, api.RangeOptions{}).Wait(context.Background())
	assert.Error(t, err)
	assert.Empty(t, c.Chunks())
}

func TestIngestRange_ReingestPublishesNothing(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	observed, cancel := e.bus.Subscribe("inbox", "observer")
	defer cancel()
	items := seq(45)

	wait(t, c.IngestRange(items, api.RangeOptions{IsEndOfList: true}))
	first := receive(t, observed)
	assert.Len(t, first.Updated, 2)
	assert.True(t, first.ItemsChanged)
	before := summary(c.Chunks())

	wait(t, c.IngestRange(items, api.RangeOptions{IsEndOfList: true}))
	assert.Equal(t, before, summary(c.Chunks()))

	// The next batch on the bus is the one announcing the new item, so the
	// re-ingest announced nothing.
	next := api.Item{ID: "item-new", CreatedAt: t0.Add(45 * time.Minute), UpdatedAt: t0.Add(45 * time.Minute), Payload: []byte(`{}`)}
	wait(t, c.IngestItem(next))
	got := receive(t, observed)
	var counts []int
	for _, r := range got.Updated {
		counts = append(counts, r.ItemCount)
	}
	assert.ElementsMatch(t, []int{30, 1}, counts)
}

func TestDeleteItems_MergesIntoOlderChunk(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	items := seq(45)
	wait(t, c.IngestRange(items, api.RangeOptions{IsEndOfList: true}))

	wait(t, c.DeleteItems(ids(items[20:45])))

	chunks := c.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, 20, chunks[0].ItemCount)
	assert.True(t, chunks[0].Start.Equal(items[0].CreatedAt))
	assert.True(t, chunks[0].End.Equal(items[44].CreatedAt))
	assert.Equal(t, chunk.EndOfListID, chunks[0].NextID)
}

func TestScheduler_DebounceUntilFlush(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	opts := e.options()
	opts.DebounceMin, opts.DebounceMax = time.Hour, 2*time.Hour
	c := e.open(t, "inbox", opts)

	p := c.IngestRange(seq(5), api.RangeOptions{IsEndOfList: true})
	assert.Eventually(t, func() bool { return c.State() == StateQueuing }, waitFor, 5*time.Millisecond)
	select {
	case <-p.Done():
		t.Fatal("job ran before the debounce elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, p.Err())
	assert.Len(t, c.Chunks(), 1)
	assert.Equal(t, StateIdle, c.State())
}

func TestScheduler_OpenCursorPreemptsDebounce(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	opts := e.options()
	opts.DebounceMin, opts.DebounceMax = time.Hour, 2*time.Hour
	c := e.open(t, "inbox", opts)

	p := c.IngestRange(seq(5), api.RangeOptions{IsEndOfList: true})
	cur, err := c.OpenCursor()
	require.NoError(t, err)
	defer cur.Close()

	wait(t, p)
	assert.Len(t, c.Chunks(), 1)
}

func TestScheduler_RunsJobsInPriorityOrder(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	opts := e.options()
	opts.DebounceMin, opts.DebounceMax = time.Hour, 2*time.Hour
	c := e.open(t, "inbox", opts)
	items := seq(20)

	// Queued first, but deletes run after range inserts of the same cycle.
	del := c.DeleteItems(ids(items[:5]))
	add := c.IngestRange(items, api.RangeOptions{IsEndOfList: true, IsStartOfList: true})
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Flush(ctx))

	require.NoError(t, del.Err())
	require.NoError(t, add.Err())
	chunks := c.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, 15, chunks[0].ItemCount)
}

func TestRegistry_RejectsSecondOpen(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())

	_, err := e.reg.Open(context.Background(), "inbox", e.options())
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	require.NoError(t, c.Close(context.Background(), false))
	got, ok := e.reg.Get("inbox")
	assert.False(t, ok)
	assert.Nil(t, got)
	e.open(t, "inbox", e.options())
}

func TestRegistry_OpenTimesOutLoadingChunks(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		ctx     func() (context.Context, context.CancelFunc)
	}{
		{
			name:    "setup timeout elapses",
			timeout: time.Nanosecond,
			ctx:     func() (context.Context, context.CancelFunc) { return context.Background(), func() {} },
		},
		{
			name: "caller deadline already passed",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
			opts := e.options()
			opts.SetupTimeout = tt.timeout
			ctx, cancel := tt.ctx()
			defer cancel()

			c, err := e.reg.Open(ctx, "inbox", opts)
			require.ErrorIs(t, err, ErrTimeout)
			assert.Nil(t, c)

			_, ok := e.reg.Get("inbox")
			assert.False(t, ok)
			e.open(t, "inbox", e.options())
		})
	}
}

func TestCache_ClosedRejectsJobs(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	require.NoError(t, c.Close(context.Background(), false))

	assert.ErrorIs(t, c.IngestRange(seq(3), api.RangeOptions{}).Err(), ErrClosed)
	assert.ErrorIs(t, c.Flush(context.Background()), ErrClosed)
	_, err := c.OpenCursor()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroadcast_ReachesSiblingInstance(t *testing.T) {
	dir := t.TempDir()
	bus := broadcast.NewMemoryBus()
	a := newEnv(t, dir, bus)
	b := newEnv(t, dir, bus)
	ca := a.open(t, "inbox", a.options())
	cb := b.open(t, "inbox", b.options())
	require.NotEqual(t, ca.Origin(), cb.Origin())

	wait(t, ca.IngestRange(seq(45), api.RangeOptions{IsEndOfList: true}))

	assert.Eventually(t, func() bool { return len(cb.Chunks()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, summary(ca.Chunks()), summary(cb.Chunks()))

	// The sibling builds on the merged state.
	items := seq(45)
	wait(t, cb.DeleteItems(ids(items[20:45])))
	assert.Eventually(t, func() bool { return len(ca.Chunks()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 20, ca.Chunks()[0].ItemCount)
}

func TestFlush_CatchesUpWithoutBroadcast(t *testing.T) {
	dir := t.TempDir()
	a := newEnv(t, dir, broadcast.NewMemoryBus())
	b := newEnv(t, dir, broadcast.NewMemoryBus())
	ca := a.open(t, "inbox", a.options())
	cb := b.open(t, "inbox", b.options())
	items := seq(45)

	wait(t, ca.IngestRange(items, api.RangeOptions{IsEndOfList: true}))
	assert.Empty(t, cb.Chunks())

	// cb never heard of the commit; its next cycle reloads the store first.
	wait(t, cb.DeleteItems(ids(items[20:45])))
	chunks := cb.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, 20, chunks[0].ItemCount)
}

func TestClose_MarkAsStaleDropsEndOfList(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	wait(t, c.IngestRange(seq(45), api.RangeOptions{IsEndOfList: true}))

	require.NoError(t, c.Close(context.Background(), true))

	reopened := e.open(t, "inbox", e.options())
	chunks := reopened.Chunks()
	require.Len(t, chunks, 2)
	assert.Zero(t, chunks[0].NextID)
	assert.True(t, chunks[0].LastUpdate.Before(t0))
}

func TestRecover_ClearsCache(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	wait(t, c.IngestRange(seq(10), api.RangeOptions{IsEndOfList: true}))

	wait(t, c.Recover())

	assert.Empty(t, c.Chunks())
	stored, err := e.store.ItemsBetween(context.Background(), "inbox", api.Epoch, api.OpenEnd, true, true)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestOpen_CorruptChunksAreCleared(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	wait(t, c.IngestRange(seq(45), api.RangeOptions{IsEndOfList: true}))
	require.NoError(t, c.Close(context.Background(), false))

	// Drop the older chunk behind the cache's back, leaving a dangling link.
	records, err := e.store.LoadChunks(context.Background(), "inbox")
	require.NoError(t, err)
	require.Len(t, records, 2)
	g, err := chunk.Load(records)
	require.NoError(t, err)
	_, err = e.store.Commit(context.Background(), "inbox", g, chunk.Delta{Deleted: []int64{records[1].ID}})
	require.NoError(t, err)

	reopened := e.open(t, "inbox", e.options())
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, reopened.Flush(ctx))
	assert.Empty(t, reopened.Chunks())
}

// refetches records stale range reports.
type refetches struct {
	mu   sync.Mutex
	jobs []api.RangeUpdateJob
}

func (r *refetches) add(j api.RangeUpdateJob) {
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
}

func (r *refetches) list() []api.RangeUpdateJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.RangeUpdateJob(nil), r.jobs...)
}
