package cache

import (
	"context"
	"testing"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/broadcast"
	"github.com/agentic-research/rangecache/internal/connectivity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCursor(t *testing.T, c *Cache) *Cursor {
	t.Helper()
	cur, err := c.OpenCursor()
	require.NoError(t, err)
	t.Cleanup(cur.Close)
	return cur
}

// ingested opens a cache holding n items as one end-of-list range.
func ingested(t *testing.T, n int) (*Cache, []api.Item) {
	t.Helper()
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	items := seq(n)
	wait(t, c.IngestRange(items, api.RangeOptions{IsEndOfList: true}))
	return c, items
}

func initCursor(t *testing.T, cur *Cursor, opts api.InitOptions) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	n, err := cur.Init(ctx, opts)
	require.NoError(t, err)
	return n
}

func TestCursor_InitRecent(t *testing.T) {
	c, items := ingested(t, 45)
	cur := openCursor(t, c)

	n := initCursor(t, cur, api.InitOptions{Kind: api.InitRecent, MinimumItemCount: 50})

	assert.Equal(t, 45, n)
	s := cur.State()
	assert.True(t, s.Ready)
	require.Len(t, s.Items, 45)
	assert.Equal(t, items[44].ID, s.Items[0].ID)
	require.NotNil(t, s.RangeStart)
	assert.True(t, s.RangeStart.Equal(items[0].CreatedAt))
	assert.True(t, s.RangeEnd.Equal(api.OpenEnd))
	assert.True(t, s.WithEndOfList)
	assert.False(t, s.HasNextOnRemote)
	assert.True(t, s.HasPreviousOnRemote)
	assert.False(t, s.HasPreviousLocally)
	assert.False(t, s.IsEmpty)
}

func TestCursor_InitAtItem(t *testing.T) {
	c, items := ingested(t, 45)
	cur := openCursor(t, c)

	n := initCursor(t, cur, api.InitOptions{Kind: api.InitAtItemID, ItemID: items[20].ID, MinimumItemCount: 10})

	assert.Equal(t, 45, n)
	s := cur.State()
	assert.True(t, s.RangeStart.Equal(items[0].CreatedAt))
	assert.True(t, s.RangeEnd.Equal(api.OpenEnd))
}

func TestCursor_InitAnchorNotFound(t *testing.T) {
	c, _ := ingested(t, 10)
	cur := openCursor(t, c)
	ctx := context.Background()

	_, err := cur.Init(ctx, api.InitOptions{Kind: api.InitAtItemID, ItemID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = cur.Init(ctx, api.InitOptions{Kind: api.InitAtDate, Date: t0.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCursor_GrowAndShrink(t *testing.T) {
	c, items := ingested(t, 45)
	cur := openCursor(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	n := initCursor(t, cur, api.InitOptions{Kind: api.InitRecent, MinimumItemCount: 10})
	assert.Equal(t, 30, n)
	s := cur.State()
	assert.True(t, s.RangeStart.Equal(items[15].CreatedAt))
	assert.True(t, s.HasPreviousLocally)

	require.NoError(t, cur.Update(ctx, api.UpdateOptions{GrowStart: 10}))
	s = cur.State()
	assert.True(t, s.RangeStart.Equal(items[0].CreatedAt))
	assert.Len(t, s.Items, 45)
	assert.False(t, s.HasPreviousLocally)
	assert.True(t, s.HasPreviousOnRemote)

	require.NoError(t, cur.Update(ctx, api.UpdateOptions{ShrinkStart: 10}))
	s = cur.State()
	assert.True(t, s.RangeStart.Equal(items[15].CreatedAt))
	assert.Len(t, s.Items, 30)

	// Shrinking never passes the opposite edge.
	require.NoError(t, cur.Update(ctx, api.UpdateOptions{ShrinkStart: 100, ShrinkEnd: 100}))
	s = cur.State()
	assert.True(t, s.RangeStart.Equal(items[15].CreatedAt))
	assert.True(t, s.RangeEnd.Equal(api.OpenEnd))
}

func TestCursor_UpdateRejectsBadOptions(t *testing.T) {
	c, _ := ingested(t, 10)
	cur := openCursor(t, c)
	ctx := context.Background()

	assert.ErrorIs(t, cur.Update(ctx, api.UpdateOptions{GrowStart: 5}), ErrNotInitialized)
	initCursor(t, cur, api.InitOptions{Kind: api.InitRecent})
	assert.Error(t, cur.Update(ctx, api.UpdateOptions{}))
	assert.Error(t, cur.Update(ctx, api.UpdateOptions{GrowStart: 1, ShrinkStart: 1}))
	assert.Error(t, cur.Update(ctx, api.UpdateOptions{GrowEnd: 1, ShrinkEnd: 1}))
	assert.Error(t, cur.Update(ctx, api.UpdateOptions{GrowEnd: -1}))
}

func TestCursor_WindowSurvivesMerge(t *testing.T) {
	c, items := ingested(t, 45)
	cur := openCursor(t, c)
	initCursor(t, cur, api.InitOptions{Kind: api.InitRecent, MinimumItemCount: 50})
	before := cur.State()

	wait(t, c.DeleteItems(ids(items[20:45])))

	require.Len(t, c.Chunks(), 1)
	assert.Eventually(t, func() bool { return len(cur.State().Items) == 20 }, waitFor, 5*time.Millisecond)
	after := cur.State()
	assert.True(t, after.RangeStart.Equal(*before.RangeStart))
	assert.True(t, after.RangeEnd.Equal(*before.RangeEnd))
	assert.NoError(t, cur.Err())
}

func TestCursor_EmptyCacheFillsIn(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	cur := openCursor(t, c)

	assert.Zero(t, initCursor(t, cur, api.InitOptions{Kind: api.InitRecent}))
	s := cur.State()
	assert.True(t, s.Ready)
	assert.Empty(t, s.Items)
	assert.Nil(t, s.RangeStart)
	assert.True(t, s.HasNextOnRemote)

	wait(t, c.IngestRange(seq(5), api.RangeOptions{IsEndOfList: true}))
	assert.Eventually(t, func() bool { return len(cur.State().Items) == 5 }, waitFor, 5*time.Millisecond)
	s = cur.State()
	require.NotNil(t, s.RangeEnd)
	assert.True(t, s.RangeEnd.Equal(api.OpenEnd))
}

func TestCursor_VerifiedEmptyList(t *testing.T) {
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	c := e.open(t, "inbox", e.options())
	wait(t, c.IngestRange(nil, api.RangeOptions{IsStartOfList: true, IsEndOfList: true}))
	cur := openCursor(t, c)

	initCursor(t, cur, api.InitOptions{Kind: api.InitRecent})

	s := cur.State()
	assert.True(t, s.IsEmpty)
	assert.True(t, s.WithStartOfList)
	assert.True(t, s.WithEndOfList)
}

func TestCursor_PendingItemsAreVisible(t *testing.T) {
	c, items := ingested(t, 5)
	cur := openCursor(t, c)
	initCursor(t, cur, api.InitOptions{Kind: api.InitRecent})

	at := items[4].CreatedAt.Add(time.Minute)
	require.NoError(t, c.PutPendingItem(context.Background(), api.Item{ID: "draft", CreatedAt: at, UpdatedAt: at, Payload: []byte(`{}`), Pending: true}))
	assert.Eventually(t, func() bool {
		s := cur.State()
		return len(s.Items) == 6 && s.Items[0].ID == "draft"
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 5, c.Chunks()[0].ItemCount)
}

func TestCursor_ReportsStaleRangesOnce(t *testing.T) {
	tracker := connectivity.NewTracker(t0)
	rec := &refetches{}
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	opts := e.options()
	opts.Watermark = tracker
	opts.Refetch = rec.add
	c := e.open(t, "inbox", opts)
	items := seq(45)
	wait(t, c.IngestRange(items, api.RangeOptions{IsEndOfList: true}))

	tracker.Set(time.Now())
	cur := openCursor(t, c)
	initCursor(t, cur, api.InitOptions{Kind: api.InitRecent, MinimumItemCount: 50})

	jobs := rec.list()
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].RangeStart.Equal(items[15].CreatedAt))
	assert.True(t, jobs[0].RangeEnd.Equal(items[44].CreatedAt))
	assert.True(t, jobs[0].UpdatedAfter.Equal(t0))
	assert.True(t, jobs[1].RangeStart.Equal(items[0].CreatedAt))

	// Touching the newest chunk drops its outdated end-of-list claim.
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
	s := cur.State()
	assert.False(t, s.WithEndOfList)
	assert.True(t, s.HasNextOnRemote)
	assert.True(t, s.RangeEnd.Equal(items[44].CreatedAt))
	assert.Len(t, rec.list(), 2)
}

func TestCursor_NoStalenessWhileDisconnected(t *testing.T) {
	tracker := connectivity.NewTracker(t0)
	rec := &refetches{}
	e := newEnv(t, t.TempDir(), broadcast.NewMemoryBus())
	opts := e.options()
	opts.Watermark = tracker
	opts.Refetch = rec.add
	c := e.open(t, "inbox", opts)
	wait(t, c.IngestRange(seq(10), api.RangeOptions{IsEndOfList: true}))

	tracker.Disconnected(time.Now())
	require.False(t, tracker.Connected())
	cur := openCursor(t, c)
	initCursor(t, cur, api.InitOptions{Kind: api.InitRecent})

	assert.Empty(t, rec.list())
}

func TestCursor_CloseNotifiesListeners(t *testing.T) {
	c, _ := ingested(t, 10)
	cur := openCursor(t, c)
	states := make(chan api.CursorState, 16)
	cur.OnUpdate(func(s api.CursorState) {
		select {
		case states <- s:
		default:
		}
	})
	initCursor(t, cur, api.InitOptions{Kind: api.InitRecent})

	cur.Close()

	deadline := time.After(waitFor)
	for {
		select {
		case s := <-states:
			if s.Closed {
				assert.ErrorIs(t, cur.Update(context.Background(), api.UpdateOptions{GrowEnd: 1}), ErrCursorClosed)
				return
			}
		case <-deadline:
			t.Fatal("listener never saw the closed state")
		}
	}
}

func TestCursor_ClosedWithCache(t *testing.T) {
	c, _ := ingested(t, 10)
	cur := openCursor(t, c)
	initCursor(t, cur, api.InitOptions{Kind: api.InitRecent})

	require.NoError(t, c.Close(context.Background(), false))

	assert.True(t, cur.State().Closed)
	_, err := cur.Init(context.Background(), api.InitOptions{})
	assert.ErrorIs(t, err, ErrCursorClosed)
}

func TestCursor_InitAnchorsOnGraphSwappedWhileWaiting(t *testing.T) {
	c, items := ingested(t, 10)
	cur := openCursor(t, c)
	before := c.shadow.Load()

	cur.mu.Lock()
	initDone := make(chan error, 1)
	go func() {
		_, err := cur.Init(context.Background(), api.InitOptions{Kind: api.InitRecent})
		initDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	at := items[9].CreatedAt.Add(time.Minute)
	pending := c.IngestItem(api.Item{ID: "late", CreatedAt: at, UpdatedAt: at, Payload: []byte(`{}`)})
	flushDone := make(chan error, 1)
	go func() { flushDone <- c.Flush(context.Background()) }()
	require.Eventually(t, func() bool { return c.shadow.Load() != before }, waitFor, 2*time.Millisecond)
	cur.mu.Unlock()

	require.NoError(t, <-initDone)
	require.NoError(t, <-flushDone)
	wait(t, pending)
	assert.Eventually(t, func() bool {
		cur.mu.Lock()
		defer cur.mu.Unlock()
		return cur.g == c.shadow.Load()
	}, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		s := cur.State()
		return len(s.Items) == 11 && s.Items[0].ID == "late"
	}, waitFor, 5*time.Millisecond)
}
