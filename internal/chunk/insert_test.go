package chunk

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCompleteItemRange_SplitsIntoTargetSizedChunks(t *testing.T) {
	h := newHarness(t)
	items := seq(45)

	d := h.ingest(items, api.RangeOptions{IsEndOfList: true})

	require.Equal(t, 2, h.g.Len())
	assert.Len(t, d.Upserted, 2)
	assert.Len(t, d.Items, 45)

	newer, older := h.g.Newest(), h.g.Oldest()
	assert.Equal(t, 30, newer.ItemCount)
	assert.True(t, newer.Next.IsEnd())
	assert.Equal(t, To(older.Handle), newer.Previous)
	assert.True(t, newer.Start.Equal(items[15].CreatedAt))
	assert.True(t, newer.End.Equal(items[44].CreatedAt))

	assert.Equal(t, 15, older.ItemCount)
	assert.True(t, older.Previous.IsUnknown())
	assert.Equal(t, To(newer.Handle), older.Next)
	assert.True(t, older.Start.Equal(items[0].CreatedAt))
	assert.True(t, older.End.Equal(items[14].CreatedAt))
}

func TestAddCompleteItemRange_ReingestIsNoop(t *testing.T) {
	h := newHarness(t)
	items := seq(45)
	h.ingest(items, api.RangeOptions{IsEndOfList: true})
	before := h.g.Clone()

	d := h.ingest(items, api.RangeOptions{IsEndOfList: true})

	assert.True(t, d.Empty(), "delta: %+v", d)
	require.Equal(t, before.Len(), h.g.Len())
	for _, c := range before.Ordered() {
		got := h.g.ByID(c.ID)
		require.NotNil(t, got)
		assert.Equal(t, c.Handle, got.Handle)
	}
}

func TestAddCompleteItemRange_DeleteMergesIntoNeighbor(t *testing.T) {
	h := newHarness(t)
	items := seq(45)
	h.ingest(items, api.RangeOptions{IsEndOfList: true})
	newer, older := h.g.Newest(), h.g.Oldest()
	newerID, newerHandle, olderHandle := newer.ID, newer.Handle, older.Handle

	d := h.run(func(tx *Tx) error {
		return h.e.DeleteItems(context.Background(), tx, ids(items[20:45]))
	})

	require.Equal(t, 1, h.g.Len())
	c := h.g.Newest()
	assert.Equal(t, olderHandle, c.Handle)
	assert.Equal(t, 20, c.ItemCount)
	assert.True(t, c.Start.Equal(items[0].CreatedAt))
	assert.True(t, c.End.Equal(items[44].CreatedAt))
	assert.True(t, c.Next.IsEnd())
	assert.True(t, c.Previous.IsUnknown())
	assert.Equal(t, []int64{newerID}, d.Deleted)
	assert.Equal(t, olderHandle, d.Forward[newerHandle])
	assert.Len(t, d.Removed, 25)
}

func TestAddCompleteItemRange_DeletesMissingItems(t *testing.T) {
	h := newHarness(t)
	items := seq(20)
	h.ingest(items, api.RangeOptions{IsEndOfList: true})

	kept := append(append([]api.Item(nil), items[:5]...), items[6:]...)
	d := h.ingest(kept, api.RangeOptions{IsEndOfList: true})

	assert.Equal(t, []string{items[5].ID}, d.Removed)
	require.Equal(t, 1, h.g.Len())
	assert.Equal(t, 19, h.g.Newest().ItemCount)
	assert.NotContains(t, h.src.items, items[5].ID)
}

func TestAddCompleteItemRange_UpdatesNewerItems(t *testing.T) {
	h := newHarness(t)
	items := seq(5)
	h.ingest(items, api.RangeOptions{IsEndOfList: true})

	changed := append([]api.Item(nil), items...)
	changed[2].UpdatedAt = changed[2].UpdatedAt.Add(time.Hour)
	changed[2].Payload = []byte(`{"title":"renamed"}`)
	changed[3].UpdatedAt = changed[3].UpdatedAt.Add(-time.Hour)
	changed[3].Payload = []byte(`{"title":"older copy"}`)
	d := h.ingest(changed, api.RangeOptions{IsEndOfList: true})

	require.Len(t, d.Items, 1)
	assert.Equal(t, items[2].ID, d.Items[0].ID)
	assert.JSONEq(t, `{"title":"renamed"}`, string(h.src.items[items[2].ID].Payload))
	assert.JSONEq(t, `{}`, string(h.src.items[items[3].ID].Payload))
}

func TestAddCompleteItemRange_GapIsNotCovered(t *testing.T) {
	at := func(hh, mm int) time.Time { return time.Date(2024, 3, 1, hh, mm, 0, 0, time.UTC) }
	var aItems, bItems []api.Item
	for _, m := range []int{0, 2, 4, 6, 8, 10} {
		aItems = append(aItems, itemAt(at(10, m).Format("a-1504"), at(10, m)))
	}
	for _, m := range []int{0, 10, 20, 30} {
		bItems = append(bItems, itemAt(at(9, m).Format("b-1504"), at(9, m)))
	}
	g, err := Load([]Record{
		{ID: 1, Start: at(10, 0), End: at(10, 10), ItemCount: 6, NextID: EndOfListID},
		{ID: 2, Start: at(9, 0), End: at(9, 30), ItemCount: 4},
	})
	require.NoError(t, err)

	h := newHarness(t)
	h.g = g
	h.nextID = 3
	h.src = newFakeSource(append(aItems, bItems...)...)
	bBefore := *g.ByID(2)

	fetched := []api.Item{
		itemAt("n-0945", at(9, 45)),
		itemAt("n-0950", at(9, 50)),
		itemAt("n-0955", at(9, 55)),
		aItems[0], aItems[1], aItems[2],
		itemAt("n-1005", at(10, 5)),
	}

	tx := NewTx(g.Clone(), h.src)
	opts := api.RangeOptions{}
	p, err := h.e.PrepareItemRangeInsert(tx, at(9, 45), at(10, 5), &opts)
	require.NoError(t, err)
	assert.Equal(t, g.ByID(1).Handle, p.Next)
	assert.Equal(t, None, p.Previous)
	assert.Equal(t, None, p.Equal)
	assert.Equal(t, None, p.ContainedIn)

	h.ingest(fetched, api.RangeOptions{})

	require.Equal(t, 2, h.g.Len())
	a, b := h.g.ByID(1), h.g.ByID(2)
	assert.True(t, a.Start.Equal(at(9, 45)))
	assert.True(t, a.End.Equal(at(10, 10)))
	assert.Equal(t, 10, a.ItemCount)
	assert.True(t, a.Next.IsEnd())
	assert.True(t, a.Previous.IsUnknown())
	assert.True(t, b.sameAs(&bBefore))
	assert.Nil(t, h.g.Containing(at(9, 40)))
}

func TestAddCompleteItemRange_EmptyList(t *testing.T) {
	h := newHarness(t)

	h.ingest(nil, api.RangeOptions{IsStartOfList: true, IsEndOfList: true})

	require.Equal(t, 1, h.g.Len())
	c := h.g.Newest()
	assert.Equal(t, 0, c.ItemCount)
	assert.True(t, c.Next.IsEnd())
	assert.True(t, c.Previous.IsEnd())
	assert.True(t, c.Start.Equal(api.Epoch))
}

func TestAddCompleteItemRange_LinksAdjacentRanges(t *testing.T) {
	h := newHarness(t)
	items := seq(60)
	h.ingest(items[30:], api.RangeOptions{IsEndOfList: true})
	require.Equal(t, 1, h.g.Len())

	newestStart := items[30].CreatedAt
	h.ingest(items[:30], api.RangeOptions{IsStartOfList: true, CreatedBefore: &newestStart})

	require.Equal(t, 2, h.g.Len())
	newer, older := h.g.Newest(), h.g.Oldest()
	assert.Equal(t, To(older.Handle), newer.Previous)
	assert.Equal(t, To(newer.Handle), older.Next)
	assert.True(t, older.Previous.IsEnd())
	assert.Equal(t, 60, h.totalCount())
}

func TestAddCompleteItemRange_StraddlesTwoNeighbors(t *testing.T) {
	items := seq(53)
	tests := []struct {
		name     string
		stored   []api.Item
		records  []Record
		lo, hi   int
		counts   []int // oldest first
		olderEnd int
	}{
		{
			name:   "linked neighbors",
			stored: items,
			records: []Record{
				{ID: 1, Start: items[0].CreatedAt, End: items[17].CreatedAt, ItemCount: 18, NextID: 2},
				{ID: 2, Start: items[18].CreatedAt, End: items[52].CreatedAt, ItemCount: 35, PreviousID: 1, NextID: EndOfListID},
			},
			lo: 15, hi: 25, counts: []int{18, 35}, olderEnd: 17,
		},
		{
			name:   "gap between neighbors",
			stored: append(append([]api.Item(nil), items[:10]...), items[20:31]...),
			records: []Record{
				{ID: 1, Start: items[0].CreatedAt, End: items[9].CreatedAt, ItemCount: 10},
				{ID: 2, Start: items[20].CreatedAt, End: items[30].CreatedAt, ItemCount: 11},
			},
			lo: 5, hi: 25, counts: []int{20, 11}, olderEnd: 19,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(tt.stored, tt.records...)
			after, before := items[tt.lo-1].CreatedAt, items[tt.hi+1].CreatedAt

			h.ingest(items[tt.lo:tt.hi+1], api.RangeOptions{CreatedAfter: &after, CreatedBefore: &before})

			h.requireCounts()
			ordered := h.g.Ordered()
			require.Len(t, ordered, 2)
			older, newer := h.g.Oldest(), h.g.Newest()
			assert.Equal(t, tt.counts, []int{older.ItemCount, newer.ItemCount})
			assert.True(t, older.End.Equal(items[tt.olderEnd].CreatedAt))
			assert.True(t, older.End.Before(newer.Start))
			assert.Equal(t, To(newer.Handle), older.Next)
			assert.Equal(t, To(older.Handle), newer.Previous)
		})
	}
}

func TestCompaction_NoUndersizedChunkLeft(t *testing.T) {
	h := newHarness(t)
	items := seq(75)
	h.ingest(items, api.RangeOptions{IsEndOfList: true})
	require.Equal(t, 3, h.g.Len())

	rng := rand.New(rand.NewPCG(7, 11))
	left := len(items)
	for _, i := range rng.Perm(len(items))[:70] {
		h.run(func(tx *Tx) error {
			return h.e.DeleteItems(context.Background(), tx, []string{items[i].ID})
		})
		left--
		require.Equal(t, left, h.totalCount())
		if h.g.Len() == 1 {
			continue
		}
		for _, c := range h.g.Ordered() {
			require.GreaterOrEqual(t, c.ItemCount, h.e.Sizes.Min, "chunk %s after deleting %s", c, items[i].ID)
		}
	}
}

func TestValidateRange(t *testing.T) {
	after := t0.Add(time.Hour)
	before := t0
	tests := []struct {
		name  string
		items []api.Item
		opts  api.RangeOptions
		want  error
	}{
		{name: "ok", items: seq(3)},
		{name: "start of list with after", opts: api.RangeOptions{IsStartOfList: true, CreatedAfter: &before}, want: ErrIncompleteRange},
		{name: "inverted window", opts: api.RangeOptions{CreatedAfter: &after, CreatedBefore: &before}, want: ErrIncompleteRange},
		{name: "missing id", items: []api.Item{{CreatedAt: t0}}, want: ErrInvalidItem},
		{name: "pending", items: []api.Item{{ID: "p", CreatedAt: t0, Pending: true}}, want: ErrIncompleteRange},
		{name: "duplicate", items: []api.Item{itemAt("x", t0), itemAt("x", t0.Add(time.Second))}, want: ErrIncompleteRange},
		{name: "outside window", items: []api.Item{itemAt("x", t0)}, opts: api.RangeOptions{CreatedAfter: &before}, want: ErrIncompleteRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRange(tt.items, tt.opts)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
