package chunk

import (
	"context"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/rangecache/api"
)

// ItemSource reads the persisted items of one cache.
type ItemSource interface {
	ItemsBetween(ctx context.Context, lo, hi time.Time, incLo, incHi bool) ([]api.Item, error)
	ItemsByID(ctx context.Context, ids []string) ([]api.Item, error)
}

// Tx collects the changes of one flush cycle against a cloned graph. Item
// reads see the persisted state overlaid with the writes made so far.
type Tx struct {
	g   *Graph
	src ItemSource

	cleared  bool
	upserted *roaring.Bitmap
	dropped  map[Handle]*Chunk
	absorbed map[Handle]Handle
	items    map[string]api.Item
	removed  map[string]struct{}
	changed  bool
}

// NewTx starts a transaction on g, which the transaction mutates in place.
func NewTx(g *Graph, src ItemSource) *Tx {
	return &Tx{
		g:        g,
		src:      src,
		upserted: roaring.New(),
		dropped:  make(map[Handle]*Chunk),
		absorbed: make(map[Handle]Handle),
		items:    make(map[string]api.Item),
		removed:  make(map[string]struct{}),
	}
}

func (tx *Tx) Graph() *Graph { return tx.g }

// Changed reports whether an access touch altered a boundary.
func (tx *Tx) Changed() bool { return tx.changed }

// Clear discards every chunk and item of the cache.
func (tx *Tx) Clear() {
	tx.cleared = true
	tx.g.chunks = make(map[Handle]*Chunk)
	tx.g.byID = make(map[int64]Handle)
	tx.g.order = nil
	tx.upserted.Clear()
	tx.dropped = make(map[Handle]*Chunk)
	tx.absorbed = make(map[Handle]Handle)
	tx.items = make(map[string]api.Item)
	tx.removed = make(map[string]struct{})
}

func (tx *Tx) mark(hs ...Handle) {
	for _, h := range hs {
		tx.upserted.Add(uint32(h))
	}
}

func (tx *Tx) create(c *Chunk) *Chunk {
	tx.mark(tx.g.add(c))
	return c
}

func (tx *Tx) drop(h Handle) {
	c, touched := tx.g.remove(h)
	if c == nil {
		return
	}
	tx.upserted.Remove(uint32(h))
	tx.dropped[h] = c
	tx.mark(touched...)
}

// resurrect puts back a chunk dropped in this transaction when a chunk with
// the same bounds and size is about to be created, so that rebuilding an
// unchanged range keeps its handles and ids.
func (tx *Tx) resurrect(start, end time.Time, count int) *Chunk {
	for h, c := range tx.dropped {
		if c.ID > 0 && c.ItemCount == count && c.Start.Equal(start) && c.End.Equal(end) {
			delete(tx.dropped, h)
			c.Next, c.Previous = Unknown, Unknown
			tx.g.restore(c)
			tx.mark(h)
			return c
		}
	}
	return nil
}

// reuseDroppedID hands out the id of a chunk dropped in this transaction so
// a replacement keeps its row.
func (tx *Tx) reuseDroppedID() int64 {
	for h, c := range tx.dropped {
		if c.ID > 0 {
			delete(tx.dropped, h)
			return c.ID
		}
	}
	return 0
}

func (tx *Tx) setNext(c *Chunk, l Link) {
	if c.Next != l {
		c.Next = l
		tx.mark(c.Handle)
	}
}

func (tx *Tx) setPrevious(c *Chunk, l Link) {
	if c.Previous != l {
		c.Previous = l
		tx.mark(c.Handle)
	}
}

// link makes newer and older direct neighbors, detaching whatever either of
// them pointed at before.
func (tx *Tx) link(newer, older *Chunk) {
	if newer.Previous == To(older.Handle) && older.Next == To(newer.Handle) {
		return
	}
	if p := tx.g.Follow(newer.Previous); p != nil && p != older && p.Next == To(newer.Handle) {
		tx.setNext(p, Unknown)
	}
	if n := tx.g.Follow(older.Next); n != nil && n != newer && n.Previous == To(older.Handle) {
		tx.setPrevious(n, Unknown)
	}
	tx.setPrevious(newer, To(older.Handle))
	tx.setNext(older, To(newer.Handle))
}

func (tx *Tx) putItem(it api.Item) {
	delete(tx.removed, it.ID)
	tx.items[it.ID] = it
}

func (tx *Tx) removeItem(id string) {
	delete(tx.items, id)
	tx.removed[id] = struct{}{}
}

func inRange(t, lo, hi time.Time, incLo, incHi bool) bool {
	if t.Before(lo) || (!incLo && t.Equal(lo)) {
		return false
	}
	if t.After(hi) || (!incHi && t.Equal(hi)) {
		return false
	}
	return true
}

func sortItemsDesc(items []api.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}

func (tx *Tx) itemsBetween(ctx context.Context, lo, hi time.Time, incLo, incHi bool) ([]api.Item, error) {
	var base []api.Item
	if !tx.cleared && tx.src != nil {
		var err error
		base, err = tx.src.ItemsBetween(ctx, lo, hi, incLo, incHi)
		if err != nil {
			return nil, err
		}
	}
	out := make([]api.Item, 0, len(base))
	for _, it := range base {
		if _, gone := tx.removed[it.ID]; gone {
			continue
		}
		if _, shadowed := tx.items[it.ID]; shadowed {
			continue
		}
		out = append(out, it)
	}
	for _, it := range tx.items {
		if inRange(it.CreatedAt, lo, hi, incLo, incHi) {
			out = append(out, it)
		}
	}
	sortItemsDesc(out)
	return out, nil
}

func (tx *Tx) itemsByID(ctx context.Context, ids []string) ([]api.Item, error) {
	out := make([]api.Item, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if _, gone := tx.removed[id]; gone {
			continue
		}
		if it, ok := tx.items[id]; ok {
			out = append(out, it)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 && !tx.cleared && tx.src != nil {
		found, err := tx.src.ItemsByID(ctx, missing)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// Delta is what a transaction asks the store to persist.
type Delta struct {
	// Cleared deletes every persisted chunk and item before the rest applies.
	Cleared bool
	// Upserted lists modified or new chunks, newest first.
	Upserted []Handle
	// Deleted lists persisted ids of removed chunks.
	Deleted []int64
	Items   []api.Item
	Removed []string
	// Forward maps merged-away handles to the chunk that absorbed them.
	Forward map[Handle]Handle
}

// ChunksChanged reports whether any chunk row changes.
func (d Delta) ChunksChanged() bool {
	return d.Cleared || len(d.Upserted) > 0 || len(d.Deleted) > 0
}

// ItemsChanged reports whether any item row changes.
func (d Delta) ItemsChanged() bool {
	return d.Cleared || len(d.Items) > 0 || len(d.Removed) > 0
}

func (d Delta) Empty() bool {
	return !d.ChunksChanged() && !d.ItemsChanged()
}

// Delta compares the transaction graph against base, the graph it was
// cloned from, and drops upserts that ended up identical.
func (tx *Tx) Delta(base *Graph) Delta {
	d := Delta{Cleared: tx.cleared, Forward: make(map[Handle]Handle, len(tx.absorbed))}
	it := tx.upserted.Iterator()
	for it.HasNext() {
		h := Handle(it.Next())
		c := tx.g.Get(h)
		if c == nil {
			continue
		}
		if !tx.cleared && base != nil {
			if o := base.Get(h); o != nil && o.ID > 0 && c.sameAs(o) {
				continue
			}
		}
		d.Upserted = append(d.Upserted, h)
	}
	sort.SliceStable(d.Upserted, func(i, j int) bool {
		return tx.g.Get(d.Upserted[i]).Start.After(tx.g.Get(d.Upserted[j]).Start)
	})
	if !tx.cleared {
		for _, c := range tx.dropped {
			if c.ID > 0 {
				d.Deleted = append(d.Deleted, c.ID)
			}
		}
		sort.Slice(d.Deleted, func(i, j int) bool { return d.Deleted[i] < d.Deleted[j] })
	}
	for _, it := range tx.items {
		d.Items = append(d.Items, it)
	}
	sortItemsDesc(d.Items)
	for id := range tx.removed {
		d.Removed = append(d.Removed, id)
	}
	sort.Strings(d.Removed)
	for from := range tx.absorbed {
		d.Forward[from] = tx.forward(from)
	}
	return d
}

func (tx *Tx) forward(h Handle) Handle {
	seen := 0
	for {
		next, ok := tx.absorbed[h]
		if !ok || seen > len(tx.absorbed) {
			return h
		}
		h = next
		seen++
	}
}
