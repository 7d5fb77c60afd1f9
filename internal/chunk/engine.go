package chunk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/rangecache/api"
)

// AccessResolution is the granularity of LastAccessed bookkeeping.
const AccessResolution = 24 * time.Hour

// Engine runs the reconciliation algorithms over a Tx. It holds no graph
// state of its own.
type Engine struct {
	Sizes     Sizes
	Watermark Watermark
	Now       func() time.Time
	Log       *slog.Logger
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Engine) lastDisconnect() time.Time {
	if e.Watermark == nil {
		return time.Time{}
	}
	return e.Watermark.LastDisconnect()
}

func (e *Engine) connected() bool {
	return e.Watermark != nil && e.Watermark.Connected()
}

// Clear drops every chunk and item.
func (e *Engine) Clear(tx *Tx) {
	tx.Clear()
}

// AddNewItem inserts a single item that was just created remotely.
func (e *Engine) AddNewItem(ctx context.Context, tx *Tx, item api.Item) error {
	if item.ID == "" || item.CreatedAt.IsZero() {
		return fmt.Errorf("%w: id=%q createdAt=%v", ErrInvalidItem, item.ID, item.CreatedAt)
	}
	existing, err := tx.itemsByID(ctx, []string{item.ID})
	if err != nil {
		return fmt.Errorf("lookup item %s: %w", item.ID, err)
	}
	if len(existing) > 0 && !(existing[0].Pending && !item.Pending) {
		old := existing[0]
		if old.UpdatedAt.Before(item.UpdatedAt) {
			item.CreatedAt = old.CreatedAt
			item.Pending = old.Pending
			tx.putItem(item)
		}
		return nil
	}
	// A confirmed copy of a pending item is placed like a new one.
	tx.putItem(item)
	if item.Pending {
		return nil
	}

	g := tx.g
	if c := g.Containing(item.CreatedAt); c != nil {
		c.ItemCount++
		tx.mark(c.Handle)
		return nil
	}

	wm := e.lastDisconnect()
	newest := g.Newest()
	switch {
	case newest == nil:
		e.addSingleItemChunk(tx, item, nil)
	case item.CreatedAt.Before(newest.Start):
		// Older than everything newest claims but outside any chunk: it
		// cannot be attached without swallowing a gap.
		c := tx.create(&Chunk{
			Start:        item.CreatedAt,
			End:          item.CreatedAt,
			ItemCount:    1,
			LastAccessed: e.now(),
			LastUpdate:   wm,
		})
		e.logger().Debug("new item outside cached chunks", "item", item.ID, "chunk", c.Handle)
	case !newest.Next.IsEnd():
		e.addSingleItemChunk(tx, item, nil)
	case !newest.LastUpdate.Before(wm) || newest.ItemCount == 0:
		if newest.ItemCount < e.Sizes.Target {
			if newest.End.Before(item.CreatedAt) {
				newest.End = item.CreatedAt
			}
			newest.LastAccessed = e.now()
			if newest.ItemCount == 0 && newest.LastUpdate.Before(wm) {
				newest.LastUpdate = wm
			}
			newest.ItemCount++
			tx.mark(newest.Handle)
		} else {
			e.addSingleItemChunk(tx, item, newest)
		}
	default:
		// Stale end of list: it was verified before the last disconnect, so the
		// new item may not directly follow it.
		tx.setNext(newest, Unknown)
		e.addSingleItemChunk(tx, item, nil)
	}
	return nil
}

func (e *Engine) addSingleItemChunk(tx *Tx, item api.Item, previous *Chunk) {
	c := tx.create(&Chunk{
		Start:        item.CreatedAt,
		End:          item.CreatedAt,
		ItemCount:    1,
		LastAccessed: e.now(),
		LastUpdate:   e.lastDisconnect(),
		Next:         EndOfList,
	})
	if previous != nil {
		tx.link(c, previous)
	}
}

// Touch records read access for the chunks with the given persisted ids. It
// also demotes a stale end-of-list boundary to unknown, and reports whether
// that happened.
func (e *Engine) Touch(tx *Tx, ids []int64) bool {
	now := e.now()
	wm := e.lastDisconnect()
	changed := false
	for _, id := range ids {
		c := tx.g.ByID(id)
		if c == nil {
			continue
		}
		if now.Sub(c.LastAccessed) >= AccessResolution {
			c.LastAccessed = now
			tx.mark(c.Handle)
		}
		if c.Next.IsEnd() && c.LastUpdate.Before(wm) {
			tx.setNext(c, Unknown)
			changed = true
		}
	}
	if changed {
		tx.changed = true
	}
	return changed
}

// MergeChunks absorbs obsolete into target. The two must be direct neighbors.
func (e *Engine) MergeChunks(tx *Tx, target, obsolete Handle) error {
	g := tx.g
	t, o := g.Get(target), g.Get(obsolete)
	if t == nil || o == nil {
		return integrity("merge of a missing chunk", target, obsolete)
	}
	switch {
	case t.Next == To(obsolete) && o.Previous == To(target):
		t.Next = o.Next
		if n := g.Follow(t.Next); n != nil {
			n.Previous = To(target)
			tx.mark(n.Handle)
		}
		t.End = o.End
	case t.Previous == To(obsolete) && o.Next == To(target):
		t.Previous = o.Previous
		if p := g.Follow(t.Previous); p != nil {
			p.Next = To(target)
			tx.mark(p.Handle)
		}
		t.Start = o.Start
	default:
		e.logger().Error("chunks to merge are not connected", "target", t.String(), "obsolete", o.String())
		return integrity("chunks to merge are not connected", target, obsolete)
	}
	t.ItemCount += o.ItemCount
	if o.LastUpdate.Before(t.LastUpdate) {
		t.LastUpdate = o.LastUpdate
	}
	if o.LastAccessed.After(t.LastAccessed) {
		t.LastAccessed = o.LastAccessed
	}
	o.Next, o.Previous = Unknown, Unknown
	tx.mark(target)
	tx.drop(obsolete)
	tx.absorbed[obsolete] = target
	return nil
}

// OptimizeChunks merges or removes undersized chunks among candidates. When
// neither neighbor has room, items are moved over from the larger one.
func (e *Engine) OptimizeChunks(ctx context.Context, tx *Tx, candidates []Handle) error {
	g := tx.g
	limit := e.Sizes.Max
	for _, h := range candidates {
		c := g.Get(h)
		if c == nil || c.ItemCount >= e.Sizes.Min {
			continue
		}
		next, prev := g.Follow(c.Next), g.Follow(c.Previous)
		var err error
		switch {
		case next != nil && prev != nil:
			if prev.ItemCount <= next.ItemCount && prev.ItemCount+c.ItemCount <= limit {
				err = e.MergeChunks(tx, prev.Handle, h)
			} else if next.ItemCount+c.ItemCount <= limit || c.ItemCount == 0 {
				err = e.MergeChunks(tx, next.Handle, h)
			} else if prev.ItemCount >= next.ItemCount {
				err = e.rebalance(ctx, tx, c, prev)
			} else {
				err = e.rebalance(ctx, tx, c, next)
			}
		case next != nil && (next.ItemCount+c.ItemCount <= limit || c.ItemCount == 0):
			err = e.MergeChunks(tx, next.Handle, h)
		case prev != nil && (prev.ItemCount+c.ItemCount <= limit || c.ItemCount == 0):
			err = e.MergeChunks(tx, prev.Handle, h)
		case next != nil:
			err = e.rebalance(ctx, tx, c, next)
		case prev != nil:
			err = e.rebalance(ctx, tx, c, prev)
		case c.ItemCount == 0 && g.Len() > 1:
			tx.drop(h)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// rebalance moves items across the boundary between c and its direct
// neighbor n until both hold about half of their combined items.
func (e *Engine) rebalance(ctx context.Context, tx *Tx, c, n *Chunk) error {
	all, err := tx.itemsBetween(ctx, n.Start, n.End, true, true)
	if err != nil {
		return fmt.Errorf("read items of %s: %w", n, err)
	}
	items := all[:0]
	for _, it := range all {
		if !it.Pending {
			items = append(items, it)
		}
	}
	if len(items) != n.ItemCount {
		e.logger().Warn("chunk item count does not match stored items, not rebalancing",
			"chunk", n.String(), "stored", len(items))
		return nil
	}
	k := (n.ItemCount - c.ItemCount) / 2
	if k <= 0 {
		return nil
	}
	newer := c.Next == To(n.Handle)
	// Items sharing a createdAt cannot be split across chunks.
	for ; k > 0; k-- {
		var moved, kept api.Item
		if newer {
			moved, kept = items[len(items)-k], items[len(items)-k-1]
		} else {
			moved, kept = items[k-1], items[k]
		}
		if !moved.CreatedAt.Equal(kept.CreatedAt) {
			break
		}
	}
	if k == 0 {
		return nil
	}
	if newer {
		c.End = items[len(items)-k].CreatedAt
		n.Start = items[len(items)-k-1].CreatedAt
	} else {
		c.Start = items[k-1].CreatedAt
		n.End = items[k].CreatedAt
	}
	c.ItemCount += k
	n.ItemCount -= k
	if n.LastUpdate.Before(c.LastUpdate) {
		c.LastUpdate = n.LastUpdate
	}
	tx.mark(c.Handle, n.Handle)
	e.logger().Debug("rebalanced chunks", "chunk", c.String(), "neighbor", n.String(), "moved", k)
	return nil
}

// DeleteItemsFromChunks removes items and decrements the chunks holding
// them. Items and chunks are both walked newest first.
func (e *Engine) DeleteItemsFromChunks(ctx context.Context, tx *Tx, items []api.Item) error {
	if len(items) == 0 {
		return nil
	}
	sorted := append([]api.Item(nil), items...)
	sortItemsDesc(sorted)

	order := tx.g.handles()
	idx := 0
	queued := roaring.New()
	var optimize []Handle
	for _, it := range sorted {
		tx.removeItem(it.ID)
		if it.Pending {
			continue
		}
		var c *Chunk
		for idx < len(order) {
			c = tx.g.Get(order[idx])
			if c != nil && !c.Start.After(it.CreatedAt) {
				break
			}
			c = nil
			idx++
		}
		if c == nil || c.End.Before(it.CreatedAt) {
			e.logger().Warn("item to delete can't be matched with a chunk",
				"item", it.ID, "createdAt", it.CreatedAt, "chunks", tx.g)
			continue
		}
		c.ItemCount--
		if c.ItemCount < 0 {
			c.ItemCount = 0
			e.logger().Warn("chunk item count below zero", "chunk", c.String())
		}
		tx.mark(c.Handle)
		if c.ItemCount < e.Sizes.Min && !queued.Contains(uint32(c.Handle)) {
			queued.Add(uint32(c.Handle))
			optimize = append(optimize, c.Handle)
		}
	}
	return e.OptimizeChunks(ctx, tx, optimize)
}

// DeleteItems removes the items with the given ids. Unknown ids are ignored.
func (e *Engine) DeleteItems(ctx context.Context, tx *Tx, ids []string) error {
	items, err := tx.itemsByID(ctx, ids)
	if err != nil {
		return fmt.Errorf("lookup items to delete: %w", err)
	}
	return e.DeleteItemsFromChunks(ctx, tx, items)
}

// UpdateItems applies partial updates to existing items. CreatedAt never
// changes and patches for unknown ids are ignored.
func (e *Engine) UpdateItems(ctx context.Context, tx *Tx, patches []api.ItemPatch) error {
	ids := make([]string, len(patches))
	for i, p := range patches {
		ids[i] = p.ID
	}
	existing, err := tx.itemsByID(ctx, ids)
	if err != nil {
		return fmt.Errorf("lookup items to update: %w", err)
	}
	byID := make(map[string]api.Item, len(existing))
	for _, it := range existing {
		byID[it.ID] = it
	}
	for _, p := range patches {
		it, ok := byID[p.ID]
		if !ok {
			continue
		}
		payload, err := MergePayload(it.Payload, p.Fields)
		if err != nil {
			e.logger().Warn("skipping item patch", "item", p.ID, "error", err)
			continue
		}
		it.Payload = payload
		if p.UpdatedAt != nil {
			it.UpdatedAt = *p.UpdatedAt
		}
		byID[p.ID] = it
		tx.putItem(it)
	}
	return nil
}

// MergePayload merges fields into the top level of a JSON object. A null
// field value deletes the key.
func MergePayload(payload json.RawMessage, fields map[string]json.RawMessage) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
	}
	for k, v := range fields {
		if len(v) == 0 || string(v) == "null" {
			delete(obj, k)
			continue
		}
		obj[k] = v
	}
	return json.Marshal(obj)
}

// ApplyRangeUpdates stores the answers to range re-fetches. A chunk whose
// bounds exactly match a job is marked fresh as of the watermark.
func (e *Engine) ApplyRangeUpdates(ctx context.Context, tx *Tx, results []api.RangeUpdateResult) error {
	sorted := append([]api.RangeUpdateResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Job.RangeEnd.After(sorted[j].Job.RangeEnd)
	})

	fresh := e.lastDisconnect()
	if !e.connected() {
		fresh = fresh.Add(-time.Millisecond)
	}
	// Walk the full order, not the links: islands have no path to Newest.
	order := tx.g.Ordered()
	idx := 0
	for _, r := range sorted {
		for idx < len(order) && order[idx].End.After(r.Job.RangeEnd) {
			idx++
		}
		if idx == len(order) {
			break
		}
		c := order[idx]
		if c.Start.Equal(r.Job.RangeStart) && c.End.Equal(r.Job.RangeEnd) && !c.LastUpdate.Equal(fresh) {
			c.LastUpdate = fresh
			tx.mark(c.Handle)
		}
	}

	for _, r := range sorted {
		for _, it := range r.Updated {
			if err := e.upsertCounted(ctx, tx, it); err != nil {
				return err
			}
		}
		if len(r.DeletedIDs) > 0 {
			if err := e.DeleteItems(ctx, tx, r.DeletedIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertCounted stores an item coming from a diff and counts it in the chunk
// covering it when it is new.
func (e *Engine) upsertCounted(ctx context.Context, tx *Tx, it api.Item) error {
	if it.ID == "" || it.CreatedAt.IsZero() {
		return fmt.Errorf("%w: id=%q createdAt=%v", ErrInvalidItem, it.ID, it.CreatedAt)
	}
	existing, err := tx.itemsByID(ctx, []string{it.ID})
	if err != nil {
		return fmt.Errorf("lookup item %s: %w", it.ID, err)
	}
	if len(existing) > 0 {
		old := existing[0]
		if !old.Pending {
			if old.UpdatedAt.Before(it.UpdatedAt) {
				it.CreatedAt = old.CreatedAt
				tx.putItem(it)
			}
			return nil
		}
	}
	it.Pending = false
	tx.putItem(it)
	if c := tx.g.Containing(it.CreatedAt); c != nil {
		c.ItemCount++
		tx.mark(c.Handle)
	}
	return nil
}
