package chunk

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/agentic-research/rangecache/api"
)

// Prepared classifies the existing chunks around an incoming range.
type Prepared struct {
	// Equal has exactly the bounds of the range.
	Equal Handle
	// Next is the newer neighbor the range touches or overlaps.
	Next Handle
	// Previous is the older neighbor the range touches or overlaps.
	Previous Handle
	// ContainedIn strictly contains the range.
	ContainedIn Handle
}

// ValidateRange checks that items can be a complete set for the window
// described by opts.
func ValidateRange(items []api.Item, opts api.RangeOptions) error {
	if opts.IsStartOfList && opts.CreatedAfter != nil {
		return fmt.Errorf("%w: createdAfter cannot be combined with start of list", ErrIncompleteRange)
	}
	if opts.CreatedAfter != nil && opts.CreatedBefore != nil && !opts.CreatedAfter.Before(*opts.CreatedBefore) {
		return fmt.Errorf("%w: createdAfter %v is not before createdBefore %v", ErrIncompleteRange, *opts.CreatedAfter, *opts.CreatedBefore)
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.ID == "" || it.CreatedAt.IsZero() {
			return fmt.Errorf("%w: id=%q createdAt=%v", ErrInvalidItem, it.ID, it.CreatedAt)
		}
		if it.Pending {
			return fmt.Errorf("%w: pending item %s in fetched range", ErrIncompleteRange, it.ID)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("%w: duplicate item %s", ErrIncompleteRange, it.ID)
		}
		seen[it.ID] = struct{}{}
		if opts.CreatedAfter != nil && !it.CreatedAt.After(*opts.CreatedAfter) {
			return fmt.Errorf("%w: item %s is not after createdAfter", ErrIncompleteRange, it.ID)
		}
		if opts.CreatedBefore != nil && !it.CreatedAt.Before(*opts.CreatedBefore) {
			return fmt.Errorf("%w: item %s is not before createdBefore", ErrIncompleteRange, it.ID)
		}
	}
	return nil
}

// AddCompleteItemRange reconciles a complete, gap-free item range with what
// is cached for its window: missing items are deleted, newer ones updated,
// unknown ones inserted, and superseded chunks replaced.
func (e *Engine) AddCompleteItemRange(ctx context.Context, tx *Tx, items []api.Item, opts api.RangeOptions) error {
	if err := ValidateRange(items, opts); err != nil {
		return err
	}
	sorted := append([]api.Item(nil), items...)
	sortItemsDesc(sorted)

	var start, end time.Time
	switch {
	case len(sorted) > 0:
		start = sorted[len(sorted)-1].CreatedAt
	case opts.CreatedAfter != nil:
		start = *opts.CreatedAfter
	default:
		start = api.Epoch
	}
	switch {
	case len(sorted) > 0:
		end = sorted[0].CreatedAt
	case opts.CreatedBefore != nil:
		end = *opts.CreatedBefore
	default:
		end = e.now().Add(-time.Second)
	}

	lo, hi := start, end
	if opts.CreatedAfter != nil {
		lo = *opts.CreatedAfter
	}
	if opts.CreatedBefore != nil {
		hi = *opts.CreatedBefore
	}
	if opts.IsStartOfList {
		lo = api.Epoch
	}
	cached, err := tx.itemsBetween(ctx, lo, hi, opts.CreatedAfter == nil, opts.CreatedBefore == nil)
	if err != nil {
		return fmt.Errorf("query cached range: %w", err)
	}

	incoming := make(map[string]api.Item, len(sorted))
	for _, it := range sorted {
		incoming[it.ID] = it
	}
	var stale []api.Item
	for _, old := range cached {
		if old.Pending {
			continue
		}
		it, ok := incoming[old.ID]
		if !ok {
			stale = append(stale, old)
			continue
		}
		if old.UpdatedAt.Before(it.UpdatedAt) {
			tx.putItem(it)
		}
		delete(incoming, old.ID)
	}
	fresh := make(map[string]bool, len(incoming))
	for id, it := range incoming {
		tx.putItem(it)
		fresh[id] = true
	}
	if err := e.DeleteItemsFromChunks(ctx, tx, stale); err != nil {
		return err
	}

	flags := opts
	p, err := e.PrepareItemRangeInsert(tx, start, end, &flags)
	if err != nil {
		return err
	}
	e.logger().Debug("prepared item range insert",
		"equal", p.Equal, "next", p.Next, "previous", p.Previous, "containedIn", p.ContainedIn)

	g := tx.g
	wm := e.lastDisconnect()

	if len(items) == 0 && flags.IsEndOfList && flags.IsStartOfList {
		return e.markEmpty(tx)
	}

	switch {
	case p.ContainedIn != None:
		c := g.Get(p.ContainedIn)
		for id := range fresh {
			if c.Contains(incoming[id].CreatedAt) {
				c.ItemCount++
				tx.mark(c.Handle)
			}
		}
		if flags.IsEndOfList && !c.Next.IsEnd() {
			if !c.Next.IsUnknown() {
				return integrity("containing chunk has a newer neighbor but range is end of list", c.Handle)
			}
			tx.setNext(c, EndOfList)
		}

	case p.Equal != None:
		c := g.Get(p.Equal)
		if c.ItemCount != len(items) {
			c.ItemCount = len(items)
			c.LastAccessed = e.now()
			tx.mark(c.Handle)
		}
		if c.LastUpdate.Before(wm) {
			c.LastUpdate = wm
			tx.mark(c.Handle)
		}
		if p.Next != None {
			n := g.Get(p.Next)
			if old := g.Follow(c.Next); old != nil && old != n {
				e.logger().Warn("equal chunk already had a different next chunk", "chunk", c.String(), "next", old.String())
			}
			if !n.Previous.IsUnknown() && n.Previous != To(c.Handle) {
				e.logger().Warn("next candidate already has a previous chunk", "chunk", n.String())
			}
			tx.link(n, c)
		}
		if p.Previous != None {
			pc := g.Get(p.Previous)
			if old := g.Follow(c.Previous); old != nil && old != pc {
				e.logger().Warn("equal chunk already had a different previous chunk", "chunk", c.String(), "previous", old.String())
			}
			if flags.IsStartOfList {
				e.logger().Warn("previous candidate present while range is start of list", "chunk", c.String())
			}
			tx.link(c, pc)
		}
		if flags.IsEndOfList && c.Next.IsUnknown() && g.Newest() == c {
			tx.setNext(c, EndOfList)
		}
		if flags.IsStartOfList && !c.Previous.IsEnd() {
			if pc := g.Follow(c.Previous); pc != nil {
				tx.setNext(pc, Unknown)
			}
			tx.setPrevious(c, EndOfList)
		}

	default:
		next, prev := g.Get(p.Next), g.Get(p.Previous)
		remaining := sorted
		for _, h := range []Handle{p.Previous, p.Next} {
			if h != None {
				remaining = e.removeContained(tx, h, remaining, fresh)
			}
		}
		// Each neighbor only takes items on its own side of the other one.
		if prev != nil && len(remaining) > 0 {
			cut := len(remaining)
			if next != nil {
				cut = olderThan(remaining, next.Start)
			}
			older := e.FillAndRemoveDuplicateItems(tx, p.Previous, remaining[cut:], false, fresh)
			remaining = slices.Concat(remaining[:cut], older)
		}
		if next != nil && len(remaining) > 0 {
			cut := len(remaining)
			if prev != nil {
				cut = olderThan(remaining, prev.End.Add(time.Nanosecond))
			}
			newer := e.FillAndRemoveDuplicateItems(tx, p.Next, remaining[:cut], true, fresh)
			remaining = slices.Concat(newer, remaining[cut:])
		}
		switch {
		case len(remaining) > 0:
			return e.CreateChunksFromSortedItems(tx, remaining, flags.IsStartOfList, flags.IsEndOfList, p.Next, p.Previous)
		case next != nil && prev != nil:
			tx.link(next, prev)
		case prev != nil && flags.IsEndOfList:
			tx.setNext(prev, EndOfList)
		case next != nil && flags.IsStartOfList:
			tx.setPrevious(next, EndOfList)
		}
	}
	return nil
}

// markEmpty records a verified empty list as a single placeholder chunk.
func (e *Engine) markEmpty(tx *Tx) error {
	g := tx.g
	wm := e.lastDisconnect()
	switch g.Len() {
	case 0:
		tx.create(&Chunk{
			ID:           tx.reuseDroppedID(),
			Start:        api.Epoch,
			End:          wm,
			LastAccessed: e.now(),
			LastUpdate:   wm,
			Next:         EndOfList,
			Previous:     EndOfList,
		})
		return nil
	case 1:
		c := g.Newest()
		if c.ItemCount != 0 {
			return integrity("empty range but a chunk with items is left", c.Handle)
		}
		c.Start, c.End = api.Epoch, wm
		c.LastUpdate = wm
		c.Next, c.Previous = EndOfList, EndOfList
		tx.mark(c.Handle)
		return nil
	default:
		return integrity(fmt.Sprintf("empty range but %d chunks are left", g.Len()))
	}
}

// PrepareItemRangeInsert scans the chunks newest to oldest and classifies
// them against the range [start, end]. Fully superseded chunks are removed,
// and their outer links inherited. opts is corrected in place when an
// end-of-list claim contradicts a newer chunk, or when a superseded chunk
// was the start of the list.
func (e *Engine) PrepareItemRangeInsert(tx *Tx, start, end time.Time, opts *api.RangeOptions) (Prepared, error) {
	var p Prepared
	var superseded []Handle
	before, after := opts.CreatedBefore, opts.CreatedAfter
	g := tx.g

scan:
	for _, h := range g.handles() {
		c := g.Get(h)
		if opts.IsEndOfList && c.End.After(end) {
			e.logger().Warn("range claims end of list but a newer chunk exists", "chunk", c.String())
			opts.IsEndOfList = false
		}
		switch {
		case end.Equal(c.End) && start.Equal(c.Start):
			p.Equal = h
		case (!end.Before(c.End) || (before != nil && before.After(c.End))) &&
			(!start.After(c.Start) || (after != nil && after.Before(c.Start))):
			superseded = append(superseded, h)
		case (!end.Before(c.End) && !start.Before(c.Start) && !start.After(c.End)) ||
			(after != nil && c.End.Equal(*after)):
			p.Previous = h
			break scan
		case (!end.Before(c.Start) && !start.After(c.Start) && !end.After(c.End)) ||
			(before != nil && c.Start.Equal(*before)):
			if opts.IsEndOfList {
				e.logger().Warn("range claims end of list but a newer neighbor exists", "chunk", c.String())
				opts.IsEndOfList = false
			}
			p.Next = h
		case !start.Before(c.Start) && !end.After(c.End):
			p.ContainedIn = h
		case c.End.Before(start):
			if c.Next.IsEnd() {
				e.logger().Warn("older chunk claimed end of list, resetting", "chunk", c.String())
				tx.setNext(c, Unknown)
			}
			break scan
		}
	}

	if len(superseded) == 0 {
		return p, nil
	}
	newest := g.Get(superseded[0])
	oldest := g.Get(superseded[len(superseded)-1])
	if n, ok := newest.Next.Chunk(); ok {
		if p.Next == None {
			p.Next = n
		} else if p.Next != n {
			return p, integrity("conflicting next candidates", p.Next, n)
		}
	}
	if oldest.Previous.IsEnd() {
		opts.IsStartOfList = true
		if p.Previous != None {
			return p, integrity("superseded chunk was start of list but a previous candidate exists", p.Previous, oldest.Handle)
		}
	} else if pv, ok := oldest.Previous.Chunk(); ok {
		if p.Previous == None {
			p.Previous = pv
		} else if p.Previous != pv {
			return p, integrity("conflicting previous candidates", p.Previous, pv)
		}
	}
	for _, h := range superseded {
		tx.drop(h)
	}
	return p, nil
}

// FillAndRemoveDuplicateItems drops the items already inside the chunk and
// tops the chunk up to the target size with the items adjacent to it. With
// fromStart the chunk is newer than the items and takes the newest ones;
// otherwise it is older and takes the oldest ones. Items in fresh are not
// yet counted anywhere. The items not absorbed are returned, newest first.
func (e *Engine) FillAndRemoveDuplicateItems(tx *Tx, h Handle, items []api.Item, fromStart bool, fresh map[string]bool) []api.Item {
	c := tx.g.Get(h)
	remaining := e.removeContained(tx, h, items, fresh)
	if c.ItemCount >= e.Sizes.Target || len(remaining) == 0 {
		return remaining
	}
	room := e.Sizes.Target - c.ItemCount
	if fromStart {
		if remaining[0].CreatedAt.After(c.End) {
			e.logger().Error("fill: newest remaining item is newer than the next chunk", "chunk", c.String())
			return remaining
		}
		n := min(room, len(remaining))
		added := remaining[:n]
		remaining = remaining[n:]
		c.ItemCount += n
		if oldest := added[n-1].CreatedAt; oldest.Before(c.Start) {
			c.Start = oldest
		}
	} else {
		if remaining[len(remaining)-1].CreatedAt.Before(c.Start) {
			e.logger().Error("fill: oldest remaining item is older than the previous chunk", "chunk", c.String())
			return remaining
		}
		n := min(room, len(remaining))
		added := remaining[len(remaining)-n:]
		remaining = remaining[:len(remaining)-n]
		c.ItemCount += n
		if newest := added[0].CreatedAt; newest.After(c.End) {
			c.End = newest
		}
	}
	c.LastAccessed = e.now()
	tx.mark(h)
	return remaining
}

// removeContained drops the items inside chunk h, counting the fresh ones.
func (e *Engine) removeContained(tx *Tx, h Handle, items []api.Item, fresh map[string]bool) []api.Item {
	c := tx.g.Get(h)
	remaining := make([]api.Item, 0, len(items))
	for _, it := range items {
		if c.Contains(it.CreatedAt) {
			if fresh[it.ID] {
				c.ItemCount++
				tx.mark(h)
			}
			continue
		}
		remaining = append(remaining, it)
	}
	return remaining
}

// olderThan returns the index of the first item of items (newest first)
// created before t.
func olderThan(items []api.Item, t time.Time) int {
	return sort.Search(len(items), func(i int) bool { return items[i].CreatedAt.Before(t) })
}

// CreateChunksFromSortedItems splits items (newest first) into chunks of the
// target size and splices them between next and previous, or marks the
// outer ends as list boundaries.
func (e *Engine) CreateChunksFromSortedItems(tx *Tx, items []api.Item, startOfList, endOfList bool, next, previous Handle) error {
	if len(items) == 0 {
		return nil
	}
	if endOfList && next != None {
		return integrity("cannot have a next chunk when the range is end of list", next)
	}
	if startOfList && previous != None {
		return integrity("cannot have a previous chunk when the range is start of list", previous)
	}
	now := e.now()
	wm := e.lastDisconnect()

	var created []*Chunk
	for rest := items; len(rest) > 0; {
		n := min(e.Sizes.Target, len(rest))
		group := rest[:n]
		rest = rest[n:]
		lo, hi := group[len(group)-1].CreatedAt, group[0].CreatedAt
		if c := tx.resurrect(lo, hi, len(group)); c != nil {
			if c.LastUpdate.Before(wm) {
				c.LastUpdate = wm
			}
			created = append(created, c)
			continue
		}
		created = append(created, tx.create(&Chunk{
			Start:        lo,
			End:          hi,
			ItemCount:    len(group),
			LastAccessed: now,
			LastUpdate:   wm,
		}))
	}
	for i := 1; i < len(created); i++ {
		tx.link(created[i-1], created[i])
	}
	first, last := created[0], created[len(created)-1]
	if n := tx.g.Get(next); n != nil {
		tx.link(n, first)
	} else if endOfList {
		tx.setNext(first, EndOfList)
	}
	if p := tx.g.Get(previous); p != nil {
		tx.link(last, p)
	} else if startOfList {
		tx.setPrevious(last, EndOfList)
	}
	return nil
}
