package chunk

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// Graph is an arena of chunks addressed by Handle, kept ordered newest first.
// A Graph is not safe for concurrent mutation; readers share immutable
// snapshots and writers work on a Clone.
type Graph struct {
	chunks map[Handle]*Chunk
	order  []Handle
	byID   map[int64]Handle
	last   Handle
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		chunks: make(map[Handle]*Chunk),
		byID:   make(map[int64]Handle),
	}
}

// Load links persisted records into a graph. A link to a missing chunk, or
// a link whose target does not point back, is an integrity error.
func Load(records []Record) (*Graph, error) {
	g := New()
	byID := make(map[int64]*Record, len(records))
	for i := range records {
		r := &records[i]
		if r.ID <= 0 {
			return nil, integrity(fmt.Sprintf("persisted chunk with invalid id %d", r.ID))
		}
		byID[r.ID] = r
	}
	for i := range records {
		r := &records[i]
		g.add(&Chunk{
			ID:           r.ID,
			Start:        r.Start,
			End:          r.End,
			ItemCount:    r.ItemCount,
			LastAccessed: r.LastAccessed,
			LastUpdate:   r.LastUpdate,
		})
	}
	for i := range records {
		r := &records[i]
		c := g.ByID(r.ID)
		switch r.NextID {
		case 0:
		case EndOfListID:
			c.Next = EndOfList
		default:
			n, ok := byID[r.NextID]
			if !ok || n.PreviousID != r.ID {
				return nil, integrity(fmt.Sprintf("chunk %d: next chunk %d missing or not linked back", r.ID, r.NextID), c.Handle)
			}
			c.Next = To(g.byID[r.NextID])
		}
		switch r.PreviousID {
		case 0:
		case EndOfListID:
			c.Previous = EndOfList
		default:
			p, ok := byID[r.PreviousID]
			if !ok || p.NextID != r.ID {
				return nil, integrity(fmt.Sprintf("chunk %d: previous chunk %d missing or not linked back", r.ID, r.PreviousID), c.Handle)
			}
			c.Previous = To(g.byID[r.PreviousID])
		}
	}
	g.sort()
	return g, nil
}

// Clone returns a deep copy that keeps every handle.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		chunks: make(map[Handle]*Chunk, len(g.chunks)),
		order:  append([]Handle(nil), g.order...),
		byID:   make(map[int64]Handle, len(g.byID)),
		last:   g.last,
	}
	for h, c := range g.chunks {
		cp := *c
		out.chunks[h] = &cp
	}
	for id, h := range g.byID {
		out.byID[id] = h
	}
	return out
}

func (g *Graph) Len() int { return len(g.order) }

// Get returns the chunk for h, or nil.
func (g *Graph) Get(h Handle) *Chunk { return g.chunks[h] }

// ByID returns the chunk with the persisted id, or nil.
func (g *Graph) ByID(id int64) *Chunk {
	if id <= 0 {
		return nil
	}
	h, ok := g.byID[id]
	if !ok {
		return nil
	}
	return g.chunks[h]
}

// Newest returns the first chunk in order, or nil for an empty graph.
func (g *Graph) Newest() *Chunk {
	if len(g.order) == 0 {
		return nil
	}
	return g.chunks[g.order[0]]
}

// Oldest returns the last chunk in order, or nil for an empty graph.
func (g *Graph) Oldest() *Chunk {
	if len(g.order) == 0 {
		return nil
	}
	return g.chunks[g.order[len(g.order)-1]]
}

// Ordered returns the chunks newest first. The slice is a copy; the chunks
// are not.
func (g *Graph) Ordered() []*Chunk {
	out := make([]*Chunk, len(g.order))
	for i, h := range g.order {
		out[i] = g.chunks[h]
	}
	return out
}

func (g *Graph) handles() []Handle {
	return append([]Handle(nil), g.order...)
}

// Follow resolves a link to its chunk, or nil when it is not a chunk link.
func (g *Graph) Follow(l Link) *Chunk {
	h, ok := l.Chunk()
	if !ok {
		return nil
	}
	return g.chunks[h]
}

// Containing returns the chunk whose bounds include t, or nil.
func (g *Graph) Containing(t time.Time) *Chunk {
	for _, h := range g.order {
		c := g.chunks[h]
		if c.Contains(t) {
			return c
		}
		if c.End.Before(t) {
			return nil
		}
	}
	return nil
}

// SetID records the persisted id of a committed chunk.
func (g *Graph) SetID(h Handle, id int64) {
	c := g.chunks[h]
	if c == nil {
		return
	}
	if c.ID > 0 {
		delete(g.byID, c.ID)
	}
	c.ID = id
	if id > 0 {
		g.byID[id] = h
	}
}

// add allocates a handle for c and inserts it at its sorted position.
func (g *Graph) add(c *Chunk) Handle {
	g.last++
	c.Handle = g.last
	g.restore(c)
	return c.Handle
}

// restore inserts c under its existing handle.
func (g *Graph) restore(c *Chunk) {
	g.chunks[c.Handle] = c
	if c.ID > 0 {
		g.byID[c.ID] = c.Handle
	}
	i := sort.Search(len(g.order), func(i int) bool {
		return g.chunks[g.order[i]].Start.Before(c.Start)
	})
	g.order = append(g.order, None)
	copy(g.order[i+1:], g.order[i:])
	g.order[i] = c.Handle
}

// remove deletes h from the arena. Neighbors still pointing at h are reset
// to Unknown and returned so callers can record them as modified.
func (g *Graph) remove(h Handle) (*Chunk, []Handle) {
	c := g.chunks[h]
	if c == nil {
		return nil, nil
	}
	var touched []Handle
	if n := g.Follow(c.Next); n != nil && n.Previous == To(h) {
		n.Previous = Unknown
		touched = append(touched, n.Handle)
	}
	if p := g.Follow(c.Previous); p != nil && p.Next == To(h) {
		p.Next = Unknown
		touched = append(touched, p.Handle)
	}
	delete(g.chunks, h)
	if c.ID > 0 && g.byID[c.ID] == h {
		delete(g.byID, c.ID)
	}
	for i, o := range g.order {
		if o == h {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return c, touched
}

func (g *Graph) sort() {
	sort.SliceStable(g.order, func(i, j int) bool {
		return g.chunks[g.order[i]].Start.After(g.chunks[g.order[j]].Start)
	})
}

// Record converts a chunk to persisted form. Every linked chunk must already
// carry an id.
func (g *Graph) Record(h Handle) (Record, error) {
	c := g.chunks[h]
	if c == nil {
		return Record{}, integrity("record for missing chunk", h)
	}
	if c.ID <= 0 {
		return Record{}, integrity("record for chunk without id", h)
	}
	next, err := g.linkID(c, c.Next)
	if err != nil {
		return Record{}, err
	}
	prev, err := g.linkID(c, c.Previous)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:           c.ID,
		Start:        c.Start,
		End:          c.End,
		ItemCount:    c.ItemCount,
		LastAccessed: c.LastAccessed,
		LastUpdate:   c.LastUpdate,
		NextID:       next,
		PreviousID:   prev,
	}, nil
}

func (g *Graph) linkID(c *Chunk, l Link) (int64, error) {
	switch {
	case l.IsUnknown():
		return 0, nil
	case l.IsEnd():
		return EndOfListID, nil
	}
	t := g.Follow(l)
	if t == nil {
		return 0, integrity(fmt.Sprintf("link %s points at a missing chunk", l), c.Handle)
	}
	if t.ID <= 0 {
		return 0, integrity(fmt.Sprintf("link %s points at a chunk without id", l), c.Handle)
	}
	return t.ID, nil
}

// Apply merges persisted records produced by another writer. Deleted ids are
// dropped, known ids are updated in place keeping their handle, unknown ids
// get new handles. Links are resolved against the updated records first and
// the existing chunks second, and every resolved link is mirrored on its target.
func (g *Graph) Apply(updated []Record, deleted []int64, fullClear bool) error {
	if fullClear {
		g.chunks = make(map[Handle]*Chunk)
		g.byID = make(map[int64]Handle)
		g.order = nil
	}
	for _, id := range deleted {
		if c := g.ByID(id); c != nil {
			g.remove(c.Handle)
		}
	}
	touched := make([]*Chunk, len(updated))
	for i, r := range updated {
		if r.ID <= 0 {
			return integrity(fmt.Sprintf("broadcast chunk with invalid id %d", r.ID))
		}
		c := g.ByID(r.ID)
		if c == nil {
			c = &Chunk{ID: r.ID}
			g.add(c)
		}
		c.Start, c.End = r.Start, r.End
		c.ItemCount = r.ItemCount
		c.LastAccessed, c.LastUpdate = r.LastAccessed, r.LastUpdate
		touched[i] = c
	}
	for i, r := range updated {
		c := touched[i]
		switch r.NextID {
		case 0:
			c.Next = Unknown
		case EndOfListID:
			c.Next = EndOfList
		default:
			t := g.ByID(r.NextID)
			if t == nil {
				return integrity(fmt.Sprintf("chunk %d: next chunk %d not found", r.ID, r.NextID), c.Handle)
			}
			c.Next = To(t.Handle)
			t.Previous = To(c.Handle)
		}
		switch r.PreviousID {
		case 0:
			c.Previous = Unknown
		case EndOfListID:
			c.Previous = EndOfList
		default:
			t := g.ByID(r.PreviousID)
			if t == nil {
				return integrity(fmt.Sprintf("chunk %d: previous chunk %d not found", r.ID, r.PreviousID), c.Handle)
			}
			c.Previous = To(t.Handle)
			t.Next = To(c.Handle)
		}
	}
	g.sort()
	return nil
}

// Check verifies link symmetry, ordering, acyclicity and end-of-list uniqueness.
func (g *Graph) Check() error {
	var newestEnds, oldestEnds int
	for i, h := range g.order {
		c := g.chunks[h]
		if c == nil {
			return integrity("ordered handle without chunk", h)
		}
		if c.End.Before(c.Start) {
			return integrity("chunk ends before it starts", h)
		}
		if i > 0 {
			newer := g.chunks[g.order[i-1]]
			if newer.Start.Before(c.End) || (newer.Start.Equal(c.Start) && newer.End.Equal(c.End)) {
				return integrity("chunks overlap or are out of order", newer.Handle, h)
			}
		}
		if c.Next.IsEnd() {
			newestEnds++
		} else if n := g.Follow(c.Next); n != nil {
			if n.Previous != To(h) {
				return integrity("next chunk does not link back", h, n.Handle)
			}
			if n.Start.Before(c.End) {
				return integrity("next chunk is not newer", h, n.Handle)
			}
		} else if !c.Next.IsUnknown() {
			return integrity("next link points at a missing chunk", h)
		}
		if c.Previous.IsEnd() {
			oldestEnds++
		} else if p := g.Follow(c.Previous); p != nil {
			if p.Next != To(h) {
				return integrity("previous chunk does not link back", h, p.Handle)
			}
		} else if !c.Previous.IsUnknown() {
			return integrity("previous link points at a missing chunk", h)
		}
	}
	if newestEnds > 1 {
		return integrity(fmt.Sprintf("%d chunks claim the end of the list", newestEnds))
	}
	if oldestEnds > 1 {
		return integrity(fmt.Sprintf("%d chunks claim the start of the list", oldestEnds))
	}
	return g.checkCycles()
}

func (g *Graph) checkCycles() error {
	done := roaring.New()
	for _, h := range g.order {
		if done.Contains(uint32(h)) {
			continue
		}
		seen := roaring.New()
		for cur := g.chunks[h]; cur != nil; cur = g.Follow(cur.Previous) {
			if seen.Contains(uint32(cur.Handle)) {
				return integrity("circular chunk reference", cur.Handle)
			}
			seen.Add(uint32(cur.Handle))
			if done.Contains(uint32(cur.Handle)) {
				break
			}
		}
		done.Or(seen)
	}
	return nil
}

// LogValue renders the chunk chain for structured logs.
func (g *Graph) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(g.order))
	for i, h := range g.order {
		attrs = append(attrs, slog.String(fmt.Sprintf("%d", i), g.chunks[h].String()))
	}
	return slog.GroupValue(attrs...)
}
