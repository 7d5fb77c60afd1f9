// Package broadcast carries committed chunk changes between cache instances
// that share a store, in one process or across processes.
package broadcast

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/rangecache/internal/chunk"
	"github.com/agentic-research/rangecache/internal/store"
)

// Batch is the change set of one committed flush cycle.
type Batch struct {
	Store     string
	Origin    string
	Timestamp time.Time
	Updated   []chunk.Record
	Deleted   *roaring.Bitmap
	FullClear bool
	// ItemsChanged tells receivers to refresh views over the store.
	ItemsChanged bool
}

// FromCommit builds the batch announcing c.
func FromCommit(name, origin string, at time.Time, c store.Committed) (Batch, error) {
	b := Batch{
		Store:        name,
		Origin:       origin,
		Timestamp:    at,
		Updated:      c.Records,
		Deleted:      roaring.New(),
		FullClear:    c.Cleared,
		ItemsChanged: c.ItemsChanged,
	}
	for _, id := range c.Deleted {
		if id <= 0 || id > math.MaxUint32 {
			return Batch{}, fmt.Errorf("chunk id %d cannot be broadcast", id)
		}
		b.Deleted.Add(uint32(id))
	}
	return b, nil
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool {
	return !b.FullClear && !b.ItemsChanged && len(b.Updated) == 0 && (b.Deleted == nil || b.Deleted.IsEmpty())
}

// DeletedIDs returns the deleted chunk ids in ascending order.
func (b Batch) DeletedIDs() []int64 {
	if b.Deleted == nil {
		return nil
	}
	out := make([]int64, 0, b.Deleted.GetCardinality())
	it := b.Deleted.Iterator()
	for it.HasNext() {
		out = append(out, int64(it.Next()))
	}
	return out
}

// Merge applies b to g, the receiver's shadow graph.
func Merge(g *chunk.Graph, b Batch) error {
	if err := g.Apply(b.Updated, b.DeletedIDs(), b.FullClear); err != nil {
		return fmt.Errorf("merge broadcast from %s: %w", b.Origin, err)
	}
	return nil
}

type wireBatch struct {
	Store        string         `json:"store"`
	Origin       string         `json:"origin"`
	Timestamp    int64          `json:"timestamp"`
	Updated      []chunk.Record `json:"updatedChunks"`
	Deleted      []byte         `json:"deletedChunkIds,omitempty"`
	FullClear    bool           `json:"fullClear,omitempty"`
	ItemsChanged bool           `json:"itemsChanged,omitempty"`
}

func (b Batch) MarshalJSON() ([]byte, error) {
	w := wireBatch{
		Store:        b.Store,
		Origin:       b.Origin,
		Timestamp:    b.Timestamp.UnixNano(),
		Updated:      b.Updated,
		FullClear:    b.FullClear,
		ItemsChanged: b.ItemsChanged,
	}
	if b.Deleted != nil && !b.Deleted.IsEmpty() {
		raw, err := b.Deleted.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("encode deleted ids: %w", err)
		}
		w.Deleted = raw
	}
	return json.Marshal(w)
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	var w wireBatch
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = Batch{
		Store:        w.Store,
		Origin:       w.Origin,
		Timestamp:    time.Unix(0, w.Timestamp).UTC(),
		Updated:      w.Updated,
		Deleted:      roaring.New(),
		FullClear:    w.FullClear,
		ItemsChanged: w.ItemsChanged,
	}
	if len(w.Deleted) > 0 {
		if err := b.Deleted.UnmarshalBinary(w.Deleted); err != nil {
			return fmt.Errorf("decode deleted ids: %w", err)
		}
	}
	return nil
}

// Stamper hands out strictly increasing timestamps.
type Stamper struct {
	mu   sync.Mutex
	last time.Time
}

func (s *Stamper) Next(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

// Inbox holds received batches until the owner's next flush cycle.
type Inbox struct {
	mu      sync.Mutex
	pending []Batch
}

func (in *Inbox) Push(b Batch) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pending = append(in.pending, b)
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// Take empties the inbox. Batches stamped at or before snapshot are already
// reflected in the snapshot and are returned as skipped; the rest come back
// oldest first.
func (in *Inbox) Take(snapshot time.Time) (apply, skipped []Batch) {
	in.mu.Lock()
	batches := in.pending
	in.pending = nil
	in.mu.Unlock()

	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].Timestamp.Before(batches[j].Timestamp)
	})
	for _, b := range batches {
		if b.Timestamp.After(snapshot) {
			apply = append(apply, b)
		} else {
			skipped = append(skipped, b)
		}
	}
	return apply, skipped
}
