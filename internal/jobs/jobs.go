// Package jobs defines the mutations a cache runs inside a flush cycle and
// the queue that orders them.
package jobs

import (
	"context"
	"fmt"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/chunk"
)

// Kind tags a job variant.
type Kind int

const (
	KindClear Kind = iota
	KindAccessTouch
	KindRangeUpdate
	KindAddRange
	KindAddNewItem
	KindUpdateItems
	KindDelete
)

var kindNames = map[Kind]string{
	KindClear:       "clear",
	KindAccessTouch: "accessTouch",
	KindRangeUpdate: "rangeUpdate",
	KindAddRange:    "addRange",
	KindAddNewItem:  "addNewItem",
	KindUpdateItems: "updateItems",
	KindDelete:      "delete",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Priority orders the jobs of one cycle; lower runs first. Bookkeeping
// precedes range merges, and deletions see the chunks inserted before them.
var Priority = map[Kind]int{
	KindClear:       -10,
	KindAccessTouch: 0,
	KindRangeUpdate: 5,
	KindAddRange:    10,
	KindAddNewItem:  20,
	KindUpdateItems: 30,
	KindDelete:      40,
}

// Job is one queued mutation.
type Job interface {
	Kind() Kind
	// Apply runs the job against tx.
	Apply(ctx context.Context, e *chunk.Engine, tx *chunk.Tx) error
}

// Clear drops every chunk and item.
type Clear struct{}

func (Clear) Kind() Kind { return KindClear }

func (Clear) Apply(_ context.Context, e *chunk.Engine, tx *chunk.Tx) error {
	e.Clear(tx)
	return nil
}

// AccessTouch marks chunks as read.
type AccessTouch struct {
	ChunkIDs []int64
}

func (AccessTouch) Kind() Kind { return KindAccessTouch }

func (j AccessTouch) Apply(_ context.Context, e *chunk.Engine, tx *chunk.Tx) error {
	e.Touch(tx, j.ChunkIDs)
	return nil
}

// RangeUpdate applies remote diffs of verified ranges.
type RangeUpdate struct {
	Results []api.RangeUpdateResult
}

func (RangeUpdate) Kind() Kind { return KindRangeUpdate }

func (j RangeUpdate) Apply(ctx context.Context, e *chunk.Engine, tx *chunk.Tx) error {
	return e.ApplyRangeUpdates(ctx, tx, j.Results)
}

// AddRange inserts a complete range fetched from the remote.
type AddRange struct {
	Items   []api.Item
	Options api.RangeOptions
}

func (AddRange) Kind() Kind { return KindAddRange }

func (j AddRange) Apply(ctx context.Context, e *chunk.Engine, tx *chunk.Tx) error {
	return e.AddCompleteItemRange(ctx, tx, j.Items, j.Options)
}

// AddNewItem inserts a single item that just arrived.
type AddNewItem struct {
	Item api.Item
}

func (AddNewItem) Kind() Kind { return KindAddNewItem }

func (j AddNewItem) Apply(ctx context.Context, e *chunk.Engine, tx *chunk.Tx) error {
	return e.AddNewItem(ctx, tx, j.Item)
}

// UpdateItems patches stored items.
type UpdateItems struct {
	Patches []api.ItemPatch
}

func (UpdateItems) Kind() Kind { return KindUpdateItems }

func (j UpdateItems) Apply(ctx context.Context, e *chunk.Engine, tx *chunk.Tx) error {
	return e.UpdateItems(ctx, tx, j.Patches)
}

// Delete removes items by id.
type Delete struct {
	IDs []string
}

func (Delete) Kind() Kind { return KindDelete }

func (j Delete) Apply(ctx context.Context, e *chunk.Engine, tx *chunk.Tx) error {
	return e.DeleteItems(ctx, tx, j.IDs)
}
