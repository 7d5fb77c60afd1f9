package api

import (
	"encoding/json"
	"time"
)

// OpenEnd is the window end reported by a cursor whose newest chunk is
// verified to be the end of the list.
var OpenEnd = time.Date(2100, time.January, 1, 0, 0, 0, 0, time.UTC)

// Epoch is the lower bound used for ranges that start at the beginning of the list.
var Epoch = time.Unix(0, 0).UTC()

// Item is a cached record. Payload is kept opaque; only the three keys
// are interpreted by the cache.
type Item struct {
	// ID is stable and unique within one cache.
	ID string `json:"id"`
	// CreatedAt is the immutable ordering key.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is compared when reconciling fetched items against cached ones.
	UpdatedAt time.Time `json:"updatedAt"`
	// Payload is the full record as received from the remote.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Pending marks a locally created item that the remote has not confirmed
	// yet. Pending items are never counted in chunks and never removed by
	// range reconciliation.
	Pending bool `json:"pending,omitempty"`
}

// ItemPatch is a partial update of an existing item. Fields are merged into
// the top level of the payload object; a null value removes the field.
type ItemPatch struct {
	ID        string                     `json:"id"`
	UpdatedAt *time.Time                 `json:"updatedAt,omitempty"`
	Fields    map[string]json.RawMessage `json:"fields,omitempty"`
}

// RangeOptions bound a complete item range.
type RangeOptions struct {
	// IsStartOfList states that nothing older than the range exists remotely.
	IsStartOfList bool `json:"isStartOfList,omitempty"`
	// IsEndOfList states that nothing newer than the range exists remotely.
	IsEndOfList bool `json:"isEndOfList,omitempty"`
	// CreatedBefore is the exclusive upper bound of the queried window.
	CreatedBefore *time.Time `json:"createdBefore,omitempty"`
	// CreatedAfter is the exclusive lower bound of the queried window.
	CreatedAfter *time.Time `json:"createdAfter,omitempty"`
}

// RangeUpdateJob asks for every change in [RangeStart, RangeEnd] made after UpdatedAfter.
type RangeUpdateJob struct {
	RangeStart   time.Time `json:"rangeStart"`
	RangeEnd     time.Time `json:"rangeEnd"`
	UpdatedAfter time.Time `json:"updatedAfter"`
}

// RangeUpdateResult is the remote answer to a RangeUpdateJob.
type RangeUpdateResult struct {
	Job        RangeUpdateJob `json:"job"`
	Updated    []Item         `json:"updated"`
	DeletedIDs []string       `json:"deletedIds"`
}

// InitKind selects how a cursor picks its first anchor.
type InitKind int

const (
	InitRecent InitKind = iota
	InitAtItemID
	InitAtDate
)

func (k InitKind) String() string {
	switch k {
	case InitRecent:
		return "recent"
	case InitAtItemID:
		return "atItemId"
	case InitAtDate:
		return "atDate"
	default:
		return "unknown"
	}
}

// InitOptions configure Cursor.Init.
type InitOptions struct {
	Kind   InitKind
	ItemID string
	Date   time.Time
	// MinimumItemCount is the number of items to span in each direction from
	// the anchor. Zero means the configured batch size.
	MinimumItemCount int
}

// UpdateOptions grow or shrink a cursor window by approximate item counts.
// Growing and shrinking the same side in one call is rejected.
type UpdateOptions struct {
	GrowStart   int
	ShrinkStart int
	GrowEnd     int
	ShrinkEnd   int
}

// CursorState is a snapshot of a cursor window.
type CursorState struct {
	Items      []Item     `json:"items"`
	Closed     bool       `json:"closed"`
	Ready      bool       `json:"ready"`
	RangeStart *time.Time `json:"rangeStart,omitempty"`
	RangeEnd   *time.Time `json:"rangeEnd,omitempty"`

	HasNextLocally      bool `json:"hasNextLocally"`
	HasNextOnRemote     bool `json:"hasNextOnRemote"`
	HasPreviousLocally  bool `json:"hasPreviousLocally"`
	HasPreviousOnRemote bool `json:"hasPreviousOnRemote"`
	WithStartOfList     bool `json:"withStartOfList"`
	WithEndOfList       bool `json:"withEndOfList"`
	IsEmpty             bool `json:"isEmpty"`
}
