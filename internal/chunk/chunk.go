package chunk

import (
	"fmt"
	"time"
)

// Handle identifies a chunk inside one Graph lineage. Handles are allocated
// monotonically, survive Clone, and are never reused. The zero Handle is "none".
type Handle uint32

// None is the zero Handle.
const None Handle = 0

type linkKind uint8

const (
	linkUnknown linkKind = iota
	linkEnd
	linkChunk
)

// Link is the value of a chunk's Next or Previous pointer.
type Link struct {
	kind linkKind
	to   Handle
}

var (
	// Unknown means the boundary has not been checked against the remote.
	Unknown = Link{}
	// EndOfList means the remote has been verified to hold nothing further.
	EndOfList = Link{kind: linkEnd}
)

// To links to another chunk.
func To(h Handle) Link {
	return Link{kind: linkChunk, to: h}
}

func (l Link) IsUnknown() bool { return l.kind == linkUnknown }
func (l Link) IsEnd() bool     { return l.kind == linkEnd }

// Chunk returns the linked handle, if the link points at a chunk.
func (l Link) Chunk() (Handle, bool) {
	if l.kind != linkChunk {
		return None, false
	}
	return l.to, true
}

func (l Link) String() string {
	switch l.kind {
	case linkEnd:
		return "end-of-list"
	case linkChunk:
		return fmt.Sprintf("#%d", l.to)
	default:
		return "null"
	}
}

// Chunk is a contiguous, gap-free run of cached items. Start and End are
// inclusive createdAt bounds. Chunks are ordered newest first: Next points
// to the newer neighbor, Previous to the older one.
type Chunk struct {
	Handle Handle
	// ID is the persisted id, zero until the chunk has been committed.
	ID int64

	Start     time.Time
	End       time.Time
	ItemCount int

	LastAccessed time.Time
	LastUpdate   time.Time

	Next     Link
	Previous Link
}

// Contains reports whether t lies in [Start, End].
func (c *Chunk) Contains(t time.Time) bool {
	return !t.Before(c.Start) && !t.After(c.End)
}

func (c *Chunk) sameAs(o *Chunk) bool {
	return c.ID == o.ID &&
		c.Start.Equal(o.Start) &&
		c.End.Equal(o.End) &&
		c.ItemCount == o.ItemCount &&
		c.LastAccessed.Equal(o.LastAccessed) &&
		c.LastUpdate.Equal(o.LastUpdate) &&
		c.Next == o.Next &&
		c.Previous == o.Previous
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk#%d(id=%d %s..%s n=%d next=%s prev=%s)",
		c.Handle, c.ID,
		c.Start.UTC().Format(time.RFC3339Nano), c.End.UTC().Format(time.RFC3339Nano),
		c.ItemCount, c.Next, c.Previous)
}

// Sizes is the size policy used by every merge and split decision.
type Sizes struct {
	Min    int
	Target int
	Max    int
}

// DefaultSizes are the reference chunk sizes.
var DefaultSizes = Sizes{Min: 10, Target: 30, Max: 40}

func (s Sizes) Validate() error {
	if s.Min <= 0 || s.Min > s.Target || s.Target > s.Max {
		return fmt.Errorf("invalid chunk sizes min=%d target=%d max=%d", s.Min, s.Target, s.Max)
	}
	return nil
}

// Watermark is the connectivity baseline for staleness.
type Watermark interface {
	LastDisconnect() time.Time
	Connected() bool
}

// EndOfListID is the persisted form of an end-of-list link.
// Zero is the persisted form of an unknown link.
const EndOfListID int64 = -1

// Record is a chunk in persisted form, with links expressed as chunk ids.
type Record struct {
	ID           int64     `json:"chunkId"`
	Start        time.Time `json:"startDate"`
	End          time.Time `json:"endDate"`
	ItemCount    int       `json:"itemCount"`
	LastAccessed time.Time `json:"lastAccessed"`
	LastUpdate   time.Time `json:"lastUpdate"`
	NextID       int64     `json:"nextChunkId"`
	PreviousID   int64     `json:"previousChunkId"`
}
