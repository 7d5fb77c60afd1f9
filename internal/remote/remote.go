// Package remote connects a cache to the paginated remote it mirrors: range
// loads with list-boundary inference and the re-fetch of stale ranges.
package remote

import (
	"context"
	"time"

	"github.com/agentic-research/rangecache/api"
)

// Order is the direction a range query pages in.
type Order int

const (
	// Desc pages from the newest item down.
	Desc Order = iota
	// Asc pages from the oldest item up.
	Asc
)

func (o Order) String() string {
	if o == Asc {
		return "asc"
	}
	return "desc"
}

// Query is one page request. Bounds are exclusive; a nil bound is open.
type Query struct {
	Order         Order
	CreatedBefore *time.Time
	CreatedAfter  *time.Time
	// Limit is the page size. Zero means the configured batch size.
	Limit int
}

// Loader is the remote a cache mirrors.
type Loader interface {
	// LoadRange returns up to q.Limit items inside the query bounds, in
	// q.Order, starting at the near bound.
	LoadRange(ctx context.Context, q Query) ([]api.Item, error)
	// LoadUpdates returns items of the job's range changed after
	// job.UpdatedAfter and the ids deleted since then.
	LoadUpdates(ctx context.Context, job api.RangeUpdateJob) (updated []api.Item, deletedIDs []string, err error)
}

// InferBoundaries turns a page answer into range options. The bound the
// page starts at is always covered: the query bound if set, otherwise the
// end of the list. The far side is covered only when the page came back
// short, as n < batch proves nothing further exists there.
func InferBoundaries(q Query, n, batch int) api.RangeOptions {
	short := n < batch
	var opts api.RangeOptions
	near, far := &q.CreatedBefore, &q.CreatedAfter
	nearEnd, farEnd := &opts.IsEndOfList, &opts.IsStartOfList
	nearOpt, farOpt := &opts.CreatedBefore, &opts.CreatedAfter
	if q.Order == Asc {
		near, far = far, near
		nearEnd, farEnd = farEnd, nearEnd
		nearOpt, farOpt = farOpt, nearOpt
	}

	if *near != nil {
		*nearOpt = *near
	} else {
		*nearEnd = true
	}
	if short {
		if *far != nil {
			*farOpt = *far
		} else {
			*farEnd = true
		}
	}
	return opts
}
