package cache

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/broadcast"
	"github.com/agentic-research/rangecache/internal/chunk"
	"github.com/agentic-research/rangecache/internal/config"
	"github.com/agentic-research/rangecache/internal/connectivity"
	"github.com/agentic-research/rangecache/internal/lock"
	"github.com/agentic-research/rangecache/internal/store"
	"github.com/google/uuid"
)

// RefetchFunc receives ranges a cursor found stale. It is called from the
// cache's loop and must not block; results come back through ApplyRangeDiffs.
type RefetchFunc func(job api.RangeUpdateJob)

// Options configure one cache. Store and Locker are required.
type Options struct {
	Store  *store.Store
	Locker *lock.Locker
	// Bus defaults to the registry's in-process bus.
	Bus       broadcast.Bus
	Watermark chunk.Watermark
	// Origin identifies this instance in broadcasts. Defaults to a random UUID.
	Origin string

	Sizes       chunk.Sizes
	BatchSize   int
	DebounceMin time.Duration
	DebounceMax time.Duration
	// BroadcastSettle is waited after publishing; negative disables it.
	BroadcastSettle  time.Duration
	SetupTimeout     time.Duration
	AccessTouchEvery time.Duration

	Refetch RefetchFunc
	Clock   func() time.Time
	// Rand returns a value in [0, 1) that places the debounce delay.
	Rand func() float64
	Log  *slog.Logger
}

// FromConfig maps the loaded configuration onto Options. Store, Locker and
// Bus still have to be set by the caller.
func FromConfig(cfg config.Config) Options {
	return Options{
		Sizes:            cfg.Chunk.Sizes(),
		BatchSize:        cfg.BatchSize,
		DebounceMin:      cfg.DebounceMin,
		DebounceMax:      cfg.DebounceMax,
		BroadcastSettle:  cfg.BroadcastSettle,
		SetupTimeout:     cfg.SetupTimeout,
		AccessTouchEvery: cfg.AccessTouchEvery,
	}
}

func (o Options) withDefaults() Options {
	d := config.Default()
	if o.Sizes == (chunk.Sizes{}) {
		o.Sizes = chunk.DefaultSizes
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.DebounceMin == 0 && o.DebounceMax == 0 {
		o.DebounceMin, o.DebounceMax = d.DebounceMin, d.DebounceMax
	}
	if o.BroadcastSettle == 0 {
		o.BroadcastSettle = d.BroadcastSettle
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = d.SetupTimeout
	}
	if o.AccessTouchEvery <= 0 {
		o.AccessTouchEvery = d.AccessTouchEvery
	}
	if o.Watermark == nil {
		o.Watermark = connectivity.Static{}
	}
	if o.Origin == "" {
		o.Origin = uuid.NewString()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}
