// Package connectivity tracks the last time the remote connection was
// verified to be down. Chunks confirmed before that instant are stale.
package connectivity

import (
	"sync"
	"time"
)

// Grace is subtracted from the detection time of a disconnect, since the
// link may have been dead for a while before anyone noticed.
const Grace = 15 * time.Second

// Watermark is the read side consumed by the cache.
type Watermark interface {
	LastDisconnect() time.Time
	Connected() bool
}

// Tracker is a Watermark fed by connection events. The watermark only
// moves forward.
type Tracker struct {
	mu        sync.RWMutex
	last      time.Time
	lastEvent time.Time
	connected bool
	subs      []func(time.Time)
}

// NewTracker starts with the given watermark and a live connection.
func NewTracker(last time.Time) *Tracker {
	return &Tracker{last: last, connected: true}
}

func (t *Tracker) LastDisconnect() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Observe records that a remote event was received at at, proving the
// connection was alive then.
func (t *Tracker) Observe(at time.Time) {
	t.mu.Lock()
	if at.After(t.lastEvent) {
		t.lastEvent = at
	}
	t.mu.Unlock()
}

// Disconnected records a disconnect detected at at.
func (t *Tracker) Disconnected(at time.Time) {
	mark := at.Add(-Grace)
	t.mu.Lock()
	if t.lastEvent.After(mark) {
		mark = t.lastEvent
	}
	t.connected = false
	moved := t.advance(mark)
	subs := t.subs
	t.mu.Unlock()
	if moved {
		for _, fn := range subs {
			fn(mark)
		}
	}
}

// Reconnected marks the connection live again.
func (t *Tracker) Reconnected() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
}

// Set moves the watermark to at, typically when another process shared a
// newer value. Older values are ignored.
func (t *Tracker) Set(at time.Time) {
	t.mu.Lock()
	moved := t.advance(at)
	subs := t.subs
	t.mu.Unlock()
	if moved {
		for _, fn := range subs {
			fn(at)
		}
	}
}

// OnAdvance registers fn to run whenever the watermark moves forward.
func (t *Tracker) OnAdvance(fn func(time.Time)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

func (t *Tracker) advance(at time.Time) bool {
	if !at.After(t.last) {
		return false
	}
	t.last = at
	return true
}

// Static is a fixed Watermark.
type Static struct {
	At   time.Time
	Down bool
}

func (s Static) LastDisconnect() time.Time { return s.At }
func (s Static) Connected() bool           { return !s.Down }
