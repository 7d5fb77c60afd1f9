package store

import (
	"context"
	"time"

	"github.com/agentic-research/rangecache/api"
)

type watcher struct {
	signal chan struct{}
}

// Subscription delivers the items of a window whenever they may have changed.
type Subscription struct {
	// C receives the window's items on open and after every change
	// notification. Notifications that arrive while a delivery is pending
	// are coalesced. C is closed when the subscription ends.
	C      <-chan []api.Item
	cancel context.CancelFunc
}

// Close ends the subscription.
func (s *Subscription) Close() { s.cancel() }

// Watch subscribes to the items of name created within [lo, hi].
func (s *Store) Watch(ctx context.Context, name string, lo, hi time.Time) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{signal: make(chan struct{}, 1)}
	w.signal <- struct{}{}

	s.mu.Lock()
	set := s.watchers[name]
	if set == nil {
		set = make(map[*watcher]struct{})
		s.watchers[name] = set
	}
	set[w] = struct{}{}
	s.mu.Unlock()

	out := make(chan []api.Item)
	go func() {
		defer close(out)
		defer s.unwatch(name, w)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.signal:
			}
			items, err := s.ItemsBetween(ctx, name, lo, hi, true, true)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("watch query failed", "cache", name, "error", err)
				continue
			}
			select {
			case out <- items:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Subscription{C: out, cancel: cancel}
}

func (s *Store) unwatch(name string, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[name], w)
	if len(s.watchers[name]) == 0 {
		delete(s.watchers, name)
	}
}

// Notify wakes every subscription of name. Writers in other processes are
// observed through broadcasts, whose receivers call Notify.
func (s *Store) Notify(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers[name] {
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}
