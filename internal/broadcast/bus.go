package broadcast

import (
	"context"
	"sync"
)

// Bus delivers batches to every other subscriber of the same cache name.
type Bus interface {
	Publish(ctx context.Context, b Batch) error
	// Subscribe returns the batches of name published by any origin other
	// than origin, in publish order. cancel ends the subscription and closes
	// the channel.
	Subscribe(name, origin string) (ch <-chan Batch, cancel func())
}

// mailbox is an unbounded, order-preserving queue feeding one subscriber.
type mailbox struct {
	name, origin string

	mu      sync.Mutex
	queue   []Batch
	wake    chan struct{}
	done    chan struct{}
	closing sync.Once
	out     chan Batch
}

func newMailbox(name, origin string) *mailbox {
	m := &mailbox{
		name:   name,
		origin: origin,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Batch),
	}
	go m.run()
	return m
}

func (m *mailbox) accepts(b Batch) bool {
	return b.Store == m.name && b.Origin != m.origin
}

func (m *mailbox) push(b Batch) {
	m.mu.Lock()
	m.queue = append(m.queue, b)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.closing.Do(func() { close(m.done) })
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		var next Batch
		ok := len(m.queue) > 0
		if ok {
			next = m.queue[0]
			m.queue = m.queue[1:]
		}
		m.mu.Unlock()

		if !ok {
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		select {
		case m.out <- next:
		case <-m.done:
			return
		}
	}
}

// fanout is the subscriber set shared by both bus implementations.
type fanout struct {
	mu   sync.Mutex
	subs map[*mailbox]struct{}
}

func (f *fanout) add(name, origin string) (*mailbox, func()) {
	m := newMailbox(name, origin)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[*mailbox]struct{})
	}
	f.subs[m] = struct{}{}
	f.mu.Unlock()
	return m, func() {
		f.mu.Lock()
		delete(f.subs, m)
		f.mu.Unlock()
		m.close()
	}
}

func (f *fanout) deliver(b Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for m := range f.subs {
		if m.accepts(b) {
			m.push(b)
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for m := range f.subs {
		m.close()
		delete(f.subs, m)
	}
}
