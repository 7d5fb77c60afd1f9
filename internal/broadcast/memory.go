package broadcast

import "context"

// MemoryBus connects cache instances inside one process.
type MemoryBus struct {
	subs fanout
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.subs.deliver(batch)
	return nil
}

func (b *MemoryBus) Subscribe(name, origin string) (<-chan Batch, func()) {
	m, cancel := b.subs.add(name, origin)
	return m.out, cancel
}

// Close ends every subscription.
func (b *MemoryBus) Close() {
	b.subs.closeAll()
}
