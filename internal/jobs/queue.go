package jobs

import (
	"context"
	"sort"
	"sync"
)

// Pending is the completion of one queued job.
type Pending struct {
	job  Job
	once sync.Once
	done chan struct{}
	err  error
}

func newPending(j Job) *Pending {
	return &Pending{job: j, done: make(chan struct{})}
}

// Resolved returns a Pending that is already finished with err.
func Resolved(j Job, err error) *Pending {
	p := newPending(j)
	p.Finish(err)
	return p
}

func (p *Pending) Job() Job { return p.job }

// Done is closed once the job's cycle committed or failed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err is the outcome; only meaningful after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the job finished or ctx is done. A cancelled wait does
// not cancel the job.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish resolves the job. Only the first call has an effect.
func (p *Pending) Finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// FinishAll resolves every job of a cycle with the same outcome.
func FinishAll(batch []*Pending, err error) {
	for _, p := range batch {
		p.Finish(err)
	}
}

// Queue collects jobs between flush cycles. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending []*Pending
}

// Push enqueues j.
func (q *Queue) Push(j Job) *Pending {
	p := newPending(j)
	q.mu.Lock()
	q.pending = append(q.pending, p)
	q.mu.Unlock()
	return p
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain removes every queued job and returns them in execution order.
// Jobs of equal priority keep their submission order.
func (q *Queue) Drain() []*Pending {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return Priority[batch[i].job.Kind()] < Priority[batch[j].job.Kind()]
	})
	return batch
}
