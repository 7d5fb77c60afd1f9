package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-research/rangecache/internal/control"
	"github.com/agentic-research/rangecache/internal/store"
)

// FileBus connects cache instances in different processes that open the
// same database. Batches are appended to the store's broadcast log and
// announced through a memory-mapped control block; every FileBus polls the
// block and reads the log entries it has not seen.
type FileBus struct {
	store *store.Store
	ctrl  *control.Controller
	log   *slog.Logger

	retention time.Duration
	subs      fanout

	mu      sync.Mutex
	lastSeq int64
	lastGen uint64
	pollErr error
	tick    *time.Ticker
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
}

// FileBusOptions tune a FileBus. Zero values select the defaults.
type FileBusOptions struct {
	// PollInterval is how often the control block is checked (100ms).
	PollInterval time.Duration
	// Retention is how long log entries are kept (10m).
	Retention time.Duration
	Log       *slog.Logger
}

// NewFileBus starts a bus over st, signalled through the control file at
// ctrlPath. Only entries appended after the call are delivered.
func NewFileBus(ctx context.Context, st *store.Store, ctrlPath string, opts FileBusOptions) (*FileBus, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	ctrl, err := control.OpenOrCreate(ctrlPath)
	if err != nil {
		return nil, fmt.Errorf("open broadcast control block: %w", err)
	}
	seq, err := st.LastBroadcastSeq(ctx)
	if err != nil {
		_ = ctrl.Close()
		return nil, err
	}
	b := &FileBus{
		store:     st,
		ctrl:      ctrl,
		log:       opts.Log,
		retention: opts.Retention,
		lastSeq:   seq,
		lastGen:   ctrl.Generation(),
		tick:      time.NewTicker(opts.PollInterval),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go b.pollLoop()
	return b, nil
}

// Publish appends batch to the log and announces it.
func (b *FileBus) Publish(ctx context.Context, batch Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	seq, err := b.store.AppendBroadcast(ctx, batch.Store, batch.Origin, batch.Timestamp, payload)
	if err != nil {
		return err
	}
	b.ctrl.Announce(uint64(seq))
	return nil
}

func (b *FileBus) Subscribe(name, origin string) (<-chan Batch, func()) {
	m, cancel := b.subs.add(name, origin)
	return m.out, cancel
}

func (b *FileBus) pollLoop() {
	defer close(b.doneCh)
	prune := time.Now()
	for {
		select {
		case <-b.tick.C:
			if err := b.Poll(context.Background()); err != nil {
				b.mu.Lock()
				b.pollErr = err
				b.mu.Unlock()
				b.log.Warn("broadcast poll failed", "error", err)
			}
			if time.Since(prune) > b.retention {
				prune = time.Now()
				if _, err := b.store.PruneBroadcasts(context.Background(), prune.Add(-b.retention)); err != nil {
					b.log.Warn("broadcast prune failed", "error", err)
				}
			}
		case <-b.stopCh:
			return
		}
	}
}

// Poll delivers the log entries announced since the last poll. The poll
// loop calls it on every tick; tests call it directly.
func (b *FileBus) Poll(ctx context.Context) error {
	gen := b.ctrl.Generation()
	b.mu.Lock()
	if gen == b.lastGen {
		b.mu.Unlock()
		return nil
	}
	from := b.lastSeq
	b.mu.Unlock()

	entries, err := b.store.BroadcastsAfter(ctx, from)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastSeq != from {
		// A concurrent Poll already delivered these.
		return nil
	}
	b.lastGen = gen
	for _, e := range entries {
		b.lastSeq = e.Seq
		var batch Batch
		if err := json.Unmarshal(e.Payload, &batch); err != nil {
			b.log.Warn("dropping undecodable broadcast", "seq", e.Seq, "store", e.Store, "error", err)
			continue
		}
		b.subs.deliver(batch)
	}
	return nil
}

// LastError returns the last error from the poll loop.
func (b *FileBus) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pollErr
}

// Close stops polling, ends every subscription and unmaps the control block.
func (b *FileBus) Close() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.tick.Stop()
	close(b.stopCh)
	b.mu.Unlock()

	<-b.doneCh
	b.subs.closeAll()
	return b.ctrl.Close()
}
