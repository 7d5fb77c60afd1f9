// Package lock provides an exclusive lock per cache name that holds across
// goroutines and across processes sharing a data directory.
package lock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryAcquire when the lock is held elsewhere.
var ErrLocked = errors.New("lock is held")

const (
	minRetry = 5 * time.Millisecond
	maxRetry = 100 * time.Millisecond
)

// Locker hands out leases on lock files under one directory.
type Locker struct {
	dir string

	mu    sync.Mutex
	local map[string]chan struct{}
}

// New returns a Locker keeping its lock files in dir.
func New(dir string) *Locker {
	return &Locker{dir: dir, local: make(map[string]chan struct{})}
}

// Lease is a held lock.
type Lease struct {
	name string
	f    *os.File
	sem  chan struct{}
	once sync.Once
}

func (l *Locker) sem(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.local[name]
	if !ok {
		s = make(chan struct{}, 1)
		l.local[name] = s
	}
	return s
}

// Path returns the lock file used for name.
func (l *Locker) Path(name string) string {
	return filepath.Join(l.dir, url.PathEscape(name)+".lock")
}

// Acquire blocks until the lock for name is held or ctx is done.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lease, error) {
	sem := l.sem(name)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s: %w", name, ctx.Err())
	}
	wait := minRetry
	for {
		f, err := l.tryFile(name)
		if err == nil {
			return &Lease{name: name, f: f, sem: sem}, nil
		}
		if !errors.Is(err, ErrLocked) {
			<-sem
			return nil, err
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			<-sem
			return nil, fmt.Errorf("acquire %s: %w", name, ctx.Err())
		}
		wait = min(wait*2, maxRetry)
	}
}

// TryAcquire takes the lock for name without waiting.
func (l *Locker) TryAcquire(name string) (*Lease, error) {
	sem := l.sem(name)
	select {
	case sem <- struct{}{}:
	default:
		return nil, fmt.Errorf("acquire %s: %w", name, ErrLocked)
	}
	f, err := l.tryFile(name)
	if err != nil {
		<-sem
		return nil, err
	}
	return &Lease{name: name, f: f, sem: sem}, nil
}

func (l *Locker) tryFile(name string) (*os.File, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.Path(name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("acquire %s: %w", name, ErrLocked)
		}
		return nil, fmt.Errorf("flock %s: %w", name, err)
	}
	return f, nil
}

// Name returns the locked name.
func (r *Lease) Name() string { return r.name }

// Release unlocks. Calling it more than once is a no-op.
func (r *Lease) Release() error {
	var err error
	r.once.Do(func() {
		if ferr := unix.Flock(int(r.f.Fd()), unix.LOCK_UN); ferr != nil {
			err = fmt.Errorf("unlock %s: %w", r.name, ferr)
		}
		if cerr := r.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		<-r.sem
	})
	return err
}
