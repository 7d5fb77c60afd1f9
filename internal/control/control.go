// Package control maps a small shared file that processes use to signal
// new broadcast log entries to each other without polling the database.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ControlSize = 4096       // 1 page
	Magic       = 0x52434243 // 'RCBC'
	Version     = 1
)

// Block is the layout of the memory-mapped control file.
type Block struct {
	Magic      uint32
	Version    uint32
	Generation uint64 // Atomic; bumped after every broadcast append
	LastSeq    uint64 // Atomic; highest broadcast log sequence announced
	Padding    [ControlSize - 24]byte
}

// Controller manages the memory-mapped control file.
type Controller struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

// OpenOrCreate opens or creates a control file at the given path.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() < ControlSize {
		if err := f.Truncate(ControlSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))
	switch {
	case atomic.CompareAndSwapUint32(&ptr.Magic, 0, Magic):
		ptr.Version = Version
	case atomic.LoadUint32(&ptr.Magic) != Magic:
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid magic: %x", ptr.Magic)
	}

	return &Controller{path: path, file: f, data: data, ptr: ptr}, nil
}

// Path returns the control file path.
func (c *Controller) Path() string { return c.path }

// Generation returns the current generation atomically.
func (c *Controller) Generation() uint64 {
	return atomic.LoadUint64(&c.ptr.Generation)
}

// LastSeq returns the highest announced broadcast sequence.
func (c *Controller) LastSeq() uint64 {
	return atomic.LoadUint64(&c.ptr.LastSeq)
}

// Announce records that the broadcast log holds entries up to seq and bumps
// the generation. LastSeq never moves backwards.
func (c *Controller) Announce(seq uint64) uint64 {
	for {
		cur := atomic.LoadUint64(&c.ptr.LastSeq)
		if seq <= cur || atomic.CompareAndSwapUint64(&c.ptr.LastSeq, cur, seq) {
			break
		}
	}
	return atomic.AddUint64(&c.ptr.Generation, 1)
}

// Close unmaps and closes the control file.
func (c *Controller) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}
