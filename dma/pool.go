package dma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/ardnew/softdma/pkg"
)

// PoolConfig describes the geometry of a buffer pool.
type PoolConfig struct {
	SlotSize int `yaml:"slot_size"` // Bytes per buffer
	Count    int `yaml:"count"`     // Number of buffers
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Slots       int
	Free        int
	Outstanding int
	Acquired    uint64
	Released    uint64
	Exhausted   uint64
}

// Pool is a fixed set of equally sized DMA buffers carved from a single
// coherent allocation made at attach time.
//
// Free slots are handed out in FIFO order, so a released device address is
// the last one to be reused.
type Pool struct {
	alloc    Allocator
	region   Region
	slotSize int

	mu     sync.Mutex
	free   []int     // FIFO of free slot indices
	live   []*Buffer // outstanding buffer per slot
	closed bool

	acquired  atomic.Uint64
	released  atomic.Uint64
	exhausted atomic.Uint64
}

// NewPool allocates cfg.Count slots of cfg.SlotSize bytes from a.
func NewPool(a Allocator, cfg PoolConfig) (*Pool, error) {
	if cfg.SlotSize <= 0 || cfg.Count <= 0 {
		return nil, fmt.Errorf("pool %dx%d: %w", cfg.Count, cfg.SlotSize, pkg.ErrInvalidParameter)
	}
	r, err := a.AllocateCoherent(cfg.SlotSize * cfg.Count)
	if err != nil {
		return nil, fmt.Errorf("pool %dx%d: %w", cfg.Count, cfg.SlotSize, err)
	}
	p := &Pool{
		alloc:    a,
		region:   r,
		slotSize: cfg.SlotSize,
		free:     make([]int, 0, cfg.Count),
		live:     make([]*Buffer, cfg.Count),
	}
	for i := range cfg.Count {
		p.free = append(p.free, i)
	}

	pkg.LogDebug(pkg.ComponentPool, "pool created",
		"slots", cfg.Count,
		"slotSize", cfg.SlotSize,
		"base", fmt.Sprintf("0x%x", r.DeviceAddr))

	return p, nil
}

// SlotSize returns the maximum buffer size.
func (p *Pool) SlotSize() int {
	return p.slotSize
}

// Acquire returns a zero-filled, CPU-owned buffer of size bytes.
//
// It fails closed with [pkg.ErrOutOfMemory] when every slot is outstanding;
// callers must not spin on it.
func (p *Pool) Acquire(size int) (*Buffer, error) {
	if size <= 0 || size > p.slotSize {
		return nil, fmt.Errorf("acquire %d bytes (slot %d): %w", size, p.slotSize, pkg.ErrInvalidParameter)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("acquire: pool closed: %w", pkg.ErrNotRunning)
	}
	if len(p.free) == 0 {
		p.mu.Unlock()
		p.exhausted.Add(1)
		pkg.LogDebug(pkg.ComponentPool, "pool exhausted", "slots", len(p.live))
		return nil, pkg.ErrOutOfMemory
	}
	slot := p.free[0]
	p.free = p.free[1:]

	off := slot * p.slotSize
	mem := p.region.CPU[off : off+size : off+size]
	clear(mem)

	b := &Buffer{
		deviceAddr: p.region.DeviceAddr + uint64(off),
		cpu:        mem,
		pool:       p,
		slot:       slot,
	}
	p.live[slot] = b
	p.mu.Unlock()

	p.acquired.Add(1)
	return b, nil
}

// Release returns b to the pool. Releasing a buffer twice, or while the
// device owns it, is a protocol violation.
func (p *Pool) Release(b *Buffer) error {
	if b == nil || b.pool != p {
		return fmt.Errorf("release foreign buffer: %w", pkg.ErrInvalidParameter)
	}
	if b.Owner() != OwnerCPU {
		return fmt.Errorf("release buffer 0x%x: %w", b.deviceAddr, pkg.ErrOwnership)
	}
	if !b.released.CompareAndSwap(false, true) {
		return fmt.Errorf("release buffer 0x%x: %w", b.deviceAddr, pkg.ErrDoubleRelease)
	}

	p.mu.Lock()
	if p.live[b.slot] == b {
		p.live[b.slot] = nil
		if !p.closed {
			p.free = append(p.free, b.slot)
		}
	}
	p.mu.Unlock()

	p.released.Add(1)
	return nil
}

// Outstanding returns the number of acquired, unreleased buffers.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstandingLocked()
}

func (p *Pool) outstandingLocked() int {
	n := 0
	for _, b := range p.live {
		if b != nil {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	s := PoolStats{
		Slots:       len(p.live),
		Free:        len(p.free),
		Outstanding: p.outstandingLocked(),
	}
	p.mu.Unlock()
	s.Acquired = p.acquired.Load()
	s.Released = p.released.Load()
	s.Exhausted = p.exhausted.Load()
	return s
}

// Close frees the backing allocation. Buffers still outstanding are leaked
// and reported with [pkg.ErrLeak]; the memory is returned regardless, and
// the leaked buffers refuse further CPU or device access.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	leaked := 0
	for _, b := range p.live {
		if b != nil {
			b.revoked.Store(true)
			leaked++
		}
	}
	p.free = nil
	p.mu.Unlock()

	var err error
	if leaked > 0 {
		pkg.LogError(pkg.ComponentPool, "buffers leaked at close", "count", leaked)
		err = fmt.Errorf("pool close: %d buffers outstanding: %w", leaked, pkg.ErrLeak)
	}
	if ferr := p.alloc.FreeCoherent(p.region); ferr != nil {
		err = multierr.Append(err, fmt.Errorf("pool close: %w", ferr))
	}
	return err
}
