//go:build linux

package sim

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softdma/dma"
	"github.com/ardnew/softdma/pkg"
)

// arenaAlign is the allocation granularity. It keeps descriptor tables and
// buffers cache-line aligned.
const arenaAlign = 64

type span struct {
	off, size int
}

// Arena is the coherent memory of a simulated function: one anonymous
// shared mapping that both the driver and the simulated device access, with
// a first-fit allocator and a fixed bus address base.
type Arena struct {
	mem  []byte
	base uint64

	mu    sync.Mutex
	free  []span       // sorted by offset, coalesced
	inUse map[int]int  // offset -> size
	peak  int
	stats ArenaStats
}

// ArenaStats is a snapshot of arena usage.
type ArenaStats struct {
	Size        int
	InUse       int
	Peak        int
	Allocations uint64
	Frees       uint64
	Outstanding int
}

// NewArena maps size bytes of shared anonymous memory whose first byte has
// bus address base.
func NewArena(size int, base uint64) (*Arena, error) {
	if size <= 0 || size%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("arena size %d is not a positive multiple of the page size: %w",
			size, pkg.ErrInvalidParameter)
	}
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map coherent arena: %w", err)
	}
	return &Arena{
		mem:   mem,
		base:  base,
		free:  []span{{0, size}},
		inUse: make(map[int]int),
	}, nil
}

// Base returns the bus address of the first arena byte.
func (a *Arena) Base() uint64 {
	return a.base
}

// AllocateCoherent returns a zero-filled region of at least size bytes.
func (a *Arena) AllocateCoherent(size int) (dma.Region, error) {
	if size <= 0 {
		return dma.Region{}, fmt.Errorf("allocate %d bytes: %w", size, pkg.ErrInvalidParameter)
	}
	need := (size + arenaAlign - 1) &^ (arenaAlign - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return dma.Region{}, fmt.Errorf("allocate: arena closed: %w", pkg.ErrNotRunning)
	}
	for i, s := range a.free {
		if s.size < need {
			continue
		}
		off := s.off
		if s.size == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{s.off + need, s.size - need}
		}
		a.inUse[off] = need
		a.stats.InUse += need
		a.stats.Allocations++
		a.peak = max(a.peak, a.stats.InUse)

		mem := a.mem[off : off+size : off+size]
		clear(mem)
		return dma.Region{CPU: mem, DeviceAddr: a.base + uint64(off)}, nil
	}
	return dma.Region{}, fmt.Errorf("allocate %d coherent bytes: %w", size, pkg.ErrOutOfMemory)
}

// FreeCoherent returns a region to the arena. Freeing an address that is
// not allocated is reported as a double release.
func (a *Arena) FreeCoherent(r dma.Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}
	if r.DeviceAddr < a.base {
		return fmt.Errorf("free 0x%x: outside arena: %w", r.DeviceAddr, pkg.ErrInvalidParameter)
	}
	off := int(r.DeviceAddr - a.base)
	size, ok := a.inUse[off]
	if !ok {
		return fmt.Errorf("free 0x%x: %w", r.DeviceAddr, pkg.ErrDoubleRelease)
	}
	delete(a.inUse, off)
	a.stats.InUse -= size
	a.stats.Frees++

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > off })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{off, size}

	// Coalesce with neighbours.
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// Translate returns the memory behind bus addresses [addr, addr+n). The
// range must lie inside one live allocation; anything else is what an
// IOMMU would fault on.
func (a *Arena) Translate(addr uint64, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil || addr < a.base || n < 0 {
		return nil, fmt.Errorf("dma fault at 0x%x+%d: %w", addr, n, pkg.ErrInvalidParameter)
	}
	off := int(addr - a.base)
	for start, size := range a.inUse {
		if off >= start && off+n <= start+size {
			return a.mem[off : off+n : off+n], nil
		}
	}
	return nil, fmt.Errorf("dma fault at 0x%x+%d: no live allocation: %w", addr, n, pkg.ErrInvalidParameter)
}

// Stats returns a snapshot of arena usage.
func (a *Arena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Size = len(a.mem)
	s.Peak = a.peak
	s.Outstanding = len(a.inUse)
	return s
}

// Close unmaps the arena. Live allocations are reported with
// [pkg.ErrLeak]; their memory must no longer be touched.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}
	leaked := len(a.inUse)
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.inUse = nil
	a.free = nil
	if err != nil {
		return fmt.Errorf("unmap coherent arena: %w", err)
	}
	if leaked > 0 {
		return fmt.Errorf("arena close: %d allocations live: %w", leaked, pkg.ErrLeak)
	}
	return nil
}
