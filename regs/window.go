package regs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ardnew/softdma/pkg"
)

// Window is a mapped register window.
//
// Every access reaches the device; nothing is cached and accesses are not
// reordered across Barrier. Offsets must be naturally aligned and inside
// the window.
type Window interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Read64(off uint32) uint64
	Write64(off uint32, v uint64)

	// Barrier orders every earlier store to coherent memory before every
	// later register access. Call it between publishing descriptors and
	// ringing a doorbell.
	Barrier()

	// Size returns the window size in bytes.
	Size() int
}

// MMIO is a [Window] over mapped memory.
type MMIO struct {
	mem   []byte
	fence atomic.Uint32
}

// NewMMIO returns a window over mem, which must be 8-byte aligned.
func NewMMIO(mem []byte) (*MMIO, error) {
	if len(mem) == 0 || len(mem)%8 != 0 {
		return nil, fmt.Errorf("register window of %d bytes: %w", len(mem), pkg.ErrInvalidParameter)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("register window misaligned: %w", pkg.ErrInvalidParameter)
	}
	return &MMIO{mem: mem}, nil
}

func (m *MMIO) addr(off uint32, width uint32) unsafe.Pointer {
	if off%width != 0 || int(off)+int(width) > len(m.mem) {
		panic(fmt.Sprintf("register access at 0x%x (width %d) outside %d byte window",
			off, width, len(m.mem)))
	}
	return unsafe.Pointer(&m.mem[off])
}

// Read32 loads the 32-bit register at off.
func (m *MMIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(m.addr(off, 4)))
}

// Write32 stores v to the 32-bit register at off.
func (m *MMIO) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(m.addr(off, 4)), v)
}

// Read64 loads the 64-bit register at off.
func (m *MMIO) Read64(off uint32) uint64 {
	return atomic.LoadUint64((*uint64)(m.addr(off, 8)))
}

// Write64 stores v to the 64-bit register at off.
func (m *MMIO) Write64(off uint32, v uint64) {
	atomic.StoreUint64((*uint64)(m.addr(off, 8)), v)
}

// Or32 atomically sets bits in the 32-bit register at off and returns the
// previous value. Device models use it to raise status bits.
func (m *MMIO) Or32(off uint32, bits uint32) uint32 {
	return atomic.OrUint32((*uint32)(m.addr(off, 4)), bits)
}

// And32 atomically keeps only bits in the 32-bit register at off and
// returns the previous value.
func (m *MMIO) And32(off uint32, bits uint32) uint32 {
	return atomic.AndUint32((*uint32)(m.addr(off, 4)), bits)
}

// Barrier is a full fence. Go atomics are sequentially consistent, so an
// atomic read-modify-write orders all earlier memory operations of this
// goroutine before all later ones.
func (m *MMIO) Barrier() {
	m.fence.Add(1)
}

// Size returns the window size in bytes.
func (m *MMIO) Size() int {
	return len(m.mem)
}

// Poll reads the 32-bit register reg until reg&mask == want or ctx ends.
// The poll interval starts at one microsecond and backs off to one
// millisecond. A context that ends first yields
// [pkg.ErrDeviceNotResponding].
func Poll(ctx context.Context, w Window, reg, mask, want uint32) error {
	interval := time.Microsecond
	for {
		v := w.Read32(reg)
		if v&mask == want {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("poll %s&0x%x == 0x%x (last 0x%x): %w: %w",
				Name(reg), mask, want, v, pkg.ErrDeviceNotResponding, ctx.Err())
		case <-timer.C:
		}
		if interval < time.Millisecond {
			interval *= 2
		}
	}
}
