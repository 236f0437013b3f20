package dma

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/ardnew/softdma/pkg"
)

// Region is a coherent memory allocation returned by the bus layer.
type Region struct {
	CPU        []byte // CPU view of the memory
	DeviceAddr uint64 // Bus address of CPU[0] as seen by the device
}

// Len returns the region size in bytes.
func (r Region) Len() int {
	return len(r.CPU)
}

// Allocator hands out coherent memory. It is implemented by the bus layer.
type Allocator interface {
	// AllocateCoherent returns a zero-filled coherent region of size bytes.
	AllocateCoherent(size int) (Region, error)

	// FreeCoherent returns a region obtained from AllocateCoherent.
	FreeCoherent(r Region) error
}

// Owner identifies which agent may touch a buffer.
type Owner uint32

// Buffer owners.
const (
	OwnerCPU    Owner = iota // Software may read and write
	OwnerDevice              // Hardware may read and write
)

// String returns a human-readable owner name.
func (o Owner) String() string {
	switch o {
	case OwnerCPU:
		return "cpu"
	case OwnerDevice:
		return "device"
	default:
		return fmt.Sprintf("Owner(%d)", uint32(o))
	}
}

// Buffer is a DMA buffer with a stable device address.
type Buffer struct {
	deviceAddr uint64
	cpu        []byte

	owner    atomic.Uint32
	released atomic.Bool
	revoked  atomic.Bool // backing pool closed while outstanding

	// Pool slot, when acquired from a pool.
	pool *Pool
	slot int

	// Backing region and allocator, for one-shot buffers.
	alloc  Allocator
	region Region
}

// Allocate returns a one-shot coherent buffer of size bytes. The buffer is
// returned to a when freed.
func Allocate(a Allocator, size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, pkg.ErrInvalidParameter)
	}
	r, err := a.AllocateCoherent(size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	if r.Len() < size {
		err := fmt.Errorf("allocate %d bytes: short region of %d: %w",
			size, r.Len(), pkg.ErrOutOfMemory)
		return nil, multierr.Append(err, a.FreeCoherent(r))
	}
	clear(r.CPU[:size])
	return &Buffer{
		deviceAddr: r.DeviceAddr,
		cpu:        r.CPU[:size],
		slot:       -1,
		alloc:      a,
		region:     r,
	}, nil
}

// DeviceAddr returns the bus address the device uses for this buffer.
// It is stable for the life of the buffer.
func (b *Buffer) DeviceAddr() uint64 {
	return b.deviceAddr
}

// Len returns the buffer length in bytes.
func (b *Buffer) Len() uint32 {
	return uint32(len(b.cpu))
}

// Owner returns the current owner.
func (b *Buffer) Owner() Owner {
	return Owner(b.owner.Load())
}

// Released reports whether the buffer was released or freed.
func (b *Buffer) Released() bool {
	return b.released.Load()
}

// Bytes returns the CPU view of the buffer. It fails with [pkg.ErrOwnership]
// while the device owns the buffer, with [pkg.ErrDoubleRelease] after
// release, and with [pkg.ErrNotRunning] once its pool has been closed. The
// slice must not be used once ownership passes to the device.
func (b *Buffer) Bytes() ([]byte, error) {
	if b.released.Load() {
		return nil, pkg.ErrDoubleRelease
	}
	if b.revoked.Load() {
		return nil, fmt.Errorf("buffer 0x%x: pool closed: %w", b.deviceAddr, pkg.ErrNotRunning)
	}
	if b.Owner() != OwnerCPU {
		return nil, pkg.ErrOwnership
	}
	return b.cpu, nil
}

// ToDevice transfers ownership from the CPU to the device.
func (b *Buffer) ToDevice() error {
	if b.released.Load() {
		return pkg.ErrDoubleRelease
	}
	if b.revoked.Load() {
		return fmt.Errorf("submit buffer 0x%x: pool closed: %w", b.deviceAddr, pkg.ErrNotRunning)
	}
	if !b.owner.CompareAndSwap(uint32(OwnerCPU), uint32(OwnerDevice)) {
		return fmt.Errorf("submit buffer 0x%x: %w", b.deviceAddr, pkg.ErrOwnership)
	}
	return nil
}

// ToCPU transfers ownership from the device back to the CPU. Completing a
// buffer the device does not own is a double completion.
func (b *Buffer) ToCPU() error {
	if !b.owner.CompareAndSwap(uint32(OwnerDevice), uint32(OwnerCPU)) {
		return fmt.Errorf("complete buffer 0x%x: %w", b.deviceAddr, pkg.ErrDoubleCompletion)
	}
	return nil
}

// ForceCPU restores CPU ownership unconditionally. It is only valid once
// the device can no longer touch the buffer (interrupts disabled, device
// reset).
func (b *Buffer) ForceCPU() {
	b.owner.Store(uint32(OwnerCPU))
}

// Release returns the buffer to its pool, or to its allocator for one-shot
// buffers. It must be called exactly once, while the CPU owns the buffer.
func (b *Buffer) Release() error {
	if b.pool != nil {
		return b.pool.Release(b)
	}
	return b.Free()
}

// Free returns a one-shot buffer to its allocator.
func (b *Buffer) Free() error {
	if b.alloc == nil {
		return fmt.Errorf("free pooled buffer: %w", pkg.ErrInvalidParameter)
	}
	if b.Owner() != OwnerCPU {
		return fmt.Errorf("free buffer 0x%x: %w", b.deviceAddr, pkg.ErrOwnership)
	}
	if !b.released.CompareAndSwap(false, true) {
		return fmt.Errorf("free buffer 0x%x: %w", b.deviceAddr, pkg.ErrDoubleRelease)
	}
	return b.alloc.FreeCoherent(b.region)
}
