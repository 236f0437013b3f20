package ring

import (
	"fmt"
	"iter"
	"sync"

	"github.com/ardnew/softdma/dma"
	"github.com/ardnew/softdma/pkg"
)

// Direction is the data direction of a ring.
type Direction uint8

// Ring directions.
const (
	Outbound Direction = iota // CPU to device
	Inbound                   // Device to CPU
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Slot is the index of a descriptor table entry.
type Slot uint16

// Descriptor describes one buffer hand-off.
type Descriptor struct {
	// Buffer is the DMA buffer. Its ownership moves to the device on
	// submission and back to the CPU on reclaim.
	Buffer *dma.Buffer

	// Length is the number of bytes to send (outbound) or the space
	// offered (inbound). Zero means the whole buffer. After reclaim it is
	// the number of bytes the device transferred.
	Length uint32

	// Direction must match the ring.
	Direction Direction

	// Status is the outcome, set on reclaim or abort.
	Status pkg.TransferStatus

	// Done is invoked by the consumer of [Ring.Reclaim] once the
	// descriptor is complete. The ring itself never calls it.
	Done func(Descriptor)
}

// Complete invokes d.Done, if set.
func (d Descriptor) Complete() {
	if d.Done != nil {
		d.Done(d)
	}
}

// Ring is the driver side of a descriptor ring.
//
// head and tail are free-running counters; the slot of a counter is its
// value masked by capacity-1. Submit advances head, Reclaim and Abort
// advance tail, and head-tail never exceeds the capacity.
type Ring struct {
	dir   Direction
	table *Table
	mem   *dma.Buffer
	mask  uint32

	mu     sync.Mutex // covers head, tail, shadow and table flag updates
	head   uint32
	tail   uint32
	shadow []Descriptor
}

// New creates a ring of capacity slots whose descriptor table lives in the
// coherent buffer mem. The table is cleared.
func New(dir Direction, mem *dma.Buffer, capacity int) (*Ring, error) {
	if dir != Outbound && dir != Inbound {
		return nil, fmt.Errorf("ring direction %v: %w", dir, pkg.ErrInvalidParameter)
	}
	if mem == nil {
		return nil, fmt.Errorf("ring table: %w", pkg.ErrInvalidParameter)
	}
	raw, err := mem.Bytes()
	if err != nil {
		return nil, fmt.Errorf("ring table: %w", err)
	}
	t, err := NewTable(raw, capacity)
	if err != nil {
		return nil, err
	}
	t.Reset()

	return &Ring{
		dir:    dir,
		table:  t,
		mem:    mem,
		mask:   uint32(capacity - 1),
		shadow: make([]Descriptor, capacity),
	}, nil
}

// Direction returns the data direction of the ring.
func (r *Ring) Direction() Direction {
	return r.dir
}

// Cap returns the number of slots.
func (r *Ring) Cap() int {
	return len(r.shadow)
}

// TableAddr returns the device address of the descriptor table.
func (r *Ring) TableAddr() uint64 {
	return r.mem.DeviceAddr()
}

// Head returns the producer counter. Its low 16 bits are written to the
// doorbell register after a submission is published.
func (r *Ring) Head() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// InFlight returns the number of submitted, unreclaimed descriptors.
func (r *Ring) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.head - r.tail)
}

// Free returns the number of empty slots.
func (r *Ring) Free() int {
	return r.Cap() - r.InFlight()
}

// Submit publishes d in the next slot and hands its buffer to the device.
// The entry fields are written before FlagAvail. The caller must issue a
// register barrier and ring the doorbell afterwards.
//
// Submitting to a full ring is a protocol violation wrapping
// [pkg.ErrRingFull]; flow control must prevent it.
func (r *Ring) Submit(d Descriptor) (Slot, error) {
	if d.Buffer == nil {
		return 0, fmt.Errorf("submit: nil buffer: %w", pkg.ErrInvalidParameter)
	}
	if d.Direction != r.dir {
		return 0, fmt.Errorf("submit %v descriptor to %v ring: %w", d.Direction, r.dir, pkg.ErrInvalidParameter)
	}
	if d.Length == 0 {
		d.Length = d.Buffer.Len()
	}
	if d.Length > d.Buffer.Len() {
		return 0, fmt.Errorf("submit %d bytes from %d byte buffer: %w",
			d.Length, d.Buffer.Len(), pkg.ErrInvalidParameter)
	}

	flags := FlagAvail
	if r.dir == Inbound {
		flags |= FlagInbound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head-r.tail > r.mask {
		return 0, pkg.Violation(fmt.Errorf("submit to %v ring: %w", r.dir, pkg.ErrRingFull))
	}
	i := int(r.head & r.mask)
	if f := r.table.Flags(i); f != 0 {
		return 0, pkg.Violation(fmt.Errorf("submit to slot %d with flags %v: %w", i, f, pkg.ErrRingCorrupt))
	}
	if err := d.Buffer.ToDevice(); err != nil {
		return 0, pkg.Violation(err)
	}

	d.Status = pkg.TransferStatusPending
	r.shadow[i] = d
	r.table.Publish(i, d.Buffer.DeviceAddr(), d.Length, flags)
	r.head++

	return Slot(i), nil
}

// Reclaim returns an iterator over completed descriptors in submission
// order. Each yielded descriptor is removed from the ring and its buffer is
// CPU-owned again. Iteration stops at the first slot the device has not
// completed, so a fresh call resumes where the previous one stopped.
//
// Inconsistent table state is yielded once as a protocol violation and ends
// the iteration.
func (r *Ring) Reclaim() iter.Seq2[Descriptor, error] {
	return func(yield func(Descriptor, error) bool) {
		for {
			d, ok, err := r.reclaimOne()
			if err != nil {
				yield(Descriptor{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

func (r *Ring) reclaimOne() (Descriptor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := int(r.tail & r.mask)
	e := r.table.Load(i)

	if r.tail == r.head {
		if e.Flags&FlagDone != 0 {
			return Descriptor{}, false, pkg.Violation(
				fmt.Errorf("%v slot %d completed while empty: %w", r.dir, i, pkg.ErrDoubleCompletion))
		}
		return Descriptor{}, false, nil
	}
	if e.Flags&FlagDone == 0 {
		return Descriptor{}, false, nil
	}

	d := r.shadow[i]
	switch {
	case e.Flags&FlagAvail == 0:
		return Descriptor{}, false, pkg.Violation(
			fmt.Errorf("%v slot %d: flags %v: %w", r.dir, i, e.Flags, pkg.ErrRingCorrupt))
	case e.ID != uint16(i) || e.Addr != d.Buffer.DeviceAddr():
		return Descriptor{}, false, pkg.Violation(
			fmt.Errorf("%v slot %d: entry id %d addr 0x%x: %w", r.dir, i, e.ID, e.Addr, pkg.ErrRingCorrupt))
	case e.Len > d.Length:
		return Descriptor{}, false, pkg.Violation(
			fmt.Errorf("%v slot %d: device reported %d of %d bytes: %w", r.dir, i, e.Len, d.Length, pkg.ErrRingCorrupt))
	}
	if err := d.Buffer.ToCPU(); err != nil {
		return Descriptor{}, false, pkg.Violation(err)
	}

	d.Length = e.Len
	d.Status = pkg.TransferStatusSuccess
	if e.Flags&FlagError != 0 {
		d.Status = pkg.TransferStatusError
	}
	r.shadow[i] = Descriptor{}
	r.table.Clear(i)
	r.tail++

	return d, true, nil
}

// Abort removes every in-flight descriptor, forcing its buffer back to the
// CPU and marking it [pkg.TransferStatusAborted]. Completed but unreclaimed
// descriptors keep their device-reported outcome; one that reports more
// bytes than were submitted is marked [pkg.TransferStatusOverrun].
//
// It must only be called once the device can no longer access the table:
// interrupts disabled and the device reset.
func (r *Ring) Abort() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Descriptor
	for ; r.tail != r.head; r.tail++ {
		i := int(r.tail & r.mask)
		e := r.table.Load(i)
		d := r.shadow[i]
		r.shadow[i] = Descriptor{}
		d.Buffer.ForceCPU()
		switch {
		case e.Flags&FlagDone == 0:
			d.Status = pkg.TransferStatusAborted
		case e.Len > d.Length:
			d.Status = pkg.TransferStatusOverrun
		case e.Flags&FlagError != 0:
			d.Length, d.Status = e.Len, pkg.TransferStatusError
		default:
			d.Length, d.Status = e.Len, pkg.TransferStatusSuccess
		}
		out = append(out, d)
	}
	r.table.Reset()

	if len(out) > 0 {
		pkg.LogDebug(pkg.ComponentRing, "aborted in-flight descriptors",
			"direction", r.dir.String(),
			"count", len(out))
	}
	return out
}
