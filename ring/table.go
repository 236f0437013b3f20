package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softdma/pkg"
)

// EntrySize is the size of one descriptor table entry in bytes.
//
//	offset  size  field
//	0       8     buffer device address
//	8       4     length in bytes
//	12      2     flags
//	14      2     id (slot index)
//
// All fields are little endian. The flags and id halfwords are accessed as
// one 32-bit word so that publishing a slot is a single atomic store.
const EntrySize = 16

// Flags describe the state of a table entry.
type Flags uint16

// Entry flags.
const (
	// FlagAvail marks an entry owned by the device. Written last by the
	// driver when publishing.
	FlagAvail Flags = 1 << iota

	// FlagDone marks an entry the device has completed. Written last by the
	// device after the length field.
	FlagDone

	// FlagInbound marks an entry the device writes into.
	FlagInbound

	// FlagError marks an entry the device failed to transfer.
	FlagError
)

// String returns a compact representation such as "AVAIL|DONE".
func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	names := []string{"AVAIL", "DONE", "IN", "ERR"}
	s := ""
	for i, name := range names {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	if rest := f &^ (1<<len(names) - 1); rest != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("0x%x", uint16(rest))
	}
	return s
}

const (
	offAddr = 0
	offLen  = 8
	offWord = 12
)

// Entry is a decoded snapshot of one table entry.
type Entry struct {
	Addr  uint64
	Len   uint32
	Flags Flags
	ID    uint16
}

// Table is a descriptor table laid out in coherent memory. The driver and
// the device both access it through these methods.
type Table struct {
	mem  []byte
	size int
}

// NewTable returns a table of capacity entries over mem.
func NewTable(mem []byte, capacity int) (*Table, error) {
	if err := CheckCapacity(capacity); err != nil {
		return nil, err
	}
	if len(mem) < capacity*EntrySize {
		return nil, fmt.Errorf("descriptor table: %d bytes for %d entries: %w",
			len(mem), capacity, pkg.ErrInvalidParameter)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("descriptor table: misaligned memory: %w", pkg.ErrInvalidParameter)
	}
	return &Table{mem: mem[:capacity*EntrySize], size: capacity}, nil
}

// TableSize returns the number of bytes needed for capacity entries.
func TableSize(capacity int) int {
	return capacity * EntrySize
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return t.size
}

func (t *Table) u64(i, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&t.mem[i*EntrySize+off]))
}

func (t *Table) u32(i, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&t.mem[i*EntrySize+off]))
}

// Load returns a snapshot of entry i. The flags word is read first, so a
// reader that observes FlagAvail or FlagDone also observes the fields
// written before it.
func (t *Table) Load(i int) Entry {
	w := atomic.LoadUint32(t.u32(i, offWord))
	return Entry{
		Addr:  atomic.LoadUint64(t.u64(i, offAddr)),
		Len:   atomic.LoadUint32(t.u32(i, offLen)),
		Flags: Flags(w),
		ID:    uint16(w >> 16),
	}
}

// Flags returns the flags of entry i.
func (t *Table) Flags(i int) Flags {
	return Flags(atomic.LoadUint32(t.u32(i, offWord)))
}

// Publish fills entry i and stores its flags last.
func (t *Table) Publish(i int, addr uint64, n uint32, flags Flags) {
	atomic.StoreUint64(t.u64(i, offAddr), addr)
	atomic.StoreUint32(t.u32(i, offLen), n)
	atomic.StoreUint32(t.u32(i, offWord), uint32(flags)|uint32(i)<<16)
}

// Complete records n transferred bytes for entry i and sets FlagDone, plus
// FlagError when failed is true. It is the device side of the hand-off.
func (t *Table) Complete(i int, n uint32, failed bool) {
	atomic.StoreUint32(t.u32(i, offLen), n)
	set := uint32(FlagDone)
	if failed {
		set |= uint32(FlagError)
	}
	atomic.OrUint32(t.u32(i, offWord), set)
}

// Clear empties entry i.
func (t *Table) Clear(i int) {
	atomic.StoreUint32(t.u32(i, offWord), 0)
	atomic.StoreUint32(t.u32(i, offLen), 0)
	atomic.StoreUint64(t.u64(i, offAddr), 0)
}

// Reset empties every entry.
func (t *Table) Reset() {
	for i := range t.size {
		t.Clear(i)
	}
}

// CheckCapacity reports whether capacity is a valid ring size: a power of
// two between 2 and 32768.
func CheckCapacity(capacity int) error {
	if capacity < 2 {
		return fmt.Errorf("ring capacity %d is too small: %w", capacity, pkg.ErrInvalidParameter)
	}
	if capacity&(capacity-1) != 0 {
		return fmt.Errorf("ring capacity %d is not a power of 2: %w", capacity, pkg.ErrInvalidParameter)
	}
	if capacity > MaxCapacity {
		return fmt.Errorf("ring capacity %d exceeds %d: %w", capacity, MaxCapacity, pkg.ErrInvalidParameter)
	}
	return nil
}

// MaxCapacity is the largest supported ring capacity. Slot ids are 16-bit.
const MaxCapacity = 32768
