//go:build linux

package sim

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/ardnew/softdma/irq"
	"github.com/ardnew/softdma/pkg"
)

// VectorAllocator hands out interrupt vector numbers from a fixed range.
type VectorAllocator struct {
	mu    sync.Mutex
	first int
	avail []bool
}

// NewVectorAllocator returns an allocator for vectors [first, first+n).
func NewVectorAllocator(first, n int) *VectorAllocator {
	avail := make([]bool, n)
	for i := range avail {
		avail[i] = true
	}
	return &VectorAllocator{first: first, avail: avail}
}

// Alloc returns the lowest free vector.
func (v *VectorAllocator) Alloc() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, ok := range v.avail {
		if ok {
			v.avail[i] = false
			return v.first + i, nil
		}
	}
	return 0, fmt.Errorf("allocate interrupt vector: %w", pkg.ErrResourceExhausted)
}

// Free returns vec. Freeing a vector that is not allocated is reported as a
// double release.
func (v *VectorAllocator) Free(vec int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := vec - v.first
	if i < 0 || i >= len(v.avail) {
		return fmt.Errorf("free vector %d: %w", vec, pkg.ErrInvalidParameter)
	}
	if v.avail[i] {
		return fmt.Errorf("free vector %d: %w", vec, pkg.ErrDoubleRelease)
	}
	v.avail[i] = true
	return nil
}

// Available returns the number of free vectors.
func (v *VectorAllocator) Available() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, ok := range v.avail {
		if ok {
			n++
		}
	}
	return n
}

// vector is one interrupt vector: an eventfd the device signals and the
// line whose handlers run when the poller sees it.
type vector struct {
	num   int
	efd   eventfd.Eventfd
	line  *irq.Line
	users int // functions routed to this vector
}

func newVector(num int) (*vector, error) {
	efd, err := eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("vector %d: %w", num, err)
	}
	return &vector{
		num:  num,
		efd:  efd,
		line: irq.NewLine(fmt.Sprintf("vec%d", num)),
	}, nil
}

// signal asserts the vector. Signals coalesce until the poller reads them.
func (v *vector) signal() error {
	return v.efd.Notify()
}

func (v *vector) close() error {
	return v.efd.Close()
}
