//go:build linux

package sim

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/multierr"

	"github.com/ardnew/softdma/irq"
	"github.com/ardnew/softdma/pkg"
)

// HostConfig configures a simulated host bridge.
type HostConfig struct {
	FirstVector int    // First interrupt vector number
	Vectors     int    // Number of interrupt vectors
	IOVABase    uint64 // Bus address of the first function's arena
}

// DefaultHostConfig returns the configuration used when fields are zero.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		FirstVector: 32,
		Vectors:     8,
		IOVABase:    0x8000_0000,
	}
}

// Host is a simulated host bridge: it owns the interrupt vectors, the
// interrupt delivery goroutine and the bus address space of its functions.
type Host struct {
	alloc  *VectorAllocator
	poller *poller

	mu        sync.Mutex
	vectors   map[int]*vector
	functions map[string]*Function
	nextIOVA  uint64
	closed    bool
}

// NewHost creates a host and starts interrupt delivery.
func NewHost(cfg HostConfig) (*Host, error) {
	def := DefaultHostConfig()
	if cfg.Vectors <= 0 {
		cfg.Vectors = def.Vectors
	}
	if cfg.FirstVector <= 0 {
		cfg.FirstVector = def.FirstVector
	}
	if cfg.IOVABase == 0 {
		cfg.IOVABase = def.IOVABase
	}

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("sim host: %w", err)
	}
	pkg.LogDebug(pkg.ComponentBus, "sim host started",
		"vectors", cfg.Vectors,
		"iova", fmt.Sprintf("0x%x", cfg.IOVABase))

	return &Host{
		alloc:     NewVectorAllocator(cfg.FirstVector, cfg.Vectors),
		poller:    p,
		vectors:   make(map[int]*vector),
		functions: make(map[string]*Function),
		nextIOVA:  cfg.IOVABase,
	}, nil
}

// acquireVector routes a new function to a fresh vector, or to the lowest
// existing vector when none is free and share is set.
func (h *Host) acquireVector(share bool) (*vector, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	num, err := h.alloc.Alloc()
	if err != nil {
		if !share || len(h.vectors) == 0 {
			return nil, err
		}
		v := h.vectors[slices.Min(slices.Collect(maps.Keys(h.vectors)))]
		v.users++
		return v, nil
	}

	v, err := newVector(num)
	if err != nil {
		h.alloc.Free(num)
		return nil, err
	}
	if err := h.poller.add(v); err != nil {
		v.close()
		h.alloc.Free(num)
		return nil, err
	}
	v.users = 1
	h.vectors[num] = v
	return v, nil
}

func (h *Host) releaseVector(v *vector) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	v.users--
	if v.users > 0 {
		return nil
	}
	delete(h.vectors, v.num)
	return multierr.Combine(
		h.poller.remove(v),
		v.close(),
		h.alloc.Free(v.num),
	)
}

// Line returns the interrupt line of vector num, or nil.
func (h *Host) Line(num int) *irq.Line {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.vectors[num]; ok {
		return v.line
	}
	return nil
}

// FreeVectors returns the number of unallocated vectors.
func (h *Host) FreeVectors() int {
	return h.alloc.Available()
}

// Function returns the function with the given ID.
func (h *Host) Function(id string) (*Function, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.functions[id]
	return f, ok
}

// Close closes every function and stops interrupt delivery.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	fns := slices.Collect(maps.Values(h.functions))
	h.mu.Unlock()

	var err error
	for _, f := range fns {
		err = multierr.Append(err, f.Close())
	}
	return multierr.Append(err, h.poller.close())
}
