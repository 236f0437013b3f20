package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softdma/bus"
	"github.com/ardnew/softdma/dma"
	"github.com/ardnew/softdma/irq"
	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/regs"
)

// mockWindow is a register window with the device's write side effects
// reduced to what the driver relies on: STATUS is write-1-to-clear and
// CONTROL reset self-clears.
type mockWindow struct {
	mmio   *regs.MMIO
	writes atomic.Int64
	log    []uint32 // offsets written, in order
	mu     sync.Mutex
}

func newMockWindow() *mockWindow {
	backing := make([]uint64, regs.WindowSize/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), regs.WindowSize)
	m, err := regs.NewMMIO(mem)
	if err != nil {
		panic(err)
	}
	m.Write32(regs.RegID, regs.DeviceID)
	return &mockWindow{mmio: m}
}

func (w *mockWindow) record(off uint32) {
	w.writes.Add(1)
	w.mu.Lock()
	w.log = append(w.log, off)
	w.mu.Unlock()
}

func (w *mockWindow) Read32(off uint32) uint32 { return w.mmio.Read32(off) }
func (w *mockWindow) Read64(off uint32) uint64 { return w.mmio.Read64(off) }
func (w *mockWindow) Barrier()                 { w.mmio.Barrier() }
func (w *mockWindow) Size() int                { return w.mmio.Size() }

func (w *mockWindow) Write32(off uint32, v uint32) {
	w.record(off)
	switch off {
	case regs.RegStatus:
		w.mmio.And32(off, ^(v & regs.StatusCauses))
	case regs.RegControl:
		if v&regs.CtrlReset != 0 {
			v = 0
		}
		w.mmio.Write32(off, v)
	default:
		w.mmio.Write32(off, v)
	}
}

func (w *mockWindow) Write64(off uint32, v uint64) {
	w.record(off)
	w.mmio.Write64(off, v)
}

// written returns the register offsets written so far.
func (w *mockWindow) written() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint32(nil), w.log...)
}

// mockFunction implements bus.Function over heap memory and a mockWindow.
// The test plays the device: it edits ring tables and calls the installed
// interrupt handler.
type mockFunction struct {
	id     string
	window *mockWindow

	mu         sync.Mutex
	enabled    bool
	mapped     bool
	handler    irq.Handler
	nextToken  irq.Token
	nextAddr   uint64
	live       map[uint64][]uint64
	allocs     int
	failAlloc  int // fail the n-th allocation (1-based); 0 never
	failEnable error
	failMap    error
	failIRQ    error

	failDisable error
}

var _ bus.Function = (*mockFunction)(nil)

func newMockFunction(id string) *mockFunction {
	return &mockFunction{
		id:       id,
		window:   newMockWindow(),
		nextAddr: 0x10000,
		live:     make(map[uint64][]uint64),
	}
}

func (m *mockFunction) ID() string { return m.id }

func (m *mockFunction) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEnable != nil {
		return m.failEnable
	}
	m.enabled = true
	return nil
}

func (m *mockFunction) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	return m.failDisable
}

func (m *mockFunction) MapRegisterWindow(bar int) (regs.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMap != nil {
		return nil, m.failMap
	}
	if m.mapped {
		return nil, pkg.ErrBusy
	}
	m.mapped = true
	return m.window, nil
}

func (m *mockFunction) UnmapRegisterWindow(w regs.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mapped {
		return pkg.ErrDoubleRelease
	}
	m.mapped = false
	return nil
}

func (m *mockFunction) RequestInterrupt(name string, h irq.Handler) (bus.IRQ, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIRQ != nil {
		return bus.IRQ{}, m.failIRQ
	}
	if m.handler != nil {
		return bus.IRQ{}, pkg.ErrBusy
	}
	m.handler = h
	m.nextToken++
	return bus.IRQ{Vector: 40, Token: m.nextToken}, nil
}

func (m *mockFunction) FreeInterrupt(i bus.IRQ) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler == nil || i.Token != m.nextToken {
		return pkg.ErrInvalidParameter
	}
	m.handler = nil
	return nil
}

func (m *mockFunction) AllocateCoherent(size int) (dma.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocs++
	if m.allocs == m.failAlloc {
		return dma.Region{}, pkg.ErrOutOfMemory
	}
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	for i := range mem {
		mem[i] = 0x5A
	}
	addr := m.nextAddr
	m.nextAddr += uint64(len(words)*8+0xFFF) &^ 0xFFF
	m.live[addr] = words
	return dma.Region{CPU: mem, DeviceAddr: addr}, nil
}

func (m *mockFunction) FreeCoherent(r dma.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[r.DeviceAddr]; !ok {
		return fmt.Errorf("free 0x%x: %w", r.DeviceAddr, pkg.ErrDoubleRelease)
	}
	delete(m.live, r.DeviceAddr)
	return nil
}

// outstanding returns the number of live coherent allocations.
func (m *mockFunction) outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// interrupt sets causes in STATUS and delivers the interrupt.
func (m *mockFunction) interrupt(causes uint32) irq.Result {
	m.window.mmio.Or32(regs.RegStatus, causes)
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return irq.NotMine
	}
	return h()
}

// quiescent reports what a fully detached function looks like.
func (m *mockFunction) quiescent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	if m.enabled {
		errs = append(errs, errors.New("still enabled"))
	}
	if m.mapped {
		errs = append(errs, errors.New("window still mapped"))
	}
	if m.handler != nil {
		errs = append(errs, errors.New("interrupt handler installed"))
	}
	if n := len(m.live); n > 0 {
		errs = append(errs, fmt.Errorf("%d coherent allocations live", n))
	}
	return errors.Join(errs...)
}

// memory returns the device's view of bus addresses [addr, addr+n).
func (m *mockFunction) memory(addr uint64, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for base, words := range m.live {
		if addr >= base && addr+uint64(n) <= base+uint64(len(words)*8) {
			mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
			off := int(addr - base)
			return mem[off : off+n]
		}
	}
	return nil
}
