//go:build linux

package sim

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/multierr"

	"github.com/ardnew/softdma/bus"
	"github.com/ardnew/softdma/dma"
	"github.com/ardnew/softdma/irq"
	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/regs"
	"github.com/ardnew/softdma/ring"
)

// DefaultFillPattern is written by the device into inbound buffers.
const DefaultFillPattern = 0xAA

// Config configures a simulated function.
type Config struct {
	ID          string      // Bus address, e.g. "0000:00:04.0"
	DeviceID    uint32      // Value of the ID register; zero means regs.DeviceID
	MemorySize  int         // Coherent arena size in bytes, rounded up to pages
	Mode        Mode        // When queued work is performed
	Personality Personality // What the device does with data
	FillPattern byte        // Inbound fill byte; zero means DefaultFillPattern
	Bandwidth   int         // Bytes per second in ModeAsync; zero is unlimited
	ShareVector bool        // Share a vector when the host has none free
}

// Fault identifies an injectable failure.
type Fault int

// Injectable failures. Each fires once.
const (
	FaultEnable    Fault = iota // Enable fails
	FaultMap                    // MapRegisterWindow fails
	FaultInterrupt              // RequestInterrupt fails
	FaultAllocate               // the next AllocateCoherent fails
)

// Function is a simulated bus function implementing [bus.Function].
type Function struct {
	id   string
	host *Host

	arena  *Arena
	rf     *regFile
	engine *engine
	vec    *vector

	metrics metrics.Registry

	enabled atomic.Bool
	mapped  atomic.Bool

	mu      sync.Mutex
	faults  map[Fault]error
	handles map[irq.Token]struct{}
	closed  bool
}

var _ bus.Function = (*Function)(nil)

// NewFunction creates a function on h.
func (h *Host) NewFunction(cfg Config) (f *Function, err error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("sim function: empty ID: %w", pkg.ErrInvalidParameter)
	}
	if cfg.DeviceID == 0 {
		cfg.DeviceID = regs.DeviceID
	}
	if cfg.FillPattern == 0 {
		cfg.FillPattern = DefaultFillPattern
	}
	page := os.Getpagesize()
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = 1 << 20
	}
	cfg.MemorySize = (cfg.MemorySize + page - 1) &^ (page - 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("sim function %s: host closed: %w", cfg.ID, pkg.ErrNotRunning)
	}
	if _, ok := h.functions[cfg.ID]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("sim function %s: %w", cfg.ID, pkg.ErrBusy)
	}
	base := h.nextIOVA
	h.nextIOVA += uint64(cfg.MemorySize) + uint64(page) // guard page
	h.mu.Unlock()

	f = &Function{
		id:      cfg.ID,
		host:    h,
		metrics: metrics.NewRegistry(),
		faults:  make(map[Fault]error),
		handles: make(map[irq.Token]struct{}),
	}
	if f.arena, err = NewArena(cfg.MemorySize, base); err != nil {
		return nil, err
	}
	if f.vec, err = h.acquireVector(cfg.ShareVector); err != nil {
		f.arena.Close()
		return nil, fmt.Errorf("sim function %s: %w", cfg.ID, err)
	}
	f.rf = newRegFile(cfg.DeviceID)
	f.engine = newEngine(f, f.rf, cfg, f.metrics)

	h.mu.Lock()
	h.functions[cfg.ID] = f
	h.mu.Unlock()

	pkg.LogInfo(pkg.ComponentSim, "function created",
		"id", cfg.ID,
		"vector", f.vec.num,
		"shared", f.vec.users > 1,
		"mode", cfg.Mode.String(),
		"personality", cfg.Personality.String())

	return f, nil
}

// ID returns the function's bus address.
func (f *Function) ID() string {
	return f.id
}

// Inject arranges for the next use of step to fail with err.
func (f *Function) Inject(step Fault, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[step] = err
}

func (f *Function) fault(step Fault) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.faults[step]
	if ok {
		delete(f.faults, step)
	}
	return err
}

// Enable turns on bus mastering.
func (f *Function) Enable() error {
	if err := f.fault(FaultEnable); err != nil {
		return fmt.Errorf("enable %s: %w", f.id, err)
	}
	f.enabled.Store(true)
	return nil
}

// Disable turns off bus mastering. The device stops touching memory.
func (f *Function) Disable() error {
	f.enabled.Store(false)
	return nil
}

// MapRegisterWindow maps BAR 0, the only register window.
func (f *Function) MapRegisterWindow(bar int) (regs.Window, error) {
	if bar != 0 {
		return nil, fmt.Errorf("map %s BAR%d: %w", f.id, bar, pkg.ErrInvalidParameter)
	}
	if err := f.fault(FaultMap); err != nil {
		return nil, fmt.Errorf("map %s BAR%d: %w", f.id, bar, err)
	}
	if !f.enabled.Load() {
		return nil, fmt.Errorf("map %s BAR%d: function disabled: %w", f.id, bar, pkg.ErrNotAttached)
	}
	if !f.mapped.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("map %s BAR%d: %w", f.id, bar, pkg.ErrBusy)
	}
	return f.rf, nil
}

// UnmapRegisterWindow unmaps w.
func (f *Function) UnmapRegisterWindow(w regs.Window) error {
	if w != regs.Window(f.rf) {
		return fmt.Errorf("unmap %s: foreign window: %w", f.id, pkg.ErrInvalidParameter)
	}
	if !f.mapped.CompareAndSwap(true, false) {
		return fmt.Errorf("unmap %s: %w", f.id, pkg.ErrDoubleRelease)
	}
	return nil
}

// RequestInterrupt installs h on the function's vector.
func (f *Function) RequestInterrupt(name string, h irq.Handler) (bus.IRQ, error) {
	if err := f.fault(FaultInterrupt); err != nil {
		return bus.IRQ{}, fmt.Errorf("request irq %s: %w", name, err)
	}
	tok, err := f.vec.line.Install(name, h)
	if err != nil {
		return bus.IRQ{}, err
	}
	f.mu.Lock()
	f.handles[tok] = struct{}{}
	f.mu.Unlock()
	return bus.IRQ{Vector: f.vec.num, Token: tok}, nil
}

// FreeInterrupt removes a handler installed by RequestInterrupt.
func (f *Function) FreeInterrupt(i bus.IRQ) error {
	f.mu.Lock()
	_, ok := f.handles[i.Token]
	delete(f.handles, i.Token)
	f.mu.Unlock()
	if i.Vector != f.vec.num || !ok {
		return fmt.Errorf("free irq %d/%d on %s: %w", i.Vector, i.Token, f.id, pkg.ErrInvalidParameter)
	}
	return f.vec.line.Remove(i.Token)
}

// AllocateCoherent allocates from the function's arena.
func (f *Function) AllocateCoherent(size int) (dma.Region, error) {
	if err := f.fault(FaultAllocate); err != nil {
		return dma.Region{}, err
	}
	return f.arena.AllocateCoherent(size)
}

// FreeCoherent returns memory to the function's arena.
func (f *Function) FreeCoherent(r dma.Region) error {
	return f.arena.FreeCoherent(r)
}

// Vector returns the interrupt vector the function signals.
func (f *Function) Vector() int {
	return f.vec.num
}

// Arena returns the function's coherent memory.
func (f *Function) Arena() *Arena {
	return f.arena
}

// Metrics returns the device-side counters.
func (f *Function) Metrics() metrics.Registry {
	return f.metrics
}

// RegisterAccesses returns the number of register reads and writes made
// through the mapped window.
func (f *Function) RegisterAccesses() (reads, writes int64) {
	return f.rf.reads.Load(), f.rf.writes.Load()
}

// Mapped reports whether the register window is mapped.
func (f *Function) Mapped() bool {
	return f.mapped.Load()
}

// Interrupts returns the number of handlers installed by the function.
func (f *Function) Interrupts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// SimulateCompletion performs up to limit queued descriptors on the ring of
// direction dir (all when limit is zero) and returns how many completed.
// It is the device's work in [ModeManual].
func (f *Function) SimulateCompletion(dir ring.Direction, limit int) int {
	id := chanTx
	if dir == ring.Inbound {
		id = chanRx
	}
	n := 0
	for limit == 0 || n < limit {
		if !f.engine.step(id) {
			break
		}
		n++
	}
	return n
}

// SimulateExchange performs a pending exchange transfer and reports
// whether there was one.
func (f *Function) SimulateExchange() bool {
	return f.engine.exchange()
}

// Signal asserts the function's vector without setting any status cause,
// as a glitching or sharing device would.
func (f *Function) Signal() error {
	return f.vec.signal()
}

// Close stops the device and releases its vector and arena. Memory still
// allocated is reported as a leak.
func (f *Function) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.enabled.Store(false)
	err := f.engine.stop()
	f.engine.reset()

	f.host.mu.Lock()
	delete(f.host.functions, f.id)
	f.host.mu.Unlock()

	return multierr.Combine(
		err,
		f.host.releaseVector(f.vec),
		f.arena.Close(),
	)
}
