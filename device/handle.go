package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/multierr"

	"github.com/ardnew/softdma/bus"
	"github.com/ardnew/softdma/dma"
	"github.com/ardnew/softdma/flow"
	"github.com/ardnew/softdma/irq"
	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/regs"
	"github.com/ardnew/softdma/ring"
)

// Handle states.
const (
	stateAttaching int32 = iota
	stateAttached
	stateDetaching
	stateDetached
)

// Handle is an attached device: its register window, both descriptor rings,
// the buffer pool, the interrupt dispatcher, the flow controllers and the
// exchange buffer. It is created by [Attach] and destroyed by
// [Handle.Detach].
type Handle struct {
	id  string
	cfg Config
	fn  bus.Function

	// Resources, in attach order. Teardown releases whatever is non-nil
	// or set, in reverse.
	enabled bool
	w       regs.Window
	touched bool // registers written; reset on teardown
	pool    *dma.Pool
	txMem   *dma.Buffer
	rxMem   *dma.Buffer
	tx      *ring.Ring
	rx      *ring.Ring
	txFlow  *flow.Controller
	rxFlow  *flow.Controller
	xbuf    *dma.Buffer
	disp    *irq.Dispatcher
	irq     bus.IRQ
	hasIRQ  bool
	armed   bool

	// Doorbell serialization: the doorbell value must never move backwards.
	txBell sync.Mutex
	rxBell sync.Mutex

	state atomic.Int32
	done  chan struct{} // closed when detach starts

	mu       sync.Mutex
	faultErr error

	xmu  sync.Mutex
	xfer *transfer

	rxq chan Packet

	pmu     sync.Mutex
	pending map[*Pending]struct{} // outbound payloads parked by TryTransmit
	callers sync.WaitGroup        // submitters holding a pool buffer; Add under pmu

	evMu     sync.Mutex
	events   chan Event
	evClosed bool

	metrics   metrics.Registry
	txPackets metrics.Counter
	txBytes   metrics.Counter
	txErrors  metrics.Counter
	rxPackets metrics.Counter
	rxBytes   metrics.Counter
	rxErrors  metrics.Counter
	aborted   metrics.Counter
	transfers metrics.Counter
	devErrors metrics.Counter
	dropped   metrics.Counter
	faults    metrics.Counter
}

func newHandle(fn bus.Function, cfg Config) *Handle {
	r := cfg.Metrics
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &Handle{
		id:        fn.ID(),
		cfg:       cfg,
		fn:        fn,
		done:      make(chan struct{}),
		rxq:       make(chan Packet, cfg.Pool.Count),
		pending:   make(map[*Pending]struct{}),
		events:    make(chan Event, cfg.EventBuffer),
		metrics:   r,
		txPackets: metrics.GetOrRegisterCounter("device.tx.packets", r),
		txBytes:   metrics.GetOrRegisterCounter("device.tx.bytes", r),
		txErrors:  metrics.GetOrRegisterCounter("device.tx.errors", r),
		rxPackets: metrics.GetOrRegisterCounter("device.rx.packets", r),
		rxBytes:   metrics.GetOrRegisterCounter("device.rx.bytes", r),
		rxErrors:  metrics.GetOrRegisterCounter("device.rx.errors", r),
		aborted:   metrics.GetOrRegisterCounter("device.aborted", r),
		transfers: metrics.GetOrRegisterCounter("device.xfer.count", r),
		devErrors: metrics.GetOrRegisterCounter("device.errors", r),
		dropped:   metrics.GetOrRegisterCounter("device.events.dropped", r),
		faults:    metrics.GetOrRegisterCounter("device.faults", r),
	}
}

// =============================================================================
// Attach
// =============================================================================

// Attach brings up the device behind fn: enable the function, map its
// register window, check the device identity, allocate the pool, ring
// tables and exchange buffer, install the interrupt dispatcher, program the
// rings, arm interrupts and post cfg.RxPosts inbound buffers.
//
// A failing step unwinds the completed ones in reverse and the returned
// error wraps [pkg.ErrAttachFailure] together with the cause.
func Attach(ctx context.Context, fn bus.Function, cfg Config) (*Handle, error) {
	cfg, err := cfg.WithDefaults()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w: %w", fn.ID(), pkg.ErrAttachFailure, err)
	}

	h := newHandle(fn, cfg)
	if err := h.attach(ctx); err != nil {
		err = fmt.Errorf("attach %s: %w: %w", h.id, pkg.ErrAttachFailure, err)
		if uerr := h.teardown(context.WithoutCancel(ctx)); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("unwind: %w", uerr))
		}
		h.state.Store(stateDetached)
		pkg.LogWarn(pkg.ComponentDevice, "attach failed", "device", h.id, "error", err)
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentDevice, "device attached",
		"device", h.id,
		"vector", h.irq.Vector,
		"tx_ring", cfg.TxRing,
		"rx_ring", cfg.RxRing,
		"pool", fmt.Sprintf("%dx%d", cfg.Pool.Count, cfg.Pool.SlotSize))
	return h, nil
}

func (h *Handle) attach(ctx context.Context) (err error) {
	cfg := h.cfg

	if err = h.fn.Enable(); err != nil {
		return err
	}
	h.enabled = true

	if h.w, err = h.fn.MapRegisterWindow(0); err != nil {
		return err
	}

	if id := h.w.Read32(regs.RegID); id != regs.DeviceID {
		return fmt.Errorf("id register 0x%08x, want 0x%08x: %w", id, regs.DeviceID, pkg.ErrNoDevice)
	}

	// Start from a quiescent device.
	h.touched = true
	if err = h.reset(ctx); err != nil {
		return err
	}

	if h.pool, err = dma.NewPool(h.fn, cfg.Pool); err != nil {
		return err
	}
	if h.txMem, err = dma.Allocate(h.fn, ring.TableSize(cfg.TxRing)); err != nil {
		return fmt.Errorf("tx ring table: %w", err)
	}
	if h.tx, err = ring.New(ring.Outbound, h.txMem, cfg.TxRing); err != nil {
		return err
	}
	if h.rxMem, err = dma.Allocate(h.fn, ring.TableSize(cfg.RxRing)); err != nil {
		return fmt.Errorf("rx ring table: %w", err)
	}
	if h.rx, err = ring.New(ring.Inbound, h.rxMem, cfg.RxRing); err != nil {
		return err
	}
	if cfg.ExchangeSize > 0 {
		if h.xbuf, err = dma.Allocate(h.fn, cfg.ExchangeSize); err != nil {
			return fmt.Errorf("exchange buffer: %w", err)
		}
	}
	if h.txFlow, err = flow.New(cfg.TxRing, h.submitTx); err != nil {
		return err
	}
	if h.rxFlow, err = flow.New(cfg.RxRing, h.submitRx); err != nil {
		return err
	}
	h.txFlow.RegisterMetrics(h.metrics, "flow.tx")
	h.rxFlow.RegisterMetrics(h.metrics, "flow.rx")
	h.metrics.Unregister("device.pool.outstanding") // left by an earlier attach
	metrics.NewRegisteredFunctionalGauge("device.pool.outstanding", h.metrics, func() int64 {
		return int64(h.pool.Outstanding())
	})

	h.disp, err = irq.New(irq.Config{
		Name:    cfg.Name,
		Window:  h.w,
		Work:    h.work,
		Metrics: h.metrics,
	})
	if err != nil {
		return err
	}
	if err = h.disp.Start(); err != nil {
		return err
	}

	if h.irq, err = h.fn.RequestInterrupt(cfg.Name, h.disp.TopHalf); err != nil {
		return err
	}
	h.hasIRQ = true

	h.w.Write64(regs.RegTxRingBase, h.tx.TableAddr())
	h.w.Write32(regs.RegTxRingSize, uint32(cfg.TxRing))
	h.w.Write64(regs.RegRxRingBase, h.rx.TableAddr())
	h.w.Write32(regs.RegRxRingSize, uint32(cfg.RxRing))

	h.armed = true
	h.w.Write32(regs.RegIntrMask, regs.StatusCauses)
	h.w.Barrier()
	h.w.Write32(regs.RegControl, regs.CtrlEnable|regs.CtrlIntrEnable)

	h.state.Store(stateAttached)

	for range cfg.RxPosts {
		if err = h.PostReceive(ctx, cfg.RxBufferSize); err != nil {
			h.state.Store(stateDetaching)
			return fmt.Errorf("initial receive: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Detach
// =============================================================================

// Detach tears the device down in the reverse order of [Attach]. It may be
// called with transfers outstanding: interrupts are disabled and the device
// reset before in-flight buffers are reclaimed. Inbound packets delivered
// by [Handle.Receive] must be released first; otherwise the pool reports a
// leak.
//
// ctx bounds the wait for the device to go idle after reset. Teardown
// continues past failing steps and the errors are combined.
func (h *Handle) Detach(ctx context.Context) error {
	if !h.state.CompareAndSwap(stateAttached, stateDetaching) {
		return fmt.Errorf("detach %s: %w", h.id, pkg.ErrNotAttached)
	}
	err := h.teardown(ctx)
	h.state.Store(stateDetached)

	if err != nil {
		pkg.LogError(pkg.ComponentDevice, "detach incomplete", "device", h.id, "error", err)
		return fmt.Errorf("detach %s: %w", h.id, err)
	}
	pkg.LogInfo(pkg.ComponentDevice, "device detached", "device", h.id)
	return nil
}

// teardown releases every acquired resource in reverse acquisition order.
func (h *Handle) teardown(ctx context.Context) error {
	var err error

	close(h.done)

	// Wait out any submission that passed its state check.
	h.txBell.Lock()
	h.txBell.Unlock()
	h.rxBell.Lock()
	h.rxBell.Unlock()

	if h.armed {
		h.w.Write32(regs.RegControl, regs.CtrlEnable)
		h.w.Write32(regs.RegIntrMask, 0)
		h.w.Barrier()
		h.armed = false
	}
	if h.hasIRQ {
		err = multierr.Append(err, h.fn.FreeInterrupt(h.irq))
		h.hasIRQ = false
	}
	if h.disp != nil {
		err = multierr.Append(err, h.disp.Stop())
	}
	if h.touched {
		err = multierr.Append(err, h.reset(ctx))
		h.touched = false
	}

	// The device is quiet; take every buffer back.
	if h.tx != nil {
		for _, d := range h.tx.Abort() {
			d.Complete()
		}
	}
	if h.rx != nil {
		for _, d := range h.rx.Abort() {
			d.Complete()
		}
	}
	if h.txFlow != nil {
		h.txFlow.Close()
	}
	if h.rxFlow != nil {
		h.rxFlow.Close()
	}
	err = multierr.Append(err, h.dropPending())
	// Submitters woken by the closed controllers still hold their buffers.
	h.callers.Wait()
	for drained := false; !drained; {
		select {
		case p := <-h.rxq:
			err = multierr.Append(err, p.Buffer.Release())
		default:
			drained = true
		}
	}
	h.abortTransfer()

	if h.xbuf != nil {
		err = multierr.Append(err, h.xbuf.Free())
		h.xbuf = nil
	}
	if h.rxMem != nil {
		err = multierr.Append(err, h.rxMem.Free())
		h.rxMem = nil
	}
	if h.txMem != nil {
		err = multierr.Append(err, h.txMem.Free())
		h.txMem = nil
	}
	if h.pool != nil {
		err = multierr.Append(err, h.pool.Close())
	}
	if h.w != nil {
		err = multierr.Append(err, h.fn.UnmapRegisterWindow(h.w))
	}
	if h.enabled {
		err = multierr.Append(err, h.fn.Disable())
		h.enabled = false
	}

	h.evMu.Lock()
	h.evClosed = true
	close(h.events)
	h.evMu.Unlock()

	return err
}

// reset stops the device and waits for it to go idle.
func (h *Handle) reset(ctx context.Context) error {
	h.w.Write32(regs.RegControl, regs.CtrlReset)
	h.w.Barrier()
	if err := regs.Poll(ctx, h.w, regs.RegStatus, regs.StatusBusy, 0); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// =============================================================================
// State
// =============================================================================

// ID returns the bus function ID the handle is attached to.
func (h *Handle) ID() string {
	return h.id
}

// Config returns the effective configuration, defaults applied.
func (h *Handle) Config() Config {
	return h.cfg
}

// Attached reports whether the handle is attached and not yet detaching.
func (h *Handle) Attached() bool {
	return h.state.Load() == stateAttached
}

// Metrics returns the registry holding the device counters.
func (h *Handle) Metrics() metrics.Registry {
	return h.metrics
}

// Faulted returns the protocol violation that faulted the device, or nil.
// A faulted device rejects further submissions; only Detach is useful.
func (h *Handle) Faulted() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.faultErr == nil {
		return nil
	}
	return fmt.Errorf("device %s: %w: %w", h.id, pkg.ErrFaulted, h.faultErr)
}

// fault marks the device faulted by err and fails every queued submitter.
func (h *Handle) fault(err error) {
	h.mu.Lock()
	first := h.faultErr == nil
	if first {
		h.faultErr = err
	}
	h.mu.Unlock()
	if !first {
		return
	}

	h.faults.Inc(1)
	pkg.LogError(pkg.ComponentDevice, "device faulted", "device", h.id, "error", err)
	h.txFlow.Close()
	h.rxFlow.Close()
	h.emit(Event{Err: err})
}

// usable returns nil if submissions are accepted.
func (h *Handle) usable() error {
	if h.state.Load() != stateAttached {
		return fmt.Errorf("device %s: %w", h.id, pkg.ErrNotAttached)
	}
	return h.Faulted()
}

// Event is a status notification from the bottom-half.
type Event struct {
	// Status holds the interrupt causes the bottom-half run handled.
	Status uint32

	// Err is set when the run found a device error or a protocol
	// violation.
	Err error
}

// Events returns the notification channel. It is closed by Detach.
func (h *Handle) Events() <-chan Event {
	return h.events
}

func (h *Handle) emit(ev Event) {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if h.evClosed {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.dropped.Inc(1)
	}
}

// Stats is a snapshot of device counters.
type Stats struct {
	TxPackets     int64
	TxBytes       int64
	TxErrors      int64
	RxPackets     int64
	RxBytes       int64
	RxErrors      int64
	Aborted       int64
	Transfers     int64
	DeviceErrors  int64
	DroppedEvents int64
	Faulted       bool

	TxInFlight int
	RxInFlight int
	Pool       dma.PoolStats
	TxFlow     flow.Stats
	RxFlow     flow.Stats
	IRQ        irq.DispatcherStats
	IRQState   irq.State
}

// Stats returns a snapshot of device counters.
func (h *Handle) Stats() Stats {
	s := Stats{
		TxPackets:     h.txPackets.Count(),
		TxBytes:       h.txBytes.Count(),
		TxErrors:      h.txErrors.Count(),
		RxPackets:     h.rxPackets.Count(),
		RxBytes:       h.rxBytes.Count(),
		RxErrors:      h.rxErrors.Count(),
		Aborted:       h.aborted.Count(),
		Transfers:     h.transfers.Count(),
		DeviceErrors:  h.devErrors.Count(),
		DroppedEvents: h.dropped.Count(),
		Faulted:       h.Faulted() != nil,
		TxInFlight:    h.tx.InFlight(),
		RxInFlight:    h.rx.InFlight(),
		Pool:          h.pool.Stats(),
		TxFlow:        h.txFlow.Stats(),
		RxFlow:        h.rxFlow.Stats(),
		IRQ:           h.disp.Stats(),
		IRQState:      h.disp.State(),
	}
	return s
}
