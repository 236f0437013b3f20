package irq

import (
	"fmt"
	"sync"
	"sync/atomic"

	metrics "github.com/rcrowley/go-metrics"
	"gopkg.in/tomb.v2"

	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/regs"
)

// State is the observable dispatcher state.
type State int32

// Dispatcher states, in the order an interrupt moves through them.
const (
	StateIdle          State = iota // nothing pending
	StateAcknowledging              // top-half reading and acking status
	StateDeferred                   // bottom-half scheduled, not yet running
	StateProcessing                 // bottom-half running
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAcknowledging:
		return "Acknowledging"
	case StateDeferred:
		return "Deferred"
	case StateProcessing:
		return "Processing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures a [Dispatcher].
type Config struct {
	// Name is used in logs.
	Name string

	// Window is the device register window. The top-half reads and acks
	// [regs.RegStatus] through it.
	Window regs.Window

	// Causes is the set of status bits this dispatcher owns. Zero means
	// [regs.StatusCauses].
	Causes uint32

	// Work is the bottom-half. It receives every cause accumulated since
	// its previous run and runs on the dispatcher's worker goroutine.
	Work func(causes uint32)

	// Metrics receives dispatcher counters. Nil uses a private registry.
	Metrics metrics.Registry
}

// Dispatcher splits interrupt handling into a non-blocking top-half and a
// bottom-half that runs on a single dedicated worker.
//
// Scheduling uses a single-slot pending flag. Schedules while the
// bottom-half is pending coalesce into one run; a schedule that arrives
// while it is running causes exactly one more run.
type Dispatcher struct {
	name   string
	w      regs.Window
	causes uint32
	work   func(uint32)

	acking     atomic.Int32
	pending    atomic.Bool
	processing atomic.Bool
	stopped    atomic.Bool
	accum      atomic.Uint32
	kick       chan struct{}

	mu      sync.Mutex
	t       tomb.Tomb
	started bool

	handled   metrics.Counter
	notMine   metrics.Counter
	coalesced metrics.Counter
	runs      metrics.Counter
}

// New returns a stopped dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Window == nil || cfg.Work == nil {
		return nil, fmt.Errorf("dispatcher %q: window and work are required: %w", cfg.Name, pkg.ErrInvalidParameter)
	}
	if cfg.Causes == 0 {
		cfg.Causes = regs.StatusCauses
	}
	r := cfg.Metrics
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &Dispatcher{
		name:      cfg.Name,
		w:         cfg.Window,
		causes:    cfg.Causes,
		work:      cfg.Work,
		kick:      make(chan struct{}, 1),
		handled:   metrics.GetOrRegisterCounter("irq.top.handled", r),
		notMine:   metrics.GetOrRegisterCounter("irq.top.not_mine", r),
		coalesced: metrics.GetOrRegisterCounter("irq.bottom.coalesced", r),
		runs:      metrics.GetOrRegisterCounter("irq.bottom.runs", r),
	}, nil
}

// Start launches the bottom-half worker.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dispatcher %q: %w", d.name, pkg.ErrAlreadyRunning)
	}
	d.started = true
	d.t.Go(d.loop)

	pkg.LogDebug(pkg.ComponentIRQ, "dispatcher started", "name", d.name)
	return nil
}

// TopHalf is the interrupt handler. It reads the status register and
// returns [NotMine] without writing anything when none of the
// dispatcher's causes is set. Otherwise it acknowledges exactly the
// observed causes, hands them to the bottom-half and returns [Handled].
//
// It takes no locks, does not allocate and does not log.
func (d *Dispatcher) TopHalf() Result {
	d.acking.Add(1)
	defer d.acking.Add(-1)

	st := d.w.Read32(regs.RegStatus) & d.causes
	if st == 0 {
		d.notMine.Inc(1)
		return NotMine
	}
	d.w.Write32(regs.RegStatus, st)
	d.accum.Or(st)
	d.handled.Inc(1)
	d.Schedule()
	return Handled
}

// Schedule requests a bottom-half run. It never blocks and is a no-op once
// the dispatcher is stopped.
func (d *Dispatcher) Schedule() {
	if d.stopped.Load() {
		return
	}
	if !d.pending.CompareAndSwap(false, true) {
		d.coalesced.Inc(1)
		return
	}
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() error {
	for {
		select {
		case <-d.t.Dying():
			return nil
		case <-d.kick:
		}

		// Clear before running so a schedule during the run is not lost.
		d.pending.Store(false)
		causes := d.accum.Swap(0)

		d.processing.Store(true)
		d.work(causes)
		d.processing.Store(false)
		d.runs.Inc(1)
	}
}

// State returns the current state.
func (d *Dispatcher) State() State {
	switch {
	case d.acking.Load() > 0:
		return StateAcknowledging
	case d.processing.Load():
		return StateProcessing
	case d.pending.Load():
		return StateDeferred
	default:
		return StateIdle
	}
}

// Pending reports whether a bottom-half run is scheduled.
func (d *Dispatcher) Pending() bool {
	return d.pending.Load()
}

// Stop disables scheduling, waits for a running bottom-half to return and
// discards any pending run. The caller must already have removed the
// top-half from its interrupt line.
func (d *Dispatcher) Stop() error {
	d.stopped.Store(true)

	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	var err error
	if started {
		d.t.Kill(nil)
		err = d.t.Wait()
	}

	select {
	case <-d.kick:
	default:
	}
	d.pending.Store(false)
	d.accum.Store(0)

	pkg.LogDebug(pkg.ComponentIRQ, "dispatcher stopped", "name", d.name)
	return err
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Handled   int64
	NotMine   int64
	Coalesced int64
	Runs      int64
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Handled:   d.handled.Count(),
		NotMine:   d.notMine.Count(),
		Coalesced: d.coalesced.Count(),
		Runs:      d.runs.Count(),
	}
}
