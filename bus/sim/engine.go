//go:build linux

package sim

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	metrics "github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/regs"
	"github.com/ardnew/softdma/ring"
)

// Mode selects when the simulated device performs queued work.
type Mode int

// Engine modes.
const (
	// ModeManual performs work only when the test calls
	// [Function.SimulateCompletion] or [Function.SimulateExchange].
	ModeManual Mode = iota

	// ModeInline performs work synchronously inside the doorbell write.
	// Interrupts are still delivered on the poller goroutine.
	ModeInline

	// ModeAsync performs work on a device goroutine, paced by the
	// configured bandwidth.
	ModeAsync
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeInline:
		return "inline"
	case ModeAsync:
		return "async"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeManual, ModeInline, ModeAsync} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("engine mode %q: %w", s, pkg.ErrInvalidParameter)
}

// Personality selects what the simulated device does with data.
type Personality int

// Device personalities.
const (
	// PersonalitySink consumes outbound data and fills inbound buffers
	// with the fill pattern.
	PersonalitySink Personality = iota

	// PersonalityLoopback delivers each outbound payload into the next
	// posted inbound buffer.
	PersonalityLoopback
)

// String returns the personality name.
func (p Personality) String() string {
	switch p {
	case PersonalitySink:
		return "sink"
	case PersonalityLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("Personality(%d)", int(p))
	}
}

// ParsePersonality parses a personality name.
func ParsePersonality(s string) (Personality, error) {
	for _, p := range []Personality{PersonalitySink, PersonalityLoopback} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("device personality %q: %w", s, pkg.ErrInvalidParameter)
}

type chanID int

const (
	chanTx chanID = iota
	chanRx
)

// channel is the device view of one descriptor ring.
type channel struct {
	table    *ring.Table
	mask     uint32
	next     uint32 // device consumer counter
	doorbell uint32 // register offset
	done     uint32 // status cause
	count    metrics.Counter
	bytes    metrics.Counter
}

// engine is the simulated DMA engine of one function.
type engine struct {
	f           *Function
	rf          *regFile
	mode        Mode
	personality Personality
	fill        byte
	limiter     *rate.Limiter

	mu       sync.Mutex // serializes device-side work and reset
	ch       [2]channel
	loop     [][]byte // loopback payloads awaiting inbound buffers
	xfer     bool     // exchange transfer pending
	xferIn   bool
	xferDone metrics.Counter
	faults   metrics.Counter
	signals  metrics.Counter

	kick chan struct{}
	t    tomb.Tomb
}

func newEngine(f *Function, rf *regFile, cfg Config, r metrics.Registry) *engine {
	e := &engine{
		f:           f,
		rf:          rf,
		mode:        cfg.Mode,
		personality: cfg.Personality,
		fill:        cfg.FillPattern,
		kick:        make(chan struct{}, 1),
		xferDone:    metrics.GetOrRegisterCounter("sim.xfer.count", r),
		faults:      metrics.GetOrRegisterCounter("sim.faults", r),
		signals:     metrics.GetOrRegisterCounter("sim.interrupts", r),
	}
	e.ch[chanTx] = channel{
		doorbell: regs.RegTxDoorbell,
		done:     regs.StatusTxDone,
		count:    metrics.GetOrRegisterCounter("sim.tx.descriptors", r),
		bytes:    metrics.GetOrRegisterCounter("sim.tx.bytes", r),
	}
	e.ch[chanRx] = channel{
		doorbell: regs.RegRxDoorbell,
		done:     regs.StatusRxDone,
		count:    metrics.GetOrRegisterCounter("sim.rx.descriptors", r),
		bytes:    metrics.GetOrRegisterCounter("sim.rx.bytes", r),
	}
	if cfg.Bandwidth > 0 {
		burst := max(cfg.Bandwidth/100, 64<<10)
		e.limiter = rate.NewLimiter(rate.Limit(cfg.Bandwidth), burst)
	}
	if e.mode == ModeAsync {
		e.t.Go(e.run)
	}
	rf.e = e
	return e
}

// =============================================================================
// Register side effects
// =============================================================================

func (e *engine) control(v uint32) {
	if v&regs.CtrlReset != 0 {
		e.reset()
		return
	}

	e.mu.Lock()
	prev := e.rf.mmio.Read32(regs.RegControl)
	e.rf.mmio.Write32(regs.RegControl, v)
	if v&regs.CtrlEnable != 0 && prev&regs.CtrlEnable == 0 {
		e.loadRingsLocked()
	}
	e.updateBusyLocked()
	e.mu.Unlock()

	if v&regs.CtrlEnable != 0 {
		e.doorbell(chanTx)
		e.doorbell(chanRx)
	}
	if v&regs.CtrlIntrEnable != 0 && prev&regs.CtrlIntrEnable == 0 {
		e.reassert()
	}
}

func (e *engine) loadRingsLocked() {
	for id, base := range map[chanID][2]uint32{
		chanTx: {regs.RegTxRingBase, regs.RegTxRingSize},
		chanRx: {regs.RegRxRingBase, regs.RegRxRingSize},
	} {
		c := &e.ch[id]
		c.table, c.next = nil, 0
		addr := e.rf.mmio.Read64(base[0])
		size := int(e.rf.mmio.Read32(base[1]))
		if size == 0 {
			continue
		}
		mem, err := e.f.arena.Translate(addr, ring.TableSize(size))
		if err != nil {
			e.faultLocked("ring table not mapped", err, 0)
			continue
		}
		t, err := ring.NewTable(mem, size)
		if err != nil {
			e.faultLocked("bad ring geometry", err, 0)
			continue
		}
		c.table, c.mask = t, uint32(size-1)
	}
}

func (e *engine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.ch {
		e.ch[i].table, e.ch[i].next = nil, 0
	}
	e.loop = nil
	e.xfer = false

	m := e.rf.mmio
	for _, off := range []uint32{
		regs.RegControl, regs.RegStatus, regs.RegIntrMask,
		regs.RegTxRingSize, regs.RegTxDoorbell,
		regs.RegRxRingSize, regs.RegRxDoorbell,
		regs.RegXferLen,
	} {
		m.Write32(off, 0)
	}
	for _, off := range []uint32{regs.RegTxRingBase, regs.RegRxRingBase, regs.RegXferAddr} {
		m.Write64(off, 0)
	}
	select {
	case <-e.kick:
	default:
	}
	pkg.LogDebug(pkg.ComponentSim, "device reset", "function", e.f.id)
}

func (e *engine) doorbell(id chanID) {
	switch e.mode {
	case ModeInline:
		e.drain(id)
	case ModeAsync:
		e.wake()
	default:
		e.mu.Lock()
		e.updateBusyLocked()
		e.mu.Unlock()
	}
}

func (e *engine) startExchange(inbound bool) {
	e.mu.Lock()
	if e.xfer {
		e.faultLocked("exchange triggered while busy", nil, 0)
		e.mu.Unlock()
		return
	}
	e.xfer, e.xferIn = true, inbound
	e.updateBusyLocked()
	e.mu.Unlock()

	switch e.mode {
	case ModeInline:
		e.exchange()
	case ModeAsync:
		e.wake()
	}
}

// =============================================================================
// Device-side work
// =============================================================================

// drain performs all available work on channel id, following loopback
// payloads into the inbound ring.
func (e *engine) drain(id chanID) int {
	n := 0
	for e.step(id) {
		n++
	}
	if id == chanTx && e.personality == PersonalityLoopback {
		for e.step(chanRx) {
		}
	}
	return n
}

// peek returns the length of the next available descriptor on channel id.
func (e *engine) peek(id chanID) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &e.ch[id]
	if !e.enabledLocked() || c.table == nil || c.next == e.rf.mmio.Read32(c.doorbell) {
		return 0, false
	}
	return int(c.table.Load(int(c.next & c.mask)).Len), true
}

// step completes one descriptor on channel id. It reports whether it made
// progress.
func (e *engine) step(id chanID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &e.ch[id]
	if !e.enabledLocked() || c.table == nil || c.next == e.rf.mmio.Read32(c.doorbell) {
		return false
	}
	i := int(c.next & c.mask)
	ent := c.table.Load(i)
	if ent.Flags&ring.FlagAvail == 0 || ent.Flags&ring.FlagDone != 0 {
		e.faultLocked("doorbell past published descriptors",
			fmt.Errorf("slot %d flags %v", i, ent.Flags), 0)
		return false
	}
	if (ent.Flags&ring.FlagInbound != 0) != (id == chanRx) {
		e.faultLocked("descriptor direction mismatch", fmt.Errorf("slot %d flags %v", i, ent.Flags), 0)
		return false
	}

	buf, err := e.f.arena.Translate(ent.Addr, int(ent.Len))
	if err != nil {
		c.table.Complete(i, 0, true)
		c.next++
		e.faultLocked("descriptor buffer not mapped", err, c.done)
		return true
	}

	var n int
	switch {
	case id == chanTx:
		if e.personality == PersonalityLoopback {
			e.loop = append(e.loop, slices.Clone(buf))
		}
		n = len(buf)
	case e.personality == PersonalityLoopback:
		if len(e.loop) == 0 {
			return false // wait for an outbound payload
		}
		n = copy(buf, e.loop[0])
		e.loop[0] = nil
		e.loop = e.loop[1:]
	default:
		for j := range buf {
			buf[j] = e.fill
		}
		n = len(buf)
	}

	c.table.Complete(i, uint32(n), false)
	c.next++
	c.count.Inc(1)
	c.bytes.Inc(int64(n))
	e.updateBusyLocked()
	e.raiseLocked(c.done)
	return true
}

// exchange runs a pending exchange transfer: inbound fills the exchange
// buffer with the fill pattern, outbound reverses it in place.
func (e *engine) exchange() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.xfer || !e.enabledLocked() {
		return false
	}
	e.xfer = false
	addr := e.rf.mmio.Read64(regs.RegXferAddr)
	n := int(e.rf.mmio.Read32(regs.RegXferLen))
	buf, err := e.f.arena.Translate(addr, n)
	if err != nil {
		e.faultLocked("exchange buffer not mapped", err, regs.StatusXferDone)
		return true
	}
	if e.xferIn {
		for i := range buf {
			buf[i] = e.fill
		}
	} else {
		slices.Reverse(buf)
	}
	e.xferDone.Inc(1)
	e.updateBusyLocked()
	e.raiseLocked(regs.StatusXferDone)
	return true
}

func (e *engine) exchangeLen() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.xfer || !e.enabledLocked() {
		return 0, false
	}
	return int(e.rf.mmio.Read32(regs.RegXferLen)), true
}

func (e *engine) enabledLocked() bool {
	return e.f.enabled.Load() && e.rf.mmio.Read32(regs.RegControl)&regs.CtrlEnable != 0
}

func (e *engine) updateBusyLocked() {
	busy := e.xfer
	if e.enabledLocked() {
		for i := range e.ch {
			c := &e.ch[i]
			if c.table != nil && c.next != e.rf.mmio.Read32(c.doorbell) {
				busy = true
			}
		}
	}
	if busy {
		e.rf.mmio.Or32(regs.RegStatus, regs.StatusBusy)
	} else {
		e.rf.mmio.And32(regs.RegStatus, ^regs.StatusBusy)
	}
}

// faultLocked reports a device error. Completion causes in done are raised
// in the same status update, so the error is never seen apart from the
// completion it belongs to.
func (e *engine) faultLocked(msg string, err error, done uint32) {
	e.faults.Inc(1)
	pkg.LogWarn(pkg.ComponentSim, msg, "function", e.f.id, "error", err)
	e.raiseLocked(regs.StatusError | done)
}

// raiseLocked sets status causes and signals the vector if an enabled
// cause is pending.
func (e *engine) raiseLocked(bits uint32) {
	e.rf.mmio.Or32(regs.RegStatus, bits)
	e.assert()
}

// reassert signals the vector for causes that are already pending, as
// level-triggered hardware does once the mask or enable bit allows it.
func (e *engine) reassert() {
	e.assert()
}

func (e *engine) assert() {
	m := e.rf.mmio
	if m.Read32(regs.RegControl)&regs.CtrlIntrEnable == 0 {
		return
	}
	if m.Read32(regs.RegStatus)&m.Read32(regs.RegIntrMask)&regs.StatusCauses == 0 {
		return
	}
	e.signals.Inc(1)
	if err := e.f.vec.signal(); err != nil {
		pkg.LogError(pkg.ComponentSim, "signal vector", "function", e.f.id, "error", err)
	}
}

// =============================================================================
// Async mode
// =============================================================================

func (e *engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *engine) run() error {
	ctx := e.t.Context(context.Background())
	for {
		select {
		case <-e.t.Dying():
			return nil
		case <-e.kick:
		}
		for e.pass(ctx) {
		}
	}
}

// pass performs at most one unit of work per channel and reports whether
// anything progressed.
func (e *engine) pass(ctx context.Context) bool {
	progress := false
	for _, id := range []chanID{chanTx, chanRx} {
		n, ok := e.peek(id)
		if !ok {
			continue
		}
		if err := e.pace(ctx, n); err != nil {
			return false
		}
		if e.step(id) {
			progress = true
		}
	}
	if n, ok := e.exchangeLen(); ok {
		if err := e.pace(ctx, n); err != nil {
			return false
		}
		if e.exchange() {
			progress = true
		}
	}
	return progress
}

func (e *engine) pace(ctx context.Context, n int) error {
	if e.limiter == nil || n <= 0 {
		return nil
	}
	return e.limiter.WaitN(ctx, min(n, e.limiter.Burst()))
}

func (e *engine) stop() error {
	if e.mode != ModeAsync {
		return nil
	}
	e.t.Kill(nil)
	return e.t.Wait()
}
