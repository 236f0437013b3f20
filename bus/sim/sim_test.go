//go:build linux

package sim

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/ardnew/softdma/dma"
	"github.com/ardnew/softdma/irq"
	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/regs"
	"github.com/ardnew/softdma/ring"
)

func newTestHost(t *testing.T, vectors int) *Host {
	t.Helper()
	h, err := NewHost(HostConfig{Vectors: vectors})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newTestFunction(t *testing.T, h *Host, cfg Config) *Function {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "0000:00:04.0"
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 64 << 10
	}
	f, err := h.NewFunction(cfg)
	if err != nil {
		t.Fatalf("NewFunction() error = %v", err)
	}
	return f
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestArena(t *testing.T) {
	a, err := NewArena(16<<10, 0x1000_0000)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	r1, err := a.AllocateCoherent(100)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := a.AllocateCoherent(64)
	if err != nil {
		t.Fatal(err)
	}
	if r1.DeviceAddr != 0x1000_0000 || r2.DeviceAddr != 0x1000_0080 {
		t.Errorf("addresses = 0x%x, 0x%x; want 0x10000000, 0x10000080", r1.DeviceAddr, r2.DeviceAddr)
	}
	if len(r1.CPU) != 100 {
		t.Errorf("len = %d, want 100", len(r1.CPU))
	}

	r1.CPU[5] = 0x42
	view, err := a.Translate(r1.DeviceAddr+5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if view[0] != 0x42 {
		t.Error("Translate() does not alias the CPU view")
	}

	if _, err := a.Translate(r1.DeviceAddr+120, 16); err == nil {
		t.Error("Translate() across allocations succeeded")
	}

	if err := a.FreeCoherent(r1); err != nil {
		t.Fatal(err)
	}
	if err := a.FreeCoherent(r1); !errors.Is(err, pkg.ErrDoubleRelease) {
		t.Errorf("second FreeCoherent() error = %v, want ErrDoubleRelease", err)
	}
	if _, err := a.Translate(r1.DeviceAddr, 1); err == nil {
		t.Error("Translate() of freed memory succeeded")
	}

	// Freed space is zeroed on reuse.
	r3, _ := a.AllocateCoherent(100)
	if r3.DeviceAddr != r1.DeviceAddr || r3.CPU[5] != 0 {
		t.Errorf("reallocation = 0x%x byte5=0x%x, want first-fit zeroed", r3.DeviceAddr, r3.CPU[5])
	}

	a.FreeCoherent(r2)
	a.FreeCoherent(r3)
	if s := a.Stats(); s.Outstanding != 0 || s.InUse != 0 || s.Allocations != 3 || s.Frees != 3 {
		t.Errorf("Stats() = %+v", s)
	}

	// Everything coalesced back into one span.
	big, err := a.AllocateCoherent(16 << 10)
	if err != nil {
		t.Fatalf("full-size allocation after frees: %v", err)
	}
	if _, err := a.AllocateCoherent(1); !errors.Is(err, pkg.ErrOutOfMemory) {
		t.Errorf("AllocateCoherent() on full arena error = %v, want ErrOutOfMemory", err)
	}
	a.FreeCoherent(big)
}

func TestArenaCloseLeak(t *testing.T) {
	a, err := NewArena(4096, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	a.AllocateCoherent(8)
	if err := a.Close(); !errors.Is(err, pkg.ErrLeak) {
		t.Errorf("Close() error = %v, want ErrLeak", err)
	}
	if _, err := a.AllocateCoherent(8); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("AllocateCoherent() after Close error = %v, want ErrNotRunning", err)
	}
}

func TestNewArenaInvalid(t *testing.T) {
	if _, err := NewArena(100, 0); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("NewArena(100) error = %v, want ErrInvalidParameter", err)
	}
}

func TestVectorAllocator(t *testing.T) {
	v := NewVectorAllocator(56, 2)
	a, _ := v.Alloc()
	b, _ := v.Alloc()
	if a != 56 || b != 57 {
		t.Errorf("Alloc() = %d, %d; want 56, 57", a, b)
	}
	if _, err := v.Alloc(); !errors.Is(err, pkg.ErrResourceExhausted) {
		t.Errorf("Alloc() on empty error = %v, want ErrResourceExhausted", err)
	}
	if err := v.Free(a); err != nil {
		t.Fatal(err)
	}
	if err := v.Free(a); !errors.Is(err, pkg.ErrDoubleRelease) {
		t.Errorf("double Free() error = %v, want ErrDoubleRelease", err)
	}
	if err := v.Free(99); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Free(99) error = %v, want ErrInvalidParameter", err)
	}
	if v.Available() != 1 {
		t.Errorf("Available() = %d, want 1", v.Available())
	}
}

func TestModeAndPersonalityParse(t *testing.T) {
	for _, m := range []Mode{ModeManual, ModeInline, ModeAsync} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("turbo"); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("ParseMode(turbo) error = %v", err)
	}
	if p, err := ParsePersonality("LOOPBACK"); err != nil || p != PersonalityLoopback {
		t.Errorf("ParsePersonality(LOOPBACK) = %v, %v", p, err)
	}
}

func TestFunctionLifecycle(t *testing.T) {
	h := newTestHost(t, 2)
	f := newTestFunction(t, h, Config{})

	if _, err := f.MapRegisterWindow(0); !errors.Is(err, pkg.ErrNotAttached) {
		t.Errorf("MapRegisterWindow() while disabled error = %v, want ErrNotAttached", err)
	}
	if err := f.Enable(); err != nil {
		t.Fatal(err)
	}
	w, err := f.MapRegisterWindow(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.MapRegisterWindow(0); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second MapRegisterWindow() error = %v, want ErrBusy", err)
	}
	if _, err := f.MapRegisterWindow(1); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("MapRegisterWindow(1) error = %v, want ErrInvalidParameter", err)
	}
	if id := w.Read32(regs.RegID); id != regs.DeviceID {
		t.Errorf("ID = 0x%x, want 0x%x", id, regs.DeviceID)
	}
	w.Write32(regs.RegID, 0)
	if id := w.Read32(regs.RegID); id != regs.DeviceID {
		t.Error("ID register is writable")
	}
	if err := f.UnmapRegisterWindow(w); err != nil {
		t.Fatal(err)
	}
	if err := f.UnmapRegisterWindow(w); !errors.Is(err, pkg.ErrDoubleRelease) {
		t.Errorf("second UnmapRegisterWindow() error = %v", err)
	}
	f.Disable()

	if err := f.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if h.FreeVectors() != 2 {
		t.Errorf("FreeVectors() = %d after close, want 2", h.FreeVectors())
	}
	if _, ok := h.Function(f.ID()); ok {
		t.Error("closed function still registered")
	}
}

func TestFunctionDuplicateID(t *testing.T) {
	h := newTestHost(t, 2)
	newTestFunction(t, h, Config{ID: "a"})
	if _, err := h.NewFunction(Config{ID: "a"}); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("NewFunction() duplicate error = %v, want ErrBusy", err)
	}
}

func TestFaultInjection(t *testing.T) {
	h := newTestHost(t, 1)
	f := newTestFunction(t, h, Config{})
	boom := errors.New("boom")

	f.Inject(FaultEnable, boom)
	if err := f.Enable(); !errors.Is(err, boom) {
		t.Errorf("Enable() error = %v, want boom", err)
	}
	if err := f.Enable(); err != nil {
		t.Errorf("Enable() after one-shot fault error = %v", err)
	}

	f.Inject(FaultAllocate, pkg.ErrOutOfMemory)
	if _, err := f.AllocateCoherent(64); !errors.Is(err, pkg.ErrOutOfMemory) {
		t.Errorf("AllocateCoherent() error = %v, want ErrOutOfMemory", err)
	}
}

func TestStatusWriteOneToClear(t *testing.T) {
	h := newTestHost(t, 1)
	f := newTestFunction(t, h, Config{})
	f.Enable()
	w, _ := f.MapRegisterWindow(0)

	f.rf.mmio.Or32(regs.RegStatus, regs.StatusBusy|regs.StatusTxDone|regs.StatusRxDone)
	w.Write32(regs.RegStatus, regs.StatusTxDone|regs.StatusBusy)
	if st := w.Read32(regs.RegStatus); st != regs.StatusBusy|regs.StatusRxDone {
		t.Errorf("STATUS = 0x%x, want busy|rx", st)
	}
}

func TestSharedVector(t *testing.T) {
	h := newTestHost(t, 1)
	a := newTestFunction(t, h, Config{ID: "a"})
	if _, err := h.NewFunction(Config{ID: "b", MemorySize: 4096}); !errors.Is(err, pkg.ErrResourceExhausted) {
		t.Fatalf("NewFunction() without sharing error = %v, want ErrResourceExhausted", err)
	}
	b := newTestFunction(t, h, Config{ID: "b", ShareVector: true})
	if a.Vector() != b.Vector() {
		t.Fatalf("vectors %d, %d; want shared", a.Vector(), b.Vector())
	}

	var aCalls, bCalls atomic.Int32
	ia, _ := a.RequestInterrupt("a", func() irq.Result { aCalls.Add(1); return irq.NotMine })
	ib, _ := b.RequestInterrupt("b", func() irq.Result { bCalls.Add(1); return irq.Handled })
	if h.Line(a.Vector()).Handlers() != 2 {
		t.Errorf("Handlers() = %d, want 2", h.Line(a.Vector()).Handlers())
	}

	b.Signal()
	eventually(t, "delivery", func() bool { return aCalls.Load() == 1 && bCalls.Load() == 1 })

	if err := a.FreeInterrupt(ib); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("FreeInterrupt() of foreign handler error = %v", err)
	}
	a.FreeInterrupt(ia)
	b.FreeInterrupt(ib)

	a.Close()
	if h.FreeVectors() != 0 {
		t.Error("shared vector freed while still in use")
	}
	b.Close()
	if h.FreeVectors() != 1 {
		t.Error("vector not freed after last user closed")
	}
}

func TestSpuriousSignal(t *testing.T) {
	h := newTestHost(t, 1)
	f := newTestFunction(t, h, Config{})
	f.RequestInterrupt("quiet", func() irq.Result { return irq.NotMine })

	f.Signal()
	line := h.Line(f.Vector())
	eventually(t, "spurious count", func() bool { return line.Stats().Spurious == 1 })
}

// device programs a function the way a driver would, without the device
// package.
type device struct {
	f      *Function
	w      regs.Window
	tx, rx *ring.Ring
	pool   *dma.Pool
	causes chan uint32
}

func newDevice(t *testing.T, f *Function) *device {
	t.Helper()
	if err := f.Enable(); err != nil {
		t.Fatal(err)
	}
	w, err := f.MapRegisterWindow(0)
	if err != nil {
		t.Fatal(err)
	}
	d := &device{f: f, w: w, causes: make(chan uint32, 64)}

	mk := func(dir ring.Direction) *ring.Ring {
		mem, err := dma.Allocate(f, ring.TableSize(8))
		if err != nil {
			t.Fatal(err)
		}
		r, err := ring.New(dir, mem, 8)
		if err != nil {
			t.Fatal(err)
		}
		return r
	}
	d.tx, d.rx = mk(ring.Outbound), mk(ring.Inbound)
	if d.pool, err = dma.NewPool(f, dma.PoolConfig{SlotSize: 256, Count: 16}); err != nil {
		t.Fatal(err)
	}

	f.RequestInterrupt("test", func() irq.Result {
		st := w.Read32(regs.RegStatus) & regs.StatusCauses
		if st == 0 {
			return irq.NotMine
		}
		w.Write32(regs.RegStatus, st)
		d.causes <- st
		return irq.Handled
	})

	w.Write64(regs.RegTxRingBase, d.tx.TableAddr())
	w.Write32(regs.RegTxRingSize, 8)
	w.Write64(regs.RegRxRingBase, d.rx.TableAddr())
	w.Write32(regs.RegRxRingSize, 8)
	w.Write32(regs.RegIntrMask, regs.StatusCauses)
	w.Write32(regs.RegControl, regs.CtrlEnable|regs.CtrlIntrEnable)
	return d
}

func (d *device) post(t *testing.T, dir ring.Direction, payload []byte, size int) *dma.Buffer {
	t.Helper()
	b, err := d.pool.Acquire(size)
	if err != nil {
		t.Fatal(err)
	}
	r, bell := d.tx, uint32(regs.RegTxDoorbell)
	if dir == ring.Inbound {
		r, bell = d.rx, regs.RegRxDoorbell
	}
	if payload != nil {
		data, _ := b.Bytes()
		copy(data, payload)
	}
	if _, err := r.Submit(ring.Descriptor{Buffer: b, Direction: dir}); err != nil {
		t.Fatal(err)
	}
	d.w.Barrier()
	d.w.Write32(bell, r.Head())
	return b
}

func (d *device) waitCause(t *testing.T, want uint32) {
	t.Helper()
	var seen uint32
	deadline := time.After(2 * time.Second)
	for seen&want != want {
		select {
		case c := <-d.causes:
			seen |= c
		case <-deadline:
			t.Fatalf("causes 0x%x, want 0x%x", seen, want)
		}
	}
}

func reclaimAll(t *testing.T, r *ring.Ring) []ring.Descriptor {
	t.Helper()
	var out []ring.Descriptor
	for desc, err := range r.Reclaim() {
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, desc)
	}
	return out
}

// An inbound buffer is filled with the pattern, completed and announced by
// an interrupt; the reclaimed buffer holds the pattern.
func TestInboundFill(t *testing.T) {
	h := newTestHost(t, 1)
	f := newTestFunction(t, h, Config{Mode: ModeManual})
	d := newDevice(t, f)

	d.post(t, ring.Inbound, nil, 128)
	if st := d.w.Read32(regs.RegStatus); st&regs.StatusBusy == 0 {
		t.Error("device not busy with a posted descriptor")
	}
	if n := f.SimulateCompletion(ring.Inbound, 0); n != 1 {
		t.Fatalf("SimulateCompletion() = %d, want 1", n)
	}
	d.waitCause(t, regs.StatusRxDone)

	got := reclaimAll(t, d.rx)
	if len(got) != 1 {
		t.Fatalf("reclaimed %d, want 1", len(got))
	}
	data, err := got[0].Buffer.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Length != 128 || !bytes.Equal(data, bytes.Repeat([]byte{0xAA}, 128)) {
		t.Errorf("buffer = %x (len %d), want 128 bytes of 0xAA", data[:8], got[0].Length)
	}
	if st := d.w.Read32(regs.RegStatus); st&regs.StatusBusy != 0 {
		t.Error("device still busy after completion")
	}
}

func TestLoopbackInline(t *testing.T) {
	h := newTestHost(t, 1)
	f := newTestFunction(t, h, Config{Mode: ModeInline, Personality: PersonalityLoopback})
	d := newDevice(t, f)

	d.post(t, ring.Inbound, nil, 64)
	d.post(t, ring.Outbound, []byte("hello, device"), 13)
	d.waitCause(t, regs.StatusTxDone|regs.StatusRxDone)

	tx := reclaimAll(t, d.tx)
	rx := reclaimAll(t, d.rx)
	if len(tx) != 1 || len(rx) != 1 {
		t.Fatalf("reclaimed tx=%d rx=%d, want 1/1", len(tx), len(rx))
	}
	data, _ := rx[0].Buffer.Bytes()
	if got := string(data[:rx[0].Length]); got != "hello, device" {
		t.Errorf("loopback payload = %q", got)
	}
}

func TestExchangeInline(t *testing.T) {
	h := newTestHost(t, 1)
	f := newTestFunction(t, h, Config{Mode: ModeInline})
	d := newDevice(t, f)

	buf, err := dma.Allocate(f, 8)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := buf.Bytes()
	copy(data, "abcdefgh")

	d.w.Write64(regs.RegXferAddr, buf.DeviceAddr())
	d.w.Write32(regs.RegXferLen, 8)
	d.w.Barrier()
	d.w.Write32(regs.RegXferCommand, regs.XferStart)
	d.waitCause(t, regs.StatusXferDone)
	if string(data) != "hgfedcba" {
		t.Errorf("outbound exchange = %q, want reversed", data)
	}

	d.w.Write32(regs.RegXferCommand, regs.XferStart|regs.XferInbound)
	d.waitCause(t, regs.StatusXferDone)
	if !bytes.Equal(data, bytes.Repeat([]byte{0xAA}, 8)) {
		t.Errorf("inbound exchange = %x, want fill", data)
	}
}

// strayAllocator hands out memory whose bus address no arena maps.
type strayAllocator struct{}

func (strayAllocator) AllocateCoherent(size int) (dma.Region, error) {
	return dma.Region{CPU: make([]byte, size), DeviceAddr: 0x1000}, nil
}

func (strayAllocator) FreeCoherent(dma.Region) error { return nil }

// A transfer against unmapped memory completes with the error cause set in
// the same status update, and the vector is signaled once.
func TestFaultRaisedWithCompletion(t *testing.T) {
	tests := []struct {
		name  string
		start func(t *testing.T, d *device)
		want  uint32
	}{
		{
			name: "exchange",
			start: func(t *testing.T, d *device) {
				d.w.Write64(regs.RegXferAddr, 0x1000)
				d.w.Write32(regs.RegXferLen, 8)
				d.w.Barrier()
				d.w.Write32(regs.RegXferCommand, regs.XferStart)
				if !d.f.SimulateExchange() {
					t.Fatal("SimulateExchange() = false, want a pending exchange")
				}
			},
			want: regs.StatusXferDone | regs.StatusError,
		},
		{
			name: "descriptor",
			start: func(t *testing.T, d *device) {
				b, err := dma.Allocate(strayAllocator{}, 16)
				if err != nil {
					t.Fatal(err)
				}
				if _, err := d.tx.Submit(ring.Descriptor{Buffer: b, Direction: ring.Outbound}); err != nil {
					t.Fatal(err)
				}
				d.w.Barrier()
				d.w.Write32(regs.RegTxDoorbell, d.tx.Head())
				if n := d.f.SimulateCompletion(ring.Outbound, 0); n != 1 {
					t.Fatalf("SimulateCompletion() = %d, want 1", n)
				}
			},
			want: regs.StatusTxDone | regs.StatusError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHost(t, 1)
			f := newTestFunction(t, h, Config{Mode: ModeManual})
			d := newDevice(t, f)
			signals := f.Metrics().Get("sim.interrupts").(metrics.Counter)
			before := signals.Count()

			tt.start(t, d)

			if got := signals.Count() - before; got != 1 {
				t.Errorf("vector signaled %d times, want 1", got)
			}
			select {
			case got := <-d.causes:
				if got&tt.want != tt.want {
					t.Errorf("first causes = 0x%x, want 0x%x together", got, tt.want)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no interrupt")
			}
		})
	}
}

func TestAsyncBandwidth(t *testing.T) {
	h := newTestHost(t, 1)
	f := newTestFunction(t, h, Config{Mode: ModeAsync, Bandwidth: 1 << 20})
	d := newDevice(t, f)

	for range 4 {
		d.post(t, ring.Outbound, []byte{1, 2, 3}, 256)
	}
	done := 0
	eventually(t, "async completions", func() bool {
		done += len(reclaimAll(t, d.tx))
		return done == 4
	})
	if got := f.Metrics().Get("sim.tx.bytes").(metrics.Counter).Count(); got != 4*256 {
		t.Errorf("sim.tx.bytes = %d, want %d", got, 4*256)
	}
}

func TestResetStopsDevice(t *testing.T) {
	h := newTestHost(t, 1)
	f := newTestFunction(t, h, Config{Mode: ModeManual})
	d := newDevice(t, f)

	d.post(t, ring.Inbound, nil, 32)
	d.w.Write32(regs.RegControl, regs.CtrlReset)

	if st := d.w.Read32(regs.RegStatus); st != 0 {
		t.Errorf("STATUS after reset = 0x%x, want 0", st)
	}
	if ctl := d.w.Read32(regs.RegControl); ctl != 0 {
		t.Errorf("CONTROL after reset = 0x%x, want 0", ctl)
	}
	if n := f.SimulateCompletion(ring.Inbound, 0); n != 0 {
		t.Errorf("SimulateCompletion() after reset = %d, want 0", n)
	}
}
