package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/ardnew/softdma/dma"
	"github.com/ardnew/softdma/flow"
	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/regs"
	"github.com/ardnew/softdma/ring"
)

// =============================================================================
// Submission
// =============================================================================

func (h *Handle) submitTx(d ring.Descriptor) error {
	return h.post(h.tx, &h.txBell, regs.RegTxDoorbell, d)
}

func (h *Handle) submitRx(d ring.Descriptor) error {
	return h.post(h.rx, &h.rxBell, regs.RegRxDoorbell, d)
}

// post publishes d on r and rings the doorbell. Descriptor fields and flags
// are visible to the device before the barrier, the barrier before the
// doorbell.
func (h *Handle) post(r *ring.Ring, bell *sync.Mutex, reg uint32, d ring.Descriptor) error {
	bell.Lock()
	defer bell.Unlock()

	if err := h.usable(); err != nil {
		return err
	}
	if _, err := r.Submit(d); err != nil {
		if errors.Is(err, pkg.ErrProtocolViolation) {
			h.fault(err)
		}
		return err
	}
	h.w.Barrier()
	h.w.Write32(reg, r.Head())
	return nil
}

// enter admits a submitter that will hold a pool buffer. Teardown waits
// for every admitted submitter to leave before closing the pool.
func (h *Handle) enter() error {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	if err := h.usable(); err != nil {
		return err
	}
	h.callers.Add(1)
	return nil
}

// acquire takes a pool buffer of n bytes, copying p into it if non-nil.
func (h *Handle) acquire(n int, p []byte) (*dma.Buffer, error) {
	b, err := h.pool.Acquire(n)
	if err != nil {
		return nil, err
	}
	if p != nil {
		data, err := b.Bytes()
		if err != nil {
			return nil, multierr.Append(err, b.Release())
		}
		copy(data, p)
	}
	return b, nil
}

// submitErr prefers the fault that closed the flow controllers over the
// controller's own error.
func (h *Handle) submitErr(op string, err error) error {
	if ferr := h.Faulted(); ferr != nil {
		err = ferr
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// Outbound
// =============================================================================

// Transmit sends p to the device, waiting for a ring slot while the
// outbound ring is full. The payload is copied into a pool buffer that is
// released once the device completes it.
//
// It fails with [pkg.ErrOutOfMemory] when the pool is exhausted and with
// [pkg.ErrDeviceNotResponding] when ctx ends before a slot frees up.
func (h *Handle) Transmit(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return fmt.Errorf("transmit: empty payload: %w", pkg.ErrInvalidParameter)
	}
	if err := h.enter(); err != nil {
		return err
	}
	defer h.callers.Done()
	b, err := h.acquire(len(p), p)
	if err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	if err := h.txFlow.Submit(ctx, h.txDescriptor(b)); err != nil {
		return h.submitErr("transmit", multierr.Append(err, b.Release()))
	}
	return nil
}

// TryTransmit sends p without blocking. When the outbound ring is full it
// returns a [Pending] transmission together with [pkg.ErrRingFull]; the
// payload stays queued in order until the caller resumes or cancels it.
func (h *Handle) TryTransmit(p []byte) (*Pending, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("transmit: empty payload: %w", pkg.ErrInvalidParameter)
	}
	if err := h.enter(); err != nil {
		return nil, err
	}
	defer h.callers.Done()
	b, err := h.acquire(len(p), p)
	if err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	d := h.txDescriptor(b)
	h.pmu.Lock()
	defer h.pmu.Unlock()
	w, err := h.txFlow.TrySubmit(d)
	if w != nil {
		pt := &Pending{h: h, w: w, d: d}
		h.pending[pt] = struct{}{}
		return pt, err
	}
	if err != nil {
		return nil, h.submitErr("transmit", multierr.Append(err, b.Release()))
	}
	return nil, nil
}

func (h *Handle) txDescriptor(b *dma.Buffer) ring.Descriptor {
	return ring.Descriptor{
		Buffer:    b,
		Direction: ring.Outbound,
		Done:      h.completeTx,
	}
}

func (h *Handle) completeTx(d ring.Descriptor) {
	switch d.Status {
	case pkg.TransferStatusSuccess:
		h.txPackets.Inc(1)
		h.txBytes.Inc(int64(d.Length))
	case pkg.TransferStatusAborted:
		h.aborted.Inc(1)
	default:
		h.txErrors.Inc(1)
	}
	if err := d.Buffer.Release(); err != nil {
		h.fault(err)
	}
}

// Pending is an outbound payload waiting for a ring slot. Detach drops
// payloads still pending and releases their buffers.
type Pending struct {
	h *Handle
	w *flow.Waiter
	d ring.Descriptor
}

// Ready is closed once a slot is reserved for the payload, or the device
// is detaching or faulted.
func (p *Pending) Ready() <-chan struct{} {
	return p.w.Ready()
}

// Resume submits the payload using its reservation. Before Ready it fails
// with [pkg.ErrBusy] and the payload stays queued; any other failure drops
// the payload.
func (p *Pending) Resume() error {
	h := p.h
	h.pmu.Lock()
	defer h.pmu.Unlock()

	if _, ok := h.pending[p]; !ok {
		if h.state.Load() != stateAttached {
			return fmt.Errorf("resume: device %s: %w", h.id, pkg.ErrNotAttached)
		}
		return fmt.Errorf("resume: transmission finished: %w", pkg.ErrInvalidParameter)
	}
	err := h.txFlow.Retry(p.w, p.d)
	switch {
	case err == nil:
		delete(h.pending, p)
		return nil
	case errors.Is(err, pkg.ErrBusy):
		return err
	default:
		delete(h.pending, p)
		return h.submitErr("resume", multierr.Append(err, p.d.Buffer.Release()))
	}
}

// Cancel withdraws the payload and releases its buffer. A reservation it
// held passes to the next queued transmission.
func (p *Pending) Cancel() {
	p.w.Cancel()
	if err := p.drop(); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "release canceled payload", "device", p.h.id, "error", err)
	}
}

func (p *Pending) drop() error {
	p.h.pmu.Lock()
	defer p.h.pmu.Unlock()
	if _, ok := p.h.pending[p]; !ok {
		return nil
	}
	delete(p.h.pending, p)
	return p.d.Buffer.Release()
}

// dropPending releases every payload still parked at detach.
func (h *Handle) dropPending() error {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	var err error
	for p := range h.pending {
		p.w.Cancel()
		err = multierr.Append(err, p.d.Buffer.Release())
		h.aborted.Inc(1)
	}
	clear(h.pending)
	return err
}

// =============================================================================
// Inbound
// =============================================================================

// Packet is an inbound buffer the device completed.
type Packet struct {
	Buffer *dma.Buffer
	Len    int
	Status pkg.TransferStatus
}

// Bytes returns the received data.
func (p Packet) Bytes() ([]byte, error) {
	b, err := p.Buffer.Bytes()
	if err != nil {
		return nil, err
	}
	return b[:p.Len], nil
}

// Err returns the error the device reported for the packet, or nil.
func (p Packet) Err() error {
	return p.Status.Error()
}

// PostReceive hands the device an empty inbound buffer of size bytes,
// waiting for a ring slot while the inbound ring is full.
func (h *Handle) PostReceive(ctx context.Context, size int) error {
	if err := h.enter(); err != nil {
		return err
	}
	defer h.callers.Done()
	b, err := h.acquire(size, nil)
	if err != nil {
		return fmt.Errorf("post receive: %w", err)
	}
	d := ring.Descriptor{
		Buffer:    b,
		Direction: ring.Inbound,
		Done:      h.completeRx,
	}
	if err := h.rxFlow.Submit(ctx, d); err != nil {
		return h.submitErr("post receive", multierr.Append(err, b.Release()))
	}
	return nil
}

// Receive returns the oldest inbound buffer the device has filled. A
// positive size first posts a fresh buffer of that many bytes. The caller
// owns the returned packet and must hand it back with [Handle.Release].
//
// It fails with [pkg.ErrDeviceNotResponding] when ctx ends first.
func (h *Handle) Receive(ctx context.Context, size int) (Packet, error) {
	if size > 0 {
		if err := h.PostReceive(ctx, size); err != nil {
			return Packet{}, err
		}
	}
	select {
	case p := <-h.rxq:
		return p, nil
	case <-h.done:
		return Packet{}, fmt.Errorf("receive: device %s: %w", h.id, pkg.ErrNotAttached)
	case <-ctx.Done():
		return Packet{}, fmt.Errorf("receive: %w: %w", pkg.ErrDeviceNotResponding, ctx.Err())
	}
}

// Release returns a received packet's buffer to the pool.
func (h *Handle) Release(p Packet) error {
	return p.Buffer.Release()
}

func (h *Handle) completeRx(d ring.Descriptor) {
	switch d.Status {
	case pkg.TransferStatusSuccess:
		h.rxPackets.Inc(1)
		h.rxBytes.Inc(int64(d.Length))
	case pkg.TransferStatusAborted:
		h.aborted.Inc(1)
	default:
		h.rxErrors.Inc(1)
	}
	if h.state.Load() != stateAttached {
		if err := d.Buffer.Release(); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "release inbound buffer", "device", h.id, "error", err)
		}
		return
	}
	// The queue holds one entry per pool slot and never fills.
	h.rxq <- Packet{Buffer: d.Buffer, Len: int(d.Length), Status: d.Status}
}

// =============================================================================
// Bottom-half
// =============================================================================

// work is the dispatcher bottom-half. It reclaims completed descriptors
// from both rings, finishes the exchange transfer and reports the run on
// the event channel.
func (h *Handle) work(causes uint32) {
	var err error
	if causes&(regs.StatusTxDone|regs.StatusError) != 0 {
		err = multierr.Append(err, h.reclaim(h.tx, h.txFlow))
	}
	if causes&(regs.StatusRxDone|regs.StatusError) != 0 {
		err = multierr.Append(err, h.reclaim(h.rx, h.rxFlow))
	}
	if causes&regs.StatusXferDone != 0 {
		err = multierr.Append(err, h.finishTransfer(causes&regs.StatusError != 0))
	}
	if causes&regs.StatusError != 0 {
		h.devErrors.Inc(1)
		pkg.LogWarn(pkg.ComponentDevice, "device reported error", "device", h.id)
	}
	if err != nil {
		h.fault(err)
	}

	ev := Event{Status: causes, Err: err}
	if ev.Err == nil && causes&regs.StatusError != 0 {
		ev.Err = pkg.ErrTransferFailed
	}
	h.emit(ev)
}

// reclaim completes every finished descriptor on r and returns their slots
// to fc.
func (h *Handle) reclaim(r *ring.Ring, fc *flow.Controller) error {
	var err error
	n := 0
	for d, rerr := range r.Reclaim() {
		if rerr != nil {
			err = rerr
			break
		}
		d.Complete()
		n++
	}
	return multierr.Append(err, fc.Complete(n))
}
