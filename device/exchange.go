package device

import (
	"context"
	"fmt"

	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/regs"
	"github.com/ardnew/softdma/ring"
)

// transfer is one exchange transfer. done is closed when it finishes; err
// is set before.
type transfer struct {
	dir  ring.Direction
	n    int
	done chan struct{}
	err  error
}

func (x *transfer) finished() bool {
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

// Exchange returns the DMA-backed exchange buffer for direct access. It
// fails with [pkg.ErrOwnership] while a transfer is in flight, and the
// slice must not be touched between [Handle.StartTransfer] and the end of
// [Handle.WaitTransfer].
func (h *Handle) Exchange() ([]byte, error) {
	if h.state.Load() != stateAttached {
		return nil, fmt.Errorf("exchange: device %s: %w", h.id, pkg.ErrNotAttached)
	}
	if h.xbuf == nil {
		return nil, fmt.Errorf("exchange: no exchange buffer: %w", pkg.ErrNotSupported)
	}
	return h.xbuf.Bytes()
}

// StartTransfer triggers a device transfer over the first n bytes of the
// exchange buffer. Only one transfer is in flight at a time: a second call
// before the first completes fails with [pkg.ErrBusy] and is not queued.
func (h *Handle) StartTransfer(dir ring.Direction, n int) error {
	if err := h.usable(); err != nil {
		return err
	}
	if h.xbuf == nil {
		return fmt.Errorf("start transfer: no exchange buffer: %w", pkg.ErrNotSupported)
	}
	if n <= 0 || n > int(h.xbuf.Len()) {
		return fmt.Errorf("start transfer of %d bytes, buffer holds %d: %w",
			n, h.xbuf.Len(), pkg.ErrInvalidParameter)
	}

	h.xmu.Lock()
	defer h.xmu.Unlock()

	if h.xfer != nil && !h.xfer.finished() {
		return fmt.Errorf("start transfer: %w", pkg.ErrBusy)
	}
	if err := h.xbuf.ToDevice(); err != nil {
		return fmt.Errorf("start transfer: %w", err)
	}
	h.xfer = &transfer{dir: dir, n: n, done: make(chan struct{})}

	cmd := regs.XferStart
	if dir == ring.Inbound {
		cmd |= regs.XferInbound
	}
	h.w.Write64(regs.RegXferAddr, h.xbuf.DeviceAddr())
	h.w.Write32(regs.RegXferLen, uint32(n))
	h.w.Barrier()
	h.w.Write32(regs.RegXferCommand, cmd)

	pkg.LogDebug(pkg.ComponentDevice, "transfer started",
		"device", h.id,
		"direction", dir.String(),
		"bytes", n)
	return nil
}

// WaitTransfer waits for the most recent transfer to finish and returns
// its outcome. It fails with [pkg.ErrDeviceNotResponding] when ctx ends
// first; the transfer stays in flight.
func (h *Handle) WaitTransfer(ctx context.Context) error {
	h.xmu.Lock()
	x := h.xfer
	h.xmu.Unlock()

	if x == nil {
		return fmt.Errorf("wait transfer: none started: %w", pkg.ErrInvalidParameter)
	}
	select {
	case <-x.done:
		return x.err
	case <-ctx.Done():
		return fmt.Errorf("wait transfer: %w: %w", pkg.ErrDeviceNotResponding, ctx.Err())
	}
}

// finishTransfer completes the transfer in flight when the device raises
// the exchange cause.
func (h *Handle) finishTransfer(failed bool) error {
	h.xmu.Lock()
	defer h.xmu.Unlock()

	x := h.xfer
	if x == nil || x.finished() {
		pkg.LogDebug(pkg.ComponentDevice, "exchange completion without transfer", "device", h.id)
		return nil
	}
	if err := h.xbuf.ToCPU(); err != nil {
		return pkg.Violation(err)
	}
	if failed {
		x.err = fmt.Errorf("transfer of %d bytes: %w", x.n, pkg.ErrTransferFailed)
	}
	h.transfers.Inc(1)
	close(x.done)
	return nil
}

// abortTransfer fails a transfer still in flight at detach.
func (h *Handle) abortTransfer() {
	h.xmu.Lock()
	defer h.xmu.Unlock()

	x := h.xfer
	if x == nil || x.finished() {
		return
	}
	h.xbuf.ForceCPU()
	x.err = fmt.Errorf("transfer of %d bytes: %w", x.n, pkg.ErrNotAttached)
	close(x.done)
	h.aborted.Inc(1)
}
