package regs

import (
	"context"
	"errors"
	"testing"
	"time"
	"unsafe"

	"github.com/ardnew/softdma/pkg"
)

func newTestWindow(t *testing.T) *MMIO {
	t.Helper()
	// uint64 backing guarantees 8-byte alignment.
	backing := make([]uint64, WindowSize/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), WindowSize)
	w, err := NewMMIO(mem)
	if err != nil {
		t.Fatalf("NewMMIO() error = %v", err)
	}
	return w
}

func TestNewMMIOInvalid(t *testing.T) {
	tests := []struct {
		name string
		mem  []byte
	}{
		{"empty", nil},
		{"odd size", make([]byte, 12)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMMIO(tt.mem); !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("NewMMIO() error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestMMIOAccess(t *testing.T) {
	w := newTestWindow(t)

	w.Write32(RegControl, CtrlEnable|CtrlIntrEnable)
	if got := w.Read32(RegControl); got != CtrlEnable|CtrlIntrEnable {
		t.Errorf("Read32(CONTROL) = 0x%x, want 0x%x", got, CtrlEnable|CtrlIntrEnable)
	}

	w.Write64(RegTxRingBase, 0x0000_0001_2345_6000)
	if got := w.Read64(RegTxRingBase); got != 0x0000_0001_2345_6000 {
		t.Errorf("Read64(TX_RING_BASE) = 0x%x", got)
	}
	if lo := w.Read32(RegTxRingBase); lo != 0x2345_6000 {
		t.Errorf("low word = 0x%x, want 0x23456000", lo)
	}
	if hi := w.Read32(RegTxRingBase + 4); hi != 1 {
		t.Errorf("high word = 0x%x, want 1", hi)
	}

	prev := w.Or32(RegStatus, StatusTxDone)
	if prev != 0 {
		t.Errorf("Or32() previous = 0x%x, want 0", prev)
	}
	w.Or32(RegStatus, StatusRxDone)
	w.And32(RegStatus, ^StatusTxDone)
	if got := w.Read32(RegStatus); got != StatusRxDone {
		t.Errorf("STATUS = 0x%x, want 0x%x", got, StatusRxDone)
	}

	w.Barrier()
	if w.Size() != WindowSize {
		t.Errorf("Size() = %d, want %d", w.Size(), WindowSize)
	}
}

func TestMMIOOutOfRange(t *testing.T) {
	w := newTestWindow(t)
	tests := []struct {
		name string
		fn   func()
	}{
		{"past end", func() { w.Read32(WindowSize) }},
		{"misaligned 32", func() { w.Write32(RegControl+1, 0) }},
		{"misaligned 64", func() { w.Read64(RegTxDoorbell) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn()
		})
	}
}

func TestPoll(t *testing.T) {
	w := newTestWindow(t)
	w.Write32(RegStatus, StatusBusy)

	go func() {
		time.Sleep(5 * time.Millisecond)
		w.And32(RegStatus, ^StatusBusy)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Poll(ctx, w, RegStatus, StatusBusy, 0); err != nil {
		t.Errorf("Poll() error = %v", err)
	}
}

func TestPollTimeout(t *testing.T) {
	w := newTestWindow(t)
	w.Write32(RegStatus, StatusBusy)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := Poll(ctx, w, RegStatus, StatusBusy, 0)
	if !errors.Is(err, pkg.ErrDeviceNotResponding) {
		t.Errorf("Poll() error = %v, want ErrDeviceNotResponding", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Poll() error = %v, want DeadlineExceeded", err)
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		off  uint32
		want string
	}{
		{RegID, "ID"},
		{RegStatus, "STATUS"},
		{RegRxDoorbell, "RX_DOORBELL"},
		{RegXferCommand, "XFER_COMMAND"},
		{0x7f0, "REG_0x7f0"},
	}
	for _, tt := range tests {
		if got := Name(tt.off); got != tt.want {
			t.Errorf("Name(0x%x) = %q, want %q", tt.off, got, tt.want)
		}
	}
}
