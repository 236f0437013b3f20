package bus

import (
	"github.com/ardnew/softdma/dma"
	"github.com/ardnew/softdma/irq"
	"github.com/ardnew/softdma/regs"
)

// IRQ identifies an interrupt handler installed by
// [Function.RequestInterrupt].
type IRQ struct {
	Vector int       // Interrupt vector the handler is installed on
	Token  irq.Token // Handler token on the vector's line
}

// Function is a bus function (one DMA-capable device) as handed out by the
// bus and resource layer. Enumeration and resource assignment happen before
// a Function reaches the driver.
type Function interface {
	// ID returns a stable identifier, such as a bus address.
	ID() string

	// Enable turns on the function's memory decoding and bus mastering.
	Enable() error

	// Disable reverses Enable.
	Disable() error

	// MapRegisterWindow maps the register window of base address
	// register bar.
	MapRegisterWindow(bar int) (regs.Window, error)

	// UnmapRegisterWindow unmaps a window returned by MapRegisterWindow.
	UnmapRegisterWindow(w regs.Window) error

	// RequestInterrupt installs h on the function's interrupt line. The
	// line may be shared with other functions.
	RequestInterrupt(name string, h irq.Handler) (IRQ, error)

	// FreeInterrupt removes a handler. It waits for a delivery in
	// progress, so the handler is not running once it returns.
	FreeInterrupt(i IRQ) error

	// AllocateCoherent and FreeCoherent manage memory visible to both the
	// CPU and the device.
	dma.Allocator
}
