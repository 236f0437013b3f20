package regs

import "fmt"

// DeviceID is the value of [RegID] on a supported device ("SDMA" in
// little-endian byte order).
const DeviceID uint32 = 0x414D4453

// WindowSize is the size of the register window in bytes.
const WindowSize = 0x1000

// Register offsets. Registers are 32-bit unless noted.
const (
	RegID          = 0x00 // device identification (R)
	RegControl     = 0x04 // control bits (RW)
	RegStatus      = 0x08 // status and interrupt causes (R, W1C)
	RegIntrMask    = 0x0c // enabled interrupt causes (RW)
	RegTxRingBase  = 0x10 // outbound descriptor table device address, 64-bit (RW)
	RegTxRingSize  = 0x18 // outbound ring capacity (RW)
	RegTxDoorbell  = 0x1c // outbound producer counter (W)
	RegRxRingBase  = 0x20 // inbound descriptor table device address, 64-bit (RW)
	RegRxRingSize  = 0x28 // inbound ring capacity (RW)
	RegRxDoorbell  = 0x2c // inbound producer counter (W)
	RegXferAddr    = 0x30 // exchange buffer device address, 64-bit (RW)
	RegXferLen     = 0x38 // exchange transfer length (RW)
	RegXferCommand = 0x3c // exchange transfer trigger (W)
)

// Control register bits.
const (
	CtrlEnable     uint32 = 1 << 0  // DMA engine enabled
	CtrlIntrEnable uint32 = 1 << 1  // interrupt generation enabled
	CtrlReset      uint32 = 1 << 31 // reset; self-clearing
)

// Status register bits. All bits except StatusBusy are write-1-to-clear
// interrupt causes.
const (
	StatusBusy     uint32 = 1 << 0 // engine has work in progress (R)
	StatusTxDone   uint32 = 1 << 1 // outbound descriptors completed
	StatusRxDone   uint32 = 1 << 2 // inbound descriptors completed
	StatusXferDone uint32 = 1 << 3 // exchange transfer completed
	StatusError    uint32 = 1 << 4 // device error

	// StatusCauses is the set of interrupt cause bits.
	StatusCauses = StatusTxDone | StatusRxDone | StatusXferDone | StatusError
)

// Exchange command bits.
const (
	XferStart   uint32 = 1 << 0 // start the transfer
	XferInbound uint32 = 1 << 1 // device writes the exchange buffer
)

var names = map[uint32]string{
	RegID:          "ID",
	RegControl:     "CONTROL",
	RegStatus:      "STATUS",
	RegIntrMask:    "INTR_MASK",
	RegTxRingBase:  "TX_RING_BASE",
	RegTxRingSize:  "TX_RING_SIZE",
	RegTxDoorbell:  "TX_DOORBELL",
	RegRxRingBase:  "RX_RING_BASE",
	RegRxRingSize:  "RX_RING_SIZE",
	RegRxDoorbell:  "RX_DOORBELL",
	RegXferAddr:    "XFER_ADDR",
	RegXferLen:     "XFER_LEN",
	RegXferCommand: "XFER_COMMAND",
}

// Name returns the register name at offset off, for logging.
func Name(off uint32) string {
	if n, ok := names[off]; ok {
		return n
	}
	return fmt.Sprintf("REG_0x%03x", off)
}
