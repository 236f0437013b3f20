//go:build linux

package sim

import (
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/regs"
)

// regFile is the register window of a simulated function. Reads and plain
// writes go to backing memory; writes with device side effects are routed
// to the engine.
type regFile struct {
	mmio *regs.MMIO
	e    *engine

	reads  atomic.Int64
	writes atomic.Int64
}

func newRegFile(deviceID uint32) *regFile {
	backing := make([]uint64, regs.WindowSize/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), regs.WindowSize)
	m, err := regs.NewMMIO(mem)
	if err != nil {
		panic(err) // backing is always aligned and sized
	}
	m.Write32(regs.RegID, deviceID)
	return &regFile{mmio: m}
}

func (r *regFile) Read32(off uint32) uint32 {
	r.reads.Add(1)
	return r.mmio.Read32(off)
}

func (r *regFile) Read64(off uint32) uint64 {
	r.reads.Add(1)
	return r.mmio.Read64(off)
}

func (r *regFile) Write32(off uint32, v uint32) {
	r.writes.Add(1)

	switch off {
	case regs.RegID:
		pkg.LogWarn(pkg.ComponentSim, "write to read-only register", "reg", regs.Name(off))
	case regs.RegStatus:
		r.mmio.And32(off, ^(v & regs.StatusCauses))
	case regs.RegControl:
		r.e.control(v)
	case regs.RegIntrMask:
		r.mmio.Write32(off, v)
		r.e.reassert()
	case regs.RegTxDoorbell:
		r.mmio.Write32(off, v)
		r.e.doorbell(chanTx)
	case regs.RegRxDoorbell:
		r.mmio.Write32(off, v)
		r.e.doorbell(chanRx)
	case regs.RegXferCommand:
		if v&regs.XferStart != 0 {
			r.e.startExchange(v&regs.XferInbound != 0)
		}
	default:
		r.mmio.Write32(off, v)
	}
}

func (r *regFile) Write64(off uint32, v uint64) {
	r.writes.Add(1)
	r.mmio.Write64(off, v)
}

func (r *regFile) Barrier() {
	r.mmio.Barrier()
}

func (r *regFile) Size() int {
	return r.mmio.Size()
}
