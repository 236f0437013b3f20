// Package regs defines the device register map and volatile access to a
// mapped register window.
//
// The register map is fixed (see [RegID] and following). [RegStatus] holds
// interrupt causes that are cleared by writing ones to them, so the
// top-half acknowledges exactly the causes it observed:
//
//	st := w.Read32(regs.RegStatus) & w.Read32(regs.RegIntrMask)
//	if st == 0 {
//	    return irq.NotMine
//	}
//	w.Write32(regs.RegStatus, st)
//
// [MMIO] implements [Window] over any mapped memory. Bus implementations
// that model device side effects wrap it.
package regs
