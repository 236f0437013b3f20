// Package ring implements the driver side of a descriptor ring shared with
// a DMA device.
//
// The descriptor table lives in coherent memory (see [Table] for the entry
// layout). The driver publishes an entry by writing its address and length
// and then setting [FlagAvail]; the device completes it by writing the
// transferred length and then setting [FlagDone]. Completion is strictly
// in order.
//
// A typical submission path:
//
//	slot, err := r.Submit(ring.Descriptor{Buffer: buf, Direction: ring.Outbound})
//	if err != nil {
//	    return err
//	}
//	w.Barrier()
//	w.Write32(regs.RegTxDoorbell, r.Head())
//
// and the bottom-half drains completions:
//
//	for d, err := range r.Reclaim() {
//	    if err != nil {
//	        return err // protocol violation
//	    }
//	    d.Complete()
//	}
//
// The ring does not enforce back-pressure; callers go through a flow
// controller, and a submission to a full ring is a protocol violation.
package ring
