// Package device binds the data path to one bus function.
//
// [Attach] acquires everything a device needs, in order: the function is
// enabled, its register window mapped and its identity checked; the buffer
// pool, both descriptor ring tables and the exchange buffer are allocated
// from coherent memory; the interrupt dispatcher is started and its
// top-half installed on the function's (possibly shared) interrupt line;
// the rings are programmed and interrupts armed. A failing step unwinds the
// completed ones. [Handle.Detach] is the exact reverse, with interrupt
// generation disabled and the top-half removed before anything it touches
// is freed.
//
// A [Handle] moves data three ways:
//
//   - [Handle.Transmit] and [Handle.TryTransmit] copy payloads into pool
//     buffers and submit them on the outbound ring through its flow
//     controller;
//   - [Handle.PostReceive] and [Handle.Receive] hand empty buffers to the
//     device and return them filled, in completion order;
//   - [Handle.Exchange], [Handle.StartTransfer] and [Handle.WaitTransfer]
//     drive one transfer at a time over a fixed exchange buffer.
//
// Completions are reclaimed by the dispatcher's bottom-half, which also
// reports each run on [Handle.Events]. A protocol violation faults the
// handle: queued submitters fail and later submissions return
// [pkg.ErrFaulted] until the device is detached.
//
// A [Registry] tracks attached devices by function ID and serializes
// attach and detach per device.
package device
