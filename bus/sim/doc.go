// Package sim provides a simulated DMA-capable bus function.
//
// A [Host] owns a range of interrupt vectors and one delivery goroutine
// that waits on the vectors' eventfds with epoll and raises the matching
// [irq.Line]; that goroutine is the interrupt context of every function on
// the host. When vectors run out, functions created with
// Config.ShareVector share one, and their handlers see each other's
// interrupts.
//
// A [Function] implements bus.Function with:
//
//   - an [Arena] of anonymous shared memory with a fixed bus address base,
//     from which coherent regions are allocated;
//   - a register window whose writes have device side effects (doorbells,
//     write-1-to-clear status, reset, exchange trigger);
//   - a DMA engine that walks the descriptor tables in the arena, moves
//     data according to its [Personality] and raises completion causes.
//
// The engine [Mode] decides when queued work happens: on explicit
// [Function.SimulateCompletion] calls, inline in the doorbell write, or on
// a device goroutine paced to a configured bandwidth. Interrupts are
// always delivered on the host's poller goroutine, never on the goroutine
// that rang the doorbell.
package sim
