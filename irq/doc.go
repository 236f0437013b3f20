// Package irq implements interrupt delivery for a DMA device.
//
// A [Line] models a possibly shared interrupt line: each delivery calls
// every installed [Handler], and a delivery nobody claims is counted as
// spurious.
//
// A [Dispatcher] provides the handler for one device. Its top-half only
// reads the status register, acknowledges the causes it owns and schedules
// the bottom-half; it returns [NotMine] without touching the device when
// none of its causes is set. The bottom-half runs on a single worker
// goroutine and receives the accumulated causes:
//
//	d, _ := irq.New(irq.Config{
//	    Name:   "dev0",
//	    Window: w,
//	    Work:   func(causes uint32) { reclaimRings(causes) },
//	})
//	d.Start()
//	tok, _ := line.Install("dev0", d.TopHalf)
//	...
//	line.Remove(tok) // waits for a running top-half
//	d.Stop()         // waits for a running bottom-half
package irq
