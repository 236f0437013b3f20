// Package dma manages memory regions shared between the CPU and a
// DMA-capable device.
//
// Every [Buffer] carries two views of the same memory: the stable
// device-visible bus address handed to the device, and the CPU slice used
// by software. Only this package builds buffers from a coherent [Region],
// so the conversion between the two views cannot be forged elsewhere.
//
// Buffers are coherent: CPU writes are visible to the device and device
// writes are visible to the CPU without explicit synchronization calls.
// Ownership still matters. A buffer is owned either by the CPU or by the
// device, and the CPU view is refused while the device owns it:
//
//	buf, err := pool.Acquire(256)
//	if err != nil {
//	    return err // fails closed: do not retry blindly
//	}
//	data, _ := buf.Bytes()
//	copy(data, payload)
//	// ring.Submit moves ownership to the device ...
//	// ... reclaim moves it back, then:
//	pool.Release(buf)
//
// A [Pool] is pre-sized at attach time with fixed-size slots carved out of
// one coherent allocation. One-shot buffers ([Allocate]) go straight back
// to the [Allocator] when freed.
package dma
