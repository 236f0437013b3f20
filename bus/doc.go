// Package bus defines the interface a DMA device driver consumes from the
// bus and resource layer.
//
// A [Function] provides register window mapping, interrupt registration and
// coherent memory for one device. Package sim provides a simulated
// implementation backed by shared memory and eventfd interrupt vectors.
package bus
