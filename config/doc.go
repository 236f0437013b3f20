// Package config loads the YAML configuration shared by the softdma
// example programs.
//
// A document has four sections, each optional:
//
//	device:
//	  name: loop0
//	  pool: {slot_size: 2048, count: 64}
//	  tx_ring: 16
//	  rx_ring: 16
//	  rx_posts: 8
//	sim:
//	  mode: async
//	  personality: loopback
//	  bandwidth: 10485760
//	stats:
//	  listen: 127.0.0.1:9100
//	  interval: 5s
//	log:
//	  level: debug
//	  format: json
//
// Omitted fields take their value from [Default] and the result is
// validated as a whole, so a [Config] returned by [Parse] or [Load] can be
// handed to [device.Attach] unchanged. The sim section maps onto the
// simulated bus in [github.com/ardnew/softdma/bus/sim], which is only
// available on Linux.
package config
