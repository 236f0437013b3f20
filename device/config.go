package device

import (
	"fmt"

	"dario.cat/mergo"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/ardnew/softdma/dma"
	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/ring"
)

// Config sizes the resources a [Handle] acquires at attach. Zero fields
// take their value from [DefaultConfig].
type Config struct {
	// Name identifies the interrupt handler and prefixes log messages.
	Name string `yaml:"name"`

	// Pool is the geometry of the buffer pool shared by both rings.
	Pool dma.PoolConfig `yaml:"pool"`

	// TxRing and RxRing are the descriptor ring capacities. Both must be
	// powers of two.
	TxRing int `yaml:"tx_ring"`
	RxRing int `yaml:"rx_ring"`

	// ExchangeSize is the size of the exchange buffer. Negative disables
	// the exchange surface.
	ExchangeSize int `yaml:"exchange_size"`

	// RxPosts is the number of inbound buffers posted at attach, each of
	// RxBufferSize bytes.
	RxPosts      int `yaml:"rx_posts"`
	RxBufferSize int `yaml:"rx_buffer_size"`

	// EventBuffer is the capacity of the [Handle.Events] channel. Events
	// that do not fit are dropped and counted.
	EventBuffer int `yaml:"event_buffer"`

	// Metrics receives the device counters. Nil uses a private registry.
	Metrics metrics.Registry `yaml:"-"`
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		Name:         "softdma",
		Pool:         dma.PoolConfig{SlotSize: 2048, Count: 64},
		TxRing:       16,
		RxRing:       16,
		ExchangeSize: 4096,
		RxBufferSize: 2048,
		EventBuffer:  16,
	}
}

// WithDefaults returns c with zero fields filled from [DefaultConfig].
func (c Config) WithDefaults() (Config, error) {
	reg, rxDefault := c.Metrics, c.RxBufferSize == 0
	c.Metrics = nil
	if err := mergo.Merge(&c, DefaultConfig()); err != nil {
		return c, fmt.Errorf("device config defaults: %w", err)
	}
	c.Metrics = reg
	if rxDefault {
		c.RxBufferSize = min(c.RxBufferSize, c.Pool.SlotSize)
	}
	return c, nil
}

// Validate checks that the configuration describes resources a device can
// be attached with.
func (c Config) Validate() error {
	if err := ring.CheckCapacity(c.TxRing); err != nil {
		return fmt.Errorf("tx ring: %w", err)
	}
	if err := ring.CheckCapacity(c.RxRing); err != nil {
		return fmt.Errorf("rx ring: %w", err)
	}
	if c.Pool.SlotSize <= 0 || c.Pool.Count <= 0 {
		return fmt.Errorf("pool %dx%d: %w", c.Pool.Count, c.Pool.SlotSize, pkg.ErrInvalidParameter)
	}
	if c.RxPosts < 0 || c.RxPosts > c.RxRing || c.RxPosts > c.Pool.Count {
		return fmt.Errorf("rx posts %d exceed ring %d or pool %d: %w",
			c.RxPosts, c.RxRing, c.Pool.Count, pkg.ErrInvalidParameter)
	}
	if c.RxBufferSize <= 0 || c.RxBufferSize > c.Pool.SlotSize {
		return fmt.Errorf("rx buffer size %d outside (0, %d]: %w",
			c.RxBufferSize, c.Pool.SlotSize, pkg.ErrInvalidParameter)
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("event buffer %d: %w", c.EventBuffer, pkg.ErrInvalidParameter)
	}
	return nil
}
