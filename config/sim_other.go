//go:build !linux

package config

import (
	"fmt"

	"github.com/ardnew/softdma/pkg"
)

// The simulated bus is only built on Linux; elsewhere the section is
// checked for shape only.
func (s Sim) validate() error {
	if s.Memory <= 0 || s.Vectors <= 0 || s.Bandwidth < 0 {
		return fmt.Errorf("memory %d, vectors %d, bandwidth %d: %w",
			s.Memory, s.Vectors, s.Bandwidth, pkg.ErrInvalidParameter)
	}
	return nil
}
