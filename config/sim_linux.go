package config

import (
	"fmt"

	"github.com/ardnew/softdma/bus/sim"
	"github.com/ardnew/softdma/pkg"
)

// HostConfig returns the simulated host configuration.
func (s Sim) HostConfig() sim.HostConfig {
	hc := sim.DefaultHostConfig()
	hc.Vectors = s.Vectors
	return hc
}

// FunctionConfig returns the simulated function configuration.
func (s Sim) FunctionConfig() (sim.Config, error) {
	mode, err := sim.ParseMode(s.Mode)
	if err != nil {
		return sim.Config{}, err
	}
	personality, err := sim.ParsePersonality(s.Personality)
	if err != nil {
		return sim.Config{}, err
	}
	return sim.Config{
		ID:          s.ID,
		MemorySize:  s.Memory,
		Mode:        mode,
		Personality: personality,
		FillPattern: s.Fill,
		Bandwidth:   s.Bandwidth,
	}, nil
}

func (s Sim) validate() error {
	if s.Memory <= 0 || s.Vectors <= 0 || s.Bandwidth < 0 {
		return fmt.Errorf("memory %d, vectors %d, bandwidth %d: %w",
			s.Memory, s.Vectors, s.Bandwidth, pkg.ErrInvalidParameter)
	}
	_, err := s.FunctionConfig()
	return err
}
