package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/softdma/device"
	"github.com/ardnew/softdma/pkg"
)

// Config is the complete configuration of a softdma program.
type Config struct {
	Device device.Config `yaml:"device"`
	Sim    Sim           `yaml:"sim"`
	Stats  Stats         `yaml:"stats"`
	Log    Log           `yaml:"log"`
}

// Sim describes the simulated bus function a program attaches to.
type Sim struct {
	ID          string `yaml:"id"`          // Bus address of the function
	Mode        string `yaml:"mode"`        // manual, inline or async
	Personality string `yaml:"personality"` // sink or loopback
	Bandwidth   int    `yaml:"bandwidth"`   // Bytes per second in async mode; 0 is unlimited
	Fill        uint8  `yaml:"fill"`        // Inbound fill byte; 0 means 0xAA
	Memory      int    `yaml:"memory"`      // Coherent arena size in bytes
	Vectors     int    `yaml:"vectors"`     // Interrupt vectors on the host
}

// Stats controls export of the metrics registry to Prometheus.
type Stats struct {
	Listen    string        `yaml:"listen"` // HTTP listen address; empty disables export
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"` // Registry flush interval
}

// Enabled reports whether metrics are exported.
func (s Stats) Enabled() bool {
	return s.Listen != ""
}

// Log selects the level and format of the package logger.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used for fields a document omits.
func Default() Config {
	return Config{
		Device: device.DefaultConfig(),
		Sim: Sim{
			ID:          "0000:00:04.0",
			Mode:        "inline",
			Personality: "loopback",
			Memory:      1 << 20,
			Vectors:     4,
		},
		Stats: Stats{
			Path:      "/metrics",
			Namespace: "softdma",
			Interval:  10 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// WithDefaults returns c with zero fields filled from [Default].
func (c Config) WithDefaults() (Config, error) {
	def := Default()
	// The device section derives some fields from others, so it is filled
	// by its own WithDefaults.
	def.Device = device.Config{}
	if err := mergo.Merge(&c, def); err != nil {
		return c, fmt.Errorf("config defaults: %w", err)
	}
	dev, err := c.Device.WithDefaults()
	if err != nil {
		return c, err
	}
	c.Device = dev
	return c, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if err := c.Device.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("device: %w", err))
	}
	if err := c.Sim.validate(); err != nil {
		errs = append(errs, fmt.Errorf("sim: %w", err))
	}
	if err := c.Stats.validate(); err != nil {
		errs = append(errs, fmt.Errorf("stats: %w", err))
	}
	if err := c.Log.validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}

func (s Stats) validate() error {
	if !s.Enabled() {
		return nil
	}
	if !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("path %q is not absolute: %w", s.Path, pkg.ErrInvalidParameter)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("interval %v: %w", s.Interval, pkg.ErrInvalidParameter)
	}
	return nil
}

func (l Log) format() (pkg.LogFormat, error) {
	switch strings.ToLower(l.Format) {
	case "text":
		return pkg.LogFormatText, nil
	case "json":
		return pkg.LogFormatJSON, nil
	default:
		return 0, fmt.Errorf("format %q: %w", l.Format, pkg.ErrInvalidParameter)
	}
}

func (l Log) validate() error {
	if _, ok := pkg.ParseLogLevel(l.Level); !ok {
		return fmt.Errorf("level %q: %w", l.Level, pkg.ErrInvalidParameter)
	}
	_, err := l.format()
	return err
}

// Apply configures the package logger.
func (l Log) Apply() error {
	if err := l.validate(); err != nil {
		return err
	}
	level, _ := pkg.ParseLogLevel(l.Level)
	format, _ := l.format()
	pkg.SetLogLevel(level)
	pkg.SetLogFormat(format)
	return nil
}

// Parse decodes a YAML document, fills defaults and validates the result.
// Unknown keys are rejected. An empty document yields [Default].
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c, err := c.WithDefaults()
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Encode writes c as a YAML document.
func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
