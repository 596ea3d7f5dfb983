// Package keepcfg reads keep launch configuration files.
package keepcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SEVMode selects how the launcher treats memory encryption.
type SEVMode string

const (
	// SEVAuto encrypts when the host supports it, otherwise launches a
	// plain guest.
	SEVAuto SEVMode = "auto"

	// SEVRequired fails the launch when encryption is unavailable.
	SEVRequired SEVMode = "required"

	// SEVOff launches a plain guest even on capable hosts.
	SEVOff SEVMode = "off"
)

// Config describes one keep.
type Config struct {
	Version int `yaml:"version"`

	// Shim is the path of the shim image to load.
	Shim string `yaml:"shim"`

	MemoryMB uint64  `yaml:"memoryMB,omitempty"`
	SEV      SEVMode `yaml:"sev,omitempty"`

	// Policy is the guest policy passed to the SEV launch sequence.
	Policy uint32 `yaml:"policy,omitempty"`

	// Diagnostics selects the larger boot stack and debug logging.
	Diagnostics bool `yaml:"diagnostics,omitempty"`
}

const defaultMemoryMB = 128

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.SEV == "" {
		c.SEV = SEVAuto
	}
}

func (c *Config) validate() error {
	if c.Shim == "" {
		return fmt.Errorf("shim path not set")
	}

	switch c.SEV {
	case SEVAuto, SEVRequired, SEVOff:
	default:
		return fmt.Errorf("unknown sev mode %q", c.SEV)
	}

	return nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse keep config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid keep config: %w", err)
	}

	return cfg, nil
}

// Load reads a configuration file from disk.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}
