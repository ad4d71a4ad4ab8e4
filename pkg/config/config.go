// Package config loads the multi-instance server configuration from the
// INI-style file format: instance-to-device mappings, per-instance tuning
// and per-instance IP filter lists.
package config

import (
	"fmt"
	"time"

	"github.com/anshi233/xvc-server-d2xx/pkg/ftdi"
)

// Defaults applied to instances that do not override them.
const (
	DefaultBasePort    = 2542
	DefaultFrequencyHz = 30_000_000
	DefaultLatencyMS   = 2
	DefaultVectorCap   = 2048
	MaxVectorCap       = 262144
)

// Instance is the configuration of one adapter-to-port binding.
type Instance struct {
	ID     int
	Port   uint16
	Device ftdi.Selector

	// FrequencyHz pins TCK when non-zero; settck requests are then
	// ignored. Zero leaves the clock under client control.
	FrequencyHz uint32

	LatencyMS         uint8
	VectorCapBytes    int
	ClientLockTimeout time.Duration

	Allow []string
	Block []string

	Enabled bool
}

// InitialFrequencyHz is the TCK rate programmed at startup: the pinned
// frequency when one is configured, the default otherwise.
func (i Instance) InitialFrequencyHz() uint32 {
	if i.FrequencyHz != 0 {
		return i.FrequencyHz
	}
	return DefaultFrequencyHz
}

// Config is the full parsed configuration.
type Config struct {
	Enabled   bool
	BasePort  uint16
	Instances []Instance
}

// EnabledInstances returns the instances that have a device mapping.
func (c *Config) EnabledInstances() []Instance {
	var out []Instance
	for _, i := range c.Instances {
		if i.Enabled {
			out = append(out, i)
		}
	}
	return out
}

// Validate rejects configurations that cannot run: no instances, or two
// instances sharing a port.
func (c *Config) Validate() error {
	enabled := c.EnabledInstances()
	if len(enabled) == 0 {
		return fmt.Errorf("config: no instances mapped to devices")
	}
	ports := make(map[uint16]int)
	for _, i := range enabled {
		if prev, dup := ports[i.Port]; dup {
			return fmt.Errorf("config: instances %d and %d share port %d", prev, i.ID, i.Port)
		}
		ports[i.Port] = i.ID
	}
	return nil
}
