// Package config loads the vfio-broker configuration file.
//
// The file is YAML; every field is optional and falls back to Default().
//
//	socketName: vfio-broker
//	maxClients: 64
//	maxDevices: 64
//	resetTimeout: 1s
//	iova:
//	  reserve32: true
//	  minStart64: 0x100000000
//	filters:
//	  - vendor: "10ee"
//	    device: "*"
//	    subsystemVendor: "*"
//	    subsystemDevice: "0001"
//	    dma: "64"
//	locations:
//	  - "0000:17:00.0"
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/Nativu5/vfio-broker/pkg/iova"
	"github.com/Nativu5/vfio-broker/pkg/types"
	"github.com/Nativu5/vfio-broker/pkg/utils"
)

const (
	DefaultSocketName   = "vfio-broker"
	DefaultMaxClients   = 64
	DefaultMaxDevices   = 64
	DefaultResetTimeout = time.Second
)

// Duration is a time.Duration written as "250ms", "1s" in config files.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// IOVAConfig is the IOVA placement policy for 64-bit devices.
type IOVAConfig struct {
	Reserve32  bool   `json:"reserve32"`
	MinStart64 uint64 `json:"minStart64"`
}

// FilterConfig is one device filter. Ids are hex strings or "*".
type FilterConfig struct {
	Vendor          string `json:"vendor"`
	Device          string `json:"device"`
	SubsystemVendor string `json:"subsystemVendor,omitempty"`
	SubsystemDevice string `json:"subsystemDevice,omitempty"`
	DMA             string `json:"dma,omitempty"`
}

// Config holds every tunable of the broker and of direct mode.
type Config struct {
	// SocketName is the abstract socket name, without the leading '@'.
	SocketName   string         `json:"socketName"`
	MaxClients   int            `json:"maxClients"`
	MaxDevices   int            `json:"maxDevices"`
	ResetTimeout Duration       `json:"resetTimeout"`
	IOVA         IOVAConfig     `json:"iova"`
	Filters      []FilterConfig `json:"filters,omitempty"`
	Locations    []string       `json:"locations,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	p := iova.DefaultPolicy()
	return Config{
		SocketName:   DefaultSocketName,
		MaxClients:   DefaultMaxClients,
		MaxDevices:   DefaultMaxDevices,
		ResetTimeout: Duration(DefaultResetTimeout),
		IOVA:         IOVAConfig{Reserve32: p.Reserve32, MinStart64: p.MinStart64},
	}
}

// Load reads path on top of Default() and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks limits and parses every filter and location.
func (c Config) Validate() error {
	var errs []error
	if c.SocketName == "" || strings.HasPrefix(c.SocketName, "@") {
		errs = append(errs, fmt.Errorf("socketName must be non-empty and given without '@'"))
	}
	if c.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("maxClients must be positive, got %d", c.MaxClients))
	}
	if c.MaxDevices <= 0 {
		errs = append(errs, fmt.Errorf("maxDevices must be positive, got %d", c.MaxDevices))
	}
	if c.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("resetTimeout must be positive"))
	}
	if _, err := c.FilterSet(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LocationFilter(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Timeout returns ResetTimeout as a time.Duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.ResetTimeout)
}

// Policy returns the IOVA placement policy.
func (c Config) Policy() iova.Policy {
	return iova.Policy{Reserve32: c.IOVA.Reserve32, MinStart64: c.IOVA.MinStart64}
}

// FilterSet parses the configured filters.
func (c Config) FilterSet() (types.FilterSet, error) {
	set := make(types.FilterSet, 0, len(c.Filters))
	for i, fc := range c.Filters {
		f, err := fc.Parse()
		if err != nil {
			return nil, fmt.Errorf("filters[%d]: %w", i, err)
		}
		set = append(set, f)
	}
	return set, nil
}

// LocationFilter parses the configured locations.
func (c Config) LocationFilter() (types.LocationFilter, error) {
	locs := make(types.LocationFilter, 0, len(c.Locations))
	for i, s := range c.Locations {
		addr, err := types.ParsePCIAddress(s)
		if err != nil {
			return nil, fmt.Errorf("locations[%d]: %w", i, err)
		}
		locs = append(locs, addr)
	}
	return locs, nil
}

// Parse converts the textual filter into a types.Filter.
func (fc FilterConfig) Parse() (types.Filter, error) {
	var f types.Filter
	for _, field := range []struct {
		name string
		in   string
		out  *uint32
	}{
		{"vendor", fc.Vendor, &f.Vendor},
		{"device", fc.Device, &f.Device},
		{"subsystemVendor", fc.SubsystemVendor, &f.SubsystemVendor},
		{"subsystemDevice", fc.SubsystemDevice, &f.SubsystemDevice},
	} {
		v, err := parseFilterID(field.in)
		if err != nil {
			return types.Filter{}, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.out = v
	}
	dma, err := types.ParseDMACapability(fc.DMA)
	if err != nil {
		return types.Filter{}, err
	}
	f.DMA = dma
	return f, nil
}

// parseFilterID maps "", "*" and "any" to types.AnyID.
func parseFilterID(s string) (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "*", "any":
		return types.AnyID, nil
	}
	v, err := utils.ParseHexID(s)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
