// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the long-standing command line defaults of the firewall.
const (
	DefaultDevice  = "enp4s0"
	DefaultTarget  = 26.0
	DefaultSocket  = "/tmp/tezedge_firewall.sock"
	DefaultProgram = "/usr/lib/bpf-firewall/xdp_firewall.o"
)

// Config holds everything the firewall needs to start. All fields can come
// from a YAML file, from command line flags, or both; flags win.
type Config struct {
	// Device is the network interface the XDP program attaches to.
	Device string `yaml:"device"`
	// Blacklist seeds the blacklist map at startup, IPv4 only.
	Blacklist []string `yaml:"blacklist"`
	// Target is the required proof-of-work complexity.
	Target float64 `yaml:"target"`
	// Socket is the unix domain socket path for the command channel.
	Socket string `yaml:"socket"`
	// Program is the path to the compiled XDP ELF object.
	Program string `yaml:"program"`
	// MetricsListen enables the prometheus endpoint when non-empty,
	// e.g. "127.0.0.1:9090".
	MetricsListen string `yaml:"metrics_listen"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns a config populated with the standard defaults.
func Default() *Config {
	return &Config{
		Device:   DefaultDevice,
		Target:   DefaultTarget,
		Socket:   DefaultSocket,
		Program:  DefaultProgram,
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the config for values that would only fail later,
// at attach or bind time.
func (c *Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("device must not be empty")
	}
	if c.Socket == "" {
		return fmt.Errorf("socket path must not be empty")
	}
	if c.Target < 0 {
		return fmt.Errorf("target must not be negative: %v", c.Target)
	}
	for _, s := range c.Blacklist {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("invalid blacklist address %q: %w", s, err)
		}
		if !addr.Is4() {
			return fmt.Errorf("blacklist address %q: only ipv4 is supported", s)
		}
	}
	return nil
}
