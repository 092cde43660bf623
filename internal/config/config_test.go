// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	require.Equal(t, "enp4s0", cfg.Device)
	require.Equal(t, 26.0, cfg.Target)
	require.Equal(t, "/tmp/tezedge_firewall.sock", cfg.Socket)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
device: eth0
target: 24.5
blacklist:
  - 203.0.113.7
  - 203.0.113.8
metrics_listen: "127.0.0.1:9090"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "eth0", cfg.Device)
	require.Equal(t, 24.5, cfg.Target)
	require.Equal(t, []string{"203.0.113.7", "203.0.113.8"}, cfg.Blacklist)
	require.Equal(t, "127.0.0.1:9090", cfg.MetricsListen)
	// Untouched keys keep their defaults.
	require.Equal(t, DefaultSocket, cfg.Socket)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty device":        func(c *Config) { c.Device = "" },
		"empty socket":        func(c *Config) { c.Socket = "" },
		"negative target":     func(c *Config) { c.Target = -1 },
		"garbage blacklist":   func(c *Config) { c.Blacklist = []string{"not-an-ip"} },
		"ipv6 blacklist":      func(c *Config) { c.Blacklist = []string{"2001:db8::1"} },
		"blacklist with cidr": func(c *Config) { c.Blacklist = []string{"10.0.0.0/8"} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
