// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the CLI using the cobra framework.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simplestaking/bpf-firewall/internal/config"
	"github.com/simplestaking/bpf-firewall/internal/firewall"
	"github.com/simplestaking/bpf-firewall/internal/logging"
)

var (
	configFile    string
	device        string
	blacklist     []string
	target        float64
	socketPath    string
	programPath   string
	metricsListen string
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "bpf-firewall",
	Short: "XDP firewall guarding a tezedge node",
	Long: `bpf-firewall attaches an XDP program to a network device and polices
incoming TCP connections to a tezedge node: every new peer must lead with a
valid proof of work, a remote address holds at most one admitted connection,
and the node can block, unblock and whitelist peers over a unix domain
socket at runtime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log := logging.New(logging.Config{Level: cfg.LogLevel, Output: os.Stdout})

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		fw, err := firewall.New(cfg, log)
		if err != nil {
			return err
		}
		return fw.Run(ctx)
	},
}

// loadConfig layers explicit flags over the optional config file over the
// defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Device = device
	}
	if flags.Changed("blacklist") {
		cfg.Blacklist = blacklist
	}
	if flags.Changed("target") {
		cfg.Target = target
	}
	if flags.Changed("socket") {
		cfg.Socket = socketPath
	}
	if flags.Changed("program") {
		cfg.Program = programPath
	}
	if flags.Changed("metrics-listen") {
		cfg.MetricsListen = metricsListen
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	return cfg, cfg.Validate()
}

// Execute runs the root command. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a YAML config file")
	flags.StringVarP(&device, "device", "d", config.DefaultDevice,
		"network device to attach the XDP program to")
	flags.StringSliceVarP(&blacklist, "blacklist", "b", nil,
		"IPv4 addresses to blacklist at startup")
	flags.Float64VarP(&target, "target", "t", config.DefaultTarget,
		"required proof of work complexity")
	flags.StringVarP(&socketPath, "socket", "s", config.DefaultSocket,
		"unix domain socket path for node commands")
	flags.StringVar(&programPath, "program", config.DefaultProgram,
		"path to the compiled XDP ELF object")
	flags.StringVar(&metricsListen, "metrics-listen", "",
		"listen address for the prometheus endpoint, disabled when empty")
	flags.StringVar(&logLevel, "log-level", "info",
		"log level: debug, info, warn or error")
}
