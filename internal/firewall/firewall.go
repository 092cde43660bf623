// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall wires the packet classifier's maps, the event consumer
// and the control plane into one running service.
package firewall

import (
	"context"
	"net/netip"

	"github.com/cilium/ebpf"

	"github.com/simplestaking/bpf-firewall/internal/config"
	"github.com/simplestaking/bpf-firewall/internal/ebpf/loader"
	"github.com/simplestaking/bpf-firewall/internal/ebpf/types"
	"github.com/simplestaking/bpf-firewall/internal/errors"
	"github.com/simplestaking/bpf-firewall/internal/firewall/consumer"
	"github.com/simplestaking/bpf-firewall/internal/firewall/control"
	"github.com/simplestaking/bpf-firewall/internal/firewall/pow"
	"github.com/simplestaking/bpf-firewall/internal/firewall/store"
	"github.com/simplestaking/bpf-firewall/internal/logging"
	"github.com/simplestaking/bpf-firewall/internal/metrics"
)

// Firewall is the assembled service.
type Firewall struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Metrics
	loader   *loader.Loader
	store    *store.Store
	consumer *consumer.Consumer
	source   *consumer.PerfSource
	control  *control.Server
}

// New loads and attaches the XDP program, resolves the shared maps, seeds
// the startup blacklist and prepares the userspace components. Any failure
// is fatal; nothing is left half-attached.
func New(cfg *config.Config, log *logging.Logger) (*Firewall, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.KindStartup, "invalid configuration")
	}

	m := metrics.New()

	ldr := loader.New(log)
	if err := ldr.Load(cfg.Program); err != nil {
		return nil, err
	}
	if err := ldr.Attach(cfg.Device); err != nil {
		ldr.Close()
		return nil, err
	}

	maps, eventsMap, err := resolveMaps(ldr)
	if err != nil {
		ldr.Close()
		return nil, err
	}

	st := store.New(maps, log, m)
	if err := seedBlacklist(st, cfg.Blacklist); err != nil {
		ldr.Close()
		return nil, err
	}

	source, err := consumer.NewPerfSource(eventsMap, log)
	if err != nil {
		ldr.Close()
		return nil, errors.Wrap(err, errors.KindStartup, "failed to open event reader")
	}

	validator := pow.NewValidator(cfg.Target)
	log.Info("Proof of work target", "target", cfg.Target)

	return &Firewall{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		loader:   ldr,
		store:    st,
		consumer: consumer.New(st, validator, log, m),
		source:   source,
		control:  control.New(cfg.Socket, st, log, m),
	}, nil
}

// Run starts the control plane, the event pipeline and the optional
// metrics endpoint, then blocks until the context ends.
func (f *Firewall) Run(ctx context.Context) error {
	defer f.Close()

	if err := f.control.Start(ctx); err != nil {
		return err
	}

	batches := make(chan consumer.Batch)
	go f.source.Run(ctx, batches)
	go f.consumer.Run(ctx, batches)

	if f.cfg.MetricsListen != "" {
		go f.metrics.Serve(ctx, f.cfg.MetricsListen, f.log)
	}

	f.log.Info("Firewall running", "device", f.cfg.Device)
	<-ctx.Done()
	return nil
}

// Close detaches the program and releases everything.
func (f *Firewall) Close() error {
	f.source.Close()
	f.control.Close()
	return f.loader.Close()
}

func resolveMaps(ldr *loader.Loader) (store.Maps, *ebpf.Map, error) {
	var maps store.Maps

	eventsMap, err := ldr.Map(store.MapEvents)
	if err != nil {
		return maps, nil, err
	}

	resolve := func(name string, dst *store.RawMap) error {
		m, err := ldr.Map(name)
		if err != nil {
			return err
		}
		*dst = store.NewKernelMap(m)
		return nil
	}

	for _, entry := range []struct {
		name string
		dst  *store.RawMap
	}{
		{store.MapBlacklist, &maps.Blacklist},
		{store.MapStatus, &maps.Status},
		{store.MapNode, &maps.Node},
		{store.MapPendingPeers, &maps.PendingPeers},
		{store.MapPeers, &maps.Peers},
	} {
		if err := resolve(entry.name, entry.dst); err != nil {
			return maps, nil, err
		}
	}

	return maps, eventsMap, nil
}

// seedBlacklist applies the command line blacklist before any traffic is
// judged.
func seedBlacklist(st *store.Store, addrs []string) error {
	for _, s := range addrs {
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is4() {
			return errors.Errorf(errors.KindStartup, "invalid blacklist address %q", s)
		}
		if err := st.Block(addr.As4(), types.CommandLineArgument); err != nil {
			return errors.Wrapf(err, errors.KindStartup, "failed to blacklist %s", s)
		}
	}
	return nil
}
