// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package loader loads the XDP firewall object and attaches it to a network
// device.
package loader

import (
	"bytes"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/vishvananda/netlink"

	"github.com/simplestaking/bpf-firewall/internal/errors"
	"github.com/simplestaking/bpf-firewall/internal/logging"
)

// ProgramName is the XDP program section resolved from the object.
const ProgramName = "firewall"

// Loader owns the loaded collection and the XDP attachment.
type Loader struct {
	collection *ebpf.Collection
	link       link.Link
	log        *logging.Logger
}

// New creates an unloaded loader.
func New(log *logging.Logger) *Loader {
	return &Loader{log: log}
}

// Load reads the compiled object from path and creates the collection.
// The memlock rlimit is lifted first; map creation fails without it on
// pre-5.11 kernels.
func (l *Loader) Load(path string) error {
	if l.collection != nil {
		return errors.New(errors.KindStartup, "collection already loaded")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return errors.Wrap(err, errors.KindStartup, "failed to remove memlock limit")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindStartup, "failed to read bpf object %s", path)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(data))
	if err != nil {
		return errors.Wrapf(err, errors.KindStartup, "failed to parse bpf object %s", path)
	}

	collection, err := ebpf.NewCollection(spec)
	if err != nil {
		return errors.Wrap(err, errors.KindStartup, "failed to load bpf collection")
	}

	l.collection = collection
	l.log.Info("Loaded bpf object", "path", path)
	return nil
}

// Attach binds the firewall program to the named device in driver mode,
// falling back to generic mode when the driver has no XDP support.
func (l *Loader) Attach(device string) error {
	if l.collection == nil {
		return errors.New(errors.KindStartup, "no collection loaded")
	}

	prog, ok := l.collection.Programs[ProgramName]
	if !ok {
		return errors.Errorf(errors.KindStartup, "program %s not found in bpf object", ProgramName)
	}

	dev, err := netlink.LinkByName(device)
	if err != nil {
		return errors.Wrapf(err, errors.KindStartup, "failed to find device %s", device)
	}
	index := dev.Attrs().Index

	lnk, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: index,
		Flags:     link.XDPDriverMode,
	})
	if err != nil {
		l.log.Warn("Driver mode attach failed, falling back to generic mode",
			"device", device, "error", err)
		lnk, err = link.AttachXDP(link.XDPOptions{
			Program:   prog,
			Interface: index,
			Flags:     link.XDPGenericMode,
		})
	}
	if err != nil {
		return errors.Wrapf(err, errors.KindStartup, "failed to attach xdp program to %s", device)
	}

	l.link = lnk
	l.log.Info("Attached xdp program", "device", device, "ifindex", index)
	return nil
}

// Map resolves a map by name. A missing map means the object on disk does
// not match this binary, which is fatal.
func (l *Loader) Map(name string) (*ebpf.Map, error) {
	if l.collection == nil {
		return nil, errors.New(errors.KindStartup, "no collection loaded")
	}
	m, ok := l.collection.Maps[name]
	if !ok {
		return nil, errors.Errorf(errors.KindStartup, "map %s not found in bpf object", name)
	}
	return m, nil
}

// Close detaches the program and releases the collection.
func (l *Loader) Close() error {
	var firstErr error
	if l.link != nil {
		if err := l.link.Close(); err != nil {
			firstErr = err
		}
		l.link = nil
	}
	if l.collection != nil {
		l.collection.Close()
		l.collection = nil
	}
	return firstErr
}
