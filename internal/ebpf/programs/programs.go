// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package programs holds the XDP firewall C source and its build hook. The
// compiled object ships separately and is loaded from disk at startup, so
// the generated bindings are only used to keep the object in sync with the
// source tree.
package programs

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go@latest --no-strip --target=bpfel XdpFirewall c/xdp_firewall.c -- -O2 -target bpf -I.
