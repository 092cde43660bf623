// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/simplestaking/bpf-firewall/internal/ebpf/types"
	"github.com/simplestaking/bpf-firewall/internal/firewall/command"
	"github.com/simplestaking/bpf-firewall/internal/firewall/store"
	"github.com/simplestaking/bpf-firewall/internal/logging"
	"github.com/simplestaking/bpf-firewall/internal/metrics"
)

func startTestServer(t *testing.T) (string, *store.Store) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fw.sock")
	st := store.New(store.NewMemoryMaps(), logging.Nop(), metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := New(path, st, logging.Nop(), metrics.New())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	return path, st
}

func send(t *testing.T, conn net.Conn, cmd command.Command) {
	t.Helper()
	frame, err := command.Encode(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitFor polls until check passes; commands are applied asynchronously to
// the sender.
func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func ipBlocked(st *store.Store, ip [4]byte) func() bool {
	return func() bool {
		status, found, err := st.IPStatus(ip)
		return err == nil && found && status.Has(types.StatusBlocked)
	}
}

func TestBlockUnblockOverSocket(t *testing.T) {
	path, st := startTestServer(t)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ip := [4]byte{203, 0, 113, 7}
	send(t, conn, command.Command{Type: command.TypeBlock, Addr: netip.AddrFrom4(ip)})
	waitFor(t, ipBlocked(st, ip))

	send(t, conn, command.Command{Type: command.TypeUnblock, Addr: netip.AddrFrom4(ip)})
	waitFor(t, func() bool {
		_, found, err := st.IPStatus(ip)
		return err == nil && !found
	})
}

func TestMalformedCommandDoesNotKillConnection(t *testing.T) {
	path, st := startTestServer(t)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Unknown tag, then a valid command on the same connection.
	if _, err := conn.Write([]byte{0xff}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ip := [4]byte{203, 0, 113, 8}
	send(t, conn, command.Command{Type: command.TypeBlock, Addr: netip.AddrFrom4(ip)})
	waitFor(t, ipBlocked(st, ip))
}

func TestIPv6CommandRejected(t *testing.T) {
	path, st := startTestServer(t)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send(t, conn, command.Command{Type: command.TypeBlock, Addr: netip.MustParseAddr("2001:db8::1")})
	// The stream stays usable and the next IPv4 command lands.
	ip := [4]byte{203, 0, 113, 9}
	send(t, conn, command.Command{Type: command.TypeBlock, Addr: netip.AddrFrom4(ip)})
	waitFor(t, ipBlocked(st, ip))
}

func TestFullSessionLifecycle(t *testing.T) {
	path, st := startTestServer(t)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ep := types.EndpointFrom([4]byte{203, 0, 113, 10}, 54321)
	var pk [32]byte
	pk[0] = 1

	send(t, conn, command.Command{Type: command.TypeFilterLocalPort, Port: 9732})
	send(t, conn, command.Command{Type: command.TypeFilterRemoteAddr,
		Addr: netip.AddrFrom4(ep.IPv4), Port: 54321})
	send(t, conn, command.Command{Type: command.TypeConnected,
		Addr: netip.AddrFrom4(ep.IPv4), Port: 54321, PublicKey: pk})

	waitFor(t, func() bool {
		status, found, err := st.IPStatus(ep.IPv4)
		return err == nil && found && status.Has(types.StatusConnected) &&
			status.ConnectedPort() == 54321
	})

	send(t, conn, command.Command{Type: command.TypeDisconnected,
		Addr: netip.AddrFrom4(ep.IPv4), Port: 54321, PublicKey: pk})
	waitFor(t, func() bool {
		_, found, err := st.IPStatus(ep.IPv4)
		return err == nil && !found
	})
}

func TestStaleSocketRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.sock")

	// Leave a dead socket file behind.
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
	if _, err := os.Stat(path); err == nil {
		os.Remove(path)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	st := store.New(store.NewMemoryMaps(), logging.Nop(), metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := New(path, st, logging.Nop(), metrics.New())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start over stale socket: %v", err)
	}
	defer srv.Close()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}

func TestSocketPermissions(t *testing.T) {
	path, _ := startTestServer(t)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0666 {
		t.Fatalf("socket permissions = %o, want 0666", perm)
	}
}
