// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store is the Shared State Store: the set of persistent maps that
// the XDP classifier and the userspace core both read and write. Userspace
// access goes through one store-wide mutex covering handle resolution plus
// the requested operation; command and event volume is far below packet
// volume, so the coarse section costs nothing measurable.
package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/simplestaking/bpf-firewall/internal/ebpf/types"
	"github.com/simplestaking/bpf-firewall/internal/logging"
	"github.com/simplestaking/bpf-firewall/internal/metrics"
)

// Map names as they appear in the XDP object. Resolved once at startup;
// a missing one is fatal.
const (
	MapEvents       = "events"
	MapBlacklist    = "blacklist"
	MapStatus       = "status"
	MapNode         = "node"
	MapPendingPeers = "pending_peers"
	MapPeers        = "peers"
)

// Maps bundles the resolved state maps.
//
//	Blacklist    4-byte IPv4            -> u32 status
//	Status       12-byte endpoint pair  -> u32 status
//	Node         2-byte BE local port   -> u32
//	PendingPeers 6-byte endpoint        -> u32
//	Peers        32-byte public key     -> 6-byte endpoint
type Maps struct {
	Blacklist    RawMap
	Status       RawMap
	Node         RawMap
	PendingPeers RawMap
	Peers        RawMap
}

// NewMemoryMaps returns a full in-memory map set for simulation and tests.
func NewMemoryMaps() Maps {
	return Maps{
		Blacklist:    NewMemoryMap(),
		Status:       NewMemoryMap(),
		Node:         NewMemoryMap(),
		PendingPeers: NewMemoryMap(),
		Peers:        NewMemoryMap(),
	}
}

// Store serializes all userspace mutations of the shared maps.
type Store struct {
	mu      sync.Mutex
	maps    Maps
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New creates a store over resolved maps.
func New(maps Maps, log *logging.Logger, m *metrics.Metrics) *Store {
	return &Store{
		maps:    maps,
		log:     log,
		metrics: m,
	}
}

// Maps exposes the raw handles for the classifier (simulation mode). The
// classifier side does not take the store mutex; per-key atomicity is the
// map implementation's job, exactly as with kernel maps.
func (s *Store) Maps() Maps {
	return s.maps
}

// Block inserts ip into the blacklist, preserving any flags already stored
// for it. Idempotent. The reason is logged and counted, never persisted.
func (s *Store) Block(ip [4]byte, reason types.BlockingReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.ipStatusLocked(ip)
	if err != nil {
		return err
	}
	st |= types.StatusBlocked

	s.log.Info("Blocking address",
		"ip", ipString(ip), "reason", reason.String(), "status", st.String())
	s.metrics.Blocked.WithLabelValues(reason.String()).Inc()

	return s.maps.Blacklist.Update(ip[:], EncodeStatus(st))
}

// Unblock removes ip from the blacklist entirely, which also resets its
// proof-of-work and connection tracking. No-op if absent.
func (s *Store) Unblock(ip [4]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("Unblocking address", "ip", ipString(ip))
	return s.maps.Blacklist.Delete(ip[:])
}

// FilterLocalPort registers a local port as carrying node traffic the
// classifier must police.
func (s *Store) FilterLocalPort(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key [2]byte
	binary.BigEndian.PutUint16(key[:], port)

	s.log.Info("Filtering local port", "port", port)
	return s.maps.Node.Update(key[:], EncodeStatus(0))
}

// AllowRemote whitelists an exact remote endpoint the node expects a
// connection from, exempting it from already-connected blocking once.
func (s *Store) AllowRemote(ep types.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ep.Encode()
	s.log.Info("Allowing pending peer", "endpoint", ep.String())
	return s.maps.PendingPeers.Update(key[:], EncodeStatus(0))
}

// Connected records an identified peer: its public key maps to the endpoint
// and its IP is marked connected on the given port.
func (s *Store) Connected(ep types.Endpoint, publicKey [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epb := ep.Encode()
	if err := s.maps.Peers.Update(publicKey[:], epb[:]); err != nil {
		return err
	}

	st, err := s.ipStatusLocked(ep.IPv4)
	if err != nil {
		return err
	}
	st = st.WithConnectedPort(ep.PortNumber())

	s.log.Info("Peer connected", "endpoint", ep.String(), "status", st.String())
	return s.maps.Blacklist.Update(ep.IPv4[:], EncodeStatus(st))
}

// Disconnected forgets an identified peer. Besides dropping the public key
// from the identity map, the address clears its connection tracking and its
// pending whitelist entry so the peer can come back.
func (s *Store) Disconnected(ep types.Endpoint, publicKey [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.maps.Peers.Delete(publicKey[:]); err != nil {
		return err
	}

	epb := ep.Encode()
	if err := s.maps.PendingPeers.Delete(epb[:]); err != nil {
		return err
	}

	st, err := s.ipStatusLocked(ep.IPv4)
	if err != nil {
		return err
	}
	st = st.ClearConnected()

	s.log.Info("Peer disconnected", "endpoint", ep.String(), "status", st.String())
	if st == 0 {
		return s.maps.Blacklist.Delete(ep.IPv4[:])
	}
	return s.maps.Blacklist.Update(ep.IPv4[:], EncodeStatus(st))
}

// IPStatus returns the stored status for an IP, or zero if absent.
func (s *Store) IPStatus(ip [4]byte) (types.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found, err := s.maps.Blacklist.Lookup(ip[:])
	if err != nil || !found {
		return 0, found, err
	}
	return DecodeStatus(v), true, nil
}

// PairStatus returns the stored status for a flow, or zero if absent.
func (s *Store) PairStatus(pair types.EndpointPair) (types.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pair.Encode()
	v, found, err := s.maps.Status.Lookup(key[:])
	if err != nil || !found {
		return 0, found, err
	}
	return DecodeStatus(v), true, nil
}

func (s *Store) ipStatusLocked(ip [4]byte) (types.Status, error) {
	v, found, err := s.maps.Blacklist.Lookup(ip[:])
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return DecodeStatus(v), nil
}

// Status values cross the kernel boundary as native-endian u32; the XDP
// object is built for bpfel targets, so little-endian is the contract.
func EncodeStatus(st types.Status) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(st))
	return b[:]
}

func DecodeStatus(b []byte) types.Status {
	if len(b) < 4 {
		return 0
	}
	return types.Status(binary.LittleEndian.Uint32(b))
}

func ipString(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}
