// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package types declares the binary contract shared between the XDP
// classifier and the userspace core. Every layout here is mirrored by the
// C structs in internal/ebpf/programs; changing one side without the other
// breaks the wire.
package types

import (
	"encoding/binary"
	"fmt"
)

// Wire sizes. Fixed for the lifetime of the contract.
const (
	EndpointSize       = 6
	EndpointPairSize   = 12
	ClassificationSize = 60
	EventSize          = EndpointPairSize + ClassificationSize
	PowPayloadSize     = 56
)

// Endpoint is one side of a TCP flow. Both fields are kept in network byte
// order exactly as they appear in the packet headers.
type Endpoint struct {
	IPv4 [4]byte
	Port [2]byte
}

// EndpointFrom builds an Endpoint from an address and a host-order port.
func EndpointFrom(ip [4]byte, port uint16) Endpoint {
	var e Endpoint
	e.IPv4 = ip
	binary.BigEndian.PutUint16(e.Port[:], port)
	return e
}

// PortNumber returns the port in host order.
func (e Endpoint) PortNumber() uint16 {
	return binary.BigEndian.Uint16(e.Port[:])
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.IPv4[0], e.IPv4[1], e.IPv4[2], e.IPv4[3], e.PortNumber())
}

// Encode returns the 6-byte wire form: address then port.
func (e Endpoint) Encode() [EndpointSize]byte {
	var b [EndpointSize]byte
	copy(b[0:4], e.IPv4[:])
	copy(b[4:6], e.Port[:])
	return b
}

// DecodeEndpoint decodes the 6-byte wire form.
func DecodeEndpoint(b []byte) (Endpoint, error) {
	var e Endpoint
	if len(b) < EndpointSize {
		return e, fmt.Errorf("endpoint record too short: %d bytes", len(b))
	}
	copy(e.IPv4[:], b[0:4])
	copy(e.Port[:], b[4:6])
	return e, nil
}

// EndpointPair identifies one TCP flow: the local side of this node and the
// remote peer. The local-then-remote field order is part of the wire
// contract, it matches the map key layout in the classifier.
type EndpointPair struct {
	Local  Endpoint
	Remote Endpoint
}

func (p EndpointPair) String() string {
	return fmt.Sprintf("%s <- %s", p.Local, p.Remote)
}

// Encode returns the 12-byte wire form: local endpoint then remote endpoint.
func (p EndpointPair) Encode() [EndpointPairSize]byte {
	var b [EndpointPairSize]byte
	local := p.Local.Encode()
	remote := p.Remote.Encode()
	copy(b[0:6], local[:])
	copy(b[6:12], remote[:])
	return b
}

// DecodeEndpointPair decodes the 12-byte wire form.
func DecodeEndpointPair(b []byte) (EndpointPair, error) {
	var p EndpointPair
	if len(b) < EndpointPairSize {
		return p, fmt.Errorf("endpoint pair record too short: %d bytes", len(b))
	}
	local, err := DecodeEndpoint(b[0:6])
	if err != nil {
		return p, err
	}
	remote, err := DecodeEndpoint(b[6:12])
	if err != nil {
		return p, err
	}
	p.Local = local
	p.Remote = remote
	return p, nil
}

// Status is the per-IP and per-pair enforcement state stored as a u32 map
// value. Bits 0..15 are flags, bits 16..31 carry the connected remote port
// when StatusConnected is set.
type Status uint32

const (
	// StatusBlocked makes the classifier drop every packet from the IP.
	StatusBlocked Status = 1 << 0
	// StatusPowSent records that a proof-of-work window has already been
	// captured (or found short) for this IP. Set once, never cleared by
	// the classifier.
	StatusPowSent Status = 1 << 1
	// StatusConnected records that a connection to a filtered local port
	// has been admitted from this IP; the source port lives in the upper
	// half of the value.
	StatusConnected Status = 1 << 2

	statusFlagMask Status = 0x0000ffff
)

// Has reports whether all flags in f are set.
func (s Status) Has(f Status) bool {
	return s&f == f
}

// ConnectedPort returns the remote port recorded with StatusConnected.
func (s Status) ConnectedPort() uint16 {
	return uint16(s >> 16)
}

// WithConnectedPort sets StatusConnected and records the remote port.
func (s Status) WithConnectedPort(port uint16) Status {
	return (s & statusFlagMask) | StatusConnected | Status(port)<<16
}

// ClearConnected drops the connected flag and the recorded port.
func (s Status) ClearConnected() Status {
	return s & statusFlagMask &^ StatusConnected
}

func (s Status) String() string {
	out := ""
	if s.Has(StatusBlocked) {
		out += "BLOCKED|"
	}
	if s.Has(StatusPowSent) {
		out += "POW_SENT|"
	}
	if s.Has(StatusConnected) {
		out += fmt.Sprintf("CONNECTED(%d)|", s.ConnectedPort())
	}
	if out == "" {
		return "EMPTY"
	}
	return out[:len(out)-1]
}

// Kind is the event classification discriminant. The numeric values are the
// little-endian u32 tag on the wire.
type Kind uint32

const (
	KindReceivedPow             Kind = 0
	KindNotEnoughBytesForPow    Kind = 1
	KindBlockedAlreadyConnected Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindReceivedPow:
		return "received_pow"
	case KindNotEnoughBytesForPow:
		return "not_enough_bytes_for_pow"
	case KindBlockedAlreadyConnected:
		return "blocked_already_connected"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Classification is the tagged payload half of an event. Only the fields
// relevant to Kind are meaningful; everything else stays zero so that the
// encoding round-trips exactly.
type Classification struct {
	Kind Kind

	// Pow carries the 56-byte proof-of-work window for KindReceivedPow.
	Pow [PowPayloadSize]byte

	// AlreadyConnected and TryConnect carry the colliding endpoints for
	// KindBlockedAlreadyConnected.
	AlreadyConnected Endpoint
	TryConnect       Endpoint
}

// Event is the record carried from the classifier to the consumer: the flow
// it concerns plus the classification.
type Event struct {
	Pair  EndpointPair
	Class Classification
}

// Encode returns the 72-byte wire form: 12-byte pair, 4-byte little-endian
// discriminant, then the per-kind payload zero-padded to 56 bytes.
func (e Event) Encode() [EventSize]byte {
	var b [EventSize]byte
	pair := e.Pair.Encode()
	copy(b[0:12], pair[:])
	binary.LittleEndian.PutUint32(b[12:16], uint32(e.Class.Kind))

	switch e.Class.Kind {
	case KindReceivedPow:
		copy(b[16:72], e.Class.Pow[:])
	case KindBlockedAlreadyConnected:
		already := e.Class.AlreadyConnected.Encode()
		try := e.Class.TryConnect.Encode()
		copy(b[16:22], already[:])
		copy(b[22:28], try[:])
	}
	return b
}

// DecodeEvent decodes one wire record. Anything other than a well-formed
// 72-byte record with a known discriminant is a decode error; untrusted
// kernel bytes are never reinterpreted blindly.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if len(b) < EventSize {
		return e, fmt.Errorf("event record too short: %d bytes, want %d", len(b), EventSize)
	}

	pair, err := DecodeEndpointPair(b[0:12])
	if err != nil {
		return e, err
	}
	e.Pair = pair

	kind := Kind(binary.LittleEndian.Uint32(b[12:16]))
	e.Class.Kind = kind

	switch kind {
	case KindReceivedPow:
		copy(e.Class.Pow[:], b[16:72])
	case KindNotEnoughBytesForPow:
		// no payload
	case KindBlockedAlreadyConnected:
		already, err := DecodeEndpoint(b[16:22])
		if err != nil {
			return e, err
		}
		try, err := DecodeEndpoint(b[22:28])
		if err != nil {
			return e, err
		}
		e.Class.AlreadyConnected = already
		e.Class.TryConnect = try
	default:
		return e, fmt.Errorf("unknown event discriminant: %d", uint32(kind))
	}

	return e, nil
}

// BlockingReason is the provenance of a blacklist insertion. Logged only,
// never persisted in the map value.
type BlockingReason int

const (
	NoBlocking BlockingReason = iota
	CommandLineArgument
	BadProofOfWork
	AlreadyConnected
	EventFromTezedge
)

func (r BlockingReason) String() string {
	switch r {
	case NoBlocking:
		return "no_blocking"
	case CommandLineArgument:
		return "command_line_argument"
	case BadProofOfWork:
		return "bad_proof_of_work"
	case AlreadyConnected:
		return "already_connected"
	case EventFromTezedge:
		return "event_from_tezedge"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}
