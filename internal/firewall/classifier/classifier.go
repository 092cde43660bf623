// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classifier is the packet classification state machine: one
// invocation per incoming frame, bounded work, no allocation on the hot
// path, PASS or DROP out. The XDP C program in internal/ebpf/programs is
// the kernel rendition of exactly this logic; this package runs it in
// userspace for simulation mode and for tests, against the same maps.
//
// Any frame the classifier cannot fully parse passes. A parsing edge case
// must never become an outage.
package classifier

import (
	"github.com/simplestaking/bpf-firewall/internal/ebpf/types"
	"github.com/simplestaking/bpf-firewall/internal/firewall/store"
)

// Verdict is the per-frame decision.
type Verdict int

const (
	Pass Verdict = iota
	Drop
)

func (v Verdict) String() string {
	if v == Drop {
		return "drop"
	}
	return "pass"
}

const (
	etherHeaderLen  = 14
	etherTypeIPv4   = 0x0800
	protoTCP        = 6
	minIPHeaderLen  = 20
	minTCPHeaderLen = 20

	// powWindowSize is the fixed payload window inspected for proof of
	// work: a 4-byte prefix that is skipped plus the 56-byte stamp.
	powWindowSize = 60
	powSkip       = 4
)

// Classifier decides PASS/DROP per frame and reports meaningful state
// transitions through emit.
type Classifier struct {
	maps store.Maps
	emit func(types.Event)
}

// New creates a classifier over the shared maps. emit may be nil when the
// caller only wants verdicts.
func New(maps store.Maps, emit func(types.Event)) *Classifier {
	return &Classifier{maps: maps, emit: emit}
}

// Classify runs the state machine over one frame and returns the verdict.
//
// The drop decision always uses the status as it stood before this
// invocation's own updates; a packet never reacts to flags it raised
// itself, which keeps the verdict deterministic given entry state.
func (c *Classifier) Classify(frame []byte) Verdict {
	if len(frame) < etherHeaderLen {
		return Pass
	}
	if uint16(frame[12])<<8|uint16(frame[13]) != etherTypeIPv4 {
		return Pass
	}

	ip := frame[etherHeaderLen:]
	if len(ip) < minIPHeaderLen {
		return Pass
	}
	if ip[0]>>4 != 4 {
		return Pass
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < minIPHeaderLen || len(ip) < ihl {
		return Pass
	}
	if ip[9] != protoTCP {
		return Pass
	}

	tcp := ip[ihl:]
	if len(tcp) < minTCPHeaderLen {
		return Pass
	}

	// Hard allowlist: web traffic is never inspected or dropped.
	srcPort := uint16(tcp[0])<<8 | uint16(tcp[1])
	if srcPort == 80 || srcPort == 443 {
		return Pass
	}

	dataOff := int(tcp[12]>>4) * 4
	if dataOff < minTCPHeaderLen || len(tcp) < dataOff {
		return Pass
	}

	var pair types.EndpointPair
	copy(pair.Remote.IPv4[:], ip[12:16])
	copy(pair.Remote.Port[:], tcp[0:2])
	copy(pair.Local.IPv4[:], ip[16:20])
	copy(pair.Local.Port[:], tcp[2:4])

	headersLen := etherHeaderLen + ihl + dataOff

	status := c.ipStatus(pair.Remote.IPv4)
	entryStatus := status

	class, hasEvent := c.trackConnection(pair, &status)

	if !hasEvent && !status.Has(types.StatusPowSent) {
		class, hasEvent = capturePow(frame, headersLen, &status)
	}

	pairKey := pair.Encode()
	prev, found, err := c.maps.Status.Lookup(pairKey[:])
	if err != nil || !found || store.DecodeStatus(prev) != status {
		c.maps.Blacklist.Update(pair.Remote.IPv4[:], store.EncodeStatus(status))
		c.maps.Status.Update(pairKey[:], store.EncodeStatus(status))
		if hasEvent && c.emit != nil {
			c.emit(types.Event{Pair: pair, Class: class})
		}
	}

	if entryStatus.Has(types.StatusBlocked) {
		return Drop
	}
	return Pass
}

// trackConnection enforces one admitted connection per remote IP on the
// filtered node ports. A second attempt on a different source port is
// blocked unless the node whitelisted that exact endpoint beforehand.
func (c *Classifier) trackConnection(pair types.EndpointPair, status *types.Status) (types.Classification, bool) {
	var class types.Classification

	if _, found, err := c.maps.Node.Lookup(pair.Local.Port[:]); err != nil || !found {
		return class, false
	}

	remotePort := pair.Remote.PortNumber()
	epKey := pair.Remote.Encode()

	if status.Has(types.StatusConnected) {
		if status.ConnectedPort() == remotePort {
			return class, false
		}
		if _, pending, err := c.maps.PendingPeers.Lookup(epKey[:]); err == nil && pending {
			// The node expects this reconnection; adopt the new port.
			*status = status.WithConnectedPort(remotePort)
			c.maps.PendingPeers.Delete(epKey[:])
			return class, false
		}
		class.Kind = types.KindBlockedAlreadyConnected
		class.AlreadyConnected = types.EndpointFrom(pair.Remote.IPv4, status.ConnectedPort())
		class.TryConnect = pair.Remote
		*status |= types.StatusBlocked
		return class, true
	}

	*status = status.WithConnectedPort(remotePort)
	c.maps.PendingPeers.Delete(epKey[:])
	return class, false
}

// capturePow reads the fixed payload window once per remote IP. A payload
// shorter than the window still burns the attempt: the peer was supposed to
// lead with its proof of work.
func capturePow(frame []byte, headersLen int, status *types.Status) (types.Classification, bool) {
	var class types.Classification

	if headersLen >= len(frame) {
		// No payload yet, nothing to judge.
		return class, false
	}

	if len(frame) >= headersLen+powWindowSize {
		class.Kind = types.KindReceivedPow
		copy(class.Pow[:], frame[headersLen+powSkip:headersLen+powWindowSize])
	} else {
		class.Kind = types.KindNotEnoughBytesForPow
	}
	*status |= types.StatusPowSent
	return class, true
}

func (c *Classifier) ipStatus(ip [4]byte) types.Status {
	v, found, err := c.maps.Blacklist.Lookup(ip[:])
	if err != nil || !found {
		return 0
	}
	return store.DecodeStatus(v)
}
