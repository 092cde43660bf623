// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package command defines the framed wire protocol spoken on the control
// socket and the decoder that turns the byte stream into commands.
//
// Frame layout, everything big-endian:
//
//	tag(1)
//	Block, Unblock:                family(1) addr(4|16)
//	FilterLocalPort:               port(2)
//	FilterRemoteAddr:              family(1) addr(4|16) port(2)
//	Disconnected, Connected:       family(1) addr(4|16) port(2) pubkey(32)
//
// family is 4 or 6. IPv6 frames decode cleanly so a stream stays in sync,
// but every handler rejects them as unimplemented.
package command

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
)

// Type discriminates commands on the wire.
type Type uint8

const (
	TypeBlock Type = iota + 1
	TypeUnblock
	TypeFilterLocalPort
	TypeFilterRemoteAddr
	TypeDisconnected
	TypeConnected
)

func (t Type) String() string {
	switch t {
	case TypeBlock:
		return "block"
	case TypeUnblock:
		return "unblock"
	case TypeFilterLocalPort:
		return "filter_local_port"
	case TypeFilterRemoteAddr:
		return "filter_remote_addr"
	case TypeDisconnected:
		return "disconnected"
	case TypeConnected:
		return "connected"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// PublicKeySize is the size of a peer identity key.
const PublicKeySize = 32

const (
	familyIPv4 = 4
	familyIPv6 = 6
)

// Command is one administrative intent from the node.
type Command struct {
	Type Type
	// Addr is set for every type except FilterLocalPort.
	Addr netip.Addr
	// Port is set for FilterLocalPort, FilterRemoteAddr, Disconnected
	// and Connected.
	Port uint16
	// PublicKey is set for Disconnected and Connected.
	PublicKey [PublicKeySize]byte
}

func (c Command) String() string {
	switch c.Type {
	case TypeBlock, TypeUnblock:
		return fmt.Sprintf("%s(%s)", c.Type, c.Addr)
	case TypeFilterLocalPort:
		return fmt.Sprintf("%s(%d)", c.Type, c.Port)
	case TypeFilterRemoteAddr:
		return fmt.Sprintf("%s(%s:%d)", c.Type, c.Addr, c.Port)
	case TypeDisconnected, TypeConnected:
		return fmt.Sprintf("%s(%s:%d, %x...)", c.Type, c.Addr, c.Port, c.PublicKey[:4])
	default:
		return c.Type.String()
	}
}

// DecodeError marks a malformed frame. The connection survives it: the
// server logs the frame and keeps decoding.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "malformed command: " + e.Reason
}

// Decoder reads commands off a byte stream one frame at a time.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps a stream in a command decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next command. It returns io.EOF when the stream ends
// cleanly at a frame boundary, io.ErrUnexpectedEOF when it ends mid-frame,
// and *DecodeError for a malformed frame on an otherwise healthy stream.
func (d *Decoder) Decode() (Command, error) {
	var cmd Command

	tag, err := d.r.ReadByte()
	if err != nil {
		return cmd, err
	}
	cmd.Type = Type(tag)

	switch cmd.Type {
	case TypeBlock, TypeUnblock:
		addr, err := d.readAddr()
		if err != nil {
			return cmd, err
		}
		cmd.Addr = addr

	case TypeFilterLocalPort:
		port, err := d.readPort()
		if err != nil {
			return cmd, err
		}
		cmd.Port = port

	case TypeFilterRemoteAddr:
		addr, err := d.readAddr()
		if err != nil {
			return cmd, err
		}
		port, err := d.readPort()
		if err != nil {
			return cmd, err
		}
		cmd.Addr = addr
		cmd.Port = port

	case TypeDisconnected, TypeConnected:
		addr, err := d.readAddr()
		if err != nil {
			return cmd, err
		}
		port, err := d.readPort()
		if err != nil {
			return cmd, err
		}
		if _, err := io.ReadFull(d.r, cmd.PublicKey[:]); err != nil {
			return cmd, eof(err)
		}
		cmd.Addr = addr
		cmd.Port = port

	default:
		return cmd, &DecodeError{Reason: fmt.Sprintf("unknown tag %d", tag)}
	}

	return cmd, nil
}

func (d *Decoder) readAddr() (netip.Addr, error) {
	family, err := d.r.ReadByte()
	if err != nil {
		return netip.Addr{}, eof(err)
	}
	switch family {
	case familyIPv4:
		var b [4]byte
		if _, err := io.ReadFull(d.r, b[:]); err != nil {
			return netip.Addr{}, eof(err)
		}
		return netip.AddrFrom4(b), nil
	case familyIPv6:
		var b [16]byte
		if _, err := io.ReadFull(d.r, b[:]); err != nil {
			return netip.Addr{}, eof(err)
		}
		return netip.AddrFrom16(b), nil
	default:
		return netip.Addr{}, &DecodeError{Reason: fmt.Sprintf("unknown address family %d", family)}
	}
}

func (d *Decoder) readPort() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, eof(err)
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// eof normalizes a truncated read into io.ErrUnexpectedEOF so callers can
// tell "stream died mid-frame" apart from a clean end of stream.
func eof(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Encode produces the wire frame for a command. The node-side client uses
// this; tests use it to drive the decoder.
func Encode(c Command) ([]byte, error) {
	buf := []byte{byte(c.Type)}

	appendAddr := func() error {
		if c.Addr.Is4() {
			a := c.Addr.As4()
			buf = append(buf, familyIPv4)
			buf = append(buf, a[:]...)
			return nil
		}
		if c.Addr.Is6() {
			a := c.Addr.As16()
			buf = append(buf, familyIPv6)
			buf = append(buf, a[:]...)
			return nil
		}
		return fmt.Errorf("command %s has no address", c.Type)
	}
	appendPort := func() {
		buf = append(buf, byte(c.Port>>8), byte(c.Port))
	}

	switch c.Type {
	case TypeBlock, TypeUnblock:
		if err := appendAddr(); err != nil {
			return nil, err
		}
	case TypeFilterLocalPort:
		appendPort()
	case TypeFilterRemoteAddr:
		if err := appendAddr(); err != nil {
			return nil, err
		}
		appendPort()
	case TypeDisconnected, TypeConnected:
		if err := appendAddr(); err != nil {
			return nil, err
		}
		appendPort()
		buf = append(buf, c.PublicKey[:]...)
	default:
		return nil, fmt.Errorf("cannot encode unknown command type %d", uint8(c.Type))
	}

	return buf, nil
}
