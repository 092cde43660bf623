// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package command

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"testing"
)

func mustEncode(t *testing.T, c Command) []byte {
	t.Helper()
	b, err := Encode(c)
	if err != nil {
		t.Fatalf("encode %v: %v", c, err)
	}
	return b
}

func TestDecodeRoundTrip(t *testing.T) {
	var pk [PublicKeySize]byte
	for i := range pk {
		pk[i] = byte(i)
	}

	commands := []Command{
		{Type: TypeBlock, Addr: netip.MustParseAddr("203.0.113.7")},
		{Type: TypeUnblock, Addr: netip.MustParseAddr("203.0.113.7")},
		{Type: TypeFilterLocalPort, Port: 9732},
		{Type: TypeFilterRemoteAddr, Addr: netip.MustParseAddr("10.0.0.1"), Port: 54321},
		{Type: TypeDisconnected, Addr: netip.MustParseAddr("10.0.0.1"), Port: 54321, PublicKey: pk},
		{Type: TypeConnected, Addr: netip.MustParseAddr("10.0.0.1"), Port: 54321, PublicKey: pk},
	}

	for _, want := range commands {
		d := NewDecoder(bytes.NewReader(mustEncode(t, want)))
		got, err := d.Decode()
		if err != nil {
			t.Fatalf("decode %v: %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch:\n got %v\nwant %v", got, want)
		}
		if _, err := d.Decode(); err != io.EOF {
			t.Fatalf("expected clean EOF after %v, got %v", want, err)
		}
	}
}

func TestDecodeIPv6(t *testing.T) {
	want := Command{Type: TypeBlock, Addr: netip.MustParseAddr("2001:db8::1")}

	d := NewDecoder(bytes.NewReader(mustEncode(t, want)))
	got, err := d.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(mustEncode(t, Command{Type: TypeFilterLocalPort, Port: 9732}))
	buf.Write(mustEncode(t, Command{Type: TypeBlock, Addr: netip.MustParseAddr("10.0.0.9")}))
	buf.Write(mustEncode(t, Command{Type: TypeUnblock, Addr: netip.MustParseAddr("10.0.0.9")}))

	d := NewDecoder(&buf)
	var types []Type
	for {
		cmd, err := d.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		types = append(types, cmd.Type)
	}

	want := []Type{TypeFilterLocalPort, TypeBlock, TypeUnblock}
	if len(types) != len(want) {
		t.Fatalf("decoded %d commands, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("command %d = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	full := mustEncode(t, Command{Type: TypeBlock, Addr: netip.MustParseAddr("10.0.0.9")})

	for cut := 1; cut < len(full); cut++ {
		d := NewDecoder(bytes.NewReader(full[:cut]))
		if _, err := d.Decode(); err != io.ErrUnexpectedEOF {
			t.Fatalf("cut at %d: err = %v, want io.ErrUnexpectedEOF", cut, err)
		}
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	d := NewDecoder(bytes.NewReader([]byte{0xff, 1, 2, 3}))
	_, err := d.Decode()

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
}

func TestDecodeUnknownFamily(t *testing.T) {
	d := NewDecoder(bytes.NewReader([]byte{byte(TypeBlock), 9, 1, 2, 3, 4}))
	_, err := d.Decode()

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
}

func TestEncodeRejectsMissingAddress(t *testing.T) {
	if _, err := Encode(Command{Type: TypeBlock}); err == nil {
		t.Fatal("expected error for block without address")
	}
}
