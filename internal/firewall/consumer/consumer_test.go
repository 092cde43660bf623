// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package consumer

import (
	"testing"

	"github.com/simplestaking/bpf-firewall/internal/ebpf/types"
	"github.com/simplestaking/bpf-firewall/internal/firewall/pow"
	"github.com/simplestaking/bpf-firewall/internal/firewall/store"
	"github.com/simplestaking/bpf-firewall/internal/logging"
	"github.com/simplestaking/bpf-firewall/internal/metrics"
)

var (
	testRemote = types.EndpointFrom([4]byte{203, 0, 113, 7}, 54321)
	testLocal  = types.EndpointFrom([4]byte{10, 0, 0, 1}, 9732)
)

func newTestConsumer(target float64) (*Consumer, *store.Store) {
	st := store.New(store.NewMemoryMaps(), logging.Nop(), metrics.New())
	return New(st, pow.NewValidator(target), logging.Nop(), metrics.New()), st
}

func record(ev types.Event) []byte {
	b := ev.Encode()
	return b[:]
}

func powEvent() types.Event {
	ev := types.Event{
		Pair:  types.EndpointPair{Local: testLocal, Remote: testRemote},
		Class: types.Classification{Kind: types.KindReceivedPow},
	}
	for i := range ev.Class.Pow {
		ev.Class.Pow[i] = byte(i)
	}
	return ev
}

func assertBlocked(t *testing.T, st *store.Store, want bool) {
	t.Helper()
	status, found, err := st.IPStatus(testRemote.IPv4)
	if err != nil {
		t.Fatal(err)
	}
	got := found && status.Has(types.StatusBlocked)
	if got != want {
		t.Fatalf("blocked = %v, want %v (status %v)", got, want, status)
	}
}

func TestBadPowBlacklists(t *testing.T) {
	// 257 leading zero bits cannot exist; every pow fails.
	c, st := newTestConsumer(257)

	c.HandleBatch(Batch{Source: EventSourceName, Records: [][]byte{record(powEvent())}})
	assertBlocked(t, st, true)
}

func TestValidPowDoesNotBlacklist(t *testing.T) {
	c, st := newTestConsumer(0)

	c.HandleBatch(Batch{Source: EventSourceName, Records: [][]byte{record(powEvent())}})
	assertBlocked(t, st, false)
}

func TestShortPowBlacklistsRegardlessOfTarget(t *testing.T) {
	c, st := newTestConsumer(0)

	ev := types.Event{
		Pair:  types.EndpointPair{Local: testLocal, Remote: testRemote},
		Class: types.Classification{Kind: types.KindNotEnoughBytesForPow},
	}
	c.HandleBatch(Batch{Source: EventSourceName, Records: [][]byte{record(ev)}})
	assertBlocked(t, st, true)
}

func TestAlreadyConnectedBlacklists(t *testing.T) {
	c, st := newTestConsumer(0)

	ev := types.Event{
		Pair: types.EndpointPair{Local: testLocal, Remote: testRemote},
		Class: types.Classification{
			Kind:             types.KindBlockedAlreadyConnected,
			AlreadyConnected: types.EndpointFrom(testRemote.IPv4, 40000),
			TryConnect:       testRemote,
		},
	}
	c.HandleBatch(Batch{Source: EventSourceName, Records: [][]byte{record(ev)}})
	assertBlocked(t, st, true)
}

func TestUnknownSourceDiscarded(t *testing.T) {
	c, st := newTestConsumer(257)

	c.HandleBatch(Batch{Source: "other", Records: [][]byte{record(powEvent())}})
	assertBlocked(t, st, false)
}

func TestMalformedRecordSkipped(t *testing.T) {
	c, st := newTestConsumer(257)

	// A junk record must not stop the records behind it.
	c.HandleBatch(Batch{Source: EventSourceName, Records: [][]byte{
		{1, 2, 3},
		record(powEvent()),
	}})
	assertBlocked(t, st, true)
}

func TestDuplicateRecordsIdempotent(t *testing.T) {
	c, st := newTestConsumer(257)

	ev := powEvent()
	c.HandleBatch(Batch{Source: EventSourceName, Records: [][]byte{
		record(ev),
		record(ev),
	}})
	assertBlocked(t, st, true)
}
