package inbound

import (
	"testing"

	"github.com/blubskye/fragshim/marker"
	"github.com/blubskye/fragshim/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOnWireMessagePassthrough(t *testing.T) {
	st := newTestStore(t)
	var got []byte
	eng := NewEngine(st, func(friend uint32, msgType int32, payload []byte) { got = payload })

	plain := []byte("just a normal message, no marker here")
	eng.OnWireMessage(1, 0, plain, 1000)
	if string(got) != string(plain) {
		t.Fatalf("passthrough payload = %q, want %q", got, plain)
	}
}

func TestOnWireMessageReassemblesFragments(t *testing.T) {
	st := newTestStore(t)
	var delivered [][]byte
	eng := NewEngine(st, func(friend uint32, msgType int32, payload []byte) {
		delivered = append(delivered, payload)
	})

	payload := []byte("the quick brown fox jumps over the lazy dog")
	const id = uint64(1700000000999)
	parts := []struct{ off, sz int }{{0, 15}, {15, 15}, {30, len(payload) - 30}}

	for i, p := range parts {
		wire := marker.Encode(id, uint32(i+1), uint32(len(parts)), uint32(p.off), uint32(len(payload)))
		wire = append(wire, payload[p.off:p.off+p.sz]...)
		eng.OnWireMessage(2, 5, wire, int64(1000+i))
	}

	if len(delivered) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(delivered))
	}
	if string(delivered[0]) != string(payload) {
		t.Fatalf("reassembled payload = %q, want %q", delivered[0], payload)
	}
}

func TestOnWireMessageRejectsMalformedFragment(t *testing.T) {
	st := newTestStore(t)
	var delivered int
	eng := NewEngine(st, func(uint32, int32, []byte) { delivered++ })

	// off+partLen exceeds the declared total size — must be dropped, not
	// spliced into the blob (which would panic/overflow the substr range).
	wire := marker.Encode(123, 1, 2, 5, 10)
	wire = append(wire, []byte("0123456789")...) // 10 bytes starting at off=5 in a 10-byte total
	eng.OnWireMessage(1, 0, wire, 1)

	if delivered != 0 {
		t.Fatalf("malformed fragment should not be delivered, got %d deliveries", delivered)
	}
}
