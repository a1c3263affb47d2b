package store

import (
	"testing"
)

func TestInboundFragmentReassembly(t *testing.T) {
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	payload := []byte("hello, fragmented world!")
	parts := [][]byte{payload[:10], payload[10:20], payload[20:]}

	var completed []CompletedMessage
	onComplete := func(m CompletedMessage) { completed = append(completed, m) }

	off := 0
	for i, p := range parts {
		f := InboundFragment{
			Friend: 7, MsgType: 1, ID: 123456789, PartNo: uint32(i + 1),
			NumParts: uint32(len(parts)), Off: uint32(off), Sz: uint32(len(payload)),
			Data: p, Timestamp: int64(1000 + i),
		}
		if err := s.InsertInboundFragment(f, onComplete); err != nil {
			t.Fatalf("InsertInboundFragment part %d: %v", i, err)
		}
		off += len(p)
	}

	if len(completed) != 1 {
		t.Fatalf("got %d completions, want 1", len(completed))
	}
	got := completed[0]
	if string(got.Payload) != string(payload) {
		t.Errorf("payload = %q, want %q", got.Payload, payload)
	}
	if got.Friend != 7 || got.MsgType != 1 {
		t.Errorf("friend/type = %d/%d, want 7/1", got.Friend, got.MsgType)
	}
}

func TestInboundFragmentOutOfOrder(t *testing.T) {
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	payload := []byte("0123456789")
	parts := []struct {
		off  int
		data []byte
	}{
		{5, payload[5:10]},
		{0, payload[0:5]},
	}

	var completed []CompletedMessage
	for i, p := range parts {
		f := InboundFragment{
			Friend: 1, MsgType: 0, ID: 42, PartNo: uint32(i + 1), NumParts: 2,
			Off: uint32(p.off), Sz: uint32(len(payload)), Data: p.data, Timestamp: int64(i),
		}
		if err := s.InsertInboundFragment(f, func(m CompletedMessage) { completed = append(completed, m) }); err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
	}

	if len(completed) != 1 || string(completed[0].Payload) != string(payload) {
		t.Fatalf("got %+v, want single completion with payload %q", completed, payload)
	}
}

func TestInboundFragmentDuplicatePartDiscarded(t *testing.T) {
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	mk := func(partNo uint32, off uint32, data []byte) InboundFragment {
		return InboundFragment{Friend: 1, MsgType: 0, ID: 9, PartNo: partNo, NumParts: 2, Off: off, Sz: 10, Data: data, Timestamp: 1}
	}

	var completions int
	onComplete := func(CompletedMessage) { completions++ }

	if err := s.InsertInboundFragment(mk(1, 0, []byte("01234")), onComplete); err != nil {
		t.Fatal(err)
	}
	// Re-deliver part 1 — must be discarded, not counted toward frags_done again.
	if err := s.InsertInboundFragment(mk(1, 0, []byte("01234")), onComplete); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertInboundFragment(mk(2, 5, []byte("56789")), onComplete); err != nil {
		t.Fatal(err)
	}

	if completions != 1 {
		t.Fatalf("completions = %d, want 1 (duplicate part must not double-count frags_done)", completions)
	}
}

func TestInboundFragmentLateDuplicateOfCompletedMessage(t *testing.T) {
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	f := InboundFragment{Friend: 1, MsgType: 0, ID: 5, PartNo: 1, NumParts: 1, Off: 0, Sz: 3, Data: []byte("abc"), Timestamp: 1}
	var completions int
	onComplete := func(CompletedMessage) { completions++ }
	if err := s.InsertInboundFragment(f, onComplete); err != nil {
		t.Fatal(err)
	}
	// A late retransmit of the only part, after the message already completed
	// and its data row was torn down: the meta tombstone must suppress it.
	if err := s.InsertInboundFragment(f, onComplete); err != nil {
		t.Fatal(err)
	}
	if completions != 1 {
		t.Fatalf("completions = %d, want 1 (tombstone must suppress late duplicate)", completions)
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	msg := OutboundInsert{Friend: 3, MsgType: 1, ID: 100, Timestamp: 10, NumParts: 2, Data: []byte("abcdefghij"), Receipt: 0x70000001}
	if err := s.InsertOutboundMessage(msg); err != nil {
		t.Fatalf("InsertOutboundMessage: %v", err)
	}

	var rows []PendingOutbound
	if err := s.LoadOutboundPending(func(p PendingOutbound) { rows = append(rows, p) }); err != nil {
		t.Fatalf("LoadOutboundPending: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d pending rows, want 1", len(rows))
	}
	got := rows[0]
	if got.Friend != 3 || got.ID != 100 || got.NumParts != 2 || string(got.Message) != "abcdefghij" {
		t.Errorf("got %+v", got)
	}
	if len(got.Confirmed) != 2 {
		t.Errorf("confirmed bitmap length = %d, want 2", len(got.Confirmed))
	}

	if err := s.OutboundPartConfirmed(3, 100, 1, 11); err != nil {
		t.Fatalf("OutboundPartConfirmed: %v", err)
	}

	rows = nil
	if err := s.LoadOutboundPending(func(p PendingOutbound) { rows = append(rows, p) }); err != nil {
		t.Fatal(err)
	}
	if rows[0].Confirmed[0] != 1 || rows[0].Confirmed[1] != 0 {
		t.Errorf("confirmed bitmap = %v, want [1 0]", rows[0].Confirmed)
	}
	if rows[0].FragsDone != 1 {
		t.Errorf("frags_done = %d, want 1", rows[0].FragsDone)
	}

	if err := s.ClearOutboundPending(3, 100); err != nil {
		t.Fatalf("ClearOutboundPending: %v", err)
	}
	rows = nil
	if err := s.LoadOutboundPending(func(p PendingOutbound) { rows = append(rows, p) }); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d pending rows after clear, want 0", len(rows))
	}
}
