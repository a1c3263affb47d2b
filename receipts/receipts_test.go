// fragshim - transport receipt index tests
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

package receipts

import "testing"

func ref(friend uint32, id uint64) Ref { return Ref{Friend: friend, ID: id} }

func TestAddFindMonotonic(t *testing.T) {
	x := NewIndex()
	for i := uint32(1); i <= 100; i++ {
		x.Add(i, ref(1, 42), i, int64(i))
	}
	if x.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", x.Len())
	}
	for i := uint32(1); i <= 100; i++ {
		e, ok := x.Find(i)
		if !ok {
			t.Fatalf("Find(%d) missed", i)
		}
		if e.PartNo != i || e.Ref != ref(1, 42) {
			t.Fatalf("Find(%d) = %+v", i, e)
		}
	}
	if _, ok := x.Find(101); ok {
		t.Fatalf("Find(101) found a never-added receipt")
	}
}

func TestClearTightensWindow(t *testing.T) {
	x := NewIndex()
	for i := uint32(1); i <= 10; i++ {
		x.Add(i, ref(1, 1), i, 0)
	}

	// Punch a hole in the middle, then confirm Find still works around it.
	if _, ok := x.Clear(5); !ok {
		t.Fatalf("Clear(5) missed")
	}
	if _, ok := x.Find(5); ok {
		t.Fatalf("Find(5) found a cleared receipt")
	}
	for _, r := range []uint32{4, 6, 10} {
		if _, ok := x.Find(r); !ok {
			t.Fatalf("Find(%d) missed after interior clear", r)
		}
	}

	// Clear from the low end; the adjacent hole at 5 must be skipped too.
	for _, r := range []uint32{1, 2, 3, 4} {
		if _, ok := x.Clear(r); !ok {
			t.Fatalf("Clear(%d) missed", r)
		}
	}
	if _, ok := x.Find(6); !ok {
		t.Fatalf("Find(6) missed after low-end clears")
	}
	if x.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", x.Len())
	}

	// Drain everything; the window must snap back to empty.
	for _, r := range []uint32{6, 7, 8, 9, 10} {
		if _, ok := x.Clear(r); !ok {
			t.Fatalf("Clear(%d) missed", r)
		}
	}
	if x.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", x.Len())
	}
	if x.lo != 0 || x.hi != 0 {
		t.Fatalf("window = [%d,%d), want [0,0) after draining", x.lo, x.hi)
	}
}

// TestAddOutOfOrder exercises the mid-insert path: a retransmitted part's
// fresh receipt can land numerically below the current maximum when the
// transport's counter wrapped, and must still be findable afterwards.
func TestAddOutOfOrder(t *testing.T) {
	x := NewIndex()
	x.Add(100, ref(1, 1), 1, 0)
	x.Add(200, ref(1, 1), 2, 0)
	x.Add(300, ref(1, 1), 3, 0)
	x.Add(150, ref(1, 2), 1, 0)
	x.Add(250, ref(1, 2), 2, 0)

	for _, r := range []uint32{100, 150, 200, 250, 300} {
		if _, ok := x.Find(r); !ok {
			t.Fatalf("Find(%d) missed after out-of-order inserts", r)
		}
	}
	e, _ := x.Find(150)
	if e.Ref != ref(1, 2) || e.PartNo != 1 {
		t.Fatalf("Find(150) = %+v, want ref(1,2) part 1", e)
	}
}

func TestExpireReturnsOnlyStale(t *testing.T) {
	x := NewIndex()
	x.Add(1, ref(1, 1), 1, 1000)
	x.Add(2, ref(1, 1), 2, 2000)
	x.Add(3, ref(1, 1), 3, 3000)

	stale := x.Expire(2000)
	if len(stale) != 2 {
		t.Fatalf("Expire returned %d entries, want 2", len(stale))
	}
	if stale[0].Receipt != 1 || stale[1].Receipt != 2 {
		t.Fatalf("Expire = %+v, want receipts 1 and 2 in order", stale)
	}
	if _, ok := x.Find(1); ok {
		t.Fatalf("expired receipt 1 still findable")
	}
	if _, ok := x.Find(3); !ok {
		t.Fatalf("fresh receipt 3 lost by Expire")
	}
	if x.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", x.Len())
	}
}

func TestCompress(t *testing.T) {
	x := NewIndex()
	for i := uint32(1); i <= 20; i++ {
		x.Add(i, ref(1, 1), i, 0)
	}
	for i := uint32(2); i <= 20; i += 2 {
		x.Clear(i)
	}
	x.Compress()
	if x.lo != 0 || x.hi != 10 {
		t.Fatalf("window after Compress = [%d,%d), want [0,10)", x.lo, x.hi)
	}
	for i := uint32(1); i <= 19; i += 2 {
		if _, ok := x.Find(i); !ok {
			t.Fatalf("Find(%d) missed after Compress", i)
		}
	}
}
