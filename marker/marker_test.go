package marker

import (
	"bytes"
	"testing"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	cases := []Marker{
		{ID: 1700000000123, PartNo: 1, NumParts: 1, Off: 0, Sz: 5},
		{ID: 1700000000123, PartNo: 1, NumParts: 3, Off: 0, Sz: 300},
		{ID: 1700000000123, PartNo: 2, NumParts: 3, Off: 100, Sz: 300},
		{ID: 1700000000123, PartNo: 3, NumParts: 3, Off: 200, Sz: 300},
		{ID: 42, PartNo: 10, NumParts: 10, Off: 999999999, Sz: 999999999},
	}
	for _, c := range cases {
		enc := Encode(c.ID, c.PartNo, c.NumParts, c.Off, c.Sz)
		if !Exists(enc) {
			t.Fatalf("Exists(%q) = false, want true", enc)
		}
		got, consumed, ok := Parse(enc)
		if !ok {
			t.Fatalf("Parse(%q) ok = false", enc)
		}
		if consumed != len(enc) {
			t.Errorf("consumed = %d, want %d", consumed, len(enc))
		}
		if got != c {
			t.Errorf("Parse(%q) = %+v, want %+v", enc, got, c)
		}
	}
}

func TestEncodeWithPayload(t *testing.T) {
	marker := Encode(1700000000123, 1, 2, 0, 10)
	payload := []byte("0123456789")
	wire := append(append([]byte{}, marker...), payload...)

	got, consumed, ok := Parse(wire)
	if !ok {
		t.Fatal("Parse failed")
	}
	if !bytes.Equal(wire[consumed:], payload) {
		t.Errorf("payload slice = %q, want %q", wire[consumed:], payload)
	}
	if got.PartNo != 1 || got.NumParts != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestExistsRejectsPlainText(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello"),
		[]byte("hello, world, this is definitely not a fragment marker at all"),
	}
	for _, c := range cases {
		if Exists(c) {
			t.Errorf("Exists(%q) = true, want false", c)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	good := Encode(1700000000123, 1, 2, 0, 10)
	// good = ZWS + "1700000000123" + "|1|2|0|10" + ZWS
	tsEnd := len(zws) + idDigits // index of the '|' right after the timestamp

	mutate := func(i int, b byte) []byte {
		c := append([]byte{}, good...)
		c[i] = b
		return c
	}

	malformed := map[string][]byte{
		"truncated before trailing ZWS":  good[:len(good)-1],
		"missing separator after ts":     mutate(tsEnd, 'X'),
		"non-digit inside timestamp":     mutate(len(zws), 'X'),
		"empty payload":                  nil,
		"just the ZWS prefix":            []byte(zws),
	}
	for name, c := range malformed {
		if Exists(c) {
			t.Errorf("%s: Exists(%q) = true, want false", name, c)
		}
		if _, _, ok := Parse(c); ok {
			t.Errorf("%s: Parse(%q) ok = true, want false", name, c)
		}
	}

	// zero-width field: "off" field made empty by deleting its digit and the
	// following separator collapses two fields together — build directly.
	zeroWidth := []byte(zws + "1700000000123" + "|1|2||10" + zws)
	if Exists(zeroWidth) {
		t.Error("zero-width field: Exists = true, want false")
	}
}

func TestMaxSizeIsSufficient(t *testing.T) {
	for _, numParts := range []uint32{1, 9, 10, 99, 100, 100000} {
		for _, sz := range []uint32{0, 9, 10, 123456789, 4000000000} {
			max := MaxSize(numParts, sz)
			enc := Encode(1700000000123, numParts, numParts, sz, sz)
			if len(enc) > max {
				t.Errorf("numParts=%d sz=%d: encoded length %d exceeds MaxSize %d", numParts, sz, len(enc), max)
			}
		}
	}
}

func TestMarkerMustBeAtStart(t *testing.T) {
	enc := Encode(1700000000123, 1, 1, 0, 5)
	shifted := append([]byte("x"), enc...)
	if Exists(shifted) {
		t.Error("Exists should require the marker at offset 0")
	}
}
