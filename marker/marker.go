// fragshim - fragment marker codec
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

// Package marker implements the in-band header that fragshim stamps onto
// every wire-sized part of a fragmented message: a zero-width-space
// delimited frame carrying the message id, part number, part count, payload
// offset and total payload size.
package marker

import (
	"strconv"
)

// zws is U+200B ZERO WIDTH SPACE, 3 bytes in UTF-8.
const zws = "​"

const (
	idDigits    = 13 // milliseconds timestamp, always exactly this wide
	intDigitMin = 1
	intDigitMax = 10
	numFields   = 4 // partNo, numParts, off, sz
)

// Marker is a parsed fragment header.
type Marker struct {
	ID       uint64
	PartNo   uint32
	NumParts uint32
	Off      uint32
	Sz       uint32
}

// numDigits returns the decimal width of i, treating 0 as one digit.
func numDigits(i uint32) int {
	n := 1
	for i >= 10 {
		i /= 10
		n++
	}
	return n
}

// MaxSize returns the worst-case marker length for the given field widths:
// partNo shares numParts' digit width, off and sz share msgSize's.
func MaxSize(numParts, msgSize uint32) int {
	numPartsDigits := numDigits(numParts)
	msgSizeDigits := numDigits(msgSize)
	return len(zws) + idDigits + 1 +
		numPartsDigits + 1 + // partNo
		numPartsDigits + 1 + // numParts
		msgSizeDigits + 1 + // off
		msgSizeDigits + // sz
		len(zws)
}

// Encode renders the marker for (id, partNo, numParts, off, sz) and returns
// the encoded bytes.
func Encode(id uint64, partNo, numParts, off, sz uint32) []byte {
	out := make([]byte, 0, MaxSize(numParts, sz))
	out = append(out, zws...)
	out = appendPadded(out, id)
	out = append(out, '|')
	out = strconv.AppendUint(out, uint64(partNo), 10)
	out = append(out, '|')
	out = strconv.AppendUint(out, uint64(numParts), 10)
	out = append(out, '|')
	out = strconv.AppendUint(out, uint64(off), 10)
	out = append(out, '|')
	out = strconv.AppendUint(out, uint64(sz), 10)
	out = append(out, zws...)
	return out
}

// appendPadded writes id as exactly idDigits decimal digits, left-padded
// with zeros (a current millisecond timestamp already has 13 digits; the
// padding keeps smaller ids inside the fixed 13-digit field).
func appendPadded(dst []byte, id uint64) []byte {
	s := strconv.FormatUint(id, 10)
	for i := len(s); i < idDigits; i++ {
		dst = append(dst, '0')
	}
	return append(dst, s...)
}

// Exists reports whether buf begins with a well-formed marker.
func Exists(buf []byte) bool {
	_, _, ok := parseFields(buf)
	return ok
}

// Parse decodes the marker at the start of buf. ok is false if buf does not
// begin with a well-formed marker, in which case callers must treat buf as a
// non-fragmented, pass-through message.
func Parse(buf []byte) (m Marker, consumed int, ok bool) {
	fldOff, fldSz, ok := parseFields(buf)
	if !ok {
		return Marker{}, 0, false
	}
	id, _ := parseUint(buf, len(zws), idDigits)
	partNo, _ := parseUint(buf, fldOff[0], fldSz[0])
	numParts, _ := parseUint(buf, fldOff[1], fldSz[1])
	off, _ := parseUint(buf, fldOff[2], fldSz[2])
	sz, _ := parseUint(buf, fldOff[3], fldSz[3])
	m = Marker{
		ID:       id,
		PartNo:   uint32(partNo),
		NumParts: uint32(numParts),
		Off:      uint32(off),
		Sz:       uint32(sz),
	}
	consumed = fldOff[numFields-1] + fldSz[numFields-1] + len(zws)
	return m, consumed, true
}

func isZWS(buf []byte, at int) bool {
	if at+len(zws) > len(buf) {
		return false
	}
	return buf[at] == zws[0] && buf[at+1] == zws[1] && buf[at+2] == zws[2]
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// parseFields locates the numFields digit groups that follow the 13-digit
// timestamp, returning their start offsets and widths within buf. Any
// 0-width field, a missing separator, a missing trailing ZWS, or a
// non-digit in the timestamp causes rejection.
func parseFields(buf []byte) (fldOff, fldSz [numFields]int, ok bool) {
	// minimum length: ZWS + 13 digits + '|' + 4 fields each "d|" (last "d"+ZWS)
	minLen := len(zws) + idDigits + numFields*(1+intDigitMin) + len(zws)
	if len(buf) < minLen {
		return fldOff, fldSz, false
	}
	if !isZWS(buf, 0) {
		return fldOff, fldSz, false
	}
	if buf[len(zws)+idDigits] != '|' {
		return fldOff, fldSz, false
	}
	for i := len(zws); i < len(zws)+idDigits; i++ {
		if !isDigit(buf[i]) {
			return fldOff, fldSz, false
		}
	}

	p := len(zws) + idDigits + 1
	for f := 0; f < numFields; f++ {
		fldOff[f] = p
		width := 0
		for i := p; i < p+intDigitMax && i < len(buf); i++ {
			if !isDigit(buf[i]) {
				break
			}
			width++
		}
		fldSz[f] = width
		if width == 0 {
			return fldOff, fldSz, false
		}
		last := f == numFields-1
		if last {
			if !isZWS(buf, p+width) {
				return fldOff, fldSz, false
			}
		} else if p+width >= len(buf) || buf[p+width] != '|' {
			return fldOff, fldSz, false
		}
		p += width + 1
	}
	return fldOff, fldSz, true
}

func parseUint(buf []byte, off, width int) (uint64, bool) {
	var v uint64
	for i := 0; i < width; i++ {
		v = v*10 + uint64(buf[off+i]-'0')
	}
	return v, true
}
