// fragshim - configuration
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

package fragshim

import (
	"time"

	"github.com/blubskye/fragshim/outbound"
)

// Params configures a wired Shim. The zero value of any field falls back to
// the corresponding DefaultParams value (or, for MaxMessageLength, to the
// transport's own published limit).
type Params struct {
	// MaxMessageLength overrides transport.Capabilities.MaxMessageSize
	// when nonzero — useful for a transport whose advertised limit already
	// accounts for overhead this shim doesn't know about.
	MaxMessageLength uint32

	// FragmentsAtATime caps how many parts of one message may be in
	// transit at once.
	FragmentsAtATime uint32

	// ReceiptExpiration is how long a dispatched part may wait for its
	// transport receipt before it is written off as lost and sent again.
	ReceiptExpiration time.Duration

	// ReceiptRangeLo and ReceiptRangeHi bound the synthetic client receipt
	// space. The transport's own receipt numbering must never enter it.
	ReceiptRangeLo, ReceiptRangeHi uint32

	// WorkerInterval is the periodic worker's tick period, driving both
	// ResendExpired sweeps and SendMore ramp-up.
	WorkerInterval time.Duration
}

// markerWorstCase is the largest a fragment marker can grow for any message
// a 32-bit size field can describe. MaxMessageLength below this leaves no
// room for payload in a part.
const markerWorstCase = 64

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		FragmentsAtATime:  512,
		ReceiptExpiration: 20 * time.Second,
		ReceiptRangeLo:    0x70000000,
		ReceiptRangeHi:    0x7fffffff,
		WorkerInterval:    2 * time.Second,
	}
}

func (p Params) outboundConfig() outbound.Config {
	return outbound.Config{
		FragmentsAtATime:    p.FragmentsAtATime,
		ReceiptExpirationMs: p.ReceiptExpiration.Milliseconds(),
		ReceiptRangeLo:      p.ReceiptRangeLo,
		ReceiptRangeHi:      p.ReceiptRangeHi,
	}
}
