// fragshim - transport wiring and lifecycle
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

// Package fragshim wires the marker codec, persistence layer, receipt
// index, and the outbound/inbound engines into a single Shim: the thing a
// host actually installs in front of its transport. Wire replaces three of
// the transport's own operations (send, register-message-callback,
// register-receipt-callback) with fragshim's own, so that from the client's
// point of view nothing changed except that messages longer than the
// transport's own limit now work.
package fragshim

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/blubskye/fragshim/inbound"
	"github.com/blubskye/fragshim/outbound"
	"github.com/blubskye/fragshim/receipts"
	"github.com/blubskye/fragshim/store"
	"github.com/blubskye/fragshim/transport"
)

// wired guards against a second concurrent Shim: constructing a second
// transport instance is a programming invariant violation, not a
// recoverable error.
var wired atomic.Bool

// MessageFunc and ReceiptFunc are the client-facing callback shapes Shim
// installs on behalf of whatever the host originally registered with the
// transport.
type MessageFunc func(friend uint32, msgType int32, payload []byte)
type ReceiptFunc func(friend uint32, receipt uint32)

// Shim is one wired instance: the glue between a transport.Capabilities and
// the outbound/inbound engines, plus the two lifecycle halves (API, DB)
// that must both be initialized before the engines come alive.
type Shim struct {
	params Params

	apiInit bool
	dbInit  bool
	ready   bool

	store *store.Store
	idx   *receipts.Index
	out   *outbound.Engine
	in    *inbound.Engine

	caps transport.Capabilities

	clientMessage MessageFunc
	clientReceipt ReceiptFunc

	worker *worker
}

// New returns an unwired, unconfigured Shim. Call Configure (optional —
// DefaultParams applies otherwise), then InitDB/InitDBInMemory and InitAPI
// in either order, then Wire.
func New() *Shim {
	return &Shim{params: DefaultParams()}
}

// Configure overrides the shim's tunables. It belongs before
// initialization; called later, it is honored anyway but logs a warning,
// as does an implausibly small MaxMessageLength.
func (s *Shim) Configure(p Params) {
	if s.apiInit || s.dbInit {
		log.Printf("fragshim: WARNING Configure called after initialization; applying anyway")
	}
	if p.MaxMessageLength != 0 && p.MaxMessageLength <= markerWorstCase {
		log.Printf("fragshim: WARNING configured MaxMessageLength %d does not exceed the marker's worst-case size; honoring it anyway", p.MaxMessageLength)
	}
	def := DefaultParams()
	if p.FragmentsAtATime == 0 {
		p.FragmentsAtATime = def.FragmentsAtATime
	}
	if p.ReceiptExpiration == 0 {
		p.ReceiptExpiration = def.ReceiptExpiration
	}
	if p.ReceiptRangeLo == 0 && p.ReceiptRangeHi == 0 {
		p.ReceiptRangeLo, p.ReceiptRangeHi = def.ReceiptRangeLo, def.ReceiptRangeHi
	}
	if p.WorkerInterval == 0 {
		p.WorkerInterval = def.WorkerInterval
	}
	s.params = p
}

// InitDB opens the persistence layer against a caller-managed *sql.DB (or
// LockUnlock pair) and marks the DB half initialized.
func (s *Shim) InitDB(open func() (*store.Store, error)) error {
	if s.dbInit {
		return nil
	}
	st, err := open()
	if err != nil {
		return fmt.Errorf("fragshim: opening store: %w", err)
	}
	s.store = st
	s.dbInit = true
	return s.maybeReady()
}

// InitDBInMemory is the common case for a client with no durability needs
// (or a test): a private in-memory store, discarded on Uninitialize.
func (s *Shim) InitDBInMemory() error {
	return s.InitDB(store.OpenInMemory)
}

// InitAPI marks the API half initialized. It takes no arguments because the
// transport capability table itself is supplied later, to Wire — the API
// half here only represents "the host is ready for fragshim to start using
// the store."
func (s *Shim) InitAPI() error {
	s.apiInit = true
	return s.maybeReady()
}

// maybeReady flips the shim live — receipt-index setup here, outbound
// rehydration in Wire — exactly once both halves have reported ready.
func (s *Shim) maybeReady() error {
	if s.ready || !s.apiInit || !s.dbInit {
		return nil
	}
	s.idx = receipts.NewIndex()
	s.ready = true
	return nil
}

// Wire installs fragshim between the host and its transport: caps is the
// transport's own capability table, and Wire returns a replacement table
// with SendMessage, RegisterMessageCallback and RegisterReceiptCallback
// swapped for fragshim's own; FriendConnectionStatus passes through
// unchanged, and so does MaxMessageSize unless Params.MaxMessageLength
// overrides it. Only one Shim may be wired process-wide at a time —
// wiring a second is a programming invariant violation and aborts the
// process.
func (s *Shim) Wire(caps transport.Capabilities) (transport.Capabilities, error) {
	if !s.ready {
		log.Fatalf("fragshim: Wire called before both API and DB halves were initialized")
	}
	if !wired.CompareAndSwap(false, true) {
		log.Fatalf("fragshim: a second transport instance was wired; only one is supported per process")
	}

	if s.params.MaxMessageLength != 0 {
		caps.MaxMessageSize = s.params.MaxMessageLength
	}
	s.caps = caps

	s.out = outbound.NewEngine(s.store, s.idx, s.caps, s.params.outboundConfig(), nowMillis, s.onOutboundDone)
	s.in = inbound.NewEngine(s.store, s.onInboundMessage)

	if err := s.out.LoadPending(); err != nil {
		return transport.Capabilities{}, fmt.Errorf("fragshim: rehydrating outbound state: %w", err)
	}

	caps.RegisterMessageCallback = func(fn transport.MessageFunc) {
		s.clientMessage = MessageFunc(fn)
	}
	caps.RegisterReceiptCallback = func(fn transport.ReceiptFunc) {
		s.clientReceipt = ReceiptFunc(fn)
	}
	caps.SendMessage = func(friend uint32, msgType int32, payload []byte) uint32 {
		return s.out.Send(friend, msgType, payload)
	}

	s.caps.RegisterMessageCallback(func(friend uint32, msgType int32, payload []byte) {
		s.in.OnWireMessage(friend, msgType, payload, nowMillis())
	})
	s.caps.RegisterReceiptCallback(func(friend uint32, receipt uint32) {
		if s.out.OnTransportReceipt(friend, receipt) {
			return
		}
		if s.clientReceipt != nil {
			s.clientReceipt(friend, receipt)
		}
	})

	return caps, nil
}

// onOutboundDone is the outbound engine's completion callback: it runs
// outside the engine's own lock, so the client is free to call back into
// the shim from it.
func (s *Shim) onOutboundDone(friend uint32, clientReceipt uint32) {
	if s.clientReceipt != nil {
		s.clientReceipt(friend, clientReceipt)
	}
}

func (s *Shim) onInboundMessage(friend uint32, msgType int32, payload []byte) {
	if s.clientMessage != nil {
		s.clientMessage(friend, msgType, payload)
	}
}

// Send is a convenience wrapper for hosts that hold onto the Shim directly
// instead of threading the replacement transport.Capabilities through their
// own code. It has the exact behavior of the SendMessage Wire installs.
func (s *Shim) Send(friend uint32, msgType int32, payload []byte) uint32 {
	if !s.ready || s.out == nil {
		log.Fatalf("fragshim: Send called before Wire")
	}
	return s.out.Send(friend, msgType, payload)
}

// StartWorker launches the periodic worker at the configured interval. It
// is a no-op if already running.
func (s *Shim) StartWorker() {
	if s.worker != nil {
		return
	}
	interval := s.params.WorkerInterval
	if interval <= 0 {
		interval = DefaultParams().WorkerInterval
	}
	s.worker = newWorker(interval, s)
	s.worker.start()
}

// StopWorker halts the periodic worker if running.
func (s *Shim) StopWorker() {
	if s.worker == nil {
		return
	}
	s.worker.stop()
	s.worker = nil
}

// Uninitialize tears both halves down in either order, releases the wired
// singleton guard, and closes the backing store if this Shim owns it.
func (s *Shim) Uninitialize() {
	s.StopWorker()
	if s.store != nil {
		s.store.Close()
	}
	s.apiInit = false
	s.dbInit = false
	s.ready = false
	s.store = nil
	s.out = nil
	s.in = nil
	wired.Store(false)
}

// nowMillis is the time source handed to the outbound engine; tests swap
// in a counter at the engine level instead of faking this one.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
