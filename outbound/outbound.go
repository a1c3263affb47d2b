// fragshim - outbound send/retransmission engine
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

// Package outbound splits a client's message into wire-sized, marker-tagged
// parts, feeds them to the transport a bounded number at a time, and keeps
// retrying whatever the transport hasn't confirmed until every part lands.
//
// Two receipt domains meet here. The transport hands back its own receipt
// for each individual wire part it accepts, which the engine files in a
// receipts.Index so the eventual confirmation (or its failure to arrive in
// time) can be traced back to a (message, part) pair. Separately, the engine
// hands the caller of Send a single synthetic receipt for the whole logical
// message, drawn from a reserved range the transport's own numbering never
// enters, and fires the completion callback with that same value once every
// part has been confirmed. From the client's perspective, sending a message
// too large for one wire packet looks exactly like sending a small one: one
// call, one eventual receipt.
package outbound

import (
	"log"
	"sync"

	"github.com/blubskye/fragshim/marker"
	"github.com/blubskye/fragshim/receipts"
	"github.com/blubskye/fragshim/store"
	"github.com/blubskye/fragshim/transport"
)

// Config tunes dispatch metering, retransmission, and the client receipt
// range. Zero values are replaced by the corresponding DefaultConfig fields.
type Config struct {
	// FragmentsAtATime caps how many parts of one message may be in
	// transit (sent, receipt not yet arrived) at once.
	FragmentsAtATime uint32

	// ReceiptExpirationMs is how long a dispatched part may wait for its
	// transport receipt before ResendExpired gives up on that receipt and
	// sends the part again.
	ReceiptExpirationMs int64

	// ReceiptRangeLo and ReceiptRangeHi bound the synthetic client receipt
	// space. The transport's own receipts must never fall inside it — the
	// two domains are told apart on this basis alone.
	ReceiptRangeLo, ReceiptRangeHi uint32
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		FragmentsAtATime:    512,
		ReceiptExpirationMs: 20000,
		ReceiptRangeLo:      0x70000000,
		ReceiptRangeHi:      0x7fffffff,
	}
}

// fragment is one wire-sized part of an outbound message. data holds the
// ready-to-send bytes, marker included, and is released as soon as the part
// is confirmed — a part has bytes iff it is not yet confirmed.
type fragment struct {
	data      []byte
	receipt   uint32 // transport receipt currently in flight, 0 if none
	timesSent uint32
	confirmed bool
}

type record struct {
	friend        uint32
	id            uint64
	msgType       int32
	numParts      uint32
	fragments     []fragment
	clientReceipt uint32
	lastSent      uint32 // largest part index dispatched by the forward pass
	numTransit    uint32
	numConfirmed  uint32
	numLoss       uint32
	fromDB        bool

	prev, next *record // circular doubly-linked ring
}

// Engine is the outbound half of the shim: one per wired transport.
type Engine struct {
	mu     sync.Mutex
	store  *store.Store
	idx    *receipts.Index
	cap    transport.Capabilities
	clock  func() int64
	cfg    Config
	onDone func(friend uint32, clientReceipt uint32)

	head        *record // ring root; nil when no message is in flight
	byRef       map[receipts.Ref]*record
	lastID      uint64
	lastReceipt uint32
}

// NewEngine builds an outbound engine backed by st for durability, idx for
// transport-receipt bookkeeping, cp for wire I/O, and onDone invoked —
// outside the engine's lock — once a whole message's every part has been
// confirmed.
func NewEngine(st *store.Store, idx *receipts.Index, cp transport.Capabilities, cfg Config, clock func() int64, onDone func(friend uint32, clientReceipt uint32)) *Engine {
	def := DefaultConfig()
	if cfg.FragmentsAtATime == 0 {
		cfg.FragmentsAtATime = def.FragmentsAtATime
	}
	if cfg.ReceiptExpirationMs == 0 {
		cfg.ReceiptExpirationMs = def.ReceiptExpirationMs
	}
	if cfg.ReceiptRangeLo == 0 && cfg.ReceiptRangeHi == 0 {
		cfg.ReceiptRangeLo, cfg.ReceiptRangeHi = def.ReceiptRangeLo, def.ReceiptRangeHi
	}
	return &Engine{
		store:       st,
		idx:         idx,
		cap:         cp,
		clock:       clock,
		cfg:         cfg,
		onDone:      onDone,
		byRef:       make(map[receipts.Ref]*record),
		lastReceipt: cfg.ReceiptRangeLo,
	}
}

// conservativeMarkerBudget is the worst-case per-part overhead assumed when
// first estimating the part count: a marker never grows past this many
// bytes for any message a 32-bit size field can describe.
const conservativeMarkerBudget = 64

// splitMessage carves data into consecutive parts, each small enough that
// its marker plus payload slice fits in maxWire, and returns them with their
// wire bytes already rendered. The marker budget is estimated from a
// conservative part count first, because the marker's width depends on the
// digit width of the part count it ends up encoding.
func splitMessage(data []byte, maxWire uint32, id uint64) []fragment {
	total := uint32(len(data))
	denom := uint32(1)
	if maxWire > conservativeMarkerBudget {
		denom = maxWire - conservativeMarkerBudget
	}
	est := (total + denom - 1) / denom
	maxSig := uint32(marker.MaxSize(est, total))
	partCap := uint32(1)
	if maxWire > maxSig {
		partCap = maxWire - maxSig
	}
	numParts := (total + partCap - 1) / partCap

	fragments := make([]fragment, 0, numParts)
	off := uint32(0)
	for partNo := uint32(1); off < total; partNo++ {
		step := partCap
		if total-off < step {
			step = total - off
		}
		wire := marker.Encode(id, partNo, numParts, off, total)
		wire = append(wire, data[off:off+step]...)
		fragments = append(fragments, fragment{data: wire})
		off += step
	}
	return fragments
}

// genID produces the message id: the current millisecond time, bumped until
// strictly greater than the previous id this process generated, so two
// messages split within the same millisecond never collide on the wire.
func (e *Engine) genID(tm int64) uint64 {
	id := uint64(tm)
	if id <= e.lastID {
		id = e.lastID + 1
	}
	e.lastID = id
	return id
}

// genReceipt allocates the next client receipt, wrapping within the
// configured range and skipping any value a currently-live record already
// carries — a rehydrated message keeps the receipt it was persisted with,
// which the allocator must never hand out a second time.
func (e *Engine) genReceipt() uint32 {
	bump := func() {
		if e.lastReceipt+1 <= e.cfg.ReceiptRangeHi && e.lastReceipt+1 >= e.cfg.ReceiptRangeLo {
			e.lastReceipt++
		} else {
			e.lastReceipt = e.cfg.ReceiptRangeLo
		}
	}
	bump()
	if e.head != nil {
		for changed := true; changed; {
			changed = false
			m := e.head
			for {
				if m.clientReceipt == e.lastReceipt {
					bump()
					changed = true
					break
				}
				m = m.next
				if m == e.head {
					break
				}
			}
		}
	}
	return e.lastReceipt
}

// Send delegates payload straight to the transport, unsplit, whenever it
// already fits in one wire message — the common case — and the returned
// receipt is then the transport's own. A payload that already begins with a
// fragment marker is rejected outright with receipt 0: clients must not
// forge markers.
//
// An oversized payload is split, its first FragmentsAtATime parts
// dispatched, and — provided the transport accepted at least one — the
// whole message is persisted, linked into the in-flight ring, and a client
// receipt from the reserved range returned. The same receipt value is later
// passed to the completion callback once every part is confirmed. If the
// transport refused every part, nothing is retained and the receipt is 0.
func (e *Engine) Send(friend uint32, msgType int32, payload []byte) uint32 {
	if marker.Exists(payload) {
		return 0
	}
	if uint32(len(payload)) <= e.cap.MaxMessageSize {
		return e.cap.SendMessage(friend, msgType, payload)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tm := e.clock()
	id := e.genID(tm)
	rec := &record{
		friend:    friend,
		id:        id,
		msgType:   msgType,
		fragments: splitMessage(payload, e.cap.MaxMessageSize, id),
	}
	rec.numParts = uint32(len(rec.fragments))

	for i := uint32(0); i < rec.numParts && rec.numTransit < e.cfg.FragmentsAtATime; i++ {
		if !e.sendPart(rec, i) {
			break
		}
		rec.lastSent = i
	}
	if rec.numTransit == 0 {
		return 0
	}

	rec.clientReceipt = e.genReceipt()
	e.link(rec)
	if err := e.store.InsertOutboundMessage(store.OutboundInsert{
		Friend: friend, MsgType: msgType, ID: id, Timestamp: tm,
		NumParts: rec.numParts, Data: payload, Receipt: rec.clientReceipt,
	}); err != nil {
		log.Fatalf("fragshim/outbound: persisting new outbound message: %v", err)
	}
	return rec.clientReceipt
}

// sendPart pushes part i to the transport and, on acceptance, files the
// returned transport receipt in the index. A part already confirmed or
// already in flight counts as sent, so a forward sweep steps over it.
// Must be called with mu held.
func (e *Engine) sendPart(rec *record, i uint32) bool {
	f := &rec.fragments[i]
	if f.confirmed || f.receipt != 0 {
		return true
	}
	r := e.cap.SendMessage(rec.friend, rec.msgType, f.data)
	if r == 0 {
		return false
	}
	f.receipt = r
	f.timesSent++
	e.idx.Add(r, receipts.Ref{Friend: rec.friend, ID: rec.id}, i+1, e.clock())
	rec.numTransit++
	return true
}

// sendNextParts advances one record within the in-flight cap: first the
// forward sweep continuing past lastSent, which stops at the first part the
// transport refuses, then a pickup pass from index 0
// for parts whose earlier send attempt the transport refused. Must be
// called with mu held.
func (e *Engine) sendNextParts(rec *record) {
	for i := rec.lastSent + 1; i < rec.numParts; i++ {
		if rec.numTransit >= e.cfg.FragmentsAtATime {
			break
		}
		if !e.sendPart(rec, i) {
			break
		}
		rec.lastSent = i
	}
	for i := uint32(0); i < rec.numParts; i++ {
		if rec.numTransit >= e.cfg.FragmentsAtATime ||
			rec.numTransit+rec.numConfirmed >= rec.numParts {
			break
		}
		f := &rec.fragments[i]
		if f.receipt == 0 && !f.confirmed {
			e.sendPart(rec, i)
		}
	}
}

func (e *Engine) friendOnline(friend uint32) bool {
	return e.cap.FriendConnectionStatus(friend) != transport.NotConnected
}

// SendMore makes a round-robin pass over the in-flight ring, advancing every
// record whose friend is currently reachable. Called from the periodic
// worker; a record whose friend is offline is simply skipped until a later
// tick finds the friend back.
func (e *Engine) SendMore() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.head == nil {
		return
	}
	m := e.head
	for {
		if e.friendOnline(m.friend) {
			e.sendNextParts(m)
		}
		m = m.next
		if m == e.head {
			break
		}
	}
}

// ResendExpired gives up on every transport receipt older than the
// expiration timeout: the index entry is dropped, the part is counted as a
// loss, and it is sent again under a fresh transport receipt.
func (e *Engine) ResendExpired(now int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range e.idx.Expire(now - e.cfg.ReceiptExpirationMs) {
		rec := e.byRef[ent.Ref]
		if rec == nil {
			continue
		}
		f := &rec.fragments[ent.PartNo-1]
		f.receipt = 0
		rec.numTransit--
		rec.numLoss++
		e.sendPart(rec, ent.PartNo-1)
	}
}

// OnTransportReceipt must be wired to the transport's receipt callback. It
// reports whether the receipt was consumed here. A receipt with no index
// entry is either the transport confirming a message the client sent
// directly — outside the reserved client range, not handled, the caller
// forwards it on — or a stale duplicate of a part already processed, which
// falls inside the range and is swallowed.
func (e *Engine) OnTransportReceipt(friend uint32, r uint32) bool {
	e.mu.Lock()
	ent, ok := e.idx.Clear(r)
	if !ok {
		e.mu.Unlock()
		return r >= e.cfg.ReceiptRangeLo && r <= e.cfg.ReceiptRangeHi
	}
	rec := e.byRef[ent.Ref]
	if rec == nil {
		e.mu.Unlock()
		return true
	}

	f := &rec.fragments[ent.PartNo-1]
	f.receipt = 0
	f.confirmed = true
	f.data = nil
	rec.numConfirmed++
	rec.numTransit--
	if err := e.store.OutboundPartConfirmed(rec.friend, rec.id, ent.PartNo, e.clock()); err != nil {
		log.Fatalf("fragshim/outbound: persisting part confirmation: %v", err)
	}

	if rec.numConfirmed < rec.numParts {
		if e.friendOnline(rec.friend) {
			e.sendNextParts(rec)
		}
		e.mu.Unlock()
		return true
	}

	// Whole message confirmed: tear down persistence, ring linkage, and the
	// record itself in this same critical section, then report completion to
	// the client with the lock released.
	e.unlink(rec)
	delete(e.byRef, ent.Ref)
	if err := e.store.ClearOutboundPending(rec.friend, rec.id); err != nil {
		log.Fatalf("fragshim/outbound: clearing completed outbound message: %v", err)
	}
	e.mu.Unlock()

	if e.onDone != nil {
		e.onDone(rec.friend, rec.clientReceipt)
	}
	return true
}

// LoadPending rehydrates every message a prior process left mid-flight: the
// original payload is re-split under its persisted id (so marker contents
// come out identical), the confirmed bitmap is replayed onto the parts, and
// the record rejoins the ring carrying the client receipt it was persisted
// with. Nothing is dispatched here — the next periodic tick that finds the
// friend online picks the record up.
//
// A row whose re-split disagrees with its persisted shape is dropped with a
// warning: the stored state cannot be trusted, and the transport's own
// resend is the recovery of last resort.
func (e *Engine) LoadPending() error {
	return e.store.LoadOutboundPending(func(p store.PendingOutbound) {
		e.mu.Lock()
		defer e.mu.Unlock()

		fragments := splitMessage(p.Message, e.cap.MaxMessageSize, p.ID)
		numParts := uint32(len(fragments))
		if numParts != p.NumParts || int(numParts) != len(p.Confirmed) {
			log.Printf("fragshim/outbound: WARNING mismatching part count for pending message friend=%d id=%d: split into %d, stored %d parts and %d confirmations — dropping it",
				p.Friend, p.ID, numParts, p.NumParts, len(p.Confirmed))
			e.clearDropped(p.Friend, p.ID)
			return
		}

		rec := &record{
			friend: p.Friend, id: p.ID, msgType: p.MsgType,
			numParts: numParts, fragments: fragments,
			clientReceipt: p.Receipt, fromDB: true,
		}
		for i := uint32(0); i < numParts; i++ {
			if p.Confirmed[i] != 0 {
				rec.fragments[i].confirmed = true
				rec.fragments[i].data = nil
				rec.numConfirmed++
			}
		}
		if rec.numConfirmed != p.FragsDone || p.FragsDone > numParts {
			log.Printf("fragshim/outbound: WARNING mismatched confirmed count for pending message friend=%d id=%d: %d vs %d — dropping it",
				p.Friend, p.ID, p.FragsDone, rec.numConfirmed)
			e.clearDropped(p.Friend, p.ID)
			return
		}
		if rec.numConfirmed == numParts {
			log.Printf("fragshim/outbound: WARNING all %d parts already confirmed for pending message friend=%d id=%d, discarding it",
				numParts, p.Friend, p.ID)
			e.clearDropped(p.Friend, p.ID)
			return
		}

		if p.ID > e.lastID {
			e.lastID = p.ID
		}
		e.link(rec)
	})
}

func (e *Engine) clearDropped(friend uint32, id uint64) {
	if err := e.store.ClearOutboundPending(friend, id); err != nil {
		log.Fatalf("fragshim/outbound: clearing undecodable pending message: %v", err)
	}
}

func (e *Engine) link(rec *record) {
	if e.head == nil {
		rec.prev, rec.next = rec, rec
		e.head = rec
	} else {
		rec.next = e.head.next
		rec.prev = e.head
		e.head.next.prev = rec
		e.head.next = rec
	}
	e.byRef[receipts.Ref{Friend: rec.friend, ID: rec.id}] = rec
}

func (e *Engine) unlink(rec *record) {
	if rec.next == rec {
		e.head = nil
	} else {
		rec.prev.next = rec.next
		rec.next.prev = rec.prev
		if e.head == rec {
			e.head = rec.next
		}
	}
	rec.prev, rec.next = nil, nil
}

// Pending reports how many messages are still awaiting full confirmation —
// for diagnostics and tests, not used on the send path.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byRef)
}
