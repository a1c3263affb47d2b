// fragshim - in-memory two-party transport fake
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

// Package testtransport is a fake of the transport.Capabilities seam,
// wiring exactly two endpoints together: delivery is a plain Go function
// call, and a test gets to decide exactly when each in-flight send actually
// arrives. That control is what lets package and integration tests exercise
// out-of-order arrival, duplicate delivery, and receipt loss
// deterministically, without timing races against a real network.
package testtransport

import (
	"sync"

	"github.com/blubskye/fragshim/transport"
)

// Pending is one wire-level send captured before delivery: the harness
// holds it until the test explicitly delivers, drops, or duplicates it.
type Pending struct {
	Friend  uint32
	MsgType int32
	Payload []byte
	Receipt uint32
}

// Endpoint is one side of a simulated link. Every Endpoint only ever talks
// to the one peer it was linked with at construction — friend number 1.
// Fragmentation state is already keyed per (friend, id), so a second friend
// would only add bookkeeping the fake doesn't need to prove anything.
type Endpoint struct {
	mu     sync.Mutex
	peer   *Endpoint
	online bool

	nextReceipt uint32
	onMessage   transport.MessageFunc
	onReceipt   transport.ReceiptFunc

	auto    bool // true: Send delivers to the peer from a new goroutine
	outbox  []Pending
}

// FriendID is the constant friend number every Endpoint's peer is addressed
// as — there being only ever one.
const FriendID uint32 = 1

// NewLink returns two endpoints wired to each other, in automatic-delivery
// mode (every send reaches the peer, and every delivery produces a receipt
// back, immediately). Call SetAuto(false) on one side to take manual control
// for reordering/loss/duplication tests.
func NewLink() (a, b *Endpoint) {
	a = &Endpoint{online: true, nextReceipt: 1, auto: true}
	b = &Endpoint{online: true, nextReceipt: 1, auto: true}
	a.peer, b.peer = b, a
	return a, b
}

// Capabilities returns the transport.Capabilities this endpoint presents to
// a wired Shim.
func (e *Endpoint) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		RegisterMessageCallback: func(fn transport.MessageFunc) { e.mu.Lock(); e.onMessage = fn; e.mu.Unlock() },
		RegisterReceiptCallback: func(fn transport.ReceiptFunc) { e.mu.Lock(); e.onReceipt = fn; e.mu.Unlock() },
		FriendConnectionStatus: func(friend uint32) transport.ConnectionStatus {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.online {
				return transport.ConnectedUDP
			}
			return transport.NotConnected
		},
		SendMessage:    e.send,
		MaxMessageSize: 1372,
	}
}

// SetOnline controls whether this endpoint looks reachable to the engine's
// SendMore friend-online check.
func (e *Endpoint) SetOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = online
}

// SetAuto toggles automatic delivery. Switching from manual back to auto
// does not flush any already-queued Pending sends — drain or Deliver them
// first.
func (e *Endpoint) SetAuto(auto bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auto = auto
}

func (e *Endpoint) send(friend uint32, msgType int32, payload []byte) uint32 {
	e.mu.Lock()
	if !e.online {
		e.mu.Unlock()
		return 0
	}
	r := e.nextReceipt
	e.nextReceipt++
	p := Pending{Friend: friend, MsgType: msgType, Payload: append([]byte{}, payload...), Receipt: r}
	auto := e.auto
	e.mu.Unlock()

	if auto {
		// A real transport never calls back into the sender from inside its
		// own send operation — the receipt arrives on its own delivery
		// thread, later. Delivering synchronously here would re-enter the
		// engine's lock from within the very call it's already holding it
		// for. A goroutine preserves "eventually, from another thread" with
		// the least ceremony.
		go e.deliver(p)
	} else {
		e.mu.Lock()
		e.outbox = append(e.outbox, p)
		e.mu.Unlock()
	}
	return r
}

// deliver hands p's payload to the peer's registered message callback, then
// synthesizes the corresponding receipt back to this endpoint.
func (e *Endpoint) deliver(p Pending) {
	e.peer.mu.Lock()
	cb := e.peer.onMessage
	e.peer.mu.Unlock()
	if cb != nil {
		cb(FriendID, p.MsgType, p.Payload)
	}
	e.receive(p.Receipt)
}

// receive invokes this endpoint's own receipt callback for r — the transport
// telling the sender that a previously sent wire message has arrived.
func (e *Endpoint) receive(r uint32) {
	e.mu.Lock()
	cb := e.onReceipt
	e.mu.Unlock()
	if cb != nil {
		cb(FriendID, r)
	}
}

// Outbox returns (and clears) every send queued since the last drain, for a
// test running in manual mode to inspect, reorder, or selectively drop
// before calling Deliver.
func (e *Endpoint) Outbox() []Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.outbox
	e.outbox = nil
	return out
}

// Deliver delivers one previously-queued send to the peer and fires this
// endpoint's own receipt callback, as if the transport had just confirmed
// it. A test drops a part by simply never calling Deliver for it.
func (e *Endpoint) Deliver(p Pending) {
	e.deliver(p)
}

// DeliverNoReceipt delivers p's payload to the peer without ever firing a
// receipt back to this endpoint — simulating a transport receipt that gets
// lost in flight, the scenario ResendExpired exists to recover from.
func (e *Endpoint) DeliverNoReceipt(p Pending) {
	e.peer.mu.Lock()
	cb := e.peer.onMessage
	e.peer.mu.Unlock()
	if cb != nil {
		cb(FriendID, p.MsgType, p.Payload)
	}
}
