// fragshim - inbound reassembly engine
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

// Package inbound is the receiving half of the shim: every message the
// transport delivers passes through OnWireMessage, which either recognizes
// a fragment marker and hands the bytes off to the persistence layer for
// reassembly, or — finding none — passes the message straight through
// unchanged. Either way the client sees one message callback, with no way
// to tell from the outside whether what arrived was fragmented in flight.
package inbound

import (
	"log"

	"github.com/blubskye/fragshim/marker"
	"github.com/blubskye/fragshim/store"
)

// MessageFunc delivers one fully-formed message to the client, whether it
// arrived whole or was reassembled from several wire parts.
type MessageFunc func(friend uint32, msgType int32, payload []byte)

// Engine is the inbound half of the shim: one per wired transport.
type Engine struct {
	store     *store.Store
	onMessage MessageFunc
}

// NewEngine builds an inbound engine backed by st, delivering every
// complete message to onMessage.
func NewEngine(st *store.Store, onMessage MessageFunc) *Engine {
	return &Engine{store: st, onMessage: onMessage}
}

// OnWireMessage must be wired to the transport's own inbound message
// callback. tm is the arrival time, used as the fragment's persisted
// timestamp.
func (e *Engine) OnWireMessage(friend uint32, msgType int32, payload []byte, tm int64) {
	m, consumed, ok := marker.Parse(payload)
	if !ok {
		e.onMessage(friend, msgType, payload)
		return
	}

	partLen := uint32(len(payload) - consumed)
	if m.NumParts == 0 || m.PartNo == 0 || m.PartNo > m.NumParts || m.Off+partLen > m.Sz {
		log.Printf("fragshim/inbound: WARNING rejecting malformed fragment from friend=%d id=%d partNo=%d numParts=%d off=%d sz=%d partLen=%d",
			friend, m.ID, m.PartNo, m.NumParts, m.Off, m.Sz, partLen)
		return
	}

	frag := store.InboundFragment{
		Friend: friend, MsgType: msgType, ID: m.ID,
		PartNo: m.PartNo, NumParts: m.NumParts, Off: m.Off, Sz: m.Sz,
		Data: payload[consumed:], Timestamp: tm,
	}
	if err := e.store.InsertInboundFragment(frag, func(cm store.CompletedMessage) {
		e.onMessage(cm.Friend, cm.MsgType, cm.Payload)
	}); err != nil {
		log.Fatalf("fragshim/inbound: persisting inbound fragment: %v", err)
	}
}
