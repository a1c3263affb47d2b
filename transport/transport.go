// fragshim - transport capability surface
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

// Package transport names the narrow slice of a size-bounded peer-to-peer
// messaging transport that fragshim needs in order to sit in front of it:
// sending a message to a friend, being told when one arrives, being told
// when one is receipted, and checking whether a friend is currently
// reachable at all. Any transport capable of these four things can be
// wired underneath fragshim without fragshim knowing anything else about
// it — mirroring the narrow dispatcher/connection-status seams the
// underlying network stack this module sits on top of already exposes to
// its own protocol handlers.
package transport

// ConnectionStatus mirrors the three-state reachability a friend can be in.
type ConnectionStatus int

const (
	// NotConnected means the friend is not reachable at all right now.
	NotConnected ConnectionStatus = iota
	// ConnectedTCP means the friend is reachable over a relayed connection.
	ConnectedTCP
	// ConnectedUDP means the friend is reachable directly.
	ConnectedUDP
)

// MessageFunc is invoked by the transport for every inbound message from
// friend, carrying msgType and the raw payload.
type MessageFunc func(friend uint32, msgType int32, payload []byte)

// ReceiptFunc is invoked by the transport once a previously sent message
// (identified by the receipt value SendMessage returned) has been
// delivered.
type ReceiptFunc func(friend uint32, receipt uint32)

// Capabilities is the seam fragshim is built against. A concrete transport
// is expected to call the registered callbacks from its own delivery
// goroutine; fragshim's own locking (the outbound engine's mutex and the
// store's lock) is what makes that safe to do concurrently with calls back
// into SendMessage.
type Capabilities struct {
	// RegisterMessageCallback installs the handler invoked for every
	// inbound message. Only one handler is ever registered — the
	// implementation may simply store it.
	RegisterMessageCallback func(MessageFunc)

	// RegisterReceiptCallback installs the handler invoked for every
	// inbound delivery receipt.
	RegisterReceiptCallback func(ReceiptFunc)

	// FriendConnectionStatus reports whether friend is currently
	// reachable, and how.
	FriendConnectionStatus func(friend uint32) ConnectionStatus

	// SendMessage asks the transport to deliver payload to friend as
	// msgType, returning a nonzero receipt identifying the send, or 0 if
	// the transport refused outright (friend offline, message too large,
	// etc). A nonzero receipt does not mean the message has arrived —
	// only that the transport accepted responsibility for trying.
	SendMessage func(friend uint32, msgType int32, payload []byte) uint32

	// MaxMessageSize is the largest payload SendMessage will accept,
	// marker included. fragshim subtracts the marker's worst-case size
	// from this before splitting a message into parts.
	MaxMessageSize uint32
}
