// fragshim - line-protocol test peer
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

// fragshim-relay is one peer of a two-process fragshim exercise rig. Two
// instances connect over a Unix socket and speak a line-oriented emulation
// of the transport:
//
//	M <id> <len> <bytes>   one wire message, id doubles as its receipt
//	R <id>                 delivery receipt for a previously sent message
//	E <count>              end signal: expect this many whole messages
//
// Each instance wires a full Shim over that emulated transport. The
// client-facing side is stdin/stdout with the id omitted on messages:
// feeding "M <len> <bytes>" on stdin sends a message of any length through
// the shim; every reassembled message the peer's shim hands back is printed
// as "M <len> <bytes>", and every client receipt as "R <receipt>". This is
// the manual, end-to-end counterpart of the package tests — two shims, a
// visibly lossy wire, and nothing mocked inside the process.
//
// Usage:
//
//	fragshim-relay -socket /tmp/frag.sock -listen [-db state.sqlite3] &
//	fragshim-relay -socket /tmp/frag.sock [-db state2.sqlite3]
package main

import (
	"bufio"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/blubskye/fragshim"
	"github.com/blubskye/fragshim/store"
	"github.com/blubskye/fragshim/transport"
)

// peerFriend is the friend number the single remote peer is addressed as.
const peerFriend uint32 = 0

// lineWire adapts one side of the socket to transport.Capabilities: sends
// become "M" lines, the id echoed back in an "R" line is the transport
// receipt.
type lineWire struct {
	mu        sync.Mutex
	out       *bufio.Writer
	nextID    uint32
	onMessage transport.MessageFunc
	onReceipt transport.ReceiptFunc
}

func (w *lineWire) capabilities(maxMessageLength uint32) transport.Capabilities {
	return transport.Capabilities{
		RegisterMessageCallback: func(fn transport.MessageFunc) { w.mu.Lock(); w.onMessage = fn; w.mu.Unlock() },
		RegisterReceiptCallback: func(fn transport.ReceiptFunc) { w.mu.Lock(); w.onReceipt = fn; w.mu.Unlock() },
		FriendConnectionStatus: func(uint32) transport.ConnectionStatus {
			return transport.ConnectedUDP
		},
		SendMessage:    w.send,
		MaxMessageSize: maxMessageLength,
	}
}

func (w *lineWire) send(friend uint32, msgType int32, payload []byte) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	if _, err := fmt.Fprintf(w.out, "M %d %d ", id, len(payload)); err != nil {
		log.Fatalf("fragshim-relay: writing to socket: %v", err)
	}
	w.out.Write(payload)
	w.out.WriteByte('\n')
	if err := w.out.Flush(); err != nil {
		log.Fatalf("fragshim-relay: flushing socket: %v", err)
	}
	return id
}

func (w *lineWire) writeLine(format string, args ...interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, args...)
	if err := w.out.Flush(); err != nil {
		log.Fatalf("fragshim-relay: flushing socket: %v", err)
	}
}

// readToken reads one space-terminated token.
func readToken(r *bufio.Reader) (string, error) {
	tok, err := r.ReadString(' ')
	if err != nil {
		return "", err
	}
	return tok[:len(tok)-1], nil
}

func readUint(r *bufio.Reader, delim byte) (uint64, error) {
	s, err := r.ReadString(delim)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s[:len(s)-1], 10, 64)
}

// readPayload reads exactly n payload bytes followed by the line's trailing
// newline.
func readPayload(r *bufio.Reader, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	nl, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if nl != '\n' {
		return nil, fmt.Errorf("expected newline after %d payload bytes, got %#x", n, nl)
	}
	return buf, nil
}

func main() {
	socketPath := flag.String("socket", "", "Unix socket path shared by both peers")
	listen := flag.Bool("listen", false, "Listen on the socket instead of connecting")
	dbPath := flag.String("db", "", "SQLite file for outbound durability (default: private in-memory)")
	maxMessageLength := flag.Uint("max-message-length", 1372, "Emulated transport's per-message payload ceiling")
	fragmentsAtATime := flag.Uint("fragments-at-a-time", 512, "Per-message in-flight parts cap")
	receiptExpirationMs := flag.Uint("receipt-expiration-ms", 20000, "Retransmit timeout, milliseconds")
	flag.Parse()
	if *socketPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	var conn net.Conn
	var err error
	if *listen {
		os.Remove(*socketPath)
		ln, lerr := net.Listen("unix", *socketPath)
		if lerr != nil {
			log.Fatalf("fragshim-relay: listen %s: %v", *socketPath, lerr)
		}
		conn, err = ln.Accept()
		ln.Close()
	} else {
		for i := 0; ; i++ {
			conn, err = net.Dial("unix", *socketPath)
			if err == nil || i >= 50 {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	if err != nil {
		log.Fatalf("fragshim-relay: socket %s: %v", *socketPath, err)
	}
	defer conn.Close()

	wire := &lineWire{out: bufio.NewWriter(conn), nextID: 1}

	shim := fragshim.New()
	shim.Configure(fragshim.Params{
		MaxMessageLength:  uint32(*maxMessageLength),
		FragmentsAtATime:  uint32(*fragmentsAtATime),
		ReceiptExpiration: time.Duration(*receiptExpirationMs) * time.Millisecond,
	})
	if *dbPath != "" {
		db, derr := sql.Open("sqlite3", *dbPath)
		if derr != nil {
			log.Fatalf("fragshim-relay: opening %s: %v", *dbPath, derr)
		}
		defer db.Close()
		err = shim.InitDB(func() (*store.Store, error) { return store.Open(db, store.LockUnlock{}) })
	} else {
		err = shim.InitDBInMemory()
	}
	if err != nil {
		log.Fatalf("fragshim-relay: %v", err)
	}
	if err := shim.InitAPI(); err != nil {
		log.Fatalf("fragshim-relay: %v", err)
	}
	caps, err := shim.Wire(wire.capabilities(uint32(*maxMessageLength)))
	if err != nil {
		log.Fatalf("fragshim-relay: %v", err)
	}
	defer shim.Uninitialize()

	stdout := bufio.NewWriter(os.Stdout)
	var stdoutMu sync.Mutex
	var received, expected int
	gotAll := make(chan struct{})
	var gotAllOnce sync.Once
	account := func(delta, expect int) {
		stdoutMu.Lock()
		received += delta
		if expect > 0 {
			expected = expect
		}
		done := expected > 0 && received >= expected
		stdoutMu.Unlock()
		if done {
			gotAllOnce.Do(func() { close(gotAll) })
		}
	}

	caps.RegisterMessageCallback(func(friend uint32, msgType int32, payload []byte) {
		stdoutMu.Lock()
		fmt.Fprintf(stdout, "M %d ", len(payload))
		stdout.Write(payload)
		stdout.WriteByte('\n')
		stdout.Flush()
		stdoutMu.Unlock()
		account(1, 0)
	})
	caps.RegisterReceiptCallback(func(friend uint32, receipt uint32) {
		stdoutMu.Lock()
		fmt.Fprintf(stdout, "R %d\n", receipt)
		stdout.Flush()
		stdoutMu.Unlock()
	})

	shim.StartWorker()
	defer shim.StopWorker()

	// Socket reader: the emulated transport's delivery thread.
	go func() {
		in := bufio.NewReader(conn)
		for {
			verb, rerr := readToken(in)
			if rerr != nil {
				if rerr != io.EOF {
					log.Printf("fragshim-relay: WARNING socket read: %v", rerr)
				}
				return
			}
			switch verb {
			case "M":
				id, e1 := readUint(in, ' ')
				n, e2 := readUint(in, ' ')
				if e1 != nil || e2 != nil {
					log.Fatalf("fragshim-relay: malformed M line: %v %v", e1, e2)
				}
				payload, e3 := readPayload(in, n)
				if e3 != nil {
					log.Fatalf("fragshim-relay: malformed M payload: %v", e3)
				}
				wire.mu.Lock()
				cb := wire.onMessage
				wire.mu.Unlock()
				if cb != nil {
					cb(peerFriend, 0, payload)
				}
				wire.writeLine("R %d\n", id)
			case "R":
				id, e1 := readUint(in, '\n')
				if e1 != nil {
					log.Fatalf("fragshim-relay: malformed R line: %v", e1)
				}
				wire.mu.Lock()
				cb := wire.onReceipt
				wire.mu.Unlock()
				if cb != nil {
					cb(peerFriend, uint32(id))
				}
			case "E":
				n, e1 := readUint(in, '\n')
				if e1 != nil {
					log.Fatalf("fragshim-relay: malformed E line: %v", e1)
				}
				account(0, int(n))
			default:
				log.Fatalf("fragshim-relay: unknown verb %q on socket", verb)
			}
		}
	}()

	// Stdin: the client application. "M <len> <bytes>" sends through the
	// shim; "E <count>" announces to the peer how many whole messages it
	// should expect before exiting.
	in := bufio.NewReader(os.Stdin)
	for {
		verb, rerr := readToken(in)
		if rerr != nil {
			break
		}
		switch verb {
		case "M":
			n, e1 := readUint(in, ' ')
			if e1 != nil {
				log.Fatalf("fragshim-relay: malformed stdin M line: %v", e1)
			}
			payload, e2 := readPayload(in, n)
			if e2 != nil {
				log.Fatalf("fragshim-relay: malformed stdin M payload: %v", e2)
			}
			if r := caps.SendMessage(peerFriend, 0, payload); r == 0 {
				log.Printf("fragshim-relay: WARNING send of %d bytes refused", n)
			}
		case "E":
			n, e1 := readUint(in, '\n')
			if e1 != nil {
				log.Fatalf("fragshim-relay: malformed stdin E line: %v", e1)
			}
			wire.writeLine("E %d\n", n)
		default:
			log.Fatalf("fragshim-relay: unknown verb %q on stdin", verb)
		}
	}

	// Stdin closed: wait for whatever the peer announced, then drain.
	stdoutMu.Lock()
	waiting := expected > 0 && received < expected
	stdoutMu.Unlock()
	if waiting {
		<-gotAll
	}
}
