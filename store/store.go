// fragshim - outbound/inbound persistence layer
// Copyright (C) 2026 fragshim Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details

// Package store is the durable backing for fragshim's outbound state and
// inbound reassembly buffers, kept in two SQLite tables: fragmented_meta
// (one row per message) and fragmented_data (the growing/shrinking payload
// blob).
//
// github.com/mattn/go-sqlite3 exposes no incremental blob-I/O API
// (sqlite3_blob_open/read/write) over database/sql. Byte-range reads and
// writes against a blob column are therefore done with ordinary substr()
// splicing, which has the same effect (read/overwrite a byte range without
// touching the rest of the blob) without ever holding an open blob handle
// across calls — sidestepping the rowid-collision hazard a cached blob
// handle would create under concurrent inserts.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// InboundFragment is one arrived wire-fragment destined for reassembly.
type InboundFragment struct {
	Friend    uint32
	MsgType   int32
	ID        uint64
	PartNo    uint32
	NumParts  uint32
	Off       uint32
	Sz        uint32
	Data      []byte
	Timestamp int64
}

// CompletedMessage is the fully reassembled inbound payload, handed to the
// completion callback before the data row backing it is deleted.
type CompletedMessage struct {
	Friend         uint32
	MsgType        int32
	Payload        []byte
	TimestampFirst int64
	TimestampLast  int64
}

// OutboundInsert is the initial persisted state of a newly split outbound
// message.
type OutboundInsert struct {
	Friend    uint32
	MsgType   int32
	ID        uint64
	Timestamp int64
	NumParts  uint32
	Data      []byte
	Receipt   uint32
}

// PendingOutbound is one row rehydrated from a prior process's unfinished
// outbound sends.
type PendingOutbound struct {
	Friend         uint32
	MsgType        int32
	ID             uint64
	TimestampFirst int64
	TimestampLast  int64
	FragsDone      uint32
	NumParts       uint32
	Message        []byte
	Confirmed      []byte
	Receipt        uint32
}

// Store is the SQLite-backed persistence layer. Every exported method
// brackets its work in Lock/Unlock, by default an internal mutex, or the
// caller-supplied pair passed to Open — this lets a host that shares one
// *sql.DB across several fragshim instances serialize them itself.
type Store struct {
	db     *sql.DB
	lock   func()
	unlock func()
	owned  bool // true if Close should also close db (OpenInMemory)
}

// LockUnlock is a caller-supplied mutual exclusion pair.
type LockUnlock struct {
	Lock   func()
	Unlock func()
}

// Open wraps an existing, caller-managed *sql.DB. If lu is the zero value,
// an internal mutex is used.
func Open(db *sql.DB, lu LockUnlock) (*Store, error) {
	s := &Store{db: db}
	if lu.Lock != nil && lu.Unlock != nil {
		s.lock, s.unlock = lu.Lock, lu.Unlock
	} else {
		var mu sync.Mutex
		s.lock, s.unlock = mu.Lock, mu.Unlock
	}
	if err := s.createSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a private in-memory SQLite database, for use without a
// caller-supplied handle (e.g. tests, or a client with no durability needs).
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("fragshim/store: opening in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1) // :memory: is one connection's worth of state
	s, err := Open(db, LockUnlock{})
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Close releases the database handle if Store opened it itself.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *Store) createSchema() error {
	s.lock()
	defer s.unlock()
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS fragmented_meta (
  outbound INTEGER NOT NULL,
  friend_id INTEGER NOT NULL,
  type INTEGER NOT NULL,
  frags_id INTEGER NOT NULL,
  timestamp_first INTEGER NOT NULL,
  timestamp_last INTEGER NOT NULL,
  frags_done INTEGER NOT NULL,
  frags_num INTEGER NOT NULL,
  PRIMARY KEY (friend_id, frags_id)
)`)
	if err != nil {
		return fmt.Errorf("fragshim/store: creating fragmented_meta: %w", err)
	}
	_, err = s.db.Exec(`
CREATE TABLE IF NOT EXISTS fragmented_data (
  friend_id INTEGER NOT NULL,
  frags_id INTEGER NOT NULL,
  message BLOB,
  confirmed BLOB,
  receipt INTEGER,
  PRIMARY KEY (friend_id, frags_id)
)`)
	if err != nil {
		return fmt.Errorf("fragshim/store: creating fragmented_data: %w", err)
	}
	return nil
}

func (s *Store) fatalf(format string, args ...interface{}) {
	log.Fatalf("fragshim/store: "+format, args...)
}

// InsertInboundFragment is the atomic inbound-fragment ingestion operation:
// it lazily creates the meta/data rows for a never-seen message id,
// discards late duplicates of an already-completed message,
// discards duplicate parts, splices the fragment's bytes into the
// reassembly blob, and — once every part has arrived — invokes onComplete
// with the whole payload before tearing the data row down (the meta row
// survives as a tombstone against further duplicates).
func (s *Store) InsertInboundFragment(f InboundFragment, onComplete func(CompletedMessage)) error {
	s.lock()
	defer s.unlock()

	tx, err := s.db.Begin()
	if err != nil {
		s.fatalf("beginning inbound fragment transaction: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO fragmented_data (friend_id, frags_id, message)
		 SELECT ?, ?, zeroblob(?)
		 WHERE NOT EXISTS (SELECT 1 FROM fragmented_meta WHERE friend_id=? AND frags_id=?)`,
		f.Friend, f.ID, f.Sz, f.Friend, f.ID,
	); err != nil {
		s.fatalf("inserting fragmented_data row: %v", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO fragmented_meta (outbound, friend_id, type, frags_id, timestamp_first, timestamp_last, frags_done, frags_num)
		 SELECT 0, ?, ?, ?, ?, ?, 0, ?
		 WHERE NOT EXISTS (SELECT 1 FROM fragmented_meta WHERE friend_id=? AND frags_id=?)`,
		f.Friend, f.MsgType, f.ID, f.Timestamp, f.Timestamp, f.NumParts, f.Friend, f.ID,
	); err != nil {
		s.fatalf("inserting fragmented_meta row: %v", err)
	}

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM fragmented_data WHERE friend_id=? AND frags_id=?`, f.Friend, f.ID).Scan(&exists)
	if err == sql.ErrNoRows {
		// meta exists but data doesn't: this message already completed.
		return tx.Commit()
	} else if err != nil {
		s.fatalf("checking fragmented_data existence: %v", err)
	}

	var firstByte []byte
	err = tx.QueryRow(
		`SELECT substr(message, ?, 1) FROM fragmented_data WHERE friend_id=? AND frags_id=?`,
		f.Off+1, f.Friend, f.ID,
	).Scan(&firstByte)
	if err != nil {
		s.fatalf("reading blob byte at offset %d: %v", f.Off, err)
	}
	if len(firstByte) > 0 && firstByte[0] != 0 {
		if len(f.Data) > 0 && firstByte[0] != f.Data[0] {
			log.Printf("fragshim/store: WARNING mismatching byte in blob: expected 0x%02x found 0x%02x for friend=%d id=%d partNo=%d numParts=%d off=%d sz=%d",
				f.Data[0], firstByte[0], f.Friend, f.ID, f.PartNo, f.NumParts, f.Off, f.Sz)
		}
		return tx.Commit() // duplicate fragment, discard
	}

	if _, err := tx.Exec(
		`UPDATE fragmented_data SET message = CAST(substr(message,1,?) || ? || substr(message,?) AS BLOB)
		 WHERE friend_id=? AND frags_id=?`,
		f.Off, f.Data, f.Off+uint32(len(f.Data))+1, f.Friend, f.ID,
	); err != nil {
		s.fatalf("writing blob range: %v", err)
	}

	if _, err := tx.Exec(
		`UPDATE fragmented_meta SET timestamp_last = max(timestamp_last, ?), frags_done = frags_done + 1
		 WHERE friend_id=? AND frags_id=?`,
		f.Timestamp, f.Friend, f.ID,
	); err != nil {
		s.fatalf("updating fragmented_meta progress: %v", err)
	}

	var complete CompletedMessage
	var length int
	row := tx.QueryRow(
		`SELECT m.timestamp_first, m.timestamp_last, m.friend_id, m.type, d.message, length(d.message)
		 FROM fragmented_meta m JOIN fragmented_data d USING (friend_id, frags_id)
		 WHERE m.outbound=0 AND m.friend_id=? AND m.frags_id=? AND m.frags_done = m.frags_num`,
		f.Friend, f.ID,
	)
	var friend uint32
	var msgType int32
	err = row.Scan(&complete.TimestampFirst, &complete.TimestampLast, &friend, &msgType, &complete.Payload, &length)
	if err == sql.ErrNoRows {
		return tx.Commit()
	} else if err != nil {
		s.fatalf("checking inbound completion: %v", err)
	}
	complete.Friend = friend
	complete.MsgType = msgType

	if onComplete != nil {
		onComplete(complete)
	}

	if _, err := tx.Exec(`DELETE FROM fragmented_data WHERE friend_id=? AND frags_id=?`, f.Friend, f.ID); err != nil {
		s.fatalf("deleting completed fragmented_data row: %v", err)
	}

	return tx.Commit()
}

// InsertOutboundMessage persists a newly split outbound message: a meta row
// and a data row whose message blob holds the full original payload.
func (s *Store) InsertOutboundMessage(m OutboundInsert) error {
	s.lock()
	defer s.unlock()

	tx, err := s.db.Begin()
	if err != nil {
		s.fatalf("beginning outbound insert transaction: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO fragmented_meta (outbound, friend_id, type, frags_id, timestamp_first, timestamp_last, frags_done, frags_num)
		 VALUES (1, ?, ?, ?, ?, ?, 0, ?)`,
		m.Friend, m.MsgType, m.ID, m.Timestamp, m.Timestamp, m.NumParts,
	); err != nil {
		s.fatalf("inserting outbound fragmented_meta row: %v", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO fragmented_data (friend_id, frags_id, message, confirmed, receipt)
		 VALUES (?, ?, ?, zeroblob(?), ?)`,
		m.Friend, m.ID, m.Data, m.NumParts, m.Receipt,
	); err != nil {
		s.fatalf("inserting outbound fragmented_data row: %v", err)
	}

	return tx.Commit()
}

// OutboundPartConfirmed marks partNo (1-based) confirmed in the persisted
// bitmap and advances the meta row's progress counters.
func (s *Store) OutboundPartConfirmed(friend uint32, id uint64, partNo uint32, tm int64) error {
	s.lock()
	defer s.unlock()

	tx, err := s.db.Begin()
	if err != nil {
		s.fatalf("beginning confirm transaction: %v", err)
	}
	defer tx.Rollback()

	one := []byte{1}
	if _, err := tx.Exec(
		`UPDATE fragmented_data SET confirmed = CAST(substr(confirmed,1,?) || ? || substr(confirmed,?) AS BLOB)
		 WHERE friend_id=? AND frags_id=?`,
		partNo-1, one, partNo+1, friend, id,
	); err != nil {
		s.fatalf("writing confirmed bit: %v", err)
	}

	if _, err := tx.Exec(
		`UPDATE fragmented_meta SET timestamp_last = max(timestamp_last, ?), frags_done = frags_done + 1
		 WHERE friend_id=? AND frags_id=?`,
		tm, friend, id,
	); err != nil {
		s.fatalf("updating outbound progress: %v", err)
	}

	return tx.Commit()
}

// LoadOutboundPending streams every outbound row (rehydration after a
// restart), invoking onRow for each.
func (s *Store) LoadOutboundPending(onRow func(PendingOutbound)) error {
	s.lock()
	defer s.unlock()

	rows, err := s.db.Query(
		`SELECT m.friend_id, m.type, m.frags_id, m.timestamp_first, m.timestamp_last,
		        m.frags_done, m.frags_num,
		        d.message, length(d.message), d.confirmed, length(d.confirmed), d.receipt
		 FROM fragmented_meta m JOIN fragmented_data d USING (friend_id, frags_id)
		 WHERE m.outbound = 1`)
	if err != nil {
		s.fatalf("querying pending outbound messages: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p PendingOutbound
		var msgLen, confirmedLen int
		if err := rows.Scan(&p.Friend, &p.MsgType, &p.ID, &p.TimestampFirst, &p.TimestampLast,
			&p.FragsDone, &p.NumParts, &p.Message, &msgLen, &p.Confirmed, &confirmedLen, &p.Receipt); err != nil {
			s.fatalf("scanning pending outbound row: %v", err)
		}
		onRow(p)
	}
	return rows.Err()
}

// ClearOutboundPending deletes the data row for (friend, id). The meta row
// stays behind; LoadOutboundPending joins on the data row, so the message
// is no longer returned for rehydration.
func (s *Store) ClearOutboundPending(friend uint32, id uint64) error {
	s.lock()
	defer s.unlock()
	if _, err := s.db.Exec(`DELETE FROM fragmented_data WHERE friend_id=? AND frags_id=?`, friend, id); err != nil {
		s.fatalf("clearing outbound pending row: %v", err)
	}
	return nil
}

// Periodic is a reserved extension point called once per worker tick.
func (s *Store) Periodic() {}
