// Copyright 2025 Certen Protocol
//
// Package cursorstore persists, per (chain, direction), the durable
// watermark a watcher has fully processed up to, with atomic
// compare-and-swap advancement.
package cursorstore

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/intentbridge/core/pkg/chainadapter"
)

// Direction distinguishes the two watcher roles a chain can be polled under
// within a single process (a Relay watches outbound message events; a
// Coordinator watches intent lifecycle events); the same chain may have an
// independent cursor per direction.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionLifecycle Direction = "lifecycle"
)

// ErrNotFound is returned by Get when no cursor has ever been saved for the
// given (chain, direction).
var ErrNotFound = errors.New("cursorstore: cursor not found")

// ErrStaleCAS is returned by CompareAndSwap when the stored cursor no
// longer matches the expected previous value, i.e. a concurrent writer
// already advanced it.
var ErrStaleCAS = errors.New("cursorstore: compare-and-swap failed, cursor changed concurrently")

// Cursor is the durable watermark for one (chain, direction) pair: the last
// chain position (block/version/slot plus tx/log index) known to have been
// fully processed.
type Cursor struct {
	Chain     chainadapter.ChainID
	Direction Direction
	Position  chainadapter.EventPosition

	// LastEventKey fingerprints the events last confirmed at Position's
	// block (see chainadapter.BatchKey). A watcher re-fetching that block and
	// hashing a different set of events back signals the chain rewrote history
	// underneath an already-recorded cursor.
	LastEventKey []byte
}

const keyPrefix = "cursor/"

func cursorKey(chain chainadapter.ChainID, dir Direction) []byte {
	b := make([]byte, 0, len(keyPrefix)+4+len(dir))
	b = append(b, keyPrefix...)
	var chainBuf [4]byte
	binary.BigEndian.PutUint32(chainBuf[:], uint32(chain))
	b = append(b, chainBuf[:]...)
	b = append(b, '/')
	b = append(b, dir...)
	return b
}

type cursorJSON struct {
	Block        uint64 `json:"block"`
	TxIndex      uint32 `json:"tx_index"`
	LogIndex     uint32 `json:"log_index"`
	LastEventKey string `json:"last_event_key,omitempty"`
}

// KV is the minimal embedded-store capability the Store needs; satisfied
// by the cometbft-db adapter in kvadapter.go.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

// Store is a single-process cursor store. Writers MUST serialize calls
// for a given (chain, direction) pair themselves (one watcher goroutine
// owns each pair); CompareAndSwap additionally guards against a second
// writer appearing during a restart/handover window.
type Store struct {
	mu sync.Mutex
	kv KV
}

func New(kv KV) *Store {
	return &Store{kv: kv}
}

// Get returns the saved cursor for (chain, direction), or ErrNotFound if
// none has ever been saved — callers treat this as "start from configured
// minimum height".
func (s *Store) Get(chain chainadapter.ChainID, dir Direction) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(chain, dir)
}

func (s *Store) get(chain chainadapter.ChainID, dir Direction) (Cursor, error) {
	raw, err := s.kv.Get(cursorKey(chain, dir))
	if err != nil {
		return Cursor{}, fmt.Errorf("cursorstore: get: %w", err)
	}
	if raw == nil {
		return Cursor{}, ErrNotFound
	}
	var cj cursorJSON
	if err := json.Unmarshal(raw, &cj); err != nil {
		return Cursor{}, fmt.Errorf("cursorstore: decode cursor for chain %d/%s: %w", chain, dir, err)
	}
	var lastKey []byte
	if cj.LastEventKey != "" {
		lastKey, err = hex.DecodeString(cj.LastEventKey)
		if err != nil {
			return Cursor{}, fmt.Errorf("cursorstore: decode last_event_key for chain %d/%s: %w", chain, dir, err)
		}
	}
	return Cursor{
		Chain:        chain,
		Direction:    dir,
		Position:     chainadapter.EventPosition{Block: cj.Block, TxIndex: cj.TxIndex, LogIndex: cj.LogIndex},
		LastEventKey: lastKey,
	}, nil
}

// Set unconditionally overwrites the cursor. Used for operator-driven
// replay/rewind; normal advancement should use CompareAndSwap.
func (s *Store) Set(c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(c)
}

func (s *Store) set(c Cursor) error {
	cj := cursorJSON{Block: c.Position.Block, TxIndex: c.Position.TxIndex, LogIndex: c.Position.LogIndex}
	if c.LastEventKey != nil {
		cj.LastEventKey = hex.EncodeToString(c.LastEventKey)
	}
	raw, err := json.Marshal(cj)
	if err != nil {
		return fmt.Errorf("cursorstore: encode cursor: %w", err)
	}
	if err := s.kv.Set(cursorKey(c.Chain, c.Direction), raw); err != nil {
		return fmt.Errorf("cursorstore: set: %w", err)
	}
	return nil
}

// CompareAndSwap advances the cursor from expected to next, failing with
// ErrStaleCAS if the currently stored position does not match expected.
// expected may be the zero Cursor{} (matched against ErrNotFound) to
// initialize a cursor for the first time. nextEventKey (callers pass
// chainadapter.BatchKey) is persisted alongside next so a later scan can
// detect a reorg that rewrote the events at this position's block.
func (s *Store) CompareAndSwap(chain chainadapter.ChainID, dir Direction, expected, next chainadapter.EventPosition, nextEventKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.get(chain, dir)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if expected != (chainadapter.EventPosition{}) {
			return ErrStaleCAS
		}
	} else if current.Position != expected {
		return ErrStaleCAS
	}

	return s.set(Cursor{Chain: chain, Direction: dir, Position: next, LastEventKey: nextEventKey})
}
