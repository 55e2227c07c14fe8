// Copyright 2025 Certen Protocol
//
// Event Projection Store - embedded-KV default implementation. Writes are
// serialized per intent_id by sharding across a small fixed pool of
// mutexes (hash(intent_id) mod shardCount), so unrelated intents never
// contend with each other while same-intent writes stay ordered.
package projection

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// KV is the minimal embedded-store capability this store needs; satisfied
// by cursorstore.KVAdapter or any equivalent cometbft-db wrapper.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

const shardCount = 16

// Store is the embedded-KV-backed Event Projection Store.
type Store struct {
	kv     KV
	shards [shardCount]sync.Mutex
	seqMu  sync.Mutex
}

func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

func shardFor(intentID [32]byte) int {
	h := fnv.New32a()
	h.Write(intentID[:])
	return int(h.Sum32() % shardCount)
}

func (s *Store) lock(intentID [32]byte) func() {
	idx := shardFor(intentID)
	s.shards[idx].Lock()
	return s.shards[idx].Unlock
}

// --- key helpers ---

func intentKey(id [32]byte) []byte  { return append([]byte("intent/"), id[:]...) }
func escrowKey(id [32]byte) []byte  { return append([]byte("escrow/"), id[:]...) }
func readyKey(id [32]byte) []byte   { return append([]byte("ready/"), id[:]...) }
func eventLogSeqKey() []byte        { return []byte("eventlog/seq") }
func eventLogEntryKey(seq uint64) []byte {
	b := make([]byte, len("eventlog/entry/")+8)
	copy(b, "eventlog/entry/")
	binary.BigEndian.PutUint64(b[len("eventlog/entry/"):], seq)
	return b
}

func (s *Store) getJSON(key []byte, out interface{}) (bool, error) {
	raw, err := s.kv.Get(key)
	if err != nil {
		return false, fmt.Errorf("projection: get %s: %w", key, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("projection: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("projection: encode %s: %w", key, err)
	}
	if err := s.kv.Set(key, raw); err != nil {
		return fmt.Errorf("projection: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) appendUpdate(u Update) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var seq uint64
	raw, err := s.kv.Get(eventLogSeqKey())
	if err != nil {
		return fmt.Errorf("projection: read event log seq: %w", err)
	}
	if raw != nil {
		seq = binary.BigEndian.Uint64(raw)
	}
	seq++
	u.Seq = seq

	if err := s.setJSON(eventLogEntryKey(seq), u); err != nil {
		return err
	}
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, seq)
	if err := s.kv.Set(eventLogSeqKey(), seqBuf); err != nil {
		return fmt.Errorf("projection: advance event log seq: %w", err)
	}
	return nil
}

// UpsertIntentCreated handles an IntentCreated event: upsert in state
// Created, then immediately transition to Active (the same record's
// first visible block).
func (s *Store) UpsertIntentCreated(intent Intent) error {
	unlock := s.lock(intent.IntentID)
	defer unlock()

	intent.HubState = HubActive
	if err := s.setJSON(intentKey(intent.IntentID), intent); err != nil {
		return err
	}
	return s.appendUpdate(Update{IntentID: intent.IntentID, Kind: UpdateIntentUpserted, At: time.Now()})
}

// MarkReadyOnConnected handles an IntentRequirementsReceived event: set
// ReadyOnConnected the first time this event is observed; subsequent
// observations are no-ops (idempotent — the watcher may re-scan).
func (s *Store) MarkReadyOnConnected(intentID [32]byte, readyAtBlock uint64) error {
	unlock := s.lock(intentID)
	defer unlock()

	var existing ReadyOnConnected
	found, err := s.getJSON(readyKey(intentID), &existing)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	roc := ReadyOnConnected{IntentID: intentID, ReadyAtBlock: readyAtBlock, ReadyAt: time.Now()}
	if err := s.setJSON(readyKey(intentID), roc); err != nil {
		return err
	}
	return s.appendUpdate(Update{IntentID: intentID, Kind: UpdateReadyOnConnected, At: time.Now()})
}

// TransitionEscrowCreated handles an EscrowCreated event: transition to
// Created. If no prior ReadyOnConnected exists, the write still happens
// (the contract is authoritative) but the intent is flagged Anomalous and
// excluded from ready_on_connected semantics.
func (s *Store) TransitionEscrowCreated(e Escrow) error {
	unlock := s.lock(e.IntentID)
	defer unlock()

	var roc ReadyOnConnected
	readyFound, err := s.getJSON(readyKey(e.IntentID), &roc)
	if err != nil {
		return err
	}

	e.EscrowState = EscrowCreated
	if err := s.setJSON(escrowKey(e.IntentID), e); err != nil {
		return err
	}

	if !readyFound {
		var intent Intent
		found, err := s.getJSON(intentKey(e.IntentID), &intent)
		if err != nil {
			return err
		}
		if found {
			intent.Anomalous = true
			if err := s.setJSON(intentKey(e.IntentID), intent); err != nil {
				return err
			}
		}
	}

	return s.appendUpdate(Update{IntentID: e.IntentID, Kind: UpdateEscrowTransitioned, At: time.Now()})
}

// TransitionEscrowState applies a simple state transition (Released or
// Cancelled) to an existing escrow record.
func (s *Store) TransitionEscrowState(intentID [32]byte, next EscrowState) error {
	unlock := s.lock(intentID)
	defer unlock()

	var e Escrow
	found, err := s.getJSON(escrowKey(intentID), &e)
	if err != nil {
		return err
	}
	if !found {
		e = Escrow{IntentID: intentID}
	}
	e.EscrowState = next
	if err := s.setJSON(escrowKey(intentID), e); err != nil {
		return err
	}
	return s.appendUpdate(Update{IntentID: intentID, Kind: UpdateEscrowTransitioned, At: time.Now()})
}

// TransitionIntentState applies Fulfilled/Cancelled to an existing intent.
func (s *Store) TransitionIntentState(intentID [32]byte, next HubState) error {
	unlock := s.lock(intentID)
	defer unlock()

	var intent Intent
	found, err := s.getJSON(intentKey(intentID), &intent)
	if err != nil {
		return err
	}
	if !found {
		intent = Intent{IntentID: intentID}
	}
	intent.HubState = next
	if err := s.setJSON(intentKey(intentID), intent); err != nil {
		return err
	}
	return s.appendUpdate(Update{IntentID: intentID, Kind: UpdateIntentTransitioned, At: time.Now()})
}

// GetSnapshot returns the current consistent view for one intent_id.
// Expiry is derived at read time: when now >= Intent.Expiry and the hub
// state is not already terminal, HubExpired is surfaced without requiring
// a chain event.
func (s *Store) GetSnapshot(intentID [32]byte) (Snapshot, bool, error) {
	unlock := s.lock(intentID)
	defer unlock()

	var intent Intent
	intentFound, err := s.getJSON(intentKey(intentID), &intent)
	if err != nil {
		return Snapshot{}, false, err
	}
	var escrow Escrow
	escrowFound, err := s.getJSON(escrowKey(intentID), &escrow)
	if err != nil {
		return Snapshot{}, false, err
	}
	var roc ReadyOnConnected
	readyFound, err := s.getJSON(readyKey(intentID), &roc)
	if err != nil {
		return Snapshot{}, false, err
	}

	if !intentFound && !escrowFound && !readyFound {
		return Snapshot{}, false, nil
	}

	snap := Snapshot{IntentID: intentID}
	if intentFound {
		if !isTerminal(intent.HubState) && !intent.Expiry.IsZero() && time.Now().After(intent.Expiry) {
			intent.HubState = HubExpired
		}
		snap.Intent = &intent
	}
	if escrowFound {
		snap.Escrow = &escrow
	}
	if readyFound && (!intentFound || !intent.Anomalous) {
		snap.ReadyOnConnectedChain = true
		snap.ReadyAtBlock = roc.ReadyAtBlock
	}
	return snap, true, nil
}

func isTerminal(s HubState) bool {
	return s == HubFulfilled || s == HubCancelled || s == HubExpired
}

// ListEventsSince returns up to limit updates after the opaque cursor
// (0 means from the beginning), plus the next opaque cursor to pass back.
func (s *Store) ListEventsSince(since uint64, limit int) ([]Update, uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Update
	seq := since
	for len(out) < limit {
		seq++
		var u Update
		found, err := s.getJSON(eventLogEntryKey(seq), &u)
		if err != nil {
			return nil, since, err
		}
		if !found {
			seq--
			break
		}
		out = append(out, u)
	}
	return out, seq, nil
}
