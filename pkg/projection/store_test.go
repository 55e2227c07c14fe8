package projection

import (
	"testing"
	"time"
)

type memKV struct{ data map[string][]byte }

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Get(key []byte) ([]byte, error) { return m.data[string(key)], nil }
func (m *memKV) Set(key, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func id(b byte) [32]byte {
	var a [32]byte
	a[31] = b
	return a
}

func TestUpsertIntentCreatedTransitionsToActive(t *testing.T) {
	s := NewStore(newMemKV())
	intentID := id(1)
	if err := s.UpsertIntentCreated(Intent{IntentID: intentID, Flow: FlowOutflow, HubChain: 1, ConnectedChain: 2}); err != nil {
		t.Fatalf("UpsertIntentCreated: %v", err)
	}

	snap, ok, err := s.GetSnapshot(intentID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if snap.Intent == nil {
		t.Fatalf("expected snap.Intent to be set")
	}
	if snap.Intent.HubState != HubActive {
		t.Errorf("HubState = %v, want %v", snap.Intent.HubState, HubActive)
	}
}

func TestReadyOnConnectedSetOnce(t *testing.T) {
	s := NewStore(newMemKV())
	intentID := id(2)
	if err := s.MarkReadyOnConnected(intentID, 100); err != nil {
		t.Fatalf("MarkReadyOnConnected(100): %v", err)
	}
	if err := s.MarkReadyOnConnected(intentID, 200); err != nil { // idempotent re-observation
		t.Fatalf("MarkReadyOnConnected(200): %v", err)
	}

	snap, ok, err := s.GetSnapshot(intentID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if !snap.ReadyOnConnectedChain {
		t.Errorf("expected ReadyOnConnectedChain to be true")
	}
	if snap.ReadyAtBlock != 100 {
		t.Errorf("ReadyAtBlock = %d, want 100 (first observation wins, re-scan must not overwrite)", snap.ReadyAtBlock)
	}
}

func TestEscrowCreatedWithoutReadyFlagsAnomalousButStillWrites(t *testing.T) {
	s := NewStore(newMemKV())
	intentID := id(3)
	if err := s.UpsertIntentCreated(Intent{IntentID: intentID}); err != nil {
		t.Fatalf("UpsertIntentCreated: %v", err)
	}
	if err := s.TransitionEscrowCreated(Escrow{IntentID: intentID, EscrowChain: 2, Amount: 10}); err != nil {
		t.Fatalf("TransitionEscrowCreated: %v", err)
	}

	snap, ok, err := s.GetSnapshot(intentID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if snap.Escrow == nil {
		t.Fatalf("expected snap.Escrow to be set")
	}
	if snap.Escrow.EscrowState != EscrowCreated {
		t.Errorf("EscrowState = %v, want %v (the contract is authoritative, the write must still happen)", snap.Escrow.EscrowState, EscrowCreated)
	}
	if !snap.Intent.Anomalous {
		t.Errorf("expected Intent.Anomalous to be true")
	}
	if snap.ReadyOnConnectedChain {
		t.Errorf("anomalous intents are excluded from ready_on_connected")
	}
}

func TestEscrowCreatedAfterReadyIsNotAnomalous(t *testing.T) {
	s := NewStore(newMemKV())
	intentID := id(4)
	if err := s.UpsertIntentCreated(Intent{IntentID: intentID}); err != nil {
		t.Fatalf("UpsertIntentCreated: %v", err)
	}
	if err := s.MarkReadyOnConnected(intentID, 50); err != nil {
		t.Fatalf("MarkReadyOnConnected: %v", err)
	}
	if err := s.TransitionEscrowCreated(Escrow{IntentID: intentID}); err != nil {
		t.Fatalf("TransitionEscrowCreated: %v", err)
	}

	snap, _, err := s.GetSnapshot(intentID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Intent.Anomalous {
		t.Errorf("expected Intent.Anomalous to be false")
	}
	if !snap.ReadyOnConnectedChain {
		t.Errorf("expected ReadyOnConnectedChain to be true")
	}
}

func TestExpiryDerivedAtReadTime(t *testing.T) {
	s := NewStore(newMemKV())
	intentID := id(5)
	if err := s.UpsertIntentCreated(Intent{IntentID: intentID, Expiry: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("UpsertIntentCreated: %v", err)
	}

	snap, _, err := s.GetSnapshot(intentID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Intent.HubState != HubExpired {
		t.Errorf("HubState = %v, want %v", snap.Intent.HubState, HubExpired)
	}
}

func TestTerminalStateNotOverriddenByExpiry(t *testing.T) {
	s := NewStore(newMemKV())
	intentID := id(6)
	if err := s.UpsertIntentCreated(Intent{IntentID: intentID, Expiry: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("UpsertIntentCreated: %v", err)
	}
	if err := s.TransitionIntentState(intentID, HubFulfilled); err != nil {
		t.Fatalf("TransitionIntentState: %v", err)
	}

	snap, _, err := s.GetSnapshot(intentID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Intent.HubState != HubFulfilled {
		t.Errorf("HubState = %v, want %v", snap.Intent.HubState, HubFulfilled)
	}
}

func TestListEventsSinceOrdersAndPagesByCursor(t *testing.T) {
	s := NewStore(newMemKV())
	if err := s.UpsertIntentCreated(Intent{IntentID: id(1)}); err != nil {
		t.Fatalf("UpsertIntentCreated: %v", err)
	}
	if err := s.MarkReadyOnConnected(id(1), 1); err != nil {
		t.Fatalf("MarkReadyOnConnected: %v", err)
	}
	if err := s.TransitionEscrowCreated(Escrow{IntentID: id(1)}); err != nil {
		t.Fatalf("TransitionEscrowCreated: %v", err)
	}

	page1, cursor1, err := s.ListEventsSince(0, 2)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("len(page1) = %d, want 2", len(page1))
	}
	if page1[0].Seq != 1 {
		t.Errorf("page1[0].Seq = %d, want 1", page1[0].Seq)
	}
	if page1[1].Seq != 2 {
		t.Errorf("page1[1].Seq = %d, want 2", page1[1].Seq)
	}

	page2, cursor2, err := s.ListEventsSince(cursor1, 2)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(page2) != 1 {
		t.Fatalf("len(page2) = %d, want 1", len(page2))
	}
	if page2[0].Seq != 3 {
		t.Errorf("page2[0].Seq = %d, want 3", page2[0].Seq)
	}
	if cursor2 != cursor1+1 {
		t.Errorf("cursor2 = %d, want %d", cursor2, cursor1+1)
	}
}

func TestGetSnapshotMissingReturnsFalse(t *testing.T) {
	s := NewStore(newMemKV())
	_, ok, err := s.GetSnapshot(id(99))
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for a missing intent")
	}
}
