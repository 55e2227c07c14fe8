package coordinatorapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/intentbridge/core/pkg/chainadapter"
	"github.com/intentbridge/core/pkg/cursorstore"
	"github.com/intentbridge/core/pkg/projection"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[string(key)], nil
}

func (m *memKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

type fakeTipReader struct{ tip uint64 }

func (f fakeTipReader) Tip(chain chainadapter.ChainID) (uint64, error) { return f.tip, nil }

func TestHandleHealthReportsLagBlocks(t *testing.T) {
	cursors := cursorstore.New(newMemKV())
	if err := cursors.Set(cursorstore.Cursor{Chain: 1, Direction: cursorstore.DirectionLifecycle, Position: chainadapter.EventPosition{Block: 7}}); err != nil {
		t.Fatalf("Set cursor: %v", err)
	}

	h := NewHandlers(projection.NewStore(newMemKV()), cursors, map[chainadapter.ChainID]TipReader{1: fakeTipReader{tip: 10}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	components := body["components"].(map[string]interface{})
	chain1 := components["1"].(map[string]interface{})
	if chain1["tip"] != float64(10) {
		t.Errorf("tip = %v, want 10", chain1["tip"])
	}
	if chain1["cursor"] != float64(7) {
		t.Errorf("cursor = %v, want 7", chain1["cursor"])
	}
	if chain1["lag_blocks"] != float64(3) {
		t.Errorf("lag_blocks = %v, want 3", chain1["lag_blocks"])
	}
}

func TestHandleIntentReturnsSnapshot(t *testing.T) {
	store := projection.NewStore(newMemKV())
	var intentID [32]byte
	intentID[31] = 1
	if err := store.UpsertIntentCreated(projection.Intent{IntentID: intentID}); err != nil {
		t.Fatalf("UpsertIntentCreated: %v", err)
	}
	if err := store.MarkReadyOnConnected(intentID, 42); err != nil {
		t.Fatalf("MarkReadyOnConnected: %v", err)
	}

	h := NewHandlers(store, cursorstore.New(newMemKV()), nil)

	req := httptest.NewRequest(http.MethodGet, "/intents/"+hex.EncodeToString(intentID[:]), nil)
	rec := httptest.NewRecorder()
	h.HandleIntent(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp intentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.HubState != "Active" {
		t.Errorf("HubState = %q, want Active", resp.HubState)
	}
	if !resp.ReadyOnConnectedChain {
		t.Errorf("expected ReadyOnConnectedChain to be true")
	}
	if resp.ReadyAtBlock != 42 {
		t.Errorf("ReadyAtBlock = %d, want 42", resp.ReadyAtBlock)
	}
}

func TestHandleIntentUnknownReturns404(t *testing.T) {
	h := NewHandlers(projection.NewStore(newMemKV()), cursorstore.New(newMemKV()), nil)

	var missing [32]byte
	missing[31] = 99
	req := httptest.NewRequest(http.MethodGet, "/intents/"+hex.EncodeToString(missing[:]), nil)
	rec := httptest.NewRecorder()
	h.HandleIntent(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleIntentRejectsMalformedID(t *testing.T) {
	h := NewHandlers(projection.NewStore(newMemKV()), cursorstore.New(newMemKV()), nil)

	req := httptest.NewRequest(http.MethodGet, "/intents/not-hex", nil)
	rec := httptest.NewRecorder()
	h.HandleIntent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleEventsReturnsUpdatesWithNextCursor(t *testing.T) {
	store := projection.NewStore(newMemKV())
	var intentID [32]byte
	intentID[31] = 5
	if err := store.UpsertIntentCreated(projection.Intent{IntentID: intentID}); err != nil {
		t.Fatalf("UpsertIntentCreated: %v", err)
	}

	h := NewHandlers(store, cursorstore.New(newMemKV()), nil)

	req := httptest.NewRequest(http.MethodGet, "/events?since=0&limit=10", nil)
	rec := httptest.NewRecorder()
	h.HandleEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(resp.Updates) != 1 {
		t.Fatalf("len(Updates) = %d, want 1", len(resp.Updates))
	}
	if resp.NextCursor != 1 {
		t.Errorf("NextCursor = %d, want 1", resp.NextCursor)
	}
}

func TestHandleEventsBackpressure503(t *testing.T) {
	store := projection.NewStore(newMemKV())
	h := NewHandlers(store, cursorstore.New(newMemKV()), nil)
	h.MaxWaiters = 1
	h.waiters = make(chan struct{}, 1)
	h.waiters <- struct{}{} // simulate one in-flight long-poller

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	h.HandleEvents(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
