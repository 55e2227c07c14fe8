package coordinatorcore

import (
	"context"
	"sync"
	"testing"
	"time"

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

type fakeAdapter struct {
	chain  chainadapter.ChainID
	tip    uint64
	events []chainadapter.TypedEvent
}

func (f *fakeAdapter) Chain() chainadapter.ChainID             { return f.chain }
func (f *fakeAdapter) Family() chainadapter.Family              { return chainadapter.FamilyHubMove }
func (f *fakeAdapter) Tip(ctx context.Context) (uint64, error) { return f.tip, nil }

func (f *fakeAdapter) PollEvents(ctx context.Context, fromBlock, toBlock uint64, kinds []chainadapter.EventKind) ([]chainadapter.TypedEvent, error) {
	var out []chainadapter.TypedEvent
	for _, ev := range f.events {
		if ev.Position.Block >= fromBlock && ev.Position.Block <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeAdapter) Deliver(ctx context.Context, dstAddr chainadapter.RemoteAddress, payload []byte, nonce uint64, hint chainadapter.TrustHint) (chainadapter.DeliveryOutcome, error) {
	return chainadapter.DeliveryOutcome{}, nil
}

func (f *fakeAdapter) ViewTrustedRemotes(ctx context.Context, srcChain chainadapter.ChainID) ([]chainadapter.RemoteAddress, error) {
	return nil, nil
}

func (f *fakeAdapter) MaxWindow() uint64 { return 1000 }

func TestScanOnceUpsertsIntentCreated(t *testing.T) {
	var intentID, requestedToken, desiredToken [32]byte
	intentID[31] = 9
	requestedToken[31] = 1
	desiredToken[31] = 2
	expiry := uint64(time.Now().Add(time.Hour).Unix())

	hub := &fakeAdapter{chain: 1, tip: 10, events: []chainadapter.TypedEvent{
		{
			Kind:            chainadapter.EventIntentCreated,
			Chain:           1,
			Position:        chainadapter.EventPosition{Block: 3},
			IntentID:        intentID,
			Flow:            chainadapter.FlowOutflow,
			RequestedAmount: 100,
			RequestedToken:  requestedToken,
			DesiredAmount:   250,
			DesiredToken:    desiredToken,
			ConnectedChain:  2,
			Expiry:          expiry,
		},
	}}

	store := projection.NewStore(newMemKV())
	cursors := cursorstore.New(newMemKV())
	coord, err := New(Config{
		HubChain: 1,
		Adapters: map[chainadapter.ChainID]chainadapter.Adapter{1: hub},
		Cursors:  cursors,
		Store:    store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := coord.scanOnce(context.Background(), 1, hub); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}

	snap, ok, err := store.GetSnapshot(intentID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if snap.Intent.HubState != projection.HubActive {
		t.Errorf("HubState = %v, want %v", snap.Intent.HubState, projection.HubActive)
	}
	if snap.Intent.RequestedAmount != 100 {
		t.Errorf("RequestedAmount = %d, want 100", snap.Intent.RequestedAmount)
	}
	if snap.Intent.Flow != projection.FlowOutflow {
		t.Errorf("Flow = %v, want %v", snap.Intent.Flow, projection.FlowOutflow)
	}
	if snap.Intent.DesiredAmount != 250 {
		t.Errorf("DesiredAmount = %d, want 250 (this is the field the wire-codec-reuse bug always left at zero)", snap.Intent.DesiredAmount)
	}
	if snap.Intent.DesiredToken != desiredToken {
		t.Errorf("DesiredToken = %x, want %x", snap.Intent.DesiredToken, desiredToken)
	}
	if snap.Intent.ConnectedChain != 2 {
		t.Errorf("ConnectedChain = %d, want 2", snap.Intent.ConnectedChain)
	}

	cursor, err := cursors.Get(1, cursorstore.DirectionLifecycle)
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	if cursor.Position.Block != 10 {
		t.Errorf("cursor block = %d, want 10", cursor.Position.Block)
	}
}

func TestScanOnceMarksReadyOnConnectedAndEscrowCreated(t *testing.T) {
	var intentID, token, creator [32]byte
	intentID[31] = 4
	token[31] = 7
	creator[31] = 8

	connected := &fakeAdapter{chain: 2, tip: 5, events: []chainadapter.TypedEvent{
		{Kind: chainadapter.EventIntentRequirementsReceived, Chain: 2, Position: chainadapter.EventPosition{Block: 1}, IntentID: intentID},
		{
			Kind:          chainadapter.EventEscrowCreated,
			Chain:         2,
			Position:      chainadapter.EventPosition{Block: 2},
			IntentID:      intentID,
			EscrowAmount:  50,
			EscrowToken:   token,
			EscrowCreator: creator,
		},
	}}

	store := projection.NewStore(newMemKV())
	coord, err := New(Config{
		HubChain:        1,
		ConnectedChains: []chainadapter.ChainID{2},
		Adapters:        map[chainadapter.ChainID]chainadapter.Adapter{2: connected},
		Cursors:         cursorstore.New(newMemKV()),
		Store:           store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := coord.scanOnce(context.Background(), 2, connected); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}

	snap, ok, err := store.GetSnapshot(intentID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if !snap.ReadyOnConnectedChain {
		t.Errorf("expected ReadyOnConnectedChain to be true")
	}
	if snap.Escrow == nil {
		t.Fatalf("expected escrow to be set")
	}
	if snap.Escrow.EscrowState != projection.EscrowCreated {
		t.Errorf("EscrowState = %v, want %v", snap.Escrow.EscrowState, projection.EscrowCreated)
	}
	if snap.Escrow.Amount != 50 {
		t.Errorf("Amount = %d, want 50", snap.Escrow.Amount)
	}
	if snap.Escrow.Token != token {
		t.Errorf("Token = %x, want %x", snap.Escrow.Token, token)
	}
	if snap.Escrow.Creator != creator {
		t.Errorf("Creator = %x, want %x", snap.Escrow.Creator, creator)
	}
}
