package relaycore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/intentbridge/core/pkg/chainadapter"
	"github.com/intentbridge/core/pkg/cursorstore"
	"github.com/intentbridge/core/pkg/deliveryqueue"
	"github.com/intentbridge/core/pkg/trust"
	"github.com/intentbridge/core/pkg/wire"
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

func (m *memKV) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

type fakeAdapter struct {
	chain     chainadapter.ChainID
	tip       uint64
	events    []chainadapter.TypedEvent
	remotes   []chainadapter.RemoteAddress
	maxWindow uint64
}

func (f *fakeAdapter) Chain() chainadapter.ChainID             { return f.chain }
func (f *fakeAdapter) Family() chainadapter.Family              { return chainadapter.FamilyEvm }
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
	return chainadapter.DeliveryOutcome{Included: true, TxID: "0xdead"}, nil
}

func (f *fakeAdapter) ViewTrustedRemotes(ctx context.Context, srcChain chainadapter.ChainID) ([]chainadapter.RemoteAddress, error) {
	return f.remotes, nil
}

func (f *fakeAdapter) MaxWindow() uint64 {
	if f.maxWindow == 0 {
		return 1000
	}
	return f.maxWindow
}

func encodedPayload(intentID [32]byte) []byte {
	msg := wire.IntentRequirements{IntentID: intentID}
	return msg.Encode()
}

func TestScanOnceEnqueuesAndAdvancesCursor(t *testing.T) {
	var intentID [32]byte
	intentID[31] = 7

	src := &fakeAdapter{chain: 1, tip: 10, events: []chainadapter.TypedEvent{
		{
			Kind:     chainadapter.EventMessageSent,
			Chain:    1,
			Position: chainadapter.EventPosition{Block: 5},
			DstChain: 2,
			Payload:  encodedPayload(intentID),
		},
	}}
	dst := &fakeAdapter{chain: 2, remotes: []chainadapter.RemoteAddress{{}}}

	cursors := cursorstore.New(newMemKV())
	queue := deliveryqueue.New()
	adapters := map[chainadapter.ChainID]trust.Adapter{2: dst}
	tcache := trust.NewCache(time.Hour, adapters, map[chainadapter.ChainID][]chainadapter.ChainID{2: {1}})

	relay, err := New(Config{
		Adapters: map[chainadapter.ChainID]chainadapter.Adapter{1: src, 2: dst},
		Routes:   []Route{{SrcChain: 1, DstChain: 2}},
		Cursors:  cursors,
		Trust:    tcache,
		Queue:    queue,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := relay.scanOnce(context.Background(), 1, src, []chainadapter.ChainID{2}); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}

	if got := queue.Depth(); got != 1 {
		t.Fatalf("Depth() = %d, want 1", got)
	}
	item, ok := queue.Dequeue()
	if !ok {
		t.Fatalf("Dequeue returned ok=false")
	}
	if item.Key.IntentID != intentID {
		t.Errorf("IntentID = %x, want %x", item.Key.IntentID, intentID)
	}

	cursor, err := cursors.Get(1, cursorstore.DirectionOutbound)
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	if cursor.Position.Block != 10 {
		t.Errorf("cursor block = %d, want 10", cursor.Position.Block)
	}
}

func TestScanOnceNoopsWhenCursorAtTip(t *testing.T) {
	src := &fakeAdapter{chain: 1, tip: 10}
	cursors := cursorstore.New(newMemKV())
	if err := cursors.Set(cursorstore.Cursor{Chain: 1, Direction: cursorstore.DirectionOutbound, Position: chainadapter.EventPosition{Block: 10}}); err != nil {
		t.Fatalf("Set cursor: %v", err)
	}

	queue := deliveryqueue.New()
	relay, err := New(Config{
		Adapters: map[chainadapter.ChainID]chainadapter.Adapter{1: src},
		Cursors:  cursors,
		Trust:    trust.NewCache(time.Hour, nil, nil),
		Queue:    queue,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := relay.scanOnce(context.Background(), 1, src, nil); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}
	if got := queue.Depth(); got != 0 {
		t.Errorf("Depth() = %d, want 0", got)
	}
}

func TestScanOnceRefusesToAdvanceOnReorgDisagreement(t *testing.T) {
	var intentID [32]byte
	intentID[31] = 9

	src := &fakeAdapter{chain: 1, tip: 10, events: []chainadapter.TypedEvent{
		{
			Kind:     chainadapter.EventMessageSent,
			Chain:    1,
			Position: chainadapter.EventPosition{Block: 5},
			DstChain: 2,
			Payload:  encodedPayload(intentID),
		},
	}}

	cursors := cursorstore.New(newMemKV())
	if err := cursors.Set(cursorstore.Cursor{
		Chain:        1,
		Direction:    cursorstore.DirectionOutbound,
		Position:     chainadapter.EventPosition{Block: 5},
		LastEventKey: []byte{0xde, 0xad, 0xbe, 0xef},
	}); err != nil {
		t.Fatalf("Set cursor: %v", err)
	}

	queue := deliveryqueue.New()
	relay, err := New(Config{
		Adapters: map[chainadapter.ChainID]chainadapter.Adapter{1: src},
		Cursors:  cursors,
		Trust:    trust.NewCache(time.Hour, nil, nil),
		Queue:    queue,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := relay.scanOnce(context.Background(), 1, src, nil); err == nil {
		t.Fatalf("expected an error, got nil")
	}

	cursor, err := cursors.Get(1, cursorstore.DirectionOutbound)
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	if cursor.Position.Block != 5 {
		t.Errorf("cursor must not advance when the recorded event key no longer matches: block = %d, want 5", cursor.Position.Block)
	}
	if got := queue.Depth(); got != 0 {
		t.Errorf("Depth() = %d, want 0", got)
	}
}

func TestScanOnceRefusesToAdvanceCursorWhenDurableSaveFails(t *testing.T) {
	// A crash between "item enqueued" and "item delivered" must not lose
	// the delivery obligation. scanOnce enforces that by refusing to
	// advance the cursor when the durable save fails, so a retried scan
	// re-observes the same event instead of skipping past it.
	var intentID [32]byte
	intentID[31] = 3

	src := &fakeAdapter{chain: 1, tip: 10, events: []chainadapter.TypedEvent{
		{
			Kind:     chainadapter.EventMessageSent,
			Chain:    1,
			Position: chainadapter.EventPosition{Block: 5},
			DstChain: 2,
			Payload:  encodedPayload(intentID),
		},
	}}

	cursors := cursorstore.New(newMemKV())
	queue := deliveryqueue.New()
	relay, err := New(Config{
		Adapters: map[chainadapter.ChainID]chainadapter.Adapter{1: src},
		Cursors:  cursors,
		Trust:    trust.NewCache(time.Hour, nil, nil),
		Queue:    queue,
		Durable:  deliveryqueue.NewDurableStore(&failingKV{}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := relay.scanOnce(context.Background(), 1, src, []chainadapter.ChainID{2}); err == nil {
		t.Fatalf("expected an error when the durable store cannot persist the new item")
	}

	if _, err := cursors.Get(1, cursorstore.DirectionOutbound); err != cursorstore.ErrNotFound {
		t.Errorf("cursor must not advance when persistence fails, got err=%v", err)
	}
}

type failingKV struct{}

func (f *failingKV) Get(key []byte) ([]byte, error)  { return nil, nil }
func (f *failingKV) Set(key, value []byte) error     { return errAlwaysFails }
func (f *failingKV) Delete(key []byte) error          { return nil }

var errAlwaysFails = &staticError{"durable store unavailable"}

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }

func TestValidateTrustedRemotesRefusesUncoveredSource(t *testing.T) {
	dst := &fakeAdapter{chain: 2} // no remotes configured
	relay, err := New(Config{
		Adapters: map[chainadapter.ChainID]chainadapter.Adapter{2: dst},
		Routes:   []Route{{SrcChain: 1, DstChain: 2}},
		Cursors:  cursorstore.New(newMemKV()),
		Trust:    trust.NewCache(time.Hour, map[chainadapter.ChainID]trust.Adapter{2: dst}, map[chainadapter.ChainID][]chainadapter.ChainID{2: {1}}),
		Queue:    deliveryqueue.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = relay.ValidateTrustedRemotes(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !isConfigError(err) {
		t.Errorf("expected a chainadapter.ErrConfig-wrapped error, got %v", err)
	}
}

func isConfigError(err error) bool {
	return err != nil && (err == chainadapter.ErrConfig || errorsIs(err))
}

func errorsIs(err error) bool {
	type wrapper interface{ Unwrap() error }
	for err != nil {
		if err == chainadapter.ErrConfig {
			return true
		}
		w, ok := err.(wrapper)
		if !ok {
			return false
		}
		err = w.Unwrap()
	}
	return false
}

func TestValidateTrustedRemotesPassesWhenCovered(t *testing.T) {
	dst := &fakeAdapter{chain: 2, remotes: []chainadapter.RemoteAddress{{}}}
	relay, err := New(Config{
		Adapters: map[chainadapter.ChainID]chainadapter.Adapter{2: dst},
		Routes:   []Route{{SrcChain: 1, DstChain: 2}},
		Cursors:  cursorstore.New(newMemKV()),
		Trust:    trust.NewCache(time.Hour, map[chainadapter.ChainID]trust.Adapter{2: dst}, map[chainadapter.ChainID][]chainadapter.ChainID{2: {1}}),
		Queue:    deliveryqueue.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := relay.ValidateTrustedRemotes(context.Background()); err != nil {
		t.Errorf("ValidateTrustedRemotes: %v", err)
	}
}
