// Copyright 2025 Certen Protocol
//
// DurableStore persists queued-but-undelivered items so a crash between
// enqueue and delivery does not silently drop an obligation: relaycore
// saves an item here before it advances its cursor past the event that
// produced it, and the worker pool forgets it here once delivery (or
// permanent abandonment) is final. On restart, LoadAll replays every
// still-pending item back into a freshly constructed Queue before any
// watcher resumes scanning.
package deliveryqueue

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/intentbridge/core/pkg/chainadapter"
	"github.com/intentbridge/core/pkg/wire"
)

// KV is the minimal embedded-store capability DurableStore needs; satisfied
// by cursorstore.KVAdapter.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

const (
	durablePrefix    = "pending/item/"
	durableIndexKey  = "pending/index"
)

type durableItemJSON struct {
	SrcChain      uint32 `json:"src_chain"`
	IntentID      string `json:"intent_id"`
	Discriminator byte   `json:"discriminator"`
	SrcAddr       string `json:"src_addr"`
	DstChain      uint32 `json:"dst_chain"`
	DstAddr       string `json:"dst_addr"`
	Payload       string `json:"payload"`
	Nonce         uint64 `json:"nonce"`
	EnqueuedAt    int64  `json:"enqueued_at_unix"`
	Attempts      int    `json:"attempts"`
}

// DurableStore is a per-item, index-backed journal of outstanding delivery
// obligations. It does not replace Queue's in-memory dedup/FIFO state; it
// exists solely so that state can be reconstructed after a restart.
type DurableStore struct {
	mu sync.Mutex
	kv KV
}

func NewDurableStore(kv KV) *DurableStore {
	return &DurableStore{kv: kv}
}

func durableKey(key DedupKey) []byte {
	return []byte(durablePrefix + key.String())
}

// Save persists item so it survives a crash before delivery completes.
// Callers in relaycore call this before advancing a cursor past the event
// that produced the item: if Save fails, the cursor must not advance,
// otherwise a crash afterward would lose the obligation permanently.
func (d *DurableStore) Save(item Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ij := durableItemJSON{
		SrcChain:      uint32(item.Key.SrcChain),
		IntentID:      hex.EncodeToString(item.Key.IntentID[:]),
		Discriminator: byte(item.Key.Discriminator),
		SrcAddr:       hex.EncodeToString(item.SrcAddr[:]),
		DstChain:      uint32(item.DstChain),
		DstAddr:       hex.EncodeToString(item.DstAddr[:]),
		Payload:       hex.EncodeToString(item.Payload),
		Nonce:         item.Nonce,
		EnqueuedAt:    item.EnqueuedAt.Unix(),
		Attempts:      item.Attempts,
	}
	raw, err := json.Marshal(ij)
	if err != nil {
		return fmt.Errorf("deliveryqueue: durable store: encode item: %w", err)
	}

	index, err := d.readIndex()
	if err != nil {
		return err
	}
	k := item.Key.String()
	if _, ok := index[k]; !ok {
		index[k] = struct{}{}
		if err := d.writeIndex(index); err != nil {
			return err
		}
	}
	if err := d.kv.Set(durableKey(item.Key), raw); err != nil {
		return fmt.Errorf("deliveryqueue: durable store: save %s: %w", item.Key, err)
	}
	return nil
}

// Forget removes a persisted item once its delivery obligation is
// satisfied (or permanently abandoned).
func (d *DurableStore) Forget(key DedupKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	index, err := d.readIndex()
	if err != nil {
		return err
	}
	k := key.String()
	if _, ok := index[k]; ok {
		delete(index, k)
		if err := d.writeIndex(index); err != nil {
			return err
		}
	}
	if err := d.kv.Delete(durableKey(key)); err != nil {
		return fmt.Errorf("deliveryqueue: durable store: forget %s: %w", key, err)
	}
	return nil
}

// LoadAll returns every still-pending item, for replay into a freshly
// constructed Queue at process startup.
func (d *DurableStore) LoadAll() ([]Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	index, err := d.readIndex()
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(index))
	for k := range index {
		raw, err := d.kv.Get([]byte(durablePrefix + k))
		if err != nil {
			return nil, fmt.Errorf("deliveryqueue: durable store: load %s: %w", k, err)
		}
		if raw == nil {
			continue
		}
		item, err := decodeDurableItem(raw)
		if err != nil {
			return nil, fmt.Errorf("deliveryqueue: durable store: decode %s: %w", k, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeDurableItem(raw []byte) (Item, error) {
	var ij durableItemJSON
	if err := json.Unmarshal(raw, &ij); err != nil {
		return Item{}, err
	}
	intentID, err := decodeFixed32(ij.IntentID)
	if err != nil {
		return Item{}, fmt.Errorf("intent_id: %w", err)
	}
	srcAddr, err := decodeFixed32(ij.SrcAddr)
	if err != nil {
		return Item{}, fmt.Errorf("src_addr: %w", err)
	}
	dstAddr, err := decodeFixed32(ij.DstAddr)
	if err != nil {
		return Item{}, fmt.Errorf("dst_addr: %w", err)
	}
	payload, err := hex.DecodeString(ij.Payload)
	if err != nil {
		return Item{}, fmt.Errorf("payload: %w", err)
	}
	return Item{
		Key: DedupKey{
			SrcChain:      chainadapter.ChainID(ij.SrcChain),
			IntentID:      intentID,
			Discriminator: wire.Discriminator(ij.Discriminator),
		},
		SrcAddr:  chainadapter.RemoteAddress(srcAddr),
		DstChain: chainadapter.ChainID(ij.DstChain),
		DstAddr:  chainadapter.RemoteAddress(dstAddr),
		Payload:  payload,
		Nonce:    ij.Nonce,
		Attempts: ij.Attempts,
	}, nil
}

func (d *DurableStore) readIndex() (map[string]struct{}, error) {
	raw, err := d.kv.Get([]byte(durableIndexKey))
	if err != nil {
		return nil, fmt.Errorf("deliveryqueue: durable store: read index: %w", err)
	}
	index := map[string]struct{}{}
	if raw == nil {
		return index, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("deliveryqueue: durable store: decode index: %w", err)
	}
	for _, k := range keys {
		index[k] = struct{}{}
	}
	return index, nil
}

func (d *DurableStore) writeIndex(index map[string]struct{}) error {
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("deliveryqueue: durable store: encode index: %w", err)
	}
	if err := d.kv.Set([]byte(durableIndexKey), raw); err != nil {
		return fmt.Errorf("deliveryqueue: durable store: write index: %w", err)
	}
	return nil
}

func decodeFixed32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
