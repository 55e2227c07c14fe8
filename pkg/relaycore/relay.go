// Copyright 2025 Certen Protocol
//
// Relay Core composes a Chain Adapter, Cursor Store, Trust Cache, and
// Delivery Queue into the watch-and-forward service: one watcher goroutine
// per source chain reads each chain's tip, polls new events, enqueues
// MessageSent payloads for delivery, and advances the chain's cursor only
// after a batch is fully enqueued.
package relaycore

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/intentbridge/core/pkg/chainadapter"
	"github.com/intentbridge/core/pkg/cursorstore"
	"github.com/intentbridge/core/pkg/deliveryqueue"
	"github.com/intentbridge/core/pkg/trust"
	"github.com/intentbridge/core/pkg/wire"
)

// Config wires a Relay instance together.
type Config struct {
	Adapters map[chainadapter.ChainID]chainadapter.Adapter
	// Routes lists every (src, dst) edge this instance forwards MessageSent
	// events across.
	Routes []Route

	Cursors *cursorstore.Store
	Trust   *trust.Cache
	Queue   *deliveryqueue.Queue

	// Durable, if set, persists an item the moment it is newly enqueued,
	// before scanOnce advances the source chain's cursor. Without this, a
	// crash between enqueue and delivery loses the obligation permanently:
	// the in-memory Queue is gone, and the cursor already points past the
	// event that produced it, so a restart never re-observes it.
	Durable *deliveryqueue.DurableStore

	PollInterval time.Duration
	Logger       *log.Logger
}

// Route is one src-chain -> dst-chain forwarding edge.
type Route struct {
	SrcChain chainadapter.ChainID
	DstChain chainadapter.ChainID
}

// Relay is the composition root for the watch-and-forward side of the
// protocol.
type Relay struct {
	cfg    Config
	logger *log.Logger
}

func New(cfg Config) (*Relay, error) {
	if len(cfg.Adapters) == 0 {
		return nil, fmt.Errorf("relaycore: at least one chain adapter is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Relay] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Relay{cfg: cfg, logger: cfg.Logger}, nil
}

// ValidateTrustedRemotes enforces the startup rule that every configured
// source chain must appear in at least one destination's trusted-remote
// allowlist, else the relay refuses to start.
func (r *Relay) ValidateTrustedRemotes(ctx context.Context) error {
	if err := r.cfg.Trust.RefreshAll(ctx); err != nil {
		r.logger.Printf("warning: trust cache refresh reported errors at startup: %v", err)
	}

	covered := make(map[chainadapter.ChainID]bool)
	for _, route := range r.cfg.Routes {
		adapter, ok := r.cfg.Adapters[route.DstChain]
		if !ok {
			continue
		}
		remotes, err := adapter.ViewTrustedRemotes(ctx, route.SrcChain)
		if err != nil {
			return fmt.Errorf("relaycore: %w: view_trusted_remotes(dst=%d, src=%d): %v", chainadapter.ErrConfig, route.DstChain, route.SrcChain, err)
		}
		if len(remotes) > 0 {
			covered[route.SrcChain] = true
		}
	}
	for _, route := range r.cfg.Routes {
		if !covered[route.SrcChain] {
			return fmt.Errorf("relaycore: %w: source chain %d appears in no destination's trusted-remote allowlist", chainadapter.ErrConfig, route.SrcChain)
		}
	}
	return nil
}

// Run starts one watcher goroutine per source chain and blocks until ctx
// is cancelled.
func (r *Relay) Run(ctx context.Context) {
	srcChains := make(map[chainadapter.ChainID][]chainadapter.ChainID) // src -> dsts
	for _, route := range r.cfg.Routes {
		srcChains[route.SrcChain] = append(srcChains[route.SrcChain], route.DstChain)
	}

	done := make(chan struct{}, len(srcChains))
	for src, dsts := range srcChains {
		go func(src chainadapter.ChainID, dsts []chainadapter.ChainID) {
			r.watch(ctx, src, dsts)
			done <- struct{}{}
		}(src, dsts)
	}
	for range srcChains {
		<-done
	}
}

const windowFallback = 2000

func (r *Relay) watch(ctx context.Context, src chainadapter.ChainID, dsts []chainadapter.ChainID) {
	adapter, ok := r.cfg.Adapters[src]
	if !ok {
		r.logger.Printf("no adapter configured for source chain %d, watcher exiting", src)
		return
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.scanOnce(ctx, src, adapter, dsts); err != nil {
				r.logger.Printf("chain %d: scan error: %v", src, err)
			}
		}
	}
}

func (r *Relay) scanOnce(ctx context.Context, src chainadapter.ChainID, adapter chainadapter.Adapter, dsts []chainadapter.ChainID) error {
	tip, err := adapter.Tip(ctx)
	if err != nil {
		return fmt.Errorf("tip: %w", err)
	}

	cursor, getErr := r.cfg.Cursors.Get(src, cursorstore.DirectionOutbound)
	var fromBlock uint64
	cursorExists := getErr == nil
	if getErr != nil {
		if getErr != cursorstore.ErrNotFound {
			return fmt.Errorf("read cursor: %w", getErr)
		}
		fromBlock = 0
	} else {
		fromBlock = cursor.Position.Block + 1
	}

	if cursorExists && len(cursor.LastEventKey) > 0 {
		reobserved, err := adapter.PollEvents(ctx, cursor.Position.Block, cursor.Position.Block, []chainadapter.EventKind{chainadapter.EventMessageSent})
		if err != nil {
			return fmt.Errorf("reorg check poll_events(%d,%d): %w", cursor.Position.Block, cursor.Position.Block, err)
		}
		if key := chainadapter.BatchKey(reobserved, cursor.Position.Block); !bytes.Equal(key, cursor.LastEventKey) {
			r.logger.Printf("ALARM: chain %d block %d disagrees with its previously recorded event key, refusing to advance cursor — operator action required", src, cursor.Position.Block)
			return fmt.Errorf("reorg detected: chain %d block %d no longer matches its recorded event key", src, cursor.Position.Block)
		}
	}

	if fromBlock > tip {
		return nil
	}

	window := adapter.MaxWindow()
	if window == 0 {
		window = windowFallback
	}
	toBlock := tip
	if toBlock-fromBlock+1 > window {
		toBlock = fromBlock + window - 1
	}

	events, err := adapter.PollEvents(ctx, fromBlock, toBlock, []chainadapter.EventKind{chainadapter.EventMessageSent})
	if err != nil {
		return fmt.Errorf("poll_events(%d,%d): %w", fromBlock, toBlock, err)
	}

	for _, ev := range events {
		item, malformed, err := buildItem(src, ev)
		if malformed {
			r.logger.Printf("chain %d: dropping malformed MessageSent at block %d: %v", src, ev.Position.Block, err)
			continue
		}
		if !r.cfg.Queue.Enqueue(item) {
			// Already-seen dedup key: a previously completed (or still
			// in-flight, durably persisted) obligation, not a new one.
			continue
		}
		if r.cfg.Durable != nil {
			if err := r.cfg.Durable.Save(item); err != nil {
				// Must not advance the cursor past an event whose delivery
				// obligation failed to persist: a crash right after would
				// lose it, since the in-memory queue does not survive a
				// restart and the cursor would already point past it.
				return fmt.Errorf("persist enqueued item %s: %w", item.Key, err)
			}
		}
	}

	expected := chainadapter.EventPosition{}
	if cursorExists {
		expected = cursor.Position
	}
	next := chainadapter.EventPosition{Block: toBlock}
	nextKey := chainadapter.BatchKey(events, toBlock)
	if casErr := r.cfg.Cursors.CompareAndSwap(src, cursorstore.DirectionOutbound, expected, next, nextKey); casErr != nil {
		return fmt.Errorf("advance cursor: %w", casErr)
	}
	return nil
}

// buildItem converts one observed MessageSent event into a delivery-queue
// item, deduped on (src_chain, intent_id, discriminator). malformed is true
// when the payload itself could not be parsed (caller should skip the event
// and continue rather than abort the scan).
func buildItem(src chainadapter.ChainID, ev chainadapter.TypedEvent) (item deliveryqueue.Item, malformed bool, err error) {
	disc, err := wire.Peek(ev.Payload)
	if err != nil {
		return deliveryqueue.Item{}, true, err
	}
	intentID, err := wire.IntentID(ev.Payload)
	if err != nil {
		return deliveryqueue.Item{}, true, err
	}

	key := deliveryqueue.DedupKey{SrcChain: src, IntentID: intentID, Discriminator: disc}
	return deliveryqueue.Item{
		Key:      key,
		SrcAddr:  ev.SrcAddr,
		DstChain: ev.DstChain,
		DstAddr:  ev.DstAddr,
		Payload:  ev.Payload,
		Nonce:    ev.Nonce,
	}, false, nil
}
