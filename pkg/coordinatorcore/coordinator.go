// Copyright 2025 Certen Protocol
//
// Coordinator Core watches the hub chain and every connected chain for
// intent lifecycle events and folds them into the Event Projection Store.
// One watcher goroutine runs per chain; each serializes its own cursor
// advancement and defers to the projection store's own per-intent_id
// locking for concurrent writes.
package coordinatorcore

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/intentbridge/core/pkg/chainadapter"
	"github.com/intentbridge/core/pkg/cursorstore"
	"github.com/intentbridge/core/pkg/projection"
)

// Config wires a Coordinator instance together.
type Config struct {
	// HubChain is the chain hosting Intent lifecycle events.
	HubChain chainadapter.ChainID
	// ConnectedChains lists every chain hosting Escrow lifecycle events.
	ConnectedChains []chainadapter.ChainID

	Adapters map[chainadapter.ChainID]chainadapter.Adapter
	Cursors  *cursorstore.Store
	Store    projection.ProjectionStore

	PollInterval time.Duration
	Logger       *log.Logger
}

type Coordinator struct {
	cfg    Config
	logger *log.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Coordinator] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Coordinator{cfg: cfg, logger: cfg.Logger}, nil
}

// Run starts one watcher per watched chain (hub plus every connected
// chain) and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	chains := append([]chainadapter.ChainID{c.cfg.HubChain}, c.cfg.ConnectedChains...)
	done := make(chan struct{}, len(chains))
	for _, chain := range chains {
		go func(chain chainadapter.ChainID) {
			c.watch(ctx, chain)
			done <- struct{}{}
		}(chain)
	}
	for range chains {
		<-done
	}
}

const windowFallback = 2000

func (c *Coordinator) watch(ctx context.Context, chain chainadapter.ChainID) {
	adapter, ok := c.cfg.Adapters[chain]
	if !ok {
		c.logger.Printf("no adapter configured for chain %d, watcher exiting", chain)
		return
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.scanOnce(ctx, chain, adapter); err != nil {
				c.logger.Printf("chain %d: scan error: %v", chain, err)
			}
		}
	}
}

func (c *Coordinator) lifecycleKinds(chain chainadapter.ChainID) []chainadapter.EventKind {
	if chain == c.cfg.HubChain {
		return []chainadapter.EventKind{
			chainadapter.EventIntentCreated,
			chainadapter.EventIntentFulfilled,
			chainadapter.EventIntentCancelled,
		}
	}
	return []chainadapter.EventKind{
		chainadapter.EventIntentRequirementsReceived,
		chainadapter.EventEscrowCreated,
		chainadapter.EventEscrowReleased,
	}
}

func (c *Coordinator) scanOnce(ctx context.Context, chain chainadapter.ChainID, adapter chainadapter.Adapter) error {
	tip, err := adapter.Tip(ctx)
	if err != nil {
		return err
	}

	cursor, getErr := c.cfg.Cursors.Get(chain, cursorstore.DirectionLifecycle)
	var fromBlock uint64
	cursorExists := getErr == nil
	if getErr != nil {
		if getErr != cursorstore.ErrNotFound {
			return getErr
		}
	} else {
		fromBlock = cursor.Position.Block + 1
	}

	if cursorExists && len(cursor.LastEventKey) > 0 {
		reobserved, err := adapter.PollEvents(ctx, cursor.Position.Block, cursor.Position.Block, c.lifecycleKinds(chain))
		if err != nil {
			return fmt.Errorf("reorg check poll_events(%d,%d): %w", cursor.Position.Block, cursor.Position.Block, err)
		}
		if key := chainadapter.BatchKey(reobserved, cursor.Position.Block); !bytes.Equal(key, cursor.LastEventKey) {
			c.logger.Printf("ALARM: chain %d block %d disagrees with its previously recorded event key, refusing to advance cursor — operator action required", chain, cursor.Position.Block)
			return fmt.Errorf("reorg detected: chain %d block %d no longer matches its recorded event key", chain, cursor.Position.Block)
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

	events, err := adapter.PollEvents(ctx, fromBlock, toBlock, c.lifecycleKinds(chain))
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := c.apply(chain, ev); err != nil {
			c.logger.Printf("chain %d: dropping event %s at block %d: %v", chain, ev.Kind, ev.Position.Block, err)
		}
	}

	expected := chainadapter.EventPosition{}
	if cursorExists {
		expected = cursor.Position
	}
	next := chainadapter.EventPosition{Block: toBlock}
	nextKey := chainadapter.BatchKey(events, toBlock)
	return c.cfg.Cursors.CompareAndSwap(chain, cursorstore.DirectionLifecycle, expected, next, nextKey)
}

// apply folds one observed lifecycle event into the projection store per
// its kind.
func (c *Coordinator) apply(chain chainadapter.ChainID, ev chainadapter.TypedEvent) error {
	switch ev.Kind {
	case chainadapter.EventIntentCreated:
		return c.cfg.Store.UpsertIntentCreated(projection.Intent{
			IntentID:        ev.IntentID,
			HubChain:        c.cfg.HubChain,
			Flow:            projection.Flow(ev.Flow),
			RequestedAmount: ev.RequestedAmount,
			RequestedToken:  ev.RequestedToken,
			DesiredAmount:   ev.DesiredAmount,
			DesiredToken:    ev.DesiredToken,
			ConnectedChain:  ev.ConnectedChain,
			Solver:          ev.Solver,
			Requester:       ev.Requester,
			Expiry:          time.Unix(int64(ev.Expiry), 0),
			CreatedAt:       time.Now(),
		})

	case chainadapter.EventIntentFulfilled:
		return c.cfg.Store.TransitionIntentState(ev.IntentID, projection.HubFulfilled)

	case chainadapter.EventIntentCancelled:
		return c.cfg.Store.TransitionIntentState(ev.IntentID, projection.HubCancelled)

	case chainadapter.EventIntentRequirementsReceived:
		return c.cfg.Store.MarkReadyOnConnected(ev.IntentID, ev.Position.Block)

	case chainadapter.EventEscrowCreated:
		return c.cfg.Store.TransitionEscrowCreated(projection.Escrow{
			IntentID:    ev.IntentID,
			EscrowChain: chain,
			Amount:      ev.EscrowAmount,
			Token:       ev.EscrowToken,
			Creator:     ev.EscrowCreator,
			CreatedAt:   time.Now(),
		})

	case chainadapter.EventEscrowReleased:
		return c.cfg.Store.TransitionEscrowState(ev.IntentID, projection.EscrowReleased)

	default:
		return nil
	}
}
