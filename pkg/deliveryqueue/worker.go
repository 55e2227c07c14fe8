// Copyright 2025 Certen Protocol
package deliveryqueue

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/intentbridge/core/pkg/chainadapter"
)

// Deliverer is the capability a worker needs against a single destination
// chain: submit and trust-check. Satisfied by chainadapter.Adapter plus a
// trust.Cache lookup composed at the relay core level.
type Deliverer interface {
	Deliver(ctx context.Context, dstAddr chainadapter.RemoteAddress, payload []byte, nonce uint64, hint chainadapter.TrustHint) (chainadapter.DeliveryOutcome, error)
}

// TrustChecker reports whether a (dst_chain, src_chain, src_addr) triple is
// currently admissible, so a worker can skip a hopeless delivery without
// spending a round trip.
type TrustChecker interface {
	IsAllowed(dstChain, srcChain chainadapter.ChainID, srcAddr chainadapter.RemoteAddress) bool
}

// Alarmer receives a structured notice when an item is permanently dropped
// or exceeds the retry budget.
type Alarmer interface {
	Raise(kind, detail string, item interface{})
}

// Backoff computes the delay before retry attempt n (1-indexed): base
// 500ms, factor 2, cap 30s, +-20% jitter.
func Backoff(attempt int) time.Duration {
	base := 500 * time.Millisecond
	capped := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > capped {
		d = capped
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // +-20%
	return time.Duration(float64(d) * jitter)
}

// WorkerPoolConfig configures retry and resolver behavior.
type WorkerPoolConfig struct {
	Workers     int
	MaxAttempts int // 0 means unbounded (retry forever on transport errors)
	Resolve     func(dstChain chainadapter.ChainID) (Deliverer, bool)
	Trust       TrustChecker
	Alarm       Alarmer
	Logger      *log.Logger

	// Durable, if set, is notified when an item reaches a terminal state
	// (delivered, permanently rejected, abandoned, or max-attempts
	// exceeded) so the relay's crash-recovery log can forget it. Nil means
	// no durable tracking (tests, or a deployment accepting the exposure).
	Durable *DurableStore
}

// WorkerPool drains a Queue with a fixed number of concurrent workers,
// each handling one item to completion (including retries) before pulling
// the next — so a slow/stuck destination chain never blocks a different
// chain's deliveries as long as another worker is free.
type WorkerPool struct {
	queue  *Queue
	cfg    WorkerPoolConfig
	logger *log.Logger
}

func NewWorkerPool(queue *Queue, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[DeliveryQueue] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &WorkerPool{queue: queue, cfg: cfg, logger: logger}
}

// Run starts cfg.Workers goroutines and blocks until ctx is cancelled.
func (p *WorkerPool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.cfg.Workers; i++ {
		go func(id int) {
			p.runWorker(ctx, id)
			done <- struct{}{}
		}(i)
	}
	<-ctx.Done()
	p.queue.Close()
	for i := 0; i < p.cfg.Workers; i++ {
		<-done
	}
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	for {
		item, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		p.drive(ctx, item)
		if ctx.Err() != nil {
			return
		}
	}
}

// drive owns one item for its entire lifecycle, including every retry: the
// chain it belongs to stays busy (see Queue.Dequeue) for as long as drive is
// looping, so no other worker can race a later item from the same source
// chain ahead of this one. Only a clean process shutdown hands the item
// back to the queue mid-retry, via Requeue, for a future process to pick up.
func (p *WorkerPool) drive(ctx context.Context, item Item) {
	defer p.queue.Done(item.Key.SrcChain)

	for {
		terminal := p.handle(ctx, &item)
		if terminal {
			return
		}
		delay := Backoff(item.Attempts)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			p.queue.Requeue(item)
			return
		}
	}
}

// handle attempts one delivery of item and reports whether the item has
// reached a terminal state (delivered, permanently rejected, abandoned, or
// max-attempts exceeded). A false return means the caller should back off
// and try handle again; item.Attempts has already been incremented.
func (p *WorkerPool) handle(ctx context.Context, item *Item) bool {
	if p.cfg.Resolve == nil {
		p.logger.Printf("no resolver configured, dropping %s", item.Key)
		p.complete(item.Key)
		p.raiseAlarm("no_adapter_configured", *item)
		return true
	}
	deliverer, ok := p.cfg.Resolve(item.DstChain)
	if !ok {
		p.logger.Printf("no adapter configured for destination chain %d, dropping %s", item.DstChain, item.Key)
		p.complete(item.Key)
		p.raiseAlarm("no_adapter_configured", *item)
		return true
	}

	hint := chainadapter.TrustHint{Allowed: true}
	if p.cfg.Trust != nil {
		hint.Allowed = p.cfg.Trust.IsAllowed(item.DstChain, item.Key.SrcChain, item.SrcAddr)
		if !hint.Allowed {
			if refresher, ok := p.cfg.Trust.(interface {
				RefreshOne(ctx context.Context, dstChain chainadapter.ChainID) error
			}); ok {
				if err := refresher.RefreshOne(ctx, item.DstChain); err != nil {
					p.logger.Printf("trust refresh for destination %d failed: %v", item.DstChain, err)
				}
				hint.Allowed = p.cfg.Trust.IsAllowed(item.DstChain, item.Key.SrcChain, item.SrcAddr)
			}
		}
		if !hint.Allowed {
			p.logger.Printf("abandoning %s: source remains untrusted by destination %d after refresh", item.Key, item.DstChain)
			p.queue.Forget(item.Key)
			p.complete(item.Key)
			p.raiseAlarm("untrusted_remote", *item)
			return true
		}
	}

	outcome, err := deliverer.Deliver(ctx, item.DstAddr, item.Payload, item.Nonce, hint)
	if err == nil {
		if outcome.RejectedKnown {
			// Already delivered or equivalent known-terminal outcome: treat
			// as success, the obligation is satisfied either way.
			p.logger.Printf("delivery for %s resolved as %s, treating as complete", item.Key, outcome.Reason)
			p.complete(item.Key)
			return true
		}
		p.logger.Printf("delivered %s to chain %d (tx %s)", item.Key, item.DstChain, outcome.TxID)
		p.complete(item.Key)
		return true
	}

	if chainadapter.IsRetryable(err) {
		if p.cfg.MaxAttempts > 0 && item.Attempts+1 >= p.cfg.MaxAttempts {
			p.logger.Printf("delivery for %s exceeded max attempts (%d), dropping: %v", item.Key, p.cfg.MaxAttempts, err)
			p.queue.Forget(item.Key)
			p.complete(item.Key)
			p.raiseAlarm("undelivered_retry_budget_exceeded", *item)
			return true
		}
		item.Attempts++
		p.logger.Printf("transient delivery failure for %s (attempt %d): %v, retrying", item.Key, item.Attempts, err)
		return false
	}

	// Permanent rejection: never retried.
	p.logger.Printf("permanent delivery rejection for %s: %v", item.Key, err)
	p.queue.Forget(item.Key)
	p.complete(item.Key)
	p.raiseAlarm("permanent_rejection", *item)
	return true
}

// complete notifies the durable store, when configured, that key has
// reached a terminal state and no longer needs crash-recovery replay.
func (p *WorkerPool) complete(key DedupKey) {
	if p.cfg.Durable != nil {
		if err := p.cfg.Durable.Forget(key); err != nil {
			p.logger.Printf("durable store: forget %s: %v", key, err)
		}
	}
}

func (p *WorkerPool) raiseAlarm(kind string, item Item) {
	if p.cfg.Alarm != nil {
		p.cfg.Alarm.Raise(kind, item.Key.String(), item)
	}
}
