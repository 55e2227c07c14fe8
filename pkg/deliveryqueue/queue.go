// Copyright 2025 Certen Protocol
//
// Delivery Queue - one FIFO per source chain, idempotent enqueue keyed on
// (src_chain, intent_id, discriminator) so a re-observed event never
// double-delivers. A single collector accepts work and a pool of workers
// drains it, giving each source chain independent forward progress.
package deliveryqueue

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/intentbridge/core/pkg/chainadapter"
	"github.com/intentbridge/core/pkg/wire"
)

// DedupKey identifies one logical delivery obligation. Re-enqueueing the
// same key is a no-op: the relay's watcher may observe the same source
// event more than once (restart, reorg-safe re-scan) without producing a
// duplicate delivery attempt.
type DedupKey struct {
	SrcChain      chainadapter.ChainID
	IntentID      [32]byte
	Discriminator wire.Discriminator
}

// Item is one pending delivery.
type Item struct {
	Key        DedupKey
	SrcAddr    chainadapter.RemoteAddress
	DstChain   chainadapter.ChainID
	DstAddr    chainadapter.RemoteAddress
	Payload    []byte
	Nonce      uint64
	EnqueuedAt time.Time
	Attempts   int
}

// Queue holds one FIFO list per source chain plus a cross-chain dedup
// index. Safe for concurrent Enqueue/Dequeue from multiple goroutines.
//
// Dequeue is exclusive per source chain: once a worker has dequeued an item
// from a given chain, that chain is "busy" and no other worker may dequeue
// from it until the first worker calls Done. This is what gives strict
// per-(chain-pair) ordering under Workers>1 — without it, two workers could
// race two items from the same source chain through delivery concurrently
// and land them out of order at the destination.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lists  map[chainadapter.ChainID]*list.List
	seen   map[DedupKey]struct{}
	busy   map[chainadapter.ChainID]bool
	closed bool
}

func New() *Queue {
	q := &Queue{
		lists: make(map[chainadapter.ChainID]*list.List),
		seen:  make(map[DedupKey]struct{}),
		busy:  make(map[chainadapter.ChainID]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds item to its source chain's FIFO unless its dedup key has
// already been enqueued (ever, for the lifetime of this Queue instance —
// durable dedup across restarts is the cursor store's job, not this
// queue's). Returns true if the item was newly enqueued.
func (q *Queue) Enqueue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.seen[item.Key]; dup {
		return false
	}
	q.seen[item.Key] = struct{}{}

	l, ok := q.lists[item.Key.SrcChain]
	if !ok {
		l = list.New()
		q.lists[item.Key.SrcChain] = l
	}
	item.EnqueuedAt = time.Now()
	l.PushBack(item)
	q.cond.Broadcast()
	return true
}

// Dequeue blocks until an item is available on some non-busy source chain's
// FIFO, or the queue is closed (returns ok=false). FIFO order is preserved
// within a single source chain; no ordering guarantee holds across source
// chains. The returned item's source chain becomes busy until the caller
// calls Done for that chain — callers MUST call Done exactly once per
// successful Dequeue, on every terminal outcome, or that chain's queue
// starves permanently.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for chain, l := range q.lists {
			if q.busy[chain] {
				continue
			}
			if l.Len() > 0 {
				front := l.Front()
				l.Remove(front)
				q.busy[chain] = true
				return front.Value.(Item), true
			}
		}
		if q.closed {
			return Item{}, false
		}
		q.cond.Wait()
	}
}

// Done releases the busy flag on chain, set by a prior Dequeue, letting
// another worker dequeue that chain's next pending item (or letting the
// same worker's own requeued retry through on its next Dequeue). Must be
// called exactly once per Dequeue, after the item reaches a terminal state.
func (q *Queue) Done(chain chainadapter.ChainID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, chain)
	q.cond.Broadcast()
}

// Requeue pushes item back to the FRONT of its source chain's FIFO,
// preserving relative order against other pending items from the same
// source, and increments its attempt counter. The worker pool calls it
// when its context is cancelled while an item is still between retries;
// retries themselves run inside the worker without requeueing.
func (q *Queue) Requeue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.Attempts++
	l, ok := q.lists[item.Key.SrcChain]
	if !ok {
		l = list.New()
		q.lists[item.Key.SrcChain] = l
	}
	l.PushFront(item)
	q.cond.Broadcast()
}

// Forget removes a dedup key so the item can be enqueued again — used
// after a permanent rejection the caller has decided to alarm-and-drop
// rather than retry forever.
func (q *Queue) Forget(key DedupKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.seen, key)
}

// Depth returns the number of pending items across all source chains.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lists {
		n += l.Len()
	}
	return n
}

// DepthByChain returns the pending count for a single source chain.
func (q *Queue) DepthByChain(chain chainadapter.ChainID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lists[chain]
	if !ok {
		return 0
	}
	return l.Len()
}

// Close unblocks all Dequeue callers; no further items may be enqueued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%d/%x/%d", k.SrcChain, k.IntentID, k.Discriminator)
}
