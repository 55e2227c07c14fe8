// Copyright 2025 Certen Protocol
//
// Package trust caches, per destination chain, the set of admissible
// (src_chain, src_addr) pairs, refreshed from the destination's on-chain
// allowlist view call. The allowlist is a set rather than a scalar remote
// address: a destination may admit more than one (chain, address) pair per
// source chain during a migration window.
package trust

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/intentbridge/core/pkg/chainadapter"
)

// remoteKey is the cache's internal comparable key for one admissible pair.
type remoteKey struct {
	SrcChain chainadapter.ChainID
	SrcAddr  chainadapter.RemoteAddress
}

// Adapter is the subset of chainadapter.Adapter the cache needs to refresh
// a destination's allowlist.
type Adapter interface {
	ViewTrustedRemotes(ctx context.Context, srcChain chainadapter.ChainID) ([]chainadapter.RemoteAddress, error)
}

// Cache holds the refreshed allowlists for the set of destination chains
// this process is configured to deliver to.
type Cache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	allowed  map[chainadapter.ChainID]map[remoteKey]struct{}
	refresh  map[chainadapter.ChainID]time.Time
	adapters map[chainadapter.ChainID]Adapter
	sources  map[chainadapter.ChainID][]chainadapter.ChainID // dst -> src chains to query
	now      func() time.Time
}

// NewCache builds a trust cache. sources maps each destination chain to
// the source chains a Relay instance is configured to forward from, so
// Refresh only issues the view calls this deployment actually needs.
func NewCache(ttl time.Duration, adapters map[chainadapter.ChainID]Adapter, sources map[chainadapter.ChainID][]chainadapter.ChainID) *Cache {
	return &Cache{
		ttl:      ttl,
		allowed:  make(map[chainadapter.ChainID]map[remoteKey]struct{}),
		refresh:  make(map[chainadapter.ChainID]time.Time),
		adapters: adapters,
		sources:  sources,
		now:      time.Now,
	}
}

// IsAllowed reports whether (srcChain, srcAddr) is currently in dstChain's
// cached allowlist. Callers needing a fresh view after a cache miss should
// call RefreshOne first.
func (c *Cache) IsAllowed(dstChain, srcChain chainadapter.ChainID, srcAddr chainadapter.RemoteAddress) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.allowed[dstChain]
	if !ok {
		return false
	}
	_, ok = set[remoteKey{SrcChain: srcChain, SrcAddr: srcAddr}]
	return ok
}

// Stale reports whether dstChain's allowlist has not been refreshed within
// the configured TTL (or has never been refreshed).
func (c *Cache) Stale(dstChain chainadapter.ChainID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.refresh[dstChain]
	if !ok {
		return true
	}
	return c.now().Sub(last) > c.ttl
}

// RefreshAll re-reads every configured destination's allowlist. The relay
// calls it once at startup; a transport failure for one destination does not
// block refreshing the others, and the stale cache for a failed
// destination is kept (fail safe: do not start admitting everything on a
// view-call error).
func (c *Cache) RefreshAll(ctx context.Context) error {
	var errs []error
	for dst := range c.adapters {
		if err := c.RefreshOne(ctx, dst); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("trust: %d of %d destination refreshes failed: %w", len(errs), len(c.adapters), errs[0])
	}
	return nil
}

// RefreshOne re-reads a single destination's allowlist for every source
// chain it is configured to accept from.
func (c *Cache) RefreshOne(ctx context.Context, dstChain chainadapter.ChainID) error {
	adapter, ok := c.adapters[dstChain]
	if !ok {
		return fmt.Errorf("trust: no adapter configured for destination chain %d", dstChain)
	}

	set := make(map[remoteKey]struct{})
	for _, srcChain := range c.sources[dstChain] {
		remotes, err := adapter.ViewTrustedRemotes(ctx, srcChain)
		if err != nil {
			return fmt.Errorf("trust: refresh chain %d allowlist for source %d: %w", dstChain, srcChain, err)
		}
		for _, addr := range remotes {
			set[remoteKey{SrcChain: srcChain, SrcAddr: addr}] = struct{}{}
		}
	}

	c.mu.Lock()
	c.allowed[dstChain] = set
	c.refresh[dstChain] = c.now()
	c.mu.Unlock()
	return nil
}

// Size returns the number of admissible pairs currently cached for
// dstChain, for metrics/diagnostics.
func (c *Cache) Size(dstChain chainadapter.ChainID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.allowed[dstChain])
}
