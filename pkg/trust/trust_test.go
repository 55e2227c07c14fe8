package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/intentbridge/core/pkg/chainadapter"
)

type fakeAdapter struct {
	remotes map[chainadapter.ChainID][]chainadapter.RemoteAddress
	err     error
}

func (f *fakeAdapter) ViewTrustedRemotes(ctx context.Context, srcChain chainadapter.ChainID) ([]chainadapter.RemoteAddress, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.remotes[srcChain], nil
}

func addr(b byte) chainadapter.RemoteAddress {
	var a chainadapter.RemoteAddress
	a[31] = b
	return a
}

func TestRefreshOnePopulatesAllowlist(t *testing.T) {
	dst := chainadapter.ChainID(100)
	src := chainadapter.ChainID(1)
	a := &fakeAdapter{remotes: map[chainadapter.ChainID][]chainadapter.RemoteAddress{src: {addr(1), addr(2)}}}
	c := NewCache(time.Minute, map[chainadapter.ChainID]Adapter{dst: a}, map[chainadapter.ChainID][]chainadapter.ChainID{dst: {src}})

	if err := c.RefreshOne(context.Background(), dst); err != nil {
		t.Fatalf("RefreshOne: %v", err)
	}
	if !c.IsAllowed(dst, src, addr(1)) {
		t.Errorf("expected addr(1) to be allowed")
	}
	if !c.IsAllowed(dst, src, addr(2)) {
		t.Errorf("expected addr(2) to be allowed")
	}
	if c.IsAllowed(dst, src, addr(3)) {
		t.Errorf("expected addr(3) to be rejected")
	}
	if got := c.Size(dst); got != 2 {
		t.Errorf("Size(dst) = %d, want 2", got)
	}
}

func TestIsAllowedFalseBeforeRefresh(t *testing.T) {
	dst := chainadapter.ChainID(100)
	c := NewCache(time.Minute, map[chainadapter.ChainID]Adapter{}, map[chainadapter.ChainID][]chainadapter.ChainID{})
	if c.IsAllowed(dst, 1, addr(1)) {
		t.Errorf("expected IsAllowed to be false before any refresh")
	}
}

func TestStaleBeforeAndAfterRefresh(t *testing.T) {
	dst := chainadapter.ChainID(1)
	a := &fakeAdapter{remotes: map[chainadapter.ChainID][]chainadapter.RemoteAddress{}}
	c := NewCache(time.Minute, map[chainadapter.ChainID]Adapter{dst: a}, map[chainadapter.ChainID][]chainadapter.ChainID{dst: {}})

	if !c.Stale(dst) {
		t.Errorf("expected Stale to be true before any refresh")
	}
	if err := c.RefreshOne(context.Background(), dst); err != nil {
		t.Fatalf("RefreshOne: %v", err)
	}
	if c.Stale(dst) {
		t.Errorf("expected Stale to be false after refresh")
	}
}

func TestRefreshFailureKeepsPriorAllowlist(t *testing.T) {
	dst := chainadapter.ChainID(1)
	src := chainadapter.ChainID(2)
	a := &fakeAdapter{remotes: map[chainadapter.ChainID][]chainadapter.RemoteAddress{src: {addr(9)}}}
	c := NewCache(time.Minute, map[chainadapter.ChainID]Adapter{dst: a}, map[chainadapter.ChainID][]chainadapter.ChainID{dst: {src}})
	if err := c.RefreshOne(context.Background(), dst); err != nil {
		t.Fatalf("RefreshOne: %v", err)
	}
	if !c.IsAllowed(dst, src, addr(9)) {
		t.Fatalf("expected addr(9) to be allowed before the failing refresh")
	}

	a.err = errors.New("rpc down")
	if err := c.RefreshOne(context.Background(), dst); err == nil {
		t.Errorf("expected RefreshOne to return an error")
	}
	if !c.IsAllowed(dst, src, addr(9)) {
		t.Errorf("a failed refresh must not clear the previously cached allowlist")
	}
}

func TestRefreshAllContinuesPastOneFailure(t *testing.T) {
	dstOK := chainadapter.ChainID(1)
	dstFail := chainadapter.ChainID(2)
	src := chainadapter.ChainID(9)
	okAdapter := &fakeAdapter{remotes: map[chainadapter.ChainID][]chainadapter.RemoteAddress{src: {addr(1)}}}
	failAdapter := &fakeAdapter{err: errors.New("boom")}
	c := NewCache(time.Minute,
		map[chainadapter.ChainID]Adapter{dstOK: okAdapter, dstFail: failAdapter},
		map[chainadapter.ChainID][]chainadapter.ChainID{dstOK: {src}, dstFail: {src}},
	)

	if err := c.RefreshAll(context.Background()); err == nil {
		t.Errorf("expected RefreshAll to report the failing destination's error")
	}
	if !c.IsAllowed(dstOK, src, addr(1)) {
		t.Errorf("the succeeding destination must still be refreshed")
	}
}
