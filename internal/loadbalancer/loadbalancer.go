// Package loadbalancer implements component F: the ordered peer pool that
// extractors draw from for fetchLedger/loadInitialLedger, and the
// forwarding path that RPC (J) uses to proxy unsupported or
// still-catching-up methods to an upstream peer (§4.5).
package loadbalancer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xrplf/clio-go/internal/clioerr"
	"github.com/xrplf/clio-go/internal/peer"
)

// Source is the narrow peer surface the balancer needs; satisfied by
// *peer.Peer.
type Source interface {
	State() peer.State
	ForwardingEligible() bool
	LastFailure() time.Time
	FetchLedger(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool) (*peer.FetchResult, error)
	LoadInitialLedger(ctx context.Context, seq uint32, numMarkers int) ([][]peer.ObjectDiff, error)
	ForwardToPeer(ctx context.Context, req map[string]any) (map[string]any, error)
}

// Balancer orders a fixed peer set by least-recently-failed and fronts
// forwarding with a singleflight-collapsed TTL cache, so a burst of
// identical forwarded requests (e.g. many clients polling the same
// still-validating ledger) hits the peer once.
type Balancer struct {
	peers []Source

	fwdGroup singleflight.Group
	fwdTTL   time.Duration

	mu       sync.Mutex
	fwdCache map[string]fwdEntry
}

type fwdEntry struct {
	resp    map[string]any
	expires time.Time
}

// New builds a Balancer over peers, caching forwarded responses for ttl.
func New(peers []Source, ttl time.Duration) *Balancer {
	return &Balancer{peers: peers, fwdTTL: ttl, fwdCache: make(map[string]fwdEntry)}
}

// ordered returns peers sorted by ascending LastFailure (zero value, i.e.
// never failed, sorts first), the least-recently-failed ordering of §4.5.
func (b *Balancer) ordered() []Source {
	out := make([]Source, len(b.peers))
	copy(out, b.peers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastFailure().Before(out[j].LastFailure())
	})
	return out
}

// FetchLedger tries peers in least-recently-failed order until one
// succeeds, returning NoPeers if every attempt errors.
func (b *Balancer) FetchLedger(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool) (*peer.FetchResult, error) {
	var lastErr error
	for _, p := range b.ordered() {
		if p.State() == peer.StateDisconnected {
			continue
		}
		res, err := p.FetchLedger(ctx, seq, getObjects, getObjectNeighbors)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no peers available")
	}
	return nil, clioerr.Wrap(clioerr.KindNoPeers, fmt.Sprintf("fetchLedger(%d) failed on every peer", seq), lastErr)
}

// LoadInitialLedger delegates to the first peer able to accept the full
// cursored scan (only one peer performs the initial load at a time).
func (b *Balancer) LoadInitialLedger(ctx context.Context, seq uint32, numMarkers int) ([][]peer.ObjectDiff, error) {
	var lastErr error
	for _, p := range b.ordered() {
		if p.State() == peer.StateDisconnected {
			continue
		}
		diffs, err := p.LoadInitialLedger(ctx, seq, numMarkers)
		if err == nil {
			return diffs, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no peers available")
	}
	return nil, clioerr.Wrap(clioerr.KindNoPeers, "loadInitialLedger failed on every peer", lastErr)
}

// ForwardRequest proxies req to a forwarding-eligible peer, collapsing
// concurrent identical requests (same cacheKey) into one upstream call and
// serving repeats from a short TTL cache.
func (b *Balancer) ForwardRequest(ctx context.Context, cacheKey string, req map[string]any) (map[string]any, bool, error) {
	if resp, ok := b.cacheGet(cacheKey); ok {
		return resp, true, nil
	}

	result, err, _ := b.fwdGroup.Do(cacheKey, func() (any, error) {
		for _, p := range b.ordered() {
			if !p.ForwardingEligible() {
				continue
			}
			resp, err := p.ForwardToPeer(ctx, req)
			if err == nil {
				b.cachePut(cacheKey, resp)
				return resp, nil
			}
		}
		return nil, clioerr.New(clioerr.KindNoPeers, "no forwarding-eligible peer")
	})
	if err != nil {
		return nil, false, err
	}
	return result.(map[string]any), false, nil
}

func (b *Balancer) cacheGet(key string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.fwdCache[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.resp, true
}

func (b *Balancer) cachePut(key string, resp map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fwdCache[key] = fwdEntry{resp: resp, expires: time.Now().Add(b.fwdTTL)}
}

// HasForwardingEligiblePeer reports whether any peer is currently
// Subscribed with a matching network id, used by RPC (J) to decide
// whether forwarding is even worth attempting.
func (b *Balancer) HasForwardingEligiblePeer() bool {
	for _, p := range b.peers {
		if p.ForwardingEligible() {
			return true
		}
	}
	return false
}
