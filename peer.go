package s2s

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// PeerRegistry maintains the cached roster of peers for one remote cluster
// and picks a peer for the next transaction (§4.3). Its mutex-guarded
// shape mirrors the teacher's RegisterScheduler: one lock around a small
// amount of shared state, no channels.
type PeerRegistry struct {
	cfg        RemoteClusterConfig
	httpClient HTTPClient
	logger     *Logger
	timeout    time.Duration

	updateInterval time.Duration

	mu          sync.Mutex
	peers       []*Peer
	lastRefresh time.Time
}

// NewPeerRegistry builds a registry for cfg. httpClient is reused to build
// one RESTClient per bootstrap URL tried during refresh().
func NewPeerRegistry(cfg RemoteClusterConfig, httpClient HTTPClient, timeout, updateInterval time.Duration, logger *Logger) *PeerRegistry {
	return &PeerRegistry{
		cfg:            cfg,
		httpClient:     httpClient,
		logger:         logger,
		timeout:        timeout,
		updateInterval: updateInterval,
	}
}

// Refresh queries bootstrap URLs in cfg.URLs, in order, until one responds,
// and replaces the roster with its peer list.
func (r *PeerRegistry) Refresh(ctx context.Context) error {
	if len(r.cfg.URLs) == 0 {
		return newError(ErrKindCouldNotLookupPeers, "no bootstrap URLs configured")
	}

	var errs *multierror.Error
	for _, base := range r.cfg.URLs {
		client := NewRESTClient(base, r.httpClient, r.cfg, r.logger)
		peers, err := client.GetPeers(ctx)
		if err != nil {
			r.logger.Warnf("peer refresh against %s failed: %v", base, err)
			errs = multierror.Append(errs, err)
			continue
		}

		r.mu.Lock()
		r.mergeFailureState(peers)
		r.peers = peers
		r.lastRefresh = time.Now()
		r.mu.Unlock()
		return nil
	}

	return wrapError(ErrKindCouldNotLookupPeers, errs.ErrorOrNil(), "all bootstrap URLs failed")
}

// mergeFailureState preserves lastFailure timestamps for peers that survive
// a refresh, keyed by normalized URL.
func (r *PeerRegistry) mergeFailureState(fresh []*Peer) {
	prior := make(map[string]int64, len(r.peers))
	for _, p := range r.peers {
		prior[p.URL] = p.lastFailure
	}
	for _, p := range fresh {
		if ts, ok := prior[p.URL]; ok {
			p.lastFailure = ts
		}
	}
}

// needsRefresh reports whether periodic refresh is due, per §4.3: "The
// registry refreshes automatically when peerUpdateInterval > 0 and the
// last refresh is older than that interval; otherwise only the initial
// refresh is performed."
func (r *PeerRegistry) needsRefresh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRefresh.IsZero() {
		return true
	}
	if r.updateInterval <= 0 {
		return false
	}
	return time.Since(r.lastRefresh) > r.updateInterval
}

// EnsureFresh refreshes the roster if Refresh has never run, or if
// periodic refresh is enabled and due.
func (r *PeerRegistry) EnsureFresh(ctx context.Context) error {
	if !r.needsRefresh() {
		return nil
	}
	return r.Refresh(ctx)
}

// Select returns the best peer to use for the next transaction: fewest
// recent failures, then least loaded, ties broken by URL for determinism.
// Peers whose lastFailure falls within PeerCooldown are excluded unless no
// other peer is eligible, in which case the one with the oldest failure is
// returned.
func (r *PeerRegistry) Select(now time.Time) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.peers) == 0 {
		return nil, newError(ErrKindCouldNotLookupPeers, "no peers known; call Refresh first")
	}

	cooldownCutoff := now.Add(-PeerCooldown).Unix()

	eligible := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.lastFailure == 0 || p.lastFailure <= cooldownCutoff {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		eligible = append(eligible, r.peers...)
		sort.Slice(eligible, func(i, j int) bool {
			return peerLess(eligible[i], eligible[j])
		})
		// Oldest failure (smallest non-zero lastFailure) is chosen; a
		// zero lastFailure can't occur here since that peer would have
		// been eligible above.
		return eligible[0], nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		return peerLess(eligible[i], eligible[j])
	})
	return eligible[0], nil
}

// peerLess implements the §4.3 ordering: (lastFailure, flowFileCount)
// lexicographic, ties broken by URL string order.
func peerLess(a, b *Peer) bool {
	if a.lastFailure != b.lastFailure {
		return a.lastFailure < b.lastFailure
	}
	if a.FlowFileCount != b.FlowFileCount {
		return a.FlowFileCount < b.FlowFileCount
	}
	return a.URL < b.URL
}

// MarkFailure records now as peer's last failure time.
func (r *PeerRegistry) MarkFailure(peer *Peer, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer.MarkFailure(now)
}

// ClearFailure resets peer's failure state after a successful transaction.
func (r *PeerRegistry) ClearFailure(peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer.ClearFailure()
}

// Peers returns a snapshot of the current roster.
func (r *PeerRegistry) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, len(r.peers))
	copy(out, r.peers)
	return out
}
