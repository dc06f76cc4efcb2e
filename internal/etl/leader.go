package etl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/metrics"
)

// LeaseStore is the narrow backend surface the writer-leader election
// needs: a single compare-and-set row per cluster that records the
// current lease owner and its expiry.
type LeaseStore interface {
	AcquireOrRenewLease(ctx context.Context, ownerID string, ttlSeconds int64) (ownerNow string, acquired bool, err error)
	ReleaseLease(ctx context.Context, ownerID string) error
}

// LeaderElector runs the §4.4a writer-leader protocol: one replica holds
// a backend-row lease at a time, renewing at lease/3 intervals; any
// replica that cannot acquire or renew the lease falls back to
// reader-only mode (ETL does not write, RPC still serves cached/stored
// reads).
type LeaderElector struct {
	store      LeaseStore
	ownerID    string
	leaseTTL   time.Duration
	metrics    *metrics.Metrics
	log        *zap.Logger

	isLeader atomic.Bool
}

// NewLeaderElector builds an elector with a fresh random owner id, so
// restarts of the same process never collide with a still-live lease
// held under the previous incarnation's id.
func NewLeaderElector(store LeaseStore, leaseTTL time.Duration, m *metrics.Metrics, log *zap.Logger) *LeaderElector {
	return &LeaderElector{store: store, ownerID: uuid.NewString(), leaseTTL: leaseTTL, metrics: m, log: log}
}

func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *LeaderElector) OwnerID() string {
	return e.ownerID
}

// Run attempts to acquire or renew the lease every leaseTTL/3 until ctx
// is cancelled, releasing it on a clean shutdown so the next renewal
// cycle elsewhere doesn't have to wait out a full TTL.
func (e *LeaderElector) Run(ctx context.Context) {
	interval := e.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.tryAcquire(ctx)
	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-ticker.C:
			e.tryAcquire(ctx)
		}
	}
}

func (e *LeaderElector) tryAcquire(ctx context.Context) {
	ttlSeconds := int64(e.leaseTTL.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	owner, acquired, err := e.store.AcquireOrRenewLease(ctx, e.ownerID, ttlSeconds)
	if err != nil {
		e.log.Warn("leader election: lease acquire/renew failed", zap.Error(err))
		e.setLeader(false)
		return
	}
	won := acquired && owner == e.ownerID
	e.setLeader(won)
}

func (e *LeaderElector) setLeader(v bool) {
	was := e.isLeader.Swap(v)
	if was != v {
		e.log.Info("leader election: state changed", zap.Bool("leader", v), zap.String("owner_id", e.ownerID))
	}
	if e.metrics != nil {
		if v {
			e.metrics.WriterLeader.Set(1)
		} else {
			e.metrics.WriterLeader.Set(0)
		}
	}
}

func (e *LeaderElector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.ReleaseLease(ctx, e.ownerID); err != nil {
		e.log.Warn("leader election: release failed", zap.Error(err))
	}
	e.setLeader(false)
}

// staticLeader is a fixed-answer Leader used when running a single,
// dedicated writer replica with no election configured.
type staticLeader struct {
	mu     sync.RWMutex
	leader bool
}

func NewStaticLeader(leader bool) *staticLeader {
	return &staticLeader{leader: leader}
}

func (s *staticLeader) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader
}
