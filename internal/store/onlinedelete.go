package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// OnlineDeleteLoop wakes periodically and, if the persisted range exceeds
// keepLedgers, deletes rows below max_sequence-keepLedgers and advances
// min_sequence. It acts only on the writer leader: each sweep checks
// isLeader and does nothing while it returns false.
type OnlineDeleteLoop struct {
	facade      *Facade
	keepLedgers uint32
	interval    time.Duration
	isLeader    func() bool
	log         *zap.Logger
}

// NewOnlineDeleteLoop builds a loop that reclaims below keepLedgers,
// waking every interval, only while isLeader() is true.
func NewOnlineDeleteLoop(facade *Facade, keepLedgers uint32, interval time.Duration, isLeader func() bool, log *zap.Logger) *OnlineDeleteLoop {
	return &OnlineDeleteLoop{facade: facade, keepLedgers: keepLedgers, interval: interval, isLeader: isLeader, log: log}
}

// Run blocks until ctx is cancelled, sweeping at each tick.
func (l *OnlineDeleteLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *OnlineDeleteLoop) sweep(ctx context.Context) {
	if !l.isLeader() {
		return
	}
	rng, err := l.facade.FetchLedgerRange(ctx)
	if err != nil || rng == nil {
		return
	}
	if rng.MaxSequence-rng.MinSequence <= l.keepLedgers {
		return
	}
	floor := rng.MaxSequence - l.keepLedgers
	if err := l.facade.backend.DeleteBelow(ctx, floor); err != nil {
		l.log.Error("online delete failed", zap.Uint32("floor", floor), zap.Error(err))
		return
	}
	l.facade.SetMinSequence(floor)
	l.log.Info("online delete advanced min_sequence", zap.Uint32("floor", floor))
}
