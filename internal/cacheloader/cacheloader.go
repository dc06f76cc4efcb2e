// Package cacheloader implements component H: populating the in-memory
// layered cache at startup so RPC (J) doesn't fall through to the backend
// for every object of the most recent ledger while the extractor is still
// catching up. Three styles, selected by config (§4.3): sync (block
// startup until fully loaded), async (serve immediately, load in the
// background), none (skip the load; the server also disables the cache,
// so every read goes to the backend).
package cacheloader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/peer"
	"github.com/xrplf/clio-go/internal/store"
	"github.com/xrplf/clio-go/internal/store/cache"
)

type Style string

const (
	StyleSync  Style = "sync"
	StyleAsync Style = "async"
	StyleNone  Style = "none"
)

// Source is the narrow peer-pool surface the loader needs.
type Source interface {
	LoadInitialLedger(ctx context.Context, seq uint32, numMarkers int) ([][]peer.ObjectDiff, error)
}

// Loader drives the parallel cursored scan and applies it to a Cache.
type Loader struct {
	source     Source
	cache      *cache.Cache
	numMarkers int
	log        *zap.Logger
}

func New(source Source, c *cache.Cache, numMarkers int, log *zap.Logger) *Loader {
	return &Loader{source: source, cache: c, numMarkers: numMarkers, log: log}
}

// Load runs the style selected at config time. Sync blocks the caller
// until every marker's scan has landed in the cache; Async launches the
// same work in a goroutine and returns immediately; None is a no-op.
func (l *Loader) Load(ctx context.Context, style Style, seq uint32) error {
	switch style {
	case StyleNone:
		l.log.Info("cache loader: style=none, skipping initial load")
		return nil
	case StyleSync:
		return l.loadNow(ctx, seq)
	case StyleAsync:
		go func() {
			if err := l.loadNow(context.Background(), seq); err != nil {
				l.log.Error("cache loader: background load failed", zap.Error(err))
			}
		}()
		return nil
	default:
		return fmt.Errorf("cacheloader: unknown style %q", style)
	}
}

func (l *Loader) loadNow(ctx context.Context, seq uint32) error {
	l.log.Info("cache loader: starting initial load", zap.Uint32("sequence", seq), zap.Int("markers", l.numMarkers))
	batches, err := l.source.LoadInitialLedger(ctx, seq, l.numMarkers)
	if err != nil {
		return fmt.Errorf("cacheloader: loadInitialLedger: %w", err)
	}

	total := 0
	for _, batch := range batches {
		objs := make([]store.LedgerObject, 0, len(batch))
		for _, diff := range batch {
			objs = append(objs, store.LedgerObject{Key: diff.Key, Sequence: seq, Blob: diff.Blob})
		}
		l.cache.Update(objs, seq)
		total += len(objs)
	}
	l.log.Info("cache loader: initial load complete", zap.Int("objects", total))
	return nil
}
