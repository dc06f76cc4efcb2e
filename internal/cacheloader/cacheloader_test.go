package cacheloader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/peer"
	"github.com/xrplf/clio-go/internal/store/cache"
)

type fakeSource struct {
	batches [][]peer.ObjectDiff
}

func (f *fakeSource) LoadInitialLedger(ctx context.Context, seq uint32, numMarkers int) ([][]peer.ObjectDiff, error) {
	return f.batches, nil
}

func TestLoadSyncPopulatesCacheBeforeReturning(t *testing.T) {
	src := &fakeSource{batches: [][]peer.ObjectDiff{
		{{Key: [32]byte{1}, Blob: []byte("a")}},
		{{Key: [32]byte{2}, Blob: []byte("b")}},
	}}
	c := cache.New()
	l := New(src, c, 2, zap.NewNop())

	err := l.Load(context.Background(), StyleSync, 100)
	require.NoError(t, err)

	blob, ok := c.Get([32]byte{1}, 100)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), blob)
}

func TestLoadAsyncReturnsImmediately(t *testing.T) {
	src := &fakeSource{batches: [][]peer.ObjectDiff{{{Key: [32]byte{9}, Blob: []byte("z")}}}}
	c := cache.New()
	l := New(src, c, 1, zap.NewNop())

	start := time.Now()
	err := l.Load(context.Background(), StyleAsync, 5)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := c.Get([32]byte{9}, 5)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestLoadNoneSkips(t *testing.T) {
	src := &fakeSource{}
	c := cache.New()
	l := New(src, c, 1, zap.NewNop())
	err := l.Load(context.Background(), StyleNone, 1)
	require.NoError(t, err)
}
