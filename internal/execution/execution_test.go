package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fastRetryPolicy = RetryPolicy{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxRetries: 5}

func alwaysRetryable(error) bool { return true }
func neverRetryable(error) bool  { return false }

func TestReadReturnsResultOnSuccess(t *testing.T) {
	s := New(2, 2, alwaysRetryable, fastRetryPolicy, zap.NewNop())
	result, err := s.Read(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestReadRetriesRetryableErrorsThenSucceeds(t *testing.T) {
	s := New(2, 2, alwaysRetryable, fastRetryPolicy, zap.NewNop())
	var calls int32
	result, err := s.Read(context.Background(), func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestReadSurfacesStorageUnavailableWhenRetriesExhausted(t *testing.T) {
	s := New(2, 2, alwaysRetryable, fastRetryPolicy, zap.NewNop())
	_, err := s.Read(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("still down")
	})
	require.Error(t, err)
}

func TestReadDoesNotRetryNonRetryableErrors(t *testing.T) {
	s := New(2, 2, neverRetryable, fastRetryPolicy, zap.NewNop())
	var calls int32
	_, err := s.Read(context.Background(), func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWriteSyncRunsWriteUnderSemaphore(t *testing.T) {
	s := New(2, 1, alwaysRetryable, fastRetryPolicy, zap.NewNop())
	var ran bool
	err := s.WriteSync(context.Background(), 1, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWriteAsyncThenFinishWritesReportsSuccess(t *testing.T) {
	s := New(2, 2, alwaysRetryable, fastRetryPolicy, zap.NewNop())
	s.WriteAsync(context.Background(), 7, func(ctx context.Context) error { return nil })
	assert.True(t, s.FinishWrites(7))
}

func TestWriteAsyncPermanentFailurePropagatesToFinishWrites(t *testing.T) {
	s := New(2, 2, neverRetryable, fastRetryPolicy, zap.NewNop())
	s.WriteAsync(context.Background(), 3, func(ctx context.Context) error {
		return errors.New("disk full")
	})
	assert.False(t, s.FinishWrites(3))
}

func TestFinishWritesOnUnknownPartitionIsNoOp(t *testing.T) {
	s := New(2, 2, alwaysRetryable, fastRetryPolicy, zap.NewNop())
	assert.True(t, s.FinishWrites(999))
}
