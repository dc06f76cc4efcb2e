package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidatedQueueWaitForUnblocksOnPublish(t *testing.T) {
	q := NewValidatedQueue()
	done := make(chan error, 1)
	go func() {
		done <- q.WaitFor(context.Background(), 10)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("WaitFor returned before publish")
	default:
	}

	q.Publish(10)
	require.NoError(t, <-done)
	assert.Equal(t, uint32(10), q.Highest())
}

func TestValidatedQueueWaitForReturnsImmediatelyIfAlreadyPublished(t *testing.T) {
	q := NewValidatedQueue()
	q.Publish(5)
	err := q.WaitFor(context.Background(), 3)
	assert.NoError(t, err)
}

func TestValidatedQueueWaitForRespectsCancellation(t *testing.T) {
	q := NewValidatedQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.WaitFor(ctx, 100)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidatedQueueConcurrentPublishNeverMissesAWaiter(t *testing.T) {
	q := NewValidatedQueue()
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(seq uint32) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.NoError(t, q.WaitFor(ctx, seq))
		}(uint32(i))
	}
	time.Sleep(5 * time.Millisecond)
	for i := uint32(1); i <= 20; i++ {
		q.Publish(i)
	}
	wg.Wait()
}

func TestPeerForwardingEligibleRequiresSubscribedAndMatchingNetwork(t *testing.T) {
	p := New(Config{Hostname: "peer1"}, nil, nil, 42, NewValidatedQueue(), zap.NewNop())
	assert.False(t, p.ForwardingEligible())

	p.setState(StateSubscribed)
	assert.False(t, p.ForwardingEligible(), "network id mismatch must block forwarding")

	p.mu.Lock()
	p.networkID = 42
	p.mu.Unlock()
	assert.True(t, p.ForwardingEligible())
}
