package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitRegistersEveryFamily(t *testing.T) {
	m := Init()
	assert.NotNil(t, m.LedgersIngested)
	assert.NotNil(t, m.LedgerLatency)
	assert.NotNil(t, m.MaxSequence)
	assert.NotNil(t, m.MinSequence)
	assert.NotNil(t, m.WriterLeader)
	assert.NotNil(t, m.CacheHits)
	assert.NotNil(t, m.CacheMisses)
	assert.NotNil(t, m.RPCRequests)
	assert.NotNil(t, m.RPCQueueDepth)
	assert.NotNil(t, m.RPCRejected)
	assert.NotNil(t, m.DoSGuardRejected)
	assert.NotNil(t, m.ForwardedRequests)
	assert.NotNil(t, m.ForwardCacheHits)
	assert.NotNil(t, m.SubscriberCount)
}

func TestHandlerReturnsNonNilHTTPHandler(t *testing.T) {
	assert.NotNil(t, Handler())
}
