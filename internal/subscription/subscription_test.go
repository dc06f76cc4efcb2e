package subscription

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeSink struct {
	id       string
	mu       sync.Mutex
	received []map[string]any
	full     bool
}

func (f *fakeSink) ID() string { return f.id }
func (f *fakeSink) Send(msg map[string]any) bool {
	if f.full {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
	return true
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	mgr := New(nil, zap.NewNop())
	a := &fakeSink{id: "a"}
	b := &fakeSink{id: "b"}
	mgr.Subscribe("ledger", a)
	mgr.Subscribe("ledger", b)

	mgr.Publish("ledger", map[string]any{"ledger_index": 10})

	assert.Len(t, a.received, 1)
	assert.Len(t, b.received, 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	mgr := New(nil, zap.NewNop())
	a := &fakeSink{id: "a"}
	mgr.Subscribe("ledger", a)
	mgr.Unsubscribe("ledger", a)

	mgr.Publish("ledger", map[string]any{"ledger_index": 10})
	assert.Empty(t, a.received)
}

func TestUnsubscribeAllRemovesFromEverySet(t *testing.T) {
	mgr := New(nil, zap.NewNop())
	a := &fakeSink{id: "a"}
	mgr.Subscribe("ledger", a)
	mgr.SubscribeAccount("rAcct1", a)
	mgr.SubscribeBook("XRP/USD", a)

	mgr.UnsubscribeAll(a)

	mgr.Publish("ledger", map[string]any{})
	mgr.PublishAccount("rAcct1", map[string]any{})
	mgr.PublishBook("XRP/USD", map[string]any{})
	assert.Empty(t, a.received)
}

func TestPublishToFullSinkDoesNotPanicOrBlock(t *testing.T) {
	mgr := New(nil, zap.NewNop())
	full := &fakeSink{id: "full", full: true}
	mgr.Subscribe("ledger", full)
	assert.NotPanics(t, func() {
		mgr.Publish("ledger", map[string]any{})
	})
}

func TestConcurrentSubscribeUnsubscribeDuringPublish(t *testing.T) {
	mgr := New(nil, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &fakeSink{id: string(rune('a' + i%26))}
			mgr.Subscribe("ledger", s)
			mgr.Publish("ledger", map[string]any{"i": i})
			mgr.Unsubscribe("ledger", s)
		}(i)
	}
	wg.Wait()
}
