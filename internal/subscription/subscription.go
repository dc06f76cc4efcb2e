// Package subscription implements component I: fan-out of ledger,
// transaction, account, and order-book events to subscribed WebSocket
// sessions (§4.5a). Each session is a Sink the web server (K) registers
// on connect and removes on disconnect; sends never block the publisher
// thread on a slow client — a full outbound buffer drops a message and
// the failed send is logged, rather than stalling ingestion.
package subscription

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/metrics"
)

// Sink is anything that can receive a published event; satisfied by a
// web-server session's outbound channel wrapper.
type Sink interface {
	// Send delivers msg without blocking; it returns false if the sink's
	// outbound buffer was full and the message was dropped.
	Send(msg map[string]any) bool
	ID() string
}

// Manager tracks subscribers per stream name ("ledger", "transactions",
// "validations", "manifests") and per keyed topic (account address, book
// currency pair), and publishes events to every current subscriber.
//
// Subscribe/Unsubscribe may run concurrently with Publish from the ETL
// publish callback; the lock is only ever held while mutating or copying
// the subscriber map, never while calling Sink.Send, so one slow or
// misbehaving subscriber can't block registration of another.
type Manager struct {
	mu       sync.RWMutex
	streams  map[string]map[string]Sink
	accounts map[string]map[string]Sink
	books    map[string]map[string]Sink

	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(m *metrics.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		streams:  make(map[string]map[string]Sink),
		accounts: make(map[string]map[string]Sink),
		books:    make(map[string]map[string]Sink),
		metrics:  m,
		log:      log,
	}
}

func (mgr *Manager) Subscribe(stream string, sink Sink) {
	mgr.subscribeInto(mgr.streams, stream, sink)
}

func (mgr *Manager) Unsubscribe(stream string, sink Sink) {
	mgr.unsubscribeFrom(mgr.streams, stream, sink)
}

func (mgr *Manager) SubscribeAccount(account string, sink Sink) {
	mgr.subscribeInto(mgr.accounts, account, sink)
}

func (mgr *Manager) UnsubscribeAccount(account string, sink Sink) {
	mgr.unsubscribeFrom(mgr.accounts, account, sink)
}

func (mgr *Manager) SubscribeBook(book string, sink Sink) {
	mgr.subscribeInto(mgr.books, book, sink)
}

func (mgr *Manager) UnsubscribeBook(book string, sink Sink) {
	mgr.unsubscribeFrom(mgr.books, book, sink)
}

func (mgr *Manager) subscribeInto(set map[string]map[string]Sink, key string, sink Sink) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	subs, ok := set[key]
	if !ok {
		subs = make(map[string]Sink)
		set[key] = subs
	}
	subs[sink.ID()] = sink
	if mgr.metrics != nil {
		mgr.metrics.SubscriberCount.WithLabelValues(key).Set(float64(len(subs)))
	}
}

func (mgr *Manager) unsubscribeFrom(set map[string]map[string]Sink, key string, sink Sink) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	subs, ok := set[key]
	if !ok {
		return
	}
	delete(subs, sink.ID())
	if len(subs) == 0 {
		delete(set, key)
	}
	if mgr.metrics != nil {
		mgr.metrics.SubscriberCount.WithLabelValues(key).Set(float64(len(subs)))
	}
}

// UnsubscribeAll removes sink from every stream/account/book set, called
// once on session close rather than requiring the caller to remember
// every topic it joined.
func (mgr *Manager) UnsubscribeAll(sink Sink) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, sets := range []map[string]map[string]Sink{mgr.streams, mgr.accounts, mgr.books} {
		for key, subs := range sets {
			if _, ok := subs[sink.ID()]; ok {
				delete(subs, sink.ID())
				if len(subs) == 0 {
					delete(sets, key)
				}
			}
		}
	}
}

// Publish sends msg to every subscriber of stream. The subscriber map is
// snapshotted under the read lock and sends happen after releasing it.
func (mgr *Manager) Publish(stream string, msg map[string]any) {
	mgr.publishTo(mgr.streams, stream, msg)
}

func (mgr *Manager) PublishAccount(account string, msg map[string]any) {
	mgr.publishTo(mgr.accounts, account, msg)
}

func (mgr *Manager) PublishBook(book string, msg map[string]any) {
	mgr.publishTo(mgr.books, book, msg)
}

func (mgr *Manager) publishTo(set map[string]map[string]Sink, key string, msg map[string]any) {
	mgr.mu.RLock()
	subs, ok := set[key]
	snapshot := make([]Sink, 0, len(subs))
	if ok {
		for _, s := range subs {
			snapshot = append(snapshot, s)
		}
	}
	mgr.mu.RUnlock()

	for _, sink := range snapshot {
		if !sink.Send(msg) {
			mgr.log.Warn("subscription: dropped message, sink buffer full", zap.String("sink", sink.ID()), zap.String("topic", key))
		}
	}
}
