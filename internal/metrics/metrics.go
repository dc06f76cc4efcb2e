// Package metrics owns the process-wide Prometheus registry, an
// acceptable singleton per the design's global mutable state guidance,
// with a documented Init/Handler lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every counter/gauge/histogram family the indexer
// exposes on GET /metrics (§6).
type Metrics struct {
	LedgersIngested   prometheus.Counter
	LedgerLatency     prometheus.Histogram
	MaxSequence       prometheus.Gauge
	MinSequence       prometheus.Gauge
	WriterLeader      prometheus.Gauge
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	RPCRequests       *prometheus.CounterVec
	RPCQueueDepth     prometheus.Gauge
	RPCRejected       prometheus.Counter
	DoSGuardRejected  prometheus.Counter
	ForwardedRequests prometheus.Counter
	ForwardCacheHits  prometheus.Counter
	SubscriberCount   *prometheus.GaugeVec
}

// Init registers every family against the default registry. Call once at
// process startup.
func Init() *Metrics {
	return &Metrics{
		LedgersIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clio_ledgers_ingested_total",
			Help: "Ledgers fully written and published.",
		}),
		LedgerLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clio_ledger_ingest_seconds",
			Help:    "Time to fetch one ledger from a peer.",
			Buckets: prometheus.DefBuckets,
		}),
		MaxSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clio_max_sequence",
			Help: "Highest fully persisted ledger sequence.",
		}),
		MinSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clio_min_sequence",
			Help: "Lowest fully persisted ledger sequence.",
		}),
		WriterLeader: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clio_writer_leader",
			Help: "1 if this replica currently holds the writer lease.",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clio_cache_hits_total",
			Help: "Layered cache hits.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clio_cache_misses_total",
			Help: "Layered cache misses falling through to the backend.",
		}),
		RPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clio_rpc_requests_total",
			Help: "RPC requests by method and result.",
		}, []string{"method", "result"}),
		RPCQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clio_rpc_queue_depth",
			Help: "Current depth of the RPC work queue.",
		}),
		RPCRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clio_rpc_rejected_total",
			Help: "Requests rejected because the work queue was full.",
		}),
		DoSGuardRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clio_dosguard_rejected_total",
			Help: "Requests rejected by DoSGuard admission control.",
		}),
		ForwardedRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clio_forwarded_requests_total",
			Help: "Requests forwarded to an upstream peer.",
		}),
		ForwardCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clio_forward_cache_hits_total",
			Help: "Forwarded requests answered from the forwarding cache.",
		}),
		SubscriberCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clio_subscribers",
			Help: "Active subscribers by stream.",
		}, []string{"stream"}),
	}
}

// Handler returns the http.Handler to mount at GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
