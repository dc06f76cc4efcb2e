// Package rpc implements component J: the bounded work-queue dispatcher
// that resolves a (method, api_version) pair to a handler, runs it
// against the storage facade, and falls back to forwarding (F) for
// methods this version of clio doesn't implement locally, for requests
// naming the "current" or "closed" ledger, which the local backend does
// not hold, and for requests carrying "forward": true (§4.5).
package rpc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/clioerr"
	"github.com/xrplf/clio-go/internal/metrics"
)

// Request is one decoded JSON-RPC/WS command.
type Request struct {
	Method     string
	APIVersion int
	Params     map[string]any
	ClientIP   string
}

// Response is the result handed back to the web server for framing.
type Response struct {
	Result map[string]any
}

// Handler executes one method against the storage facade.
type Handler func(ctx context.Context, req Request) (Response, error)

// Forwarder is the narrow load-balancer surface the engine forwards
// through; satisfied by *loadbalancer.Balancer.
type Forwarder interface {
	ForwardRequest(ctx context.Context, cacheKey string, req map[string]any) (map[string]any, bool, error)
	HasForwardingEligiblePeer() bool
}

type registryKey struct {
	method  string
	version int
}

// Engine owns the method registry and the bounded admission queue of
// §4.5b: at most QueueCapacity requests may be inside Dispatch at once,
// beyond which new requests are rejected with TooBusy rather than
// queueing unboundedly. Each request runs on its caller's goroutine; there
// is no worker pool, and Config.Workers is not used.
type Engine struct {
	handlers      map[registryKey]Handler
	forwardMethod map[string]bool
	forwarder     Forwarder
	defaultVer    int
	minVer        int
	maxVer        int

	sem     chan struct{}
	metrics *metrics.Metrics
	log     *zap.Logger
}

// Config mirrors internal/config.RPCConfig.
type Config struct {
	Workers        int
	QueueCapacity  int
	DefaultVersion int
	MinVersion     int
	MaxVersion     int
	ForwardMethods []string
}

func New(cfg Config, forwarder Forwarder, m *metrics.Metrics, log *zap.Logger) *Engine {
	fwd := make(map[string]bool, len(cfg.ForwardMethods))
	for _, method := range cfg.ForwardMethods {
		fwd[method] = true
	}
	return &Engine{
		handlers:      make(map[registryKey]Handler),
		forwardMethod: fwd,
		forwarder:     forwarder,
		defaultVer:    cfg.DefaultVersion,
		minVer:        cfg.MinVersion,
		maxVer:        cfg.MaxVersion,
		sem:           make(chan struct{}, cfg.QueueCapacity),
		metrics:       m,
		log:           log,
	}
}

// Register binds method at apiVersion to handler. Handlers are
// registered at startup, before the engine serves traffic, so no lock is
// needed around the map.
func (e *Engine) Register(method string, apiVersion int, h Handler) {
	e.handlers[registryKey{method, apiVersion}] = h
}

// Dispatch resolves and runs req, enforcing the queue-depth bound and api
// version range, falling back to forwarding when the method is
// explicitly marked as forward-only, the request names the "current" or
// "closed" ledger, the request carries "forward": true, or no local
// handler is registered for the requested version.
func (e *Engine) Dispatch(ctx context.Context, req Request) (Response, error) {
	version := req.APIVersion
	if version == 0 {
		version = e.defaultVer
	}
	if version < e.minVer || version > e.maxVer {
		return Response{}, clioerr.New(clioerr.KindInvalidAPIVersion, fmt.Sprintf("api_version %d not in [%d,%d]", version, e.minVer, e.maxVer))
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	default:
		if e.metrics != nil {
			e.metrics.RPCRejected.Inc()
		}
		return Response{}, clioerr.New(clioerr.KindTooBusy, "rpc work queue full")
	}

	if e.metrics != nil {
		e.metrics.RPCQueueDepth.Set(float64(len(e.sem)))
	}

	ledgerIndex, _ := req.Params["ledger_index"].(string)
	forceForward, _ := req.Params["forward"].(bool)
	if e.forwardMethod[req.Method] || forceForward || ledgerIndex == "current" || ledgerIndex == "closed" {
		return e.forward(ctx, req)
	}

	h, ok := e.handlers[registryKey{req.Method, version}]
	if !ok {
		if e.forwarder != nil && e.forwarder.HasForwardingEligiblePeer() {
			return e.forward(ctx, req)
		}
		e.recordResult(req.Method, "error")
		return Response{}, clioerr.New(clioerr.KindInvalidParams, fmt.Sprintf("unknown method %q for api_version %d", req.Method, version))
	}

	resp, err := h(ctx, req)
	if err != nil {
		e.recordResult(req.Method, "error")
		return Response{}, err
	}
	e.recordResult(req.Method, "ok")
	return resp, nil
}

func (e *Engine) forward(ctx context.Context, req Request) (Response, error) {
	if e.forwarder == nil {
		return Response{}, clioerr.New(clioerr.KindNoPeers, "no forwarder configured")
	}
	cacheKey := req.Method + ":" + fmt.Sprint(req.Params)
	raw := map[string]any{"command": req.Method}
	for k, v := range req.Params {
		raw[k] = v
	}
	result, cached, err := e.forwarder.ForwardRequest(ctx, cacheKey, raw)
	if err != nil {
		e.recordResult(req.Method, "error")
		return Response{}, clioerr.Wrap(clioerr.KindNoPeers, "forward failed", err)
	}
	if e.metrics != nil {
		e.metrics.ForwardedRequests.Inc()
		if cached {
			e.metrics.ForwardCacheHits.Inc()
		}
	}
	e.recordResult(req.Method, "forwarded")
	return Response{Result: result}, nil
}

func (e *Engine) recordResult(method, result string) {
	if e.metrics != nil {
		e.metrics.RPCRequests.WithLabelValues(method, result).Inc()
	}
}
