// Package web implements component K: the HTTP + WebSocket front door.
// Plain POSTs are decoded as one JSON-RPC request and dispatched
// synchronously; WebSocket connections get a long-lived Session that can
// issue many requests and subscribe to streams, each with a bounded
// outbound buffer so a slow client never backs up the publisher.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/clioerr"
	"github.com/xrplf/clio-go/internal/metrics"
	"github.com/xrplf/clio-go/internal/rpc"
	"github.com/xrplf/clio-go/internal/rpc/dosguard"
	"github.com/xrplf/clio-go/internal/subscription"
)

// Dispatcher is the narrow rpc.Engine surface the server needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req rpc.Request) (rpc.Response, error)
}

// Config mirrors internal/config.ServerConfig.
type Config struct {
	ListenAddr      string
	AdminPassword   string
	AllowLocalAdmin bool
	MetricsEnabled  bool
}

// Server owns the HTTP mux, the WebSocket upgrader, and the subscription
// manager every session registers against.
type Server struct {
	cfg     Config
	engine  Dispatcher
	subs    *subscription.Manager
	guard   *dosguard.Guard
	metrics *metrics.Metrics
	log     *zap.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.Mutex
	sessions map[string]*Session
	nextID   uint64
}

// New wires an HTTP+WS front door. guard may be nil to disable per-IP
// admission control (e.g. in tests).
func New(cfg Config, engine Dispatcher, subs *subscription.Manager, guard *dosguard.Guard, m *metrics.Metrics, log *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		subs:     subs,
		guard:    guard,
		metrics:  m,
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }},
		sessions: make(map[string]*Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.HandleFunc("/ws", s.handleWS)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", metrics.Handler())
	}
	s.httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

// Run starts serving and blocks until ctx is cancelled, then drains
// in-flight requests for up to 10 seconds before returning, per §4.6's
// cancellation sequence.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.guard != nil && !s.guard.Allow(clientIP(r), r.ContentLength) {
		writeError(w, clioerr.ErrSlowDown)
		return
	}

	var body struct {
		Method     string           `json:"method"`
		Params     []map[string]any `json:"params"`
		APIVersion int              `json:"api_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, clioerr.New(clioerr.KindInvalidParams, "malformed request body"))
		return
	}
	var params map[string]any
	if len(body.Params) > 0 {
		params = body.Params[0]
	}

	if s.isAdminMethod(body.Method) && !s.authorizeAdmin(r) {
		writeError(w, clioerr.New(clioerr.KindInvalidParams, "admin authorization required"))
		return
	}

	resp, err := s.engine.Dispatch(r.Context(), rpc.Request{
		Method:     body.Method,
		APIVersion: body.APIVersion,
		Params:     params,
		ClientIP:   clientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": resp.Result})
}

// isAdminMethod reports whether method requires the admin password
// (or the AllowLocalAdmin bypass for loopback connections), per §6.
func (s *Server) isAdminMethod(method string) bool {
	switch method {
	case "stop", "ledger_cleaner", "validator_info":
		return true
	default:
		return false
	}
}

func (s *Server) authorizeAdmin(r *http.Request) bool {
	if s.cfg.AllowLocalAdmin && isLoopback(clientIP(r)) {
		return true
	}
	if s.cfg.AdminPassword == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	_ = user
	return ok && pass == s.cfg.AdminPassword
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || strings.HasPrefix(ip, "127.")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := clioerr.KindOf(err)
	status := http.StatusOK
	if kind == clioerr.KindInvalidParams || kind == clioerr.KindInvalidAPIVersion {
		status = http.StatusBadRequest
	}
	if kind == clioerr.KindTooBusy || kind == clioerr.KindSlowDown {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{"error": kind.String(), "error_message": err.Error()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.guard != nil && !s.guard.Allow(clientIP(r), 0) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("web: websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.nextID++
	sess := newSession(s.nextID, conn, clientIP(r), s.log)
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
		s.subs.UnsubscribeAll(sess)
		sess.Close()
	}()

	sess.readLoop(r.Context(), s)
}

func (s *Server) handleSubscribe(sess *Session, req map[string]any) {
	for _, stream := range stringList(req["streams"]) {
		s.subs.Subscribe(stream, sess)
	}
	for _, account := range stringList(req["accounts"]) {
		s.subs.SubscribeAccount(account, sess)
	}
	for _, book := range stringList(req["books"]) {
		s.subs.SubscribeBook(book, sess)
	}
	sess.Send(map[string]any{"id": req["id"], "status": "success"})
}

func (s *Server) handleUnsubscribe(sess *Session, req map[string]any) {
	for _, stream := range stringList(req["streams"]) {
		s.subs.Unsubscribe(stream, sess)
	}
	for _, account := range stringList(req["accounts"]) {
		s.subs.UnsubscribeAccount(account, sess)
	}
	for _, book := range stringList(req["books"]) {
		s.subs.UnsubscribeBook(book, sess)
	}
	sess.Send(map[string]any{"id": req["id"], "status": "success"})
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
