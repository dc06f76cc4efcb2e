package web

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/async"
	"github.com/xrplf/clio-go/internal/rpc"
)

const outboundBufferSize = 256

// wsConn is the subset of *websocket.Conn a Session needs, narrowed so
// tests can exercise Send/flush against a fake without opening a real
// socket.
type wsConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	ReadJSON(v any) error
	Close() error
}

// Session wraps one accepted WebSocket connection: a bounded outbound
// ring buffer (newest message wins — the oldest queued message is
// dropped when the buffer is full, since a stale ledger-close event is
// worthless once a newer one exists) and the subscription.Sink
// interface the subscription manager publishes through. Delivery runs
// on the session's own async.Strand, so a publish from any goroutine is
// always serialized into at most one conn.WriteJSON at a time without a
// dedicated per-connection goroutine.
type Session struct {
	id     string
	conn   wsConn
	ip     string
	log    *zap.Logger
	strand *async.Strand

	mu     sync.Mutex
	outbox []map[string]any
	closed bool
}

func newSession(n uint64, conn *websocket.Conn, ip string, log *zap.Logger) *Session {
	return &Session{
		id:     fmt.Sprintf("ws-%d", n),
		conn:   conn,
		ip:     ip,
		log:    log,
		strand: async.MakeStrand(async.System()),
	}
}

func (s *Session) ID() string { return s.id }

// Send enqueues msg for delivery, dropping the oldest queued message if
// the buffer is full. It never blocks: it queues the message and then
// submits a flush to the session's strand, so the actual conn.WriteJSON
// call happens serialized with every other write for this session no
// matter which goroutine published it.
func (s *Session) Send(msg map[string]any) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.outbox) >= outboundBufferSize {
		s.outbox = s.outbox[1:]
		dropped = true
	}
	s.outbox = append(s.outbox, msg)
	s.mu.Unlock()

	s.strand.Execute(context.Background(), func(ctx context.Context) (any, error) {
		s.flush()
		return nil, nil
	})
	return !dropped
}

func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close()
}

func (s *Session) drain() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbox
	s.outbox = nil
	return out
}

// flush drains and writes whatever is queued. Only ever invoked on the
// session's strand, which is what gives conn.WriteJSON its required
// one-writer-at-a-time guarantee without a dedicated goroutine.
func (s *Session) flush() {
	for _, msg := range s.drain() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := s.conn.WriteJSON(msg); err != nil {
			s.log.Debug("web: session write failed", zap.String("session", s.id), zap.Error(err))
			return
		}
	}
}

// readLoop decodes inbound requests, dispatches admin-checked RPC calls,
// and handles subscribe/unsubscribe commands until the connection
// errors or ctx is cancelled.
func (s *Session) readLoop(ctx context.Context, srv *Server) {
	for {
		var req map[string]any
		if err := s.conn.ReadJSON(&req); err != nil {
			return
		}

		method, _ := req["command"].(string)
		switch method {
		case "subscribe":
			srv.handleSubscribe(s, req)
			continue
		case "unsubscribe":
			srv.handleUnsubscribe(s, req)
			continue
		}

		if srv.isAdminMethod(method) {
			// Admin over WS requires the same password carried in the
			// request body, since there is no per-frame Basic Auth.
			if pass, _ := req["admin_password"].(string); srv.cfg.AdminPassword == "" || pass != srv.cfg.AdminPassword {
				s.Send(map[string]any{"id": req["id"], "error": "adminRequired"})
				continue
			}
		}

		version, _ := req["api_version"].(float64)
		resp, err := srv.engine.Dispatch(ctx, rpc.Request{
			Method:     method,
			APIVersion: int(version),
			Params:     req,
			ClientIP:   s.ip,
		})
		if err != nil {
			s.Send(map[string]any{"id": req["id"], "status": "error", "error_message": err.Error()})
			continue
		}
		out := map[string]any{"id": req["id"], "status": "success", "result": resp.Result}
		s.Send(out)
	}
}
