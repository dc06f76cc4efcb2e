package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsClient is the production WSClient, talking the rippled subscription
// JSON protocol over a single gorilla/websocket connection. One pending
// ForwardRequest is tracked at a time per id. A single reader (Peer.pump)
// calls Next() while ForwardRequest() callers wait on it for their
// replies; writes (Subscribe, ForwardRequest) are not serialized against
// each other.
type wsClient struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan map[string]any
}

// NewWSClient builds a WSClient targeting hostname:wsPort's rippled-style
// WebSocket admin/public endpoint.
func NewWSClient(hostname string, wsPort int) WSClient {
	return &wsClient{
		url:     fmt.Sprintf("ws://%s:%d", hostname, wsPort),
		pending: make(map[uint64]chan map[string]any),
	}
}

func (c *wsClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("peer: ws dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *wsClient) Subscribe(ctx context.Context, streams []string) error {
	req := map[string]any{
		"id":      atomic.AddUint64(&c.nextID, 1),
		"command": "subscribe",
		"streams": streams,
	}
	return c.send(req)
}

func (c *wsClient) send(req map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("peer: ws not connected")
	}
	return conn.WriteJSON(req)
}

// Next reads the next message frame off the wire. Subscription push
// messages (ledgerClosed, transaction, etc. -- no matching "id") are
// returned directly; responses to a pending ForwardRequest are routed to
// their waiting channel and Next loops to read the following frame.
func (c *wsClient) Next(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("peer: ws not connected")
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if idFloat, ok := msg["id"].(float64); ok {
			c.mu.Lock()
			ch, tracked := c.pending[uint64(idFloat)]
			if tracked {
				delete(c.pending, uint64(idFloat))
			}
			c.mu.Unlock()
			if tracked {
				ch <- msg
				continue
			}
		}
		return msg, nil
	}
}

// ForwardRequest sends req verbatim (with an injected id) and blocks for
// its matching response, relying on a concurrent Next() reader (driven by
// Peer.pump) to route the reply back through the pending map.
func (c *wsClient) ForwardRequest(ctx context.Context, req map[string]any) (map[string]any, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	out := make(map[string]any, len(req)+1)
	for k, v := range req {
		out[k] = v
	}
	out["id"] = id

	ch := make(chan map[string]any, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(out); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
