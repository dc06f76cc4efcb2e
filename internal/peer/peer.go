// Package peer implements component E: a single upstream validator-node
// connection combining a gRPC ledger-fetch client, a WebSocket
// subscription to its validated-ledger/transaction/manifest/validation
// streams, and HTTP/WS forwarding, behind the connection state machine of
// §4.4.
//
// The gRPC client wraps stubs generated by protoc-gen-go / protoc-gen-go-grpc
// from proto/ledger.proto into internal/peer/gen/ledgerpeer, the same
// build-time-codegen convention the teacher's own gen/raw_ledger_service
// and gen/event_service packages use (neither is checked into the source
// tree; both are generated with protoc and those two plugins before
// `go build`).
package peer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the peer connection state machine of §4.4.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// FetchResult is what fetchLedger returns: the decoded header bytes, the
// object diffs (with optional successor neighbors), the transaction
// blobs, and whether the peer reported success.
type FetchResult struct {
	HeaderBytes []byte
	Objects     []ObjectDiff
	Transactions []TransactionBlob
	Success     bool
}

type ObjectDiff struct {
	Key            [32]byte
	Blob           []byte
	PredecessorKey *[32]byte
	SuccessorKey   *[32]byte
}

// TransactionBlob is one transaction plus the accounts its metadata
// reports as affected, so the transformer can drive the account_tx
// index without parsing transaction metadata itself.
type TransactionBlob struct {
	TransactionBlob []byte
	MetadataBlob    []byte
	Accounts        [][32]byte
}

// Config describes one peer endpoint.
type Config struct {
	Hostname string
	WSPort   int
	GRPCPort int
}

// GRPCClient is the narrow surface this package needs from the generated
// gRPC stubs — kept as an interface so tests can substitute a fake without
// standing up a real server.
type GRPCClient interface {
	FetchLedger(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool) (*FetchResult, error)
	LoadInitialLedger(ctx context.Context, seq uint32, numMarkers int) ([][]ObjectDiff, error)
	Close() error
}

// WSClient is the narrow surface this package needs from a WebSocket
// connection to the peer's subscription endpoint.
type WSClient interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, streams []string) error
	Next(ctx context.Context) (msg map[string]any, err error)
	ForwardRequest(ctx context.Context, req map[string]any) (map[string]any, error)
	Close() error
}

// Peer tracks one upstream connection's state machine and exposes the
// operations the load balancer (F) and ETL extractor (G) call.
type Peer struct {
	cfg    Config
	grpc   GRPCClient
	ws     WSClient
	log    *zap.Logger

	mu              sync.RWMutex
	state           State
	lastFailure     time.Time
	networkID       uint32
	latestValidated uint32

	localNetworkID uint32

	// validated publishes every validated-ledger sequence this peer
	// reports, so extractors waiting on "new ledger available" can wake.
	validated *ValidatedQueue
}

// New constructs a Peer bound to the given gRPC/WS clients. localNetworkID
// is compared against the peer's advertised network_id to decide
// forwarding eligibility.
func New(cfg Config, grpc GRPCClient, ws WSClient, localNetworkID uint32, validated *ValidatedQueue, log *zap.Logger) *Peer {
	return &Peer{cfg: cfg, grpc: grpc, ws: ws, localNetworkID: localNetworkID, validated: validated, log: log}
}

func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ForwardingEligible reports whether this peer is Subscribed and its
// advertised network_id matches the local ETL state's network_id (§4.4).
func (p *Peer) ForwardingEligible() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == StateSubscribed && p.networkID == p.localNetworkID
}

// LastFailure reports when this peer last failed, for least-recently-
// failed ordering in the load balancer.
func (p *Peer) LastFailure() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastFailure
}

func (p *Peer) recordFailure() {
	p.mu.Lock()
	p.lastFailure = time.Now()
	p.mu.Unlock()
}

// FetchLedger delegates to the gRPC client.
func (p *Peer) FetchLedger(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool) (*FetchResult, error) {
	res, err := p.grpc.FetchLedger(ctx, seq, getObjects, getObjectNeighbors)
	if err != nil {
		p.recordFailure()
		return nil, err
	}
	return res, nil
}

// LoadInitialLedger performs the parallel cursored scan used by the
// cache loader (H) and ETL catch-up.
func (p *Peer) LoadInitialLedger(ctx context.Context, seq uint32, numMarkers int) ([][]ObjectDiff, error) {
	res, err := p.grpc.LoadInitialLedger(ctx, seq, numMarkers)
	if err != nil {
		p.recordFailure()
		return nil, err
	}
	return res, nil
}

// ForwardToPeer passes req through verbatim over the WS connection.
func (p *Peer) ForwardToPeer(ctx context.Context, req map[string]any) (map[string]any, error) {
	resp, err := p.ws.ForwardRequest(ctx, req)
	if err != nil {
		p.recordFailure()
		return nil, err
	}
	return resp, nil
}

// Run drives the bounded exponential-backoff reconnect loop of §4.4 until
// ctx is cancelled: Disconnected -> Connecting -> Connected -> Subscribed,
// falling back to Disconnected on any error.
func (p *Peer) Run(ctx context.Context) {
	backoffDur := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			p.setState(StateDisconnected)
			return
		default:
		}

		p.setState(StateConnecting)
		if err := p.ws.Connect(ctx); err != nil {
			p.log.Warn("peer connect failed", zap.String("host", p.cfg.Hostname), zap.Error(err))
			p.setState(StateDisconnected)
			p.recordFailure()
			if !sleepOrDone(ctx, backoffDur) {
				return
			}
			backoffDur = nextBackoff(backoffDur, maxBackoff)
			continue
		}
		p.setState(StateConnected)

		if err := p.ws.Subscribe(ctx, []string{"ledger", "transactions_proposed", "manifests", "validations"}); err != nil {
			p.log.Warn("peer subscribe failed", zap.String("host", p.cfg.Hostname), zap.Error(err))
			p.setState(StateDisconnected)
			p.recordFailure()
			if !sleepOrDone(ctx, backoffDur) {
				return
			}
			backoffDur = nextBackoff(backoffDur, maxBackoff)
			continue
		}
		p.setState(StateSubscribed)
		backoffDur = 500 * time.Millisecond

		p.pump(ctx)

		p.setState(StateDisconnected)
		p.recordFailure()
		if !sleepOrDone(ctx, backoffDur) {
			return
		}
		backoffDur = nextBackoff(backoffDur, maxBackoff)
	}
}

// pump drains subscription messages until the connection errors or ctx
// is cancelled, publishing validated-ledger sequences into the shared
// queue and tracking the peer's advertised network id.
func (p *Peer) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := p.ws.Next(ctx)
		if err != nil {
			return
		}
		switch msg["type"] {
		case "ledgerClosed":
			if seq, ok := msg["ledger_index"].(float64); ok {
				p.mu.Lock()
				p.latestValidated = uint32(seq)
				p.mu.Unlock()
				p.validated.Publish(uint32(seq))
			}
			if nid, ok := msg["network_id"].(float64); ok {
				p.mu.Lock()
				p.networkID = uint32(nid)
				p.mu.Unlock()
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

// ValidatedQueue is the process-wide monotonic "network validated ledgers"
// queue of §4.4: any extractor waiting for sequence s wakes once any peer
// has validated s or higher. Implemented as a generation channel instead
// of sync.Cond so WaitFor can select on ctx.Done() without leaking a
// goroutine blocked in Cond.Wait forever.
type ValidatedQueue struct {
	mu      sync.Mutex
	highest uint32
	wake    chan struct{}
}

func NewValidatedQueue() *ValidatedQueue {
	return &ValidatedQueue{wake: make(chan struct{})}
}

// Publish records seq as validated by some peer and wakes any waiters.
func (q *ValidatedQueue) Publish(seq uint32) {
	q.mu.Lock()
	if seq > q.highest {
		q.highest = seq
		closed := q.wake
		q.wake = make(chan struct{})
		close(closed)
	}
	q.mu.Unlock()
}

// WaitFor blocks (cancellably) until highest >= seq.
func (q *ValidatedQueue) WaitFor(ctx context.Context, seq uint32) error {
	for {
		q.mu.Lock()
		if q.highest >= seq {
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *ValidatedQueue) Highest() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highest
}
