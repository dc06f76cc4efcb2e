// Package execution wraps a store.Backend with the bounded-concurrency
// read coalescing and write batching of §4.3: reads retry on retryable
// driver errors with exponential backoff before surfacing
// StorageUnavailable; writes either block until durable (writeSync) or
// return immediately and retry in the background (writeAsync), with
// finishWrites awaiting the per-sequence drain. Each async write runs on
// its own goroutine, so the order in which writes of one partition key
// reach the backend is not defined.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/clioerr"
)

// RetryPolicy mirrors the spec's authoritative retry policy: base 100ms,
// factor 2, cap 5s, 8 attempts.
type RetryPolicy struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxRetries int
}

// DefaultRetryPolicy is the spec's authoritative policy (§9 Open Questions).
// MaxRetries counts retries after the first attempt, so 7 gives 8 attempts.
var DefaultRetryPolicy = RetryPolicy{Base: 100 * time.Millisecond, Factor: 2, Cap: 5 * time.Second, MaxRetries: 7}

func (p RetryPolicy) backoffFor(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Cap
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// IsRetryable classifies a driver error. A real driver surfaces richer
// error types; the strategy only needs a predicate at this boundary.
type IsRetryable func(error) bool

// Strategy coalesces reads through a bounded worker pool and tracks
// in-flight async writes per partition key so finishWrites can await
// their drain.
type Strategy struct {
	maxReadsOutstanding  int
	maxWritesOutstanding int
	retryable            IsRetryable
	policy                RetryPolicy
	log                   *zap.Logger

	readSem  chan struct{}
	writeSem chan struct{}

	mu         sync.Mutex
	inFlight   map[uint32]*pendingSeq // keyed by partition (sequence)
	writeCond  *sync.Cond
	writeCount int
}

type pendingSeq struct {
	wg      sync.WaitGroup
	failed  bool
	mu      sync.Mutex
}

// New builds a Strategy bounded by maxReads/maxWrites in-flight requests.
func New(maxReads, maxWrites int, retryable IsRetryable, policy RetryPolicy, log *zap.Logger) *Strategy {
	s := &Strategy{
		maxReadsOutstanding:  maxReads,
		maxWritesOutstanding: maxWrites,
		retryable:            retryable,
		policy:               policy,
		log:                  log,
		readSem:              make(chan struct{}, maxReads),
		writeSem:             make(chan struct{}, maxWrites),
		inFlight:             make(map[uint32]*pendingSeq),
	}
	s.writeCond = sync.NewCond(&s.mu)
	return s
}

// Read executes query under the bounded read pool, retrying retryable
// errors with exponential backoff up to the configured cap before
// surfacing StorageUnavailable.
func (s *Strategy) Read(ctx context.Context, query func(ctx context.Context) (any, error)) (any, error) {
	select {
	case s.readSem <- struct{}{}:
		defer func() { <-s.readSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var result any
	op := func() error {
		var err error
		result, err = query(ctx)
		if err != nil && s.retryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, s.policy.backoffFor(ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, clioerr.ErrCancelled
		}
		return nil, clioerr.Wrap(clioerr.KindStorageUnavailable, "read exhausted retries", err)
	}
	return result, nil
}

// WriteSync blocks (cooperatively, via the bounded write semaphore and
// the query's own blocking call) until the write identified by partition
// is durable.
func (s *Strategy) WriteSync(ctx context.Context, partition uint32, write func(ctx context.Context) error) error {
	select {
	case s.writeSem <- struct{}{}:
		defer func() { <-s.writeSem }()
	case <-ctx.Done():
		return ctx.Err()
	}
	return write(ctx)
}

// WriteAsync returns immediately, stashing the write in the per-partition
// retry set. Backpressure: once maxWritesOutstanding in-flight writes are
// stashed, new calls suspend on the condition variable tied to the
// counter — the only place the extractor can be throttled by storage.
func (s *Strategy) WriteAsync(ctx context.Context, partition uint32, write func(ctx context.Context) error) {
	s.mu.Lock()
	for s.writeCount >= s.maxWritesOutstanding {
		s.writeCond.Wait()
	}
	s.writeCount++
	p, ok := s.inFlight[partition]
	if !ok {
		p = &pendingSeq{}
		s.inFlight[partition] = p
	}
	p.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			p.wg.Done()
			s.mu.Lock()
			s.writeCount--
			s.writeCond.Signal()
			s.mu.Unlock()
		}()
		op := func() error {
			err := write(ctx)
			if err != nil && s.retryable(err) {
				return err
			}
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		if err := backoff.Retry(op, s.policy.backoffFor(ctx)); err != nil {
			p.mu.Lock()
			p.failed = true
			p.mu.Unlock()
			s.log.Error("async write failed permanently", zap.Uint32("partition", partition), zap.Error(err))
		}
	}()
}

// FinishWrites awaits drain of partition's async write set and returns
// its cumulative success.
func (s *Strategy) FinishWrites(partition uint32) bool {
	s.mu.Lock()
	p, ok := s.inFlight[partition]
	if ok {
		delete(s.inFlight, partition)
	}
	s.mu.Unlock()
	if !ok {
		return true
	}
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.failed
}
