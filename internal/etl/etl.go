// Package etl implements component G: the extractor/transformer/publisher
// pipeline of §4.2 that turns peer-fetched ledger diffs into WriteBatches,
// gated by the writer-leader election of §4.4a so only one replica in a
// cluster ever drives writes at a time.
package etl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/clioerr"
	"github.com/xrplf/clio-go/internal/codec"
	"github.com/xrplf/clio-go/internal/metrics"
	"github.com/xrplf/clio-go/internal/peer"
	"github.com/xrplf/clio-go/internal/store"
)

// Source is the narrow peer-pool surface the extractor needs; satisfied
// by *loadbalancer.Balancer.
type Source interface {
	FetchLedger(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool) (*peer.FetchResult, error)
}

// Facade is the narrow storage surface the pipeline needs; satisfied by
// *store.Facade.
type Facade interface {
	StartWrites(seq uint32, isFirst bool)
	WriteLedger(header store.Header, headerBytes []byte)
	WriteLedgerObject(w store.ObjectWrite)
	WriteTransaction(tx store.Transaction)
	WriteAccountTransactions(batch []store.AccountTxWrite)
	WriteSuccessor(w store.SuccessorWrite)
	FinishWrites(ctx context.Context, seq uint32) bool
	FetchLedgerRange(ctx context.Context) (*store.LedgerRange, error)

	// ApplyReaderUpdate re-reads seq's header and object diffs directly
	// from the backend and folds them into the in-memory cache, for
	// reader-mode replicas that never hold the writer lease.
	ApplyReaderUpdate(ctx context.Context, seq uint32) (*store.Header, error)
}

// Leader decides whether this replica currently holds the writer lease
// (§4.4a); satisfied by *etl.LeaderElector.
type Leader interface {
	IsLeader() bool
}

// Pipeline drives sequential extraction, transformation, and publish for
// one contiguous ledger range, starting at startSequence and continuing
// until ctx is cancelled.
type Pipeline struct {
	source    Source
	facade    Facade
	leader    Leader
	validated *peer.ValidatedQueue
	publish   func(seq uint32, header store.Header)
	metrics   *metrics.Metrics
	log       *zap.Logger

	queueDepth int
}

// NewPipeline builds a Pipeline. publish is invoked once a ledger has
// durably finished writes, so the subscription manager (I) can notify
// subscribers. validated is the process-wide network-validated-ledgers
// queue (§4.4); a nil validated skips the wait, which tests rely on.
func NewPipeline(source Source, facade Facade, leader Leader, validated *peer.ValidatedQueue, queueDepth int, publish func(seq uint32, header store.Header), m *metrics.Metrics, log *zap.Logger) *Pipeline {
	return &Pipeline{source: source, facade: facade, leader: leader, validated: validated, publish: publish, metrics: m, log: log, queueDepth: queueDepth}
}

// extracted is one fetched-and-decoded ledger, queued between the
// extract and transform/publish stages.
type extracted struct {
	seq    uint32
	result *peer.FetchResult
}

// Run extracts sequentially from startSequence, feeding a bounded channel
// that a single transform/publish goroutine drains in order, so sequence
// N+1 is never published before N even though fetch N+1 may already be
// in flight.
func (p *Pipeline) Run(ctx context.Context, startSequence uint32) error {
	queue := make(chan extracted, p.queueDepth)
	errCh := make(chan error, 1)

	go p.extractLoop(ctx, startSequence, queue, errCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			// Publish what was already fetched before the failing
			// sequence; extractLoop closes the queue on its way out.
			for item := range queue {
				if perr := p.transformAndPublish(ctx, item); perr != nil {
					return perr
				}
			}
			return err
		case item, ok := <-queue:
			if !ok {
				return nil
			}
			if err := p.transformAndPublish(ctx, item); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) extractLoop(ctx context.Context, start uint32, queue chan<- extracted, errCh chan<- error) {
	defer close(queue)
	seq := start
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !p.leader.IsLeader() {
			applied, err := p.readerStep(ctx, seq)
			if err != nil {
				p.log.Warn("etl: reader-mode poll failed", zap.Uint32("sequence", seq), zap.Error(err))
				if !sleepOrDone(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			if applied {
				seq++
				continue
			}
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		if p.validated != nil {
			if err := p.validated.WaitFor(ctx, seq); err != nil {
				return
			}
		}
		start := time.Now()
		res, err := p.source.FetchLedger(ctx, seq, true, true)
		if err != nil {
			if clioerr.KindOf(err) == clioerr.KindNoPeers {
				if !sleepOrDone(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			select {
			case errCh <- err:
			default:
			}
			return
		}
		if p.metrics != nil {
			p.metrics.LedgerLatency.Observe(time.Since(start).Seconds())
		}
		select {
		case queue <- extracted{seq: seq, result: res}:
		case <-ctx.Done():
			return
		}
		seq++
	}
}

// transformAndPublish decodes the fetched header and diffs into write
// records, maintains successor pointers in both directions, drives the
// account_tx batch, and finishes the write batch.
func (p *Pipeline) transformAndPublish(ctx context.Context, item extracted) error {
	seq := item.seq
	res := item.result
	if !res.Success {
		return fmt.Errorf("etl: peer reported failure for ledger %d", seq)
	}

	header, err := codec.DecodeHeader(res.HeaderBytes)
	if err != nil {
		return fmt.Errorf("etl: decode header for ledger %d: %w", seq, err)
	}

	p.facade.StartWrites(seq, false)
	p.facade.WriteLedger(header, res.HeaderBytes)

	for _, diff := range res.Objects {
		isDeleted := len(diff.Blob) == 0
		p.facade.WriteLedgerObject(store.ObjectWrite{
			Key: diff.Key, Sequence: seq, Blob: diff.Blob,
			IsCreated: !isDeleted, IsDeleted: isDeleted,
		})
		if isDeleted {
			// A deleted key leaves the chain: its predecessor now points
			// straight at its successor.
			if diff.PredecessorKey != nil && diff.SuccessorKey != nil {
				p.facade.WriteSuccessor(store.SuccessorWrite{KeyPrev: *diff.PredecessorKey, Sequence: seq, KeyNext: *diff.SuccessorKey})
			}
			continue
		}
		if diff.PredecessorKey != nil {
			p.facade.WriteSuccessor(store.SuccessorWrite{KeyPrev: *diff.PredecessorKey, Sequence: seq, KeyNext: diff.Key})
		}
		if diff.SuccessorKey != nil {
			p.facade.WriteSuccessor(store.SuccessorWrite{KeyPrev: diff.Key, Sequence: seq, KeyNext: *diff.SuccessorKey})
		}
	}

	for i, txBlob := range res.Transactions {
		hash := codec.HashTransactionBlob(txBlob.TransactionBlob)
		tx := store.Transaction{
			Hash:             hash,
			LedgerSequence:   seq,
			TransactionIndex: uint32(i),
			TransactionBlob:  txBlob.TransactionBlob,
			MetadataBlob:     txBlob.MetadataBlob,
		}
		p.facade.WriteTransaction(tx)

		if len(txBlob.Accounts) > 0 {
			cursor := store.AccountTxCursor{LedgerSequence: seq, TransactionIndex: uint32(i)}
			batch := make([]store.AccountTxWrite, len(txBlob.Accounts))
			for j, acct := range txBlob.Accounts {
				batch[j] = store.AccountTxWrite{Account: store.Hash256(acct), Cursor: cursor, Hash: hash}
			}
			p.facade.WriteAccountTransactions(batch)
		}
	}

	if !p.facade.FinishWrites(ctx, seq) {
		return fmt.Errorf("etl: finishWrites failed for ledger %d", seq)
	}

	if p.metrics != nil {
		p.metrics.LedgersIngested.Inc()
		p.metrics.MaxSequence.Set(float64(seq))
	}

	if p.publish != nil {
		p.publish(seq, header)
	}
	return nil
}

// readerStep drives reader mode (§4.6): on a replica that does not hold
// the writer lease, it re-reads the next sequence from storage instead
// of fetching from a peer, folds it into the cache, and publishes the
// same ledger-closed event a leader would, so subscribers and cache
// reads stay live on every replica. It reports applied=false when seq
// has not been written by the leader yet.
func (p *Pipeline) readerStep(ctx context.Context, seq uint32) (applied bool, err error) {
	rng, err := p.facade.FetchLedgerRange(ctx)
	if err != nil {
		if clioerr.KindOf(err) == clioerr.KindLgrNotFound {
			return false, nil
		}
		return false, err
	}
	if rng == nil || seq > rng.MaxSequence {
		return false, nil
	}

	header, err := p.facade.ApplyReaderUpdate(ctx, seq)
	if err != nil {
		return false, err
	}

	if p.metrics != nil {
		p.metrics.MaxSequence.Set(float64(seq))
	}
	if p.publish != nil {
		p.publish(seq, *header)
	}
	return true, nil
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
