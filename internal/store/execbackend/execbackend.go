// Package execbackend wraps a store.Backend driver with the bounded
// concurrency and retry policy of internal/execution: every read goes
// through Strategy.Read (bounded, retried on transient driver errors),
// every write goes through Strategy.WriteSync (bounded, single-shot
// durable). It is the seam between the storage facade and whichever
// driver backs it, so a driver package itself never has to know about
// backpressure or retries.
package execbackend

import (
	"context"
	"errors"

	"github.com/lib/pq"

	"github.com/xrplf/clio-go/internal/execution"
	"github.com/xrplf/clio-go/internal/store"
)

// Backend wraps a store.Backend with an execution.Strategy.
type Backend struct {
	driver store.Backend
	strat  *execution.Strategy
}

// New builds a retrying, bounded-concurrency Backend over driver.
func New(driver store.Backend, strat *execution.Strategy) *Backend {
	return &Backend{driver: driver, strat: strat}
}

// IsRetryablePQError classifies a lib/pq error as transient: connection
// drops and the handful of SQLSTATE classes that mean "try again",
// as opposed to constraint violations or syntax errors.
func IsRetryablePQError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"53", // insufficient resources
			"57", // operator intervention
			"58": // system error
			return true
		}
		return false
	}
	// Anything that isn't a typed pq.Error (network dial failures,
	// driver.ErrBadConn, etc.) is assumed transient.
	return true
}

func (b *Backend) FetchLedgerBySequence(ctx context.Context, seq uint32) (*store.Header, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchLedgerBySequence(ctx, seq) })
	if err != nil {
		return nil, err
	}
	return v.(*store.Header), nil
}

func (b *Backend) FetchLedgerByHash(ctx context.Context, hash store.Hash256) (*store.Header, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchLedgerByHash(ctx, hash) })
	if err != nil {
		return nil, err
	}
	return v.(*store.Header), nil
}

func (b *Backend) FetchLedgerRange(ctx context.Context) (*store.LedgerRange, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchLedgerRange(ctx) })
	if err != nil {
		return nil, err
	}
	return v.(*store.LedgerRange), nil
}

func (b *Backend) FetchLedgerObject(ctx context.Context, key store.Hash256, seq uint32) ([]byte, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchLedgerObject(ctx, key, seq) })
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]byte), nil
}

func (b *Backend) FetchLedgerObjects(ctx context.Context, keys []store.Hash256, seq uint32) ([][]byte, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchLedgerObjects(ctx, keys, seq) })
	if err != nil {
		return nil, err
	}
	return v.([][]byte), nil
}

func (b *Backend) FetchObjectsAtSequence(ctx context.Context, seq uint32) ([]store.LedgerObject, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchObjectsAtSequence(ctx, seq) })
	if err != nil {
		return nil, err
	}
	return v.([]store.LedgerObject), nil
}

func (b *Backend) FetchSuccessor(ctx context.Context, key store.Hash256, seq uint32) (*store.Successor, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchSuccessor(ctx, key, seq) })
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*store.Successor), nil
}

func (b *Backend) FetchLedgerPage(ctx context.Context, cursor *store.Hash256, seq uint32, limit int) (*store.Page, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchLedgerPage(ctx, cursor, seq, limit) })
	if err != nil {
		return nil, err
	}
	return v.(*store.Page), nil
}

func (b *Backend) FetchBookOffers(ctx context.Context, book store.Book, seq uint32, limit int, cursor *store.Hash256) (*store.BookOffersPage, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchBookOffers(ctx, book, seq, limit, cursor) })
	if err != nil {
		return nil, err
	}
	return v.(*store.BookOffersPage), nil
}

func (b *Backend) FetchKeysAtFlag(ctx context.Context, flagSeq uint32, cursor *store.Hash256, limit int) ([]store.Hash256, *store.Hash256, error) {
	type result struct {
		keys []store.Hash256
		next *store.Hash256
	}
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) {
		keys, next, err := b.driver.FetchKeysAtFlag(ctx, flagSeq, cursor, limit)
		if err != nil {
			return nil, err
		}
		return result{keys, next}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	r := v.(result)
	return r.keys, r.next, nil
}

func (b *Backend) FetchTransaction(ctx context.Context, hash store.Hash256) (*store.Transaction, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchTransaction(ctx, hash) })
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*store.Transaction), nil
}

func (b *Backend) FetchTransactions(ctx context.Context, hashes []store.Hash256) ([]store.Transaction, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchTransactions(ctx, hashes) })
	if err != nil {
		return nil, err
	}
	return v.([]store.Transaction), nil
}

func (b *Backend) FetchAllTransactionsInLedger(ctx context.Context, seq uint32) ([]store.Transaction, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchAllTransactionsInLedger(ctx, seq) })
	if err != nil {
		return nil, err
	}
	return v.([]store.Transaction), nil
}

func (b *Backend) FetchAllTransactionHashesInLedger(ctx context.Context, seq uint32) ([]store.Hash256, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) { return b.driver.FetchAllTransactionHashesInLedger(ctx, seq) })
	if err != nil {
		return nil, err
	}
	return v.([]store.Hash256), nil
}

func (b *Backend) FetchAccountTransactions(ctx context.Context, account store.Hash256, limit int, cursor *store.AccountTxCursor, forward bool) (*store.AccountTxPage, error) {
	v, err := b.strat.Read(ctx, func(ctx context.Context) (any, error) {
		return b.driver.FetchAccountTransactions(ctx, account, limit, cursor, forward)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.AccountTxPage), nil
}

// partition identifies the write-retry bucket for a given ledger sequence;
// all writes for one ledger share a bucket so FinishWrites-style draining
// could key on it if a caller ever moves these onto WriteAsync.
func partition(seq uint32) uint32 { return seq }

func (b *Backend) WriteLedger(ctx context.Context, header store.Header, headerBytes []byte, isFirst bool) error {
	return b.strat.WriteSync(ctx, partition(header.Sequence), func(ctx context.Context) error {
		return b.driver.WriteLedger(ctx, header, headerBytes, isFirst)
	})
}

func (b *Backend) WriteLedgerObject(ctx context.Context, w store.ObjectWrite) error {
	return b.strat.WriteSync(ctx, partition(w.Sequence), func(ctx context.Context) error {
		return b.driver.WriteLedgerObject(ctx, w)
	})
}

func (b *Backend) WriteTransaction(ctx context.Context, tx store.Transaction) error {
	return b.strat.WriteSync(ctx, partition(tx.LedgerSequence), func(ctx context.Context) error {
		return b.driver.WriteTransaction(ctx, tx)
	})
}

func (b *Backend) WriteAccountTransactions(ctx context.Context, batch []store.AccountTxWrite) error {
	var seq uint32
	if len(batch) > 0 {
		seq = uint32(batch[0].Cursor.LedgerSequence)
	}
	return b.strat.WriteSync(ctx, partition(seq), func(ctx context.Context) error {
		return b.driver.WriteAccountTransactions(ctx, batch)
	})
}

func (b *Backend) WriteSuccessor(ctx context.Context, w store.SuccessorWrite) error {
	return b.strat.WriteSync(ctx, partition(w.Sequence), func(ctx context.Context) error {
		return b.driver.WriteSuccessor(ctx, w)
	})
}

func (b *Backend) WriteKeysAtFlag(ctx context.Context, flagSeq uint32, keys []store.Hash256) error {
	return b.strat.WriteSync(ctx, partition(flagSeq), func(ctx context.Context) error {
		return b.driver.WriteKeysAtFlag(ctx, flagSeq, keys)
	})
}

func (b *Backend) AcquireOrRenewLease(ctx context.Context, ownerID string, ttlSeconds int64) (string, bool, error) {
	return b.driver.AcquireOrRenewLease(ctx, ownerID, ttlSeconds)
}

func (b *Backend) ReleaseLease(ctx context.Context, ownerID string) error {
	return b.driver.ReleaseLease(ctx, ownerID)
}

func (b *Backend) DeleteBelow(ctx context.Context, floor uint32) error {
	return b.driver.DeleteBelow(ctx, floor)
}

func (b *Backend) Close() error {
	return b.driver.Close()
}
