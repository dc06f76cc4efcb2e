package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/clioerr"
	"github.com/xrplf/clio-go/internal/store/cache"
	"github.com/xrplf/clio-go/internal/store/flagledger"
)

// Facade is the typed storage API every reader of this package programs
// against (component C in the design): cache-first reads, flag-ledger-aware
// page scans, and a write contract that batches one ledger at a time.
type Facade struct {
	backend Backend
	cache   *cache.Cache
	scheme  flagledger.Scheme
	log     *zap.Logger

	writeMu sync.Mutex
	current *WriteBatch

	minSeq atomic32
}

type atomic32 struct {
	mu  sync.RWMutex
	val uint32
}

func (a *atomic32) set(v uint32) { a.mu.Lock(); a.val = v; a.mu.Unlock() }
func (a *atomic32) get() uint32  { a.mu.RLock(); defer a.mu.RUnlock(); return a.val }

// New wires a Backend, a Cache, and a flag-ledger Scheme into a Facade.
func New(backend Backend, c *cache.Cache, scheme flagledger.Scheme, log *zap.Logger) *Facade {
	return &Facade{backend: backend, cache: c, scheme: scheme, log: log}
}

func (f *Facade) Cache() *cache.Cache { return f.cache }

// FetchLedgerBySequence returns the header at seq, or clioerr.ErrLgrNotFound.
func (f *Facade) FetchLedgerBySequence(ctx context.Context, seq uint32) (*Header, error) {
	if seq < f.minSeq.get() {
		return nil, clioerr.ErrLgrNotFound
	}
	h, err := f.backend.FetchLedgerBySequence(ctx, seq)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	if h == nil {
		return nil, clioerr.ErrLgrNotFound
	}
	return h, nil
}

func (f *Facade) FetchLedgerByHash(ctx context.Context, hash Hash256) (*Header, error) {
	h, err := f.backend.FetchLedgerByHash(ctx, hash)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	if h == nil {
		return nil, clioerr.ErrLgrNotFound
	}
	return h, nil
}

func (f *Facade) FetchLedgerRange(ctx context.Context) (*LedgerRange, error) {
	r, err := f.backend.FetchLedgerRange(ctx)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return r, nil
}

// FetchLedgerObject checks the in-memory cache first; on a cache miss it
// falls through to the backend. An online-delete floor above seq always
// surfaces LgrNotFound rather than stale data, per the spec's resolution
// of that Open Question.
func (f *Facade) FetchLedgerObject(ctx context.Context, key Hash256, seq uint32) ([]byte, error) {
	if seq < f.minSeq.get() {
		return nil, clioerr.ErrLgrNotFound
	}
	if blob, ok := f.cache.Get(key, seq); ok {
		return blob, nil
	}
	blob, err := f.backend.FetchLedgerObject(ctx, key, seq)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return blob, nil
}

func (f *Facade) FetchLedgerObjects(ctx context.Context, keys []Hash256, seq uint32) ([][]byte, error) {
	out := make([][]byte, len(keys))
	var misses []Hash256
	var missIdx []int
	for i, k := range keys {
		if blob, ok := f.cache.Get(k, seq); ok {
			out[i] = blob
			continue
		}
		misses = append(misses, k)
		missIdx = append(missIdx, i)
	}
	if len(misses) == 0 {
		return out, nil
	}
	blobs, err := f.backend.FetchLedgerObjects(ctx, misses, seq)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	for i, idx := range missIdx {
		out[idx] = blobs[i]
	}
	return out, nil
}

// FetchSuccessor returns the smallest key > key live at seq, checking the
// cache before the backend's persisted successor pointers.
func (f *Facade) FetchSuccessor(ctx context.Context, key Hash256, seq uint32) (*Successor, error) {
	if s, ok := f.cache.Successor(key, seq); ok {
		return s, nil
	}
	s, err := f.backend.FetchSuccessor(ctx, key, seq)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return s, nil
}

// FetchLedgerPage hands the whole page scan to the backend. The flag
// checkpoint covering seq is computed but not passed on, so the scan does
// not start from a flag-ledger keys row.
func (f *Facade) FetchLedgerPage(ctx context.Context, cursor *Hash256, seq uint32, limit int) (*Page, error) {
	_ = f.scheme.KeyIndexOfSeq(seq) // the checkpoint covering seq; unused by the backend call
	p, err := f.backend.FetchLedgerPage(ctx, cursor, seq, limit)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return p, nil
}

func (f *Facade) FetchBookOffers(ctx context.Context, book Book, seq uint32, limit int, cursor *Hash256) (*BookOffersPage, error) {
	p, err := f.backend.FetchBookOffers(ctx, book, seq, limit, cursor)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return p, nil
}

func (f *Facade) FetchTransaction(ctx context.Context, hash Hash256) (*Transaction, error) {
	tx, err := f.backend.FetchTransaction(ctx, hash)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	if tx == nil {
		return nil, clioerr.ErrNotFound
	}
	return tx, nil
}

func (f *Facade) FetchTransactions(ctx context.Context, hashes []Hash256) ([]Transaction, error) {
	txs, err := f.backend.FetchTransactions(ctx, hashes)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return txs, nil
}

func (f *Facade) FetchAllTransactionsInLedger(ctx context.Context, seq uint32) ([]Transaction, error) {
	txs, err := f.backend.FetchAllTransactionsInLedger(ctx, seq)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return txs, nil
}

func (f *Facade) FetchAllTransactionHashesInLedger(ctx context.Context, seq uint32) ([]Hash256, error) {
	hs, err := f.backend.FetchAllTransactionHashesInLedger(ctx, seq)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return hs, nil
}

func (f *Facade) FetchAccountTransactions(ctx context.Context, account Hash256, limit int, cursor *AccountTxCursor, forward bool) (*AccountTxPage, error) {
	p, err := f.backend.FetchAccountTransactions(ctx, account, limit, cursor, forward)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	return p, nil
}

// StartWrites opens a new write batch for seq. Only the writer leader
// calls this; the transformer is the single writer.
func (f *Facade) StartWrites(seq uint32, isFirst bool) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.current = &WriteBatch{Sequence: seq, IsFirst: isFirst}
}

func (f *Facade) WriteLedger(header Header, headerBytes []byte) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.current.Header = header
	f.current.HeaderBytes = headerBytes
}

func (f *Facade) WriteLedgerObject(w ObjectWrite) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.current.Objects = append(f.current.Objects, w)
}

func (f *Facade) WriteTransaction(tx Transaction) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.current.Transactions = append(f.current.Transactions, tx)
}

func (f *Facade) WriteAccountTransactions(batch []AccountTxWrite) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.current.AccountTx = append(f.current.AccountTx, batch...)
}

func (f *Facade) WriteSuccessor(w SuccessorWrite) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.current.Successors = append(f.current.Successors, w)
}

// FinishWrites durably persists every write accumulated since StartWrites,
// applies the diff to the in-memory cache, and returns true only once
// every write for seq has been acknowledged (I1). A false return means the
// caller must treat the ledger as not written and retry.
func (f *Facade) FinishWrites(ctx context.Context, seq uint32) bool {
	f.writeMu.Lock()
	batch := f.current
	f.current = nil
	f.writeMu.Unlock()

	if batch == nil || batch.Sequence != seq {
		return false
	}

	if err := f.backend.WriteLedger(ctx, batch.Header, batch.HeaderBytes, batch.IsFirst); err != nil {
		f.log.Error("write ledger failed", zap.Uint32("sequence", seq), zap.Error(err))
		return false
	}
	for _, o := range batch.Objects {
		if err := f.backend.WriteLedgerObject(ctx, o); err != nil {
			f.log.Error("write object failed", zap.Uint32("sequence", seq), zap.Error(err))
			return false
		}
	}
	for _, tx := range batch.Transactions {
		if err := f.backend.WriteTransaction(ctx, tx); err != nil {
			f.log.Error("write transaction failed", zap.Uint32("sequence", seq), zap.Error(err))
			return false
		}
	}
	if len(batch.AccountTx) > 0 {
		if err := f.backend.WriteAccountTransactions(ctx, batch.AccountTx); err != nil {
			f.log.Error("write account_tx failed", zap.Uint32("sequence", seq), zap.Error(err))
			return false
		}
	}
	for _, s := range batch.Successors {
		if err := f.backend.WriteSuccessor(ctx, s); err != nil {
			f.log.Error("write successor failed", zap.Uint32("sequence", seq), zap.Error(err))
			return false
		}
	}
	if f.scheme.IsFlagLedger(seq) {
		keys := make([]Hash256, len(batch.Objects))
		for i, o := range batch.Objects {
			keys[i] = o.Key
		}
		if err := f.backend.WriteKeysAtFlag(ctx, seq, keys); err != nil {
			f.log.Error("write flag-ledger keys failed", zap.Uint32("sequence", seq), zap.Error(err))
			return false
		}
	}

	objs := make([]LedgerObject, len(batch.Objects))
	for i, o := range batch.Objects {
		objs[i] = LedgerObject{Key: o.Key, Sequence: o.Sequence, Blob: o.Blob}
	}
	f.cache.Update(objs, seq)
	return true
}

// ApplyReaderUpdate re-reads seq's header and object diffs directly from
// the backend and folds them into the in-memory cache, for reader-mode
// replicas (§4.6) that never hold the writer lease and so never drive
// FinishWrites themselves.
func (f *Facade) ApplyReaderUpdate(ctx context.Context, seq uint32) (*Header, error) {
	h, err := f.backend.FetchLedgerBySequence(ctx, seq)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	if h == nil {
		return nil, clioerr.ErrLgrNotFound
	}
	objs, err := f.backend.FetchObjectsAtSequence(ctx, seq)
	if err != nil {
		return nil, classifyBackendErr(err)
	}
	f.cache.Update(objs, seq)
	return h, nil
}

// SetMinSequence raises the lower bound of reads visible through this
// facade, used by the online-delete loop once it has reclaimed rows below
// floor.
func (f *Facade) SetMinSequence(floor uint32) { f.minSeq.set(floor) }

func classifyBackendErr(err error) error {
	if err == nil {
		return nil
	}
	if clioerr.KindOf(err) != clioerr.KindUnknown {
		return err
	}
	return clioerr.Wrap(clioerr.KindStorageUnavailable, "backend error", err)
}
