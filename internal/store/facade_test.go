package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/clioerr"
	"github.com/xrplf/clio-go/internal/store/cache"
	"github.com/xrplf/clio-go/internal/store/flagledger"
)

// fakeBackend implements Backend, returning canned values or erroring when
// the corresponding field is set.
type fakeBackend struct {
	header    *Header
	headerErr error

	objectsAtSeq []LedgerObject

	leaseOwner string
	leaseOK    bool

	deleteBelowCalls []uint32
	writeErr         error
}

func (b *fakeBackend) FetchLedgerBySequence(ctx context.Context, seq uint32) (*Header, error) {
	return b.header, b.headerErr
}
func (b *fakeBackend) FetchLedgerByHash(ctx context.Context, hash Hash256) (*Header, error) {
	return b.header, b.headerErr
}
func (b *fakeBackend) FetchLedgerRange(ctx context.Context) (*LedgerRange, error) {
	return &LedgerRange{MinSequence: 1, MaxSequence: 100}, nil
}
func (b *fakeBackend) FetchLedgerObject(ctx context.Context, key Hash256, seq uint32) ([]byte, error) {
	return []byte("from-backend"), nil
}
func (b *fakeBackend) FetchLedgerObjects(ctx context.Context, keys []Hash256, seq uint32) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i := range keys {
		out[i] = []byte("from-backend")
	}
	return out, nil
}
func (b *fakeBackend) FetchObjectsAtSequence(ctx context.Context, seq uint32) ([]LedgerObject, error) {
	return b.objectsAtSeq, nil
}
func (b *fakeBackend) FetchSuccessor(ctx context.Context, key Hash256, seq uint32) (*Successor, error) {
	return nil, nil
}
func (b *fakeBackend) FetchLedgerPage(ctx context.Context, cursor *Hash256, seq uint32, limit int) (*Page, error) {
	return &Page{}, nil
}
func (b *fakeBackend) FetchBookOffers(ctx context.Context, book Book, seq uint32, limit int, cursor *Hash256) (*BookOffersPage, error) {
	return &BookOffersPage{}, nil
}
func (b *fakeBackend) FetchKeysAtFlag(ctx context.Context, flagSeq uint32, cursor *Hash256, limit int) ([]Hash256, *Hash256, error) {
	return nil, nil, nil
}
func (b *fakeBackend) FetchTransaction(ctx context.Context, hash Hash256) (*Transaction, error) {
	return nil, nil
}
func (b *fakeBackend) FetchTransactions(ctx context.Context, hashes []Hash256) ([]Transaction, error) {
	return nil, nil
}
func (b *fakeBackend) FetchAllTransactionsInLedger(ctx context.Context, seq uint32) ([]Transaction, error) {
	return nil, nil
}
func (b *fakeBackend) FetchAllTransactionHashesInLedger(ctx context.Context, seq uint32) ([]Hash256, error) {
	return nil, nil
}
func (b *fakeBackend) FetchAccountTransactions(ctx context.Context, account Hash256, limit int, cursor *AccountTxCursor, forward bool) (*AccountTxPage, error) {
	return &AccountTxPage{}, nil
}
func (b *fakeBackend) WriteLedger(ctx context.Context, header Header, headerBytes []byte, isFirst bool) error {
	return b.writeErr
}
func (b *fakeBackend) WriteLedgerObject(ctx context.Context, w ObjectWrite) error { return b.writeErr }
func (b *fakeBackend) WriteTransaction(ctx context.Context, tx Transaction) error { return b.writeErr }
func (b *fakeBackend) WriteAccountTransactions(ctx context.Context, batch []AccountTxWrite) error {
	return b.writeErr
}
func (b *fakeBackend) WriteSuccessor(ctx context.Context, w SuccessorWrite) error { return b.writeErr }
func (b *fakeBackend) WriteKeysAtFlag(ctx context.Context, flagSeq uint32, keys []Hash256) error {
	return b.writeErr
}
func (b *fakeBackend) AcquireOrRenewLease(ctx context.Context, ownerID string, ttlSeconds int64) (string, bool, error) {
	return b.leaseOwner, b.leaseOK, nil
}
func (b *fakeBackend) ReleaseLease(ctx context.Context, ownerID string) error { return nil }
func (b *fakeBackend) DeleteBelow(ctx context.Context, floor uint32) error {
	b.deleteBelowCalls = append(b.deleteBelowCalls, floor)
	return nil
}
func (b *fakeBackend) Close() error { return nil }

func newTestFacade(backend Backend) *Facade {
	return New(backend, cache.New(), flagledger.New(16), zap.NewNop())
}

func TestFetchLedgerBySequenceSurfacesLgrNotFoundOnNilHeader(t *testing.T) {
	f := newTestFacade(&fakeBackend{header: nil})
	_, err := f.FetchLedgerBySequence(context.Background(), 5)
	assert.ErrorIs(t, err, clioerr.ErrLgrNotFound)
}

func TestFetchLedgerBySequenceBelowMinSequenceIsLgrNotFound(t *testing.T) {
	f := newTestFacade(&fakeBackend{header: &Header{Sequence: 5}})
	f.SetMinSequence(10)
	_, err := f.FetchLedgerBySequence(context.Background(), 5)
	assert.ErrorIs(t, err, clioerr.ErrLgrNotFound)
}

func TestFetchLedgerBySequenceClassifiesUnknownBackendErrors(t *testing.T) {
	f := newTestFacade(&fakeBackend{headerErr: errors.New("connection reset")})
	_, err := f.FetchLedgerBySequence(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, clioerr.KindStorageUnavailable, clioerr.KindOf(err))
}

func TestFetchLedgerObjectPrefersCacheOverBackend(t *testing.T) {
	c := cache.New()
	key := Hash256{1}
	c.Update([]LedgerObject{{Key: key, Sequence: 5, Blob: []byte("cached")}}, 5)
	f := New(&fakeBackend{}, c, flagledger.New(16), zap.NewNop())

	blob, err := f.FetchLedgerObject(context.Background(), key, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), blob)
}

func TestFetchLedgerObjectFallsThroughToBackendOnCacheMiss(t *testing.T) {
	f := newTestFacade(&fakeBackend{})
	blob, err := f.FetchLedgerObject(context.Background(), Hash256{9}, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-backend"), blob)
}

func TestFinishWritesWithoutMatchingStartWritesReturnsFalse(t *testing.T) {
	f := newTestFacade(&fakeBackend{})
	ok := f.FinishWrites(context.Background(), 5)
	assert.False(t, ok)
}

func TestFinishWritesPersistsAndUpdatesCache(t *testing.T) {
	c := cache.New()
	f := New(&fakeBackend{}, c, flagledger.New(16), zap.NewNop())

	f.StartWrites(5, false)
	f.WriteLedger(Header{Sequence: 5}, []byte("hdr"))
	key := Hash256{7}
	f.WriteLedgerObject(ObjectWrite{Key: key, Sequence: 5, Blob: []byte("v")})

	ok := f.FinishWrites(context.Background(), 5)
	assert.True(t, ok)

	blob, hit := c.Get(key, 5)
	assert.True(t, hit)
	assert.Equal(t, []byte("v"), blob)
}

func TestApplyReaderUpdatePopulatesCacheFromBackend(t *testing.T) {
	c := cache.New()
	key := Hash256{3}
	backend := &fakeBackend{
		header:       &Header{Sequence: 9},
		objectsAtSeq: []LedgerObject{{Key: key, Sequence: 9, Blob: []byte("reader")}},
	}
	f := New(backend, c, flagledger.New(16), zap.NewNop())

	h, err := f.ApplyReaderUpdate(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), h.Sequence)

	blob, hit := c.Get(key, 9)
	assert.True(t, hit)
	assert.Equal(t, []byte("reader"), blob)
}

func TestApplyReaderUpdateSurfacesLgrNotFoundWhenUnwritten(t *testing.T) {
	f := newTestFacade(&fakeBackend{header: nil})
	_, err := f.ApplyReaderUpdate(context.Background(), 9)
	assert.ErrorIs(t, err, clioerr.ErrLgrNotFound)
}

func TestFinishWritesReturnsFalseOnBackendWriteError(t *testing.T) {
	f := newTestFacade(&fakeBackend{writeErr: errors.New("disk full")})
	f.StartWrites(5, false)
	f.WriteLedger(Header{Sequence: 5}, []byte("hdr"))
	assert.False(t, f.FinishWrites(context.Background(), 5))
}
