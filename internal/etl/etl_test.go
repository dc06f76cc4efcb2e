package etl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/codec"
	"github.com/xrplf/clio-go/internal/peer"
	"github.com/xrplf/clio-go/internal/store"
)

type fakeSource struct {
	mu    sync.Mutex
	calls []uint32
	max   uint32
}

func (f *fakeSource) FetchLedger(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool) (*peer.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, seq)
	if seq > f.max {
		return nil, fmt.Errorf("no ledger yet")
	}
	return &peer.FetchResult{
		Success:     true,
		HeaderBytes: codec.EncodeHeader(store.Header{Sequence: seq}),
		Objects:     []peer.ObjectDiff{{Key: [32]byte{byte(seq)}, Blob: []byte("blob")}},
	}, nil
}

type fakeFacade struct {
	mu         sync.Mutex
	writes     []uint32
	finished   []uint32
	accountTx  []store.AccountTxWrite
	successors []store.SuccessorWrite

	readerRange   *store.LedgerRange
	readerApplied []uint32
}

func (f *fakeFacade) StartWrites(seq uint32, isFirst bool)                {}
func (f *fakeFacade) WriteLedger(header store.Header, headerBytes []byte) {}
func (f *fakeFacade) WriteLedgerObject(w store.ObjectWrite) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, w.Sequence)
}
func (f *fakeFacade) WriteTransaction(tx store.Transaction) {}
func (f *fakeFacade) WriteAccountTransactions(batch []store.AccountTxWrite) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountTx = append(f.accountTx, batch...)
}
func (f *fakeFacade) WriteSuccessor(w store.SuccessorWrite) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successors = append(f.successors, w)
}
func (f *fakeFacade) FetchLedgerRange(ctx context.Context) (*store.LedgerRange, error) {
	return f.readerRange, nil
}
func (f *fakeFacade) FinishWrites(ctx context.Context, seq uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, seq)
	return true
}
func (f *fakeFacade) ApplyReaderUpdate(ctx context.Context, seq uint32) (*store.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readerApplied = append(f.readerApplied, seq)
	return &store.Header{Sequence: seq}, nil
}

func TestPipelinePublishesInOrderAndStopsAtKnownMax(t *testing.T) {
	src := &fakeSource{max: 3}
	fac := &fakeFacade{}
	var published []uint32
	var mu sync.Mutex
	p := NewPipeline(src, fac, NewStaticLeader(true), nil, 4, func(seq uint32, h store.Header) {
		mu.Lock()
		published = append(published, seq)
		mu.Unlock()
	}, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx, 1)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, len(published) >= 3)
	for i, seq := range published[:3] {
		assert.Equal(t, uint32(i+1), seq)
	}
}

func TestPipelineIdlesWhenNotLeader(t *testing.T) {
	src := &fakeSource{max: 10}
	fac := &fakeFacade{}
	p := NewPipeline(src, fac, NewStaticLeader(false), nil, 4, func(seq uint32, h store.Header) {}, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx, 1)

	fac.mu.Lock()
	defer fac.mu.Unlock()
	assert.Empty(t, fac.finished, "no writes should happen while not leader")
	assert.Empty(t, fac.readerApplied, "no ledger is writable yet, so reader mode has nothing to apply")
}

func TestPipelineReaderModeAppliesWrittenSequences(t *testing.T) {
	src := &fakeSource{max: 10}
	fac := &fakeFacade{readerRange: &store.LedgerRange{MinSequence: 1, MaxSequence: 3}}
	var published []uint32
	var mu sync.Mutex
	p := NewPipeline(src, fac, NewStaticLeader(false), nil, 4, func(seq uint32, h store.Header) {
		mu.Lock()
		published = append(published, seq)
		mu.Unlock()
	}, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx, 1)

	fac.mu.Lock()
	defer fac.mu.Unlock()
	assert.Empty(t, fac.finished, "reader mode never drives a writer-only FinishWrites")
	require.True(t, len(fac.readerApplied) >= 3)
	assert.Equal(t, []uint32{1, 2, 3}, fac.readerApplied[:3])

	mu.Lock()
	defer mu.Unlock()
	require.True(t, len(published) >= 3)
	assert.Equal(t, []uint32{1, 2, 3}, published[:3])
}

func TestTransformAndPublishWritesBothSuccessorPointersAndAccountTx(t *testing.T) {
	fac := &fakeFacade{}
	p := NewPipeline(&fakeSource{}, fac, NewStaticLeader(true), nil, 1, func(seq uint32, h store.Header) {}, nil, zap.NewNop())

	predecessor := [32]byte{1}
	key := [32]byte{2}
	successor := [32]byte{3}
	account := [32]byte{4}

	item := extracted{seq: 5, result: &peer.FetchResult{
		Success:     true,
		HeaderBytes: codec.EncodeHeader(store.Header{Sequence: 5}),
		Objects: []peer.ObjectDiff{{
			Key: key, Blob: []byte("blob"),
			PredecessorKey: &predecessor,
			SuccessorKey:   &successor,
		}},
		Transactions: []peer.TransactionBlob{{
			TransactionBlob: []byte("tx-blob"),
			MetadataBlob:    []byte("meta"),
			Accounts:        [][32]byte{account},
		}},
	}}

	require.NoError(t, p.transformAndPublish(context.Background(), item))

	fac.mu.Lock()
	defer fac.mu.Unlock()
	require.Len(t, fac.successors, 2)
	assert.Equal(t, store.SuccessorWrite{KeyPrev: predecessor, Sequence: 5, KeyNext: key}, fac.successors[0])
	assert.Equal(t, store.SuccessorWrite{KeyPrev: key, Sequence: 5, KeyNext: successor}, fac.successors[1])

	require.Len(t, fac.accountTx, 1)
	assert.Equal(t, store.Hash256(account), fac.accountTx[0].Account)
	assert.Equal(t, store.AccountTxCursor{LedgerSequence: 5, TransactionIndex: 0}, fac.accountTx[0].Cursor)
	assert.Equal(t, codec.HashTransactionBlob([]byte("tx-blob")), fac.accountTx[0].Hash)
}

type fakeLeaseStore struct {
	mu       sync.Mutex
	owner    string
	acquired bool
}

func (f *fakeLeaseStore) AcquireOrRenewLease(ctx context.Context, ownerID string, ttlSeconds int64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == "" || f.owner == ownerID {
		f.owner = ownerID
		f.acquired = true
		return f.owner, true, nil
	}
	return f.owner, false, nil
}

func (f *fakeLeaseStore) ReleaseLease(ctx context.Context, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == ownerID {
		f.owner = ""
	}
	return nil
}

func TestLeaderElectorAcquiresWhenLeaseFree(t *testing.T) {
	store := &fakeLeaseStore{}
	e := NewLeaderElector(store, 300*time.Millisecond, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, e.IsLeader())
	cancel()
	time.Sleep(20 * time.Millisecond)
}

func TestLeaderElectorLosesWhenAnotherOwnerHoldsLease(t *testing.T) {
	store := &fakeLeaseStore{owner: "someone-else", acquired: true}
	e := NewLeaderElector(store, 300*time.Millisecond, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, e.IsLeader())
}
