package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrplf/clio-go/internal/rpc"
	"github.com/xrplf/clio-go/internal/store"
)

type fakeFacade struct {
	header *store.Header
	rng    *store.LedgerRange
	tx     *store.Transaction
}

func (f *fakeFacade) FetchLedgerBySequence(ctx context.Context, seq uint32) (*store.Header, error) {
	return f.header, nil
}
func (f *fakeFacade) FetchLedgerRange(ctx context.Context) (*store.LedgerRange, error) {
	return f.rng, nil
}
func (f *fakeFacade) FetchTransaction(ctx context.Context, hash store.Hash256) (*store.Transaction, error) {
	return f.tx, nil
}
func (f *fakeFacade) FetchAllTransactionsInLedger(ctx context.Context, seq uint32) ([]store.Transaction, error) {
	return nil, nil
}
func (f *fakeFacade) FetchAccountTransactions(ctx context.Context, account store.Hash256, limit int, cursor *store.AccountTxCursor, forward bool) (*store.AccountTxPage, error) {
	return &store.AccountTxPage{}, nil
}
func (f *fakeFacade) FetchLedgerPage(ctx context.Context, cursor *store.Hash256, seq uint32, limit int) (*store.Page, error) {
	return &store.Page{}, nil
}
func (f *fakeFacade) FetchBookOffers(ctx context.Context, book store.Book, seq uint32, limit int, cursor *store.Hash256) (*store.BookOffersPage, error) {
	return &store.BookOffersPage{}, nil
}

func TestLedgerHandlerDefaultsToMaxSequence(t *testing.T) {
	f := &fakeFacade{
		header: &store.Header{Sequence: 42},
		rng:    &store.LedgerRange{MinSequence: 1, MaxSequence: 42},
	}
	h := ledgerHandler(f)
	resp, err := h(context.Background(), rpc.Request{Params: map[string]any{}})
	require.NoError(t, err)
	ledger := resp.Result["ledger"].(map[string]any)
	assert.Equal(t, uint32(42), ledger["ledger_index"])
}

func TestTxHandlerRequiresTransactionParam(t *testing.T) {
	f := &fakeFacade{}
	h := txHandler(f)
	_, err := h(context.Background(), rpc.Request{Params: map[string]any{}})
	assert.Error(t, err)
}

func TestServerInfoHandlerReportsCompleteLedgers(t *testing.T) {
	f := &fakeFacade{rng: &store.LedgerRange{MinSequence: 10, MaxSequence: 20}}
	h := serverInfoHandler(f)
	resp, err := h(context.Background(), rpc.Request{})
	require.NoError(t, err)
	info := resp.Result["info"].(map[string]any)
	assert.Equal(t, "10-20", info["complete_ledgers"])
}
