package execbackend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/execution"
	"github.com/xrplf/clio-go/internal/store"
)

type fakeDriver struct {
	store.Backend
	failTimes int
	calls     int
	header    *store.Header
}

func (d *fakeDriver) FetchLedgerBySequence(ctx context.Context, seq uint32) (*store.Header, error) {
	d.calls++
	if d.calls <= d.failTimes {
		return nil, errors.New("transient")
	}
	return d.header, nil
}

func (d *fakeDriver) WriteLedger(ctx context.Context, header store.Header, headerBytes []byte, isFirst bool) error {
	d.calls++
	return nil
}

func TestFetchLedgerBySequenceRetriesThenSucceeds(t *testing.T) {
	driver := &fakeDriver{failTimes: 2, header: &store.Header{Sequence: 5}}
	strat := execution.New(4, 4, func(error) bool { return true }, execution.RetryPolicy{Base: 0, Factor: 1, Cap: 0, MaxRetries: 5}, zap.NewNop())
	b := New(driver, strat)

	h, err := b.FetchLedgerBySequence(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), h.Sequence)
	assert.Equal(t, 3, driver.calls)
}

func TestWriteLedgerDelegatesThroughWriteSync(t *testing.T) {
	driver := &fakeDriver{}
	strat := execution.New(4, 4, func(error) bool { return false }, execution.DefaultRetryPolicy, zap.NewNop())
	b := New(driver, strat)

	err := b.WriteLedger(context.Background(), store.Header{Sequence: 1}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, driver.calls)
}

func TestIsRetryablePQErrorTreatsUnknownErrorsAsTransient(t *testing.T) {
	assert.True(t, IsRetryablePQError(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetryablePQError(nil))
}
