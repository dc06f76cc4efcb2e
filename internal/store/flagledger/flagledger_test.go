package flagledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsKeyShiftTo20(t *testing.T) {
	s := New(0)
	assert.Equal(t, uint(20), s.KeyShift)
}

func TestIsFlagLedgerRecognizesMultiplesOfShift(t *testing.T) {
	s := New(16)
	assert.True(t, s.IsFlagLedger(0))
	assert.True(t, s.IsFlagLedger(1 << 16))
	assert.False(t, s.IsFlagLedger(1<<16+1))
}

func TestKeyIndexOfSeqReturnsSameSeqWhenAlreadyFlagLedger(t *testing.T) {
	s := New(16)
	idx := s.KeyIndexOfSeq(1 << 16)
	assert.Equal(t, uint32(1<<16), idx.Value)
}

func TestKeyIndexOfSeqReturnsNextFlagLedgerOtherwise(t *testing.T) {
	s := New(16)
	idx := s.KeyIndexOfSeq(1<<16 + 5)
	assert.Equal(t, uint32(2<<16), idx.Value)
}
