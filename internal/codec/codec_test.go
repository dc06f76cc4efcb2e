package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrplf/clio-go/internal/store"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := store.Header{
		Sequence:            32570,
		Hash:                store.Hash256{1, 2, 3},
		ParentHash:          store.Hash256{4, 5, 6},
		TxTreeHash:          store.Hash256{7},
		StateTreeHash:       store.Hash256{8},
		TotalDrops:          99999999999,
		CloseTime:           486589820,
		ParentCloseTime:     486589810,
		CloseTimeResolution: 10,
		CloseFlags:          0,
	}
	encoded := EncodeHeader(h)
	decoded, err := DecodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeHeaderRejectsWrongSize(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestTransactionRoundTrip(t *testing.T) {
	tx := store.Transaction{
		Hash:             store.Hash256{9, 9, 9},
		LedgerSequence:   10_000_000,
		TransactionIndex: 3,
		TransactionBlob:  []byte("tx-blob"),
		MetadataBlob:     []byte("meta-blob"),
	}
	encoded := EncodeTransaction(tx)
	decoded, err := DecodeTransaction(encoded)
	require.NoError(t, err)
	assert.Equal(t, tx, decoded)
}

func TestHashTransactionBlobIsDeterministic(t *testing.T) {
	blob := []byte("tx-blob")
	assert.Equal(t, HashTransactionBlob(blob), HashTransactionBlob(blob))
	assert.NotEqual(t, HashTransactionBlob(blob), HashTransactionBlob([]byte("other-blob")))
}

func TestObjectRoundTrip(t *testing.T) {
	blob := []byte("object-blob")
	encoded := EncodeObject(blob)
	decoded, err := DecodeObject(encoded)
	require.NoError(t, err)
	assert.Equal(t, blob, decoded)
}
