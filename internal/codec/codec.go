// Package codec implements the narrow decode/encode boundary the design
// treats as an external collaborator (component B): canonical
// serialization of ledger headers, ledger objects, and transactions.
// The wire bytes themselves are out of scope for this indexer (spec.md
// §1 Out-of-scope); this package only has to satisfy P4's round-trip
// property and produce a stable hash of the header bytes.
package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/xrplf/clio-go/internal/store"
)

const headerSize = 4 + 32*4 + 8 + 8 + 8 + 4 + 1

// EncodeHeader serializes h into its canonical byte representation.
func EncodeHeader(h store.Header) []byte {
	buf := make([]byte, headerSize)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], h.Sequence)
	off += 4
	copy(buf[off:], h.Hash[:])
	off += 32
	copy(buf[off:], h.ParentHash[:])
	off += 32
	copy(buf[off:], h.TxTreeHash[:])
	off += 32
	copy(buf[off:], h.StateTreeHash[:])
	off += 32
	binary.BigEndian.PutUint64(buf[off:], h.TotalDrops)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(h.CloseTime))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(h.ParentCloseTime))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(h.CloseTimeResolution))
	off += 4
	buf[off] = h.CloseFlags
	return buf
}

// DecodeHeader parses bytes produced by EncodeHeader. It returns an error
// if buf is not exactly headerSize bytes, so malformed upstream data never
// silently decodes into a zero-valued header.
func DecodeHeader(buf []byte) (store.Header, error) {
	var h store.Header
	if len(buf) != headerSize {
		return h, fmt.Errorf("codec: header must be %d bytes, got %d", headerSize, len(buf))
	}
	off := 0
	h.Sequence = binary.BigEndian.Uint32(buf[off:])
	off += 4
	copy(h.Hash[:], buf[off:off+32])
	off += 32
	copy(h.ParentHash[:], buf[off:off+32])
	off += 32
	copy(h.TxTreeHash[:], buf[off:off+32])
	off += 32
	copy(h.StateTreeHash[:], buf[off:off+32])
	off += 32
	h.TotalDrops = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.CloseTime = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	h.ParentCloseTime = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	h.CloseTimeResolution = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	h.CloseFlags = buf[off]
	return h, nil
}

// HashHeaderBytes computes the implementation-defined hash of a header's
// canonical bytes that P4 requires h.Hash to equal.
func HashHeaderBytes(headerBytes []byte) store.Hash256 {
	return sha256.Sum256(headerBytes)
}

// HashTransactionBlob computes the implementation-defined transaction
// identity hash from the raw transaction blob, the same way
// HashHeaderBytes derives a ledger's identity from its header bytes.
func HashTransactionBlob(transactionBlob []byte) store.Hash256 {
	return sha256.Sum256(transactionBlob)
}

// EncodeObject serializes a ledger-object diff for wire transport between
// peer and transformer: [4-byte len][blob].
func EncodeObject(blob []byte) []byte {
	buf := make([]byte, 4+len(blob))
	binary.BigEndian.PutUint32(buf, uint32(len(blob)))
	copy(buf[4:], blob)
	return buf
}

// DecodeObject is the inverse of EncodeObject.
func DecodeObject(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("codec: object frame too short")
	}
	n := binary.BigEndian.Uint32(buf)
	if len(buf) != int(4+n) {
		return nil, fmt.Errorf("codec: object frame length mismatch")
	}
	return buf[4:], nil
}

// EncodeTransaction and DecodeTransaction round-trip a Transaction's two
// opaque blobs alongside its positional metadata.
func EncodeTransaction(tx store.Transaction) []byte {
	buf := make([]byte, 32+4+4+4+len(tx.TransactionBlob)+4+len(tx.MetadataBlob))
	off := 0
	copy(buf[off:], tx.Hash[:])
	off += 32
	binary.BigEndian.PutUint32(buf[off:], tx.LedgerSequence)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], tx.TransactionIndex)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(tx.TransactionBlob)))
	off += 4
	copy(buf[off:], tx.TransactionBlob)
	off += len(tx.TransactionBlob)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(tx.MetadataBlob)))
	off += 4
	copy(buf[off:], tx.MetadataBlob)
	return buf
}

func DecodeTransaction(buf []byte) (store.Transaction, error) {
	var tx store.Transaction
	if len(buf) < 32+4+4+4 {
		return tx, fmt.Errorf("codec: transaction frame too short")
	}
	off := 0
	copy(tx.Hash[:], buf[off:off+32])
	off += 32
	tx.LedgerSequence = binary.BigEndian.Uint32(buf[off:])
	off += 4
	tx.TransactionIndex = binary.BigEndian.Uint32(buf[off:])
	off += 4
	txLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if len(buf) < off+int(txLen)+4 {
		return tx, fmt.Errorf("codec: transaction blob length mismatch")
	}
	tx.TransactionBlob = append([]byte(nil), buf[off:off+int(txLen)]...)
	off += int(txLen)
	metaLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if len(buf) != off+int(metaLen) {
		return tx, fmt.Errorf("codec: metadata blob length mismatch")
	}
	tx.MetadataBlob = append([]byte(nil), buf[off:off+int(metaLen)]...)
	return tx, nil
}
