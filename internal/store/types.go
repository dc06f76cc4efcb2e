// Package store defines the data model and the typed read/write contract
// the rest of the indexer programs against (the "storage facade" of the
// design), plus the Backend capability interface any wide-column driver
// implements.
package store

import "context"

// Hash256 is a 256-bit content hash: a ledger hash, tx hash, or object key.
type Hash256 [32]byte

// Book is the 192-bit prefix of a ledger-object key used to group offers
// by trading pair for indexed range scans.
type Book [24]byte

// Header is the fixed-size ledger header record. Header bytes are
// canonical: decode(encode(h)) == h must hold (P4).
type Header struct {
	Sequence            uint32
	Hash                Hash256
	ParentHash          Hash256
	TxTreeHash          Hash256
	StateTreeHash       Hash256
	TotalDrops          uint64
	CloseTime           int64
	ParentCloseTime     int64
	CloseTimeResolution int32
	CloseFlags          uint8
}

// LedgerObject is an entry in the account-state tree addressed by Key.
// An empty Blob means the object was deleted at Sequence.
type LedgerObject struct {
	Key      Hash256
	Sequence uint32
	Blob     []byte
}

// Transaction is a ledger transaction plus the metadata produced by
// applying it.
type Transaction struct {
	Hash             Hash256
	LedgerSequence   uint32
	TransactionIndex uint32
	TransactionBlob  []byte
	MetadataBlob     []byte
}

// AccountTxCursor orders account-transaction history lexicographically
// descending by (ledger_sequence, transaction_index).
type AccountTxCursor struct {
	LedgerSequence   uint32
	TransactionIndex uint32
}

// SeqIndex packs an AccountTxCursor into the 64-bit composite §6 names:
// (ledger_sequence << 20) | transaction_index.
func (c AccountTxCursor) SeqIndex() uint64 {
	return uint64(c.LedgerSequence)<<20 | uint64(c.TransactionIndex&0xFFFFF)
}

// LedgerRange is the inclusive interval of sequences fully persisted.
type LedgerRange struct {
	MinSequence uint32
	MaxSequence uint32
}

// Successor is one (key, blob) pair returned by a successor/predecessor walk.
type Successor struct {
	Key  Hash256
	Blob []byte
}

// Page is one page of a cursored ledger-object scan.
type Page struct {
	Objects    []LedgerObject
	NextCursor *Hash256
	Warning    string
}

// BookOffersPage is one page of a cursored book scan.
type BookOffersPage struct {
	Offers     []LedgerObject
	NextCursor *Hash256
}

// AccountTxPage is one page of account-transaction history.
type AccountTxPage struct {
	Transactions []Transaction
	NextCursor   *AccountTxCursor
}

// WriteBatch accumulates every write for one ledger sequence before it is
// submitted through startWrites/finishWrites.
type WriteBatch struct {
	Sequence     uint32
	HeaderBytes  []byte
	Header       Header
	IsFirst      bool
	Objects      []ObjectWrite
	Transactions []Transaction
	AccountTx    []AccountTxWrite
	Successors   []SuccessorWrite
}

// ObjectWrite is one ledger-object diff to persist.
type ObjectWrite struct {
	Key       Hash256
	Sequence  uint32
	Blob      []byte
	IsCreated bool
	IsDeleted bool
	Book      *Book
}

// AccountTxWrite associates one transaction hash with one affected account.
type AccountTxWrite struct {
	Account Hash256
	Cursor  AccountTxCursor
	Hash    Hash256
}

// SuccessorWrite records that, as of Sequence, KeyPrev's live successor is
// KeyNext.
type SuccessorWrite struct {
	KeyPrev  Hash256
	Sequence uint32
	KeyNext  Hash256
}

// Backend is the capability interface any wide-column driver implements.
// The storage facade (Facade) wraps a Backend plus a cache and the
// flag-ledger scheme; Backend itself stays a thin, mostly-mechanical
// mapping onto the driver's native query surface.
type Backend interface {
	FetchLedgerBySequence(ctx context.Context, seq uint32) (*Header, error)
	FetchLedgerByHash(ctx context.Context, hash Hash256) (*Header, error)
	FetchLedgerRange(ctx context.Context) (*LedgerRange, error)

	FetchLedgerObject(ctx context.Context, key Hash256, seq uint32) ([]byte, error)
	FetchLedgerObjects(ctx context.Context, keys []Hash256, seq uint32) ([][]byte, error)
	// FetchObjectsAtSequence returns every object diff written at exactly
	// seq, for reader-mode replicas to fold into the in-memory cache
	// without replaying the full write path.
	FetchObjectsAtSequence(ctx context.Context, seq uint32) ([]LedgerObject, error)
	FetchSuccessor(ctx context.Context, key Hash256, seq uint32) (*Successor, error)
	FetchLedgerPage(ctx context.Context, cursor *Hash256, seq uint32, limit int) (*Page, error)
	FetchBookOffers(ctx context.Context, book Book, seq uint32, limit int, cursor *Hash256) (*BookOffersPage, error)
	FetchKeysAtFlag(ctx context.Context, flagSeq uint32, cursor *Hash256, limit int) ([]Hash256, *Hash256, error)

	FetchTransaction(ctx context.Context, hash Hash256) (*Transaction, error)
	FetchTransactions(ctx context.Context, hashes []Hash256) ([]Transaction, error)
	FetchAllTransactionsInLedger(ctx context.Context, seq uint32) ([]Transaction, error)
	FetchAllTransactionHashesInLedger(ctx context.Context, seq uint32) ([]Hash256, error)
	FetchAccountTransactions(ctx context.Context, account Hash256, limit int, cursor *AccountTxCursor, forward bool) (*AccountTxPage, error)

	WriteLedger(ctx context.Context, header Header, headerBytes []byte, isFirst bool) error
	WriteLedgerObject(ctx context.Context, w ObjectWrite) error
	WriteTransaction(ctx context.Context, tx Transaction) error
	WriteAccountTransactions(ctx context.Context, batch []AccountTxWrite) error
	WriteSuccessor(ctx context.Context, w SuccessorWrite) error
	WriteKeysAtFlag(ctx context.Context, flagSeq uint32, keys []Hash256) error

	// AcquireOrRenewLease implements the compare-and-set lease row backing leader
	// election (I4). It returns the owner id now holding the lease.
	AcquireOrRenewLease(ctx context.Context, ownerID string, ttl_seconds int64) (ownerNow string, acquired bool, err error)
	ReleaseLease(ctx context.Context, ownerID string) error

	// DeleteBelow implements online delete: it removes every row whose
	// sequence is < floor and advances min_sequence.
	DeleteBelow(ctx context.Context, floor uint32) error

	Close() error
}
