// Package postgres implements store.Backend over a normalized Postgres
// schema (§6): one row per ledger header, one row per (key, sequence)
// object version, one row per transaction, one row per account/tx
// cursor pair, one row per successor-pointer edge, and a single
// writer_lease row used for the leader-election compare-and-set.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xrplf/clio-go/internal/clioerr"
	"github.com/xrplf/clio-go/internal/codec"
	"github.com/xrplf/clio-go/internal/store"
)

// Backend is a store.Backend over database/sql + lib/pq.
type Backend struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to url, configures the pool the way the teacher's own
// Postgres sink does (bounded open/idle connections, a connection
// lifetime ceiling so the pool rotates off a failing-over primary), and
// ensures the schema exists.
func Open(url string, log *zap.Logger) (*Backend, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}
	return &Backend{db: db, log: log}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledgers (
			sequence       BIGINT PRIMARY KEY,
			header_bytes   BYTEA NOT NULL,
			hash           BYTEA NOT NULL,
			close_time     BIGINT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledgers_hash ON ledgers(hash);

		CREATE TABLE IF NOT EXISTS objects (
			key      BYTEA NOT NULL,
			sequence BIGINT NOT NULL,
			blob     BYTEA NOT NULL,
			PRIMARY KEY (key, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_objects_key_seq ON objects(key, sequence DESC);

		CREATE TABLE IF NOT EXISTS successors (
			key_prev BYTEA NOT NULL,
			sequence BIGINT NOT NULL,
			key_next BYTEA NOT NULL,
			PRIMARY KEY (key_prev, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_successors_prev_seq ON successors(key_prev, sequence DESC);

		CREATE TABLE IF NOT EXISTS transactions (
			hash              BYTEA PRIMARY KEY,
			ledger_sequence   BIGINT NOT NULL,
			transaction_index INTEGER NOT NULL,
			transaction_blob  BYTEA NOT NULL,
			metadata_blob     BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_ledger ON transactions(ledger_sequence);

		CREATE TABLE IF NOT EXISTS account_transactions (
			account           BYTEA NOT NULL,
			ledger_sequence   BIGINT NOT NULL,
			transaction_index INTEGER NOT NULL,
			tx_hash           BYTEA NOT NULL,
			PRIMARY KEY (account, ledger_sequence, transaction_index)
		);
		CREATE INDEX IF NOT EXISTS idx_account_tx_account_seq ON account_transactions(account, ledger_sequence DESC, transaction_index DESC);

		CREATE TABLE IF NOT EXISTS keys_at_flag (
			flag_ledger BIGINT NOT NULL,
			key         BYTEA NOT NULL,
			PRIMARY KEY (flag_ledger, key)
		);

		CREATE TABLE IF NOT EXISTS writer_lease (
			id          SMALLINT PRIMARY KEY DEFAULT 1,
			owner_id    TEXT NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			CHECK (id = 1)
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) FetchLedgerBySequence(ctx context.Context, seq uint32) (*store.Header, error) {
	row := b.db.QueryRowContext(ctx, `SELECT header_bytes FROM ledgers WHERE sequence = $1`, seq)
	var headerBytes []byte
	if err := row.Scan(&headerBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	h, err := codec.DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (b *Backend) FetchLedgerByHash(ctx context.Context, hash store.Hash256) (*store.Header, error) {
	row := b.db.QueryRowContext(ctx, `SELECT header_bytes FROM ledgers WHERE hash = $1`, hash[:])
	var headerBytes []byte
	if err := row.Scan(&headerBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	h, err := codec.DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (b *Backend) FetchLedgerRange(ctx context.Context) (*store.LedgerRange, error) {
	row := b.db.QueryRowContext(ctx, `SELECT MIN(sequence), MAX(sequence) FROM ledgers`)
	var min, max sql.NullInt64
	if err := row.Scan(&min, &max); err != nil {
		return nil, err
	}
	if !min.Valid {
		return nil, clioerr.ErrLgrNotFound
	}
	return &store.LedgerRange{MinSequence: uint32(min.Int64), MaxSequence: uint32(max.Int64)}, nil
}

func (b *Backend) FetchLedgerObject(ctx context.Context, key store.Hash256, seq uint32) ([]byte, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT blob FROM objects WHERE key = $1 AND sequence <= $2
		ORDER BY sequence DESC LIMIT 1`, key[:], seq)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return blob, nil
}

func (b *Backend) FetchLedgerObjects(ctx context.Context, keys []store.Hash256, seq uint32) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		blob, err := b.FetchLedgerObject(ctx, k, seq)
		if err != nil {
			return nil, err
		}
		out[i] = blob
	}
	return out, nil
}

func (b *Backend) FetchObjectsAtSequence(ctx context.Context, seq uint32) ([]store.LedgerObject, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, blob FROM objects WHERE sequence = $1`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.LedgerObject
	for rows.Next() {
		var keyBytes, blob []byte
		if err := rows.Scan(&keyBytes, &blob); err != nil {
			return nil, err
		}
		var key store.Hash256
		copy(key[:], keyBytes)
		out = append(out, store.LedgerObject{Key: key, Sequence: seq, Blob: blob})
	}
	return out, rows.Err()
}

func (b *Backend) FetchSuccessor(ctx context.Context, key store.Hash256, seq uint32) (*store.Successor, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT key_next FROM successors WHERE key_prev = $1 AND sequence <= $2
		ORDER BY sequence DESC LIMIT 1`, key[:], seq)
	var keyNext []byte
	if err := row.Scan(&keyNext); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var out store.Hash256
	copy(out[:], keyNext)
	return &store.Successor{Key: out}, nil
}

func (b *Backend) FetchLedgerPage(ctx context.Context, cursor *store.Hash256, seq uint32, limit int) (*store.Page, error) {
	start := store.Hash256{}
	if cursor != nil {
		start = *cursor
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT ON (key) key, blob FROM objects
		WHERE key > $1 AND sequence <= $2
		ORDER BY key, sequence DESC
		LIMIT $3`, start[:], seq, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objs []store.LedgerObject
	for rows.Next() {
		var keyBytes, blob []byte
		if err := rows.Scan(&keyBytes, &blob); err != nil {
			return nil, err
		}
		var key store.Hash256
		copy(key[:], keyBytes)
		if len(blob) == 0 {
			continue
		}
		objs = append(objs, store.LedgerObject{Key: key, Sequence: seq, Blob: blob})
	}

	page := &store.Page{}
	if len(objs) > limit {
		page.NextCursor = &objs[limit].Key
		objs = objs[:limit]
	}
	page.Objects = objs
	return page, rows.Err()
}

// FetchBookOffers returns an empty page for every book: this backend
// stores no book index.
func (b *Backend) FetchBookOffers(ctx context.Context, book store.Book, seq uint32, limit int, cursor *store.Hash256) (*store.BookOffersPage, error) {
	return &store.BookOffersPage{}, nil
}

func (b *Backend) FetchKeysAtFlag(ctx context.Context, flagSeq uint32, cursor *store.Hash256, limit int) ([]store.Hash256, *store.Hash256, error) {
	start := store.Hash256{}
	if cursor != nil {
		start = *cursor
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT key FROM keys_at_flag WHERE flag_ledger = $1 AND key > $2
		ORDER BY key LIMIT $3`, flagSeq, start[:], limit+1)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var out []store.Hash256
	for rows.Next() {
		var keyBytes []byte
		if err := rows.Scan(&keyBytes); err != nil {
			return nil, nil, err
		}
		var key store.Hash256
		copy(key[:], keyBytes)
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	var next *store.Hash256
	if len(out) > limit {
		next = &out[limit]
		out = out[:limit]
	}
	return out, next, nil
}

func (b *Backend) FetchTransaction(ctx context.Context, hash store.Hash256) (*store.Transaction, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT hash, ledger_sequence, transaction_index, transaction_blob, metadata_blob
		FROM transactions WHERE hash = $1`, hash[:])
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func (b *Backend) FetchTransactions(ctx context.Context, hashes []store.Hash256) ([]store.Transaction, error) {
	out := make([]store.Transaction, 0, len(hashes))
	for _, h := range hashes {
		tx, err := b.FetchTransaction(ctx, h)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (b *Backend) FetchAllTransactionsInLedger(ctx context.Context, seq uint32) ([]store.Transaction, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT hash, ledger_sequence, transaction_index, transaction_blob, metadata_blob
		FROM transactions WHERE ledger_sequence = $1 ORDER BY transaction_index`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Transaction
	for rows.Next() {
		var hashBytes, txBlob, metaBlob []byte
		var ledgerSeq, txIndex int64
		if err := rows.Scan(&hashBytes, &ledgerSeq, &txIndex, &txBlob, &metaBlob); err != nil {
			return nil, err
		}
		var hash store.Hash256
		copy(hash[:], hashBytes)
		out = append(out, store.Transaction{Hash: hash, LedgerSequence: uint32(ledgerSeq), TransactionIndex: uint32(txIndex), TransactionBlob: txBlob, MetadataBlob: metaBlob})
	}
	return out, rows.Err()
}

func (b *Backend) FetchAllTransactionHashesInLedger(ctx context.Context, seq uint32) ([]store.Hash256, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT hash FROM transactions WHERE ledger_sequence = $1 ORDER BY transaction_index`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Hash256
	for rows.Next() {
		var hashBytes []byte
		if err := rows.Scan(&hashBytes); err != nil {
			return nil, err
		}
		var hash store.Hash256
		copy(hash[:], hashBytes)
		out = append(out, hash)
	}
	return out, rows.Err()
}

func (b *Backend) FetchAccountTransactions(ctx context.Context, account store.Hash256, limit int, cursor *store.AccountTxCursor, forward bool) (*store.AccountTxPage, error) {
	ledgerSeq, txIndex := int64(1<<62), int64(1<<31)
	if cursor != nil {
		ledgerSeq, txIndex = int64(cursor.LedgerSequence), int64(cursor.TransactionIndex)
	}
	order := "DESC"
	cmp := "<="
	if forward {
		order = "ASC"
		cmp = ">="
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.hash, t.ledger_sequence, t.transaction_index, t.transaction_blob, t.metadata_blob
		FROM account_transactions a
		JOIN transactions t ON t.hash = a.tx_hash
		WHERE a.account = $1 AND (a.ledger_sequence, a.transaction_index) %s ($2, $3)
		ORDER BY a.ledger_sequence %s, a.transaction_index %s
		LIMIT $4`, cmp, order, order), account[:], ledgerSeq, txIndex, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []store.Transaction
	for rows.Next() {
		var hashBytes, txBlob, metaBlob []byte
		var seq, idx int64
		if err := rows.Scan(&hashBytes, &seq, &idx, &txBlob, &metaBlob); err != nil {
			return nil, err
		}
		var hash store.Hash256
		copy(hash[:], hashBytes)
		txs = append(txs, store.Transaction{Hash: hash, LedgerSequence: uint32(seq), TransactionIndex: uint32(idx), TransactionBlob: txBlob, MetadataBlob: metaBlob})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &store.AccountTxPage{}
	if len(txs) > limit {
		last := txs[limit]
		page.NextCursor = &store.AccountTxCursor{LedgerSequence: last.LedgerSequence, TransactionIndex: last.TransactionIndex}
		txs = txs[:limit]
	}
	page.Transactions = txs
	return page, nil
}

func scanTransaction(row *sql.Row) (*store.Transaction, error) {
	var hashBytes, txBlob, metaBlob []byte
	var ledgerSeq, txIndex int64
	if err := row.Scan(&hashBytes, &ledgerSeq, &txIndex, &txBlob, &metaBlob); err != nil {
		return nil, err
	}
	var hash store.Hash256
	copy(hash[:], hashBytes)
	return &store.Transaction{Hash: hash, LedgerSequence: uint32(ledgerSeq), TransactionIndex: uint32(txIndex), TransactionBlob: txBlob, MetadataBlob: metaBlob}, nil
}

func (b *Backend) WriteLedger(ctx context.Context, header store.Header, headerBytes []byte, isFirst bool) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO ledgers (sequence, header_bytes, hash, close_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sequence) DO UPDATE SET header_bytes = EXCLUDED.header_bytes, hash = EXCLUDED.hash, close_time = EXCLUDED.close_time`,
		header.Sequence, headerBytes, header.Hash[:], header.CloseTime)
	return err
}

func (b *Backend) WriteLedgerObject(ctx context.Context, w store.ObjectWrite) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO objects (key, sequence, blob) VALUES ($1, $2, $3)
		ON CONFLICT (key, sequence) DO UPDATE SET blob = EXCLUDED.blob`,
		w.Key[:], w.Sequence, w.Blob)
	return err
}

func (b *Backend) WriteTransaction(ctx context.Context, tx store.Transaction) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO transactions (hash, ledger_sequence, transaction_index, transaction_blob, metadata_blob)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO UPDATE SET ledger_sequence = EXCLUDED.ledger_sequence, transaction_index = EXCLUDED.transaction_index, transaction_blob = EXCLUDED.transaction_blob, metadata_blob = EXCLUDED.metadata_blob`,
		tx.Hash[:], tx.LedgerSequence, tx.TransactionIndex, tx.TransactionBlob, tx.MetadataBlob)
	return err
}

func (b *Backend) WriteAccountTransactions(ctx context.Context, batch []store.AccountTxWrite) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, w := range batch {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO account_transactions (account, ledger_sequence, transaction_index, tx_hash)
			VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			w.Account[:], w.Cursor.LedgerSequence, w.Cursor.TransactionIndex, w.Hash[:]); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *Backend) WriteSuccessor(ctx context.Context, w store.SuccessorWrite) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO successors (key_prev, sequence, key_next) VALUES ($1, $2, $3)
		ON CONFLICT (key_prev, sequence) DO UPDATE SET key_next = EXCLUDED.key_next`,
		w.KeyPrev[:], w.Sequence, w.KeyNext[:])
	return err
}

func (b *Backend) WriteKeysAtFlag(ctx context.Context, flagSeq uint32, keys []store.Hash256) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO keys_at_flag (flag_ledger, key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			flagSeq, k[:]); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AcquireOrRenewLease performs the single-row compare-and-set backing
// etl.LeaderElector: either no row exists yet (first writer wins), the
// caller already owns the row (renew), or the existing lease has
// expired (takeover). Anything else loses the race and reports the
// current owner.
func (b *Backend) AcquireOrRenewLease(ctx context.Context, ownerID string, ttlSeconds int64) (string, bool, error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var currentOwner string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT owner_id, expires_at FROM writer_lease WHERE id = 1 FOR UPDATE`).Scan(&currentOwner, &expiresAt)
	newExpiry := time.Now().Add(time.Duration(ttlSeconds) * time.Second)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO writer_lease (id, owner_id, expires_at) VALUES (1, $1, $2)`, ownerID, newExpiry); err != nil {
			return "", false, err
		}
		return ownerID, true, tx.Commit()
	case err != nil:
		return "", false, err
	case currentOwner == ownerID || time.Now().After(expiresAt):
		if _, err := tx.ExecContext(ctx, `UPDATE writer_lease SET owner_id = $1, expires_at = $2 WHERE id = 1`, ownerID, newExpiry); err != nil {
			return "", false, err
		}
		return ownerID, true, tx.Commit()
	default:
		return currentOwner, false, tx.Commit()
	}
}

func (b *Backend) ReleaseLease(ctx context.Context, ownerID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM writer_lease WHERE id = 1 AND owner_id = $1`, ownerID)
	return err
}

func (b *Backend) DeleteBelow(ctx context.Context, floor uint32) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmts := []string{
		`DELETE FROM ledgers WHERE sequence < $1`,
		`DELETE FROM objects WHERE sequence < $1`,
		`DELETE FROM successors WHERE sequence < $1`,
		`DELETE FROM transactions WHERE ledger_sequence < $1`,
		`DELETE FROM account_transactions WHERE ledger_sequence < $1`,
		`DELETE FROM keys_at_flag WHERE flag_ledger < $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, floor); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
