// Package handlers implements the representative rpc.Handler set named
// in §4.9: enough real methods over the storage facade to exercise every
// read path (header, object, transaction, account history, book scan),
// without attempting full method-surface coverage (an explicit Non-goal).
package handlers

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/xrplf/clio-go/internal/clioerr"
	"github.com/xrplf/clio-go/internal/rpc"
	"github.com/xrplf/clio-go/internal/store"
)

// Facade is the narrow read surface these handlers need; satisfied by
// *store.Facade.
type Facade interface {
	FetchLedgerBySequence(ctx context.Context, seq uint32) (*store.Header, error)
	FetchLedgerRange(ctx context.Context) (*store.LedgerRange, error)
	FetchTransaction(ctx context.Context, hash store.Hash256) (*store.Transaction, error)
	FetchAllTransactionsInLedger(ctx context.Context, seq uint32) ([]store.Transaction, error)
	FetchAccountTransactions(ctx context.Context, account store.Hash256, limit int, cursor *store.AccountTxCursor, forward bool) (*store.AccountTxPage, error)
	FetchLedgerPage(ctx context.Context, cursor *store.Hash256, seq uint32, limit int) (*store.Page, error)
	FetchBookOffers(ctx context.Context, book store.Book, seq uint32, limit int, cursor *store.Hash256) (*store.BookOffersPage, error)
}

// Register binds the representative handler set to engine at every
// version in [minVersion, maxVersion].
func Register(engine *rpc.Engine, f Facade, minVersion, maxVersion int) {
	for v := minVersion; v <= maxVersion; v++ {
		engine.Register("ledger", v, ledgerHandler(f))
		engine.Register("tx", v, txHandler(f))
		engine.Register("account_tx", v, accountTxHandler(f))
		engine.Register("ledger_data", v, ledgerDataHandler(f))
		engine.Register("book_offers", v, bookOffersHandler(f))
		engine.Register("server_info", v, serverInfoHandler(f))
	}
}

func paramString(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

func paramUint32(params map[string]any, key string) (uint32, bool) {
	switch v := params[key].(type) {
	case float64:
		return uint32(v), true
	case int:
		return uint32(v), true
	}
	return 0, false
}

func hash256FromHex(s string) (store.Hash256, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return store.Hash256{}, clioerr.New(clioerr.KindInvalidParams, "expected a 64-character hex hash")
	}
	var h store.Hash256
	copy(h[:], raw)
	return h, nil
}

func ledgerHandler(f Facade) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) (rpc.Response, error) {
		seq, ok := paramUint32(req.Params, "ledger_index")
		if !ok {
			rng, err := f.FetchLedgerRange(ctx)
			if err != nil {
				return rpc.Response{}, err
			}
			seq = rng.MaxSequence
		}
		h, err := f.FetchLedgerBySequence(ctx, seq)
		if err != nil {
			return rpc.Response{}, err
		}
		return rpc.Response{Result: map[string]any{
			"ledger": map[string]any{
				"ledger_index": h.Sequence,
				"ledger_hash":  hex.EncodeToString(h.Hash[:]),
				"parent_hash":  hex.EncodeToString(h.ParentHash[:]),
				"close_time":   h.CloseTime,
				"total_coins":  fmt.Sprintf("%d", h.TotalDrops),
			},
			"validated": true,
		}}, nil
	}
}

func txHandler(f Facade) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) (rpc.Response, error) {
		hashHex, ok := paramString(req.Params, "transaction")
		if !ok {
			return rpc.Response{}, clioerr.New(clioerr.KindInvalidParams, "missing transaction")
		}
		h, err := hash256FromHex(hashHex)
		if err != nil {
			return rpc.Response{}, err
		}
		tx, err := f.FetchTransaction(ctx, h)
		if err != nil {
			return rpc.Response{}, err
		}
		return rpc.Response{Result: map[string]any{
			"hash":             hashHex,
			"ledger_index":     tx.LedgerSequence,
			"tx_blob":          hex.EncodeToString(tx.TransactionBlob),
			"meta":             hex.EncodeToString(tx.MetadataBlob),
			"validated":        true,
		}}, nil
	}
}

func accountTxHandler(f Facade) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) (rpc.Response, error) {
		acctHex, ok := paramString(req.Params, "account")
		if !ok {
			return rpc.Response{}, clioerr.New(clioerr.KindInvalidParams, "missing account")
		}
		account, err := hash256FromHex(acctHex)
		if err != nil {
			return rpc.Response{}, err
		}
		limit := 200
		if l, ok := paramUint32(req.Params, "limit"); ok && l > 0 {
			limit = int(l)
		}
		forward, _ := req.Params["forward"].(bool)
		page, err := f.FetchAccountTransactions(ctx, account, limit, nil, forward)
		if err != nil {
			return rpc.Response{}, err
		}
		txs := make([]map[string]any, len(page.Transactions))
		for i, tx := range page.Transactions {
			txs[i] = map[string]any{
				"ledger_index": tx.LedgerSequence,
				"hash":         hex.EncodeToString(tx.Hash[:]),
			}
		}
		return rpc.Response{Result: map[string]any{"account": acctHex, "transactions": txs}}, nil
	}
}

func ledgerDataHandler(f Facade) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) (rpc.Response, error) {
		seq, ok := paramUint32(req.Params, "ledger_index")
		if !ok {
			return rpc.Response{}, clioerr.New(clioerr.KindInvalidParams, "missing ledger_index")
		}
		limit := 256
		if l, ok := paramUint32(req.Params, "limit"); ok && l > 0 {
			limit = int(l)
		}
		var cursor *store.Hash256
		if curHex, ok := paramString(req.Params, "marker"); ok {
			h, err := hash256FromHex(curHex)
			if err != nil {
				return rpc.Response{}, err
			}
			cursor = &h
		}
		page, err := f.FetchLedgerPage(ctx, cursor, seq, limit)
		if err != nil {
			return rpc.Response{}, err
		}
		objs := make([]map[string]any, len(page.Objects))
		for i, o := range page.Objects {
			objs[i] = map[string]any{"index": hex.EncodeToString(o.Key[:]), "data": hex.EncodeToString(o.Blob)}
		}
		result := map[string]any{"ledger_index": seq, "state": objs}
		if page.NextCursor != nil {
			result["marker"] = hex.EncodeToString(page.NextCursor[:])
		}
		return rpc.Response{Result: result}, nil
	}
}

func bookOffersHandler(f Facade) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) (rpc.Response, error) {
		bookHex, ok := paramString(req.Params, "book")
		if !ok {
			return rpc.Response{}, clioerr.New(clioerr.KindInvalidParams, "missing book")
		}
		raw, err := hex.DecodeString(bookHex)
		if err != nil || len(raw) != 24 {
			return rpc.Response{}, clioerr.New(clioerr.KindInvalidParams, "expected a 48-character hex book prefix")
		}
		var book store.Book
		copy(book[:], raw)
		seq, _ := paramUint32(req.Params, "ledger_index")
		limit := 200
		if l, ok := paramUint32(req.Params, "limit"); ok && l > 0 {
			limit = int(l)
		}
		page, err := f.FetchBookOffers(ctx, book, seq, limit, nil)
		if err != nil {
			return rpc.Response{}, err
		}
		offers := make([]map[string]any, len(page.Offers))
		for i, o := range page.Offers {
			offers[i] = map[string]any{"index": hex.EncodeToString(o.Key[:]), "data": hex.EncodeToString(o.Blob)}
		}
		return rpc.Response{Result: map[string]any{"offers": offers}}, nil
	}
}

func serverInfoHandler(f Facade) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) (rpc.Response, error) {
		rng, err := f.FetchLedgerRange(ctx)
		if err != nil {
			return rpc.Response{}, err
		}
		return rpc.Response{Result: map[string]any{
			"info": map[string]any{
				"complete_ledgers": fmt.Sprintf("%d-%d", rng.MinSequence, rng.MaxSequence),
			},
		}}, nil
	}
}
