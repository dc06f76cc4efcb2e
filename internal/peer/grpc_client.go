package peer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	ledgerpeer "github.com/xrplf/clio-go/internal/peer/gen/ledgerpeer"
)

// grpcClient is the production GRPCClient, dialing one peer's gRPC port
// and driving its streaming GetLedger/GetLedgerData RPCs, retrying
// transient failures with the spec's authoritative backoff policy
// (base 100ms, factor 2, cap 5s, 8 attempts).
type grpcClient struct {
	conn   *grpc.ClientConn
	stub   ledgerpeer.LedgerPeerServiceClient
	log    *zap.Logger
}

// DialGRPC opens a connection to hostname:grpcPort.
func DialGRPC(hostname string, grpcPort int, log *zap.Logger) (GRPCClient, error) {
	addr := fmt.Sprintf("%s:%d", hostname, grpcPort)
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}
	return &grpcClient{conn: conn, stub: ledgerpeer.NewLedgerPeerServiceClient(conn), log: log}, nil
}

func retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, 7), ctx)
}

func (c *grpcClient) FetchLedger(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool) (*FetchResult, error) {
	var result *FetchResult
	op := func() error {
		res, err := c.fetchLedgerOnce(ctx, seq, getObjects, getObjectNeighbors)
		if err != nil {
			return err
		}
		result = res
		return nil
	}
	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		return nil, fmt.Errorf("peer: FetchLedger(%d) exhausted retries: %w", seq, err)
	}
	return result, nil
}

func (c *grpcClient) fetchLedgerOnce(ctx context.Context, seq uint32, getObjects, getObjectNeighbors bool) (*FetchResult, error) {
	stream, err := c.stub.GetLedger(ctx, &ledgerpeer.GetLedgerRequest{
		Sequence:           seq,
		GetObjects:         getObjects,
		GetObjectNeighbors: getObjectNeighbors,
	})
	if err != nil {
		return nil, err
	}
	result := &FetchResult{}
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch {
		case chunk.IsHeader:
			result.HeaderBytes = chunk.HeaderBytes
		case chunk.IsObject:
			diff := ObjectDiff{Blob: chunk.ObjectBlob}
			copy(diff.Key[:], chunk.ObjectKey)
			if len(chunk.PredecessorKey) > 0 {
				var k [32]byte
				copy(k[:], chunk.PredecessorKey)
				diff.PredecessorKey = &k
			}
			if len(chunk.SuccessorKey) > 0 {
				var k [32]byte
				copy(k[:], chunk.SuccessorKey)
				diff.SuccessorKey = &k
			}
			result.Objects = append(result.Objects, diff)
		case chunk.IsTransaction:
			tb := TransactionBlob{
				TransactionBlob: chunk.TransactionBlob,
				MetadataBlob:    chunk.MetadataBlob,
			}
			for _, a := range chunk.AffectedAccounts {
				var acct [32]byte
				copy(acct[:], a)
				tb.Accounts = append(tb.Accounts, acct)
			}
			result.Transactions = append(result.Transactions, tb)
		}
		result.Success = chunk.Success
	}
	return result, nil
}

// LoadInitialLedger spawns numMarkers parallel GetLedgerData scans, each
// walking a disjoint marker range, and returns the per-marker object
// batches so the cache loader (H) can apply them independently.
func (c *grpcClient) LoadInitialLedger(ctx context.Context, seq uint32, numMarkers int) ([][]ObjectDiff, error) {
	markers := splitMarkers(numMarkers)
	out := make([][]ObjectDiff, numMarkers)
	errCh := make(chan error, numMarkers)
	for i, marker := range markers {
		go func(i int, marker []byte) {
			diffs, err := c.scanFrom(ctx, seq, marker)
			out[i] = diffs
			errCh <- err
		}(i, marker)
	}
	var firstErr error
	for range markers {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *grpcClient) scanFrom(ctx context.Context, seq uint32, marker []byte) ([]ObjectDiff, error) {
	stream, err := c.stub.GetLedgerData(ctx, &ledgerpeer.GetLedgerDataRequest{Sequence: seq, Marker: marker})
	if err != nil {
		return nil, err
	}
	var diffs []ObjectDiff
	for {
		chunk, err := stream.Recv()
		if err == io.EOF || (err == nil && chunk.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		diff := ObjectDiff{Blob: chunk.ObjectBlob}
		copy(diff.Key[:], chunk.ObjectKey)
		diffs = append(diffs, diff)
		if chunk.Done {
			break
		}
	}
	return diffs, nil
}

// splitMarkers partitions the 256-bit key space into n equal prefixes,
// one per parallel cursor, as loadInitialLedger requires.
func splitMarkers(n int) [][]byte {
	out := make([][]byte, n)
	if n <= 0 {
		return out
	}
	step := ^uint64(0) / uint64(n)
	for i := 0; i < n; i++ {
		m := make([]byte, 32)
		v := step * uint64(i)
		for j := 0; j < 8; j++ {
			m[j] = byte(v >> (56 - 8*j))
		}
		out[i] = m
	}
	return out
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}
