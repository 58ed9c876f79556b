package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"oracle-sync/internal/chain"
)

type stubBackend struct {
	codeAt      func(ctx context.Context, account common.Address, blockNumber *int64) ([]byte, error)
	blockNumber func(ctx context.Context) (uint64, error)
	filterLogs  func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

func (s *stubBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *int64) ([]byte, error) {
	return s.codeAt(ctx, account, blockNumber)
}

func (s *stubBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return s.blockNumber(ctx)
}

func (s *stubBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return s.filterLogs(ctx, q)
}

func newTestScanner(t *testing.T, urls string, backends map[string]chain.Backend) *Scanner {
	t.Helper()
	pool, err := chain.NewEndpointPool(urls, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dial := func(ctx context.Context, rawURL string) (chain.Backend, error) {
		backend, ok := backends[rawURL]
		if !ok {
			t.Fatalf("unexpected dial of %s", rawURL)
		}
		return backend, nil
	}
	cache := chain.NewClientCache(dial, time.Minute, zerolog.Nop())

	scanner := New(pool, cache, Options{RequestTimeout: 5 * time.Second}, zerolog.Nop())

	// Seed tiny latency averages so retry backoff stays in the
	// low-millisecond range during tests.
	for u := range backends {
		pool.RecordSuccess(u, 1)
	}
	return scanner
}

func TestHeadRotatesPastUnreachableEndpoint(t *testing.T) {
	unreachable := errors.New("connect: connection refused")
	calls := map[string]int{}

	backends := map[string]chain.Backend{
		"https://a.example": &stubBackend{
			blockNumber: func(ctx context.Context) (uint64, error) {
				calls["a"]++
				return 0, chain.NewSyncError(chain.CodeRPCUnreachable, unreachable)
			},
		},
		"https://b.example": &stubBackend{
			blockNumber: func(ctx context.Context) (uint64, error) {
				calls["b"]++
				return 1020, nil
			},
		},
	}
	scanner := newTestScanner(t, "https://a.example,https://b.example", backends)

	head, err := scanner.Head(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != 1020 {
		t.Fatalf("expected head from second endpoint, got %d", head)
	}
	if calls["a"] != 2 {
		t.Fatalf("expected 2 attempts against the failing endpoint, got %d", calls["a"])
	}
	if calls["b"] != 1 {
		t.Fatalf("expected a single attempt against the healthy endpoint, got %d", calls["b"])
	}
	if active := scanner.Pool().Active(); active != "https://b.example" {
		t.Fatalf("rotation should leave the healthy endpoint active, got %s", active)
	}
}

func TestHeadExhaustsAllEndpoints(t *testing.T) {
	attempts := 0
	failing := &stubBackend{
		blockNumber: func(ctx context.Context) (uint64, error) {
			attempts++
			return 0, chain.NewSyncError(chain.CodeRPCUnreachable, errors.New("down"))
		},
	}
	backends := map[string]chain.Backend{
		"https://a.example": failing,
		"https://b.example": failing,
	}
	scanner := newTestScanner(t, "https://a.example,https://b.example", backends)

	_, err := scanner.Head(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting every endpoint")
	}
	if chain.CodeOf(err) != chain.CodeRPCUnreachable {
		t.Fatalf("expected rpc_unreachable, got %s", chain.CodeOf(err))
	}
	if attempts != 4 {
		t.Fatalf("expected 2 endpoints x 2 attempts = 4, got %d", attempts)
	}
}

func TestProbeContractMissingBytecodeIsFatal(t *testing.T) {
	attempts := 0
	backends := map[string]chain.Backend{
		"https://a.example": &stubBackend{
			codeAt: func(ctx context.Context, account common.Address, blockNumber *int64) ([]byte, error) {
				attempts++
				return nil, nil
			},
		},
		"https://b.example": &stubBackend{
			codeAt: func(ctx context.Context, account common.Address, blockNumber *int64) ([]byte, error) {
				t.Fatal("fatal errors must not rotate to other endpoints")
				return nil, nil
			},
		},
	}
	scanner := newTestScanner(t, "https://a.example,https://b.example", backends)

	err := scanner.ProbeContract(context.Background(), common.HexToAddress("0x1"))
	if err == nil {
		t.Fatal("expected error for missing bytecode")
	}
	if !chain.IsFatal(err) {
		t.Fatalf("expected fatal contract_not_found, got %s", chain.CodeOf(err))
	}
	if attempts != 1 {
		t.Fatalf("fatal errors must not be retried, got %d attempts", attempts)
	}
}

func TestScanRangeSkipsForeignLogs(t *testing.T) {
	foreign := types.Log{
		Topics: []common.Hash{common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000000")},
	}
	var gotQuery ethereum.FilterQuery
	backends := map[string]chain.Backend{
		"https://a.example": &stubBackend{
			filterLogs: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
				gotQuery = q
				return []types.Log{foreign}, nil
			},
		},
	}
	scanner := newTestScanner(t, "https://a.example", backends)

	events, err := scanner.ScanRange(context.Background(), common.HexToAddress("0x1"), 100, 600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("foreign logs should be skipped, got %d events", len(events))
	}
	if gotQuery.FromBlock.Uint64() != 100 || gotQuery.ToBlock.Uint64() != 600 {
		t.Fatalf("wrong query range: %s..%s", gotQuery.FromBlock, gotQuery.ToBlock)
	}
	if len(gotQuery.Topics) != 1 || len(gotQuery.Topics[0]) != 4 {
		t.Fatalf("query should filter all four oracle topics, got %v", gotQuery.Topics)
	}
}

func TestScanRangeRedialsAfterUnreachable(t *testing.T) {
	dials := 0
	failOnce := true
	pool, err := chain.NewEndpointPool("https://a.example", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dial := func(ctx context.Context, rawURL string) (chain.Backend, error) {
		dials++
		return &stubBackend{
			filterLogs: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
				if failOnce {
					failOnce = false
					return nil, chain.NewSyncError(chain.CodeRPCUnreachable, errors.New("broken pipe"))
				}
				return nil, nil
			},
		}, nil
	}
	cache := chain.NewClientCache(dial, time.Minute, zerolog.Nop())
	scanner := New(pool, cache, Options{RequestTimeout: 5 * time.Second}, zerolog.Nop())
	pool.RecordSuccess("https://a.example", 1)

	if _, err := scanner.ScanRange(context.Background(), common.HexToAddress("0x1"), 0, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dials != 2 {
		t.Fatalf("unreachable errors should evict the cached client, got %d dials", dials)
	}
}
