package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"oracle-sync/internal/chain"
	"oracle-sync/internal/config"
	"oracle-sync/internal/projector"
	"oracle-sync/internal/storage"
	"oracle-sync/internal/tally"
)

// fakeSyncStore implements the orchestrator's Store surface in memory with
// the same coalesce-on-patch semantics as the SQL layer.
type fakeSyncStore struct {
	mu      sync.Mutex
	states  map[string]storage.SyncState
	metrics []storage.SyncMetric

	assertions map[string]storage.Assertion
	disputes   map[string]storage.Dispute
	votes      map[string]storage.Vote
	events     map[string]storage.OracleEvent
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		states:     make(map[string]storage.SyncState),
		assertions: make(map[string]storage.Assertion),
		disputes:   make(map[string]storage.Dispute),
		votes:      make(map[string]storage.Vote),
		events:     make(map[string]storage.OracleEvent),
	}
}

func (f *fakeSyncStore) GetSyncState(_ context.Context, instanceID string) (*storage.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[instanceID]; ok {
		copied := state
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeSyncStore) UpdateSyncState(_ context.Context, instanceID string, patch storage.SyncStatePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state := f.states[instanceID]
	state.InstanceID = instanceID
	state.LastProcessedBlock = patch.LastProcessedBlock
	attemptAt := patch.LastAttemptAt
	state.LastAttemptAt = &attemptAt
	state.LastDurationMs = patch.LastDurationMs
	state.LastError = patch.LastError

	if patch.LastSuccessAt != nil {
		state.LastSuccessAt = patch.LastSuccessAt
	}
	if patch.LatestBlock != nil {
		state.LatestBlock = *patch.LatestBlock
	}
	if patch.SafeBlock != nil {
		state.SafeBlock = *patch.SafeBlock
	}
	if patch.LastSuccessProcessedBlock != nil {
		state.LastSuccessProcessedBlock = *patch.LastSuccessProcessedBlock
	}
	if patch.ConsecutiveFailures != nil {
		state.ConsecutiveFailures = *patch.ConsecutiveFailures
	}
	if patch.RPCActiveURL != nil {
		state.RPCActiveURL = *patch.RPCActiveURL
	}
	if patch.RPCStats != nil {
		state.RPCStats = patch.RPCStats
	}
	f.states[instanceID] = state
	return nil
}

func (f *fakeSyncStore) ListSyncStates(_ context.Context) ([]storage.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.SyncState, 0, len(f.states))
	for _, state := range f.states {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (f *fakeSyncStore) InsertSyncMetric(_ context.Context, m storage.SyncMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, m)
	return nil
}

func (f *fakeSyncStore) ListSyncMetricsBetween(_ context.Context, instanceID string, from, to time.Time) ([]storage.SyncMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.SyncMetric, 0)
	for _, m := range f.metrics {
		if m.InstanceID == instanceID && !m.RecordedAt.Before(from) && m.RecordedAt.Before(to) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeSyncStore) ListRecentSyncMetrics(_ context.Context, instanceID string, limit int) ([]storage.SyncMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.SyncMetric, 0)
	for i := len(f.metrics) - 1; i >= 0 && len(out) < limit; i-- {
		if f.metrics[i].InstanceID == instanceID {
			out = append(out, f.metrics[i])
		}
	}
	return out, nil
}

func (f *fakeSyncStore) DeleteSyncMetricsBefore(_ context.Context, instanceID string, olderThan time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.metrics[:0]
	for _, m := range f.metrics {
		if m.InstanceID == instanceID && m.RecordedAt.Before(olderThan) {
			continue
		}
		kept = append(kept, m)
	}
	f.metrics = kept
	return nil
}

func (f *fakeSyncStore) UpsertAssertion(_ context.Context, a storage.Assertion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assertions[a.ID] = a
	return nil
}

func (f *fakeSyncStore) GetAssertion(_ context.Context, id string) (*storage.Assertion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.assertions[id]; ok {
		copied := a
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeSyncStore) UpsertDispute(_ context.Context, d storage.Dispute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disputes[d.ID] = d
	return nil
}

func (f *fakeSyncStore) GetDispute(_ context.Context, id string) (*storage.Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.disputes[id]; ok {
		copied := d
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeSyncStore) ExecuteDispute(_ context.Context, assertionID string, resolvedAt time.Time) error {
	return nil
}

func (f *fakeSyncStore) BackfillDisputeMarket(_ context.Context, assertionID, market string) error {
	return nil
}

func (f *fakeSyncStore) InsertVote(_ context.Context, v storage.Vote) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", v.TxHash, v.LogIndex)
	if _, dup := f.votes[key]; dup {
		return false, nil
	}
	f.votes[key] = v
	return true, nil
}

func (f *fakeSyncStore) RecomputeDisputeVotes(_ context.Context, assertionID string) error {
	return nil
}

func (f *fakeSyncStore) InsertOracleEvent(_ context.Context, evt storage.OracleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", evt.TxHash, evt.LogIndex)
	f.events[key] = evt
	return nil
}

func (f *fakeSyncStore) ListOracleEvents(_ context.Context, chainName string, fromBlock, toBlock int64) ([]storage.OracleEvent, error) {
	return nil, nil
}

var _ Store = (*fakeSyncStore)(nil)

// scriptedBackend is a Backend driven by function fields, with sane defaults.
type scriptedBackend struct {
	mu          sync.Mutex
	head        uint64
	probes      int
	ranges      [][2]int64
	logs        []types.Log
	scanErr     func(from, to int64) error
	codeAtErr   error
	headLatency time.Duration
}

func (b *scriptedBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *int64) ([]byte, error) {
	b.mu.Lock()
	b.probes++
	b.mu.Unlock()
	if b.codeAtErr != nil {
		return nil, b.codeAtErr
	}
	return []byte{0x60, 0x80}, nil
}

func (b *scriptedBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if b.headLatency > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(b.headLatency):
		}
	}
	return b.head, nil
}

func (b *scriptedBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from := q.FromBlock.Int64()
	to := q.ToBlock.Int64()
	if b.scanErr != nil {
		if err := b.scanErr(from, to); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	b.ranges = append(b.ranges, [2]int64{from, to})
	b.mu.Unlock()

	var out []types.Log
	for _, log := range b.logs {
		if int64(log.BlockNumber) >= from && int64(log.BlockNumber) <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func (b *scriptedBackend) scannedRanges() [][2]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][2]int64, len(b.ranges))
	copy(out, b.ranges)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			RequestTimeout: 5 * time.Second,
			ClientTTL:      time.Minute,
		},
		Instances: map[string]config.InstanceConfig{
			"default": {
				RPCURL:             "https://rpc.example",
				ContractAddress:    "0x00000000000000000000000000000000000000aa",
				Chain:              "mainnet",
				StartBlock:         0,
				MaxBlockRange:      1000,
				VotingPeriodHours:  72,
				ConfirmationBlocks: 12,
			},
		},
	}
}

func newTestOrchestrator(cfg *config.Config, store *fakeSyncStore, backend chain.Backend) *Orchestrator {
	dial := func(ctx context.Context, rawURL string) (chain.Backend, error) {
		return backend, nil
	}
	proj := projector.New(store, tally.New(store, zerolog.Nop()), nil, zerolog.Nop())
	return New(cfg, store, proj, nil, dial, zerolog.Nop())
}

func TestFirstSyncScansWindowsUpToSafeBlock(t *testing.T) {
	store := newFakeSyncStore()
	backend := &scriptedBackend{head: 1020}
	orch := newTestOrchestrator(testConfig(), store, backend)

	result, err := orch.EnsureSynced(context.Background(), "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Updated {
		t.Fatal("empty windows must not report updates")
	}

	want := [][2]int64{{0, 1000}, {1001, 1008}}
	got := backend.scannedRanges()
	if len(got) != len(want) {
		t.Fatalf("expected ranges %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ranges %v, got %v", want, got)
		}
	}

	state := result.State
	if state.LastProcessedBlock != 1008 {
		t.Fatalf("cursor should land on the safe block, got %d", state.LastProcessedBlock)
	}
	if state.LatestBlock != 1020 || state.SafeBlock != 1008 {
		t.Fatalf("head snapshot wrong: latest=%d safe=%d", state.LatestBlock, state.SafeBlock)
	}
	if state.ConsecutiveFailures != 0 {
		t.Fatalf("expected zero failures, got %d", state.ConsecutiveFailures)
	}
	if state.LastSuccessAt == nil {
		t.Fatal("success timestamp should be recorded")
	}
	if state.RPCActiveURL != "https://rpc.example" {
		t.Fatalf("active rpc url not persisted, got %q", state.RPCActiveURL)
	}
	if len(store.metrics) != 1 {
		t.Fatalf("expected one metric sample, got %d", len(store.metrics))
	}
	if store.metrics[0].LagBlocks != 1020-1008 {
		t.Fatalf("expected lag 12, got %d", store.metrics[0].LagBlocks)
	}
}

func TestResumeRewindsTenBlocks(t *testing.T) {
	store := newFakeSyncStore()
	backend := &scriptedBackend{head: 1020}
	orch := newTestOrchestrator(testConfig(), store, backend)
	ctx := context.Background()

	if _, err := orch.EnsureSynced(ctx, "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	backend.mu.Lock()
	backend.ranges = nil
	backend.mu.Unlock()

	if _, err := orch.EnsureSynced(ctx, "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := backend.scannedRanges()
	if len(got) != 1 || got[0] != [2]int64{998, 1008} {
		t.Fatalf("expected rewound range [998,1008], got %v", got)
	}
}

func TestNeverScansAboveSafeBlock(t *testing.T) {
	cfg := testConfig()
	instance := cfg.Instances["default"]
	instance.ConfirmationBlocks = 0
	cfg.Instances["default"] = instance

	store := newFakeSyncStore()
	backend := &scriptedBackend{head: 500}
	orch := newTestOrchestrator(cfg, store, backend)
	ctx := context.Background()

	if _, err := orch.EnsureSynced(ctx, "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	backend.mu.Lock()
	backend.ranges = nil
	backend.mu.Unlock()

	// Head has not moved, so the rewound cursor rescans a small overlap
	// but must never request blocks above the safe head.
	result, err := orch.EnsureSynced(ctx, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.State.LastProcessedBlock != 500 {
		t.Fatalf("expected cursor at head, got %d", result.State.LastProcessedBlock)
	}

	for _, scanned := range backend.scannedRanges() {
		if scanned[1] > 500 {
			t.Fatalf("scanned above the safe block: %v", scanned)
		}
	}
}

func TestFailedFirstRunKeepsConfiguredStartBlock(t *testing.T) {
	cfg := testConfig()
	instance := cfg.Instances["default"]
	instance.StartBlock = 600
	cfg.Instances["default"] = instance

	store := newFakeSyncStore()
	backend := &scriptedBackend{head: 1020}
	backend.codeAtErr = chain.NewSyncError(chain.CodeContractNotFound, errors.New("no code"))
	orch := newTestOrchestrator(cfg, store, backend)
	ctx := context.Background()

	if _, err := orch.EnsureSynced(ctx, "default"); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	// The failed attempt persisted a state row with no successful cursor.
	// Recovery must still honour the configured start block instead of
	// resuming from block zero.
	backend.codeAtErr = nil
	if _, err := orch.EnsureSynced(ctx, "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := backend.scannedRanges()
	if len(got) == 0 || got[0][0] != 600 {
		t.Fatalf("recovery run must start at the configured block, got %v", got)
	}
}

func TestUpdatedReflectsProjectedEvents(t *testing.T) {
	// AssertionResolved data is two static words: resolution bool and the
	// resolvedAt timestamp.
	data := append(
		common.LeftPadBytes([]byte{1}, 32),
		common.LeftPadBytes(big.NewInt(1700050000).Bytes(), 32)...,
	)
	resolved := types.Log{
		Topics: []common.Hash{
			chain.EventTopics()[2], // AssertionResolved
			common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000cc"),
		},
		Data:        data,
		BlockNumber: 700,
		TxHash:      common.HexToHash("0xeeee000000000000000000000000000000000000000000000000000000000000"),
		Index:       1,
	}

	store := newFakeSyncStore()
	backend := &scriptedBackend{head: 1020, logs: []types.Log{resolved}}
	orch := newTestOrchestrator(testConfig(), store, backend)
	ctx := context.Background()

	result, err := orch.EnsureSynced(ctx, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Updated {
		t.Fatal("a projected event must report updated=true")
	}
	if len(store.events) != 1 {
		t.Fatalf("expected one stored event, got %d", len(store.events))
	}

	// The rewound follow-up run rescans only the head overlap, which holds
	// no events, so it must not report an update.
	result, err = orch.EnsureSynced(ctx, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Updated {
		t.Fatal("an eventless run must report updated=false")
	}
}

func TestConcurrentSyncsShareOneRun(t *testing.T) {
	store := newFakeSyncStore()
	backend := &scriptedBackend{head: 1020, headLatency: 50 * time.Millisecond}
	orch := newTestOrchestrator(testConfig(), store, backend)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := orch.EnsureSynced(context.Background(), "default"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	backend.mu.Lock()
	probes := backend.probes
	backend.mu.Unlock()
	if probes != 1 {
		t.Fatalf("concurrent callers must share one run, got %d probes", probes)
	}
}

func TestWindowShrinksUntilRangeFits(t *testing.T) {
	store := newFakeSyncStore()
	backend := &scriptedBackend{
		head: 1020,
		scanErr: func(from, to int64) error {
			if to-from > 500 {
				return chain.NewSyncError(chain.CodeSyncFailed, fmt.Errorf("range too wide: %d", to-from))
			}
			return nil
		},
	}
	orch := newTestOrchestrator(testConfig(), store, backend)

	result, err := orch.EnsureSynced(context.Background(), "default")
	if err != nil {
		t.Fatalf("sync should converge to a narrower window, got %v", err)
	}
	if result.State.LastProcessedBlock != 1008 {
		t.Fatalf("expected full catch-up at 1008, got %d", result.State.LastProcessedBlock)
	}
	for _, scanned := range backend.scannedRanges() {
		if scanned[1]-scanned[0] > 500 {
			t.Fatalf("a too-wide range was accepted: %v", scanned)
		}
	}
}

func TestContractNotFoundFailsWithoutRetry(t *testing.T) {
	store := newFakeSyncStore()

	// Empty bytecode surfaces as contract_not_found from the probe.
	empty := &scriptedBackend{head: 1020}
	dial := func(ctx context.Context, rawURL string) (chain.Backend, error) {
		return &emptyCodeBackend{inner: empty}, nil
	}
	proj := projector.New(store, tally.New(store, zerolog.Nop()), nil, zerolog.Nop())
	orch := New(testConfig(), store, proj, nil, dial, zerolog.Nop())

	_, err := orch.EnsureSynced(context.Background(), "default")
	if err == nil {
		t.Fatal("expected contract_not_found error")
	}
	if chain.CodeOf(err) != chain.CodeContractNotFound {
		t.Fatalf("expected contract_not_found, got %s", chain.CodeOf(err))
	}
	if empty.probes != 1 {
		t.Fatalf("fatal errors must not retry, got %d probes", empty.probes)
	}

	state, _ := store.GetSyncState(context.Background(), "default")
	if state == nil || state.LastError == nil {
		t.Fatal("failure must be persisted to sync state")
	}
	if state.ConsecutiveFailures != 1 {
		t.Fatalf("expected one consecutive failure, got %d", state.ConsecutiveFailures)
	}
	if len(store.metrics) != 1 || store.metrics[0].Error == nil {
		t.Fatalf("expected one error metric, got %v", store.metrics)
	}
	if *store.metrics[0].Error != string(chain.CodeContractNotFound) {
		t.Fatalf("metric should carry the error code, got %s", *store.metrics[0].Error)
	}
}

type emptyCodeBackend struct {
	inner *scriptedBackend
}

func (b *emptyCodeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *int64) ([]byte, error) {
	b.inner.mu.Lock()
	b.inner.probes++
	b.inner.mu.Unlock()
	return nil, nil
}

func (b *emptyCodeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return b.inner.BlockNumber(ctx)
}

func (b *emptyCodeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return b.inner.FilterLogs(ctx, q)
}

func TestFailurePreservesHeadSnapshot(t *testing.T) {
	store := newFakeSyncStore()
	healthy := &scriptedBackend{head: 1020}
	orch := newTestOrchestrator(testConfig(), store, healthy)
	ctx := context.Background()

	if _, err := orch.EnsureSynced(ctx, "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Subsequent runs fail before reaching the head; the stored head
	// snapshot from the successful run must survive the failure patch.
	healthy.codeAtErr = chain.NewSyncError(chain.CodeContractNotFound, errors.New("gone"))
	if _, err := orch.EnsureSynced(ctx, "default"); err == nil {
		t.Fatal("expected failure")
	}

	state, _ := store.GetSyncState(ctx, "default")
	if state.LatestBlock != 1020 || state.SafeBlock != 1008 {
		t.Fatalf("failure erased the head snapshot: latest=%d safe=%d", state.LatestBlock, state.SafeBlock)
	}
	if state.LastProcessedBlock != 1008 {
		t.Fatalf("failure must not move the cursor, got %d", state.LastProcessedBlock)
	}
	if state.LastSuccessAt == nil {
		t.Fatal("previous success timestamp must survive")
	}
	if state.ConsecutiveFailures != 1 {
		t.Fatalf("expected failure streak of 1, got %d", state.ConsecutiveFailures)
	}
}

func TestMissingConnectivityConfigIsNoop(t *testing.T) {
	cfg := testConfig()
	instance := cfg.Instances["default"]
	instance.RPCURL = ""
	cfg.Instances["default"] = instance

	store := newFakeSyncStore()
	orch := newTestOrchestrator(cfg, store, &scriptedBackend{})

	result, err := orch.EnsureSynced(context.Background(), "default")
	if err != nil {
		t.Fatalf("missing config must be a no-op, got %v", err)
	}
	if result.Updated {
		t.Fatal("no-op run must not report updates")
	}
	if len(store.states) != 0 {
		t.Fatal("no-op run must not write sync state")
	}
}
