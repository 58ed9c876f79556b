package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"oracle-sync/internal/alerting"
	"oracle-sync/internal/chain"
	"oracle-sync/internal/config"
	"oracle-sync/internal/projector"
	"oracle-sync/internal/scanner"
	"oracle-sync/internal/storage"
)

// rewindBlocks is subtracted from the resume cursor on every non-first run
// to tolerate races at the previous window boundary. Replays are harmless:
// every write downstream is an idempotent upsert.
const rewindBlocks = 10

// Store is the persistence surface the orchestrator drives.
type Store interface {
	storage.ProjectionStore
	storage.SyncStateStore
	storage.MetricStore
}

// Result is the outcome of one ensureSynced call. Concurrent callers for the
// same instance share a single Result. Updated reports whether the run
// projected any events, not merely that windows were scanned.
type Result struct {
	Updated bool
	State   *storage.SyncState
}

// Orchestrator drives the full sync state machine for every configured
// oracle instance. One operation runs per instance id at a time; a second
// caller attaches to the in-flight run instead of issuing duplicate RPC
// calls or racing writes. Distinct instances run fully concurrently.
type Orchestrator struct {
	cfg       *config.Config
	store     Store
	projector *projector.Projector
	alerts    *alerting.Bridge
	cache     *chain.ClientCache
	logger    zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	pools   map[string]*chain.EndpointPool
	windows map[string]*scanner.Window
}

// New constructs an Orchestrator. alerts may be nil.
func New(cfg *config.Config, store Store, proj *projector.Projector, alerts *alerting.Bridge, dial chain.DialFunc, logger zerolog.Logger) *Orchestrator {
	if dial == nil {
		dial = chain.DialEthereum
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		projector: proj,
		alerts:    alerts,
		cache:     chain.NewClientCache(dial, cfg.Sync.ClientTTL, logger),
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		pools:     make(map[string]*chain.EndpointPool),
		windows:   make(map[string]*scanner.Window),
	}
}

// EnsureSynced runs (or joins) the sync operation for instanceID.
func (o *Orchestrator) EnsureSynced(ctx context.Context, instanceID string) (Result, error) {
	value, err, _ := o.group.Do(instanceID, func() (interface{}, error) {
		return o.runSync(ctx, instanceID)
	})
	if err != nil {
		return Result{}, err
	}
	return value.(Result), nil
}

func (o *Orchestrator) runSync(ctx context.Context, instanceID string) (Result, error) {
	logger := o.logger.With().Str("instance", instanceID).Logger()
	started := time.Now()

	instance, _ := o.cfg.Instance(instanceID)
	state, err := o.store.GetSyncState(ctx, instanceID)
	if err != nil {
		return Result{}, err
	}

	// Missing connectivity config is a no-op success, not an error: the
	// instance is simply not wired up yet.
	if instance.RPCURL == "" || instance.ContractAddress == "" {
		logger.Debug().Msg("instance has no rpc url or contract address; skipping")
		return Result{Updated: false, State: state}, nil
	}

	pool, poolErr := o.poolFor(instanceID, instance, state)
	if poolErr != nil {
		return Result{}, poolErr
	}
	window := o.windowFor(instanceID, instance)

	scan := scanner.New(pool, o.cache, scanner.Options{RequestTimeout: o.cfg.Sync.RequestTimeout}, logger)
	contract := common.HexToAddress(instance.ContractAddress)

	run := &runState{
		instanceID: instanceID,
		instance:   instance,
		prior:      state,
		pool:       pool,
		started:    started,
	}

	if err := scan.ProbeContract(ctx, contract); err != nil {
		return Result{}, o.fail(ctx, run, err)
	}

	head, err := scan.Head(ctx)
	if err != nil {
		return Result{}, o.fail(ctx, run, err)
	}

	safe := int64(head) - instance.ConfirmationBlocks
	if safe < 0 {
		safe = 0
	}
	run.head = int64(head)
	run.safe = safe

	cursor := o.resumeCursor(state, instance, safe)

	if cursor > safe {
		// Nothing below the confirmation depth to ingest; record the
		// observed head so lag stays observable.
		return o.succeed(ctx, run, window, lastProcessed(state), false)
	}

	projected := 0
	for cursor <= safe {
		to := cursor + window.Size()
		if to > safe {
			to = safe
		}

		rangeStarted := time.Now()
		events, scanErr := scan.ScanRange(ctx, contract, uint64(cursor), uint64(to))
		if scanErr != nil {
			if chain.IsFatal(scanErr) {
				return Result{}, o.fail(ctx, run, scanErr)
			}
			// Shrink and retry the same range; once the window is already
			// at its floor another failure ends the run.
			if window.Size() > scanner.MinWindow {
				window.RecordFailure()
				logger.Warn().
					Int64("from_block", cursor).
					Int64("to_block", to).
					Int64("window", window.Size()).
					Err(scanErr).
					Msg("range scan failed; shrinking window")
				continue
			}
			window.RecordFailure()
			return Result{}, o.fail(ctx, run, scanErr)
		}

		opts := projector.Options{
			InstanceID:   instanceID,
			Chain:        instance.Chain,
			VotingPeriod: instance.VotingPeriod(),
		}
		stats, applyErr := o.projector.Apply(ctx, opts, events)
		if applyErr != nil {
			return Result{}, o.fail(ctx, run, chain.NewSyncError(chain.CodeSyncFailed, applyErr))
		}

		// The cursor only advances after every write for the window has
		// landed; a crash replays at most one window.
		patch := storage.SyncStatePatch{
			LastProcessedBlock: to,
			LastAttemptAt:      run.started.UTC(),
			LastDurationMs:     time.Since(run.started).Milliseconds(),
			LatestBlock:        &run.head,
			SafeBlock:          &run.safe,
		}
		if err := o.store.UpdateSyncState(ctx, instanceID, patch); err != nil {
			return Result{}, o.fail(ctx, run, chain.NewSyncError(chain.CodeSyncFailed, err))
		}

		window.RecordSuccess(stats.Events, time.Since(rangeStarted))
		logger.Debug().
			Int64("from_block", cursor).
			Int64("to_block", to).
			Int("events", stats.Events).
			Int("votes", stats.Votes).
			Msg("window projected")

		projected += stats.Events
		cursor = to + 1
	}

	return o.succeed(ctx, run, window, cursor-1, projected > 0)
}

type runState struct {
	instanceID string
	instance   config.InstanceConfig
	prior      *storage.SyncState
	pool       *chain.EndpointPool
	started    time.Time
	head       int64
	safe       int64
}

func (o *Orchestrator) succeed(ctx context.Context, run *runState, window *scanner.Window, finalBlock int64, updated bool) (Result, error) {
	now := time.Now().UTC()
	durationMs := time.Since(run.started).Milliseconds()
	zero := 0
	active := run.pool.Active()

	patch := storage.SyncStatePatch{
		LastProcessedBlock:        finalBlock,
		LastAttemptAt:             run.started.UTC(),
		LastDurationMs:            durationMs,
		LastError:                 nil,
		LastSuccessAt:             &now,
		LatestBlock:               &run.head,
		SafeBlock:                 &run.safe,
		LastSuccessProcessedBlock: &finalBlock,
		ConsecutiveFailures:       &zero,
		RPCActiveURL:              &active,
		RPCStats:                  marshalStats(run.pool),
	}
	if err := o.store.UpdateSyncState(ctx, run.instanceID, patch); err != nil {
		return Result{}, err
	}

	o.recordMetric(ctx, run, finalBlock, durationMs, nil)
	o.pruneMetrics(ctx, run.instanceID)

	state, err := o.store.GetSyncState(ctx, run.instanceID)
	if err != nil {
		return Result{}, err
	}
	return Result{Updated: updated, State: state}, nil
}

// fail persists the failure so lag and failure streaks stay observable,
// raises deduplicated alerts, then rethrows the original error.
func (o *Orchestrator) fail(ctx context.Context, run *runState, cause error) error {
	durationMs := time.Since(run.started).Milliseconds()
	msg := cause.Error()
	code := string(chain.CodeOf(cause))

	failures := 1
	if run.prior != nil {
		failures = run.prior.ConsecutiveFailures + 1
	}
	active := run.pool.Active()

	patch := storage.SyncStatePatch{
		LastProcessedBlock:  lastProcessed(run.prior),
		LastAttemptAt:       run.started.UTC(),
		LastDurationMs:      durationMs,
		LastError:           &msg,
		ConsecutiveFailures: &failures,
		RPCActiveURL:        &active,
		RPCStats:            marshalStats(run.pool),
	}
	if run.head > 0 {
		patch.LatestBlock = &run.head
		patch.SafeBlock = &run.safe
	}
	if err := o.store.UpdateSyncState(ctx, run.instanceID, patch); err != nil {
		o.logger.Error().Err(err).Str("instance", run.instanceID).Msg("failed to persist failure state")
	}

	o.recordMetric(ctx, run, lastProcessed(run.prior), durationMs, &code)

	if o.alerts != nil {
		o.alerts.Raise(ctx, run.instanceID, run.instance.Chain, alerting.Event{
			Type:       "sync_error",
			Severity:   "error",
			Title:      "Oracle sync failed",
			Message:    fmt.Sprintf("sync attempt failed after %d consecutive failures: %s", failures, msg),
			EntityType: "instance",
			EntityID:   run.instanceID,
		})
	}

	return cause
}

// resumeCursor computes where scanning starts. First runs honour the
// configured start block (a negative value means "derive from the safe
// head"); later runs rewind the persisted cursor to tolerate boundary races.
// A row written only by failed attempts carries no cursor worth resuming,
// so such instances still count as first runs.
func (o *Orchestrator) resumeCursor(state *storage.SyncState, instance config.InstanceConfig, safe int64) int64 {
	if state == nil || (state.LastSuccessAt == nil && state.LastProcessedBlock == 0) {
		if instance.StartBlock >= 0 {
			return instance.StartBlock
		}
		if derived := safe - instance.MaxBlockRange; derived >= 0 {
			return derived
		}
		return 0
	}

	cursor := state.LastProcessedBlock - rewindBlocks
	if cursor < 0 {
		return 0
	}
	return cursor
}

func (o *Orchestrator) poolFor(instanceID string, instance config.InstanceConfig, state *storage.SyncState) (*chain.EndpointPool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if pool, ok := o.pools[instanceID]; ok {
		return pool, nil
	}

	previousActive := ""
	if state != nil {
		previousActive = state.RPCActiveURL
	}
	pool, err := chain.NewEndpointPool(instance.RPCURL, previousActive)
	if err != nil {
		return nil, err
	}
	o.pools[instanceID] = pool
	return pool, nil
}

func (o *Orchestrator) windowFor(instanceID string, instance config.InstanceConfig) *scanner.Window {
	o.mu.Lock()
	defer o.mu.Unlock()

	if window, ok := o.windows[instanceID]; ok {
		return window
	}
	window := scanner.NewWindow(instance.MaxBlockRange)
	o.windows[instanceID] = window
	return window
}

func (o *Orchestrator) recordMetric(ctx context.Context, run *runState, processed int64, durationMs int64, errCode *string) {
	lag := run.head - processed
	if lag < 0 {
		lag = 0
	}
	metric := storage.SyncMetric{
		InstanceID:         run.instanceID,
		RecordedAt:         time.Now().UTC(),
		LastProcessedBlock: processed,
		LatestBlock:        run.head,
		SafeBlock:          run.safe,
		LagBlocks:          lag,
		DurationMs:         durationMs,
		Error:              errCode,
	}
	if err := o.store.InsertSyncMetric(ctx, metric); err != nil {
		o.logger.Error().Err(err).Str("instance", run.instanceID).Msg("failed to append sync metric")
	}
}

func (o *Orchestrator) pruneMetrics(ctx context.Context, instanceID string) {
	retention := o.cfg.Sync.MetricsRetention
	if retention <= 0 {
		return
	}
	olderThan := time.Now().UTC().Add(-retention)
	if err := o.store.DeleteSyncMetricsBefore(ctx, instanceID, olderThan); err != nil {
		o.logger.Error().Err(err).Str("instance", instanceID).Msg("failed to prune sync metrics")
	}
}

func lastProcessed(state *storage.SyncState) int64 {
	if state == nil {
		return 0
	}
	return state.LastProcessedBlock
}

func marshalStats(pool *chain.EndpointPool) json.RawMessage {
	stats, err := json.Marshal(pool.Stats())
	if err != nil {
		return nil
	}
	return stats
}
