package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	// Status rank expressions keep the assertion lifecycle advance-only
	// inside the upsert itself, so replayed or out-of-order events cannot
	// regress Resolved back to Pending.
	statusRankNew      = `CASE EXCLUDED.status WHEN 'Resolved' THEN 2 WHEN 'Disputed' THEN 1 ELSE 0 END`
	statusRankExisting = `CASE assertions.status WHEN 'Resolved' THEN 2 WHEN 'Disputed' THEN 1 ELSE 0 END`

	upsertAssertionSQL = `INSERT INTO assertions (
        id, chain, asserter, protocol, market, assertion_data,
        asserted_at, liveness_ends_at, resolved_at, settlement_resolution,
        status, bond_usd, disputer, tx_hash, block_number, log_index
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (id) DO UPDATE
    SET
        asserter              = COALESCE(NULLIF(EXCLUDED.asserter, ''), assertions.asserter),
        protocol              = COALESCE(NULLIF(EXCLUDED.protocol, ''), assertions.protocol),
        market                = COALESCE(NULLIF(EXCLUDED.market, ''), assertions.market),
        assertion_data        = COALESCE(NULLIF(EXCLUDED.assertion_data, ''), assertions.assertion_data),
        asserted_at           = COALESCE(EXCLUDED.asserted_at, assertions.asserted_at),
        liveness_ends_at      = COALESCE(EXCLUDED.liveness_ends_at, assertions.liveness_ends_at),
        resolved_at           = COALESCE(EXCLUDED.resolved_at, assertions.resolved_at),
        settlement_resolution = COALESCE(EXCLUDED.settlement_resolution, assertions.settlement_resolution),
        status                = CASE WHEN ` + statusRankNew + ` > ` + statusRankExisting + `
                                     THEN EXCLUDED.status ELSE assertions.status END,
        bond_usd              = CASE WHEN EXCLUDED.bond_usd <> 0 THEN EXCLUDED.bond_usd ELSE assertions.bond_usd END,
        disputer              = COALESCE(EXCLUDED.disputer, assertions.disputer),
        tx_hash               = COALESCE(NULLIF(EXCLUDED.tx_hash, ''), assertions.tx_hash);`

	getAssertionSQL = `SELECT
        id, chain, asserter, protocol, market, assertion_data,
        asserted_at, liveness_ends_at, resolved_at, settlement_resolution,
        status, bond_usd, disputer, tx_hash, block_number, log_index
    FROM assertions
    WHERE id = $1;`

	upsertDisputeSQL = `INSERT INTO disputes (
        id, chain, assertion_id, market, reason, disputer,
        disputed_at, voting_ends_at, status, votes_for, votes_against, total_votes
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,0,0,0
    )
    ON CONFLICT (id) DO UPDATE
    SET
        reason         = COALESCE(NULLIF(EXCLUDED.reason, ''), disputes.reason),
        disputer       = COALESCE(NULLIF(EXCLUDED.disputer, ''), disputes.disputer),
        disputed_at    = COALESCE(EXCLUDED.disputed_at, disputes.disputed_at),
        voting_ends_at = CASE WHEN disputes.status = 'Executed'
                              THEN disputes.voting_ends_at
                              ELSE COALESCE(EXCLUDED.voting_ends_at, disputes.voting_ends_at) END,
        market         = COALESCE(NULLIF(EXCLUDED.market, ''), disputes.market);`

	executeDisputeSQL = `UPDATE disputes
    SET status = 'Executed', voting_ends_at = $2
    WHERE assertion_id = $1 AND status <> 'Executed';`

	backfillDisputeMarketSQL = `UPDATE disputes
    SET market = $2
    WHERE assertion_id = $1 AND market = assertion_id;`

	getDisputeSQL = `SELECT
        id, chain, assertion_id, market, reason, disputer,
        disputed_at, voting_ends_at, status, votes_for, votes_against, total_votes
    FROM disputes
    WHERE id = $1;`

	insertVoteSQL = `INSERT INTO votes (
        chain, assertion_id, voter, support, weight, tx_hash, block_number, log_index
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (tx_hash, log_index) DO NOTHING;`

	recomputeDisputeVotesSQL = `UPDATE disputes
    SET votes_for     = agg.votes_for,
        votes_against = agg.votes_against,
        total_votes   = agg.total_votes
    FROM (
        SELECT
            COALESCE(SUM(weight) FILTER (WHERE support), 0)     AS votes_for,
            COALESCE(SUM(weight) FILTER (WHERE NOT support), 0) AS votes_against,
            COALESCE(SUM(weight), 0)                            AS total_votes
        FROM votes
        WHERE assertion_id = $1
    ) agg
    WHERE disputes.assertion_id = $1;`

	insertOracleEventSQL = `INSERT INTO oracle_events (
        chain, event_type, assertion_id, tx_hash, block_number, log_index, payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (tx_hash, log_index) DO NOTHING;`

	listOracleEventsSQL = `SELECT
        chain, event_type, assertion_id, tx_hash, block_number, log_index, payload, created_at
    FROM oracle_events
    WHERE chain = $1
      AND block_number >= $2
      AND block_number <= $3
    ORDER BY block_number, log_index;`

	getSyncStateSQL = `SELECT
        instance_id, last_processed_block, latest_block, safe_block,
        last_success_processed_block, consecutive_failures, rpc_active_url,
        rpc_stats, last_attempt_at, last_success_at, last_duration_ms, last_error
    FROM sync_state
    WHERE instance_id = $1;`

	listSyncStatesSQL = `SELECT
        instance_id, last_processed_block, latest_block, safe_block,
        last_success_processed_block, consecutive_failures, rpc_active_url,
        rpc_stats, last_attempt_at, last_success_at, last_duration_ms, last_error
    FROM sync_state
    ORDER BY instance_id;`

	updateSyncStateSQL = `INSERT INTO sync_state (
        instance_id, last_processed_block, latest_block, safe_block,
        last_success_processed_block, consecutive_failures, rpc_active_url,
        rpc_stats, last_attempt_at, last_success_at, last_duration_ms, last_error
    ) VALUES (
        $1, $2,
        COALESCE($3, 0), COALESCE($4, 0), COALESCE($5, 0),
        COALESCE($6, 0), COALESCE($7, ''),
        $8, $9, $10, $11, $12
    )
    ON CONFLICT (instance_id) DO UPDATE
    SET
        last_processed_block         = EXCLUDED.last_processed_block,
        latest_block                 = COALESCE($3, sync_state.latest_block),
        safe_block                   = COALESCE($4, sync_state.safe_block),
        last_success_processed_block = COALESCE($5, sync_state.last_success_processed_block),
        consecutive_failures         = COALESCE($6, sync_state.consecutive_failures),
        rpc_active_url               = COALESCE($7, sync_state.rpc_active_url),
        rpc_stats                    = COALESCE($8, sync_state.rpc_stats),
        last_attempt_at              = EXCLUDED.last_attempt_at,
        last_success_at              = COALESCE($10, sync_state.last_success_at),
        last_duration_ms             = EXCLUDED.last_duration_ms,
        last_error                   = EXCLUDED.last_error;`

	insertSyncMetricSQL = `INSERT INTO sync_metrics (
        instance_id, recorded_at, last_processed_block, latest_block,
        safe_block, lag_blocks, duration_ms, error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listSyncMetricsBetweenSQL = `SELECT
        instance_id, recorded_at, last_processed_block, latest_block,
        safe_block, lag_blocks, duration_ms, error
    FROM sync_metrics
    WHERE instance_id = $1
      AND recorded_at >= $2
      AND recorded_at < $3
    ORDER BY recorded_at;`

	listRecentSyncMetricsSQL = `SELECT
        instance_id, recorded_at, last_processed_block, latest_block,
        safe_block, lag_blocks, duration_ms, error
    FROM sync_metrics
    WHERE instance_id = $1
    ORDER BY recorded_at DESC
    LIMIT $2;`

	deleteSyncMetricsBeforeSQL = `DELETE FROM sync_metrics
    WHERE instance_id = $1 AND recorded_at < $2;`

	upsertAlertEventSQL = `INSERT INTO alert_events (
        fingerprint, instance_id, chain, rule_id, alert_type, severity,
        title, message, entity_type, entity_id, channels, recipient,
        first_seen_at, last_seen_at, raise_count
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13,1
    )
    ON CONFLICT (fingerprint) DO UPDATE
    SET
        title        = EXCLUDED.title,
        message      = EXCLUDED.message,
        channels     = EXCLUDED.channels,
        recipient    = EXCLUDED.recipient,
        last_seen_at = EXCLUDED.last_seen_at,
        raise_count  = alert_events.raise_count + 1
    RETURNING fingerprint, instance_id, chain, rule_id, alert_type, severity,
        title, message, entity_type, entity_id, channels, recipient,
        first_seen_at, last_seen_at, raise_count;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AssertionStore covers assertion and dispute projection writes.
type AssertionStore interface {
	UpsertAssertion(ctx context.Context, a Assertion) error
	GetAssertion(ctx context.Context, id string) (*Assertion, error)
	UpsertDispute(ctx context.Context, d Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ExecuteDispute(ctx context.Context, assertionID string, resolvedAt time.Time) error
	BackfillDisputeMarket(ctx context.Context, assertionID, market string) error
}

// VoteStore covers the set-once vote log and dispute aggregate recomputation.
type VoteStore interface {
	InsertVote(ctx context.Context, v Vote) (bool, error)
	RecomputeDisputeVotes(ctx context.Context, assertionID string) error
}

// EventLogStore covers the append-only oracle event log used for replay.
type EventLogStore interface {
	InsertOracleEvent(ctx context.Context, evt OracleEvent) error
	ListOracleEvents(ctx context.Context, chainName string, fromBlock, toBlock int64) ([]OracleEvent, error)
}

// ProjectionStore is everything the event projector needs.
type ProjectionStore interface {
	AssertionStore
	VoteStore
	EventLogStore
}

// SyncStateStore covers the durable cursor and health snapshot.
type SyncStateStore interface {
	GetSyncState(ctx context.Context, instanceID string) (*SyncState, error)
	UpdateSyncState(ctx context.Context, instanceID string, patch SyncStatePatch) error
	ListSyncStates(ctx context.Context) ([]SyncState, error)
}

// MetricStore covers the append-only sync metrics time series.
type MetricStore interface {
	InsertSyncMetric(ctx context.Context, m SyncMetric) error
	ListSyncMetricsBetween(ctx context.Context, instanceID string, from, to time.Time) ([]SyncMetric, error)
	ListRecentSyncMetrics(ctx context.Context, instanceID string, limit int) ([]SyncMetric, error)
	DeleteSyncMetricsBefore(ctx context.Context, instanceID string, olderThan time.Time) error
}

// AlertStore persists raised alerts keyed by fingerprint.
type AlertStore interface {
	UpsertAlertEvent(ctx context.Context, evt AlertEvent) (AlertEvent, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to all oracle-sync tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertAssertion inserts or updates an assertion by natural key. Blank
// fields from partial projections never erase known data; status is
// advance-only.
func (s *Store) UpsertAssertion(ctx context.Context, a Assertion) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertAssertionSQL,
		a.ID,
		a.Chain,
		a.Asserter,
		a.Protocol,
		a.Market,
		a.Claim,
		nullableTime(a.AssertedAt),
		nullableTime(a.LivenessEndsAt),
		a.ResolvedAt,
		a.SettlementResolution,
		string(a.Status),
		a.BondUSD.String(),
		a.Disputer,
		a.TxHash,
		a.BlockNumber,
		a.LogIndex,
	)
	if execErr != nil {
		return fmt.Errorf("upsert assertion: %w", execErr)
	}
	return nil
}

// GetAssertion loads one assertion, returning (nil, nil) when absent.
func (s *Store) GetAssertion(ctx context.Context, id string) (*Assertion, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, getAssertionSQL, id)
	a, scanErr := scanAssertion(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, scanErr
	}
	return a, nil
}

// UpsertDispute inserts or updates a dispute. Executed status and its pinned
// voting deadline are sticky.
func (s *Store) UpsertDispute(ctx context.Context, d Dispute) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	status := string(DisputeVoting)
	if d.Executed {
		status = string(DisputeExecuted)
	}

	_, execErr := pool.Exec(ctx, upsertDisputeSQL,
		d.ID,
		d.Chain,
		d.AssertionID,
		d.Market,
		d.Reason,
		d.Disputer,
		nullableTime(d.DisputedAt),
		nullableTime(d.VotingEndsAt),
		status,
	)
	if execErr != nil {
		return fmt.Errorf("upsert dispute: %w", execErr)
	}
	return nil
}

// GetDispute loads one dispute, returning (nil, nil) when absent.
func (s *Store) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, getDisputeSQL, id)
	d, scanErr := scanDispute(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, scanErr
	}
	return d, nil
}

// ExecuteDispute forces the dispute paired with assertionID to Executed and
// pins its voting deadline to the resolution time. No-op when no dispute exists.
func (s *Store) ExecuteDispute(ctx context.Context, assertionID string, resolvedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, executeDisputeSQL, assertionID, resolvedAt); execErr != nil {
		return fmt.Errorf("execute dispute: %w", execErr)
	}
	return nil
}

// BackfillDisputeMarket replaces the assertion-id market placeholder once the
// parent assertion's market name is known.
func (s *Store) BackfillDisputeMarket(ctx context.Context, assertionID, market string) error {
	if market == "" {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, backfillDisputeMarketSQL, assertionID, market); execErr != nil {
		return fmt.Errorf("backfill dispute market: %w", execErr)
	}
	return nil
}

// InsertVote appends a vote if its (tx_hash, log_index) identity is unseen.
// Returns false for duplicates, which callers treat as a silent no-op.
func (s *Store) InsertVote(ctx context.Context, v Vote) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	cmdTag, execErr := pool.Exec(ctx, insertVoteSQL,
		v.Chain,
		v.AssertionID,
		v.Voter,
		v.Support,
		v.Weight.String(),
		v.TxHash,
		v.BlockNumber,
		v.LogIndex,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert vote: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// RecomputeDisputeVotes overwrites the dispute vote aggregates with a full
// recomputation over all vote rows for the assertion. Full rather than
// incremental so out-of-order and replayed ingestion stay correct.
func (s *Store) RecomputeDisputeVotes(ctx context.Context, assertionID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recomputeDisputeVotesSQL, assertionID); execErr != nil {
		return fmt.Errorf("recompute dispute votes: %w", execErr)
	}
	return nil
}

// InsertOracleEvent appends one event-log row; duplicates are ignored.
func (s *Store) InsertOracleEvent(ctx context.Context, evt OracleEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertOracleEventSQL,
		evt.Chain,
		evt.EventType,
		evt.AssertionID,
		evt.TxHash,
		evt.BlockNumber,
		evt.LogIndex,
		[]byte(evt.Payload),
	)
	if execErr != nil {
		return fmt.Errorf("insert oracle event: %w", execErr)
	}
	return nil
}

// ListOracleEvents returns logged events for a block range in chain order.
func (s *Store) ListOracleEvents(ctx context.Context, chainName string, fromBlock, toBlock int64) ([]OracleEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOracleEventsSQL, chainName, fromBlock, toBlock)
	if queryErr != nil {
		return nil, fmt.Errorf("list oracle events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]OracleEvent, 0)
	for rows.Next() {
		var evt OracleEvent
		var payload []byte
		if err := rows.Scan(
			&evt.Chain,
			&evt.EventType,
			&evt.AssertionID,
			&evt.TxHash,
			&evt.BlockNumber,
			&evt.LogIndex,
			&payload,
			&evt.CreatedAt,
		); err != nil {
			return nil, err
		}
		evt.Payload = json.RawMessage(payload)
		events = append(events, evt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// GetSyncState returns the snapshot for one instance, (nil, nil) when the
// instance has never synced.
func (s *Store) GetSyncState(ctx context.Context, instanceID string) (*SyncState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, getSyncStateSQL, instanceID)
	state, scanErr := scanSyncState(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, scanErr
	}
	return state, nil
}

// ListSyncStates returns snapshots for every known instance.
func (s *Store) ListSyncStates(ctx context.Context) ([]SyncState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSyncStatesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list sync states: %w", queryErr)
	}
	defer rows.Close()

	states := make([]SyncState, 0)
	for rows.Next() {
		state, scanErr := scanSyncState(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		states = append(states, *state)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// UpdateSyncState applies patch in a single atomic upsert. Optional fields
// left nil keep the stored values.
func (s *Store) UpdateSyncState(ctx context.Context, instanceID string, patch SyncStatePatch) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var stats []byte
	if patch.RPCStats != nil {
		stats = []byte(patch.RPCStats)
	}

	_, execErr := pool.Exec(ctx, updateSyncStateSQL,
		instanceID,
		patch.LastProcessedBlock,
		patch.LatestBlock,
		patch.SafeBlock,
		patch.LastSuccessProcessedBlock,
		patch.ConsecutiveFailures,
		patch.RPCActiveURL,
		stats,
		patch.LastAttemptAt,
		patch.LastSuccessAt,
		patch.LastDurationMs,
		patch.LastError,
	)
	if execErr != nil {
		return fmt.Errorf("update sync state: %w", execErr)
	}
	return nil
}

// InsertSyncMetric appends one metrics sample.
func (s *Store) InsertSyncMetric(ctx context.Context, m SyncMetric) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertSyncMetricSQL,
		m.InstanceID,
		m.RecordedAt,
		m.LastProcessedBlock,
		m.LatestBlock,
		m.SafeBlock,
		m.LagBlocks,
		m.DurationMs,
		m.Error,
	)
	if execErr != nil {
		return fmt.Errorf("insert sync metric: %w", execErr)
	}
	return nil
}

// ListSyncMetricsBetween lists samples within a time window.
func (s *Store) ListSyncMetricsBetween(ctx context.Context, instanceID string, from, to time.Time) ([]SyncMetric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSyncMetricsBetweenSQL, instanceID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list sync metrics: %w", queryErr)
	}
	defer rows.Close()

	return collectSyncMetrics(rows)
}

// ListRecentSyncMetrics lists the most recent samples, newest first.
func (s *Store) ListRecentSyncMetrics(ctx context.Context, instanceID string, limit int) ([]SyncMetric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSyncMetricsSQL, instanceID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent sync metrics: %w", queryErr)
	}
	defer rows.Close()

	return collectSyncMetrics(rows)
}

// DeleteSyncMetricsBefore prunes samples outside the retention window.
func (s *Store) DeleteSyncMetricsBefore(ctx context.Context, instanceID string, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSyncMetricsBeforeSQL, instanceID, olderThan); execErr != nil {
		return fmt.Errorf("delete sync metrics before: %w", execErr)
	}
	return nil
}

// UpsertAlertEvent raises or touches an alert keyed by fingerprint.
func (s *Store) UpsertAlertEvent(ctx context.Context, evt AlertEvent) (AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEvent{}, err
	}

	row := pool.QueryRow(ctx, upsertAlertEventSQL,
		evt.Fingerprint,
		evt.InstanceID,
		evt.Chain,
		evt.RuleID,
		evt.Type,
		evt.Severity,
		evt.Title,
		evt.Message,
		evt.EntityType,
		evt.EntityID,
		evt.Channels,
		evt.Recipient,
		evt.LastSeenAt,
	)

	var rec AlertEvent
	if scanErr := row.Scan(
		&rec.Fingerprint,
		&rec.InstanceID,
		&rec.Chain,
		&rec.RuleID,
		&rec.Type,
		&rec.Severity,
		&rec.Title,
		&rec.Message,
		&rec.EntityType,
		&rec.EntityID,
		&rec.Channels,
		&rec.Recipient,
		&rec.FirstSeenAt,
		&rec.LastSeenAt,
		&rec.Count,
	); scanErr != nil {
		return AlertEvent{}, fmt.Errorf("upsert alert event: %w", scanErr)
	}
	return rec, nil
}

func scanAssertion(row pgx.Row) (*Assertion, error) {
	var (
		a          Assertion
		assertedAt sql.NullTime
		liveness   sql.NullTime
		resolvedAt sql.NullTime
		resolution sql.NullBool
		bondStr    string
		disputer   sql.NullString
		status     string
	)

	if err := row.Scan(
		&a.ID,
		&a.Chain,
		&a.Asserter,
		&a.Protocol,
		&a.Market,
		&a.Claim,
		&assertedAt,
		&liveness,
		&resolvedAt,
		&resolution,
		&status,
		&bondStr,
		&disputer,
		&a.TxHash,
		&a.BlockNumber,
		&a.LogIndex,
	); err != nil {
		return nil, err
	}

	bond, err := decimal.NewFromString(bondStr)
	if err != nil {
		return nil, fmt.Errorf("parse bond usd: %w", err)
	}
	a.BondUSD = bond
	a.Status = AssertionStatus(status)

	if assertedAt.Valid {
		a.AssertedAt = assertedAt.Time
	}
	if liveness.Valid {
		a.LivenessEndsAt = liveness.Time
	}
	if resolvedAt.Valid {
		value := resolvedAt.Time
		a.ResolvedAt = &value
	}
	if resolution.Valid {
		value := resolution.Bool
		a.SettlementResolution = &value
	}
	if disputer.Valid {
		value := disputer.String
		a.Disputer = &value
	}

	return &a, nil
}

func scanDispute(row pgx.Row) (*Dispute, error) {
	var (
		d          Dispute
		disputedAt sql.NullTime
		votingEnds sql.NullTime
		status     string
		forStr     string
		againstStr string
		totalStr   string
	)

	if err := row.Scan(
		&d.ID,
		&d.Chain,
		&d.AssertionID,
		&d.Market,
		&d.Reason,
		&d.Disputer,
		&disputedAt,
		&votingEnds,
		&status,
		&forStr,
		&againstStr,
		&totalStr,
	); err != nil {
		return nil, err
	}

	d.Executed = status == string(DisputeExecuted)
	if disputedAt.Valid {
		d.DisputedAt = disputedAt.Time
	}
	if votingEnds.Valid {
		d.VotingEndsAt = votingEnds.Time
	}

	var convErr error
	if d.VotesFor, convErr = decimal.NewFromString(forStr); convErr != nil {
		return nil, fmt.Errorf("parse votes_for: %w", convErr)
	}
	if d.VotesAgainst, convErr = decimal.NewFromString(againstStr); convErr != nil {
		return nil, fmt.Errorf("parse votes_against: %w", convErr)
	}
	if d.TotalVotes, convErr = decimal.NewFromString(totalStr); convErr != nil {
		return nil, fmt.Errorf("parse total_votes: %w", convErr)
	}

	return &d, nil
}

func scanSyncState(row pgx.Row) (*SyncState, error) {
	var (
		state     SyncState
		activeURL sql.NullString
		stats     []byte
		attemptAt sql.NullTime
		successAt sql.NullTime
		lastErr   sql.NullString
	)

	if err := row.Scan(
		&state.InstanceID,
		&state.LastProcessedBlock,
		&state.LatestBlock,
		&state.SafeBlock,
		&state.LastSuccessProcessedBlock,
		&state.ConsecutiveFailures,
		&activeURL,
		&stats,
		&attemptAt,
		&successAt,
		&state.LastDurationMs,
		&lastErr,
	); err != nil {
		return nil, err
	}

	if activeURL.Valid {
		state.RPCActiveURL = activeURL.String
	}
	if stats != nil {
		state.RPCStats = json.RawMessage(stats)
	}
	if attemptAt.Valid {
		value := attemptAt.Time
		state.LastAttemptAt = &value
	}
	if successAt.Valid {
		value := successAt.Time
		state.LastSuccessAt = &value
	}
	if lastErr.Valid {
		value := lastErr.String
		state.LastError = &value
	}

	return &state, nil
}

func collectSyncMetrics(rows pgx.Rows) ([]SyncMetric, error) {
	metrics := make([]SyncMetric, 0)
	for rows.Next() {
		var (
			m      SyncMetric
			errMsg sql.NullString
		)
		if err := rows.Scan(
			&m.InstanceID,
			&m.RecordedAt,
			&m.LastProcessedBlock,
			&m.LatestBlock,
			&m.SafeBlock,
			&m.LagBlocks,
			&m.DurationMs,
			&errMsg,
		); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			value := errMsg.String
			m.Error = &value
		}
		metrics = append(metrics, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return metrics, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
