package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AssertionStatus is the persisted lifecycle state of an assertion. It only
// advances Pending -> Disputed -> Resolved (or Pending -> Resolved directly).
type AssertionStatus string

const (
	AssertionPending  AssertionStatus = "Pending"
	AssertionDisputed AssertionStatus = "Disputed"
	AssertionResolved AssertionStatus = "Resolved"
)

// StatusRank orders assertion statuses so upserts never regress.
func StatusRank(s AssertionStatus) int {
	switch s {
	case AssertionResolved:
		return 2
	case AssertionDisputed:
		return 1
	default:
		return 0
	}
}

// Assertion is one on-chain claim under the optimistic-oracle lifecycle.
type Assertion struct {
	ID                   string
	Chain                string
	Asserter             string
	Protocol             string
	Market               string
	Claim                string
	AssertedAt           time.Time
	LivenessEndsAt       time.Time
	ResolvedAt           *time.Time
	SettlementResolution *bool
	Status               AssertionStatus
	BondUSD              decimal.Decimal
	Disputer             *string
	TxHash               string
	BlockNumber          int64
	LogIndex             int64
}

// DisputeStatus is derived on read, except Executed which is explicit and sticky.
type DisputeStatus string

const (
	DisputeVoting           DisputeStatus = "Voting"
	DisputePendingExecution DisputeStatus = "PendingExecution"
	DisputeExecuted         DisputeStatus = "Executed"
)

// Dispute is a formal challenge to an assertion. Vote aggregates are derived
// by VoteTally recomputation and never written independently.
type Dispute struct {
	ID           string
	Chain        string
	AssertionID  string
	Market       string
	Reason       string
	Disputer     string
	DisputedAt   time.Time
	VotingEndsAt time.Time
	Executed     bool
	VotesFor     decimal.Decimal
	VotesAgainst decimal.Decimal
	TotalVotes   decimal.Decimal
}

// Status derives the effective dispute state at the given instant. Executed
// is sticky; otherwise the voting deadline decides Voting vs PendingExecution.
func (d Dispute) Status(now time.Time) DisputeStatus {
	if d.Executed {
		return DisputeExecuted
	}
	if now.Before(d.VotingEndsAt) {
		return DisputeVoting
	}
	return DisputePendingExecution
}

// DisputeID derives the dispute natural key from its assertion.
func DisputeID(assertionID string) string {
	return "D:" + assertionID
}

// Vote is an immutable, append-only vote event keyed by (tx_hash, log_index).
type Vote struct {
	Chain       string
	AssertionID string
	Voter       string
	Support     bool
	Weight      decimal.Decimal
	TxHash      string
	BlockNumber int64
	LogIndex    int64
}

// OracleEvent is the append-only record of a projected log, retained so
// partially failed ranges can be replayed.
type OracleEvent struct {
	Chain       string
	EventType   string
	AssertionID string
	TxHash      string
	BlockNumber int64
	LogIndex    int64
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// SyncState is the durable cursor and health snapshot for one oracle instance.
type SyncState struct {
	InstanceID                string
	LastProcessedBlock        int64
	LatestBlock               int64
	SafeBlock                 int64
	LastSuccessProcessedBlock int64
	ConsecutiveFailures       int
	RPCActiveURL              string
	RPCStats                  json.RawMessage
	LastAttemptAt             *time.Time
	LastSuccessAt             *time.Time
	LastDurationMs            int64
	LastError                 *string
}

// SyncStatePatch is applied atomically by UpdateSyncState. The first block of
// fields is always written; nil optional fields leave the stored value
// untouched, so a failed attempt never erases known-good chain-head data.
type SyncStatePatch struct {
	LastProcessedBlock int64
	LastAttemptAt      time.Time
	LastDurationMs     int64
	LastError          *string

	LastSuccessAt             *time.Time
	LatestBlock               *int64
	SafeBlock                 *int64
	LastSuccessProcessedBlock *int64
	ConsecutiveFailures       *int
	RPCActiveURL              *string
	RPCStats                  json.RawMessage
}

// SyncMetric is one immutable sample of the sync time series.
type SyncMetric struct {
	InstanceID         string
	RecordedAt         time.Time
	LastProcessedBlock int64
	LatestBlock        int64
	SafeBlock          int64
	LagBlocks          int64
	DurationMs         int64
	Error              *string
}

// AlertEvent is a raised (or re-raised) alert, deduplicated by fingerprint.
type AlertEvent struct {
	Fingerprint string
	InstanceID  string
	Chain       string
	RuleID      string
	Type        string
	Severity    string
	Title       string
	Message     string
	EntityType  string
	EntityID    string
	Channels    []string
	Recipient   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Count       int64
}
