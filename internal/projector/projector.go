package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"oracle-sync/internal/alerting"
	"oracle-sync/internal/chain"
	"oracle-sync/internal/storage"
	"oracle-sync/internal/tally"
)

// Options scope one projection pass to an oracle instance.
type Options struct {
	InstanceID   string
	Chain        string
	VotingPeriod time.Duration
}

// Stats summarise one projection pass.
type Stats struct {
	Events     int
	Assertions int
	Disputes   int
	Votes      int
}

// Projector turns decoded oracle logs into domain records. Every write is a
// natural-key upsert and every event lands in the append-only oracle event
// log first, so a partially failed window can be replayed without double
// effects.
type Projector struct {
	store  storage.ProjectionStore
	votes  *tally.Tally
	alerts *alerting.Bridge
	logger zerolog.Logger
}

// New constructs a Projector. alerts may be nil when alerting is disabled.
func New(store storage.ProjectionStore, votes *tally.Tally, alerts *alerting.Bridge, logger zerolog.Logger) *Projector {
	return &Projector{
		store:  store,
		votes:  votes,
		alerts: alerts,
		logger: logger.With().Str("component", "projector").Logger(),
	}
}

// Apply projects a batch of decoded events for one instance. Votes are
// batched through the tally so each touched dispute is recomputed once.
func (p *Projector) Apply(ctx context.Context, opts Options, events []chain.DecodedEvent) (Stats, error) {
	var stats Stats
	var votes []storage.Vote

	for _, evt := range events {
		if err := p.logEvent(ctx, opts, evt); err != nil {
			return stats, err
		}
		stats.Events++

		switch evt.Type {
		case chain.EventAssertionCreated:
			if err := p.applyAssertionCreated(ctx, opts, evt); err != nil {
				return stats, err
			}
			stats.Assertions++
		case chain.EventAssertionDisputed:
			if err := p.applyAssertionDisputed(ctx, opts, evt); err != nil {
				return stats, err
			}
			stats.Disputes++
		case chain.EventAssertionResolved:
			if err := p.applyAssertionResolved(ctx, opts, evt); err != nil {
				return stats, err
			}
			stats.Assertions++
		case chain.EventVoteCast:
			votes = append(votes, storage.Vote{
				Chain:       opts.Chain,
				AssertionID: evt.AssertionID,
				Voter:       evt.Voter,
				Support:     evt.Support,
				Weight:      evt.Weight,
				TxHash:      evt.TxHash,
				BlockNumber: int64(evt.BlockNumber),
				LogIndex:    int64(evt.LogIndex),
			})
		default:
			p.logger.Warn().Str("type", string(evt.Type)).Msg("unknown event type skipped")
		}
	}

	if len(votes) > 0 {
		inserted, err := p.votes.IngestVotes(ctx, votes)
		if err != nil {
			return stats, err
		}
		stats.Votes = inserted
	}

	return stats, nil
}

// Replay re-derives and re-applies domain records from the oracle event log
// for a block range, returning how many events were (re)applied. A toBlock
// of zero or below means "to the end of the log". Upserts make this
// idempotent.
func (p *Projector) Replay(ctx context.Context, opts Options, fromBlock, toBlock int64) (int, error) {
	if toBlock <= 0 {
		toBlock = math.MaxInt64
	}
	records, err := p.store.ListOracleEvents(ctx, opts.Chain, fromBlock, toBlock)
	if err != nil {
		return 0, err
	}

	events := make([]chain.DecodedEvent, 0, len(records))
	for _, record := range records {
		var evt chain.DecodedEvent
		if err := json.Unmarshal(record.Payload, &evt); err != nil {
			return 0, fmt.Errorf("decode event payload %s:%d: %w", record.TxHash, record.LogIndex, err)
		}
		events = append(events, evt)
	}

	stats, err := p.Apply(ctx, opts, events)
	if err != nil {
		return stats.Events, err
	}

	p.logger.Info().
		Str("instance", opts.InstanceID).
		Int64("from_block", fromBlock).
		Int64("to_block", toBlock).
		Int("applied", stats.Events).
		Msg("replayed event range")
	return stats.Events, nil
}

func (p *Projector) logEvent(ctx context.Context, opts Options, evt chain.DecodedEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	record := storage.OracleEvent{
		Chain:       opts.Chain,
		EventType:   string(evt.Type),
		AssertionID: evt.AssertionID,
		TxHash:      evt.TxHash,
		BlockNumber: int64(evt.BlockNumber),
		LogIndex:    int64(evt.LogIndex),
		Payload:     payload,
	}
	return p.store.InsertOracleEvent(ctx, record)
}

func (p *Projector) applyAssertionCreated(ctx context.Context, opts Options, evt chain.DecodedEvent) error {
	assertion := storage.Assertion{
		ID:             evt.AssertionID,
		Chain:          opts.Chain,
		Asserter:       evt.Asserter,
		Protocol:       evt.Protocol,
		Market:         evt.Market,
		Claim:          evt.Claim,
		AssertedAt:     evt.AssertedAt,
		LivenessEndsAt: evt.LivenessEndsAt,
		Status:         storage.AssertionPending,
		BondUSD:        evt.Bond,
		TxHash:         evt.TxHash,
		BlockNumber:    int64(evt.BlockNumber),
		LogIndex:       int64(evt.LogIndex),
	}
	if err := p.store.UpsertAssertion(ctx, assertion); err != nil {
		return err
	}

	// A dispute projected before its parent assertion carries the assertion
	// id as a market placeholder; resolve it now that the market is known.
	return p.store.BackfillDisputeMarket(ctx, evt.AssertionID, evt.Market)
}

func (p *Projector) applyAssertionDisputed(ctx context.Context, opts Options, evt chain.DecodedEvent) error {
	disputer := evt.Disputer
	assertion := storage.Assertion{
		ID:          evt.AssertionID,
		Chain:       opts.Chain,
		Status:      storage.AssertionDisputed,
		Disputer:    &disputer,
		TxHash:      evt.TxHash,
		BlockNumber: int64(evt.BlockNumber),
		LogIndex:    int64(evt.LogIndex),
	}
	if err := p.store.UpsertAssertion(ctx, assertion); err != nil {
		return err
	}

	market := evt.AssertionID
	if parent, err := p.store.GetAssertion(ctx, evt.AssertionID); err != nil {
		return err
	} else if parent != nil && parent.Market != "" {
		market = parent.Market
	}

	disputeID := storage.DisputeID(evt.AssertionID)
	existing, err := p.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}

	dispute := storage.Dispute{
		ID:           disputeID,
		Chain:        opts.Chain,
		AssertionID:  evt.AssertionID,
		Market:       market,
		Reason:       evt.DisputeReason,
		Disputer:     evt.Disputer,
		DisputedAt:   evt.DisputedAt,
		VotingEndsAt: evt.DisputedAt.Add(opts.VotingPeriod),
	}
	if err := p.store.UpsertDispute(ctx, dispute); err != nil {
		return err
	}

	if existing == nil && p.alerts != nil {
		p.alerts.Raise(ctx, opts.InstanceID, opts.Chain, alerting.Event{
			Type:       "dispute_created",
			Severity:   "warning",
			Title:      "Assertion disputed",
			Message:    fmt.Sprintf("assertion %s disputed by %s: %s", evt.AssertionID, evt.Disputer, evt.DisputeReason),
			EntityType: "dispute",
			EntityID:   disputeID,
		})
	}
	return nil
}

func (p *Projector) applyAssertionResolved(ctx context.Context, opts Options, evt chain.DecodedEvent) error {
	resolvedAt := evt.ResolvedAt
	assertion := storage.Assertion{
		ID:                   evt.AssertionID,
		Chain:                opts.Chain,
		Status:               storage.AssertionResolved,
		ResolvedAt:           &resolvedAt,
		SettlementResolution: evt.Resolution,
		TxHash:               evt.TxHash,
		BlockNumber:          int64(evt.BlockNumber),
		LogIndex:             int64(evt.LogIndex),
	}
	if err := p.store.UpsertAssertion(ctx, assertion); err != nil {
		return err
	}

	// Resolution ends any open dispute: Executed is sticky and the voting
	// deadline is pinned to the resolution time.
	return p.store.ExecuteDispute(ctx, evt.AssertionID, resolvedAt)
}
