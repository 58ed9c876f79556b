package tally

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"oracle-sync/internal/storage"
)

// Tally deduplicates vote events and keeps dispute-level aggregates correct.
type Tally struct {
	store  storage.VoteStore
	logger zerolog.Logger
}

// New constructs a Tally over the vote store.
func New(store storage.VoteStore, logger zerolog.Logger) *Tally {
	return &Tally{
		store:  store,
		logger: logger.With().Str("component", "vote_tally").Logger(),
	}
}

// IngestVotes inserts a batch of vote events, silently skipping duplicates
// from overlapping scan ranges, then recomputes the dispute aggregates for
// every assertion that gained at least one new vote. The recomputation is a
// full aggregate over all vote rows, so insertion order and replays cannot
// skew the totals.
func (t *Tally) IngestVotes(ctx context.Context, votes []storage.Vote) (int, error) {
	touched := make(map[string]struct{})
	inserted := 0

	for _, vote := range votes {
		fresh, err := t.store.InsertVote(ctx, vote)
		if err != nil {
			return inserted, fmt.Errorf("insert vote %s:%d: %w", vote.TxHash, vote.LogIndex, err)
		}
		if !fresh {
			t.logger.Debug().
				Str("tx_hash", vote.TxHash).
				Int64("log_index", vote.LogIndex).
				Msg("duplicate vote event skipped")
			continue
		}
		inserted++
		touched[vote.AssertionID] = struct{}{}
	}

	for assertionID := range touched {
		if err := t.store.RecomputeDisputeVotes(ctx, assertionID); err != nil {
			return inserted, fmt.Errorf("recompute votes for %s: %w", assertionID, err)
		}
	}

	return inserted, nil
}
