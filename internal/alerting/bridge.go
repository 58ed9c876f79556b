package alerting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"oracle-sync/internal/storage"
)

// Rule matches sync events to notification routing. A rule silenced until a
// future instant still records alerts but dispatches nothing.
type Rule struct {
	ID            string
	Enabled       bool
	Event         string
	Severity      string
	Channels      []string
	Recipient     string
	SilencedUntil *time.Time
}

// Event is an alert condition raised by the sync engine.
type Event struct {
	Type       string
	Severity   string
	Title      string
	Message    string
	EntityType string
	EntityID   string
}

// Bridge evaluates rules against raised events, records them with
// fingerprint dedup, and dispatches notifications best-effort. Nothing the
// bridge does can fail a sync attempt.
type Bridge struct {
	rules    []Rule
	store    storage.AlertStore
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewBridge constructs a Bridge. store and notifier may be nil; matching
// rules are then evaluated but recording/dispatch is skipped.
func NewBridge(rules []Rule, store storage.AlertStore, notifier Notifier, logger zerolog.Logger) *Bridge {
	return &Bridge{
		rules:    rules,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "alert_bridge").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Fingerprint derives the deterministic dedup key for one (rule, instance,
// chain, entity) combination.
func Fingerprint(ruleID, instanceID, chainName, entityType, entityID string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{ruleID, instanceID, chainName, entityType, entityID}, "|")))
	return hex.EncodeToString(sum[:])
}

// Raise evaluates every enabled rule for evt's type and records/dispatches
// matches. Errors are logged, never returned.
func (b *Bridge) Raise(ctx context.Context, instanceID, chainName string, evt Event) {
	for _, rule := range b.rules {
		if !rule.Enabled || rule.Event != evt.Type {
			continue
		}

		fingerprint := Fingerprint(rule.ID, instanceID, chainName, evt.EntityType, evt.EntityID)

		channels := rule.Channels
		if b.silenced(rule) {
			channels = nil
		}

		severity := evt.Severity
		if rule.Severity != "" {
			severity = rule.Severity
		}

		if b.store != nil {
			record := storage.AlertEvent{
				Fingerprint: fingerprint,
				InstanceID:  instanceID,
				Chain:       chainName,
				RuleID:      rule.ID,
				Type:        evt.Type,
				Severity:    severity,
				Title:       evt.Title,
				Message:     evt.Message,
				EntityType:  evt.EntityType,
				EntityID:    evt.EntityID,
				Channels:    channels,
				Recipient:   rule.Recipient,
				LastSeenAt:  b.now(),
			}
			if _, err := b.store.UpsertAlertEvent(ctx, record); err != nil {
				b.logger.Error().Err(err).Str("fingerprint", fingerprint).Msg("failed to persist alert event")
			}
		}

		if b.notifier == nil || len(channels) == 0 {
			continue
		}

		note := Notification{
			Fingerprint: fingerprint,
			Type:        evt.Type,
			Severity:    severity,
			Title:       evt.Title,
			Message:     evt.Message,
			EntityType:  evt.EntityType,
			EntityID:    evt.EntityID,
			Channels:    channels,
			Recipient:   rule.Recipient,
		}
		if err := b.notifier.Notify(ctx, note); err != nil {
			b.logger.Error().Err(err).Str("fingerprint", fingerprint).Msg("failed to dispatch alert")
		}
	}
}

func (b *Bridge) silenced(rule Rule) bool {
	return rule.SilencedUntil != nil && rule.SilencedUntil.After(b.now())
}
