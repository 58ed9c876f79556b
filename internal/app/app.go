package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"oracle-sync/internal/alerting"
	"oracle-sync/internal/config"
	"oracle-sync/internal/projector"
	"oracle-sync/internal/scheduler"
	"oracle-sync/internal/service"
	"oracle-sync/internal/storage"
	"oracle-sync/internal/syncer"
	"oracle-sync/internal/tally"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newBridge(store storage.AlertStore) *alerting.Bridge {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	rules := make([]alerting.Rule, 0, len(a.Config.Alerting.Rules))
	for _, rule := range a.Config.Alerting.Rules {
		rules = append(rules, alerting.Rule{
			ID:            rule.ID,
			Enabled:       rule.Enabled,
			Event:         rule.Event,
			Severity:      rule.Severity,
			Channels:      rule.Channels,
			Recipient:     rule.Recipient,
			SilencedUntil: rule.SilencedUntil,
		})
	}
	return alerting.NewBridge(rules, store, a.newNotifier(), a.Logger)
}

func (a *App) newOrchestrator(store *storage.Store) *syncer.Orchestrator {
	bridge := a.newBridge(store)
	votes := tally.New(store, a.Logger)
	proj := projector.New(store, votes, bridge, a.Logger)
	return syncer.New(a.Config, store, proj, bridge, nil, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running sync service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	orch := a.newOrchestrator(store)
	svc := service.New(a.Config, sched, orch, store, a.Logger)

	a.Logger.Info().Int("instances", len(a.Config.Instances)).Msg("starting sync service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("sync service terminated with error")
		return err
	}

	a.Logger.Info().Msg("sync service stopped")
	return nil
}

// Sync runs one sync round for a single instance (or every instance when
// InstanceID is empty) and returns.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	orch := a.newOrchestrator(store)

	if opts.InstanceID != "" {
		result, err := orch.EnsureSynced(ctx, opts.InstanceID)
		if err != nil {
			return err
		}
		a.Logger.Info().Str("instance", opts.InstanceID).Bool("updated", result.Updated).Msg("sync complete")
		return nil
	}

	svc := service.New(a.Config, nil, orch, store, a.Logger)
	return svc.SyncAll(ctx)
}

// SyncOptions configure a one-shot sync.
type SyncOptions struct {
	InstanceID string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	InstanceID   string
	MetricsLimit int
}

// ExportOptions hold parameters for exporting the sync metrics series.
type ExportOptions struct {
	InstanceID string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ReplayOptions configure re-projection from the stored event log.
type ReplayOptions struct {
	InstanceID string
	FromBlock  int64
	ToBlock    int64
}
