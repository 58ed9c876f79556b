package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"oracle-sync/internal/config"
	"oracle-sync/internal/scheduler"
	"oracle-sync/internal/storage"
	"oracle-sync/internal/syncer"
)

// Service drives the orchestrator on a schedule across every configured
// instance, guarded by a postgres advisory lock so multiple deployments do
// not sync concurrently.
type Service struct {
	scheduler    *scheduler.Scheduler
	orchestrator *syncer.Orchestrator
	logger       zerolog.Logger

	instanceIDs []string
	locker      storage.AdvisoryLocker
	lockKey     int64
}

// New constructs the sync service. locker may be nil when single-deployment.
func New(cfg *config.Config, sched *scheduler.Scheduler, orch *syncer.Orchestrator, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	ids := make([]string, 0, len(cfg.Instances))
	for id := range cfg.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Service{
		scheduler:    sched,
		orchestrator: orch,
		logger:       logger.With().Str("component", "service").Logger(),
		instanceIDs:  ids,
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run blocks, syncing all instances on every scheduler tick until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick executes one sync round. A tick where another deployment
// holds the advisory lock is skipped, not failed.
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.SyncAll(ctx)
}

// SyncAll runs the orchestrator for every configured instance. Instances
// fail independently; the first error is returned after all have run.
func (s *Service) SyncAll(ctx context.Context) error {
	var firstErr error
	for _, id := range s.instanceIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		result, err := s.orchestrator.EnsureSynced(ctx, id)
		if err != nil {
			s.logger.Error().Err(err).Str("instance", id).Msg("instance sync failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("sync instance %s: %w", id, err)
			}
			continue
		}

		event := s.logger.Info().Str("instance", id).Bool("updated", result.Updated)
		if result.State != nil {
			event = event.
				Int64("last_processed_block", result.State.LastProcessedBlock).
				Int64("latest_block", result.State.LatestBlock).
				Int64("lag_blocks", result.State.LatestBlock-result.State.LastProcessedBlock)
		}
		event.Msg("instance synced")
	}
	return firstErr
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
