package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jacksonlee411/dirsync/internal/config"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/modules/directory/presentation/controllers"
)

// Scheduler triggers an ordinary sync run per enabled provider every
// sync_interval. Ticks that find a run in progress are skipped.
type Scheduler struct {
	runner    controllers.SyncRunner
	providers []config.Provider
	logger    *slog.Logger
	newTicker func(time.Duration) (<-chan time.Time, func())
}

func NewScheduler(cfg *config.Config, runner controllers.SyncRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var providers []config.Provider
	for _, p := range cfg.Providers {
		if p.Enabled && p.SyncInterval.Std() > 0 {
			providers = append(providers, p)
		}
	}
	return &Scheduler{
		runner:    runner,
		providers: providers,
		logger:    logger,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.providers) == 0 {
		s.logger.InfoContext(ctx, "scheduler has no providers with a sync_interval")
		return
	}
	var wg sync.WaitGroup
	for _, p := range s.providers {
		wg.Go(func() { s.loop(ctx, p) })
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, p config.Provider) {
	ticks, stop := s.newTicker(p.SyncInterval.Std())
	defer stop()
	s.logger.InfoContext(ctx, "scheduled sync enabled", "company_id", p.CompanyID, "provider", p.Provider, "interval", p.SyncInterval.Std())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.tick(ctx, p)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, p config.Provider) {
	run, err := s.runner.Run(ctx, p.CompanyID, p.DefaultOptions())
	switch {
	case err == nil:
	case errors.Is(err, types.ErrSyncAlreadyRunning):
		s.logger.InfoContext(ctx, "scheduled sync skipped, run in progress", "company_id", p.CompanyID, "provider", p.Provider)
	default:
		s.logger.ErrorContext(ctx, "scheduled sync failed", "company_id", p.CompanyID, "provider", p.Provider, "run_id", run.ID, "err", err)
	}
}
