// Package scheduler drives the pipeline: it polls sources, reclaims
// orphaned work, and offers ready units to the workflow manager on a
// jittered tick.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/identity"
	"crosspost/internal/ingest"
	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/workflow"
)

// Scheduler owns the periodic tick.
type Scheduler struct {
	cfg     *config.Config
	store   *queue.Store
	pool    *identity.Pool
	manager *workflow.Manager
	ingest  *ingest.Service
	logger  *slog.Logger

	jitterF func(pct int) float64
}

// Option adjusts Scheduler construction, mainly for tests.
type Option func(*Scheduler)

// WithTickJitter overrides the tick jitter source.
func WithTickJitter(f func(pct int) float64) Option {
	return func(s *Scheduler) { s.jitterF = f }
}

// New wires the scheduler.
func New(cfg *config.Config, store *queue.Store, pool *identity.Pool, manager *workflow.Manager, ingestSvc *ingest.Service, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		pool:    pool,
		manager: manager,
		ingest:  ingestSvc,
		logger:  logging.NewComponentLogger(logger, "scheduler"),
		jitterF: func(pct int) float64 {
			if pct <= 0 {
				return 0
			}
			return (rand.Float64()*2 - 1) * float64(pct) / 100
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until the context ends. Each tick interval is jittered so
// restarts do not synchronize external traffic.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.tickInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.tickInterval())
		}
	}
}

// Tick performs one scheduling pass: discover, reclaim, dispatch.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.ingest != nil {
		if created, err := s.ingest.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("source polling failed", logging.Error(err))
		} else if created > 0 {
			s.logger.Info("enqueued new units", logging.Int("count", created))
		}
	}

	if reclaimed, err := s.pool.ReclaimStale(ctx); err != nil {
		s.logger.Warn("identity reclaim failed", logging.Error(err))
	} else if reclaimed > 0 {
		s.logger.Info("reclaimed identities", logging.Int("count", reclaimed))
	}

	if timeout := s.cfg.Workflow.HeartbeatTimeout; timeout > 0 {
		cutoff := time.Now().Add(-time.Duration(timeout) * time.Second)
		if reclaimed, err := s.store.ReclaimStale(ctx, cutoff); err != nil {
			s.logger.Warn("unit reclaim failed", logging.Error(err))
		} else if reclaimed > 0 {
			s.logger.Warn("reclaimed stalled units",
				logging.Int("count", reclaimed),
				logging.Alert("units_reclaimed"))
		}
	}

	s.dispatchReady(ctx)
}

func (s *Scheduler) dispatchReady(ctx context.Context) {
	units, err := s.store.List(ctx, workflow.StartStatuses()...)
	if err != nil {
		s.logger.Error("listing ready units failed", logging.Error(err))
		return
	}
	dispatched := 0
	for _, unit := range units {
		if ctx.Err() != nil {
			return
		}
		if s.manager.Dispatch(ctx, unit) {
			dispatched++
		}
	}
	if dispatched > 0 {
		s.logger.Debug("dispatched units", logging.Int("count", dispatched))
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	base := time.Duration(s.cfg.Scheduler.TickSeconds) * time.Second
	if base <= 0 {
		base = time.Second
	}
	offset := s.jitterF(s.cfg.Scheduler.TickJitterPct)
	interval := time.Duration(float64(base) * (1 + offset))
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
