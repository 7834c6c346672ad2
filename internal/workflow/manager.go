// Package workflow orchestrates content units through the pipeline stages,
// persisting state transitions so a restart resumes exactly where work
// stopped.
package workflow

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/config"
	"crosspost/internal/identity"
	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/stage"
)

// stageDef binds a pipeline stage to its status transitions.
type stageDef struct {
	name       string
	from       queue.Status
	processing queue.Status
	done       queue.Status
}

var stageDefs = []stageDef{
	{queue.StageDownload, queue.StatusPending, queue.StatusDownloading, queue.StatusDownloaded},
	{queue.StageTranscode, queue.StatusDownloaded, queue.StatusTranscoding, queue.StatusTranscoded},
	{queue.StageRewrite, queue.StatusTranscoded, queue.StatusRewriting, queue.StatusRewritten},
	{queue.StagePublish, queue.StatusRewritten, queue.StatusPublishing, queue.StatusCompleted},
}

// StartStatuses returns the statuses from which the manager can pick up work.
func StartStatuses() []queue.Status {
	statuses := make([]queue.Status, 0, len(stageDefs))
	for _, def := range stageDefs {
		statuses = append(statuses, def.from)
	}
	return statuses
}

// Handlers carries one handler per pipeline stage.
type Handlers struct {
	Download  stage.Handler
	Transcode stage.Handler
	Rewrite   stage.Handler
	Publish   stage.Handler
}

func (h Handlers) byStage() map[string]stage.Handler {
	return map[string]stage.Handler{
		queue.StageDownload:  h.Download,
		queue.StageTranscode: h.Transcode,
		queue.StageRewrite:   h.Rewrite,
		queue.StagePublish:   h.Publish,
	}
}

// PublishGate is consulted before each publish attempt. Denied attempts
// leave the unit where it is; the next scheduling pass retries.
type PublishGate interface {
	Allow(now time.Time) bool
}

// Confirmer resolves whether a publish token landed, used during crash
// recovery for units interrupted mid-publish.
type Confirmer interface {
	Confirm(ctx context.Context, token string) (bool, error)
}

// Manager runs units through the stage handlers on a bounded worker pool.
// A per-fingerprint in-flight set guarantees no two workers ever process
// the same content concurrently.
type Manager struct {
	cfg       *config.Config
	store     *queue.Store
	pool      *identity.Pool
	handlers  map[string]stage.Handler
	gate      PublishGate
	confirmer Confirmer
	logger    *slog.Logger

	slots     chan struct{}
	mu        sync.Mutex
	inflight  map[string]int64
	abandoned map[string]struct{}

	wg       sync.WaitGroup
	now      func() time.Time
	sleeper  func(ctx context.Context, d time.Duration) error
	newToken func() string
	jitterF  func() float64
}

// Option adjusts Manager construction, mainly for tests.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleeper overrides how retry backoff waits are performed.
func WithSleeper(sleeper func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleeper = sleeper }
}

// WithTokenFunc overrides publish token generation.
func WithTokenFunc(f func() string) Option {
	return func(m *Manager) { m.newToken = f }
}

// WithGate installs the publish rate gate.
func WithGate(gate PublishGate) Option {
	return func(m *Manager) { m.gate = gate }
}

// WithConfirmer installs the publish confirmation probe.
func WithConfirmer(c Confirmer) Option {
	return func(m *Manager) { m.confirmer = c }
}

// WithBackoffJitter overrides the retry jitter source. The function returns
// a multiplier around 1.0.
func WithBackoffJitter(f func() float64) Option {
	return func(m *Manager) { m.jitterF = f }
}

// NewManager wires the orchestrator.
func NewManager(cfg *config.Config, store *queue.Store, pool *identity.Pool, handlers Handlers, logger *slog.Logger, opts ...Option) *Manager {
	workers := cfg.Scheduler.MaxInflightUnits
	if workers <= 0 {
		workers = 1
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		handlers:  handlers.byStage(),
		logger:    logging.NewComponentLogger(logger, "workflow"),
		slots:     make(chan struct{}, workers),
		inflight:  make(map[string]int64),
		abandoned: make(map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
		sleeper: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		newToken: uuid.NewString,
		jitterF: func() float64 {
			// Uniform in [0.5, 1.5) so synchronized failures spread out.
			return 0.5 + rand.Float64()
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InflightCount reports how many units are currently being processed.
func (m *Manager) InflightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Wait blocks until every dispatched unit has finished processing.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// HealthChecks runs every stage handler's probe.
func (m *Manager) HealthChecks(ctx context.Context) []stage.Health {
	out := make([]stage.Health, 0, len(stageDefs))
	for _, def := range stageDefs {
		if handler := m.handlers[def.name]; handler != nil {
			out = append(out, handler.HealthCheck(ctx))
		}
	}
	return out
}

func stageForStatus(status queue.Status) (stageDef, bool) {
	for _, def := range stageDefs {
		if def.from == status {
			return def, true
		}
	}
	return stageDef{}, false
}
