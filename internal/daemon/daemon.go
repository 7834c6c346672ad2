// Package daemon ties the pipeline together: it holds the single-instance
// lock, runs crash recovery, and owns the scheduler and status API
// lifecycles.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"crosspost/internal/config"
	"crosspost/internal/identity"
	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/scheduler"
	"crosspost/internal/workflow"
)

// ErrAlreadyRunning indicates another daemon holds the instance lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// Daemon supervises the pipeline services.
type Daemon struct {
	cfg       *config.Config
	store     *queue.Store
	pool      *identity.Pool
	manager   *workflow.Manager
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	lock   *flock.Flock
	server *http.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// New wires a daemon from already-constructed services.
func New(cfg *config.Config, store *queue.Store, pool *identity.Pool, manager *workflow.Manager, sched *scheduler.Scheduler, logger *slog.Logger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		manager:   manager,
		scheduler: sched,
		logger:    logging.NewComponentLogger(logger, "daemon"),
	}
}

// Start acquires the instance lock, recovers interrupted work, and launches
// the scheduler and status API. It returns once everything is running.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.New("daemon already started")
	}

	lockPath := filepath.Join(d.cfg.Paths.LogDir, "crosspost.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock held at %s)", ErrAlreadyRunning, lockPath)
	}
	d.lock = lock

	if err := d.manager.Recover(ctx); err != nil {
		_ = lock.Unlock()
		d.lock = nil
		return fmt.Errorf("recover queue: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	done := make(chan struct{})
	d.done = done
	d.started = time.Now().UTC()

	go func() {
		defer close(done)
		if err := d.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("scheduler stopped", logging.Error(err))
		}
	}()

	if bind := d.cfg.Paths.APIBind; bind != "" {
		d.server = &http.Server{
			Addr:              bind,
			Handler:           d.apiHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("status api stopped", logging.Error(err))
			}
		}()
	}

	d.logger.Info("daemon started",
		logging.String("api_bind", d.cfg.Paths.APIBind),
		logging.String("queue_db", d.store.Path()))
	return nil
}

// Stop halts the scheduler, waits for in-flight units, shuts down the API,
// and releases the lock.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	server := d.server
	lock := d.lock
	d.cancel = nil
	d.done = nil
	d.server = nil
	d.lock = nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	d.manager.Wait()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}
	if lock != nil {
		if err := lock.Unlock(); err != nil {
			return fmt.Errorf("release instance lock: %w", err)
		}
	}
	d.logger.Info("daemon stopped")
	return nil
}

// Run starts the daemon and blocks until the context ends, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Stop(stopCtx)
}
