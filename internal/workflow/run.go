package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/services"
)

// errStop marks conditions that end processing of a unit for this dispatch:
// a terminal failure already persisted, a deferral, or a store write that
// could not land.
var errStop = errors.New("stop processing")

// Dispatch hands a unit to the worker pool. It returns false when the pool
// is full or the fingerprint is already in flight; the scheduler simply
// offers the unit again on a later tick.
func (m *Manager) Dispatch(ctx context.Context, unit *queue.Unit) bool {
	m.mu.Lock()
	if _, busy := m.inflight[unit.Fingerprint]; busy {
		m.mu.Unlock()
		return false
	}
	select {
	case m.slots <- struct{}{}:
	default:
		m.mu.Unlock()
		return false
	}
	m.inflight[unit.Fingerprint] = unit.ID
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.inflight, unit.Fingerprint)
			delete(m.abandoned, unit.Fingerprint)
			m.mu.Unlock()
			<-m.slots
			m.wg.Done()
		}()
		// The caller's snapshot may predate another worker finishing this
		// unit. Reload now that the fingerprint is claimed and only proceed
		// from a persisted stage start; anything else means the snapshot
		// went stale between listing and dispatch.
		fresh, err := m.store.GetByID(ctx, unit.ID)
		if err != nil {
			m.logger.Warn("reloading dispatched unit failed",
				logging.Int64(logging.FieldUnitID, unit.ID),
				logging.Error(err))
			return
		}
		if fresh == nil {
			return
		}
		if _, ok := stageForStatus(fresh.Status); !ok {
			return
		}
		m.processUnit(ctx, fresh)
	}()
	return true
}

// processUnit advances a unit stage by stage until it completes, fails,
// defers, or the context ends.
func (m *Manager) processUnit(ctx context.Context, unit *queue.Unit) {
	ctx = services.WithUnitID(ctx, unit.ID)
	ctx = services.WithFingerprint(ctx, unit.Fingerprint)
	ctx = services.WithRequestID(ctx, m.newToken())
	logger := logging.WithContext(ctx, m.logger)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go m.heartbeatLoop(hbCtx, unit.ID)

	for ctx.Err() == nil {
		def, ok := stageForStatus(unit.Status)
		if !ok {
			return
		}
		if m.takeAbandoned(unit.Fingerprint) {
			m.failUnit(ctx, unit, def.name, errAbandoned)
			logger.Info("unit abandoned at stage boundary",
				logging.String("stage", def.name))
			return
		}
		var err error
		if def.name == queue.StagePublish {
			err = m.runPublish(ctx, unit, def)
		} else {
			err = m.runStage(ctx, unit, def)
		}
		if err != nil {
			if !errors.Is(err, errStop) {
				logger.Error("unit processing halted", logging.Error(err))
			}
			return
		}
	}
}

// runStage executes one non-publish stage with retry and backoff. On return
// with nil the unit has advanced to the stage's done status.
func (m *Manager) runStage(ctx context.Context, unit *queue.Unit, def stageDef) error {
	logger := logging.WithContext(services.WithStage(ctx, def.name), m.logger)
	maxAttempts := m.cfg.StageMaxAttempts(def.name)

	for {
		if err := m.markProcessing(ctx, unit, def); err != nil {
			return err
		}
		err := m.executeHandler(ctx, unit, def)
		if err == nil {
			unit.Status = def.done
			unit.ErrorMessage = ""
			if perr := m.store.Update(ctx, unit); perr != nil {
				return m.persistenceHalt(ctx, unit, def, perr)
			}
			logger.Info("stage complete", logging.String("next_status", string(def.done)))
			return nil
		}
		if services.Terminal(err) {
			m.failUnit(ctx, unit, def.name, err)
			return errStop
		}

		unit.IncrementAttempt(def.name)
		attempts := unit.AttemptCount(def.name)
		if attempts >= maxAttempts {
			m.failUnit(ctx, unit, def.name, err)
			return errStop
		}

		unit.Status = def.from
		unit.ErrorMessage = services.Message(err)
		if perr := m.store.Update(ctx, unit); perr != nil {
			return m.persistenceHalt(ctx, unit, def, perr)
		}
		delay := m.backoffDelay(attempts)
		logger.Warn("stage attempt failed",
			logging.Int("attempt", attempts),
			logging.Int("max_attempts", maxAttempts),
			logging.Duration("backoff", delay),
			logging.Error(err))
		if serr := m.sleeper(ctx, delay); serr != nil {
			return errStop
		}
	}
}

// runPublish wraps the publish stage with the rate gate, identity
// reservation, and the pre-commit token that makes the external call
// at-most-once across crashes.
func (m *Manager) runPublish(ctx context.Context, unit *queue.Unit, def stageDef) error {
	logger := logging.WithContext(services.WithStage(ctx, def.name), m.logger)
	maxAttempts := m.cfg.StageMaxAttempts(def.name)

	for {
		// Reserve before consulting the gate so an identity-less deferral
		// never consumes a publish-rate slot.
		ident, err := m.pool.Reserve(ctx, unit.ID)
		if err != nil {
			if services.Deferred(err) {
				logger.Info("publish deferred, no eligible identity")
				return errStop
			}
			return m.persistenceHalt(ctx, unit, def, err)
		}
		if m.gate != nil && !m.gate.Allow(m.now()) {
			if rerr := m.pool.ReleaseQuiet(ctx, ident.ID); rerr != nil {
				logger.Error("identity release failed", logging.Error(rerr))
			}
			logger.Info("publish deferred by rate gate")
			return errStop
		}

		// Persist the reservation and token before the external call so a
		// crash leaves enough state to resolve the attempt's outcome.
		unit.AssignedIdentity = ident.ID
		unit.PublishToken = m.newToken()
		unit.Status = def.processing
		now := m.now()
		unit.LastHeartbeat = &now
		if perr := m.store.Update(ctx, unit); perr != nil {
			_ = m.pool.ReleaseQuiet(ctx, ident.ID)
			return m.persistenceHalt(ctx, unit, def, perr)
		}

		err = m.executeHandler(ctx, unit, def)
		if err == nil {
			return m.finishPublish(ctx, unit, ident.ID, logger)
		}

		// The call failed from our side, but a network error can still mean
		// the post landed. Ask before counting the attempt.
		if !services.Terminal(err) && m.confirmer != nil {
			if published, cerr := m.confirmer.Confirm(ctx, unit.PublishToken); cerr == nil && published {
				logger.Warn("publish reported failure but the post landed", logging.Error(err))
				return m.finishPublish(ctx, unit, ident.ID, logger)
			}
		}

		if rerr := m.pool.Release(ctx, ident.ID, false); rerr != nil {
			logger.Error("identity release failed", logging.Error(rerr))
		}
		if services.Terminal(err) {
			m.failUnit(ctx, unit, def.name, err)
			return errStop
		}

		unit.IncrementAttempt(def.name)
		attempts := unit.AttemptCount(def.name)
		if attempts >= maxAttempts {
			m.failUnit(ctx, unit, def.name, err)
			return errStop
		}

		unit.Status = def.from
		unit.AssignedIdentity = 0
		unit.PublishToken = ""
		unit.ErrorMessage = services.Message(err)
		if perr := m.store.Update(ctx, unit); perr != nil {
			return m.persistenceHalt(ctx, unit, def, perr)
		}
		delay := m.backoffDelay(attempts)
		logger.Warn("publish attempt failed",
			logging.Int("attempt", attempts),
			logging.Int("max_attempts", maxAttempts),
			logging.Duration("backoff", delay),
			logging.Error(err))
		if serr := m.sleeper(ctx, delay); serr != nil {
			return errStop
		}
	}
}

func (m *Manager) finishPublish(ctx context.Context, unit *queue.Unit, identID int64, logger *slog.Logger) error {
	unit.Status = queue.StatusCompleted
	unit.ErrorMessage = ""
	unit.LastHeartbeat = nil
	if perr := m.store.Update(ctx, unit); perr != nil {
		// The post landed; the completed status will be restored by token
		// confirmation on the next startup.
		logger.Error("persisting completed status failed", logging.Error(perr))
		return errStop
	}
	if rerr := m.pool.Release(ctx, identID, true); rerr != nil {
		logger.Error("identity release failed", logging.Error(rerr))
	}
	logger.Info("unit completed")
	return nil
}

func (m *Manager) markProcessing(ctx context.Context, unit *queue.Unit, def stageDef) error {
	unit.Status = def.processing
	now := m.now()
	unit.LastHeartbeat = &now
	if err := m.store.Update(ctx, unit); err != nil {
		return m.persistenceHalt(ctx, unit, def, err)
	}
	return nil
}

func (m *Manager) executeHandler(ctx context.Context, unit *queue.Unit, def stageDef) error {
	handler := m.handlers[def.name]
	if handler == nil {
		return services.Wrap(services.ErrConfiguration, def.name, "dispatch", "no handler registered", nil)
	}
	stageCtx := services.WithStage(ctx, def.name)
	if timeout := m.cfg.StageTimeoutSeconds(def.name); timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(stageCtx, time.Duration(timeout)*time.Second)
		defer cancel()
	}
	if err := handler.Prepare(stageCtx, unit); err != nil {
		return err
	}
	return handler.Execute(stageCtx, unit)
}

// persistenceHalt abandons the current attempt without consuming it. The
// database still holds the previous durable state, so a later dispatch
// resumes cleanly.
func (m *Manager) persistenceHalt(ctx context.Context, unit *queue.Unit, def stageDef, err error) error {
	logger := logging.WithContext(services.WithStage(ctx, def.name), m.logger)
	logger.Error("store write failed, abandoning attempt",
		logging.Alert("persistence_failure"),
		logging.Error(err))
	return errStop
}

func (m *Manager) failUnit(ctx context.Context, unit *queue.Unit, stageName string, cause error) {
	logger := logging.WithContext(services.WithStage(ctx, stageName), m.logger)
	unit.SetFailed(services.Message(cause))
	unit.AssignedIdentity = 0
	unit.PublishToken = ""
	if err := m.store.Update(ctx, unit); err != nil {
		logger.Error("persisting failed status failed",
			logging.Alert("persistence_failure"),
			logging.Error(err))
		return
	}
	logger.Error("unit failed",
		logging.Alert("unit_failed"),
		logging.String("reason", unit.ErrorMessage))
}

// backoffDelay grows exponentially per consumed attempt with jitter applied.
func (m *Manager) backoffDelay(attempts int) time.Duration {
	base := time.Duration(m.cfg.Stages.RetryBackoffSeconds) * time.Second
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > time.Hour {
			delay = time.Hour
			break
		}
	}
	return time.Duration(float64(delay) * m.jitterF())
}

func (m *Manager) heartbeatLoop(ctx context.Context, unitID int64) {
	interval := time.Duration(m.cfg.Workflow.HeartbeatInterval) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.UpdateHeartbeat(ctx, unitID); err != nil && ctx.Err() == nil {
				m.logger.Warn("heartbeat update failed",
					logging.Int64(logging.FieldUnitID, unitID),
					logging.Error(err))
			}
		}
	}
}
