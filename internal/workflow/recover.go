package workflow

import (
	"context"
	"fmt"

	"crosspost/internal/logging"
	"crosspost/internal/queue"
)

// Recover restores a consistent queue after a daemon restart. Units caught
// mid-publish are resolved through their publish token; every other
// interrupted unit rolls back to its stage's start status.
func (m *Manager) Recover(ctx context.Context) error {
	if err := m.resolvePublishing(ctx); err != nil {
		return err
	}
	reset, err := m.store.ResetStuckProcessing(ctx)
	if err != nil {
		return fmt.Errorf("reset interrupted units: %w", err)
	}
	if reset > 0 {
		m.logger.Info("rolled back interrupted units", logging.Int("count", reset))
	}
	return nil
}

func (m *Manager) resolvePublishing(ctx context.Context) error {
	units, err := m.store.List(ctx, queue.StatusPublishing)
	if err != nil {
		return fmt.Errorf("list publishing units: %w", err)
	}
	for _, unit := range units {
		logger := m.logger.With(
			logging.Int64(logging.FieldUnitID, unit.ID),
			logging.String(logging.FieldFingerprint, unit.Fingerprint))

		published := false
		if unit.PublishToken != "" && m.confirmer != nil {
			landed, cerr := m.confirmer.Confirm(ctx, unit.PublishToken)
			if cerr != nil {
				// Leave the unit in publishing; the next startup or sweep
				// will try the token again once the surface is reachable.
				logger.Warn("publish confirmation unavailable", logging.Error(cerr))
				continue
			}
			published = landed
		}

		identID := unit.AssignedIdentity
		if published {
			unit.Status = queue.StatusCompleted
			unit.ErrorMessage = ""
			unit.LastHeartbeat = nil
			if err := m.store.Update(ctx, unit); err != nil {
				return fmt.Errorf("complete recovered unit %d: %w", unit.ID, err)
			}
			if identID != 0 {
				if err := m.pool.Release(ctx, identID, true); err != nil {
					logger.Error("identity release failed", logging.Error(err))
				}
			}
			logger.Info("recovered unit had already published")
			continue
		}

		unit.Status = queue.StatusRewritten
		unit.AssignedIdentity = 0
		unit.PublishToken = ""
		unit.LastHeartbeat = nil
		if err := m.store.Update(ctx, unit); err != nil {
			return fmt.Errorf("roll back recovered unit %d: %w", unit.ID, err)
		}
		if identID != 0 {
			if err := m.pool.ReleaseQuiet(ctx, identID); err != nil {
				logger.Error("identity release failed", logging.Error(err))
			}
		}
		logger.Info("recovered unit rolled back to rewritten")
	}
	return nil
}
