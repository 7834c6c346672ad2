package workflow

import (
	"context"
	"errors"
	"fmt"

	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/services"
)

var errAbandoned = errors.New("abandoned by operator")

// Abandon marks a unit to be failed at its next stage boundary. A unit whose
// publish call is already running finishes that call first, so the platform
// never sees a half-completed post. Units not currently being processed are
// failed immediately.
func (m *Manager) Abandon(ctx context.Context, fingerprint string) error {
	unit, err := m.store.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "", "abandon", "load unit", err)
	}
	if unit == nil {
		return fmt.Errorf("no unit with fingerprint %s", fingerprint)
	}
	if unit.IsTerminal() {
		return fmt.Errorf("unit %d is already %s", unit.ID, unit.Status)
	}

	m.mu.Lock()
	if _, busy := m.inflight[fingerprint]; busy {
		m.abandoned[fingerprint] = struct{}{}
		m.mu.Unlock()
		m.logger.Info("abandon recorded, unit fails at its next stage boundary",
			logging.Int64(logging.FieldUnitID, unit.ID),
			logging.String(logging.FieldFingerprint, fingerprint))
		return nil
	}
	m.mu.Unlock()

	if unit.Status == queue.StatusPublishing {
		// No worker owns it, so the outcome hangs on the publish token.
		// Startup recovery resolves these; failing here could orphan a post
		// that actually landed.
		return fmt.Errorf("unit %d is mid-publish, awaiting recovery", unit.ID)
	}
	unit.SetFailed(errAbandoned.Error())
	unit.AssignedIdentity = 0
	unit.PublishToken = ""
	if err := m.store.Update(ctx, unit); err != nil {
		return services.Wrap(services.ErrPersistence, "", "abandon", "persist failed status", err)
	}
	m.logger.Info("unit abandoned",
		logging.Int64(logging.FieldUnitID, unit.ID),
		logging.String(logging.FieldFingerprint, fingerprint))
	return nil
}

// takeAbandoned consumes a pending abandon flag for the fingerprint.
func (m *Manager) takeAbandoned(fingerprint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.abandoned[fingerprint]; !ok {
		return false
	}
	delete(m.abandoned, fingerprint)
	return true
}
