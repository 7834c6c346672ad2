// Package stage defines the contract pipeline stages implement and the
// health probe surface the daemon aggregates.
package stage

import (
	"context"

	"crosspost/internal/queue"
)

// Handler is one pipeline stage. Prepare validates inputs and stages
// workspace state without side effects outside the staging directory;
// Execute performs the work and records its artifact on the unit. The
// orchestrator persists the unit after each phase, so handlers mutate the
// unit in place and return classified errors instead of writing the store.
type Handler interface {
	Prepare(ctx context.Context, unit *queue.Unit) error
	Execute(ctx context.Context, unit *queue.Unit) error
	HealthCheck(ctx context.Context) Health
}
