// Package services carries the cross-cutting plumbing the pipeline packages
// share: the sentinel error taxonomy that classifies stage failures as
// retryable, terminal, deferred, or persistence-related, and the context
// keys that thread unit/stage/correlation identifiers into structured logs.
package services
