// Package queue persists the content units flowing through the pipeline.
//
// Each unit is keyed by a content fingerprint with a UNIQUE constraint, so
// ingesting the same video twice is a no-op. Units carry per-stage attempt
// counts and artifacts as JSON columns, and the store exposes the recovery
// primitives the orchestrator needs after a crash: rolling interrupted work
// back to its stage start and reclaiming units with stale heartbeats.
package queue
