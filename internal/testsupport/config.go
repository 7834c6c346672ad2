// Package testsupport provides shared helpers for package tests: isolated
// configurations rooted in temp directories and a pre-opened queue store.
package testsupport

import (
	"path/filepath"
	"testing"

	"crosspost/internal/config"
)

// NewConfig returns a validated configuration rooted in the test's temp
// directory, with timings tightened so tests run quickly.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	defaults := config.Default()
	cfg := &defaults
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LibraryDir = filepath.Join(base, "library")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Sources = []config.Source{{Name: "test", AuthorID: "author-1", Enabled: true}}
	cfg.Scheduler.TickSeconds = 1
	cfg.Scheduler.TickJitterPct = 0
	cfg.Stages.RetryBackoffSeconds = 0
	cfg.Identities.CooldownJitterPct = 0
	cfg.Workflow.HeartbeatInterval = 1
	cfg.Workflow.HeartbeatTimeout = 5
	cfg.Workflow.ErrorRetryInterval = 1
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate test config: %v", err)
	}
	return cfg
}
