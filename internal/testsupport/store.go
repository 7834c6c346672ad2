package testsupport

import (
	"context"
	"testing"

	"crosspost/internal/config"
	"crosspost/internal/queue"
)

// MustOpenStore opens a queue store against the test configuration and
// registers cleanup.
func MustOpenStore(t *testing.T, cfg *config.Config) *queue.Store {
	t.Helper()
	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close queue store: %v", err)
		}
	})
	return store
}

// MustNewUnit inserts a fresh unit and fails the test on error or when the
// fingerprint already exists.
func MustNewUnit(t *testing.T, store *queue.Store, fingerprint, title string) *queue.Unit {
	t.Helper()
	unit, created, err := store.NewUnit(context.Background(), fingerprint, "https://example.test/"+fingerprint, "author-1", title)
	if err != nil {
		t.Fatalf("create unit %s: %v", fingerprint, err)
	}
	if !created {
		t.Fatalf("unit %s already existed", fingerprint)
	}
	return unit
}
