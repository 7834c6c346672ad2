package queue_test

import (
	"context"
	"testing"
	"time"

	"crosspost/internal/queue"
	"crosspost/internal/testsupport"
)

func TestNewUnitDeduplicatesOnFingerprint(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first, created, err := store.NewUnit(ctx, "fp-1", "https://example.test/v/1", "author-1", "original title")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !created {
		t.Fatal("expected first insert to create a unit")
	}
	if first.Status != queue.StatusPending {
		t.Fatalf("new unit status = %s, want pending", first.Status)
	}

	second, created, err := store.NewUnit(ctx, "fp-1", "https://example.test/v/other", "author-2", "different title")
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if created {
		t.Fatal("duplicate fingerprint must not create a unit")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned unit %d, want %d", second.ID, first.ID)
	}
	if second.Title != "original title" {
		t.Fatalf("duplicate insert mutated title to %q", second.Title)
	}

	has, err := store.Has(ctx, "fp-1")
	if err != nil || !has {
		t.Fatalf("Has(fp-1) = %v, %v; want true, nil", has, err)
	}
}

func TestUpdateRoundTripsAttemptsAndArtifacts(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	unit := testsupport.MustNewUnit(t, store, "fp-rt", "clip")

	unit.Status = queue.StatusDownloaded
	unit.IncrementAttempt(queue.StageDownload)
	unit.IncrementAttempt(queue.StageDownload)
	unit.SetArtifact(queue.StageDownload, "/tmp/clip.mp4")
	unit.AssignedIdentity = 7
	unit.PublishToken = "token-abc"
	if err := store.Update(ctx, unit); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetByID(ctx, unit.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusDownloaded {
		t.Fatalf("status = %s, want downloaded", got.Status)
	}
	if got.AttemptCount(queue.StageDownload) != 2 {
		t.Fatalf("download attempts = %d, want 2", got.AttemptCount(queue.StageDownload))
	}
	if path, ok := got.Artifact(queue.StageDownload); !ok || path != "/tmp/clip.mp4" {
		t.Fatalf("download artifact = %q, %v", path, ok)
	}
	if got.AssignedIdentity != 7 || got.PublishToken != "token-abc" {
		t.Fatalf("identity/token = %d/%q", got.AssignedIdentity, got.PublishToken)
	}
}

func TestCaptionArtifactRoundTrip(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	unit := testsupport.MustNewUnit(t, store, "fp-cap", "clip")

	caption := queue.Caption{Title: "rewritten", Tags: []string{"fyp", "#viral"}}
	if err := unit.SetCaption(caption); err != nil {
		t.Fatalf("set caption: %v", err)
	}
	if err := store.Update(ctx, unit); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetByID(ctx, unit.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decoded, ok, err := got.CaptionArtifact()
	if err != nil || !ok {
		t.Fatalf("caption artifact: ok=%v err=%v", ok, err)
	}
	if decoded.Title != "rewritten" || len(decoded.Tags) != 2 {
		t.Fatalf("caption = %+v", decoded)
	}
	if text := decoded.Text(); text != "rewritten #fyp #viral" {
		t.Fatalf("caption text = %q", text)
	}
}

func TestResetStuckProcessingRollsBackToStageStart(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	cases := map[string]struct {
		stuck queue.Status
		want  queue.Status
	}{
		"fp-dl": {queue.StatusDownloading, queue.StatusPending},
		"fp-tc": {queue.StatusTranscoding, queue.StatusDownloaded},
		"fp-rw": {queue.StatusRewriting, queue.StatusTranscoded},
	}
	for fingerprint, tc := range cases {
		unit := testsupport.MustNewUnit(t, store, fingerprint, "clip")
		unit.Status = tc.stuck
		if err := store.Update(ctx, unit); err != nil {
			t.Fatalf("update %s: %v", fingerprint, err)
		}
	}
	publishing := testsupport.MustNewUnit(t, store, "fp-pub", "clip")
	publishing.Status = queue.StatusPublishing
	publishing.PublishToken = "token-1"
	if err := store.Update(ctx, publishing); err != nil {
		t.Fatalf("update publishing unit: %v", err)
	}

	reset, err := store.ResetStuckProcessing(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset != 3 {
		t.Fatalf("reset %d units, want 3", reset)
	}
	for fingerprint, tc := range cases {
		got, err := store.GetByFingerprint(ctx, fingerprint)
		if err != nil {
			t.Fatalf("get %s: %v", fingerprint, err)
		}
		if got.Status != tc.want {
			t.Fatalf("%s rolled back to %s, want %s", fingerprint, got.Status, tc.want)
		}
	}
	got, err := store.GetByFingerprint(ctx, "fp-pub")
	if err != nil {
		t.Fatalf("get publishing unit: %v", err)
	}
	if got.Status != queue.StatusPublishing {
		t.Fatalf("publishing unit moved to %s; token resolution owns it", got.Status)
	}
}

func TestReclaimStaleOnlyTouchesOldHeartbeats(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	stale := testsupport.MustNewUnit(t, store, "fp-stale", "clip")
	stale.Status = queue.StatusDownloading
	old := time.Now().Add(-10 * time.Minute).UTC()
	stale.LastHeartbeat = &old
	if err := store.Update(ctx, stale); err != nil {
		t.Fatalf("update stale: %v", err)
	}

	live := testsupport.MustNewUnit(t, store, "fp-live", "clip")
	live.Status = queue.StatusDownloading
	now := time.Now().UTC()
	live.LastHeartbeat = &now
	if err := store.Update(ctx, live); err != nil {
		t.Fatalf("update live: %v", err)
	}

	reclaimed, err := store.ReclaimStale(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed %d units, want 1", reclaimed)
	}
	gotStale, _ := store.GetByFingerprint(ctx, "fp-stale")
	if gotStale.Status != queue.StatusPending {
		t.Fatalf("stale unit status = %s, want pending", gotStale.Status)
	}
	gotLive, _ := store.GetByFingerprint(ctx, "fp-live")
	if gotLive.Status != queue.StatusDownloading {
		t.Fatalf("live unit status = %s, want downloading", gotLive.Status)
	}
}

func TestRetryFailedResetsAttemptState(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	unit := testsupport.MustNewUnit(t, store, "fp-fail", "clip")
	unit.IncrementAttempt(queue.StageDownload)
	unit.SetFailed("download: fetch: boom")
	unit.PublishToken = "stale-token"
	unit.AssignedIdentity = 3
	if err := store.Update(ctx, unit); err != nil {
		t.Fatalf("update: %v", err)
	}

	count, err := store.RetryFailed(ctx, unit.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if count != 1 {
		t.Fatalf("retried %d units, want 1", count)
	}
	got, err := store.GetByID(ctx, unit.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.AttemptCount(queue.StageDownload) != 0 || got.ErrorMessage != "" {
		t.Fatalf("attempt state not cleared: %+v", got)
	}
	if got.PublishToken != "" || got.AssignedIdentity != 0 {
		t.Fatalf("publish state not cleared: token=%q identity=%d", got.PublishToken, got.AssignedIdentity)
	}
}

func TestNewLocalFileSkipsDownloadStage(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	unit, created, err := store.NewLocalFile(ctx, "fp-local", "/videos/local.mp4", "local clip")
	if err != nil || !created {
		t.Fatalf("new local file: created=%v err=%v", created, err)
	}
	if unit.Status != queue.StatusDownloaded {
		t.Fatalf("status = %s, want downloaded", unit.Status)
	}
	if path, ok := unit.Artifact(queue.StageDownload); !ok || path != "/videos/local.mp4" {
		t.Fatalf("download artifact = %q, %v", path, ok)
	}
}

func TestHealthGroupsStatuses(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	statuses := []queue.Status{
		queue.StatusPending,
		queue.StatusTranscoding,
		queue.StatusCompleted,
		queue.StatusFailed,
	}
	for i, status := range statuses {
		unit := testsupport.MustNewUnit(t, store, "fp-health-"+string(rune('a'+i)), "clip")
		unit.Status = status
		if err := store.Update(ctx, unit); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Total != 4 || health.Pending != 1 || health.Processing != 1 || health.Completed != 1 || health.Failed != 1 {
		t.Fatalf("health = %+v", health)
	}
}
