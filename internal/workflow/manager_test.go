package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/identity"
	"crosspost/internal/queue"
	"crosspost/internal/services"
	"crosspost/internal/stage"
	"crosspost/internal/testsupport"
	"crosspost/internal/workflow"
)

type fakeHandler struct {
	name    string
	mu      sync.Mutex
	calls   int
	execute func(ctx context.Context, unit *queue.Unit) error
}

func (f *fakeHandler) Prepare(context.Context, *queue.Unit) error { return nil }

func (f *fakeHandler) Execute(ctx context.Context, unit *queue.Unit) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, unit)
	}
	unit.SetArtifact(f.name, "/artifacts/"+f.name)
	return nil
}

func (f *fakeHandler) HealthCheck(context.Context) stage.Health { return stage.Healthy(f.name) }

func (f *fakeHandler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGate struct {
	mu    sync.Mutex
	allow bool
	calls int
}

func (g *fakeGate) Allow(time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.allow
}

func (g *fakeGate) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeConfirmer struct {
	published bool
	err       error
	calls     int
}

func (f *fakeConfirmer) Confirm(context.Context, string) (bool, error) {
	f.calls++
	return f.published, f.err
}

type fixture struct {
	cfg       *config.Config
	store     *queue.Store
	pool      *identity.Pool
	handlers  map[string]*fakeHandler
	gate      *fakeGate
	confirmer *fakeConfirmer
	sleeps    []time.Duration
	manager   *workflow.Manager
}

func captionExecute(_ context.Context, unit *queue.Unit) error {
	return unit.SetCaption(queue.Caption{Title: "rewritten", Tags: []string{"fyp"}})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	pool := identity.NewPool(store, cfg, nil)

	f := &fixture{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		gate:      &fakeGate{allow: true},
		confirmer: &fakeConfirmer{},
		handlers: map[string]*fakeHandler{
			queue.StageDownload:  {name: queue.StageDownload},
			queue.StageTranscode: {name: queue.StageTranscode},
			queue.StageRewrite:   {name: queue.StageRewrite, execute: captionExecute},
			queue.StagePublish:   {name: queue.StagePublish, execute: func(context.Context, *queue.Unit) error { return nil }},
		},
	}
	f.manager = workflow.NewManager(cfg, store, pool,
		workflow.Handlers{
			Download:  f.handlers[queue.StageDownload],
			Transcode: f.handlers[queue.StageTranscode],
			Rewrite:   f.handlers[queue.StageRewrite],
			Publish:   f.handlers[queue.StagePublish],
		}, nil,
		workflow.WithGate(f.gate),
		workflow.WithConfirmer(f.confirmer),
		workflow.WithBackoffJitter(func() float64 { return 1 }),
		workflow.WithSleeper(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		}),
	)
	return f
}

func (f *fixture) addIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	ident, err := f.pool.Add(context.Background(), "alpha", "env-1")
	if err != nil {
		t.Fatalf("add identity: %v", err)
	}
	return ident
}

func (f *fixture) run(t *testing.T, unit *queue.Unit) *queue.Unit {
	t.Helper()
	if !f.manager.Dispatch(context.Background(), unit) {
		t.Fatal("dispatch refused")
	}
	f.manager.Wait()
	got, err := f.store.GetByID(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	return got
}

func TestUnitFlowsThroughAllStages(t *testing.T) {
	f := newFixture(t)
	ident := f.addIdentity(t)
	unit := testsupport.MustNewUnit(t, f.store, "fp-happy", "clip")

	got := f.run(t, unit)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", got.Status, got.ErrorMessage)
	}
	for _, stageName := range []string{queue.StageDownload, queue.StageTranscode, queue.StageRewrite} {
		if _, ok := got.Artifact(stageName); !ok {
			t.Fatalf("missing %s artifact", stageName)
		}
	}
	if got.PublishToken == "" {
		t.Fatal("publish token not retained after completion")
	}

	reloaded, err := f.pool.Get(context.Background(), ident.ID)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if reloaded.State != identity.StateCoolingDown {
		t.Fatalf("identity state = %s, want cooling_down", reloaded.State)
	}
	if reloaded.FailureStreak != 0 {
		t.Fatalf("identity failure streak = %d", reloaded.FailureStreak)
	}
}

func TestRetryableFailureRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t)
	f.cfg.Stages.RetryBackoffSeconds = 10

	var attempts int
	f.handlers[queue.StageDownload].execute = func(_ context.Context, unit *queue.Unit) error {
		attempts++
		if attempts < 3 {
			return services.Wrap(services.ErrRetryable, queue.StageDownload, "fetch", "flaky network", nil)
		}
		unit.SetArtifact(queue.StageDownload, "/artifacts/download")
		return nil
	}

	unit := testsupport.MustNewUnit(t, f.store, "fp-retry", "clip")
	got := f.run(t, unit)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", got.Status, got.ErrorMessage)
	}
	if got.AttemptCount(queue.StageDownload) != 2 {
		t.Fatalf("download attempts = %d, want 2", got.AttemptCount(queue.StageDownload))
	}
	if len(f.sleeps) != 2 || f.sleeps[0] != 10*time.Second || f.sleeps[1] != 20*time.Second {
		t.Fatalf("backoff sleeps = %v, want [10s 20s]", f.sleeps)
	}
}

func TestRetryableFailureExhaustsAttemptLimit(t *testing.T) {
	f := newFixture(t)
	f.handlers[queue.StageDownload].execute = func(context.Context, *queue.Unit) error {
		return services.Wrap(services.ErrRetryable, queue.StageDownload, "fetch", "always down", nil)
	}

	unit := testsupport.MustNewUnit(t, f.store, "fp-exhaust", "clip")
	got := f.run(t, unit)
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if calls := f.handlers[queue.StageDownload].callCount(); calls != 3 {
		t.Fatalf("download executed %d times, want exactly max_attempts=3", calls)
	}
	if got.ErrorMessage == "" {
		t.Fatal("failed unit carries no error message")
	}
}

func TestTerminalFailureFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.handlers[queue.StageRewrite].execute = func(context.Context, *queue.Unit) error {
		return services.Wrap(services.ErrTerminal, queue.StageRewrite, "complete", "policy refusal", nil)
	}

	unit := testsupport.MustNewUnit(t, f.store, "fp-terminal", "clip")
	got := f.run(t, unit)
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if calls := f.handlers[queue.StageRewrite].callCount(); calls != 1 {
		t.Fatalf("rewrite executed %d times, want 1", calls)
	}
	if f.handlers[queue.StagePublish].callCount() != 0 {
		t.Fatal("publish ran after a terminal rewrite failure")
	}
}

func TestPublishDefersWhenNoIdentityEligible(t *testing.T) {
	f := newFixture(t)
	// No identities registered at all.
	unit := testsupport.MustNewUnit(t, f.store, "fp-defer", "clip")
	got := f.run(t, unit)
	if got.Status != queue.StatusRewritten {
		t.Fatalf("status = %s, want rewritten", got.Status)
	}
	if got.AttemptCount(queue.StagePublish) != 0 {
		t.Fatalf("deferral consumed %d publish attempts", got.AttemptCount(queue.StagePublish))
	}
	if f.handlers[queue.StagePublish].callCount() != 0 {
		t.Fatal("publish handler ran without a reservation")
	}
	if f.gate.callCount() != 0 {
		t.Fatal("identity-less deferral consumed a publish-rate slot")
	}
}

func TestPublishDefersWhenGateDenies(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t)
	f.gate.allow = false

	unit := testsupport.MustNewUnit(t, f.store, "fp-gated", "clip")
	got := f.run(t, unit)
	if got.Status != queue.StatusRewritten {
		t.Fatalf("status = %s, want rewritten", got.Status)
	}
	idents, err := f.pool.List(context.Background())
	if err != nil {
		t.Fatalf("list identities: %v", err)
	}
	if idents[0].State != identity.StateIdle {
		t.Fatalf("identity state = %s, gate denial must return the identity to idle", idents[0].State)
	}
	if got.AttemptCount(queue.StagePublish) != 0 {
		t.Fatalf("gate denial consumed %d publish attempts", got.AttemptCount(queue.StagePublish))
	}
}

func TestPublishFailureReleasesIdentityAsFailure(t *testing.T) {
	f := newFixture(t)
	ident := f.addIdentity(t)
	f.handlers[queue.StagePublish].execute = func(context.Context, *queue.Unit) error {
		return services.Wrap(services.ErrRetryable, queue.StagePublish, "upload", "socket reset", nil)
	}

	unit := testsupport.MustNewUnit(t, f.store, "fp-pubfail", "clip")
	got := f.run(t, unit)
	// The single identity is cooling down after the failed attempt, so the
	// retry defers and the unit waits in rewritten.
	if got.Status != queue.StatusRewritten {
		t.Fatalf("status = %s, want rewritten", got.Status)
	}
	if got.AttemptCount(queue.StagePublish) != 1 {
		t.Fatalf("publish attempts = %d, want 1", got.AttemptCount(queue.StagePublish))
	}
	if got.PublishToken != "" || got.AssignedIdentity != 0 {
		t.Fatalf("reservation not cleared: token=%q identity=%d", got.PublishToken, got.AssignedIdentity)
	}
	reloaded, _ := f.pool.Get(context.Background(), ident.ID)
	if reloaded.FailureStreak != 1 {
		t.Fatalf("identity failure streak = %d, want 1", reloaded.FailureStreak)
	}
}

func TestPublishNetworkFailureButPostLandedCompletes(t *testing.T) {
	f := newFixture(t)
	ident := f.addIdentity(t)
	f.confirmer.published = true
	f.handlers[queue.StagePublish].execute = func(context.Context, *queue.Unit) error {
		return services.Wrap(services.ErrRetryable, queue.StagePublish, "upload", "connection dropped mid-response", nil)
	}

	unit := testsupport.MustNewUnit(t, f.store, "fp-landed", "clip")
	got := f.run(t, unit)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if f.confirmer.calls == 0 {
		t.Fatal("outcome was not confirmed before retrying")
	}
	reloaded, _ := f.pool.Get(context.Background(), ident.ID)
	if reloaded.FailureStreak != 0 {
		t.Fatalf("identity failure streak = %d, want 0 for a landed post", reloaded.FailureStreak)
	}
}

func TestDispatchRejectsInflightFingerprint(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t)
	release := make(chan struct{})
	f.handlers[queue.StageDownload].execute = func(_ context.Context, unit *queue.Unit) error {
		<-release
		unit.SetArtifact(queue.StageDownload, "/artifacts/download")
		return nil
	}

	unit := testsupport.MustNewUnit(t, f.store, "fp-excl", "clip")
	if !f.manager.Dispatch(context.Background(), unit) {
		t.Fatal("first dispatch refused")
	}
	copyUnit := *unit
	if f.manager.Dispatch(context.Background(), &copyUnit) {
		t.Fatal("second dispatch of the same fingerprint accepted")
	}
	close(release)
	f.manager.Wait()
}

func TestDispatchRespectsWorkerLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Scheduler.MaxInflightUnits = 1
	store := testsupport.MustOpenStore(t, cfg)
	pool := identity.NewPool(store, cfg, nil)

	release := make(chan struct{})
	blocking := &fakeHandler{name: queue.StageDownload, execute: func(_ context.Context, unit *queue.Unit) error {
		<-release
		unit.SetArtifact(queue.StageDownload, "/x")
		return nil
	}}
	manager := workflow.NewManager(cfg, store, pool, workflow.Handlers{
		Download:  blocking,
		Transcode: &fakeHandler{name: queue.StageTranscode},
		Rewrite:   &fakeHandler{name: queue.StageRewrite, execute: captionExecute},
		Publish:   &fakeHandler{name: queue.StagePublish, execute: func(context.Context, *queue.Unit) error { return nil }},
	}, nil, workflow.WithGate(&fakeGate{allow: false}))

	first := testsupport.MustNewUnit(t, store, "fp-w1", "clip")
	second := testsupport.MustNewUnit(t, store, "fp-w2", "clip")
	if !manager.Dispatch(context.Background(), first) {
		t.Fatal("first dispatch refused")
	}
	if manager.Dispatch(context.Background(), second) {
		t.Fatal("dispatch above the worker limit accepted")
	}
	close(release)
	manager.Wait()
}

func TestResumeReusesCompletedStageArtifacts(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t)

	// Simulate a restart after transcode finished: stage artifacts exist and
	// the status sits at the rewrite stage's start.
	unit := testsupport.MustNewUnit(t, f.store, "fp-resume", "clip")
	unit.Status = queue.StatusTranscoded
	unit.SetArtifact(queue.StageDownload, "/artifacts/download")
	unit.SetArtifact(queue.StageTranscode, "/artifacts/transcode")
	if err := f.store.Update(context.Background(), unit); err != nil {
		t.Fatalf("update: %v", err)
	}

	got := f.run(t, unit)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", got.Status, got.ErrorMessage)
	}
	if f.handlers[queue.StageDownload].callCount() != 0 || f.handlers[queue.StageTranscode].callCount() != 0 {
		t.Fatal("resume re-ran stages that had already completed")
	}
}

func TestRecoverResolvesPublishingByToken(t *testing.T) {
	for _, tc := range []struct {
		name       string
		published  bool
		wantStatus queue.Status
	}{
		{"landed", true, queue.StatusCompleted},
		{"not landed", false, queue.StatusRewritten},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ident := f.addIdentity(t)
			if _, err := f.pool.Reserve(context.Background(), 1); err != nil {
				t.Fatalf("reserve: %v", err)
			}
			f.confirmer.published = tc.published

			unit := testsupport.MustNewUnit(t, f.store, "fp-recover", "clip")
			unit.Status = queue.StatusPublishing
			unit.PublishToken = "tok-crash"
			unit.AssignedIdentity = ident.ID
			if err := f.store.Update(context.Background(), unit); err != nil {
				t.Fatalf("update: %v", err)
			}

			if err := f.manager.Recover(context.Background()); err != nil {
				t.Fatalf("recover: %v", err)
			}
			got, err := f.store.GetByID(context.Background(), unit.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", got.Status, tc.wantStatus)
			}
			if !tc.published && (got.PublishToken != "" || got.AssignedIdentity != 0) {
				t.Fatalf("rolled-back unit keeps reservation: %+v", got)
			}
			reloaded, _ := f.pool.Get(context.Background(), ident.ID)
			if reloaded.State == identity.StateBusy {
				t.Fatal("identity still busy after recovery")
			}
		})
	}
}

func TestRecoverRollsBackInterruptedStages(t *testing.T) {
	f := newFixture(t)
	unit := testsupport.MustNewUnit(t, f.store, "fp-interrupted", "clip")
	unit.Status = queue.StatusTranscoding
	if err := f.store.Update(context.Background(), unit); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.manager.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ := f.store.GetByID(context.Background(), unit.ID)
	if got.Status != queue.StatusDownloaded {
		t.Fatalf("status = %s, want downloaded", got.Status)
	}
}

func TestDispatchIgnoresStaleSnapshotOfCompletedUnit(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t)

	unit := testsupport.MustNewUnit(t, f.store, "fp-stale", "clip")
	stale := *unit
	unit.Status = queue.StatusCompleted
	if err := f.store.Update(context.Background(), unit); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A scheduler pass that listed the unit before it completed offers the
	// old pending snapshot. The worker must notice and leave the record alone.
	if !f.manager.Dispatch(context.Background(), &stale) {
		t.Fatal("dispatch refused")
	}
	f.manager.Wait()

	got, err := f.store.GetByID(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	if got.Status != queue.StatusCompleted {
		t.Fatalf("completed unit mutated: status = %s", got.Status)
	}
	for _, handler := range f.handlers {
		if handler.callCount() != 0 {
			t.Fatalf("%s handler ran against a stale snapshot", handler.name)
		}
	}
}

func TestAbandonFailsIdleUnitImmediately(t *testing.T) {
	f := newFixture(t)
	unit := testsupport.MustNewUnit(t, f.store, "fp-abandon-idle", "clip")

	if err := f.manager.Abandon(context.Background(), unit.Fingerprint); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	got, err := f.store.GetByID(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "abandoned by operator" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}

	if err := f.manager.Abandon(context.Background(), unit.Fingerprint); err == nil {
		t.Fatal("abandoning a terminal unit must error")
	}
}

func TestAbandonStopsInflightUnitAtStageBoundary(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.handlers[queue.StageDownload].execute = func(_ context.Context, unit *queue.Unit) error {
		close(started)
		<-release
		unit.SetArtifact(queue.StageDownload, "/artifacts/download")
		return nil
	}

	unit := testsupport.MustNewUnit(t, f.store, "fp-abandon-mid", "clip")
	if !f.manager.Dispatch(context.Background(), unit) {
		t.Fatal("dispatch refused")
	}
	<-started
	if err := f.manager.Abandon(context.Background(), unit.Fingerprint); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	close(release)
	f.manager.Wait()

	got, err := f.store.GetByID(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed at the next boundary", got.Status)
	}
	// The running download finished; nothing past the boundary ran.
	if _, ok := got.Artifact(queue.StageDownload); !ok {
		t.Fatal("interrupted stage's artifact was discarded")
	}
	if f.handlers[queue.StageTranscode].callCount() != 0 {
		t.Fatal("transcode ran after the unit was abandoned")
	}
}

func TestAbandonLetsInflightPublishComplete(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.handlers[queue.StagePublish].execute = func(context.Context, *queue.Unit) error {
		close(started)
		<-release
		return nil
	}

	unit := testsupport.MustNewUnit(t, f.store, "fp-abandon-pub", "clip")
	unit.Status = queue.StatusRewritten
	if err := unit.SetCaption(queue.Caption{Title: "ready", Tags: nil}); err != nil {
		t.Fatalf("set caption: %v", err)
	}
	if err := f.store.Update(context.Background(), unit); err != nil {
		t.Fatalf("update: %v", err)
	}

	if !f.manager.Dispatch(context.Background(), unit) {
		t.Fatal("dispatch refused")
	}
	<-started
	if err := f.manager.Abandon(context.Background(), unit.Fingerprint); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	close(release)
	f.manager.Wait()

	got, err := f.store.GetByID(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, an in-flight publish must complete", got.Status)
	}
}
