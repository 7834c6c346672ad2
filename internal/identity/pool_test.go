package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"crosspost/internal/identity"
	"crosspost/internal/services"
	"crosspost/internal/testsupport"
)

func newPool(t *testing.T, opts ...identity.Option) *identity.Pool {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return identity.NewPool(store, cfg, nil, opts...)
}

func TestReserveIsExclusive(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()
	if _, err := pool.Add(ctx, "alpha", "env-1"); err != nil {
		t.Fatalf("add: %v", err)
	}

	first, err := pool.Reserve(ctx, 101)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if first.State != identity.StateBusy || first.ReservedBy != 101 {
		t.Fatalf("reserved identity = %+v", first)
	}

	if _, err := pool.Reserve(ctx, 102); !errors.Is(err, services.ErrNoIdentity) {
		t.Fatalf("second reserve err = %v, want ErrNoIdentity", err)
	}
}

func TestReservePrefersLeastRecentlyUsed(t *testing.T) {
	now := time.Now().UTC()
	pool := newPool(t, identity.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	a, err := pool.Add(ctx, "alpha", "env-1")
	if err != nil {
		t.Fatalf("add alpha: %v", err)
	}
	b, err := pool.Add(ctx, "beta", "env-2")
	if err != nil {
		t.Fatalf("add beta: %v", err)
	}

	// Use alpha once so beta, never used, sorts first.
	got, err := pool.Reserve(ctx, 1)
	if err != nil || got.ID != a.ID {
		t.Fatalf("reserve = %+v, %v; want alpha first by id", got, err)
	}
	if err := pool.Release(ctx, a.ID, true); err != nil {
		t.Fatalf("release alpha: %v", err)
	}

	got, err = pool.Reserve(ctx, 2)
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if got.ID != b.ID {
		t.Fatalf("reserved identity %d, want never-used beta %d", got.ID, b.ID)
	}
}

func TestReleaseSuccessStartsCooldownAndClearsStreak(t *testing.T) {
	now := time.Now().UTC()
	pool := newPool(t, identity.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ident, err := pool.Add(ctx, "alpha", "env-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := pool.Reserve(ctx, 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := pool.Release(ctx, ident.ID, true); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := pool.Get(ctx, ident.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != identity.StateCoolingDown {
		t.Fatalf("state = %s, want cooling_down", got.State)
	}
	if got.FailureStreak != 0 {
		t.Fatalf("failure streak = %d, want 0", got.FailureStreak)
	}
	if got.CooldownUntil == nil || !got.CooldownUntil.After(now) {
		t.Fatalf("cooldown_until = %v, want after now", got.CooldownUntil)
	}
	if got.Eligible(now) {
		t.Fatal("identity must not be eligible during cooldown")
	}
	if !got.Eligible(got.CooldownUntil.Add(time.Second)) {
		t.Fatal("identity must be eligible after cooldown lapses")
	}
}

func TestReleaseFailureGrowsCooldownAndDisablesAtStreakLimit(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	pool := newPool(t, identity.WithClock(clock))
	ctx := context.Background()

	ident, err := pool.Add(ctx, "alpha", "env-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	var lastCooldown time.Duration
	for streak := 1; streak <= 3; streak++ {
		got, err := pool.Get(ctx, ident.ID)
		if err != nil {
			t.Fatalf("get before attempt %d: %v", streak, err)
		}
		if got.CooldownUntil != nil {
			now = got.CooldownUntil.Add(time.Second)
		}
		if _, err := pool.Reserve(ctx, int64(streak)); err != nil {
			t.Fatalf("reserve attempt %d: %v", streak, err)
		}
		if err := pool.Release(ctx, ident.ID, false); err != nil {
			t.Fatalf("release attempt %d: %v", streak, err)
		}
		got, err = pool.Get(ctx, ident.ID)
		if err != nil {
			t.Fatalf("get after attempt %d: %v", streak, err)
		}
		if got.FailureStreak != streak {
			t.Fatalf("failure streak = %d, want %d", got.FailureStreak, streak)
		}
		cooldown := got.CooldownUntil.Sub(now)
		if streak > 1 && cooldown <= lastCooldown {
			t.Fatalf("cooldown %v did not grow past %v on streak %d", cooldown, lastCooldown, streak)
		}
		lastCooldown = cooldown
	}

	got, err := pool.Get(ctx, ident.ID)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if got.State != identity.StateDisabled {
		t.Fatalf("state after streak limit = %s, want disabled", got.State)
	}
	if _, err := pool.Reserve(ctx, 99); !errors.Is(err, services.ErrNoIdentity) {
		t.Fatalf("reserve of disabled identity err = %v, want ErrNoIdentity", err)
	}
}

func TestEnableResetsDisabledIdentity(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	ident, err := pool.Add(ctx, "alpha", "env-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := pool.Disable(ctx, ident.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := pool.Reserve(ctx, 1); !errors.Is(err, services.ErrNoIdentity) {
		t.Fatalf("reserve while disabled err = %v, want ErrNoIdentity", err)
	}
	if err := pool.Enable(ctx, ident.ID); err != nil {
		t.Fatalf("enable: %v", err)
	}
	got, err := pool.Reserve(ctx, 2)
	if err != nil {
		t.Fatalf("reserve after enable: %v", err)
	}
	if got.ID != ident.ID || got.FailureStreak != 0 {
		t.Fatalf("re-enabled identity = %+v", got)
	}
}

func TestReclaimStaleFreesAbandonedReservations(t *testing.T) {
	now := time.Now().UTC()
	pool := newPool(t, identity.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ident, err := pool.Add(ctx, "alpha", "env-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := pool.Reserve(ctx, 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Nothing stale yet.
	count, err := pool.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if count != 0 {
		t.Fatalf("reclaimed %d identities, want 0", count)
	}

	now = now.Add(2 * time.Hour)
	count, err = pool.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("reclaim after staleness: %v", err)
	}
	if count != 1 {
		t.Fatalf("reclaimed %d identities, want 1", count)
	}
	got, err := pool.Get(ctx, ident.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != identity.StateIdle || got.ReservedBy != 0 {
		t.Fatalf("reclaimed identity = %+v", got)
	}
}

func TestCooldownJitterStaysWithinBounds(t *testing.T) {
	now := time.Now().UTC()
	jitter := 0.0
	pool := newPool(t,
		identity.WithClock(func() time.Time { return now }),
		identity.WithJitter(func(pct int) float64 { return jitter }),
	)
	ctx := context.Background()

	ident, err := pool.Add(ctx, "alpha", "env-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	for _, offset := range []float64{-0.3, 0, 0.3} {
		jitter = offset
		got, err := pool.Get(ctx, ident.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.CooldownUntil != nil {
			now = got.CooldownUntil.Add(time.Second)
		}
		if _, err := pool.Reserve(ctx, 1); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if err := pool.Release(ctx, ident.ID, true); err != nil {
			t.Fatalf("release: %v", err)
		}
		got, err = pool.Get(ctx, ident.ID)
		if err != nil {
			t.Fatalf("get after release: %v", err)
		}
		cooldown := got.CooldownUntil.Sub(now)
		base := 45 * time.Minute
		want := time.Duration(float64(base) * (1 + offset))
		if diff := cooldown - want; diff < -time.Second || diff > time.Second {
			t.Fatalf("cooldown with jitter %v = %v, want about %v", offset, cooldown, want)
		}
	}
}
