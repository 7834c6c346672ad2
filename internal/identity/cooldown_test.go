package identity

import (
	"testing"
	"time"
)

func TestFailureCooldownDoublesThenCaps(t *testing.T) {
	base := 45 * time.Minute

	cases := []struct {
		streak int
		want   time.Duration
	}{
		{1, 45 * time.Minute},
		{2, 90 * time.Minute},
		{3, 180 * time.Minute},
		{6, maxFailureCooldown},
	}
	for _, tc := range cases {
		if got := failureCooldown(base, tc.streak); got != tc.want {
			t.Fatalf("failureCooldown(streak=%d) = %v, want %v", tc.streak, got, tc.want)
		}
	}
}

func TestFailureCooldownSurvivesUnboundedStreak(t *testing.T) {
	// A pool configured without a disable threshold can accumulate an
	// arbitrarily long streak; the backoff must stay finite and positive.
	for _, streak := range []int{60, 63, 64, 500} {
		got := failureCooldown(45*time.Minute, streak)
		if got != maxFailureCooldown {
			t.Fatalf("failureCooldown(streak=%d) = %v, want cap %v", streak, got, maxFailureCooldown)
		}
	}
	if got := failureCooldown(0, 500); got != 0 {
		t.Fatalf("failureCooldown with zero base = %v, want 0", got)
	}
}
