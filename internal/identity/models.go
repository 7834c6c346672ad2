package identity

import (
	"strings"
	"time"
)

// State tracks where an identity sits in the reservation lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateBusy        State = "busy"
	StateCoolingDown State = "cooling_down"
	StateDisabled    State = "disabled"
)

var allStates = []State{StateIdle, StateBusy, StateCoolingDown, StateDisabled}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	for _, state := range allStates {
		if state == normalized {
			return state, true
		}
	}
	return "", false
}

// Identity is one publishing account, backed by a browser environment on the
// automation surface. PlatformRef is the environment identifier the publish
// stage hands to that surface.
type Identity struct {
	ID            int64
	Name          string
	PlatformRef   string
	State         State
	LastUsedAt    *time.Time
	CooldownUntil *time.Time
	FailureStreak int
	ReservedAt    *time.Time
	ReservedBy    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveState resolves cooling_down to idle once the cooldown has lapsed.
// The database row is only rewritten on the next reserve or release.
func (i Identity) EffectiveState(now time.Time) State {
	if i.State == StateCoolingDown && (i.CooldownUntil == nil || !i.CooldownUntil.After(now)) {
		return StateIdle
	}
	return i.State
}

// Eligible reports whether the identity can be reserved at the given time.
func (i Identity) Eligible(now time.Time) bool {
	switch i.State {
	case StateIdle:
		return i.CooldownUntil == nil || !i.CooldownUntil.After(now)
	case StateCoolingDown:
		return i.CooldownUntil == nil || !i.CooldownUntil.After(now)
	default:
		return false
	}
}
