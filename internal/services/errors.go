package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers classify stage failures for the orchestrator. Wrap tags
// errors with one of these so the workflow can pick retry, fail, or defer
// without inspecting collaborator-specific error types.
var (
	// ErrRetryable marks transient failures: network, timeout, rate limit.
	ErrRetryable = errors.New("retryable failure")
	// ErrTerminal marks failures that retrying cannot fix: invalid or banned
	// content, policy violations, malformed artifacts.
	ErrTerminal = errors.New("terminal failure")
	// ErrNoIdentity signals that no publishing identity is currently
	// eligible. It is a deferral, not a failure, and never counts against
	// a stage's attempt limit.
	ErrNoIdentity = errors.New("no eligible identity")
	// ErrPersistence marks store-write failures. The unit's persisted state
	// is unchanged, so the current attempt is abandoned and retried on the
	// next scheduling tick.
	ErrPersistence = errors.New("persistence failure")
	// ErrConfiguration marks unusable configuration discovered at runtime.
	ErrConfiguration = errors.New("configuration error")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrRetryable
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether the orchestrator should retry the failed stage.
// Context timeouts count as retryable per the stage timeout contract.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTerminal) {
		return false
	}
	if errors.Is(err, ErrRetryable) || errors.Is(err, ErrPersistence) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Terminal reports whether the failure should move the unit straight to failed.
func Terminal(err error) bool {
	return err != nil && errors.Is(err, ErrTerminal)
}

// Deferred reports whether the error is an identity-availability deferral.
func Deferred(err error) bool {
	return err != nil && errors.Is(err, ErrNoIdentity)
}

// Message extracts a clean operator-facing message, stripping marker prefixes.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, marker := range []error{ErrRetryable, ErrTerminal, ErrNoIdentity, ErrPersistence, ErrConfiguration} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(msg, prefix))
		}
	}
	return strings.TrimSpace(msg)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
