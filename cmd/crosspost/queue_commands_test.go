package main

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"crosspost/internal/queue"
)

func TestQueueListAndRetry(t *testing.T) {
	env := setupCLITestEnv(t)
	store := openTestStore(t, env)

	unit, _, err := store.NewUnit(context.Background(), "fp-cli-1", "https://example.com/v/1", "author-1", "first clip")
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	unit.SetFailed("download failed: boom")
	if err := store.Update(context.Background(), unit); err != nil {
		t.Fatalf("Update: %v", err)
	}

	out, err := runCLI(t, env, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "first clip")
	requireContains(t, out, "failed")

	out, err = runCLI(t, env, "queue", "list", "--status", "completed")
	if err != nil {
		t.Fatalf("queue list --status: %v", err)
	}
	requireContains(t, out, "queue is empty")

	if _, err := runCLI(t, env, "queue", "list", "--status", "bogus"); err == nil {
		t.Fatal("expected error for unknown status filter")
	}

	out, err = runCLI(t, env, "queue", "retry", "--all")
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	requireContains(t, out, "reset 1 unit(s) to pending")

	refreshed, err := store.GetByID(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if refreshed.Status != queue.StatusPending {
		t.Fatalf("expected pending after retry, got %s", refreshed.Status)
	}
}

func TestQueueRetryRequiresTarget(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, err := runCLI(t, env, "queue", "retry"); err == nil {
		t.Fatal("expected error without ids or --all")
	}
}

func TestQueueClearCompleted(t *testing.T) {
	env := setupCLITestEnv(t)
	store := openTestStore(t, env)

	unit, _, err := store.NewUnit(context.Background(), "fp-cli-2", "https://example.com/v/2", "author-1", "done clip")
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	unit.Status = queue.StatusCompleted
	if err := store.Update(context.Background(), unit); err != nil {
		t.Fatalf("Update: %v", err)
	}

	out, err := runCLI(t, env, "queue", "clear")
	if err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	requireContains(t, out, "removed 1 completed unit(s)")

	out, err = runCLI(t, env, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "queue is empty")
}

func TestQueueAbandonCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	store := openTestStore(t, env)

	unit, _, err := store.NewUnit(context.Background(), "fp-cli-3", "https://example.com/v/3", "author-2", "stuck clip")
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}

	out, err := runCLI(t, env, "queue", "abandon", strconv.FormatInt(unit.ID, 10))
	if err != nil {
		t.Fatalf("queue abandon: %v", err)
	}
	requireContains(t, out, "abandoned unit")

	refreshed, err := store.GetByID(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if refreshed.Status != queue.StatusFailed {
		t.Fatalf("expected failed after abandon, got %s", refreshed.Status)
	}

	if _, err := runCLI(t, env, "queue", "abandon", "9999"); err == nil {
		t.Fatal("expected error for unknown unit id")
	}
}

func TestAddCommandDeduplicates(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "add", "https://example.com/v/42", "--author", "author-9", "--video-id", "42", "--title", "fresh clip")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	requireContains(t, out, "queued unit")

	out, err = runCLI(t, env, "add", "https://example.com/v/42", "--author", "author-9", "--video-id", "42")
	if err != nil {
		t.Fatalf("add duplicate: %v", err)
	}
	requireContains(t, out, "already queued")

	listed, err := runCLI(t, env, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if strings.Count(listed, "pending") != 1 {
		t.Fatalf("expected exactly one pending unit, got:\n%s", listed)
	}
}
