package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"crosspost/internal/config"
	"crosspost/internal/queue"
	"crosspost/internal/workflow"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the content queue",
	}
	cmd.AddCommand(newQueueListCommand(ctx))
	cmd.AddCommand(newQueueRetryCommand(ctx))
	cmd.AddCommand(newQueueClearCommand(ctx))
	cmd.AddCommand(newQueueAbandonCommand(ctx))
	cmd.AddCommand(newQueueRemoveCommand(ctx))
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued content units",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			statuses, err := parseStatusFilter(statusFilter)
			if err != nil {
				return err
			}
			units, err := store.List(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if len(units) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(units))
			for _, unit := range units {
				rows = append(rows, []string{
					strconv.FormatInt(unit.ID, 10),
					string(unit.Status),
					truncate(unit.Title, 40),
					unit.AuthorID,
					unit.UpdatedAt.Local().Format(time.DateTime),
					truncate(unit.ErrorMessage, 40),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Status", "Title", "Author", "Updated", "Error"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "Comma-separated status filter")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [id...]",
		Short: "Reset failed units back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			if !all && len(args) == 0 {
				return fmt.Errorf("specify unit ids or --all")
			}
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid unit id %q", arg)
				}
				ids = append(ids, id)
			}
			count, err := store.RetryFailed(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d unit(s) to pending\n", count)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Retry every failed unit")
	return cmd
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove completed units from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			var (
				count int
				label = "completed"
			)
			if failed {
				count, err = store.ClearFailed(cmd.Context())
				label = "failed"
			} else {
				count, err = store.ClearCompleted(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d %s unit(s)\n", count, label)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "Clear failed units instead of completed")
	return cmd
}

func newQueueAbandonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <id>",
		Short: "Mark a unit failed at its next stage boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid unit id %q", args[0])
			}
			unit, err := store.GetByID(cmd.Context(), id)
			if err != nil {
				return err
			}
			if unit == nil {
				return fmt.Errorf("no unit with id %d", id)
			}

			// A running daemon must record the abandon itself so an in-flight
			// unit stops at its next stage boundary.
			if handled, apiErr := abandonViaAPI(cfg, unit.Fingerprint); handled {
				if apiErr != nil {
					return apiErr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "abandoned unit %d\n", id)
				return nil
			}

			pool, err := ctx.ensurePool()
			if err != nil {
				return err
			}
			manager := workflow.NewManager(cfg, store, pool, workflow.Handlers{}, nil)
			if err := manager.Abandon(cmd.Context(), unit.Fingerprint); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abandoned unit %d\n", id)
			return nil
		},
	}
}

// abandonViaAPI forwards the abandon to a running daemon. The first return
// reports whether a daemon answered at all.
func abandonViaAPI(cfg *config.Config, fingerprint string) (bool, error) {
	endpoint := fmt.Sprintf("http://%s/api/queue/abandon?fingerprint=%s",
		cfg.Paths.APIBind, url.QueryEscape(fingerprint))
	req, err := http.NewRequest(http.MethodPost, endpoint, nil)
	if err != nil {
		return false, nil
	}
	if token := strings.TrimSpace(cfg.Paths.APIToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error == "" {
		payload.Error = resp.Status
	}
	return true, fmt.Errorf("daemon refused abandon: %s", payload.Error)
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a single unit from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid unit id %q", args[0])
			}
			if err := store.Remove(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed unit %d\n", id)
			return nil
		},
	}
}

func parseStatusFilter(filter string) ([]queue.Status, error) {
	trimmed := strings.TrimSpace(filter)
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, ",")
	statuses := make([]queue.Status, 0, len(parts))
	for _, part := range parts {
		status, ok := queue.ParseStatus(part)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", strings.TrimSpace(part))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
