package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"crosspost/internal/identity"
	"crosspost/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and identity pool summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			pool, err := ctx.ensurePool()
			if err != nil {
				return err
			}

			health, err := store.Health(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			identities, err := pool.Stats(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				payload := map[string]any{
					"queue":      health,
					"statuses":   stats,
					"identities": identities,
				}
				encoded, err := json.MarshalIndent(payload, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
				return nil
			}

			rows := [][]string{
				{"total", strconv.Itoa(health.Total)},
				{"pending", strconv.Itoa(health.Pending)},
				{"processing", strconv.Itoa(health.Processing)},
				{"completed", strconv.Itoa(health.Completed)},
				{"failed", strconv.Itoa(health.Failed)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Queue", "Count"}, rows))

			statusRows := make([][]string, 0, len(stats))
			for _, status := range queue.AllStatuses() {
				if count := stats[status]; count > 0 {
					statusRows = append(statusRows, []string{string(status), strconv.Itoa(count)})
				}
			}
			if len(statusRows) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, statusRows))
			}

			identityRows := make([][]string, 0, len(identities))
			for _, state := range []identity.State{identity.StateIdle, identity.StateBusy, identity.StateCoolingDown, identity.StateDisabled} {
				if count := identities[state]; count > 0 {
					identityRows = append(identityRows, []string{string(state), strconv.Itoa(count)})
				}
			}
			if len(identityRows) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Identities", "Count"}, identityRows))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}
