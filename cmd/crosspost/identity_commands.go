package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newIdentityCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the publishing identity pool",
	}
	cmd.AddCommand(newIdentityListCommand(ctx))
	cmd.AddCommand(newIdentityAddCommand(ctx))
	cmd.AddCommand(newIdentityEnableCommand(ctx))
	cmd.AddCommand(newIdentityDisableCommand(ctx))
	return cmd
}

func newIdentityListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List identities and their cooldown state",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := ctx.ensurePool()
			if err != nil {
				return err
			}
			identities, err := pool.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(identities) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no identities configured")
				return nil
			}
			now := time.Now()
			rows := make([][]string, 0, len(identities))
			for _, ident := range identities {
				cooldown := "-"
				if ident.CooldownUntil != nil && ident.CooldownUntil.After(now) {
					cooldown = time.Until(*ident.CooldownUntil).Round(time.Second).String()
				}
				lastUsed := "-"
				if ident.LastUsedAt != nil {
					lastUsed = ident.LastUsedAt.Local().Format(time.DateTime)
				}
				rows = append(rows, []string{
					strconv.FormatInt(ident.ID, 10),
					ident.Name,
					ident.PlatformRef,
					string(ident.EffectiveState(now)),
					cooldown,
					strconv.Itoa(ident.FailureStreak),
					lastUsed,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Name", "Env", "State", "Cooldown", "Streak", "Last Used"}, rows))
			return nil
		},
	}
}

func newIdentityAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <env-id>",
		Short: "Register a publishing identity backed by a browser environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := ctx.ensurePool()
			if err != nil {
				return err
			}
			ident, err := pool.Add(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added identity %d (%s)\n", ident.ID, ident.Name)
			return nil
		},
	}
}

func newIdentityEnableCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Re-enable a disabled identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := ctx.ensurePool()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid identity id %q", args[0])
			}
			if err := pool.Enable(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled identity %d\n", id)
			return nil
		},
	}
}

func newIdentityDisableCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Take an identity out of rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := ctx.ensurePool()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid identity id %q", args[0])
			}
			if err := pool.Disable(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disabled identity %d\n", id)
			return nil
		},
	}
}
