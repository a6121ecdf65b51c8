package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/chain"
)

var adminChain chainFlags

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Inspect and administer the records contract",
}

// withAdmin dials the contract and runs fn against its admin surface.
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, a chain.Admin) error) error {
	ctx := cmd.Context()
	client, closeChain, err := adminChain.dial(ctx)
	if err != nil {
		return err
	}
	defer closeChain()
	return fn(ctx, client)
}

var adminStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pause state, balance and fees",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, a chain.Admin) error {
			s, err := a.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"status":      s,
				"canWithdraw": s.CanWithdraw(),
			})
		})
	},
}

var adminPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause record creation and consent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, a chain.Admin) error {
			if err := a.Pause(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "contract paused")
			return nil
		})
	},
}

var adminUnpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "Resume a paused contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, a chain.Admin) error {
			if err := a.Unpause(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "contract unpaused")
			return nil
		})
	},
}

var adminWithdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Withdraw the collected fees to the admin wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, a chain.Admin) error {
			amount, err := a.Withdraw(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "withdrew %s wei\n", amount)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminChain.bind(adminCmd.PersistentFlags())
	adminCmd.AddCommand(adminStatusCmd, adminPauseCmd, adminUnpauseCmd, adminWithdrawCmd)
}
