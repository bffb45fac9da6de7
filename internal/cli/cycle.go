package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"copy-trading-bot/internal/auth"
	"copy-trading-bot/internal/bot"
	"copy-trading-bot/internal/clock"
)

func newCycleCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one platform cycle and one tick per account, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rc.load("cycle"); err != nil {
				return err
			}
			defer rc.close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			tradingBot, err := bot.NewTradingBot(ctx, rc.cfg, nil, clock.Real{}, rc.logger)
			if err != nil {
				return err
			}
			defer tradingBot.Close()

			report, err := tradingBot.RunCycle(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash for AUTH_OPERATOR_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", auth.DefaultBcryptCost, "bcrypt cost")
	return cmd
}
