package main

import (
	"context"
	"fmt"
	"time"

	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := args[0]
			return withCore(cmd.Context(), func(ctx context.Context, c *core) error {
				applied, err := database.RunMigrations(ctx, c.db, migrations.FS, direction)
				if err != nil {
					return err
				}
				for _, name := range applied {
					c.log.Info("ran migration", zap.String("file", name))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d migration(s) %s\n", len(applied), direction)
				return nil
			})
		},
	}
}

func completeDeliveredCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete-delivered",
		Short: "Complete delivered orders whose auto-complete window has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *core) error {
				report, err := c.sweeper.CompleteDelivered(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func cancelStaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-stale",
		Short: "Reconcile or cancel orders left pending past the stale window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *core) error {
				report, err := c.sweeper.CancelStale(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func reconcileRefundsCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "reconcile-refunds",
		Short: "Settle pending refunds against the payment provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *core) error {
				report, err := c.refunds.Reconcile(ctx, olderThan, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "only refunds pending at least this long")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum refunds to examine")
	return cmd
}

func pruneEventsCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune-events",
		Short: "Delete recorded payment events past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *core) error {
				window := olderThan
				if window == 0 {
					window = c.cfg.Ledger.Retention
				}
				deleted, err := c.ledger.Prune(ctx, window)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d payment event(s) older than %s\n", deleted, window)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0,
		fmt.Sprintf("retention window, at least %s (default LEDGER_RETENTION)", config.MinLedgerRetention))
	return cmd
}
