// Command marketctl runs the maintenance jobs of the order service. A
// scheduler invokes it; every job is safe to run concurrently with itself.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safar/market-orders/internal/app"
	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/ledger"
	"github.com/safar/market-orders/internal/order"
	"github.com/safar/market-orders/internal/refund"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "marketctl",
		Short:         "Maintenance jobs for the marketplace order service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(completeDeliveredCmd())
	rootCmd.AddCommand(cancelStaleCmd())
	rootCmd.AddCommand(reconcileRefundsCmd())
	rootCmd.AddCommand(pruneEventsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// core is what the jobs need from the wired application.
type core struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *sql.DB
	ledger  *ledger.Ledger
	sweeper *order.Sweeper
	refunds *refund.Processor
}

// withCore starts the application graph, runs fn and stops it again, which
// also drains queued notifications.
func withCore(ctx context.Context, fn func(ctx context.Context, c *core) error) error {
	var c core
	fxApp := fx.New(
		app.Module,
		fx.NopLogger,
		fx.Populate(&c.cfg, &c.log, &c.db, &c.ledger, &c.sweeper, &c.refunds),
	)
	if err := fxApp.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(ctx, &c)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStop()
	if err := fxApp.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
