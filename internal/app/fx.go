// Package app wires the order core for the binaries under cmd.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/coupon"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/gateway"
	"github.com/safar/market-orders/internal/ledger"
	"github.com/safar/market-orders/internal/logger"
	"github.com/safar/market-orders/internal/metrics"
	"github.com/safar/market-orders/internal/notify"
	"github.com/safar/market-orders/internal/order"
	"github.com/safar/market-orders/internal/refund"
	"github.com/safar/market-orders/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var Module = fx.Module("market.core",
	fx.Provide(config.Load),
	fx.Provide(NewLogger),
	fx.Provide(NewDB),
	fx.Provide(func() *metrics.Metrics { return metrics.New(nil) }),
	fx.Provide(NewSnowflake),
	fx.Provide(NewGateway),
	fx.Provide(ledger.New),
	fx.Provide(coupon.NewEngine),
	fx.Provide(NewDispatcher),
	fx.Provide(NewMachine),
	fx.Provide(NewOrderService),
	fx.Provide(NewCheckout),
	fx.Provide(NewSweeper),
	fx.Provide(NewRefunds),
	fx.Provide(NewIngestor),
)

// WithLogger routes fx's own events through zap.
var WithLogger = fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
})

func NewLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}

func NewDB(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*sql.DB, error) {
	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("connected to database")
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func NewSnowflake(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Orders.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.Orders.NodeID, err)
	}
	return node, nil
}

func NewGateway(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*gateway.Adapter, error) {
	registry, err := gateway.FromConfig(cfg.Gateway.Providers, cfg.Gateway.CallTimeout)
	if err != nil {
		return nil, err
	}
	if len(registry.Names()) == 0 {
		log.Warn("no payment providers configured", zap.String("file", cfg.Gateway.ProvidersFile))
	}
	policy := gateway.RetryPolicy{
		Attempts:  cfg.Gateway.RetryAttempts,
		BaseDelay: cfg.Gateway.RetryBaseDelay,
	}
	return gateway.NewAdapter(registry, policy, cfg.Gateway.CallTimeout, log, m), nil
}

// NewDispatcher starts the notification workers with the app and drains the
// queue on shutdown.
func NewDispatcher(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *notify.Dispatcher {
	sinks := []notify.Sink{notify.NewLogSink(log)}
	if cfg.Notify.URL != "" {
		sinks = append(sinks, notify.NewHTTPSink(cfg.Notify.URL, &http.Client{Timeout: cfg.Notify.Timeout}))
	}

	d := notify.NewDispatcher(cfg.Notify, log, m, sinks...)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return d.Stop(ctx)
		},
	})
	return d
}

func NewMachine(db *sql.DB, l *ledger.Ledger, d *notify.Dispatcher, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *order.Machine {
	return order.NewMachine(db, l, d, order.Rules{AutoCompleteAfter: cfg.Orders.AutoCompleteAfter}, log, m)
}

func NewOrderService(db *sql.DB, coupons *coupon.Engine, ids *snowflake.Node, d *notify.Dispatcher, cfg *config.Config, log *zap.Logger) *order.Service {
	return order.NewService(db, order.NewCatalog(db), coupons, ids, d, cfg.Orders, cfg.Gateway.Currency, log)
}

func NewCheckout(db *sql.DB, gw *gateway.Adapter, log *zap.Logger) *order.Checkout {
	return order.NewCheckout(db, gw, log)
}

func NewSweeper(db *sql.DB, machine *order.Machine, gw *gateway.Adapter, cfg *config.Config, log *zap.Logger) *order.Sweeper {
	return order.NewSweeper(db, machine, gw, cfg.Orders, log)
}

func NewRefunds(db *sql.DB, machine *order.Machine, gw *gateway.Adapter, log *zap.Logger, m *metrics.Metrics) *refund.Processor {
	return refund.NewProcessor(db, machine, gw, log, m)
}

func NewIngestor(cfg *config.Config, gw *gateway.Adapter, machine *order.Machine, log *zap.Logger, m *metrics.Metrics) (*webhook.Ingestor, error) {
	verifier, err := webhook.NewVerifier(cfg.Gateway.Providers)
	if err != nil {
		return nil, err
	}
	return webhook.NewIngestor(verifier, gw, machine, log, m), nil
}
