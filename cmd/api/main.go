package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"

	"github.com/safar/market-orders/internal/app"
	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/coupon"
	"github.com/safar/market-orders/internal/metrics"
	"github.com/safar/market-orders/internal/order"
	"github.com/safar/market-orders/internal/refund"
	"github.com/safar/market-orders/internal/server"
	"github.com/safar/market-orders/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	fx.New(
		app.Module,
		app.WithLogger,
		fx.Provide(NewServer),
		fx.Invoke(RunHTTP),
	).Run()
}

func NewServer(
	cfg *config.Config,
	orders *order.Service,
	machine *order.Machine,
	checkout *order.Checkout,
	refunds *refund.Processor,
	coupons *coupon.Engine,
	ingestor *webhook.Ingestor,
	db *sql.DB,
	log *zap.Logger,
	m *metrics.Metrics,
) *server.Server {
	return server.NewServer(cfg.Server, server.Deps{
		Orders:   orders,
		Machine:  machine,
		Checkout: checkout,
		Refunds:  refunds,
		Coupons:  coupons,
		Webhooks: ingestor,
		DB:       db,
	}, log, m)
}

func RunHTTP(lc fx.Lifecycle, shutdowner fx.Shutdowner, s *server.Server, log *zap.Logger) {
	srv := s.HTTPServer()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("server starting", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server error", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("server stopping")
			return srv.Shutdown(ctx)
		},
	})
}
