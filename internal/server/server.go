// Package server is the HTTP surface of the order service: buyer and seller
// order APIs, gateway webhooks, health and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/coupon"
	"github.com/safar/market-orders/internal/logger"
	"github.com/safar/market-orders/internal/metrics"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/order"
	"github.com/safar/market-orders/internal/refund"
	"github.com/safar/market-orders/internal/store"
	"github.com/safar/market-orders/internal/webhook"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Orders interface {
	Create(ctx context.Context, req order.CreateRequest) (*models.Order, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	List(ctx context.Context, buyerID, cursor string, limit int) (*store.CursorPage, error)
	Refunds(ctx context.Context, id uuid.UUID) ([]models.Refund, error)
}

type Transitioner interface {
	Transition(ctx context.Context, id uuid.UUID, ev order.Event) (*models.Order, error)
}

type Charges interface {
	CreateCharge(ctx context.Context, orderID uuid.UUID, provider string) (*order.ChargeResult, error)
}

type Refunds interface {
	Refund(ctx context.Context, req refund.Request) (*refund.Result, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor, reason string) (*refund.Result, error)
}

type Coupons interface {
	Validate(ctx context.Context, code, userID string, orderAmount decimal.Decimal) (*coupon.Quote, error)
}

type Webhooks interface {
	Known(provider string) bool
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*webhook.Result, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Orders   Orders
	Machine  Transitioner
	Checkout Charges
	Refunds  Refunds
	Coupons  Coupons
	Webhooks Webhooks
	DB       Pinger
}

type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	engine   *gin.Engine
	webhooks *providerLimiter
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewServer(cfg config.ServerConfig, deps Deps, log *zap.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		webhooks: newProviderLimiter(cfg.WebhookRateLimit, cfg.WebhookBurst),
		log:      log.Named("server"),
		metrics:  m,
	}
	s.engine = s.newEngine(log)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// HTTPServer returns the listener configuration for cfg.Port.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
}

func (s *Server) newEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(log))
	r.Use(metrics.GinMiddleware(s.metrics))

	r.GET("/healthz", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/webhooks/:provider", s.ReceiveWebhook)

	authed := v1.Group("")
	authed.Use(s.AuthRequired())
	{
		orders := authed.Group("/orders")
		orders.POST("", s.CreateOrder)
		orders.GET("", s.ListOrders)
		orders.GET("/:id", s.GetOrder)
		orders.GET("/:id/refunds", s.ListRefunds)
		orders.POST("/:id/charge", s.CreateCharge)
		orders.POST("/:id/confirm", s.ConfirmOrder)
		orders.POST("/:id/ship", s.ShipOrder)
		orders.POST("/:id/deliver", s.DeliverOrder)
		orders.POST("/:id/cancel", s.CancelOrder)
		orders.POST("/:id/refunds", s.RefundOrder)

		authed.POST("/coupons/validate", s.ValidateCoupon)
	}

	return r
}

func (s *Server) Health(c *gin.Context) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
