// Package coupon validates discount codes and records their redemption.
package coupon

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/metrics"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Quote is the outcome of a successful validation.
type Quote struct {
	CouponID       int64           `json:"coupon_id"`
	Code           string          `json:"code"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`

	coupon *models.Coupon
}

type Engine struct {
	db      *sql.DB
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEngine(db *sql.DB, log *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		db:      db,
		log:     log.Named("coupon"),
		metrics: m,
		now:     time.Now,
	}
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate prices code for userID against orderAmount without reserving anything.
func (e *Engine) Validate(ctx context.Context, code, userID string, orderAmount decimal.Decimal) (*Quote, error) {
	code = NormalizeCode(code)
	c, err := store.GetCouponByCode(ctx, e.db, code)
	if err != nil {
		e.observe(err)
		return nil, err
	}
	quote, err := e.check(ctx, e.db, c, userID, orderAmount)
	e.observe(err)
	return quote, err
}

// Reserve is Validate inside tx, holding the coupon row lock so concurrent
// redemptions of the same code serialize until tx ends.
func (e *Engine) Reserve(ctx context.Context, tx *sql.Tx, code, userID string, orderAmount decimal.Decimal) (*Quote, error) {
	code = NormalizeCode(code)
	c, err := store.LockCouponByCode(ctx, tx, code)
	if err != nil {
		e.observe(err)
		return nil, err
	}
	quote, err := e.check(ctx, tx, c, userID, orderAmount)
	e.observe(err)
	return quote, err
}

// Commit records the redemption of a reserved quote for an order created in the same tx.
func (e *Engine) Commit(ctx context.Context, tx *sql.Tx, quote *Quote, userID string, orderID uuid.UUID) error {
	usage := &models.CouponUsage{
		CouponID:       quote.CouponID,
		UserID:         userID,
		OrderID:        orderID,
		DiscountAmount: quote.DiscountAmount,
	}
	if err := store.RedeemCoupon(ctx, tx, quote.coupon, usage); err != nil {
		e.observe(err)
		return err
	}
	e.metrics.CouponCheck("redeemed")
	e.log.Debug("coupon redeemed",
		zap.String("code", quote.Code),
		zap.String("order_id", orderID.String()),
		zap.String("discount", quote.DiscountAmount.StringFixed(2)))
	return nil
}

func (e *Engine) check(ctx context.Context, q database.Querier, c *models.Coupon, userID string, orderAmount decimal.Decimal) (*Quote, error) {
	if err := Check(c, e.now(), orderAmount); err != nil {
		return nil, err
	}

	used, err := store.HasCouponUsage(ctx, q, c.ID, userID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, &apperr.CouponError{Kind: apperr.CouponAlreadyUsed, Code: c.Code}
	}

	return &Quote{
		CouponID:       c.ID,
		Code:           c.Code,
		DiscountAmount: Discount(c, orderAmount),
		coupon:         c,
	}, nil
}

func (e *Engine) observe(err error) {
	if err == nil {
		e.metrics.CouponCheck("ok")
		return
	}
	var ce *apperr.CouponError
	if errors.As(err, &ce) {
		e.metrics.CouponCheck(string(ce.Kind))
		return
	}
	e.metrics.CouponCheck("error")
}
