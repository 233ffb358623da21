// Package refund returns captured money to buyers. A refund row is reserved
// under the order lock before the provider is called, so concurrent requests
// can never together exceed what was captured.
package refund

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/gateway"
	"github.com/safar/market-orders/internal/metrics"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/order"
	"github.com/safar/market-orders/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Gateway interface {
	CreateRefund(ctx context.Context, provider string, req gateway.RefundRequest) (*gateway.RefundResult, error)
	LookupRefund(ctx context.Context, provider string, req gateway.RefundRequest) (*gateway.RefundResult, error)
}

// Request asks for a refund. A nil Amount refunds everything still refundable.
type Request struct {
	OrderID uuid.UUID
	Amount  *decimal.Decimal
	Reason  string
	Actor   string
}

type Result struct {
	Refund *models.Refund `json:"refund"`
	Order  *models.Order  `json:"order"`
}

type Processor struct {
	db      *sql.DB
	machine *order.Machine
	gateway Gateway
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	txOpts  database.TxOptions
}

func NewProcessor(db *sql.DB, machine *order.Machine, gw Gateway, log *zap.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		db:      db,
		machine: machine,
		gateway: gw,
		log:     log.Named("refund"),
		metrics: m,
		now:     time.Now,
		txOpts:  database.DefaultTxOptions(),
	}
}

// Refund reserves the amount, asks the provider to pay it back and, once the
// provider confirms, drives refund_succeeded. A provider that accepts the
// refund without settling it leaves the refund pending; the webhook or the
// reconcile sweep completes it later.
func (p *Processor) Refund(ctx context.Context, req Request) (*Result, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validation("reason", "is required")
	}
	var requested *decimal.Decimal
	if req.Amount != nil {
		rounded := req.Amount.Round(2)
		if !rounded.IsPositive() {
			return nil, apperr.Validation("amount", "must be at least 0.01")
		}
		requested = &rounded
	}

	var (
		o *models.Order
		r *models.Refund
	)
	err := database.WithRetry(ctx, p.db, p.txOpts, func(tx *sql.Tx) error {
		var err error
		o, err = store.LockOrder(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}

		if o.PaymentStatus != models.PaymentStatusPaid && o.PaymentStatus != models.PaymentStatusPartiallyRefunded {
			return &apperr.NothingToRefundError{OrderID: o.ID.String()}
		}
		if !order.Legal(o.Status, order.EventRefundSucceeded) {
			return &apperr.IllegalTransitionError{From: string(o.Status), Event: string(order.EventRefundSucceeded)}
		}
		if o.GatewayProvider == nil {
			return &apperr.NothingToRefundError{OrderID: o.ID.String()}
		}

		succeeded, pending, err := store.RefundTotals(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		refundable := o.CapturedAmount.Sub(succeeded).Sub(pending)
		if !refundable.IsPositive() {
			return &apperr.NothingToRefundError{OrderID: o.ID.String()}
		}

		amount := refundable
		if requested != nil {
			amount = *requested
			if amount.GreaterThan(refundable) {
				return &apperr.InvalidAmountError{Requested: amount.StringFixed(2), Allowed: refundable.StringFixed(2)}
			}
		}

		r = &models.Refund{
			ID:      uuid.New(),
			OrderID: o.ID,
			Amount:  amount,
			Reason:  reason,
			Status:  models.RefundStatusPending,
		}
		return store.InsertRefund(ctx, tx, r)
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("refund reserved",
		zap.String("order_id", o.ID.String()),
		zap.String("refund_id", r.ID.String()),
		zap.String("amount", r.Amount.StringFixed(2)),
		zap.String("actor", req.Actor))

	res, err := p.gateway.CreateRefund(ctx, *o.GatewayProvider, refundRequest(o, r))
	if err != nil {
		return nil, p.callFailed(ctx, r, err)
	}
	return p.settle(ctx, o, r, res)
}

// callFailed leaves the refund pending after transient failures, since the
// provider may have accepted it, and fails it on a definite rejection.
func (p *Processor) callFailed(ctx context.Context, r *models.Refund, err error) error {
	log := p.log.With(zap.String("refund_id", r.ID.String()), zap.String("order_id", r.OrderID.String()))
	if gateway.IsTemporary(err) {
		p.metrics.Refund(string(models.RefundStatusPending))
		log.Warn("refund call failed, left pending for reconciliation", zap.Error(err))
		return err
	}

	if mErr := store.MarkRefundFailed(ctx, p.db, r.ID, err.Error()); mErr != nil {
		log.Error("mark refund failed", zap.Error(mErr))
	}
	p.metrics.Refund(string(models.RefundStatusFailed))
	log.Warn("refund rejected by provider", zap.Error(err))
	return err
}

func (p *Processor) settle(ctx context.Context, o *models.Order, r *models.Refund, res *gateway.RefundResult) (*Result, error) {
	switch res.Status {
	case gateway.RefundSucceeded:
		return p.complete(ctx, r.ID, res.RefundRef)

	case gateway.RefundFailed:
		reason := res.FailureReason
		if reason == "" {
			reason = "rejected by provider"
		}
		if err := store.MarkRefundFailed(ctx, p.db, r.ID, reason); err != nil {
			return nil, err
		}
		p.metrics.Refund(string(models.RefundStatusFailed))
		return nil, &apperr.GatewayError{Provider: providerOf(o), Op: "create_refund", Err: errors.New(reason)}

	default:
		if res.RefundRef != "" {
			if err := store.SetRefundGatewayRef(ctx, p.db, r.ID, res.RefundRef); err != nil {
				return nil, err
			}
			ref := res.RefundRef
			r.GatewayRefundRef = &ref
		}
		p.metrics.Refund(string(models.RefundStatusPending))
		return &Result{Refund: r, Order: o}, nil
	}
}

// complete settles a refund the provider confirmed and moves the order. It is
// a no-op for refunds already settled elsewhere, e.g. by the webhook.
func (p *Processor) complete(ctx context.Context, refundID uuid.UUID, gatewayRef string) (*Result, error) {
	var (
		o      *models.Order
		change *order.Change
	)
	err := database.WithRetry(ctx, p.db, p.txOpts, func(tx *sql.Tx) error {
		change = nil

		r, err := store.GetRefund(ctx, tx, refundID)
		if err != nil {
			return err
		}
		o, err = store.LockOrder(ctx, tx, r.OrderID)
		if err != nil {
			return err
		}

		settled, err := store.MarkRefundSucceeded(ctx, tx, refundID, gatewayRef)
		if err != nil {
			return err
		}
		if !settled {
			return nil
		}

		succeeded, _, err := store.RefundTotals(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		change, err = p.machine.Apply(ctx, tx, o, order.Event{
			Name:          order.EventRefundSucceeded,
			RefundedTotal: succeeded,
			Reason:        r.Reason,
		})
		if apperr.IsIllegalTransition(err) {
			p.log.Error("refund settled but order cannot record it",
				zap.String("order_id", o.ID.String()),
				zap.String("refund_id", refundID.String()),
				zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}
		o = change.Order
		return nil
	})
	if err != nil {
		return nil, err
	}

	if change != nil {
		p.metrics.Refund(string(models.RefundStatusSucceeded))
		p.machine.Publish(ctx, change)
	}

	r, err := store.GetRefund(ctx, p.db, refundID)
	if err != nil {
		return nil, err
	}
	return &Result{Refund: r, Order: o}, nil
}

func refundRequest(o *models.Order, r *models.Refund) gateway.RefundRequest {
	req := gateway.RefundRequest{
		RefundID: r.ID,
		Amount:   r.Amount,
		Currency: o.Currency,
		Reason:   r.Reason,
	}
	if o.GatewayOrderRef != nil {
		req.OrderRef = *o.GatewayOrderRef
	}
	if o.GatewayPaymentRef != nil {
		req.PaymentRef = *o.GatewayPaymentRef
	}
	return req
}

func providerOf(o *models.Order) string {
	if o.GatewayProvider == nil {
		return ""
	}
	return *o.GatewayProvider
}
