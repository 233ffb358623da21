package order

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/gateway"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ChargeCreator interface {
	CreateCharge(ctx context.Context, provider string, req gateway.ChargeRequest) (*gateway.Charge, error)
}

type ChargeResult struct {
	OrderID         uuid.UUID       `json:"order_id"`
	Provider        string          `json:"provider"`
	GatewayOrderRef string          `json:"gateway_order_ref"`
	ClientToken     string          `json:"client_token"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}

// Checkout opens the external charge buyers complete client side.
type Checkout struct {
	db      *sql.DB
	gateway ChargeCreator
	log     *zap.Logger
}

func NewCheckout(db *sql.DB, gw ChargeCreator, log *zap.Logger) *Checkout {
	return &Checkout{db: db, gateway: gw, log: log.Named("checkout")}
}

// CreateCharge is idempotent by order: an order that already has a charge gets
// that charge back while it is still awaiting payment. No lock is held across
// the provider call; if two calls race, the first stored reference wins and
// both callers receive it.
func (c *Checkout) CreateCharge(ctx context.Context, orderID uuid.UUID, provider string) (*ChargeResult, error) {
	o, err := store.GetOrder(ctx, c.db, orderID)
	if err != nil {
		return nil, err
	}
	if err := chargeable(o); err != nil {
		return nil, err
	}
	if o.GatewayOrderRef != nil {
		return chargeResult(o), nil
	}

	if o.PaymentStatus != models.PaymentStatusUnpaid {
		return nil, &apperr.IllegalTransitionError{From: string(o.Status), Event: "create_charge", Why: "payment status " + string(o.PaymentStatus)}
	}

	charge, err := c.gateway.CreateCharge(ctx, provider, gateway.ChargeRequest{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Amount:      o.TotalAmount,
		Currency:    o.Currency,
	})
	if err != nil {
		return nil, err
	}

	stored, err := store.SetGatewayCharge(ctx, c.db, o.ID, provider, charge.OrderRef, charge.ClientToken)
	if err != nil {
		return nil, err
	}
	if !stored {
		o, err = store.GetOrder(ctx, c.db, orderID)
		if err != nil {
			return nil, err
		}
		if err := chargeable(o); err != nil {
			return nil, err
		}
		if o.GatewayOrderRef == nil {
			return nil, &apperr.IllegalTransitionError{From: string(o.Status), Event: "create_charge", Why: "charge was not recorded"}
		}
		c.log.Info("charge already recorded by a concurrent request",
			zap.String("order_id", o.ID.String()),
			zap.String("discarded_ref", charge.OrderRef))
		return chargeResult(o), nil
	}

	c.log.Info("charge created",
		zap.String("order_id", o.ID.String()),
		zap.String("provider", provider),
		zap.String("gateway_order_ref", charge.OrderRef))
	return &ChargeResult{
		OrderID:         o.ID,
		Provider:        provider,
		GatewayOrderRef: charge.OrderRef,
		ClientToken:     charge.ClientToken,
		Amount:          o.TotalAmount,
		Currency:        o.Currency,
	}, nil
}

// chargeable rejects orders that are no longer awaiting payment.
func chargeable(o *models.Order) error {
	if o.Status != models.OrderStatusPending && o.Status != models.OrderStatusConfirmed {
		return &apperr.IllegalTransitionError{From: string(o.Status), Event: "create_charge"}
	}
	return nil
}

func chargeResult(o *models.Order) *ChargeResult {
	r := &ChargeResult{OrderID: o.ID, Amount: o.TotalAmount, Currency: o.Currency}
	if o.GatewayProvider != nil {
		r.Provider = *o.GatewayProvider
	}
	if o.GatewayOrderRef != nil {
		r.GatewayOrderRef = *o.GatewayOrderRef
	}
	if o.GatewayClientToken != nil {
		r.ClientToken = *o.GatewayClientToken
	}
	return r
}
