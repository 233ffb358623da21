package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/safar/market-orders/internal/metrics"
	"go.uber.org/zap"
)

// Adapter is the single entry point the order core uses for outbound gateway
// calls. Every call gets a bounded timeout and the shared retry policy.
type Adapter struct {
	registry    *Registry
	policy      RetryPolicy
	callTimeout time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics
}

func NewAdapter(registry *Registry, policy RetryPolicy, callTimeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Adapter {
	return &Adapter{
		registry:    registry,
		policy:      policy,
		callTimeout: callTimeout,
		log:         log.Named("gateway"),
		metrics:     m,
	}
}

func (a *Adapter) Provider(name string) (Provider, error) {
	p, ok := a.registry.Get(name)
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

func (a *Adapter) Providers() []string {
	return a.registry.Names()
}

// Parse normalizes a verified webhook body for the named provider.
func (a *Adapter) Parse(provider string, payload []byte, headers http.Header) (*Event, error) {
	p, err := a.Provider(provider)
	if err != nil {
		return nil, err
	}
	return p.Parse(payload, headers)
}

// CreateCharge creates the external charge. When retries are exhausted the
// provider is asked whether the charge exists anyway before giving up, since a
// timed out request may still have gone through.
func (a *Adapter) CreateCharge(ctx context.Context, provider string, req ChargeRequest) (*Charge, error) {
	p, err := a.Provider(provider)
	if err != nil {
		return nil, err
	}

	var charge *Charge
	err = a.call(ctx, p.Name(), "create_charge", func(ctx context.Context) error {
		var err error
		charge, err = p.CreateCharge(ctx, req)
		return err
	})
	if err == nil {
		return charge, nil
	}
	if !IsTemporary(err) {
		return nil, err
	}

	state, lookupErr := a.LookupCharge(ctx, provider, ChargeLookup{OrderID: req.OrderID, OrderNumber: req.OrderNumber})
	if lookupErr != nil || state.Status == ChargeFailed {
		a.log.Warn("charge creation failed after retries",
			zap.String("provider", p.Name()),
			zap.String("order_id", req.OrderID.String()),
			zap.Error(err))
		return nil, err
	}

	a.log.Info("charge found after failed creation",
		zap.String("provider", p.Name()),
		zap.String("order_id", req.OrderID.String()),
		zap.String("gateway_order_ref", state.OrderRef))
	return &Charge{OrderRef: state.OrderRef, ClientToken: state.ClientToken}, nil
}

func (a *Adapter) LookupCharge(ctx context.Context, provider string, lookup ChargeLookup) (*ChargeState, error) {
	p, err := a.Provider(provider)
	if err != nil {
		return nil, err
	}

	var state *ChargeState
	err = a.call(ctx, p.Name(), "lookup_charge", func(ctx context.Context) error {
		var err error
		state, err = p.LookupCharge(ctx, lookup)
		return err
	})
	return state, err
}

func (a *Adapter) CreateRefund(ctx context.Context, provider string, req RefundRequest) (*RefundResult, error) {
	p, err := a.Provider(provider)
	if err != nil {
		return nil, err
	}

	var result *RefundResult
	err = a.call(ctx, p.Name(), "create_refund", func(ctx context.Context) error {
		var err error
		result, err = p.CreateRefund(ctx, req)
		return err
	})
	return result, err
}

func (a *Adapter) LookupRefund(ctx context.Context, provider string, req RefundRequest) (*RefundResult, error) {
	p, err := a.Provider(provider)
	if err != nil {
		return nil, err
	}

	var result *RefundResult
	err = a.call(ctx, p.Name(), "lookup_refund", func(ctx context.Context) error {
		var err error
		result, err = p.LookupRefund(ctx, req)
		return err
	})
	return result, err
}

func (a *Adapter) call(ctx context.Context, provider, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := a.policy.Do(ctx,
		func(ctx context.Context) error {
			callCtx := ctx
			if a.callTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, a.callTimeout)
				defer cancel()
			}
			return fn(callCtx)
		},
		func(attempt int, err error, wait time.Duration) {
			a.metrics.GatewayCall(provider, op, "retry")
			a.log.Warn("gateway call failed, retrying",
				zap.String("provider", provider),
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	)
	a.metrics.GatewayLatency(provider, op, time.Since(start))

	switch {
	case err == nil:
		a.metrics.GatewayCall(provider, op, "ok")
	case errors.Is(err, ErrNotFound):
		a.metrics.GatewayCall(provider, op, "not_found")
	default:
		a.metrics.GatewayCall(provider, op, "failed")
	}
	return err
}
