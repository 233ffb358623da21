package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/gateway"
	"github.com/safar/market-orders/internal/logger"
	"github.com/safar/market-orders/internal/metrics"
	"github.com/safar/market-orders/internal/models"
	"go.uber.org/zap"
)

// Applier applies a normalized gateway event to its order and records it in
// the idempotency ledger in one unit. A repeated event yields *apperr.AlreadyAppliedError.
type Applier interface {
	ApplyGatewayEvent(ctx context.Context, ev *gateway.Event, payload []byte) (models.EventOutcome, uuid.UUID, error)
}

type Parser interface {
	Parse(provider string, payload []byte, headers http.Header) (*gateway.Event, error)
}

type Result struct {
	Status          string    `json:"status"`
	Outcome         string    `json:"outcome,omitempty"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	OrderID         uuid.UUID `json:"order_id,omitempty"`
}

const (
	StatusApplied     = "applied"
	StatusIgnored     = "ignored"
	StatusDuplicate   = "duplicate"
	StatusUnsupported = "unsupported"
)

type Ingestor struct {
	verifier *Verifier
	parser   Parser
	applier  Applier
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewIngestor(verifier *Verifier, parser Parser, applier Applier, log *zap.Logger, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		verifier: verifier,
		parser:   parser,
		applier:  applier,
		log:      log.Named("webhook"),
		metrics:  m,
	}
}

// Known reports whether provider has a configured signing scheme.
func (i *Ingestor) Known(provider string) bool {
	return i.verifier.Known(provider)
}

// Ingest verifies payload before anything parses it, then normalizes and
// applies the event. Unsupported event types are acknowledged without effect.
func (i *Ingestor) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*Result, error) {
	if !i.Known(provider) {
		return nil, apperr.NotFound("provider", provider)
	}
	if err := i.verifier.Verify(provider, payload, headers); err != nil {
		i.metrics.Webhook(provider, "rejected")
		i.log.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.Error(err),
			zap.Any("headers", logger.MaskHeaders(headers)))
		return nil, err
	}

	ev, err := i.parser.Parse(provider, payload, headers)
	switch {
	case errors.Is(err, gateway.ErrUnsupportedEvent):
		i.metrics.Webhook(provider, StatusUnsupported)
		return &Result{Status: StatusUnsupported}, nil
	case errors.Is(err, gateway.ErrUnknownProvider):
		return nil, apperr.NotFound("provider", provider)
	case err != nil:
		i.metrics.Webhook(provider, "rejected")
		return nil, apperr.Validation("payload", "%v", err)
	}

	log := i.log.With(
		zap.String("provider", provider),
		zap.String("external_event_id", ev.ExternalEventID),
		zap.String("event", string(ev.Kind)))

	outcome, orderID, err := i.applier.ApplyGatewayEvent(ctx, ev, payload)
	if err != nil {
		var dup *apperr.AlreadyAppliedError
		if errors.As(err, &dup) {
			i.metrics.Webhook(provider, StatusDuplicate)
			log.Info("duplicate webhook delivery", zap.String("outcome", dup.Outcome))
			return &Result{Status: StatusDuplicate, Outcome: dup.Outcome, ExternalEventID: ev.ExternalEventID}, nil
		}
		if apperr.IsNotFound(err) {
			i.metrics.Webhook(provider, "unresolved")
			log.Warn("webhook references unknown order",
				zap.String("gateway_order_ref", ev.GatewayOrderRef),
				zap.String("gateway_payment_ref", ev.GatewayPaymentRef))
			return nil, err
		}
		i.metrics.Webhook(provider, "error")
		log.Error("apply webhook", zap.Error(err))
		return nil, err
	}

	i.metrics.Webhook(provider, string(outcome))
	log.Info("webhook recorded", zap.String("order_id", orderID.String()), zap.String("outcome", string(outcome)))
	return &Result{Status: string(outcome), Outcome: string(outcome), ExternalEventID: ev.ExternalEventID, OrderID: orderID}, nil
}
