package order

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/gateway"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/store"
	"go.uber.org/zap"
)

// plan is what a gateway event will do to a locked order. exec is nil for
// events recorded as ignored.
type plan struct {
	outcome models.EventOutcome
	exec    func(ctx context.Context, tx *sql.Tx) ([]*Change, error)
}

var ignored = plan{outcome: models.EventOutcomeIgnored}

// ApplyGatewayEvent resolves the order an event refers to, applies it and
// records it in the ledger in the same transaction. Events that are stale for
// the order's current state are recorded as ignored and the order is left as
// it is. A second delivery of an event returns *apperr.AlreadyAppliedError
// carrying the outcome of the first.
func (m *Machine) ApplyGatewayEvent(ctx context.Context, ev *gateway.Event, raw []byte) (models.EventOutcome, uuid.UUID, error) {
	orderID, err := store.FindOrderIDByGatewayRef(ctx, m.db, ev.Provider, ev.GatewayOrderRef, ev.GatewayPaymentRef)
	if err != nil {
		return "", uuid.Nil, err
	}

	log := m.log.With(
		zap.String("order_id", orderID.String()),
		zap.String("provider", ev.Provider),
		zap.String("external_event_id", ev.ExternalEventID),
		zap.String("event", string(ev.Kind)))

	var (
		outcome models.EventOutcome
		changes []*Change
	)
	err = database.WithRetry(ctx, m.db, m.txOpts, func(tx *sql.Tx) error {
		changes = nil

		current, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		p, err := m.plan(ctx, tx, current, ev, log)
		if err != nil {
			return err
		}

		record := &models.PaymentEvent{
			Provider:          ev.Provider,
			ExternalEventID:   ev.ExternalEventID,
			GatewayPaymentRef: ev.GatewayPaymentRef,
			Kind:              string(ev.Kind),
			OrderID:           &orderID,
			Outcome:           p.outcome,
			RawPayload:        raw,
		}
		isNew, err := m.ledger.Record(ctx, tx, record)
		if err != nil {
			return err
		}
		if !isNew {
			prior, err := m.ledger.Lookup(ctx, tx, ev.Provider, ev.ExternalEventID)
			if err != nil {
				return err
			}
			return &apperr.AlreadyAppliedError{ExternalEventID: ev.ExternalEventID, Outcome: string(prior.Outcome)}
		}

		if p.exec != nil {
			changes, err = p.exec(ctx, tx)
			if err != nil {
				return err
			}
		}
		outcome = p.outcome
		return nil
	})
	if err != nil {
		var dup *apperr.AlreadyAppliedError
		if errors.As(err, &dup) {
			log.Info("duplicate gateway event", zap.String("outcome", dup.Outcome))
		}
		return "", orderID, err
	}

	m.Publish(ctx, changes...)
	return outcome, orderID, nil
}

func (m *Machine) plan(ctx context.Context, tx *sql.Tx, current *models.Order, ev *gateway.Event, log *zap.Logger) (plan, error) {
	if ev.Currency != "" && !strings.EqualFold(ev.Currency, current.Currency) {
		log.Error("gateway event currency does not match order",
			zap.String("event_currency", ev.Currency),
			zap.String("order_currency", current.Currency))
		return ignored, nil
	}

	now := m.now().UTC()
	var oe Event
	switch ev.Kind {
	case gateway.KindPaymentAuthorized:
		oe = Event{Name: EventPaymentAuthorized, PaymentRef: ev.GatewayPaymentRef, At: now}
	case gateway.KindPaymentCaptured:
		oe = Event{Name: EventPaymentCaptured, Amount: ev.Amount, PaymentRef: ev.GatewayPaymentRef, At: now}
	case gateway.KindPaymentFailed:
		oe = Event{Name: EventPaymentFailed, Actor: "system", Reason: paymentFailedReason(ev), At: now}
	case gateway.KindRefundProcessed:
		return m.planRefund(ctx, tx, current, ev, log)
	default:
		log.Warn("gateway event kind not handled")
		return ignored, nil
	}

	next, err := Next(current, oe, m.rules)
	if err != nil {
		m.metrics.IllegalTransition(string(oe.Name), string(current.Status))
		if oe.Name == EventPaymentCaptured && current.Status == models.OrderStatusCancelled {
			log.Error("payment captured for cancelled order, refund needed",
				zap.String("amount", ev.Amount.StringFixed(2)))
		} else {
			log.Warn("stale gateway event ignored", zap.Error(err))
		}
		return ignored, nil
	}

	return plan{
		outcome: models.EventOutcomeApplied,
		exec: func(ctx context.Context, tx *sql.Tx) ([]*Change, error) {
			c, err := m.write(ctx, tx, current, next, oe.Name)
			if err != nil {
				return nil, err
			}
			return []*Change{c}, nil
		},
	}, nil
}

// planRefund settles a refund the provider reports as processed. The refund
// is matched by provider reference first, then by the id we sent along.
// Refunds issued outside this system are recorded when they fit the
// refundable balance.
func (m *Machine) planRefund(ctx context.Context, tx *sql.Tx, current *models.Order, ev *gateway.Event, log *zap.Logger) (plan, error) {
	target, err := findRefund(ctx, tx, current.ID, ev)
	if err != nil {
		return plan{}, err
	}

	succeeded, pending, err := store.RefundTotals(ctx, tx, current.ID)
	if err != nil {
		return plan{}, err
	}
	now := m.now().UTC()

	if target != nil {
		log = log.With(zap.String("refund_id", target.ID.String()))
		switch target.Status {
		case models.RefundStatusSucceeded:
			return ignored, nil
		case models.RefundStatusFailed:
			log.Error("provider reports success for a refund recorded as failed")
			return ignored, nil
		}

		oe := Event{Name: EventRefundSucceeded, RefundedTotal: succeeded.Add(target.Amount), At: now}
		next, terr := Next(current, oe, m.rules)
		return plan{
			outcome: models.EventOutcomeApplied,
			exec: func(ctx context.Context, tx *sql.Tx) ([]*Change, error) {
				if _, err := store.MarkRefundSucceeded(ctx, tx, target.ID, ev.GatewayRefundRef); err != nil {
					return nil, err
				}
				m.metrics.Refund(string(models.RefundStatusSucceeded))
				if terr != nil {
					log.Error("refund settled but order cannot record it", zap.Error(terr))
					return nil, nil
				}
				c, err := m.write(ctx, tx, current, next, oe.Name)
				if err != nil {
					return nil, err
				}
				return []*Change{c}, nil
			},
		}, nil
	}

	refundable := current.CapturedAmount.Sub(succeeded).Sub(pending)
	if !current.PaymentStatus.Captured() || !ev.Amount.IsPositive() || ev.Amount.GreaterThan(refundable) {
		log.Error("unrecognised refund does not fit refundable balance",
			zap.String("amount", ev.Amount.StringFixed(2)),
			zap.String("refundable", refundable.StringFixed(2)))
		return ignored, nil
	}

	oe := Event{Name: EventRefundSucceeded, RefundedTotal: succeeded.Add(ev.Amount), At: now}
	next, err := Next(current, oe, m.rules)
	if err != nil {
		m.metrics.IllegalTransition(string(oe.Name), string(current.Status))
		log.Error("unrecognised refund for order that cannot be refunded", zap.Error(err))
		return ignored, nil
	}

	return plan{
		outcome: models.EventOutcomeApplied,
		exec: func(ctx context.Context, tx *sql.Tx) ([]*Change, error) {
			ref := ev.GatewayRefundRef
			reason := ev.Reason
			if reason == "" {
				reason = "issued at provider"
			}
			r := &models.Refund{
				ID:               uuid.New(),
				OrderID:          current.ID,
				GatewayRefundRef: &ref,
				Amount:           ev.Amount,
				Reason:           reason,
				Status:           models.RefundStatusSucceeded,
			}
			if err := store.InsertRefund(ctx, tx, r); err != nil {
				return nil, err
			}
			m.metrics.Refund(string(models.RefundStatusSucceeded))
			log.Info("recorded refund issued at provider", zap.String("refund_id", r.ID.String()))
			c, err := m.write(ctx, tx, current, next, oe.Name)
			if err != nil {
				return nil, err
			}
			return []*Change{c}, nil
		},
	}, nil
}

func findRefund(ctx context.Context, tx *sql.Tx, orderID uuid.UUID, ev *gateway.Event) (*models.Refund, error) {
	if ev.GatewayRefundRef != "" {
		r, err := store.FindRefundByGatewayRef(ctx, tx, ev.GatewayRefundRef)
		switch {
		case err == nil && r.OrderID == orderID:
			return r, nil
		case err != nil && !apperr.IsNotFound(err):
			return nil, err
		}
	}

	if ev.RefundID == "" {
		return nil, nil
	}
	id, err := uuid.Parse(ev.RefundID)
	if err != nil {
		return nil, nil
	}
	r, err := store.GetRefund(ctx, tx, id)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if r.OrderID != orderID {
		return nil, nil
	}
	return r, nil
}

func paymentFailedReason(ev *gateway.Event) string {
	if ev.Reason != "" {
		return "payment failed: " + ev.Reason
	}
	return "payment failed"
}
