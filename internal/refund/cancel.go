package refund

import (
	"context"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/order"
	"go.uber.org/zap"
)

// Cancel cancels an order and, when payment was already captured, refunds
// whatever is still refundable. A failed refund does not undo the cancel; the
// error is returned alongside the cancelled order.
func (p *Processor) Cancel(ctx context.Context, orderID uuid.UUID, actor, reason string) (*Result, error) {
	o, err := p.machine.Transition(ctx, orderID, order.Event{
		Name:   order.EventCancel,
		Actor:  actor,
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Order: o}
	if o.PaymentStatus != models.PaymentStatusPaid && o.PaymentStatus != models.PaymentStatusPartiallyRefunded {
		return result, nil
	}

	refundReason := "order cancelled"
	if reason != "" {
		refundReason += ": " + reason
	}
	refunded, err := p.Refund(ctx, Request{OrderID: orderID, Reason: refundReason, Actor: actor})
	if err != nil {
		p.log.Error("cancelled order could not be refunded",
			zap.String("order_id", orderID.String()),
			zap.Error(err))
		return result, err
	}
	return refunded, nil
}
