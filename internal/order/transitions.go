// Package order owns the order lifecycle: creation, checkout, the explicit
// transition table and the maintenance sweeps that drive timed edges.
package order

import (
	"fmt"
	"time"

	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/notify"
	"github.com/shopspring/decimal"
)

type EventName string

const (
	EventPaymentAuthorized EventName = "payment_authorized"
	EventPaymentCaptured   EventName = "payment_captured"
	EventPaymentFailed     EventName = "payment_failed"
	EventSellerConfirm     EventName = "seller_confirm"
	EventCancel            EventName = "buyer_or_seller_cancel"
	EventMarkShipped       EventName = "mark_shipped"
	EventMarkDelivered     EventName = "mark_delivered"
	EventAutoComplete      EventName = "auto_complete"
	EventRefundSucceeded   EventName = "refund_succeeded"
)

// Events lists every event the table knows about.
var Events = []EventName{
	EventPaymentAuthorized,
	EventPaymentCaptured,
	EventPaymentFailed,
	EventSellerConfirm,
	EventCancel,
	EventMarkShipped,
	EventMarkDelivered,
	EventAutoComplete,
	EventRefundSucceeded,
}

// Event is one request to move an order along its lifecycle.
type Event struct {
	Name EventName

	// Amount is the captured amount for payment_captured. Zero means the order total.
	Amount     decimal.Decimal
	PaymentRef string

	Actor  string
	Reason string

	// RefundedTotal is the sum of succeeded refunds including the one being applied.
	RefundedTotal decimal.Decimal

	// Expect and ExpectPayment, when set, reject the event unless the order
	// is still in the state the caller last observed.
	Expect        models.OrderStatus
	ExpectPayment models.PaymentStatus

	At time.Time
}

type Rules struct {
	AutoCompleteAfter time.Duration
}

type edgeKey struct {
	from  models.OrderStatus
	event EventName
}

// edge is one legal move. guard returns a non-empty reason to reject it.
type edge struct {
	guard func(o *models.Order, ev Event, r Rules) string
	apply func(o *models.Order, ev Event)
}

var transitions = map[edgeKey]edge{}

func on(event EventName, e edge, from ...models.OrderStatus) {
	for _, s := range from {
		transitions[edgeKey{from: s, event: event}] = e
	}
}

func init() {
	on(EventPaymentAuthorized, edge{
		guard: paymentIn(models.PaymentStatusUnpaid, models.PaymentStatusAuthorized),
		apply: func(o *models.Order, ev Event) {
			o.PaymentStatus = models.PaymentStatusAuthorized
			setRef(&o.GatewayPaymentRef, ev.PaymentRef)
		},
	}, models.OrderStatusPending)

	on(EventPaymentCaptured, edge{
		guard: paymentIn(models.PaymentStatusUnpaid, models.PaymentStatusAuthorized),
		apply: func(o *models.Order, ev Event) {
			o.Status = models.OrderStatusProcessing
			o.PaymentStatus = models.PaymentStatusPaid
			o.CapturedAmount = o.TotalAmount
			if ev.Amount.IsPositive() {
				o.CapturedAmount = ev.Amount
			}
			setRef(&o.GatewayPaymentRef, ev.PaymentRef)
			setOnce(&o.PaidAt, ev.At)
		},
	}, models.OrderStatusPending, models.OrderStatusConfirmed)

	on(EventPaymentFailed, edge{
		guard: paymentIn(models.PaymentStatusUnpaid, models.PaymentStatusAuthorized),
		apply: func(o *models.Order, ev Event) {
			o.Status = models.OrderStatusCancelled
			o.PaymentStatus = models.PaymentStatusFailed
			cancel(o, ev, "system")
		},
	}, models.OrderStatusPending, models.OrderStatusConfirmed)

	on(EventSellerConfirm, edge{
		apply: func(o *models.Order, ev Event) {
			o.Status = models.OrderStatusConfirmed
			setOnce(&o.ConfirmedAt, ev.At)
		},
	}, models.OrderStatusPending)

	on(EventCancel, edge{
		apply: func(o *models.Order, ev Event) {
			o.Status = models.OrderStatusCancelled
			cancel(o, ev, "")
		},
	}, models.OrderStatusPending, models.OrderStatusConfirmed, models.OrderStatusProcessing)

	on(EventMarkShipped, edge{
		apply: func(o *models.Order, ev Event) {
			o.Status = models.OrderStatusShipped
			setOnce(&o.ShippedAt, ev.At)
		},
	}, models.OrderStatusProcessing)

	on(EventMarkDelivered, edge{
		apply: func(o *models.Order, ev Event) {
			o.Status = models.OrderStatusDelivered
			setOnce(&o.DeliveredAt, ev.At)
		},
	}, models.OrderStatusShipped)

	on(EventAutoComplete, edge{
		guard: func(o *models.Order, ev Event, r Rules) string {
			if o.DeliveredAt == nil {
				return "delivery time unknown"
			}
			if due := o.DeliveredAt.Add(r.AutoCompleteAfter); ev.At.Before(due) {
				return fmt.Sprintf("not due until %s", due.UTC().Format(time.RFC3339))
			}
			return ""
		},
		apply: func(o *models.Order, ev Event) {
			o.Status = models.OrderStatusCompleted
			setOnce(&o.CompletedAt, ev.At)
		},
	}, models.OrderStatusDelivered)

	on(EventRefundSucceeded, edge{
		guard: func(o *models.Order, ev Event, _ Rules) string {
			if r := paymentIn(models.PaymentStatusPaid, models.PaymentStatusPartiallyRefunded)(o, ev, Rules{}); r != "" {
				return r
			}
			if !ev.RefundedTotal.IsPositive() {
				return "refunded total must be positive"
			}
			if ev.RefundedTotal.GreaterThan(o.CapturedAmount) {
				return fmt.Sprintf("refunded total %s exceeds captured %s",
					ev.RefundedTotal.StringFixed(2), o.CapturedAmount.StringFixed(2))
			}
			return ""
		},
		apply: func(o *models.Order, ev Event) {
			if ev.RefundedTotal.GreaterThanOrEqual(o.CapturedAmount) {
				o.Status = models.OrderStatusRefunded
				o.PaymentStatus = models.PaymentStatusRefunded
				setOnce(&o.RefundedAt, ev.At)
				return
			}
			o.PaymentStatus = models.PaymentStatusPartiallyRefunded
		},
	}, models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped,
		models.OrderStatusDelivered, models.OrderStatusCancelled)
}

// Legal reports whether the table has an edge for event out of status,
// ignoring guards.
func Legal(status models.OrderStatus, event EventName) bool {
	_, ok := transitions[edgeKey{from: status, event: event}]
	return ok
}

// Next computes the order that results from applying ev to o. o is never
// modified. Events without an edge, or whose guard rejects them, return an
// *apperr.IllegalTransitionError.
func Next(o *models.Order, ev Event, r Rules) (*models.Order, error) {
	e, ok := transitions[edgeKey{from: o.Status, event: ev.Name}]
	if !ok {
		return nil, &apperr.IllegalTransitionError{From: string(o.Status), Event: string(ev.Name)}
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if (ev.Expect != "" && ev.Expect != o.Status) || (ev.ExpectPayment != "" && ev.ExpectPayment != o.PaymentStatus) {
		return nil, &apperr.IllegalTransitionError{From: string(o.Status), Event: string(ev.Name), Why: "order changed since it was read"}
	}
	if e.guard != nil {
		if why := e.guard(o, ev, r); why != "" {
			return nil, &apperr.IllegalTransitionError{From: string(o.Status), Event: string(ev.Name), Why: why}
		}
	}

	next := *o
	e.apply(&next, ev)
	return &next, nil
}

// NotificationKind is the event published after a committed transition, or
// "" when the transition is not announced.
func NotificationKind(ev EventName, next *models.Order) string {
	switch ev {
	case EventPaymentCaptured:
		return notify.KindOrderPaid
	case EventPaymentFailed:
		return notify.KindOrderPaymentFailed
	case EventSellerConfirm:
		return notify.KindOrderConfirmed
	case EventCancel:
		return notify.KindOrderCancelled
	case EventMarkShipped:
		return notify.KindOrderShipped
	case EventMarkDelivered:
		return notify.KindOrderDelivered
	case EventAutoComplete:
		return notify.KindOrderCompleted
	case EventRefundSucceeded:
		if next.PaymentStatus == models.PaymentStatusRefunded {
			return notify.KindOrderRefunded
		}
		return notify.KindOrderPartiallyRefunded
	}
	return ""
}

func paymentIn(allowed ...models.PaymentStatus) func(*models.Order, Event, Rules) string {
	return func(o *models.Order, _ Event, _ Rules) string {
		for _, s := range allowed {
			if o.PaymentStatus == s {
				return ""
			}
		}
		return "payment status " + string(o.PaymentStatus)
	}
}

func cancel(o *models.Order, ev Event, defaultActor string) {
	actor := ev.Actor
	if actor == "" {
		actor = defaultActor
	}
	if actor != "" && o.CancelledBy == nil {
		o.CancelledBy = &actor
	}
	if ev.Reason != "" && o.CancelReason == nil {
		reason := ev.Reason
		o.CancelReason = &reason
	}
	setOnce(&o.CancelledAt, ev.At)
}

func setOnce(field **time.Time, at time.Time) {
	if *field == nil {
		t := at
		*field = &t
	}
}

func setRef(field **string, ref string) {
	if *field == nil && ref != "" {
		r := ref
		*field = &r
	}
}
