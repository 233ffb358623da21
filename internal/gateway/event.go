// Package gateway talks to external payment providers: it creates charges and
// refunds and turns provider webhook payloads into one normalized Event.
package gateway

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	KindPaymentAuthorized EventKind = "payment_authorized"
	KindPaymentCaptured   EventKind = "payment_captured"
	KindPaymentFailed     EventKind = "payment_failed"
	KindRefundProcessed   EventKind = "refund_processed"
)

// Event is a provider notification in provider-independent form.
type Event struct {
	Provider          string
	ExternalEventID   string
	Kind              EventKind
	GatewayOrderRef   string
	GatewayPaymentRef string
	GatewayRefundRef  string
	// RefundID is our refund id when the provider echoes it back.
	RefundID   string
	Amount     decimal.Decimal
	Currency   string
	Reason     string
	OccurredAt time.Time
}

var (
	// ErrUnsupportedEvent marks a well-formed notification of a type the order core does not act on.
	ErrUnsupportedEvent = errors.New("gateway: unsupported event type")
	ErrMalformedEvent   = errors.New("gateway: malformed event payload")
	ErrNotFound         = errors.New("gateway: not found at provider")
	ErrUnknownProvider  = errors.New("gateway: unknown provider")
)

// minorUnits converts a decimal amount to the integer minor units providers expect.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
