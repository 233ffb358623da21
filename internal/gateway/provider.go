package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ChargeRequest struct {
	OrderID     uuid.UUID
	OrderNumber string
	Amount      decimal.Decimal
	Currency    string
}

// Charge is an external charge created for one order.
type Charge struct {
	OrderRef    string
	ClientToken string
}

type ChargeStatus string

const (
	ChargePending    ChargeStatus = "pending"
	ChargeAuthorized ChargeStatus = "authorized"
	ChargeCaptured   ChargeStatus = "captured"
	ChargeFailed     ChargeStatus = "failed"
)

// ChargeLookup identifies a charge by its provider reference or, when that is
// not known yet, by our order.
type ChargeLookup struct {
	OrderRef    string
	OrderID     uuid.UUID
	OrderNumber string
}

type ChargeState struct {
	OrderRef    string
	PaymentRef  string
	ClientToken string
	Status      ChargeStatus
	Amount      decimal.Decimal
}

type RefundRequest struct {
	RefundID   uuid.UUID
	OrderRef   string
	PaymentRef string
	Amount     decimal.Decimal
	Currency   string
	Reason     string
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

type RefundResult struct {
	RefundRef     string
	Status        RefundStatus
	FailureReason string
}

// Provider is one configured payment gateway account.
type Provider interface {
	Name() string
	// Parse normalizes an already verified webhook body.
	Parse(payload []byte, headers http.Header) (*Event, error)
	// CreateCharge must be safe to repeat for the same order.
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	LookupCharge(ctx context.Context, lookup ChargeLookup) (*ChargeState, error)
	// CreateRefund must be safe to repeat for the same RefundID.
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	LookupRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// Registry maps provider names to configured providers.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[strings.ToLower(p.Name())] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
