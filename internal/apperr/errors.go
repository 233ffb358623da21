// Package apperr declares the error kinds the order core returns to its callers.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError is bad, user-correctable input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IllegalTransitionError means the event has no edge from the order's current state.
type IllegalTransitionError struct {
	From  string
	Event string
	Why   string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition: %s from %s", e.Event, e.From)
	if e.Why != "" {
		msg += " (" + e.Why + ")"
	}
	return msg
}

// SignatureError is an inbound webhook that failed authentication.
type SignatureError struct {
	Provider string
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature: provider %s: %s", e.Provider, e.Reason)
}

// AlreadyAppliedError is the idempotency short-circuit. Callers treat it as success.
type AlreadyAppliedError struct {
	ExternalEventID string
	Outcome         string
}

func (e *AlreadyAppliedError) Error() string {
	return fmt.Sprintf("event %s already applied (%s)", e.ExternalEventID, e.Outcome)
}

// InvalidAmountError is a charge or refund amount that violates a money invariant.
type InvalidAmountError struct {
	Requested string
	Allowed   string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: at most %s allowed", e.Requested, e.Allowed)
}

// NothingToRefundError is a refund request for an order without captured funds left.
type NothingToRefundError struct {
	OrderID string
}

func (e *NothingToRefundError) Error() string {
	return fmt.Sprintf("order %s has nothing to refund", e.OrderID)
}

// GatewayError wraps a failed outbound call to a payment provider.
type GatewayError struct {
	Provider  string
	Op        string
	Temporary bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

type CouponErrorKind string

const (
	CouponNotFound          CouponErrorKind = "coupon_not_found"
	CouponExpired           CouponErrorKind = "coupon_expired"
	CouponUsageLimitReached CouponErrorKind = "coupon_usage_limit_reached"
	CouponBelowMinimum      CouponErrorKind = "coupon_below_minimum"
	CouponAlreadyUsed       CouponErrorKind = "coupon_already_used"
)

// CouponError is a coupon that cannot be applied. Kind is the first failing check.
type CouponError struct {
	Kind CouponErrorKind
	Code string
}

func (e *CouponError) Error() string {
	return fmt.Sprintf("coupon %q: %s", e.Code, e.Kind)
}

// Is lets errors.Is(err, &CouponError{Kind: k}) match on kind alone.
func (e *CouponError) Is(target error) bool {
	var t *CouponError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func IsCoupon(err error, kind CouponErrorKind) bool {
	var ce *CouponError
	return errors.As(err, &ce) && ce.Kind == kind
}

func IsIllegalTransition(err error) bool {
	var e *IllegalTransitionError
	return errors.As(err, &e)
}

func IsAlreadyApplied(err error) bool {
	var e *AlreadyAppliedError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}
