package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// OrderStatuses lists every order status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

type PaymentStatus string

const (
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusAuthorized        PaymentStatus = "authorized"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

var PaymentStatuses = []PaymentStatus{
	PaymentStatusUnpaid,
	PaymentStatusAuthorized,
	PaymentStatusPaid,
	PaymentStatusFailed,
	PaymentStatusRefunded,
	PaymentStatusPartiallyRefunded,
}

// Captured reports whether funds have been settled for the order at some point.
func (s PaymentStatus) Captured() bool {
	return s == PaymentStatusPaid || s == PaymentStatusPartiallyRefunded || s == PaymentStatusRefunded
}

type Order struct {
	ID          uuid.UUID `json:"id"`
	OrderNumber string    `json:"order_number"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`

	ItemAmount     decimal.Decimal `json:"item_amount"`
	ShippingFee    decimal.Decimal `json:"shipping_fee"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	CapturedAmount decimal.Decimal `json:"captured_amount"`
	Currency       string          `json:"currency"`

	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	CouponID        *int64          `json:"coupon_id,omitempty"`
	ShippingAddress ShippingAddress `json:"shipping_address"`

	GatewayProvider    *string `json:"gateway_provider,omitempty"`
	GatewayOrderRef    *string `json:"gateway_order_ref,omitempty"`
	GatewayPaymentRef  *string `json:"gateway_payment_ref,omitempty"`
	GatewayClientToken *string `json:"-"`

	CancelledBy  *string `json:"cancelled_by,omitempty"`
	CancelReason *string `json:"cancel_reason,omitempty"`

	PaidAt      *time.Time `json:"paid_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`

	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Version   int         `json:"version"`
	Items     []OrderItem `json:"items,omitempty"`
}

// ComputeTotal returns itemAmount + shippingFee + taxAmount - discountAmount.
func ComputeTotal(item, shipping, tax, discount decimal.Decimal) decimal.Decimal {
	return item.Add(shipping).Add(tax).Sub(discount)
}

// TotalsConsistent reports whether the stored total matches its components and is non-negative.
func (o *Order) TotalsConsistent() bool {
	total := ComputeTotal(o.ItemAmount, o.ShippingFee, o.TaxAmount, o.DiscountAmount)
	return total.Equal(o.TotalAmount) && !o.TotalAmount.IsNegative()
}

type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   uuid.UUID       `json:"order_id"`
	ListingID string          `json:"listing_id"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	UnitTax   decimal.Decimal `json:"unit_tax"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

type ShippingAddress struct {
	Name       string `json:"name" validate:"required,max=120"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state,omitempty" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,alphanum,min=3,max=10"`
	Country    string `json:"country" validate:"required,iso3166_1_alpha2"`
	Phone      string `json:"phone" validate:"required,e164"`
}

// Listing is the catalog's view of something a seller offers.
type Listing struct {
	ID          string
	SellerID    string
	Title       string
	Price       decimal.Decimal
	ShippingFee decimal.Decimal
	TaxAmount   decimal.Decimal
	Active      bool
}

type EventOutcome string

const (
	EventOutcomeApplied EventOutcome = "applied"
	EventOutcomeIgnored EventOutcome = "ignored"
)

// PaymentEvent is one accepted inbound gateway notification.
type PaymentEvent struct {
	ID                int64        `json:"id"`
	Provider          string       `json:"provider"`
	ExternalEventID   string       `json:"external_event_id"`
	GatewayPaymentRef string       `json:"gateway_payment_ref"`
	Kind              string       `json:"kind"`
	OrderID           *uuid.UUID   `json:"order_id,omitempty"`
	Outcome           EventOutcome `json:"outcome"`
	RawPayload        []byte       `json:"-"`
	AppliedAt         time.Time    `json:"applied_at"`
}

type CouponType string

const (
	CouponTypePercentage CouponType = "percentage"
	CouponTypeFixed      CouponType = "fixed"
)

type Coupon struct {
	ID             int64            `json:"id"`
	Code           string           `json:"code"`
	Type           CouponType       `json:"type"`
	Value          decimal.Decimal  `json:"value"`
	MinOrderAmount *decimal.Decimal `json:"min_order_amount,omitempty"`
	MaxDiscount    *decimal.Decimal `json:"max_discount,omitempty"`
	UsageLimit     *int             `json:"usage_limit,omitempty"`
	UsageCount     int              `json:"usage_count"`
	ValidFrom      *time.Time       `json:"valid_from,omitempty"`
	ValidUntil     *time.Time       `json:"valid_until,omitempty"`
	Active         bool             `json:"active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type CouponUsage struct {
	ID             int64           `json:"id"`
	CouponID       int64           `json:"coupon_id"`
	UserID         string          `json:"user_id"`
	OrderID        uuid.UUID       `json:"order_id"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

type Refund struct {
	ID               uuid.UUID       `json:"id"`
	OrderID          uuid.UUID       `json:"order_id"`
	GatewayRefundRef *string         `json:"gateway_refund_ref,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Reason           string          `json:"reason"`
	Status           RefundStatus    `json:"status"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
