package coupon

import (
	"time"

	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/models"
	"github.com/shopspring/decimal"
)

// Check runs the stateless checks in order: active, validity window, usage
// limit, minimum order amount. The per-user usage check needs the database and
// runs after these.
func Check(c *models.Coupon, now time.Time, orderAmount decimal.Decimal) error {
	if !c.Active {
		return &apperr.CouponError{Kind: apperr.CouponNotFound, Code: c.Code}
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return &apperr.CouponError{Kind: apperr.CouponExpired, Code: c.Code}
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return &apperr.CouponError{Kind: apperr.CouponExpired, Code: c.Code}
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return &apperr.CouponError{Kind: apperr.CouponUsageLimitReached, Code: c.Code}
	}
	if c.MinOrderAmount != nil && orderAmount.LessThan(*c.MinOrderAmount) {
		return &apperr.CouponError{Kind: apperr.CouponBelowMinimum, Code: c.Code}
	}
	return nil
}

// Discount prices the coupon against orderAmount. The result never exceeds
// orderAmount and is rounded to cents.
func Discount(c *models.Coupon, orderAmount decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch c.Type {
	case models.CouponTypePercentage:
		discount = orderAmount.Mul(c.Value).Div(hundred)
		if c.MaxDiscount != nil && discount.GreaterThan(*c.MaxDiscount) {
			discount = *c.MaxDiscount
		}
	case models.CouponTypeFixed:
		discount = c.Value
	}

	if discount.GreaterThan(orderAmount) {
		discount = orderAmount
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount.Round(2)
}
