package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/models"
)

const couponColumns = `id, code, type, value, min_order_amount, max_discount,
	usage_limit, usage_count, valid_from, valid_until, active, created_at, updated_at`

func scanCoupon(row rowScanner) (*models.Coupon, error) {
	var c models.Coupon
	err := row.Scan(
		&c.ID,
		&c.Code,
		&c.Type,
		&c.Value,
		&c.MinOrderAmount,
		&c.MaxDiscount,
		&c.UsageLimit,
		&c.UsageCount,
		&c.ValidFrom,
		&c.ValidUntil,
		&c.Active,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func CreateCoupon(ctx context.Context, q database.Querier, c *models.Coupon) error {
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	err := q.QueryRowContext(ctx,
		`INSERT INTO coupons (code, type, value, min_order_amount, max_discount, usage_limit,
			usage_count, valid_from, valid_until, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, NOW(), NOW())
		 RETURNING id, usage_count, created_at, updated_at`,
		c.Code, c.Type, c.Value, c.MinOrderAmount, c.MaxDiscount, c.UsageLimit,
		c.ValidFrom, c.ValidUntil, c.Active,
	).Scan(&c.ID, &c.UsageCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create coupon: %w", err)
	}
	return nil
}

// GetCouponByCode looks a coupon up by its normalized code.
func GetCouponByCode(ctx context.Context, q database.Querier, code string) (*models.Coupon, error) {
	c, err := scanCoupon(q.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apperr.CouponError{Kind: apperr.CouponNotFound, Code: code}
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return c, nil
}

// LockCouponByCode is GetCouponByCode holding a row lock until the transaction ends.
func LockCouponByCode(ctx context.Context, tx *sql.Tx, code string) (*models.Coupon, error) {
	c, err := scanCoupon(tx.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1 FOR UPDATE`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apperr.CouponError{Kind: apperr.CouponNotFound, Code: code}
		}
		return nil, fmt.Errorf("lock coupon: %w", err)
	}
	return c, nil
}

func HasCouponUsage(ctx context.Context, q database.Querier, couponID int64, userID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2)`,
		couponID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check coupon usage: %w", err)
	}
	return exists, nil
}

// RedeemCoupon records usage by one user for one order and bumps the usage
// counter, failing if either the per-user or the global limit would be broken.
func RedeemCoupon(ctx context.Context, tx *sql.Tx, c *models.Coupon, usage *models.CouponUsage) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO coupon_usages (coupon_id, user_id, order_id, discount_amount, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING id, created_at`,
		usage.CouponID, usage.UserID, usage.OrderID, usage.DiscountAmount,
	).Scan(&usage.ID, &usage.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "coupon_usages_coupon_user_key") {
			return &apperr.CouponError{Kind: apperr.CouponAlreadyUsed, Code: c.Code}
		}
		return fmt.Errorf("record coupon usage: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE coupons
		 SET usage_count = usage_count + 1, updated_at = NOW()
		 WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`,
		c.ID)
	if err != nil {
		return fmt.Errorf("increment coupon usage: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return &apperr.CouponError{Kind: apperr.CouponUsageLimitReached, Code: c.Code}
	}

	c.UsageCount++
	return nil
}
