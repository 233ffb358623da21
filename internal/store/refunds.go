package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/models"
	"github.com/shopspring/decimal"
)

const refundColumns = `id, order_id, gateway_refund_ref, amount, reason, status, failure_reason, created_at, updated_at`

func scanRefund(row rowScanner) (*models.Refund, error) {
	var r models.Refund
	err := row.Scan(
		&r.ID,
		&r.OrderID,
		&r.GatewayRefundRef,
		&r.Amount,
		&r.Reason,
		&r.Status,
		&r.FailureReason,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func InsertRefund(ctx context.Context, q database.Querier, r *models.Refund) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO refunds (id, order_id, gateway_refund_ref, amount, reason, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		r.ID, r.OrderID, r.GatewayRefundRef, r.Amount, r.Reason, r.Status,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create refund: %w", err)
	}
	return nil
}

func GetRefund(ctx context.Context, q database.Querier, id uuid.UUID) (*models.Refund, error) {
	r, err := scanRefund(q.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("refund", id.String())
		}
		return nil, fmt.Errorf("get refund: %w", err)
	}
	return r, nil
}

// RefundTotals sums the succeeded and the still pending refund amounts of an order.
func RefundTotals(ctx context.Context, q database.Querier, orderID uuid.UUID) (succeeded, pending decimal.Decimal, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount) FILTER (WHERE status = 'succeeded'), 0),
		        COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0)
		 FROM refunds
		 WHERE order_id = $1`,
		orderID,
	).Scan(&succeeded, &pending)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sum refunds: %w", err)
	}
	return succeeded, pending, nil
}

// MarkRefundSucceeded settles a pending refund. It reports false when the
// refund was already settled.
func MarkRefundSucceeded(ctx context.Context, q database.Querier, id uuid.UUID, gatewayRef string) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE refunds
		 SET status = 'succeeded', gateway_refund_ref = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, gatewayRef)
	if err != nil {
		return false, fmt.Errorf("mark refund succeeded: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// SetRefundGatewayRef stores the provider's reference on a refund still in flight.
func SetRefundGatewayRef(ctx context.Context, q database.Querier, id uuid.UUID, gatewayRef string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE refunds
		 SET gateway_refund_ref = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending' AND gateway_refund_ref IS NULL`,
		id, gatewayRef)
	if err != nil {
		return fmt.Errorf("set refund gateway ref: %w", err)
	}
	return nil
}

func MarkRefundFailed(ctx context.Context, q database.Querier, id uuid.UUID, reason string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE refunds
		 SET status = 'failed', failure_reason = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, reason)
	if err != nil {
		return fmt.Errorf("mark refund failed: %w", err)
	}
	return nil
}

// FindRefundByGatewayRef locates a refund by the reference the provider assigned.
func FindRefundByGatewayRef(ctx context.Context, q database.Querier, gatewayRef string) (*models.Refund, error) {
	r, err := scanRefund(q.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE gateway_refund_ref = $1`, gatewayRef))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("refund", gatewayRef)
		}
		return nil, fmt.Errorf("get refund by gateway ref: %w", err)
	}
	return r, nil
}

func ListRefunds(ctx context.Context, q database.Querier, orderID uuid.UUID) ([]models.Refund, error) {
	return queryRefunds(ctx, q,
		`SELECT `+refundColumns+` FROM refunds WHERE order_id = $1 ORDER BY created_at`, orderID)
}

// ListPendingRefunds returns pending refunds created before cutoff, oldest first.
func ListPendingRefunds(ctx context.Context, q database.Querier, cutoff time.Time, limit int) ([]models.Refund, error) {
	return queryRefunds(ctx, q,
		`SELECT `+refundColumns+` FROM refunds
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`, cutoff, limit)
}

func queryRefunds(ctx context.Context, q database.Querier, query string, args ...any) ([]models.Refund, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	refunds := []models.Refund{}
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		refunds = append(refunds, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return refunds, nil
}
