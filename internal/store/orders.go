package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/models"
)

const orderColumns = `id, order_number, buyer_id, seller_id,
	item_amount, shipping_fee, tax_amount, discount_amount, total_amount, captured_amount, currency,
	status, payment_status, coupon_id, shipping_address,
	gateway_provider, gateway_order_ref, gateway_payment_ref, gateway_client_token,
	cancelled_by, cancel_reason,
	paid_at, confirmed_at, shipped_at, delivered_at, completed_at, cancelled_at, refunded_at,
	created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o       models.Order
		address []byte
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.BuyerID, &o.SellerID,
		&o.ItemAmount, &o.ShippingFee, &o.TaxAmount, &o.DiscountAmount, &o.TotalAmount, &o.CapturedAmount, &o.Currency,
		&o.Status, &o.PaymentStatus, &o.CouponID, &address,
		&o.GatewayProvider, &o.GatewayOrderRef, &o.GatewayPaymentRef, &o.GatewayClientToken,
		&o.CancelledBy, &o.CancelReason,
		&o.PaidAt, &o.ConfirmedAt, &o.ShippedAt, &o.DeliveredAt, &o.CompletedAt, &o.CancelledAt, &o.RefundedAt,
		&o.CreatedAt, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	return &o, nil
}

// InsertOrder writes the order row and its items. The order must already carry
// its id, number and amounts.
func InsertOrder(ctx context.Context, q database.Querier, order *models.Order) error {
	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encode shipping address: %w", err)
	}

	err = q.QueryRowContext(ctx,
		`INSERT INTO orders (id, order_number, buyer_id, seller_id,
			item_amount, shipping_fee, tax_amount, discount_amount, total_amount, currency,
			status, payment_status, coupon_id, shipping_address, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW(), 1)
		 RETURNING created_at, updated_at, version`,
		order.ID, order.OrderNumber, order.BuyerID, order.SellerID,
		order.ItemAmount, order.ShippingFee, order.TaxAmount, order.DiscountAmount, order.TotalAmount, order.Currency,
		order.Status, order.PaymentStatus, order.CouponID, address,
	).Scan(&order.CreatedAt, &order.UpdatedAt, &order.Version)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err = q.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, listing_id, title, quantity, unit_price, unit_tax, subtotal, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			 RETURNING id, created_at`,
			order.ID, item.ListingID, item.Title, item.Quantity, item.UnitPrice, item.UnitTax, item.Subtotal,
		).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("create order item: %w", err)
		}
	}

	return nil
}

func GetOrder(ctx context.Context, q database.Querier, id uuid.UUID) (*models.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("order", id.String())
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := listOrderItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// LockOrder reads the order row and holds a row lock on it until the
// surrounding transaction ends. Items are not loaded.
func LockOrder(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*models.Order, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("order", id.String())
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return order, nil
}

// FindOrderIDByGatewayRef resolves an order from the references a gateway event
// carries. The order reference is tried first, then the payment reference.
func FindOrderIDByGatewayRef(ctx context.Context, q database.Querier, provider, orderRef, paymentRef string) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.QueryRowContext(ctx,
		`SELECT id FROM orders
		 WHERE gateway_provider = $1
		   AND (($2 <> '' AND gateway_order_ref = $2) OR ($3 <> '' AND gateway_payment_ref = $3))
		 ORDER BY (gateway_order_ref = $2) DESC
		 LIMIT 1`,
		provider, orderRef, paymentRef,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			ref := orderRef
			if ref == "" {
				ref = paymentRef
			}
			return uuid.Nil, apperr.NotFound("order for gateway reference", ref)
		}
		return uuid.Nil, fmt.Errorf("find order by gateway ref: %w", err)
	}
	return id, nil
}

// UpdateOrderState persists the mutable lifecycle columns of a locked order.
// Gateway references and set-once timestamps are only written while still NULL.
func UpdateOrderState(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	err := tx.QueryRowContext(ctx,
		`UPDATE orders
		 SET status = $2,
		     payment_status = $3,
		     captured_amount = $4,
		     gateway_payment_ref = COALESCE(gateway_payment_ref, $5),
		     cancelled_by = COALESCE(cancelled_by, $6),
		     cancel_reason = COALESCE(cancel_reason, $7),
		     paid_at = COALESCE(paid_at, $8),
		     confirmed_at = COALESCE(confirmed_at, $9),
		     shipped_at = COALESCE(shipped_at, $10),
		     delivered_at = COALESCE(delivered_at, $11),
		     completed_at = COALESCE(completed_at, $12),
		     cancelled_at = COALESCE(cancelled_at, $13),
		     refunded_at = COALESCE(refunded_at, $14),
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $1 AND version = $15
		 RETURNING updated_at, version`,
		order.ID, order.Status, order.PaymentStatus, order.CapturedAmount,
		order.GatewayPaymentRef, order.CancelledBy, order.CancelReason,
		order.PaidAt, order.ConfirmedAt, order.ShippedAt, order.DeliveredAt,
		order.CompletedAt, order.CancelledAt, order.RefundedAt,
		order.Version,
	).Scan(&order.UpdatedAt, &order.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrOptimisticLockFailed
		}
		return fmt.Errorf("update order state: %w", err)
	}
	return nil
}

// SetGatewayCharge records the external charge for an order. It only writes
// while the order awaits payment and has no charge yet, and reports whether it
// did.
func SetGatewayCharge(ctx context.Context, q database.Querier, id uuid.UUID, provider, orderRef, clientToken string) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE orders
		 SET gateway_provider = $2, gateway_order_ref = $3, gateway_client_token = $4, updated_at = NOW()
		 WHERE id = $1 AND gateway_order_ref IS NULL AND status IN ('pending', 'confirmed')`,
		id, provider, orderRef, clientToken)
	if err != nil {
		return false, fmt.Errorf("set gateway charge: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

func listOrderItems(ctx context.Context, q database.Querier, orderID uuid.UUID) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, listing_id, title, quantity, unit_price, unit_tax, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ListingID,
			&item.Title,
			&item.Quantity,
			&item.UnitPrice,
			&item.UnitTax,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func ListOrdersCursor(ctx context.Context, q database.Querier, buyerID string, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE buyer_id = $1
		   AND (created_at, id) < ($2, $3)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`,
		buyerID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// ClaimOrders locks up to limit orders in status whose timestamp column is older
// than cutoff, skipping rows other workers hold.
func ClaimOrders(ctx context.Context, tx *sql.Tx, status models.OrderStatus, column string, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	switch column {
	case "delivered_at", "created_at":
	default:
		return nil, fmt.Errorf("claim orders: unsupported column %q", column)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id
		 FROM orders
		 WHERE status = $1 AND `+column+` < $2
		 ORDER BY `+column+`
		 FOR UPDATE SKIP LOCKED
		 LIMIT $3`,
		status, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim %s orders: %w", status, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListOrderIDs returns ids of orders in status whose timestamp column is older than cutoff.
func ListOrderIDs(ctx context.Context, q database.Querier, status models.OrderStatus, column string, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	switch column {
	case "delivered_at", "created_at":
	default:
		return nil, fmt.Errorf("list orders: unsupported column %q", column)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id FROM orders
		 WHERE status = $1 AND `+column+` < $2
		 ORDER BY `+column+`
		 LIMIT $3`,
		status, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s orders: %w", status, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
