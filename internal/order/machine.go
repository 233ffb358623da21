package order

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/ledger"
	"github.com/safar/market-orders/internal/metrics"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/store"
	"go.uber.org/zap"
)

// Notifier receives order events once the change that caused them has committed.
type Notifier interface {
	Notify(ctx context.Context, orderID uuid.UUID, kind string, payload map[string]any)
}

// Change is a committed transition waiting to be published.
type Change struct {
	Event       EventName
	From        models.OrderStatus
	FromPayment models.PaymentStatus
	Order       *models.Order
}

// Machine applies events to orders. Every transition runs under the order's
// row lock: the state is read, checked against the table and written in one
// transaction.
type Machine struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	notifier Notifier
	rules    Rules
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	txOpts   database.TxOptions
}

func NewMachine(db *sql.DB, l *ledger.Ledger, n Notifier, rules Rules, log *zap.Logger, m *metrics.Metrics) *Machine {
	return &Machine{
		db:       db,
		ledger:   l,
		notifier: n,
		rules:    rules,
		log:      log.Named("order"),
		metrics:  m,
		now:      time.Now,
		txOpts:   database.DefaultTxOptions(),
	}
}

// Transition applies ev to the order and publishes the result after commit.
// Rejected events leave the order untouched.
func (m *Machine) Transition(ctx context.Context, id uuid.UUID, ev Event) (*models.Order, error) {
	var change *Change
	err := database.WithRetry(ctx, m.db, m.txOpts, func(tx *sql.Tx) error {
		current, err := store.LockOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		change, err = m.Apply(ctx, tx, current, ev)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.Publish(ctx, change)
	return change.Order, nil
}

// Apply moves an order already locked in tx. The caller publishes the
// returned change after tx commits.
func (m *Machine) Apply(ctx context.Context, tx *sql.Tx, current *models.Order, ev Event) (*Change, error) {
	if ev.At.IsZero() {
		ev.At = m.now().UTC()
	}
	next, err := Next(current, ev, m.rules)
	if err != nil {
		m.metrics.IllegalTransition(string(ev.Name), string(current.Status))
		return nil, err
	}
	return m.write(ctx, tx, current, next, ev.Name)
}

func (m *Machine) write(ctx context.Context, tx *sql.Tx, current, next *models.Order, name EventName) (*Change, error) {
	if err := store.UpdateOrderState(ctx, tx, next); err != nil {
		return nil, err
	}
	return &Change{
		Event:       name,
		From:        current.Status,
		FromPayment: current.PaymentStatus,
		Order:       next,
	}, nil
}

// Publish records and announces committed changes. Delivery is best effort.
func (m *Machine) Publish(ctx context.Context, changes ...*Change) {
	for _, c := range changes {
		if c == nil {
			continue
		}
		o := c.Order
		m.metrics.Transition(string(c.Event), string(c.From), string(o.Status))
		m.log.Info("order transitioned",
			zap.String("order_id", o.ID.String()),
			zap.String("event", string(c.Event)),
			zap.String("from", string(c.From)),
			zap.String("to", string(o.Status)),
			zap.String("payment_status", string(o.PaymentStatus)))

		kind := NotificationKind(c.Event, o)
		if kind == "" || m.notifier == nil {
			continue
		}
		m.notifier.Notify(ctx, o.ID, kind, payload(o))
	}
}

func payload(o *models.Order) map[string]any {
	return map[string]any{
		"order_number":    o.OrderNumber,
		"buyer_id":        o.BuyerID,
		"seller_id":       o.SellerID,
		"status":          string(o.Status),
		"payment_status":  string(o.PaymentStatus),
		"total_amount":    o.TotalAmount.StringFixed(2),
		"captured_amount": o.CapturedAmount.StringFixed(2),
		"currency":        o.Currency,
		"version":         o.Version,
	}
}
