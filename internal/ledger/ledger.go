// Package ledger records which gateway events have already been applied.
//
// Recording is a single INSERT guarded by the (provider, external_event_id)
// unique key, so two concurrent deliveries of one event cannot both be new.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/models"
	"go.uber.org/zap"
)

type Ledger struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

func New(db *sql.DB, log *zap.Logger) *Ledger {
	return &Ledger{
		db:  db,
		log: log.Named("ledger"),
		now: time.Now,
	}
}

// Record inserts ev unless an event with the same provider and external id
// exists. It reports whether ev was new; on a new insert ev.ID and
// ev.AppliedAt are filled in.
func (l *Ledger) Record(ctx context.Context, q database.Querier, ev *models.PaymentEvent) (bool, error) {
	if ev.ExternalEventID == "" {
		return false, apperr.Validation("external_event_id", "is required")
	}

	err := q.QueryRowContext(ctx,
		`INSERT INTO payment_events (provider, external_event_id, gateway_payment_ref, kind, order_id, outcome, raw_payload, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (provider, external_event_id) DO NOTHING
		 RETURNING id, applied_at`,
		ev.Provider, ev.ExternalEventID, ev.GatewayPaymentRef, ev.Kind, ev.OrderID, ev.Outcome, ev.RawPayload,
	).Scan(&ev.ID, &ev.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record payment event: %w", err)
	}
	return true, nil
}

func (l *Ledger) Lookup(ctx context.Context, q database.Querier, provider, externalEventID string) (*models.PaymentEvent, error) {
	var ev models.PaymentEvent
	err := q.QueryRowContext(ctx,
		`SELECT id, provider, external_event_id, gateway_payment_ref, kind, order_id, outcome, raw_payload, applied_at
		 FROM payment_events
		 WHERE provider = $1 AND external_event_id = $2`,
		provider, externalEventID,
	).Scan(
		&ev.ID,
		&ev.Provider,
		&ev.ExternalEventID,
		&ev.GatewayPaymentRef,
		&ev.Kind,
		&ev.OrderID,
		&ev.Outcome,
		&ev.RawPayload,
		&ev.AppliedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("payment event", provider+"/"+externalEventID)
		}
		return nil, fmt.Errorf("lookup payment event: %w", err)
	}
	return &ev, nil
}

// CountForPaymentRef returns how many events were recorded for a gateway payment.
func (l *Ledger) CountForPaymentRef(ctx context.Context, provider, paymentRef string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_events WHERE provider = $1 AND gateway_payment_ref = $2`,
		provider, paymentRef,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count payment events: %w", err)
	}
	return n, nil
}

// Prune deletes events recorded more than olderThan ago. Windows shorter than
// config.MinLedgerRetention are refused, since a gateway may still redeliver.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < config.MinLedgerRetention {
		return 0, apperr.Validation("older_than", "must be at least %s", config.MinLedgerRetention)
	}

	cutoff := l.now().Add(-olderThan)
	result, err := l.db.ExecContext(ctx,
		`DELETE FROM payment_events WHERE applied_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune payment events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	l.log.Info("pruned payment events", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}
