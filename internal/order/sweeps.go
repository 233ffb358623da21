package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/gateway"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/store"
	"go.uber.org/zap"
)

type ChargeLookup interface {
	LookupCharge(ctx context.Context, provider string, lookup gateway.ChargeLookup) (*gateway.ChargeState, error)
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Examined   int `json:"examined"`
	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
	Reconciled int `json:"reconciled"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Sweeper drives the timed edges of the lifecycle. It is run by an external
// scheduler; running two sweepers at once is safe.
type Sweeper struct {
	db      *sql.DB
	machine *Machine
	gateway ChargeLookup
	cfg     config.OrdersConfig
	log     *zap.Logger
	now     func() time.Time
	txOpts  database.TxOptions
}

func NewSweeper(db *sql.DB, machine *Machine, gw ChargeLookup, cfg config.OrdersConfig, log *zap.Logger) *Sweeper {
	if cfg.SweepBatchSize < 1 {
		cfg.SweepBatchSize = 100
	}
	return &Sweeper{
		db:      db,
		machine: machine,
		gateway: gw,
		cfg:     cfg,
		log:     log.Named("sweep"),
		now:     time.Now,
		txOpts:  database.DefaultTxOptions(),
	}
}

// CompleteDelivered completes delivered orders once the auto-complete window
// has passed. Each batch is claimed with SKIP LOCKED, so concurrent sweepers
// split the work instead of waiting on each other.
func (s *Sweeper) CompleteDelivered(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := s.now().Add(-s.cfg.AutoCompleteAfter)

	for {
		var (
			claimed int
			changes []*Change
		)
		err := database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
			claimed, changes = 0, nil

			ids, err := store.ClaimOrders(ctx, tx, models.OrderStatusDelivered, "delivered_at", cutoff, s.cfg.SweepBatchSize)
			if err != nil {
				return err
			}
			claimed = len(ids)

			for _, id := range ids {
				current, err := store.LockOrder(ctx, tx, id)
				if err != nil {
					return err
				}
				c, err := s.machine.Apply(ctx, tx, current, Event{Name: EventAutoComplete, Actor: "system"})
				if apperr.IsIllegalTransition(err) {
					s.log.Warn("order not completable", zap.String("order_id", id.String()), zap.Error(err))
					continue
				}
				if err != nil {
					return err
				}
				changes = append(changes, c)
			}
			return nil
		})
		if err != nil {
			return report, err
		}

		s.machine.Publish(ctx, changes...)
		report.Examined += claimed
		report.Completed += len(changes)
		report.Skipped += claimed - len(changes)

		if claimed < s.cfg.SweepBatchSize || len(changes) == 0 {
			break
		}
	}

	s.log.Info("auto-complete sweep finished",
		zap.Int("examined", report.Examined),
		zap.Int("completed", report.Completed))
	return report, nil
}

// CancelStale cancels orders left pending past the stale window. Orders with
// an open charge are checked against the provider first, since payment may
// have gone through without its webhook arriving.
func (s *Sweeper) CancelStale(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := s.now().Add(-s.cfg.StalePendingAfter)
	seen := make(map[uuid.UUID]bool)

	for {
		ids, err := store.ListOrderIDs(ctx, s.db, models.OrderStatusPending, "created_at", cutoff, s.cfg.SweepBatchSize)
		if err != nil {
			return report, err
		}

		fresh := 0
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			fresh++
			report.Examined++

			if err := ctx.Err(); err != nil {
				return report, err
			}
			s.settleStale(ctx, id, &report)
		}

		if len(ids) < s.cfg.SweepBatchSize || fresh == 0 {
			break
		}
	}

	s.log.Info("stale order sweep finished",
		zap.Int("examined", report.Examined),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("reconciled", report.Reconciled),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (s *Sweeper) settleStale(ctx context.Context, id uuid.UUID, report *SweepReport) {
	log := s.log.With(zap.String("order_id", id.String()))

	o, err := store.GetOrder(ctx, s.db, id)
	if err != nil {
		log.Error("load stale order", zap.Error(err))
		report.Failed++
		return
	}
	if o.Status != models.OrderStatusPending {
		report.Skipped++
		return
	}

	if o.GatewayOrderRef != nil && o.GatewayProvider != nil {
		state, err := s.gateway.LookupCharge(ctx, *o.GatewayProvider, gateway.ChargeLookup{
			OrderRef:    *o.GatewayOrderRef,
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
		})
		switch {
		case errors.Is(err, gateway.ErrNotFound):
		case err != nil:
			log.Warn("charge lookup failed, leaving order pending", zap.Error(err))
			report.Skipped++
			return
		case state.Status == gateway.ChargeCaptured:
			_, err := s.machine.Transition(ctx, id, Event{
				Name:       EventPaymentCaptured,
				Amount:     state.Amount,
				PaymentRef: state.PaymentRef,
				Expect:     models.OrderStatusPending,
			})
			if err != nil && !apperr.IsIllegalTransition(err) {
				log.Error("apply reconciled capture", zap.Error(err))
				report.Failed++
				return
			}
			log.Info("captured payment reconciled from provider")
			report.Reconciled++
			return
		case state.Status == gateway.ChargeAuthorized:
			report.Skipped++
			return
		}
	}

	_, err = s.machine.Transition(ctx, id, Event{
		Name:          EventCancel,
		Actor:         "system",
		Reason:        "payment not completed in time",
		Expect:        models.OrderStatusPending,
		ExpectPayment: o.PaymentStatus,
	})
	switch {
	case apperr.IsIllegalTransition(err):
		report.Skipped++
	case err != nil:
		log.Error("cancel stale order", zap.Error(err))
		report.Failed++
	default:
		report.Cancelled++
	}
}
