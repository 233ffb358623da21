package refund

import (
	"context"
	"errors"
	"time"

	"github.com/safar/market-orders/internal/gateway"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/store"
	"go.uber.org/zap"
)

type ReconcileReport struct {
	Examined  int `json:"examined"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Reconcile polls the provider for refunds left pending longer than
// olderThan. Refunds the provider never received are submitted again under
// the same refund id, which providers deduplicate.
func (p *Processor) Reconcile(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	if limit <= 0 {
		limit = 100
	}

	pending, err := store.ListPendingRefunds(ctx, p.db, p.now().Add(-olderThan), limit)
	if err != nil {
		return report, err
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r := &pending[i]
		report.Examined++

		status, err := p.reconcileOne(ctx, r)
		if err != nil {
			p.log.Warn("refund reconciliation failed",
				zap.String("refund_id", r.ID.String()),
				zap.String("order_id", r.OrderID.String()),
				zap.Error(err))
			report.Errors++
			continue
		}
		switch status {
		case models.RefundStatusSucceeded:
			report.Succeeded++
		case models.RefundStatusFailed:
			report.Failed++
		default:
			report.Pending++
		}
	}

	p.log.Info("refund reconciliation finished",
		zap.Int("examined", report.Examined),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("pending", report.Pending))
	return report, nil
}

func (p *Processor) reconcileOne(ctx context.Context, r *models.Refund) (models.RefundStatus, error) {
	o, err := store.GetOrder(ctx, p.db, r.OrderID)
	if err != nil {
		return "", err
	}
	provider := providerOf(o)
	req := refundRequest(o, r)

	res, err := p.gateway.LookupRefund(ctx, provider, req)
	if errors.Is(err, gateway.ErrNotFound) {
		res, err = p.gateway.CreateRefund(ctx, provider, req)
		if err != nil {
			if gateway.IsTemporary(err) {
				return models.RefundStatusPending, nil
			}
			_ = p.callFailed(ctx, r, err)
			return models.RefundStatusFailed, nil
		}
	} else if err != nil {
		return "", err
	}

	result, err := p.settle(ctx, o, r, res)
	if err != nil {
		if res.Status == gateway.RefundFailed {
			return models.RefundStatusFailed, nil
		}
		return "", err
	}
	return result.Refund.Status, nil
}
