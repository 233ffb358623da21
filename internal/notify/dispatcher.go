// Package notify hands order events to external delivery channels without the
// order core ever waiting on them. Delivery is at most once per enqueue and
// sinks must tolerate duplicates.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/metrics"
	"go.uber.org/zap"
)

const (
	KindOrderCreated           = "order.created"
	KindOrderPaid              = "order.paid"
	KindOrderPaymentFailed     = "order.payment_failed"
	KindOrderConfirmed         = "order.confirmed"
	KindOrderShipped           = "order.shipped"
	KindOrderDelivered         = "order.delivered"
	KindOrderCompleted         = "order.completed"
	KindOrderCancelled         = "order.cancelled"
	KindOrderRefunded          = "order.refunded"
	KindOrderPartiallyRefunded = "order.partially_refunded"
)

type Notification struct {
	OrderID    uuid.UUID      `json:"order_id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// IdempotencyKey names one order event. The order version tells apart
// repeats of a kind, such as successive partial refunds.
func (n Notification) IdempotencyKey() string {
	key := n.OrderID.String() + ":" + n.Kind
	if v, ok := n.Payload["version"]; ok {
		key += fmt.Sprintf(":%v", v)
	}
	return key
}

type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Dispatcher is a bounded queue drained by a fixed set of workers.
type Dispatcher struct {
	queue   chan Notification
	sinks   []Sink
	workers int
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(cfg config.NotifyConfig, log *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		queue:   make(chan Notification, size),
		sinks:   sinks,
		workers: workers,
		timeout: cfg.Timeout,
		log:     log.Named("notify"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Notify enqueues without blocking. A full queue drops the notification.
func (d *Dispatcher) Notify(_ context.Context, orderID uuid.UUID, kind string, payload map[string]any) {
	n := Notification{OrderID: orderID, Kind: kind, Payload: payload, OccurredAt: time.Now().UTC()}

	select {
	case <-d.done:
		d.drop(n, "dispatcher stopped")
		return
	default:
	}

	select {
	case d.queue <- n:
		d.metrics.NotificationQueued()
	default:
		d.drop(n, "queue full")
	}
}

func (d *Dispatcher) drop(n Notification, reason string) {
	d.metrics.NotificationDropped()
	d.log.Warn("notification dropped",
		zap.String("order_id", n.OrderID.String()),
		zap.String("event", n.Kind),
		zap.String("reason", reason))
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Stop lets workers drain what is already queued, up to ctx's deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.done) })

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.done:
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	for _, sink := range d.sinks {
		ctx := context.Background()
		var cancel context.CancelFunc
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		if err := sink.Send(ctx, n); err != nil {
			d.log.Warn("notification delivery failed",
				zap.String("order_id", n.OrderID.String()),
				zap.String("event", n.Kind),
				zap.Error(err))
		}
		if cancel != nil {
			cancel()
		}
	}
}
