// Package metrics holds the prometheus collectors of the order service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	webhookEvents       *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	illegalTransitions  *prometheus.CounterVec
	gatewayCalls        *prometheus.CounterVec
	gatewayLatency      *prometheus.HistogramVec
	refunds             *prometheus.CounterVec
	couponRedemptions   *prometheus.CounterVec
	notificationsQueued prometheus.Counter
	notificationsDrop   prometheus.Counter
	httpDuration        *prometheus.HistogramVec
}

// New registers the collectors on registerer, or on the default registerer when nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_webhook_events_total",
				Help: "Inbound gateway webhooks by provider and result.",
			},
			[]string{"provider", "result"}, // applied | ignored | duplicate | rejected | unresolved | error
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_order_transitions_total",
				Help: "Applied order transitions.",
			},
			[]string{"event", "from", "to"},
		),
		illegalTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_order_illegal_transitions_total",
				Help: "Transitions rejected because no edge exists.",
			},
			[]string{"event", "from"},
		),
		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_gateway_calls_total",
				Help: "Outbound gateway call attempts.",
			},
			[]string{"provider", "op", "result"}, // ok | retry | failed
		),
		gatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "market_gateway_call_seconds",
				Help:    "Outbound gateway call latency, retries included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "op"},
		),
		refunds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_refunds_total",
				Help: "Refunds by final status.",
			},
			[]string{"status"},
		),
		couponRedemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_coupon_checks_total",
				Help: "Coupon checks by result.",
			},
			[]string{"result"},
		),
		notificationsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_notifications_queued_total",
			Help: "Notifications accepted into the dispatch queue.",
		}),
		notificationsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_notifications_dropped_total",
			Help: "Notifications dropped because the queue was full.",
		}),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "market_http_request_seconds",
				Help:    "HTTP request latency by route and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
	}

	registerer.MustRegister(
		m.webhookEvents,
		m.transitions,
		m.illegalTransitions,
		m.gatewayCalls,
		m.gatewayLatency,
		m.refunds,
		m.couponRedemptions,
		m.notificationsQueued,
		m.notificationsDrop,
		m.httpDuration,
	)

	return m
}

func (m *Metrics) Webhook(provider, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) Transition(event, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, from, to).Inc()
}

func (m *Metrics) IllegalTransition(event, from string) {
	if m == nil {
		return
	}
	m.illegalTransitions.WithLabelValues(event, from).Inc()
}

func (m *Metrics) GatewayCall(provider, op, result string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(provider, op, result).Inc()
}

func (m *Metrics) GatewayLatency(provider, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(provider, op).Observe(d.Seconds())
}

func (m *Metrics) Refund(status string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(status).Inc()
}

func (m *Metrics) CouponCheck(result string) {
	if m == nil {
		return
	}
	m.couponRedemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) NotificationQueued() {
	if m == nil {
		return
	}
	m.notificationsQueued.Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notificationsDrop.Inc()
}

// GinMiddleware records request latency keyed by the matched route.
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpDuration.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}
