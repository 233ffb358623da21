package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStripeParse(t *testing.T) {
	s := NewStripe(config.ProviderConfig{Name: "stripe"}, http.DefaultClient)

	payload := []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"created": 1700000000,
		"data": {"object": {"id": "pi_1", "amount_received": 90000, "currency": "inr", "latest_charge": "ch_1"}}
	}`)

	ev, err := s.Parse(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ExternalEventID)
	assert.Equal(t, KindPaymentCaptured, ev.Kind)
	assert.Equal(t, "pi_1", ev.GatewayOrderRef)
	assert.Equal(t, "ch_1", ev.GatewayPaymentRef)
	assert.True(t, ev.Amount.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, "INR", ev.Currency)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.OccurredAt)
}

func TestStripeParseRefund(t *testing.T) {
	s := NewStripe(config.ProviderConfig{Name: "stripe"}, http.DefaultClient)

	ev, err := s.Parse([]byte(`{"id":"evt_2","type":"refund.updated","created":1,
		"data":{"object":{"id":"re_1","status":"succeeded","amount":12550,"payment_intent":"pi_1","metadata":{"refund_id":"abc"}}}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, KindRefundProcessed, ev.Kind)
	assert.Equal(t, "re_1", ev.GatewayRefundRef)
	assert.Equal(t, "abc", ev.RefundID)
	assert.True(t, ev.Amount.Equal(decimal.RequireFromString("125.50")))

	_, err = s.Parse([]byte(`{"id":"evt_3","type":"refund.updated","data":{"object":{"id":"re_1","status":"pending"}}}`), nil)
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestStripeParseRejects(t *testing.T) {
	s := NewStripe(config.ProviderConfig{Name: "stripe"}, http.DefaultClient)

	_, err := s.Parse([]byte(`{"id":"evt_1","type":"customer.created","data":{"object":{}}}`), nil)
	assert.ErrorIs(t, err, ErrUnsupportedEvent)

	_, err = s.Parse([]byte(`not json`), nil)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestRazorpayParse(t *testing.T) {
	r := NewRazorpay(config.ProviderConfig{Name: "razorpay"}, http.DefaultClient)

	payload := []byte(`{
		"event": "payment.failed",
		"created_at": 1700000000,
		"payload": {"payment": {"entity": {"id": "pay_1", "order_id": "order_1", "amount": 5000,
			"currency": "INR", "status": "failed", "error_description": "card declined"}}}
	}`)

	_, err := r.Parse(payload, http.Header{})
	assert.ErrorIs(t, err, ErrMalformedEvent, "missing event id header")

	h := http.Header{}
	h.Set("X-Razorpay-Event-Id", "rzp_evt_1")
	ev, err := r.Parse(payload, h)
	require.NoError(t, err)
	assert.Equal(t, "rzp_evt_1", ev.ExternalEventID)
	assert.Equal(t, KindPaymentFailed, ev.Kind)
	assert.Equal(t, "order_1", ev.GatewayOrderRef)
	assert.Equal(t, "pay_1", ev.GatewayPaymentRef)
	assert.Equal(t, "card declined", ev.Reason)
	assert.True(t, ev.Amount.Equal(decimal.NewFromInt(50)))
}

func TestStripeCreateChargeSendsIdempotencyKey(t *testing.T) {
	orderID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "charge-"+orderID.String(), r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		assert.Equal(t, "90000", form.Get("amount"))
		assert.Equal(t, "inr", form.Get("currency"))
		json.NewEncoder(w).Encode(map[string]any{"id": "pi_1", "client_secret": "pi_1_secret"})
	}))
	defer srv.Close()

	s := NewStripe(config.ProviderConfig{Name: "stripe", BaseURL: srv.URL, APIKey: "sk_test"}, srv.Client())
	charge, err := s.CreateCharge(context.Background(), ChargeRequest{
		OrderID: orderID, OrderNumber: "ORD-1", Amount: decimal.NewFromInt(900), Currency: "INR",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", charge.OrderRef)
	assert.Equal(t, "pi_1_secret", charge.ClientToken)
}

func TestRazorpayCreateChargeReusesReceipt(t *testing.T) {
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_key", user)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/orders":
			if r.URL.Query().Get("receipt") == "ORD-EXISTING" {
				json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"id": "order_old"}}})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/orders":
			creates.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"id": "order_new"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewRazorpay(config.ProviderConfig{Name: "razorpay", BaseURL: srv.URL, APIKey: "rzp_key", APISecret: "s"}, srv.Client())

	charge, err := r.CreateCharge(context.Background(), ChargeRequest{OrderID: uuid.New(), OrderNumber: "ORD-EXISTING", Amount: decimal.NewFromInt(1), Currency: "INR"})
	require.NoError(t, err)
	assert.Equal(t, "order_old", charge.OrderRef)
	assert.Equal(t, int32(0), creates.Load())

	charge, err = r.CreateCharge(context.Background(), ChargeRequest{OrderID: uuid.New(), OrderNumber: "ORD-NEW", Amount: decimal.NewFromInt(1), Currency: "INR"})
	require.NoError(t, err)
	assert.Equal(t, "order_new", charge.OrderRef)
	assert.Equal(t, "rzp_key", charge.ClientToken)
	assert.Equal(t, int32(1), creates.Load())
}

func TestAdapterRetriesThenReconciles(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			posts.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		case r.URL.Path == "/v1/payment_intents/search":
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
				{"id": "pi_late", "status": "requires_payment_method", "client_secret": "sec"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	registry := NewRegistry(NewStripe(config.ProviderConfig{Name: "stripe", BaseURL: srv.URL}, srv.Client()))
	a := NewAdapter(registry, RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, time.Second, zaptest.NewLogger(t), nil)

	charge, err := a.CreateCharge(context.Background(), "stripe", ChargeRequest{OrderID: uuid.New(), Amount: decimal.NewFromInt(10), Currency: "INR"})
	require.NoError(t, err)
	assert.Equal(t, "pi_late", charge.OrderRef)
	assert.Equal(t, int32(3), posts.Load())
}

func TestAdapterSurfacesExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	registry := NewRegistry(NewStripe(config.ProviderConfig{Name: "stripe", BaseURL: srv.URL}, srv.Client()))
	a := NewAdapter(registry, RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}, time.Second, zaptest.NewLogger(t), nil)

	_, err := a.CreateCharge(context.Background(), "stripe", ChargeRequest{OrderID: uuid.New(), Amount: decimal.NewFromInt(10), Currency: "INR"})
	require.Error(t, err)
	assert.True(t, IsTemporary(err))

	_, err = a.CreateCharge(context.Background(), "paypal", ChargeRequest{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestClientClassifiesStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/429":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/400":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"amount too large"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := &apiClient{provider: "stripe", baseURL: srv.URL, http: srv.Client()}
	ctx := context.Background()

	err := c.do(ctx, apiRequest{op: "x", method: http.MethodGet, path: "/429"}, nil)
	assert.True(t, IsTemporary(err))

	err = c.do(ctx, apiRequest{op: "x", method: http.MethodGet, path: "/400"}, nil)
	assert.False(t, IsTemporary(err))
	assert.Contains(t, err.Error(), "amount too large")

	err = c.do(ctx, apiRequest{op: "x", method: http.MethodGet, path: "/missing"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
