package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/coupon"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/order"
	"github.com/safar/market-orders/internal/refund"
	"github.com/safar/market-orders/internal/store"
	"github.com/safar/market-orders/internal/webhook"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type fakeOrders struct {
	orders  map[uuid.UUID]*models.Order
	created *order.CreateRequest
	err     error
}

func (f *fakeOrders) Create(_ context.Context, req order.CreateRequest) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = &req
	return &models.Order{ID: uuid.New(), BuyerID: req.BuyerID, Status: models.OrderStatusPending}, nil
}

func (f *fakeOrders) Get(_ context.Context, id uuid.UUID) (*models.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id.String())
	}
	return o, nil
}

func (f *fakeOrders) List(_ context.Context, buyerID, cursor string, limit int) (*store.CursorPage, error) {
	if cursor == "bad" {
		return nil, apperr.Validation("cursor", "is malformed")
	}
	return &store.CursorPage{Items: []models.Order{}}, nil
}

func (f *fakeOrders) Refunds(context.Context, uuid.UUID) ([]models.Refund, error) {
	return []models.Refund{}, nil
}

type fakeMachine struct {
	events []order.Event
	err    error
}

func (f *fakeMachine) Transition(_ context.Context, id uuid.UUID, ev order.Event) (*models.Order, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Order{ID: id, Status: models.OrderStatusShipped}, nil
}

type fakeCharges struct{}

func (fakeCharges) CreateCharge(_ context.Context, id uuid.UUID, provider string) (*order.ChargeResult, error) {
	return &order.ChargeResult{OrderID: id, Provider: provider, GatewayOrderRef: "pi_1"}, nil
}

type fakeRefunds struct {
	req       *refund.Request
	err       error
	cancelErr error
}

func (f *fakeRefunds) Refund(_ context.Context, req refund.Request) (*refund.Result, error) {
	f.req = &req
	if f.err != nil {
		return nil, f.err
	}
	return &refund.Result{Refund: &models.Refund{ID: uuid.New(), Status: models.RefundStatusSucceeded}}, nil
}

func (f *fakeRefunds) Cancel(_ context.Context, id uuid.UUID, actor, reason string) (*refund.Result, error) {
	return &refund.Result{Order: &models.Order{ID: id, Status: models.OrderStatusCancelled}}, f.cancelErr
}

type fakeCoupons struct{}

func (fakeCoupons) Validate(_ context.Context, code, _ string, amount decimal.Decimal) (*coupon.Quote, error) {
	if code != "SAVE10" {
		return nil, &apperr.CouponError{Kind: apperr.CouponNotFound, Code: code}
	}
	return &coupon.Quote{Code: code, DiscountAmount: amount.Div(decimal.NewFromInt(10))}, nil
}

type fakeWebhooks struct {
	payload []byte
	err     error
}

func (f *fakeWebhooks) Known(provider string) bool {
	return provider == "stripe" || provider == "razorpay"
}

func (f *fakeWebhooks) Ingest(_ context.Context, provider string, payload []byte, _ http.Header) (*webhook.Result, error) {
	f.payload = payload
	if f.err != nil {
		return nil, f.err
	}
	return &webhook.Result{Status: webhook.StatusApplied}, nil
}

type harness struct {
	srv      *Server
	orders   *fakeOrders
	machine  *fakeMachine
	refunds  *fakeRefunds
	webhooks *fakeWebhooks
	existing *models.Order
}

func newHarness(t *testing.T, cfg config.ServerConfig) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	o := &models.Order{ID: uuid.New(), BuyerID: "buyer-1", SellerID: "seller-1", Status: models.OrderStatusProcessing}
	h := &harness{
		orders:   &fakeOrders{orders: map[uuid.UUID]*models.Order{o.ID: o}},
		machine:  &fakeMachine{},
		refunds:  &fakeRefunds{},
		webhooks: &fakeWebhooks{},
		existing: o,
	}
	h.srv = NewServer(cfg, Deps{
		Orders:   h.orders,
		Machine:  h.machine,
		Checkout: fakeCharges{},
		Refunds:  h.refunds,
		Coupons:  fakeCoupons{},
		Webhooks: h.webhooks,
	}, zap.NewNop(), nil)
	return h
}

func token(t *testing.T, userID, role string, exp time.Time) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     exp.Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user, "user", time.Now().Add(time.Hour)))
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.Validation("items", "is required"), http.StatusBadRequest, "validation_error"},
		{&apperr.CouponError{Kind: apperr.CouponExpired, Code: "X"}, http.StatusUnprocessableEntity, "coupon_expired"},
		{&apperr.IllegalTransitionError{From: "shipped", Event: "buyer_or_seller_cancel"}, http.StatusConflict, "illegal_transition"},
		{&apperr.SignatureError{Provider: "stripe", Reason: "mismatch"}, http.StatusBadRequest, "invalid_signature"},
		{&apperr.AlreadyAppliedError{ExternalEventID: "evt_1"}, http.StatusOK, "already_applied"},
		{&apperr.InvalidAmountError{Requested: "1000.00", Allowed: "900.00"}, http.StatusUnprocessableEntity, "invalid_amount"},
		{&apperr.NothingToRefundError{OrderID: "o"}, http.StatusUnprocessableEntity, "nothing_to_refund"},
		{apperr.NotFound("order", "o"), http.StatusNotFound, "not_found"},
		{&apperr.GatewayError{Provider: "stripe", Op: "create_refund", Err: errors.New("boom")}, http.StatusBadGateway, "gateway_error"},
		{fmt.Errorf("wrapped: %w", apperr.NotFound("refund", "r")), http.StatusNotFound, "not_found"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestInternalErrorsDoNotLeak(t *testing.T) {
	_, body := errorResponse(errors.New("pq: password authentication failed"))
	assert.NotContains(t, body.Message, "pq")
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	path := "/v1/orders/" + h.existing.ID.String()

	w := h.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired := httptest.NewRequest(http.MethodGet, path, nil)
	expired.Header.Set("Authorization", "Bearer "+token(t, "buyer-1", "user", time.Now().Add(-time.Minute)))
	w = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "buyer-1",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	bad := httptest.NewRequest(http.MethodGet, path, nil)
	bad.Header.Set("Authorization", "Bearer "+forged)
	w = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, bad)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodGet, path, "buyer-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOrderVisibleOnlyToParties(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	path := "/v1/orders/" + h.existing.ID.String()

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, path, "seller-1", nil).Code)

	w := h.do(t, http.MethodGet, path, "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/v1/orders/not-a-uuid", "buyer-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestShipRequiresSeller(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	path := "/v1/orders/" + h.existing.ID.String() + "/ship"

	w := h.do(t, http.MethodPost, path, "buyer-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, h.machine.events)

	w = h.do(t, http.MethodPost, path, "seller-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.machine.events, 1)
	assert.Equal(t, order.EventMarkShipped, h.machine.events[0].Name)
	assert.Equal(t, "seller-1", h.machine.events[0].Actor)
}

func TestIllegalTransitionIsConflict(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	h.machine.err = &apperr.IllegalTransitionError{From: "processing", Event: "mark_delivered"}

	w := h.do(t, http.MethodPost, "/v1/orders/"+h.existing.ID.String()+"/deliver", "seller-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "illegal_transition", errorCode(t, w))
}

func TestCreateOrderUsesTokenBuyer(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})

	w := h.do(t, http.MethodPost, "/v1/orders", "buyer-9", map[string]any{
		"items":       []map[string]any{{"listing_id": "lst-1", "quantity": 2}},
		"coupon_code": "save10",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, h.orders.created)
	assert.Equal(t, "buyer-9", h.orders.created.BuyerID)
	assert.Equal(t, "save10", h.orders.created.CouponCode)
	assert.Equal(t, 2, h.orders.created.Items[0].Quantity)

	w = h.do(t, http.MethodPost, "/v1/orders", "buyer-9", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOrdersRejectsBadLimit(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/orders?limit=ten", "buyer-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/orders?cursor=bad", "buyer-1", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/orders?limit=10", "buyer-1", nil).Code)
}

func TestRefundParsesAmount(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	path := "/v1/orders/" + h.existing.ID.String() + "/refunds"

	w := h.do(t, http.MethodPost, path, "seller-1", map[string]any{"amount": "250.50", "reason": "damaged"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, h.refunds.req.Amount)
	assert.True(t, h.refunds.req.Amount.Equal(decimal.RequireFromString("250.50")))
	assert.Equal(t, "seller-1", h.refunds.req.Actor)

	h.refunds.err = &apperr.InvalidAmountError{Requested: "1000.00", Allowed: "900.00"}
	w = h.do(t, http.MethodPost, path, "seller-1", map[string]any{"amount": 1000, "reason": "damaged"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_amount", errorCode(t, w))
}

func TestBuyerCannotRefund(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	path := "/v1/orders/" + h.existing.ID.String() + "/refunds"

	w := h.do(t, http.MethodPost, path, "buyer-1", map[string]any{"amount": "10", "reason": "changed my mind"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Nil(t, h.refunds.req)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(`{"reason":"goodwill"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token(t, "staff-1", RoleAdmin, time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "staff-1", h.refunds.req.Actor)
}

func TestCancelReportsFailedRefund(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	h.refunds.cancelErr = &apperr.GatewayError{Provider: "stripe", Op: "create_refund", Temporary: true, Err: errors.New("timeout")}

	w := h.do(t, http.MethodPost, "/v1/orders/"+h.existing.ID.String()+"/cancel", "buyer-1", map[string]string{"reason": "late"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Data        refund.Result `json:"data"`
		RefundError errorBody     `json:"refund_error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.OrderStatusCancelled, resp.Data.Order.Status)
	assert.Equal(t, "gateway_error", resp.RefundError.Code)
}

func TestValidateCoupon(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})

	w := h.do(t, http.MethodPost, "/v1/coupons/validate", "buyer-1", map[string]any{"code": "SAVE10", "order_amount": "1000"})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/v1/coupons/validate", "buyer-1", map[string]any{"code": "NOPE", "order_amount": "1000"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "coupon_not_found", errorCode(t, w))

	w = h.do(t, http.MethodPost, "/v1/coupons/validate", "buyer-1", map[string]any{"code": "SAVE10", "order_amount": "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookPassesRawBody(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	body := `{"id":"evt_1",  "type":"payment_intent.succeeded"}`

	w := h.do(t, http.MethodPost, "/v1/webhooks/stripe", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, string(h.webhooks.payload))

	h.webhooks.err = &apperr.SignatureError{Provider: "stripe", Reason: "mismatch"}
	w = h.do(t, http.MethodPost, "/v1/webhooks/stripe", "", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRateLimitPerProvider(t *testing.T) {
	h := newHarness(t, config.ServerConfig{WebhookRateLimit: 0.001, WebhookBurst: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/webhooks/stripe", "", "{}").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodPost, "/v1/webhooks/stripe", "", "{}").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/webhooks/razorpay", "", "{}").Code)
}

func TestWebhookUnknownProviderNotTracked(t *testing.T) {
	h := newHarness(t, config.ServerConfig{WebhookRateLimit: 0.001, WebhookBurst: 1})

	for i := 0; i < 50; i++ {
		w := h.do(t, http.MethodPost, fmt.Sprintf("/v1/webhooks/made-up-%d", i), "", "{}")
		require.Equal(t, http.StatusNotFound, w.Code)
	}
	assert.Nil(t, h.webhooks.payload)

	h.srv.webhooks.mu.Lock()
	tracked := len(h.srv.webhooks.items)
	h.srv.webhooks.mu.Unlock()
	assert.Zero(t, tracked)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/webhooks/stripe", "", "{}").Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	w := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
