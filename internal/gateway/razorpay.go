package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/safar/market-orders/internal/config"
)

// razorpayEventIDHeader carries the delivery id Razorpay assigns each webhook.
const razorpayEventIDHeader = "X-Razorpay-Event-Id"

// Razorpay speaks the orders/payments dialect: the order reference is an
// order id and the payment reference is a payment id.
type Razorpay struct {
	name   string
	keyID  string
	client *apiClient
}

func NewRazorpay(cfg config.ProviderConfig, httpClient *http.Client) *Razorpay {
	keyID, keySecret := cfg.APIKey, cfg.APISecret
	return &Razorpay{
		name:  cfg.Name,
		keyID: keyID,
		client: &apiClient{
			provider: cfg.Name,
			baseURL:  cfg.BaseURL,
			http:     httpClient,
			authorize: func(r *http.Request) {
				r.SetBasicAuth(keyID, keySecret)
			},
		},
	}
}

func (r *Razorpay) Name() string { return r.name }

type razorpayOrder struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Amount     int64             `json:"amount"`
	AmountPaid int64             `json:"amount_paid"`
	Currency   string            `json:"currency"`
	Receipt    string            `json:"receipt"`
	Notes      map[string]string `json:"notes"`
}

type razorpayPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	ErrorDescription string `json:"error_description"`
}

type razorpayRefund struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Receipt   string            `json:"receipt"`
	Notes     map[string]string `json:"notes"`
}

type razorpayCollection[T any] struct {
	Items []T `json:"items"`
}

// CreateCharge reuses an order already created for the same receipt, since
// the orders API has no idempotency key.
func (r *Razorpay) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	existing, err := r.findOrderByReceipt(ctx, "create_charge", req.OrderNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Charge{OrderRef: existing.ID, ClientToken: r.keyID}, nil
	}

	body, err := json.Marshal(map[string]any{
		"amount":   minorUnits(req.Amount),
		"currency": strings.ToUpper(req.Currency),
		"receipt":  req.OrderNumber,
		"notes":    map[string]string{"order_id": req.OrderID.String()},
	})
	if err != nil {
		return nil, r.client.fail("create_charge", false, err)
	}

	var order razorpayOrder
	err = r.client.do(ctx, apiRequest{
		op:          "create_charge",
		method:      http.MethodPost,
		path:        "/v1/orders",
		body:        string(body),
		contentType: "application/json",
	}, &order)
	if err != nil {
		return nil, err
	}
	return &Charge{OrderRef: order.ID, ClientToken: r.keyID}, nil
}

func (r *Razorpay) findOrderByReceipt(ctx context.Context, op, receipt string) (*razorpayOrder, error) {
	var orders razorpayCollection[razorpayOrder]
	err := r.client.do(ctx, apiRequest{
		op:     op,
		method: http.MethodGet,
		path:   "/v1/orders?receipt=" + url.QueryEscape(receipt),
	}, &orders)
	if err != nil {
		return nil, err
	}
	if len(orders.Items) == 0 {
		return nil, nil
	}
	return &orders.Items[0], nil
}

func (r *Razorpay) LookupCharge(ctx context.Context, lookup ChargeLookup) (*ChargeState, error) {
	var order razorpayOrder
	if lookup.OrderRef != "" {
		err := r.client.do(ctx, apiRequest{
			op:     "lookup_charge",
			method: http.MethodGet,
			path:   "/v1/orders/" + url.PathEscape(lookup.OrderRef),
		}, &order)
		if err != nil {
			return nil, err
		}
	} else {
		found, err := r.findOrderByReceipt(ctx, "lookup_charge", lookup.OrderNumber)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, r.client.fail("lookup_charge", false, ErrNotFound)
		}
		order = *found
	}

	var payments razorpayCollection[razorpayPayment]
	err := r.client.do(ctx, apiRequest{
		op:     "lookup_charge",
		method: http.MethodGet,
		path:   "/v1/orders/" + url.PathEscape(order.ID) + "/payments",
	}, &payments)
	if err != nil {
		return nil, err
	}

	state := &ChargeState{
		OrderRef:    order.ID,
		ClientToken: r.keyID,
		Status:      ChargePending,
		Amount:      fromMinorUnits(order.Amount),
	}
	failed := 0
	for _, p := range payments.Items {
		switch p.Status {
		case "captured":
			state.Status = ChargeCaptured
			state.PaymentRef = p.ID
			state.Amount = fromMinorUnits(p.Amount)
			return state, nil
		case "authorized":
			state.Status = ChargeAuthorized
			state.PaymentRef = p.ID
		case "failed":
			failed++
		}
	}
	if state.Status == ChargePending && failed > 0 && failed == len(payments.Items) {
		state.Status = ChargeFailed
	}
	return state, nil
}

// CreateRefund looks for a refund already issued under the same receipt first.
func (r *Razorpay) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentRef == "" {
		return nil, r.client.fail("create_refund", false, ErrNotFound)
	}

	existing, err := r.LookupRefund(ctx, req)
	if err == nil {
		return existing, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"amount":  minorUnits(req.Amount),
		"receipt": req.RefundID.String(),
		"notes":   map[string]string{"refund_id": req.RefundID.String(), "reason": req.Reason},
	})
	if err != nil {
		return nil, r.client.fail("create_refund", false, err)
	}

	var refund razorpayRefund
	err = r.client.do(ctx, apiRequest{
		op:          "create_refund",
		method:      http.MethodPost,
		path:        "/v1/payments/" + url.PathEscape(req.PaymentRef) + "/refund",
		body:        string(body),
		contentType: "application/json",
	}, &refund)
	if err != nil {
		return nil, err
	}
	return razorpayRefundResult(refund), nil
}

func (r *Razorpay) LookupRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentRef == "" {
		return nil, r.client.fail("lookup_refund", false, ErrNotFound)
	}

	var refunds razorpayCollection[razorpayRefund]
	err := r.client.do(ctx, apiRequest{
		op:     "lookup_refund",
		method: http.MethodGet,
		path:   "/v1/payments/" + url.PathEscape(req.PaymentRef) + "/refunds",
	}, &refunds)
	if err != nil {
		return nil, err
	}
	for _, refund := range refunds.Items {
		if refund.Receipt == req.RefundID.String() || refund.Notes["refund_id"] == req.RefundID.String() {
			return razorpayRefundResult(refund), nil
		}
	}
	return nil, r.client.fail("lookup_refund", false, ErrNotFound)
}

func razorpayRefundResult(refund razorpayRefund) *RefundResult {
	result := &RefundResult{RefundRef: refund.ID}
	switch refund.Status {
	case "processed":
		result.Status = RefundSucceeded
	case "failed":
		result.Status = RefundFailed
		result.FailureReason = "refund failed at provider"
	default:
		result.Status = RefundPending
	}
	return result
}

type razorpayEvent struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity razorpayRefund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

func (r *Razorpay) Parse(payload []byte, headers http.Header) (*Event, error) {
	eventID := strings.TrimSpace(headers.Get(razorpayEventIDHeader))
	if eventID == "" {
		return nil, ErrMalformedEvent
	}

	var raw razorpayEvent
	if err := json.Unmarshal(payload, &raw); err != nil || raw.Event == "" {
		return nil, ErrMalformedEvent
	}

	ev := &Event{
		Provider:        r.name,
		ExternalEventID: eventID,
		OccurredAt:      time.Unix(raw.CreatedAt, 0).UTC(),
	}

	switch raw.Event {
	case "payment.authorized", "payment.captured", "payment.failed":
		if raw.Payload.Payment == nil || raw.Payload.Payment.Entity.ID == "" {
			return nil, ErrMalformedEvent
		}
		p := raw.Payload.Payment.Entity
		ev.GatewayOrderRef = p.OrderID
		ev.GatewayPaymentRef = p.ID
		ev.Amount = fromMinorUnits(p.Amount)
		ev.Currency = strings.ToUpper(p.Currency)
		switch raw.Event {
		case "payment.authorized":
			ev.Kind = KindPaymentAuthorized
		case "payment.captured":
			ev.Kind = KindPaymentCaptured
		default:
			ev.Kind = KindPaymentFailed
			ev.Reason = p.ErrorDescription
		}
	case "refund.processed":
		if raw.Payload.Refund == nil || raw.Payload.Refund.Entity.ID == "" {
			return nil, ErrMalformedEvent
		}
		refund := raw.Payload.Refund.Entity
		ev.Kind = KindRefundProcessed
		ev.GatewayPaymentRef = refund.PaymentID
		ev.GatewayRefundRef = refund.ID
		ev.RefundID = refund.Receipt
		if ev.RefundID == "" {
			ev.RefundID = refund.Notes["refund_id"]
		}
		ev.Amount = fromMinorUnits(refund.Amount)
		ev.Currency = strings.ToUpper(refund.Currency)
		if raw.Payload.Payment != nil {
			ev.GatewayOrderRef = raw.Payload.Payment.Entity.OrderID
		}
	default:
		return nil, ErrUnsupportedEvent
	}

	return ev, nil
}
