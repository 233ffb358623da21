package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/safar/market-orders/internal/config"
)

// Stripe speaks the payment-intents dialect: the order reference is a payment
// intent id and the payment reference is its charge id.
type Stripe struct {
	name   string
	apiKey string
	client *apiClient
}

func NewStripe(cfg config.ProviderConfig, httpClient *http.Client) *Stripe {
	s := &Stripe{name: cfg.Name, apiKey: cfg.APIKey}
	s.client = &apiClient{
		provider: cfg.Name,
		baseURL:  cfg.BaseURL,
		http:     httpClient,
		authorize: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+s.apiKey)
		},
	}
	return s
}

func (s *Stripe) Name() string { return s.name }

type stripePaymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	ClientSecret     string            `json:"client_secret"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	AmountCapturable int64             `json:"amount_capturable"`
	Currency         string            `json:"currency"`
	LatestCharge     string            `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeRefund struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentIntent string            `json:"payment_intent"`
	Charge        string            `json:"charge"`
	FailureReason string            `json:"failure_reason"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeList[T any] struct {
	Data []T `json:"data"`
}

func (s *Stripe) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minorUnits(req.Amount), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("metadata[order_id]", req.OrderID.String())
	form.Set("metadata[order_number]", req.OrderNumber)

	var pi stripePaymentIntent
	err := s.client.do(ctx, apiRequest{
		op:          "create_charge",
		method:      http.MethodPost,
		path:        "/v1/payment_intents",
		body:        form.Encode(),
		contentType: "application/x-www-form-urlencoded",
		headers:     map[string]string{"Idempotency-Key": "charge-" + req.OrderID.String()},
	}, &pi)
	if err != nil {
		return nil, err
	}
	return &Charge{OrderRef: pi.ID, ClientToken: pi.ClientSecret}, nil
}

func (s *Stripe) LookupCharge(ctx context.Context, lookup ChargeLookup) (*ChargeState, error) {
	var pi stripePaymentIntent
	if lookup.OrderRef != "" {
		err := s.client.do(ctx, apiRequest{
			op:     "lookup_charge",
			method: http.MethodGet,
			path:   "/v1/payment_intents/" + url.PathEscape(lookup.OrderRef),
		}, &pi)
		if err != nil {
			return nil, err
		}
	} else {
		var list stripeList[stripePaymentIntent]
		query := url.Values{}
		query.Set("query", fmt.Sprintf("metadata['order_id']:'%s'", lookup.OrderID))
		err := s.client.do(ctx, apiRequest{
			op:     "lookup_charge",
			method: http.MethodGet,
			path:   "/v1/payment_intents/search?" + query.Encode(),
		}, &list)
		if err != nil {
			return nil, err
		}
		if len(list.Data) == 0 {
			return nil, s.client.fail("lookup_charge", false, ErrNotFound)
		}
		pi = list.Data[0]
	}

	state := &ChargeState{
		OrderRef:    pi.ID,
		PaymentRef:  pi.LatestCharge,
		ClientToken: pi.ClientSecret,
		Amount:      fromMinorUnits(pi.Amount),
	}
	switch pi.Status {
	case "succeeded":
		state.Status = ChargeCaptured
		state.Amount = fromMinorUnits(pi.AmountReceived)
	case "requires_capture":
		state.Status = ChargeAuthorized
	case "canceled":
		state.Status = ChargeFailed
	case "requires_payment_method":
		state.Status = ChargePending
		if pi.LastPaymentError != nil {
			state.Status = ChargeFailed
		}
	default:
		state.Status = ChargePending
	}
	return state, nil
}

func (s *Stripe) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	form := url.Values{}
	form.Set("payment_intent", req.OrderRef)
	form.Set("amount", strconv.FormatInt(minorUnits(req.Amount), 10))
	form.Set("metadata[refund_id]", req.RefundID.String())
	form.Set("metadata[reason]", req.Reason)

	var r stripeRefund
	err := s.client.do(ctx, apiRequest{
		op:          "create_refund",
		method:      http.MethodPost,
		path:        "/v1/refunds",
		body:        form.Encode(),
		contentType: "application/x-www-form-urlencoded",
		headers:     map[string]string{"Idempotency-Key": "refund-" + req.RefundID.String()},
	}, &r)
	if err != nil {
		return nil, err
	}
	return stripeRefundResult(r), nil
}

func (s *Stripe) LookupRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	query := url.Values{}
	query.Set("payment_intent", req.OrderRef)
	query.Set("limit", "100")

	var list stripeList[stripeRefund]
	err := s.client.do(ctx, apiRequest{
		op:     "lookup_refund",
		method: http.MethodGet,
		path:   "/v1/refunds?" + query.Encode(),
	}, &list)
	if err != nil {
		return nil, err
	}
	for _, r := range list.Data {
		if r.Metadata["refund_id"] == req.RefundID.String() {
			return stripeRefundResult(r), nil
		}
	}
	return nil, s.client.fail("lookup_refund", false, ErrNotFound)
}

func stripeRefundResult(r stripeRefund) *RefundResult {
	result := &RefundResult{RefundRef: r.ID, FailureReason: r.FailureReason}
	switch r.Status {
	case "succeeded":
		result.Status = RefundSucceeded
	case "failed", "canceled":
		result.Status = RefundFailed
	default:
		result.Status = RefundPending
	}
	return result
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (s *Stripe) Parse(payload []byte, _ http.Header) (*Event, error) {
	var raw stripeEvent
	if err := json.Unmarshal(payload, &raw); err != nil || raw.ID == "" || raw.Type == "" {
		return nil, ErrMalformedEvent
	}

	ev := &Event{
		Provider:        s.name,
		ExternalEventID: raw.ID,
		OccurredAt:      time.Unix(raw.Created, 0).UTC(),
	}

	switch raw.Type {
	case "payment_intent.amount_capturable_updated", "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripePaymentIntent
		if err := json.Unmarshal(raw.Data.Object, &pi); err != nil || pi.ID == "" {
			return nil, ErrMalformedEvent
		}
		ev.GatewayOrderRef = pi.ID
		ev.GatewayPaymentRef = pi.LatestCharge
		ev.Currency = strings.ToUpper(pi.Currency)
		switch raw.Type {
		case "payment_intent.amount_capturable_updated":
			ev.Kind = KindPaymentAuthorized
			ev.Amount = fromMinorUnits(pi.AmountCapturable)
		case "payment_intent.succeeded":
			ev.Kind = KindPaymentCaptured
			ev.Amount = fromMinorUnits(pi.AmountReceived)
		default:
			ev.Kind = KindPaymentFailed
			ev.Amount = fromMinorUnits(pi.Amount)
			if pi.LastPaymentError != nil {
				ev.Reason = pi.LastPaymentError.Message
			}
		}
	case "refund.created", "refund.updated":
		var r stripeRefund
		if err := json.Unmarshal(raw.Data.Object, &r); err != nil || r.ID == "" {
			return nil, ErrMalformedEvent
		}
		if r.Status != "succeeded" {
			return nil, ErrUnsupportedEvent
		}
		ev.Kind = KindRefundProcessed
		ev.GatewayOrderRef = r.PaymentIntent
		ev.GatewayPaymentRef = r.Charge
		ev.GatewayRefundRef = r.ID
		ev.RefundID = r.Metadata["refund_id"]
		ev.Amount = fromMinorUnits(r.Amount)
		ev.Currency = strings.ToUpper(r.Currency)
	default:
		return nil, ErrUnsupportedEvent
	}

	return ev, nil
}
