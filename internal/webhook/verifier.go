// Package webhook authenticates inbound gateway callbacks and feeds them to
// the order state machine.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/config"
)

const (
	StripeSignatureHeader   = "Stripe-Signature"
	RazorpaySignatureHeader = "X-Razorpay-Signature"
)

// scheme checks one provider's signature over the untouched request body.
type scheme interface {
	verify(payload []byte, headers http.Header, now time.Time) error
}

type Verifier struct {
	schemes map[string]scheme
	now     func() time.Time
}

func NewVerifier(providers []config.ProviderConfig) (*Verifier, error) {
	v := &Verifier{schemes: make(map[string]scheme, len(providers)), now: time.Now}
	for _, p := range providers {
		newHash, err := hashFor(p.SignatureAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		switch p.Kind {
		case config.ProviderKindStripe:
			v.schemes[p.Name] = stripeScheme{secret: []byte(p.WebhookSecret), newHash: newHash, tolerance: p.SignatureTolerance}
		case config.ProviderKindRazorpay:
			v.schemes[p.Name] = razorpayScheme{secret: []byte(p.WebhookSecret), newHash: newHash}
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
	}
	return v, nil
}

func (v *Verifier) Known(provider string) bool {
	_, ok := v.schemes[provider]
	return ok
}

// Verify returns a *apperr.SignatureError unless payload carries a valid
// signature for provider.
func (v *Verifier) Verify(provider string, payload []byte, headers http.Header) error {
	s, ok := v.schemes[provider]
	if !ok {
		return &apperr.SignatureError{Provider: provider, Reason: "no webhook secret configured"}
	}
	if err := s.verify(payload, headers, v.now()); err != nil {
		return &apperr.SignatureError{Provider: provider, Reason: err.Error()}
	}
	return nil
}

// Sign returns the hex HMAC of message.
func Sign(algorithm, secret string, message []byte) (string, error) {
	newHash, err := hashFor(algorithm)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac(newHash, []byte(secret), message)), nil
}

func hashFor(algorithm string) (func() hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
}

func mac(newHash func() hash.Hash, secret, message []byte) []byte {
	m := hmac.New(newHash, secret)
	m.Write(message)
	return m.Sum(nil)
}

// equalHex compares a hex signature with an expected MAC in constant time.
func equalHex(signature string, expected []byte) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, expected)
}

// stripeScheme: "t=<unix>,v1=<hex>[,v1=<hex>]" over "<t>.<body>".
type stripeScheme struct {
	secret    []byte
	newHash   func() hash.Hash
	tolerance time.Duration
}

func (s stripeScheme) verify(payload []byte, headers http.Header, now time.Time) error {
	header := headers.Get(StripeSignatureHeader)
	if header == "" {
		return fmt.Errorf("missing %s header", StripeSignatureHeader)
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("malformed %s header", StripeSignatureHeader)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp")
	}
	if s.tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > s.tolerance || age < -s.tolerance {
			return fmt.Errorf("timestamp outside tolerance")
		}
	}

	signed := make([]byte, 0, len(timestamp)+1+len(payload))
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, payload...)
	expected := mac(s.newHash, s.secret, signed)

	for _, sig := range signatures {
		if equalHex(sig, expected) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch")
}

// razorpayScheme: hex HMAC of the body in X-Razorpay-Signature.
type razorpayScheme struct {
	secret  []byte
	newHash func() hash.Hash
}

func (s razorpayScheme) verify(payload []byte, headers http.Header, _ time.Time) error {
	signature := headers.Get(RazorpaySignatureHeader)
	if signature == "" {
		return fmt.Errorf("missing %s header", RazorpaySignatureHeader)
	}
	if !equalHex(signature, mac(s.newHash, s.secret, payload)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
