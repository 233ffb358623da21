package webhook

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProviders = []config.ProviderConfig{
	{Name: "stripe", Kind: config.ProviderKindStripe, WebhookSecret: "whsec_test", SignatureAlgorithm: "sha256", SignatureTolerance: 5 * time.Minute},
	{Name: "razorpay", Kind: config.ProviderKindRazorpay, WebhookSecret: "rzp_secret", SignatureAlgorithm: "sha512"},
}

func stripeHeader(t *testing.T, secret string, ts time.Time, payload []byte) http.Header {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := Sign("sha256", secret, append([]byte(stamp+"."), payload...))
	require.NoError(t, err)
	h := http.Header{}
	h.Set(StripeSignatureHeader, "t="+stamp+",v1="+sig)
	return h
}

func TestStripeSignature(t *testing.T) {
	v, err := NewVerifier(testProviders)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	v.now = func() time.Time { return now }

	payload := []byte(`{"id":"evt_1",  "type":"payment_intent.succeeded"}`)

	assert.NoError(t, v.Verify("stripe", payload, stripeHeader(t, "whsec_test", now, payload)))

	t.Run("whitespace change breaks signature", func(t *testing.T) {
		reserialized := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
		err := v.Verify("stripe", reserialized, stripeHeader(t, "whsec_test", now, payload))
		var serr *apperr.SignatureError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "stripe", serr.Provider)
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.Error(t, v.Verify("stripe", payload, stripeHeader(t, "other", now, payload)))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		old := now.Add(-10 * time.Minute)
		assert.Error(t, v.Verify("stripe", payload, stripeHeader(t, "whsec_test", old, payload)))
	})

	t.Run("rotated secret second v1 matches", func(t *testing.T) {
		h := stripeHeader(t, "whsec_test", now, payload)
		h.Set(StripeSignatureHeader, "t="+strconv.FormatInt(now.Unix(), 10)+",v1=00ff,"+h.Get(StripeSignatureHeader)[len("t=1700000000,"):])
		assert.NoError(t, v.Verify("stripe", payload, h))
	})

	t.Run("missing header", func(t *testing.T) {
		assert.Error(t, v.Verify("stripe", payload, http.Header{}))
	})
}

func TestRazorpaySignature(t *testing.T) {
	v, err := NewVerifier(testProviders)
	require.NoError(t, err)

	payload := []byte(`{"event":"payment.captured"}`)
	sig, err := Sign("sha512", "rzp_secret", payload)
	require.NoError(t, err)

	h := http.Header{}
	h.Set(RazorpaySignatureHeader, sig)
	assert.NoError(t, v.Verify("razorpay", payload, h))

	sha256Sig, err := Sign("sha256", "rzp_secret", payload)
	require.NoError(t, err)
	h.Set(RazorpaySignatureHeader, sha256Sig)
	assert.Error(t, v.Verify("razorpay", payload, h), "algorithm is per provider")

	h.Set(RazorpaySignatureHeader, "not-hex")
	assert.Error(t, v.Verify("razorpay", payload, h))
}

func TestVerifierUnknownProvider(t *testing.T) {
	v, err := NewVerifier(testProviders)
	require.NoError(t, err)
	assert.False(t, v.Known("paypal"))
	assert.Error(t, v.Verify("paypal", []byte(`{}`), http.Header{}))
}

func TestNewVerifierRejectsAlgorithm(t *testing.T) {
	_, err := NewVerifier([]config.ProviderConfig{{Name: "x", Kind: config.ProviderKindStripe, SignatureAlgorithm: "md5"}})
	assert.Error(t, err)
}
