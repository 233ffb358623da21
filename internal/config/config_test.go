package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProvidersDefaults(t *testing.T) {
	providers, err := ParseProviders([]byte(`
providers:
  - name: Stripe
    base_url: https://api.stripe.com
    api_key: sk_test
    webhook_secret: whsec
  - name: razorpay
    base_url: https://api.razorpay.com
    api_key: rzp_key
    api_secret: rzp_secret
    webhook_secret: rzp_whsec
    signature_algorithm: sha512
`))
	require.NoError(t, err)
	require.Len(t, providers, 2)

	assert.Equal(t, "stripe", providers[0].Name)
	assert.Equal(t, ProviderKindStripe, providers[0].Kind)
	assert.Equal(t, "sha256", providers[0].SignatureAlgorithm)
	assert.Equal(t, 5*time.Minute, providers[0].SignatureTolerance)

	assert.Equal(t, ProviderKindRazorpay, providers[1].Kind)
	assert.Equal(t, "sha512", providers[1].SignatureAlgorithm)
	assert.Zero(t, providers[1].SignatureTolerance)
	for _, p := range providers {
		assert.NoError(t, p.Validate())
	}
}

func TestParseProvidersRejectsDuplicates(t *testing.T) {
	_, err := ParseProviders([]byte(`
providers:
  - name: stripe
  - name: STRIPE
`))
	require.Error(t, err)
}

func TestProviderValidate(t *testing.T) {
	base := ProviderConfig{
		Name:               "acme",
		Kind:               ProviderKindRazorpay,
		BaseURL:            "http://localhost",
		WebhookSecret:      "s",
		SignatureAlgorithm: "sha256",
	}
	require.NoError(t, base.Validate())

	unknownKind := base
	unknownKind.Kind = "paypal"
	assert.Error(t, unknownKind.Validate())

	badAlgo := base
	badAlgo.SignatureAlgorithm = "md5"
	assert.Error(t, badAlgo.Validate())

	noSecret := base
	noSecret.WebhookSecret = ""
	assert.Error(t, noSecret.Validate())
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("GATEWAY_PROVIDERS_FILE", t.TempDir()+"/missing.yaml")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("LEDGER_RETENTION", "24h")
	_, err = Load()
	require.Error(t, err, "retention below the redelivery window must be rejected")

	t.Setenv("LEDGER_RETENTION", "2160h")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "INR", cfg.Gateway.Currency)
	assert.Equal(t, 7*24*time.Hour, cfg.Orders.AutoCompleteAfter)
}
