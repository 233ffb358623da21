package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/safar/market-orders/internal/config"
)

// FromConfig builds a provider for every configured gateway account.
func FromConfig(providers []config.ProviderConfig, callTimeout time.Duration) (*Registry, error) {
	client := &http.Client{Timeout: callTimeout}

	built := make([]Provider, 0, len(providers))
	for _, cfg := range providers {
		switch cfg.Kind {
		case config.ProviderKindStripe:
			built = append(built, NewStripe(cfg, client))
		case config.ProviderKindRazorpay:
			built = append(built, NewRazorpay(cfg, client))
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.Name, cfg.Kind)
		}
	}
	return NewRegistry(built...), nil
}
