package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderKindStripe   = "stripe"
	ProviderKindRazorpay = "razorpay"
)

// ProviderConfig describes one payment gateway account.
type ProviderConfig struct {
	Name               string        `yaml:"name"`
	Kind               string        `yaml:"kind"`
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	APISecret          string        `yaml:"api_secret"`
	WebhookSecret      string        `yaml:"webhook_secret"`
	SignatureAlgorithm string        `yaml:"signature_algorithm"`
	SignatureTolerance time.Duration `yaml:"signature_tolerance"`
}

type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProviders reads a YAML providers file. ${VAR} references are expanded
// from the environment first.
func LoadProviders(path string) ([]ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return ParseProviders([]byte(os.ExpandEnv(string(raw))))
}

func ParseProviders(data []byte) ([]ProviderConfig, error) {
	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	seen := make(map[string]bool, len(file.Providers))
	for i := range file.Providers {
		p := &file.Providers[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = p.Name
		}
		if p.SignatureAlgorithm == "" {
			p.SignatureAlgorithm = "sha256"
		}
		if p.SignatureTolerance == 0 && p.Kind == ProviderKindStripe {
			p.SignatureTolerance = 5 * time.Minute
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("provider %q declared twice", p.Name)
		}
		seen[p.Name] = true
	}
	return file.Providers, nil
}

func (p ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	switch p.Kind {
	case ProviderKindStripe, ProviderKindRazorpay:
	default:
		return fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
	}
	switch p.SignatureAlgorithm {
	case "sha256", "sha512":
	default:
		return fmt.Errorf("provider %s: unknown signature algorithm %q", p.Name, p.SignatureAlgorithm)
	}
	if p.WebhookSecret == "" {
		return fmt.Errorf("provider %s: webhook_secret is required", p.Name)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("provider %s: base_url is required", p.Name)
	}
	return nil
}
