package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultAllowedOrigin = "http://localhost:8000"
	defaultTokenIssuer   = "sketchapp"
)

const (
	creditValueCents    int64 = 100
	minPurchaseCredits  int64 = 5
	purchaseStepCredits int64 = 5
	conversionCost      int64 = 1
	maxWebhookBodyBytes int64 = 1 << 20
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	TokenSigningKey string
	TokenIssuer     string
	ShutdownTimeout time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.TokenIssuer = defaultIfEmpty(cfg.TokenIssuer, defaultTokenIssuer)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if len(cfg.TokenSigningKey) == 0 {
		return fmt.Errorf("token signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// CreditValueCents exposes the cents-per-credit conversion used to price
// purchase orders.
func CreditValueCents() int64 {
	return creditValueCents
}

// MinimumPurchaseCredits returns the minimum purchasable credits per order.
func MinimumPurchaseCredits() int64 {
	return minPurchaseCredits
}

// PurchaseIncrementCredits returns the purchase step size.
func PurchaseIncrementCredits() int64 {
	return purchaseStepCredits
}

// ConversionCostCredits returns the per-conversion spend amount.
func ConversionCostCredits() int64 {
	return conversionCost
}
