// Package gateway talks to the external payment provider that issues order
// ids and collects the fiat payment.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/sketchcredits/pkg/credits"
)

const (
	ordersPath         = "/v1/orders"
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// Config holds the provider endpoint and API credentials.
type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Timeout   time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return fmt.Errorf("gateway base url is required")
	}
	if strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.KeySecret) == "" {
		return fmt.Errorf("gateway api credentials are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return nil
}

// Client implements credits.Gateway over the provider's REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New returns a Client for the configured provider.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type createOrderRequest struct {
	AmountCents int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Receipt     string            `json:"receipt"`
	Notes       map[string]string `json:"notes"`
}

type createOrderResponse struct {
	ID string `json:"id"`
}

// RegisterOrder creates an order on the provider side and returns the
// provider-issued order id.
func (client *Client) RegisterOrder(ctx context.Context, registration credits.OrderRegistration) (credits.OrderID, error) {
	payload := createOrderRequest{
		AmountCents: registration.FiatAmountCents,
		Currency:    "USD",
		Receipt:     registration.Receipt,
		Notes: map[string]string{
			"user_id":       registration.UserID.String(),
			"credit_amount": fmt.Sprintf("%d", registration.CreditAmount.Int64()),
			"product":       "sketch_credits",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return credits.OrderID{}, fmt.Errorf("gateway: encode order request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(client.cfg.BaseURL, "/")+ordersPath, bytes.NewReader(body))
	if err != nil {
		return credits.OrderID{}, fmt.Errorf("gateway: build order request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.SetBasicAuth(client.cfg.KeyID, client.cfg.KeySecret)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return credits.OrderID{}, fmt.Errorf("gateway: create order: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return credits.OrderID{}, fmt.Errorf("gateway: read order response: %w", err)
	}
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		return credits.OrderID{}, fmt.Errorf("gateway: create order: unexpected status %d", response.StatusCode)
	}
	var decoded createOrderResponse
	if err := json.Unmarshal(responseBody, &decoded); err != nil {
		return credits.OrderID{}, fmt.Errorf("gateway: decode order response: %w", err)
	}
	orderID, err := credits.NewOrderID(decoded.ID)
	if err != nil {
		return credits.OrderID{}, fmt.Errorf("gateway: order response missing id: %w", err)
	}
	return orderID, nil
}
