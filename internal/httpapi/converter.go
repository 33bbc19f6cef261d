package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ConversionRequest is the sketch payload forwarded to the generative
// service.
type ConversionRequest struct {
	SketchURL string `json:"sketch_url"`
	Prompt    string `json:"prompt"`
}

// Converter is the generative-AI collaborator boundary. The conversion call
// itself is outside this subsystem; the HTTP layer only funds it and
// compensates when it fails.
type Converter interface {
	Convert(ctx context.Context, userID string, request ConversionRequest) (json.RawMessage, error)
}

// HTTPConverter forwards conversion requests to the generative service over
// HTTP.
type HTTPConverter struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPConverter returns a Converter for the given service endpoint.
func NewHTTPConverter(baseURL string, timeout time.Duration) (*HTTPConverter, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("converter base url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPConverter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type conversionEnvelope struct {
	UserID    string `json:"user_id"`
	SketchURL string `json:"sketch_url"`
	Prompt    string `json:"prompt"`
}

// Convert posts the sketch to the generative service and returns its raw
// JSON result.
func (converter *HTTPConverter) Convert(ctx context.Context, userID string, request ConversionRequest) (json.RawMessage, error) {
	body, err := json.Marshal(conversionEnvelope{
		UserID:    userID,
		SketchURL: request.SketchURL,
		Prompt:    request.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("converter: encode request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, converter.baseURL+"/v1/conversions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("converter: build request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := converter.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("converter: call: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxWebhookBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("converter: read response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("converter: unexpected status %d", response.StatusCode)
	}
	return json.RawMessage(responseBody), nil
}
