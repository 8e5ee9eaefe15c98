// Package settle performs backend-executed settlement: submitting a
// signed claim to the execution service on behalf of wallets that cannot
// pay for gas themselves.
package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ExecutionRequest is the payload handed to the execution service. The
// signed payload and signature are the backend-produced claim artifact;
// the execution service submits them on-chain without re-deriving any
// fields.
type ExecutionRequest struct {
	RecordID        string `json:"recordId"`
	Recipient       string `json:"recipient"`
	Amount          string `json:"amount"`
	TokenAddress    string `json:"tokenAddress"`
	ContractAddress string `json:"contractAddress"`
	SigningPayload  string `json:"signingPayload"`
	Signature       string `json:"signature"`
	DeadlineUnix    int64  `json:"deadline"`
}

// ExecutionResult reports a submitted transaction.
type ExecutionResult struct {
	TransactionHash string `json:"transactionHash"`
}

// Client submits signed claims for on-chain execution.
type Client interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ClientConfig defines the HTTP execution client settings.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSecond caps outbound submissions; zero disables the limiter.
	RatePerSecond float64
}

// HTTPClient talks to the execution service over HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewHTTPClient constructs an execution client with sane defaults.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("settle: execution base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		limiter: limiter,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Execute submits one signed claim and returns the resulting transaction
// hash. The call honors the context deadline; a timeout here is treated
// by the executor as an unknown outcome.
func (c *HTTPClient) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if c == nil {
		return nil, fmt.Errorf("settle: execution client not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("settle: rate limit: %w", err)
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("settle: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/executions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("settle: request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("settle: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("settle: unexpected status %d", resp.StatusCode)
	}
	var payload ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("settle: decode: %w", err)
	}
	if strings.TrimSpace(payload.TransactionHash) == "" {
		return nil, fmt.Errorf("settle: execution response missing transaction hash")
	}
	return &payload, nil
}
