// Package eligibility consults the reputation service that gates permit
// issuance and claim-data retrieval.
package eligibility

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config defines the HTTP client settings for the reputation service.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	MinScore int
}

// Client retrieves reputation scores for subjects.
type Client struct {
	baseURL    string
	apiKey     string
	minScore   int
	httpClient *http.Client
}

// Score is the reputation payload returned by the upstream service.
type Score struct {
	SubjectID uint64 `json:"subjectId"`
	Score     int    `json:"score"`
	Flagged   bool   `json:"flagged"`
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("eligibility: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		minScore: cfg.MinScore,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// FetchScore fetches the current reputation score for a subject.
func (c *Client) FetchScore(ctx context.Context, subjectID uint64) (*Score, error) {
	if c == nil {
		return nil, fmt.Errorf("eligibility: client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/subjects/%d/score", c.baseURL, subjectID), nil)
	if err != nil {
		return nil, fmt.Errorf("eligibility: request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("eligibility: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("eligibility: unexpected status %d", resp.StatusCode)
	}
	var payload Score
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("eligibility: decode: %w", err)
	}
	return &payload, nil
}

// Allowed reports whether the subject clears the configured score
// threshold. A nil client disables gating.
func (c *Client) Allowed(ctx context.Context, subjectID uint64, minScore int) (bool, error) {
	if c == nil {
		return true, nil
	}
	if minScore <= 0 {
		minScore = c.minScore
	}
	score, err := c.FetchScore(ctx, subjectID)
	if err != nil {
		return false, err
	}
	if score.Flagged {
		return false, nil
	}
	return score.Score >= minScore, nil
}
