package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxResponseBytes bounds how much of a turn response is read.
const maxResponseBytes = 8 << 20

// HTTP calls a remote turn service: POST <endpoint> with a JSON
// TurnContext, answered by a JSON TurnResult.
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTP returns an HTTP backend. timeout bounds each call; zero means
// the caller's context is the only limit.
func NewHTTP(endpoint, apiKey string, timeout time.Duration) (*HTTP, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("agent: invalid endpoint %q", endpoint)
	}
	return &HTTP{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// GenerateTurn implements Generator.
func (h *HTTP) GenerateTurn(ctx context.Context, tc TurnContext) (TurnResult, error) {
	body, err := json.Marshal(tc)
	if err != nil {
		return TurnResult{}, &PermanentError{Err: fmt.Errorf("agent: encode turn: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return TurnResult{}, &PermanentError{Err: fmt.Errorf("agent: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return TurnResult{}, fmt.Errorf("agent: call %s: %w", h.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TurnResult{}, fmt.Errorf("agent: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("agent: turn service returned %d: %s", resp.StatusCode, truncate(string(data), 200))
		// 429 and 5xx are worth another attempt, other 4xx are not.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return TurnResult{}, err
		}
		return TurnResult{}, &PermanentError{Err: err}
	}

	var result TurnResult
	if err := json.Unmarshal(data, &result); err != nil {
		return TurnResult{}, &PermanentError{Err: fmt.Errorf("agent: decode turn: %w", err)}
	}
	if result.Cost < 0 {
		return TurnResult{}, &PermanentError{Err: fmt.Errorf("agent: negative turn cost %v", result.Cost)}
	}
	return result, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
