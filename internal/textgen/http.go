package textgen

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

// HTTPProvider calls a JSON completion endpoint. Both the primary and the
// fallback providers are configured as instances of this client.
type HTTPProvider struct {
	ProviderName string
	BaseURL      string
	APIKey       string
	Model        string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

func (p *HTTPProvider) Name() string { return p.ProviderName }

type generateRequest struct {
	Model       string      `json:"model,omitempty"`
	Prompt      string      `json:"prompt"`
	Constraints Constraints `json:"constraints"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// APIError wraps non-2xx provider responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error: status=%d body=%s", e.Status, e.Body)
}

func (e *APIError) StatusCode() int { return e.Status }

func (p *HTTPProvider) Generate(ctx context.Context, prompt string, constraints Constraints) (string, error) {
	payload, err := json.Marshal(generateRequest{Model: p.Model, Prompt: prompt, Constraints: constraints})
	if err != nil {
		return "", err
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(p.BaseURL, "/") + "/v1/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("provider returned empty text")
	}
	return out.Text, nil
}
