package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"redress/internal/domain"
)

// Client sends mail through a transactional email HTTP API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// APIError wraps non-2xx transport responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mail transport error: status=%d body=%s", e.Status, e.Body)
}

func (e *APIError) StatusCode() int { return e.Status }

func (c *Client) Send(ctx context.Context, msg domain.EmailPayload) (Receipt, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/v1/send", bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out Receipt
	if err := json.Unmarshal(body, &out); err != nil {
		return Receipt{}, fmt.Errorf("decode transport response: %w", err)
	}
	return out, nil
}
