package docgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"redress/internal/domain"
)

// Client is an HTTP client for the document service and its template
// catalog.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// APIError wraps non-2xx responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("docgen error: status=%d body=%s", e.Status, e.Body)
}

func (e *APIError) StatusCode() int { return e.Status }

func (c *Client) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(reqCtx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		cancel()
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// cancel runs when the response body is drained by the caller
	resp.Body = &cancelingBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelingBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

type createDocumentRequest struct {
	TemplateRef  string            `json:"template_ref"`
	Placeholders map[string]string `json:"placeholders"`
	Title        string            `json:"title"`
}

func (c *Client) CreateSubmissionDocument(ctx context.Context, templateRef string, placeholders map[string]string, title string) (CreatedDocument, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/documents", createDocumentRequest{
		TemplateRef:  templateRef,
		Placeholders: placeholders,
		Title:        title,
	})
	if err != nil {
		return CreatedDocument{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CreatedDocument{}, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out CreatedDocument
	if err := json.Unmarshal(body, &out); err != nil {
		return CreatedDocument{}, fmt.Errorf("decode create response: %w", err)
	}
	return out, nil
}

func (c *Client) ExportToPDF(ctx context.Context, documentID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(documentID)+"/pdf", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

// ResolveActiveTemplate looks up the active template version for a
// project and document type.
func (c *Client) ResolveActiveTemplate(ctx context.Context, projectID string, docType domain.DocType) (TemplateRef, error) {
	path := fmt.Sprintf("/v1/templates/active?project_id=%s&doc_type=%s", url.QueryEscape(projectID), url.QueryEscape(string(docType)))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return TemplateRef{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TemplateRef{}, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out TemplateRef
	if err := json.Unmarshal(body, &out); err != nil {
		return TemplateRef{}, fmt.Errorf("decode template response: %w", err)
	}
	return out, nil
}
