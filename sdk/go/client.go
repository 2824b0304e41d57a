package redresssdk

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
)

// Client is a minimal Redress HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Submission represents the API submission model (partial).
type Submission struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Pathway        string  `json:"pathway"`
	Status         string  `json:"status"`
	CitizenEmail   string  `json:"citizen_email"`
	ReviewDeadline *string `json:"review_deadline,omitempty"`
	ConfirmationID *string `json:"confirmation_id,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// Document represents a generated artifact.
type Document struct {
	ID           string `json:"id"`
	SubmissionID string `json:"submission_id"`
	DocType      string `json:"doc_type"`
	Status       string `json:"status"`
	EditURL      string `json:"edit_url,omitempty"`
	ViewURL      string `json:"view_url,omitempty"`
	PDFURL       string `json:"pdf_url,omitempty"`
}

// Event represents a timeline entry.
type Event struct {
	ID           int64          `json:"id"`
	SubmissionID string         `json:"submission_id"`
	Stage        string         `json:"stage"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Actor        string         `json:"actor"`
	CreatedAt    string         `json:"created_at"`
}

// Job represents a delivery queue entry.
type Job struct {
	ID           string   `json:"id"`
	SubmissionID *string  `json:"submission_id,omitempty"`
	JobType      string   `json:"job_type"`
	Status       string   `json:"status"`
	Priority     int      `json:"priority"`
	ScheduledFor string   `json:"scheduled_for"`
	RetryCount   int      `json:"retry_count"`
	MaxRetries   int      `json:"max_retries"`
	Recipient    string   `json:"recipient"`
	Subject      string   `json:"subject"`
	ErrorLog     []string `json:"error_log,omitempty"`
	MessageID    *string  `json:"message_id,omitempty"`
	SentAt       *string  `json:"sent_at,omitempty"`
}

// Breaker is a circuit breaker snapshot.
type Breaker struct {
	Operation    string `json:"operation"`
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
	SuccessCount int    `json:"success_count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type submissionEnvelope struct {
	Submission Submission `json:"submission"`
	Documents  []Document `json:"documents,omitempty"`
}

// CreateSubmission registers a submission.
func (c *Client) CreateSubmission(ctx context.Context, projectID, pathway, citizenEmail, citizenName string) (Submission, error) {
	body := map[string]any{
		"project_id":    projectID,
		"pathway":       pathway,
		"citizen_email": citizenEmail,
	}
	if citizenName != "" {
		body["citizen_name"] = citizenName
	}
	var resp submissionEnvelope
	err := c.do(ctx, http.MethodPost, "v0/submissions", body, &resp)
	return resp.Submission, err
}

// GetSubmission fetches a submission with its documents.
func (c *Client) GetSubmission(ctx context.Context, id string) (Submission, []Document, error) {
	var resp submissionEnvelope
	err := c.do(ctx, http.MethodGet, "v0/submissions/"+url.PathEscape(id), nil, &resp)
	return resp.Submission, resp.Documents, err
}

// ListSubmissions lists submissions, optionally filtered by status.
func (c *Client) ListSubmissions(ctx context.Context, projectID, status string) ([]Submission, error) {
	endpoint := "v0/submissions"
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Submissions []Submission `json:"submissions"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Submissions, err
}

// Timeline returns a submission's progress events in append order.
func (c *Client) Timeline(ctx context.Context, id string) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "v0/submissions/"+url.PathEscape(id)+"/timeline", nil, &resp)
	return resp.Events, err
}

// Process runs a submission through its pathway.
func (c *Client) Process(ctx context.Context, id string, redo bool) (Submission, error) {
	var resp submissionEnvelope
	err := c.do(ctx, http.MethodPost, "v0/submissions/"+url.PathEscape(id)+"/process", map[string]any{"redo": redo}, &resp)
	return resp.Submission, err
}

// Finalize closes the review loop and queues the council send.
func (c *Client) Finalize(ctx context.Context, id, editedText string) (Submission, error) {
	body := map[string]any{}
	if editedText != "" {
		body["edited_text"] = editedText
	}
	var resp submissionEnvelope
	err := c.do(ctx, http.MethodPost, "v0/submissions/"+url.PathEscape(id)+"/finalize", body, &resp)
	return resp.Submission, err
}

// ListJobs lists delivery jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string) ([]Job, error) {
	endpoint := "v0/queue/jobs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Jobs, err
}

// RetryJob reopens a dead-lettered job.
func (c *Client) RetryJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/queue/jobs/"+url.PathEscape(id)+"/retry", nil, &resp)
	return resp, err
}

// Drain runs one queue drain pass and reports how many jobs it touched.
func (c *Client) Drain(ctx context.Context) (int, error) {
	var resp struct {
		Processed int `json:"processed"`
	}
	err := c.do(ctx, http.MethodPost, "v0/queue/drain", nil, &resp)
	return resp.Processed, err
}

// Stale reports non-terminal submissions with no recent activity.
func (c *Client) Stale(ctx context.Context, minutes int) ([]Submission, error) {
	endpoint := "v0/submissions/stale"
	if minutes > 0 {
		endpoint = fmt.Sprintf("%s?minutes=%d", endpoint, minutes)
	}
	var resp struct {
		Submissions []Submission `json:"submissions"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Submissions, err
}

// Breakers returns circuit breaker snapshots.
func (c *Client) Breakers(ctx context.Context) ([]Breaker, error) {
	var resp []Breaker
	err := c.do(ctx, http.MethodGet, "v0/breakers", nil, &resp)
	return resp, err
}

// SweepReminders queues reminders for overdue review submissions.
func (c *Client) SweepReminders(ctx context.Context) (int, error) {
	var resp struct {
		Enqueued int `json:"enqueued"`
	}
	err := c.do(ctx, http.MethodPost, "v0/reminders/sweep", nil, &resp)
	return resp.Enqueued, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
