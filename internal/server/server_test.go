package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"redress/internal/config"
	"redress/internal/db"
	"redress/internal/docgen"
	"redress/internal/domain"
	"redress/internal/events"
	"redress/internal/mail"
	"redress/internal/migrate"
	"redress/internal/orchestrator"
	"redress/internal/queue"
	"redress/internal/repo"
	"redress/internal/resilience"
	"redress/internal/textgen"
)

const testJWTSecret = "server-test-secret"

type stubProvider struct {
	text string
}

func (p stubProvider) Name() string { return "primary" }

func (p stubProvider) Generate(_ context.Context, _ string, _ textgen.Constraints) (string, error) {
	return p.text, nil
}

type stubDocs struct {
	created int
}

func (d *stubDocs) ResolveActiveTemplate(_ context.Context, projectID string, docType domain.DocType) (docgen.TemplateRef, error) {
	return docgen.TemplateRef{StoragePath: fmt.Sprintf("templates/%s/%s.docx", projectID, docType)}, nil
}

func (d *stubDocs) CreateSubmissionDocument(_ context.Context, _ string, _ map[string]string, _ string) (docgen.CreatedDocument, error) {
	d.created++
	id := fmt.Sprintf("ext-%d", d.created)
	return docgen.CreatedDocument{DocumentID: id, EditURL: "https://docs.example.org/" + id + "/edit"}, nil
}

func (d *stubDocs) ExportToPDF(_ context.Context, documentID string) ([]byte, error) {
	return []byte("%PDF " + documentID), nil
}

type stubMailer struct {
	calls int
}

func (m *stubMailer) Send(_ context.Context, msg domain.EmailPayload) (mail.Receipt, error) {
	m.calls++
	return mail.Receipt{MessageID: fmt.Sprintf("msg-%d", m.calls), Accepted: []string{msg.To}}, nil
}

type testServer struct {
	URL      string
	client   *http.Client
	repo     repo.Repo
	provider *stubProvider
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertProject(ctx, domain.Project{ID: "proj-1", Name: "Greenfield Quarry", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	cfg := config.Default("proj-1")
	cfg.Project.Name = "Greenfield Quarry"
	cfg.Council.Email = "planning@council.example.gov"
	if err := r.UpsertProjectConfig(ctx, "proj-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	reg := resilience.NewRegistry()
	exec := resilience.NewExecutor(reg)
	exec.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	q := queue.New(conn)
	docs := &stubDocs{}
	provider := &stubProvider{text: "I object to the proposed development on the grounds of traffic impact."}
	orch := orchestrator.New(conn, q, exec)
	orch.Docs = docs
	orch.Templates = docs
	orch.Text = textgen.Chain{Providers: []textgen.Provider{provider}}
	worker := &queue.Worker{Queue: q, Mailer: &stubMailer{}, Executor: exec, Events: events.Writer{DB: conn}}

	handler, err := New(Config{
		Orchestrator: orch,
		Queue:        q,
		Worker:       worker,
		Progress:     orch.Progress,
		Breakers:     reg,
		Repo:         r,
		BasePath:     "/v0",
		Auth:         AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		repo:     r,
		provider: provider,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + mintToken(t, "operator-1")}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/submissions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/submissions", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d, want 401", res.StatusCode)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rawKey := "op-key-123456"
	err := srv.repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   "operator-2",
		Name:      "ops laptop",
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/submissions", nil,
		map[string]string{"X-Api-Key": rawKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/submissions", nil,
		map[string]string{"X-Api-Key": "wrong-key"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d, want 401", res.StatusCode)
	}
}

func TestDirectSubmissionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions", map[string]any{
		"project_id":    "proj-1",
		"pathway":       "direct",
		"citizen_email": "citizen@example.org",
		"citizen_name":  "Alex Doe",
	}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(data))
	}
	var created SubmissionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	id := created.Submission.ID
	if created.Submission.Status != domain.SubmissionProcessing {
		t.Fatalf("created status = %s", created.Submission.Status)
	}

	procRes, procBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+id+"/process",
		map[string]any{}, headers)
	if procRes.StatusCode != http.StatusOK {
		t.Fatalf("process status %d: %s", procRes.StatusCode, string(procBody))
	}

	drainRes, drainBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/queue/drain", nil, headers)
	if drainRes.StatusCode != http.StatusOK {
		t.Fatalf("drain status %d: %s", drainRes.StatusCode, string(drainBody))
	}
	var drained DrainResponse
	if err := json.Unmarshal(drainBody, &drained); err != nil {
		t.Fatalf("unmarshal drain: %v", err)
	}
	if drained.Processed != 1 {
		t.Fatalf("drained %d jobs, want the council send", drained.Processed)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/submissions/"+id, nil, headers)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", getRes.StatusCode, string(getBody))
	}
	var got SubmissionResponse
	if err := json.Unmarshal(getBody, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Submission.Status != domain.SubmissionSubmitted {
		t.Fatalf("status = %s, want SUBMITTED after drain", got.Submission.Status)
	}
	if len(got.Documents) != 2 {
		t.Fatalf("got %d documents, want 2", len(got.Documents))
	}

	tlRes, tlBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/submissions/"+id+"/timeline", nil, headers)
	if tlRes.StatusCode != http.StatusOK {
		t.Fatalf("timeline status %d: %s", tlRes.StatusCode, string(tlBody))
	}
	var tl TimelineResponse
	if err := json.Unmarshal(tlBody, &tl); err != nil {
		t.Fatalf("unmarshal timeline: %v", err)
	}
	if len(tl.Events) < 4 {
		t.Fatalf("timeline has %d events: %s", len(tl.Events), string(tlBody))
	}
}

func TestContentRejectionReturnsUnprocessable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)
	srv.provider.text = "I object \U0001F600 to this development."

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions", map[string]any{
		"project_id":    "proj-1",
		"pathway":       "direct",
		"citizen_email": "citizen@example.org",
	}, headers)
	var created SubmissionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+created.Submission.ID+"/process",
		map[string]any{}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", res.StatusCode, string(body))
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != "content_rejected" {
		t.Fatalf("error code = %q: %s", env.Error.Code, string(body))
	}
}

func TestUnknownSubmissionIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/submissions/"+uuid.New().String(), nil, authHeaders(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", res.StatusCode)
	}
}

func TestQueueAndBreakerSurfaces(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions", map[string]any{
		"project_id":    "proj-1",
		"pathway":       "draft",
		"citizen_email": "citizen@example.org",
	}, headers)
	var created SubmissionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+created.Submission.ID+"/process",
		map[string]any{}, headers); res.StatusCode != http.StatusOK {
		t.Fatalf("process status %d: %s", res.StatusCode, string(body))
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue/jobs?status=pending", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs status %d: %s", res.StatusCode, string(body))
	}
	var jobs JobListResponse
	if err := json.Unmarshal(body, &jobs); err != nil {
		t.Fatalf("unmarshal jobs: %v", err)
	}
	if len(jobs.Jobs) != 1 {
		t.Fatalf("got %d pending jobs, want the draft pack", len(jobs.Jobs))
	}
	if jobs.Jobs[0].Recipient != "citizen@example.org" {
		t.Fatalf("job recipient = %s", jobs.Jobs[0].Recipient)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/breakers", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("breakers status %d: %s", res.StatusCode, string(body))
	}
}

func TestMetricsEndpointIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
}
