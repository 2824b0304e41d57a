// Package server exposes the operator HTTP API: submission reads and
// triggers, queue inspection, dead-letter retry, breaker state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"redress/internal/domain"
	"redress/internal/fault"
	"redress/internal/orchestrator"
	"redress/internal/progress"
	"redress/internal/queue"
	"redress/internal/repo"
	"redress/internal/resilience"
	"redress/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Queue
	Worker       *queue.Worker
	Progress     *progress.Tracker
	Breakers     *resilience.Registry
	Repo         repo.Repo
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"submission not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Redress API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Redress API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSubmissions(group, cfg)
	registerQueue(group, cfg)
	registerOps(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var rej *validate.RejectionError
	if errors.As(err, &rej) {
		return newAPIError(http.StatusUnprocessableEntity, "content_rejected", err.Error(), map[string]any{"reason": string(rej.Reason)})
	}
	var open *resilience.OpenError
	if errors.As(err, &open) {
		return newAPIError(http.StatusServiceUnavailable, "circuit_open", err.Error(), map[string]any{"operation": open.Operation})
	}
	switch fault.CategoryOf(err) {
	case fault.User:
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case fault.Integration, fault.Temporary:
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "circuit_open"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Redress API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSubmissions(api huma.API, cfg Config) {
	type submissionPath struct {
		SubmissionID string `path:"submission_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-submission",
		Method:        http.MethodPost,
		Path:          "/submissions",
		Summary:       "Register a submission",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateSubmissionRequest
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := orchestrator.IntakeOptions{
			ProjectID:    input.Body.ProjectID,
			Pathway:      domain.Pathway(input.Body.Pathway),
			CitizenEmail: input.Body.CitizenEmail,
			Actor:        actor,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.CitizenName != nil {
			opts.CitizenName = *input.Body.CitizenName
		}
		sub, err := cfg.Orchestrator.CreateSubmission(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: SubmissionResponse{Submission: sub}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{submission_id}",
		Summary:     "Submission with its documents",
	}, func(ctx context.Context, input *submissionPath) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		sub, err := cfg.Repo.GetSubmission(ctx, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		docs, err := cfg.Repo.ListDocuments(ctx, sub.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: SubmissionResponse{Submission: sub, Documents: docs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/submissions",
		Summary:     "List submissions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status"`
		Pathway   string `query:"pathway"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body SubmissionListResponse `json:"body"`
	}, error) {
		subs, err := cfg.Repo.ListSubmissions(ctx, repo.SubmissionFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Pathway:   input.Pathway,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionListResponse `json:"body"`
		}{Body: SubmissionListResponse{Submissions: subs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-timeline",
		Method:      http.MethodGet,
		Path:        "/submissions/{submission_id}/timeline",
		Summary:     "Submission progress timeline",
	}, func(ctx context.Context, input *submissionPath) (*struct {
		Body TimelineResponse `json:"body"`
	}, error) {
		if _, err := cfg.Repo.GetSubmission(ctx, input.SubmissionID); err != nil {
			return nil, handleError(err)
		}
		events, err := cfg.Progress.Timeline(ctx, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TimelineResponse `json:"body"`
		}{Body: TimelineResponse{SubmissionID: input.SubmissionID, Events: events}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/process",
		Summary:     "Run a submission through its pathway",
	}, func(ctx context.Context, input *struct {
		SubmissionID string `path:"submission_id"`
		Body         ProcessSubmissionRequest
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Orchestrator.ProcessSubmission(ctx, input.SubmissionID, orchestrator.ProcessOptions{
			Redo:  input.Body.Redo,
			Actor: actor,
		}); err != nil {
			return nil, handleError(err)
		}
		sub, err := cfg.Repo.GetSubmission(ctx, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: SubmissionResponse{Submission: sub}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/finalize",
		Summary:     "Finalize a reviewed submission and queue the council send",
	}, func(ctx context.Context, input *struct {
		SubmissionID string `path:"submission_id"`
		Body         FinalizeSubmissionRequest
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		edited := ""
		if input.Body.EditedText != nil {
			edited = *input.Body.EditedText
		}
		if err := cfg.Orchestrator.FinalizeAndSubmit(ctx, input.SubmissionID, edited, actor); err != nil {
			return nil, handleError(err)
		}
		sub, err := cfg.Repo.GetSubmission(ctx, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: SubmissionResponse{Submission: sub}}, nil
	})
}

func registerQueue(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/queue/jobs",
		Summary:     "List delivery jobs",
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"pending,processing,sent,failed,"`
		JobType      string `query:"job_type"`
		SubmissionID string `query:"submission_id"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		jobs, err := cfg.Repo.ListJobs(ctx, repo.JobFilters{
			Status:       input.Status,
			JobType:      input.JobType,
			SubmissionID: input.SubmissionID,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Jobs: views}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/queue/jobs/{job_id}/retry",
		Summary:     "Reopen a dead-lettered job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body jobView `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := cfg.Queue.RetryDead(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		job, err := cfg.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body jobView `json:"body"`
		}{Body: toJobView(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drain-queue",
		Method:      http.MethodPost,
		Path:        "/queue/drain",
		Summary:     "Run one drain pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DrainResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := cfg.Worker.Drain(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DrainResponse `json:"body"`
		}{Body: DrainResponse{Processed: n}}, nil
	})
}

func registerOps(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "stale-submissions",
		Method:      http.MethodGet,
		Path:        "/submissions/stale",
		Summary:     "Non-terminal submissions with no recent activity",
	}, func(ctx context.Context, input *struct {
		Minutes int `query:"minutes"`
	}) (*struct {
		Body StaleResponse `json:"body"`
	}, error) {
		subs, err := cfg.Progress.FindStale(ctx, input.Minutes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StaleResponse `json:"body"`
		}{Body: StaleResponse{Submissions: subs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "breaker-state",
		Method:      http.MethodGet,
		Path:        "/breakers",
		Summary:     "Circuit breaker snapshots",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []resilience.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body []resilience.Snapshot `json:"body"`
		}{Body: cfg.Breakers.Snapshots()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-reminders",
		Method:      http.MethodPost,
		Path:        "/reminders/sweep",
		Summary:     "Queue reminders for overdue reviews",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := cfg.Orchestrator.SweepReminders(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Enqueued: n}}, nil
	})
}
