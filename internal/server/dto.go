package server

import (
	"redress/internal/domain"
)

// Request payloads

type CreateSubmissionRequest struct {
	ID           *string `json:"id,omitempty"`
	ProjectID    string  `json:"project_id"`
	Pathway      string  `json:"pathway" enum:"direct,review,draft"`
	CitizenEmail string  `json:"citizen_email" format:"email"`
	CitizenName  *string `json:"citizen_name,omitempty"`
}

type ProcessSubmissionRequest struct {
	Redo bool `json:"redo,omitempty"`
}

type FinalizeSubmissionRequest struct {
	EditedText *string `json:"edited_text,omitempty"`
}

// Response payloads

type SubmissionResponse struct {
	Submission domain.Submission `json:"submission"`
	Documents  []domain.Document `json:"documents,omitempty"`
}

type SubmissionListResponse struct {
	Submissions []domain.Submission `json:"submissions"`
}

type TimelineResponse struct {
	SubmissionID string                 `json:"submission_id"`
	Events       []domain.ProgressEvent `json:"events"`
}

// jobView hides the payload body; operators see routing fields and the
// error log, not citizen content.
type jobView struct {
	ID           string   `json:"id"`
	SubmissionID *string  `json:"submission_id,omitempty"`
	JobType      string   `json:"job_type"`
	Priority     int      `json:"priority"`
	Status       string   `json:"status"`
	ScheduledFor string   `json:"scheduled_for"`
	RetryCount   int      `json:"retry_count"`
	MaxRetries   int      `json:"max_retries"`
	Recipient    string   `json:"recipient"`
	Subject      string   `json:"subject"`
	ErrorLog     []string `json:"error_log,omitempty"`
	MessageID    *string  `json:"message_id,omitempty"`
	CreatedAt    string   `json:"created_at"`
	SentAt       *string  `json:"sent_at,omitempty"`
}

func toJobView(j domain.DeliveryJob) jobView {
	return jobView{
		ID:           j.ID,
		SubmissionID: j.SubmissionID,
		JobType:      string(j.JobType),
		Priority:     j.Priority,
		Status:       string(j.Status),
		ScheduledFor: j.ScheduledFor,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		Recipient:    j.Payload.To,
		Subject:      j.Payload.Subject,
		ErrorLog:     j.ErrorLog,
		MessageID:    j.MessageID,
		CreatedAt:    j.CreatedAt,
		SentAt:       j.SentAt,
	}
}

type JobListResponse struct {
	Jobs []jobView `json:"jobs"`
}

type DrainResponse struct {
	Processed int `json:"processed"`
}

type SweepResponse struct {
	Enqueued int `json:"enqueued"`
}

type StaleResponse struct {
	Submissions []domain.Submission `json:"submissions"`
}
