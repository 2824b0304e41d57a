package domain

// Pathway selects how a submission reaches the council.
type Pathway string

const (
	PathwayDirect Pathway = "direct"
	PathwayReview Pathway = "review"
	PathwayDraft  Pathway = "draft"
)

func (p Pathway) Valid() bool {
	switch p {
	case PathwayDirect, PathwayReview, PathwayDraft:
		return true
	}
	return false
}

// SubmissionStatus is the submission lifecycle state.
type SubmissionStatus string

const (
	SubmissionProcessing     SubmissionStatus = "PROCESSING"
	SubmissionSubmitted      SubmissionStatus = "SUBMITTED"
	SubmissionAwaitingReview SubmissionStatus = "AWAITING_REVIEW"
	SubmissionDraftSent      SubmissionStatus = "DRAFT_SENT"
	SubmissionError          SubmissionStatus = "ERROR"
)

// Terminal reports whether no further automatic transition is possible.
// AWAITING_REVIEW waits on the citizen, everything else is final.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case SubmissionSubmitted, SubmissionDraftSent, SubmissionError:
		return true
	}
	return false
}

type Submission struct {
	ID                   string           `json:"id"`
	ProjectID            string           `json:"project_id"`
	Pathway              Pathway          `json:"pathway" enum:"direct,review,draft"`
	Status               SubmissionStatus `json:"status" enum:"PROCESSING,SUBMITTED,AWAITING_REVIEW,DRAFT_SENT,ERROR"`
	CitizenEmail         string           `json:"citizen_email"`
	CitizenName          string           `json:"citizen_name,omitempty"`
	GeneratedText        *string          `json:"generated_text,omitempty"`
	ServedByProvider     *string          `json:"served_by_provider,omitempty"`
	ReviewStartedAt      *string          `json:"review_started_at,omitempty" format:"date-time"`
	ReviewCompletedAt    *string          `json:"review_completed_at,omitempty" format:"date-time"`
	ReviewDeadline       *string          `json:"review_deadline,omitempty" format:"date-time"`
	SubmittedToCouncilAt *string          `json:"submitted_to_council_at,omitempty" format:"date-time"`
	ConfirmationID       *string          `json:"confirmation_id,omitempty"`
	CreatedAt            string           `json:"created_at" format:"date-time"`
	UpdatedAt            string           `json:"updated_at" format:"date-time"`
}

// DocType distinguishes the two halves of a formal objection.
type DocType string

const (
	DocCover   DocType = "cover"
	DocGrounds DocType = "grounds"
)

type DocumentStatus string

const (
	DocumentCreated     DocumentStatus = "created"
	DocumentUserEditing DocumentStatus = "user_editing"
	DocumentFinalized   DocumentStatus = "finalized"
	DocumentSubmitted   DocumentStatus = "submitted"
	DocumentApproved    DocumentStatus = "approved"
)

type Document struct {
	ID                string         `json:"id"`
	SubmissionID      string         `json:"submission_id"`
	DocType           DocType        `json:"doc_type" enum:"cover,grounds"`
	Status            DocumentStatus `json:"status" enum:"created,user_editing,finalized,submitted,approved"`
	ExternalRef       string         `json:"external_ref,omitempty"`
	EditURL           string         `json:"edit_url,omitempty"`
	ViewURL           string         `json:"view_url,omitempty"`
	PDFURL            string         `json:"pdf_url,omitempty"`
	Superseded        bool           `json:"superseded,omitempty"`
	ReviewStartedAt   *string        `json:"review_started_at,omitempty" format:"date-time"`
	ReviewCompletedAt *string        `json:"review_completed_at,omitempty" format:"date-time"`
	LastModifiedAt    string         `json:"last_modified_at" format:"date-time"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
}

// JobStatus is the delivery job lifecycle state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the job will never be picked up again.
// failed is the dead-letter state; only a manual retry reopens it.
func (s JobStatus) Terminal() bool {
	return s == JobSent || s == JobFailed
}

// JobType names what a delivery job carries.
type JobType string

const (
	JobCouncilSubmission JobType = "council_submission"
	JobReviewLink        JobType = "review_link"
	JobDraftPack         JobType = "draft_pack"
	JobReminder          JobType = "reminder"
	JobAdminNotice       JobType = "admin_notice"
)

// Attachment is one file carried by an email payload.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Content  []byte `json:"content"`
}

// EmailPayload is the persisted body of a delivery job.
type EmailPayload struct {
	To          string       `json:"to"`
	From        string       `json:"from"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type DeliveryJob struct {
	ID           string       `json:"id"`
	SubmissionID *string      `json:"submission_id,omitempty"`
	JobType      JobType      `json:"job_type"`
	Priority     int          `json:"priority"`
	ScheduledFor string       `json:"scheduled_for" format:"date-time"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	Status       JobStatus    `json:"status" enum:"pending,processing,sent,failed"`
	Payload      EmailPayload `json:"payload"`
	ErrorLog     []string     `json:"error_log,omitempty"`
	MessageID    *string      `json:"message_id,omitempty"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
	ClaimedAt    *string      `json:"claimed_at,omitempty" format:"date-time"`
	SentAt       *string      `json:"sent_at,omitempty" format:"date-time"`
}

// Stage names a step on the submission progress timeline.
type Stage string

const (
	StageSubmissionCreated  Stage = "submission_created"
	StageTextGeneration     Stage = "text_generation"
	StageContentValidation  Stage = "content_validation"
	StageDocumentGeneration Stage = "document_generation"
	StagePDFExport          Stage = "pdf_export"
	StageCouncilEmail       Stage = "council_email"
	StageReviewEmail        Stage = "review_email"
	StageDraftEmail         Stage = "draft_email"
	StageCitizenReview      Stage = "citizen_review"
	StageRetry              Stage = "retry"
	StageReminder           Stage = "reminder"
)

type EventStatus string

const (
	EventQueued       EventStatus = "queued"
	EventInProgress   EventStatus = "in_progress"
	EventCompleted    EventStatus = "completed"
	EventFailed       EventStatus = "failed"
	EventPendingRetry EventStatus = "pending_retry"
)

type ProgressEvent struct {
	ID           int64          `json:"id"`
	SubmissionID string         `json:"submission_id"`
	Stage        Stage          `json:"stage"`
	Status       EventStatus    `json:"status" enum:"queued,in_progress,completed,failed,pending_retry"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Actor        string         `json:"actor"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
