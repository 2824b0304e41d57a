// Package orchestrator drives a submission through its pathway state
// machine: generate text, validate it, create documents, enqueue mail.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"redress/internal/config"
	"redress/internal/docgen"
	"redress/internal/domain"
	"redress/internal/fault"
	"redress/internal/observability"
	"redress/internal/progress"
	"redress/internal/queue"
	"redress/internal/repo"
	"redress/internal/resilience"
	"redress/internal/textgen"
	"redress/internal/validate"
)

type Orchestrator struct {
	DB        *sql.DB
	Repo      repo.Repo
	Progress  *progress.Tracker
	Queue     *queue.Queue
	Executor  *resilience.Executor
	Docs      docgen.Service
	Templates docgen.TemplateResolver
	Text      textgen.Chain
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, q *queue.Queue, exec *resilience.Executor) *Orchestrator {
	return &Orchestrator{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Progress: progress.New(db),
		Queue:    q,
		Executor: exec,
		Now:      time.Now,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Priority bands for the delivery queue. Council mail outranks citizen
// mail; reminders and operator notices drain last.
const (
	priorityCouncil = 10
	priorityCitizen = 5
	priorityLow     = 0
)

// IntakeOptions carry what the intake form collected.
type IntakeOptions struct {
	ID           string
	ProjectID    string
	Pathway      domain.Pathway
	CitizenEmail string
	CitizenName  string
	Actor        string
}

// CreateSubmission registers a new submission in PROCESSING and stamps
// the first timeline entry. Processing itself is a separate call.
func (o *Orchestrator) CreateSubmission(ctx context.Context, opts IntakeOptions) (domain.Submission, error) {
	if !opts.Pathway.Valid() {
		return domain.Submission{}, fault.Userf("unknown pathway %q", opts.Pathway)
	}
	if opts.CitizenEmail == "" {
		return domain.Submission{}, fault.Userf("citizen email is required")
	}
	if _, err := o.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Submission{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := o.now().UTC().Format(time.RFC3339)
	sub := domain.Submission{
		ID:           id,
		ProjectID:    opts.ProjectID,
		Pathway:      opts.Pathway,
		Status:       domain.SubmissionProcessing,
		CitizenEmail: opts.CitizenEmail,
		CitizenName:  opts.CitizenName,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if err := o.Repo.InsertSubmission(ctx, sub); err != nil {
		return domain.Submission{}, err
	}
	if err := o.Progress.RecordEvent(ctx, nil, sub.ID, domain.StageSubmissionCreated, domain.EventCompleted, actorOrSystem(opts.Actor),
		map[string]any{"pathway": string(sub.Pathway)}); err != nil {
		return domain.Submission{}, err
	}
	return sub, nil
}

// ProcessOptions tune one processing run.
type ProcessOptions struct {
	// Redo supersedes the submission's existing documents and builds a
	// fresh set. Without it, reprocessing a submission that already has
	// documents is refused.
	Redo  bool
	Actor string
}

// ProcessSubmission runs a PROCESSING submission through its pathway:
// generate, validate, create documents, enqueue delivery. The direct
// pathway stays PROCESSING until the queue worker confirms the council
// send; review parks in AWAITING_REVIEW; draft lands in DRAFT_SENT. Any
// failure marks the submission ERROR and stops.
func (o *Orchestrator) ProcessSubmission(ctx context.Context, submissionID string, opts ProcessOptions) error {
	sub, err := o.Repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if sub.Status != domain.SubmissionProcessing {
		return fault.Userf("submission %s is %s, expected %s", sub.ID, sub.Status, domain.SubmissionProcessing)
	}
	active, err := o.Repo.CountActiveDocuments(ctx, sub.ID)
	if err != nil {
		return err
	}
	if active > 0 && !opts.Redo {
		return fault.Userf("submission %s already has %d documents, pass redo to supersede them", sub.ID, active)
	}
	cfg, err := o.Repo.GetProjectConfig(ctx, sub.ProjectID)
	if err != nil {
		return o.fail(ctx, &sub, domain.StageSubmissionCreated, fault.New(fault.System, "project.config", err), opts.Actor)
	}

	actor := actorOrSystem(opts.Actor)
	text, err := o.generateText(ctx, &sub, cfg, actor)
	if err != nil {
		return o.fail(ctx, &sub, domain.StageTextGeneration, err, actor)
	}
	clean, err := o.validateText(ctx, &sub, cfg, text, actor)
	if err != nil {
		return o.fail(ctx, &sub, domain.StageContentValidation, err, actor)
	}
	sub.GeneratedText = &clean

	switch sub.Pathway {
	case domain.PathwayDirect:
		err = o.processDirect(ctx, &sub, cfg, opts, actor)
	case domain.PathwayReview:
		err = o.processReview(ctx, &sub, cfg, opts, actor)
	case domain.PathwayDraft:
		err = o.processDraft(ctx, &sub, cfg, opts, actor)
	default:
		err = fault.Userf("unknown pathway %q", sub.Pathway)
	}
	if err != nil {
		return o.fail(ctx, &sub, domain.StageDocumentGeneration, err, actor)
	}
	return nil
}

func (o *Orchestrator) generateText(ctx context.Context, sub *domain.Submission, cfg *config.Config, actor string) (string, error) {
	if err := o.Progress.RecordEvent(ctx, nil, sub.ID, domain.StageTextGeneration, domain.EventInProgress, actor, nil); err != nil {
		return "", err
	}
	constraints := textgen.Constraints{MaxWords: cfg.Validator.MaxWords, Language: "en"}
	prompt := objectionPrompt(sub, cfg)
	type genResult struct {
		text     string
		servedBy string
	}
	res, err := resilience.Do(ctx, o.Executor, resilience.CallOptions{Operation: "textgen.generate"}, func(ctx context.Context) (genResult, error) {
		text, servedBy, genErr := o.Text.Generate(ctx, prompt, constraints)
		return genResult{text: text, servedBy: servedBy}, genErr
	})
	if err != nil {
		return "", fault.New(fault.Integration, "textgen.generate", err)
	}
	sub.ServedByProvider = &res.servedBy
	observability.ProviderServed.WithLabelValues(res.servedBy).Inc()
	if err := o.Progress.RecordEvent(ctx, nil, sub.ID, domain.StageTextGeneration, domain.EventCompleted, actor,
		map[string]any{"served_by": res.servedBy}); err != nil {
		return "", err
	}
	return res.text, nil
}

func (o *Orchestrator) validateText(ctx context.Context, sub *domain.Submission, cfg *config.Config, text, actor string) (string, error) {
	limits := validate.Limits{MaxWords: cfg.Validator.MaxWords, AllowedLinks: cfg.Validator.AllowedLinks}
	clean, err := validate.Clean(text, limits)
	if err != nil {
		var rej *validate.RejectionError
		if errors.As(err, &rej) {
			_ = o.Progress.RecordEvent(ctx, nil, sub.ID, domain.StageContentValidation, domain.EventFailed, actor,
				map[string]any{"reason": string(rej.Reason), "detail": rej.Detail})
			return "", fault.New(fault.User, "validate", err)
		}
		return "", err
	}
	if err := o.Progress.RecordEvent(ctx, nil, sub.ID, domain.StageContentValidation, domain.EventCompleted, actor, nil); err != nil {
		return "", err
	}
	return clean, nil
}

// builtDoc pairs a created artifact with its exported PDF.
type builtDoc struct {
	doc domain.Document
	pdf []byte
}

// buildDocument resolves the active template, creates the artifact and
// exports its PDF. A missing template is a configuration error, never
// retried beyond the call's own budget.
func (o *Orchestrator) buildDocument(ctx context.Context, sub *domain.Submission, cfg *config.Config, docType domain.DocType, text string) (builtDoc, error) {
	ref, err := resilience.Do(ctx, o.Executor, resilience.CallOptions{Operation: "templates.resolve"}, func(ctx context.Context) (docgen.TemplateRef, error) {
		return o.Templates.ResolveActiveTemplate(ctx, sub.ProjectID, docType)
	})
	if err != nil {
		return builtDoc{}, fault.New(fault.System, "templates.resolve",
			fmt.Errorf("no active %s template for project %s: %w", docType, sub.ProjectID, err))
	}
	placeholders := map[string]string{
		"citizen_name":  sub.CitizenName,
		"citizen_email": sub.CitizenEmail,
		"council_ref":   cfg.Council.Reference,
		"body":          text,
	}
	title := fmt.Sprintf("%s %s %s", cfg.Project.Name, docType, sub.ID)
	created, err := resilience.Do(ctx, o.Executor, resilience.CallOptions{Operation: "docgen.create"}, func(ctx context.Context) (docgen.CreatedDocument, error) {
		return o.Docs.CreateSubmissionDocument(ctx, ref.StoragePath, placeholders, title)
	})
	if err != nil {
		return builtDoc{}, fault.New(fault.Integration, "docgen.create", err)
	}
	pdf, err := resilience.Do(ctx, o.Executor, resilience.CallOptions{Operation: "docgen.export"}, func(ctx context.Context) ([]byte, error) {
		return o.Docs.ExportToPDF(ctx, created.DocumentID)
	})
	if err != nil {
		return builtDoc{}, fault.New(fault.Integration, "docgen.export", err)
	}
	ts := o.now().UTC().Format(time.RFC3339)
	return builtDoc{
		doc: domain.Document{
			ID:             uuid.New().String(),
			SubmissionID:   sub.ID,
			DocType:        docType,
			Status:         domain.DocumentCreated,
			ExternalRef:    created.DocumentID,
			EditURL:        created.EditURL,
			ViewURL:        created.ViewURL,
			PDFURL:         created.PDFURL,
			LastModifiedAt: ts,
			CreatedAt:      ts,
		},
		pdf: pdf,
	}, nil
}

func (o *Orchestrator) processDirect(ctx context.Context, sub *domain.Submission, cfg *config.Config, opts ProcessOptions, actor string) error {
	text := *sub.GeneratedText
	cover, err := o.buildDocument(ctx, sub, cfg, domain.DocCover, text)
	if err != nil {
		return err
	}
	grounds, err := o.buildDocument(ctx, sub, cfg, domain.DocGrounds, text)
	if err != nil {
		return err
	}

	recipient := cfg.CouncilRecipient()
	if recipient == "" {
		return fault.Systemf("council.recipient", "project %s has no council address configured", sub.ProjectID)
	}
	payload := domain.EmailPayload{
		To:      recipient,
		From:    cfg.Sender.From,
		ReplyTo: cfg.Sender.ReplyTo,
		Subject: councilSubject(cfg, sub),
		Text:    councilBody(cfg, sub),
		Attachments: []domain.Attachment{
			{Filename: "cover.pdf", MimeType: "application/pdf", Content: cover.pdf},
			{Filename: "grounds.pdf", MimeType: "application/pdf", Content: grounds.pdf},
		},
	}

	now := o.now().UTC().Format(time.RFC3339)
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if opts.Redo {
		if err := o.Repo.SupersedeDocumentsTx(ctx, tx, sub.ID, now); err != nil {
			return err
		}
	}
	// cover and grounds land in one transaction, there is never a half pair
	if err := o.Repo.InsertDocumentTx(ctx, tx, cover.doc); err != nil {
		return err
	}
	if err := o.Repo.InsertDocumentTx(ctx, tx, grounds.doc); err != nil {
		return err
	}
	sub.UpdatedAt = now
	if err := o.Repo.UpdateSubmissionTx(ctx, tx, *sub); err != nil {
		return err
	}
	if _, err := o.Queue.Enqueue(ctx, tx, domain.JobCouncilSubmission, payload, queue.EnqueueOptions{
		SubmissionID: sub.ID,
		Priority:     priorityCouncil,
		MaxRetries:   cfg.Queue.MaxRetries,
	}); err != nil {
		return err
	}
	if err := o.Progress.RecordEvent(ctx, tx, sub.ID, domain.StageDocumentGeneration, domain.EventCompleted, actor,
		map[string]any{"documents": 2}); err != nil {
		return err
	}
	if err := o.Progress.RecordEvent(ctx, tx, sub.ID, domain.StageCouncilEmail, domain.EventQueued, actor,
		map[string]any{"recipient": recipient, "test_override": cfg.Council.TestOverride != ""}); err != nil {
		return err
	}
	return tx.Commit()
}

func (o *Orchestrator) processReview(ctx context.Context, sub *domain.Submission, cfg *config.Config, opts ProcessOptions, actor string) error {
	built, err := o.buildDocument(ctx, sub, cfg, domain.DocGrounds, *sub.GeneratedText)
	if err != nil {
		return err
	}

	now := o.now().UTC()
	ts := now.Format(time.RFC3339)
	deadline := cfg.ReviewDeadline(now)
	deadlineTS := deadline.UTC().Format(time.RFC3339)

	built.doc.Status = domain.DocumentUserEditing
	built.doc.ReviewStartedAt = &ts

	payload := domain.EmailPayload{
		To:      sub.CitizenEmail,
		From:    cfg.Sender.From,
		ReplyTo: cfg.Sender.ReplyTo,
		Subject: fmt.Sprintf("Review your objection to %s", cfg.Project.Name),
		Text: fmt.Sprintf("Your objection draft is ready for review.\n\nEdit it here: %s\n\nPlease approve it by %s so it reaches the council in time.",
			built.doc.EditURL, deadline.Format("2 January 2006")),
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if opts.Redo {
		if err := o.Repo.SupersedeDocumentsTx(ctx, tx, sub.ID, ts); err != nil {
			return err
		}
	}
	if err := o.Repo.InsertDocumentTx(ctx, tx, built.doc); err != nil {
		return err
	}
	if err := ensureSubmissionTransition(sub.Pathway, sub.Status, domain.SubmissionAwaitingReview); err != nil {
		return err
	}
	sub.Status = domain.SubmissionAwaitingReview
	sub.ReviewStartedAt = &ts
	sub.ReviewDeadline = &deadlineTS
	sub.UpdatedAt = ts
	if err := o.Repo.UpdateSubmissionTx(ctx, tx, *sub); err != nil {
		return err
	}
	if _, err := o.Queue.Enqueue(ctx, tx, domain.JobReviewLink, payload, queue.EnqueueOptions{
		SubmissionID: sub.ID,
		Priority:     priorityCitizen,
	}); err != nil {
		return err
	}
	// the reminder sits in the queue until lead time before the deadline
	reminder := domain.EmailPayload{
		To:      sub.CitizenEmail,
		From:    cfg.Sender.From,
		ReplyTo: cfg.Sender.ReplyTo,
		Subject: fmt.Sprintf("Reminder: approve your objection to %s", cfg.Project.Name),
		Text: fmt.Sprintf("Your objection is still waiting for your approval.\n\nEdit it here: %s\n\nThe deadline is %s.",
			built.doc.EditURL, deadline.Format("2 January 2006")),
	}
	if _, err := o.Queue.Enqueue(ctx, tx, domain.JobReminder, reminder, queue.EnqueueOptions{
		SubmissionID: sub.ID,
		Priority:     priorityLow,
		ScheduledFor: deadline.Add(-cfg.ReminderLead()),
	}); err != nil {
		return err
	}
	if err := o.Progress.RecordEvent(ctx, tx, sub.ID, domain.StageDocumentGeneration, domain.EventCompleted, actor,
		map[string]any{"documents": 1}); err != nil {
		return err
	}
	if err := o.Progress.RecordEvent(ctx, tx, sub.ID, domain.StageReviewEmail, domain.EventQueued, actor,
		map[string]any{"review_deadline": deadlineTS}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	observability.SubmissionsProcessed.WithLabelValues(string(sub.Pathway), "awaiting_review").Inc()
	return nil
}

func (o *Orchestrator) processDraft(ctx context.Context, sub *domain.Submission, cfg *config.Config, opts ProcessOptions, actor string) error {
	built, err := o.buildDocument(ctx, sub, cfg, domain.DocGrounds, *sub.GeneratedText)
	if err != nil {
		return err
	}

	ts := o.now().UTC().Format(time.RFC3339)
	payload := domain.EmailPayload{
		To:      sub.CitizenEmail,
		From:    cfg.Sender.From,
		ReplyTo: cfg.Sender.ReplyTo,
		Subject: fmt.Sprintf("Your objection draft for %s", cfg.Project.Name),
		Text: fmt.Sprintf("Attached is your objection draft with instructions for submitting it yourself.\n\nYou can also edit it online: %s",
			built.doc.EditURL),
		Attachments: []domain.Attachment{
			{Filename: "draft.pdf", MimeType: "application/pdf", Content: built.pdf},
		},
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if opts.Redo {
		if err := o.Repo.SupersedeDocumentsTx(ctx, tx, sub.ID, ts); err != nil {
			return err
		}
	}
	if err := o.Repo.InsertDocumentTx(ctx, tx, built.doc); err != nil {
		return err
	}
	if err := ensureSubmissionTransition(sub.Pathway, sub.Status, domain.SubmissionDraftSent); err != nil {
		return err
	}
	sub.Status = domain.SubmissionDraftSent
	sub.UpdatedAt = ts
	if err := o.Repo.UpdateSubmissionTx(ctx, tx, *sub); err != nil {
		return err
	}
	if _, err := o.Queue.Enqueue(ctx, tx, domain.JobDraftPack, payload, queue.EnqueueOptions{
		SubmissionID: sub.ID,
		Priority:     priorityCitizen,
	}); err != nil {
		return err
	}
	if err := o.Progress.RecordEvent(ctx, tx, sub.ID, domain.StageDocumentGeneration, domain.EventCompleted, actor,
		map[string]any{"documents": 1}); err != nil {
		return err
	}
	if err := o.Progress.RecordEvent(ctx, tx, sub.ID, domain.StageDraftEmail, domain.EventQueued, actor, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	observability.SubmissionsProcessed.WithLabelValues(string(sub.Pathway), "draft_sent").Inc()
	return nil
}

// FinalizeAndSubmit closes the review loop after the citizen approved
// their document: re-validate the final text, refresh the PDF, enqueue the
// council email. The queue worker flips the submission to SUBMITTED once
// the send is confirmed. editedText, when non-empty, replaces the stored
// text before validation.
func (o *Orchestrator) FinalizeAndSubmit(ctx context.Context, submissionID, editedText, actor string) error {
	sub, err := o.Repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if sub.Pathway != domain.PathwayReview {
		return fault.Userf("submission %s is on the %s pathway, finalize applies to review only", sub.ID, sub.Pathway)
	}
	if sub.Status != domain.SubmissionAwaitingReview {
		return fault.Userf("submission %s is %s, expected %s", sub.ID, sub.Status, domain.SubmissionAwaitingReview)
	}
	cfg, err := o.Repo.GetProjectConfig(ctx, sub.ProjectID)
	if err != nil {
		return o.fail(ctx, &sub, domain.StageCitizenReview, fault.New(fault.System, "project.config", err), actor)
	}
	actor = actorOrSystem(actor)

	text := editedText
	if text == "" && sub.GeneratedText != nil {
		text = *sub.GeneratedText
	}
	clean, err := o.validateText(ctx, &sub, cfg, text, actor)
	if err != nil {
		return o.fail(ctx, &sub, domain.StageContentValidation, err, actor)
	}
	sub.GeneratedText = &clean

	doc, err := o.activeReviewDocument(ctx, sub.ID)
	if err != nil {
		return o.fail(ctx, &sub, domain.StageCitizenReview, err, actor)
	}
	pdf, err := resilience.Do(ctx, o.Executor, resilience.CallOptions{Operation: "docgen.export"}, func(ctx context.Context) ([]byte, error) {
		return o.Docs.ExportToPDF(ctx, doc.ExternalRef)
	})
	if err != nil {
		return o.fail(ctx, &sub, domain.StagePDFExport, fault.New(fault.Integration, "docgen.export", err), actor)
	}

	// The dry-run override applies to the direct pathway only; a reviewed
	// and approved submission always goes to the real council address.
	recipient := cfg.Council.Email
	if recipient == "" {
		return o.fail(ctx, &sub, domain.StageCouncilEmail,
			fault.Systemf("council.recipient", "project %s has no council address configured", sub.ProjectID), actor)
	}
	payload := domain.EmailPayload{
		To:      recipient,
		From:    cfg.Sender.From,
		ReplyTo: cfg.Sender.ReplyTo,
		Subject: councilSubject(cfg, &sub),
		Text:    councilBody(cfg, &sub),
		Attachments: []domain.Attachment{
			{Filename: "grounds.pdf", MimeType: "application/pdf", Content: pdf},
		},
	}

	ts := o.now().UTC().Format(time.RFC3339)
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.UpdateDocumentStatusTx(ctx, tx, doc.ID, domain.DocumentFinalized, ts); err != nil {
		return err
	}
	if err := o.Repo.SetDocumentReviewWindowTx(ctx, tx, doc.ID, nil, &ts, ts); err != nil {
		return err
	}
	sub.ReviewCompletedAt = &ts
	sub.UpdatedAt = ts
	if err := o.Repo.UpdateSubmissionTx(ctx, tx, sub); err != nil {
		return err
	}
	if _, err := o.Queue.Enqueue(ctx, tx, domain.JobCouncilSubmission, payload, queue.EnqueueOptions{
		SubmissionID: sub.ID,
		Priority:     priorityCouncil,
		MaxRetries:   cfg.Queue.MaxRetries,
	}); err != nil {
		return err
	}
	if err := o.Progress.RecordEvent(ctx, tx, sub.ID, domain.StageCitizenReview, domain.EventCompleted, actor, nil); err != nil {
		return err
	}
	if err := o.Progress.RecordEvent(ctx, tx, sub.ID, domain.StageCouncilEmail, domain.EventQueued, actor,
		map[string]any{"recipient": recipient}); err != nil {
		return err
	}
	return tx.Commit()
}

func (o *Orchestrator) activeReviewDocument(ctx context.Context, submissionID string) (domain.Document, error) {
	docs, err := o.Repo.ListDocuments(ctx, submissionID)
	if err != nil {
		return domain.Document{}, err
	}
	for _, d := range docs {
		if !d.Superseded {
			return d, nil
		}
	}
	return domain.Document{}, fault.Userf("submission %s has no active document to finalize", submissionID)
}

// SweepReminders enqueues one reminder per overdue review submission that
// has no reminder pending. Invoked by the operator CLI or a cron hitting
// the HTTP API; nothing schedules it internally.
func (o *Orchestrator) SweepReminders(ctx context.Context, actor string) (int, error) {
	overdue, err := o.Repo.FindOverdueReviews(ctx, o.now())
	if err != nil {
		return 0, err
	}
	actor = actorOrSystem(actor)
	enqueued := 0
	for _, sub := range overdue {
		pending, err := o.Repo.ListJobs(ctx, repo.JobFilters{
			SubmissionID: sub.ID,
			JobType:      string(domain.JobReminder),
			Status:       string(domain.JobPending),
		})
		if err != nil {
			return enqueued, err
		}
		if len(pending) > 0 {
			continue
		}
		cfg, err := o.Repo.GetProjectConfig(ctx, sub.ProjectID)
		if err != nil {
			o.logger().Error("reminder sweep: load config", "project_id", sub.ProjectID, "error", err.Error())
			continue
		}
		payload := domain.EmailPayload{
			To:      sub.CitizenEmail,
			From:    cfg.Sender.From,
			ReplyTo: cfg.Sender.ReplyTo,
			Subject: fmt.Sprintf("Your objection to %s is past its review deadline", cfg.Project.Name),
			Text:    "Your objection draft is still waiting for your approval and the review deadline has passed. Please approve it as soon as possible.",
		}
		if _, err := o.Queue.Enqueue(ctx, nil, domain.JobReminder, payload, queue.EnqueueOptions{
			SubmissionID: sub.ID,
			Priority:     priorityLow,
		}); err != nil {
			return enqueued, err
		}
		if err := o.Progress.RecordEvent(ctx, nil, sub.ID, domain.StageReminder, domain.EventQueued, actor, nil); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// fail parks the submission in ERROR, records the failure on the timeline
// and, for operator-grade faults, enqueues an admin notice. The original
// error is returned so callers surface it.
func (o *Orchestrator) fail(ctx context.Context, sub *domain.Submission, stage domain.Stage, cause error, actor string) error {
	actor = actorOrSystem(actor)
	ts := o.now().UTC().Format(time.RFC3339)
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		o.logger().Error("mark submission error", "submission_id", sub.ID, "error", err.Error())
		return cause
	}
	defer tx.Rollback()
	sub.Status = domain.SubmissionError
	sub.UpdatedAt = ts
	if err := o.Repo.UpdateSubmissionTx(ctx, tx, *sub); err != nil {
		o.logger().Error("mark submission error", "submission_id", sub.ID, "error", err.Error())
		return cause
	}
	if err := o.Progress.RecordEvent(ctx, tx, sub.ID, stage, domain.EventFailed, actor,
		map[string]any{"error": cause.Error(), "category": string(fault.CategoryOf(cause))}); err != nil {
		o.logger().Error("record failure event", "submission_id", sub.ID, "error", err.Error())
		return cause
	}
	if err := tx.Commit(); err != nil {
		o.logger().Error("mark submission error", "submission_id", sub.ID, "error", err.Error())
		return cause
	}
	observability.SubmissionsProcessed.WithLabelValues(string(sub.Pathway), "error").Inc()
	o.logger().Error("submission failed",
		"submission_id", sub.ID, "pathway", string(sub.Pathway), "stage", string(stage),
		"category", string(fault.CategoryOf(cause)), "error", cause.Error())

	if fault.NotifyAdmin(cause) {
		o.notifyAdmin(ctx, sub, stage, cause)
	}
	return cause
}

func (o *Orchestrator) notifyAdmin(ctx context.Context, sub *domain.Submission, stage domain.Stage, cause error) {
	cfg, err := o.Repo.GetProjectConfig(ctx, sub.ProjectID)
	if err != nil || cfg.Admin.NotifyEmail == "" {
		return
	}
	payload := domain.EmailPayload{
		To:      cfg.Admin.NotifyEmail,
		From:    cfg.Sender.From,
		Subject: fmt.Sprintf("[redress] submission %s failed at %s", sub.ID, stage),
		Text: fmt.Sprintf("Submission %s (project %s, pathway %s) failed at stage %s:\n\n%v\n\nManual intervention required.",
			sub.ID, sub.ProjectID, sub.Pathway, stage, cause),
	}
	if _, err := o.Queue.Enqueue(ctx, nil, domain.JobAdminNotice, payload, queue.EnqueueOptions{
		SubmissionID: sub.ID,
		Priority:     priorityLow,
	}); err != nil {
		o.logger().Error("enqueue admin notice", "submission_id", sub.ID, "error", err.Error())
	}
}

// ensureSubmissionTransition guards the per-pathway state machine. The
// SUBMITTED transition happens in the queue worker, not here.
func ensureSubmissionTransition(pathway domain.Pathway, oldStatus, newStatus domain.SubmissionStatus) error {
	if newStatus == domain.SubmissionError && !oldStatus.Terminal() {
		return nil
	}
	switch pathway {
	case domain.PathwayDirect:
		if oldStatus == domain.SubmissionProcessing && newStatus == domain.SubmissionSubmitted {
			return nil
		}
	case domain.PathwayReview:
		if oldStatus == domain.SubmissionProcessing && newStatus == domain.SubmissionAwaitingReview {
			return nil
		}
		if oldStatus == domain.SubmissionAwaitingReview && newStatus == domain.SubmissionSubmitted {
			return nil
		}
	case domain.PathwayDraft:
		if oldStatus == domain.SubmissionProcessing && newStatus == domain.SubmissionDraftSent {
			return nil
		}
	}
	return fmt.Errorf("invalid %s submission transition %s -> %s", pathway, oldStatus, newStatus)
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

func objectionPrompt(sub *domain.Submission, cfg *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft a formal objection to %s on behalf of %s.", cfg.Project.Name, citizenName(sub))
	if cfg.Council.Reference != "" {
		fmt.Fprintf(&b, " Council reference: %s.", cfg.Council.Reference)
	}
	fmt.Fprintf(&b, " Keep it under %d words, formal register, no links.", cfg.Validator.MaxWords)
	return b.String()
}

func councilSubject(cfg *config.Config, sub *domain.Submission) string {
	if cfg.Council.Reference != "" {
		return fmt.Sprintf("Objection to %s (%s)", cfg.Project.Name, cfg.Council.Reference)
	}
	return fmt.Sprintf("Objection to %s", cfg.Project.Name)
}

func councilBody(cfg *config.Config, sub *domain.Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dear Sir or Madam,\n\nPlease find attached a formal objection to %s", cfg.Project.Name)
	if cfg.Council.Reference != "" {
		fmt.Fprintf(&b, " (reference %s)", cfg.Council.Reference)
	}
	fmt.Fprintf(&b, ", submitted on behalf of %s.\n\nKind regards,\n%s", citizenName(sub), cfg.Project.Name)
	return b.String()
}

func citizenName(sub *domain.Submission) string {
	if sub.CitizenName != "" {
		return sub.CitizenName
	}
	return sub.CitizenEmail
}
