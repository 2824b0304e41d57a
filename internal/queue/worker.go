package queue

import (
	"context"
	"log/slog"
	"time"

	"redress/internal/domain"
	"redress/internal/events"
	"redress/internal/mail"
	"redress/internal/observability"
	"redress/internal/resilience"
)

// WorkerConfig tunes the drain loop.
type WorkerConfig struct {
	Interval    time.Duration // polling interval between drains
	BatchSize   int           // max jobs claimed per drain
	BackoffBase time.Duration // job-level backoff unit; delay = 2^retry_count × base
	StuckAfter  time.Duration // processing jobs older than this are requeued
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:    30 * time.Second,
		BatchSize:   10,
		BackoffBase: 5 * time.Minute,
		StuckAfter:  30 * time.Minute,
	}
}

// Worker drains the queue through the resilience layer to the transport.
type Worker struct {
	Queue    *Queue
	Mailer   mail.Mailer
	Executor *resilience.Executor
	Events   events.Writer
	Config   WorkerConfig
	Logger   *slog.Logger
}

func (w *Worker) config() WorkerConfig {
	cfg := w.Config
	def := DefaultWorkerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	return cfg
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run drains on a fixed interval until ctx is canceled. The trigger is
// deliberately separate from Drain so a cron or a single-shot CLI call
// keeps the same claim→send→resolve contract.
func (w *Worker) Run(ctx context.Context) {
	cfg := w.config()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	w.logger().Info("delivery worker started", "interval", cfg.Interval.String(), "batch", cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			w.logger().Info("delivery worker stopping", "reason", ctx.Err().Error())
			return
		case <-ticker.C:
			if _, err := w.Drain(ctx); err != nil {
				w.logger().Error("drain failed", "error", err.Error())
			}
		}
	}
}

// Drain claims due jobs and resolves each: sent, rescheduled with backoff,
// or dead-lettered once the retry budget is spent. Returns the number of
// jobs handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	cfg := w.config()
	start := w.Queue.now()
	defer func() {
		observability.DrainDuration.Observe(w.Queue.now().Sub(start).Seconds())
	}()

	if n, err := w.Queue.Repo.RequeueStuckJobs(ctx, start.Add(-cfg.StuckAfter)); err != nil {
		w.logger().Error("requeue stuck jobs", "error", err.Error())
	} else if n > 0 {
		w.logger().Warn("requeued stuck jobs, duplicates possible", "count", n)
	}

	jobs, err := w.Queue.Repo.ClaimDueJobs(ctx, start, cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		w.resolve(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) resolve(ctx context.Context, job domain.DeliveryJob) {
	receipt, err := resilience.Do(ctx, w.Executor, resilience.CallOptions{Operation: "mail.send"},
		func(ctx context.Context) (mail.Receipt, error) {
			return w.Mailer.Send(ctx, job.Payload)
		})
	now := w.Queue.now()
	if err == nil {
		if markErr := w.Queue.Repo.MarkJobSent(ctx, job.ID, receipt.MessageID, now); markErr != nil {
			w.logger().Error("mark job sent", "job_id", job.ID, "error", markErr.Error())
			return
		}
		if job.JobType == domain.JobCouncilSubmission {
			if subErr := w.completeSubmission(ctx, job, receipt.MessageID, now); subErr != nil {
				w.logger().Error("complete submission", "job_id", job.ID, "error", subErr.Error())
			}
		}
		observability.JobsResolved.WithLabelValues(string(job.JobType), "sent").Inc()
		w.recordJobEvent(ctx, job, domain.EventCompleted, map[string]any{"message_id": receipt.MessageID})
		return
	}

	if job.RetryCount < job.MaxRetries {
		delay := jobBackoff(job.RetryCount, w.config().BackoffBase)
		if markErr := w.Queue.Repo.MarkJobRetry(ctx, job, err.Error(), now.Add(delay)); markErr != nil {
			w.logger().Error("mark job retry", "job_id", job.ID, "error", markErr.Error())
			return
		}
		observability.JobsResolved.WithLabelValues(string(job.JobType), "retried").Inc()
		w.logger().Warn("send failed, rescheduled", "job_id", job.ID, "job_type", string(job.JobType),
			"retry_count", job.RetryCount+1, "next_attempt_in", delay.String(), "error", err.Error())
		w.recordJobEvent(ctx, job, domain.EventPendingRetry, map[string]any{
			"retry_count": job.RetryCount + 1,
			"delay":       delay.String(),
			"error":       err.Error(),
		})
		return
	}

	if markErr := w.Queue.Repo.MarkJobDead(ctx, job, err.Error()); markErr != nil {
		w.logger().Error("mark job dead", "job_id", job.ID, "error", markErr.Error())
		return
	}
	observability.JobsResolved.WithLabelValues(string(job.JobType), "dead").Inc()
	w.logger().Error("job dead-lettered, manual resolution required", "job_id", job.ID,
		"job_type", string(job.JobType), "retry_count", job.RetryCount, "error", err.Error())
	w.recordJobEvent(ctx, job, domain.EventFailed, map[string]any{
		"dead_letter": true,
		"error":       err.Error(),
	})
}

// completeSubmission closes out a direct or finalized review submission
// once its council mail left the building: SUBMITTED, stamped with the
// transport's confirmation, documents marked submitted.
func (w *Worker) completeSubmission(ctx context.Context, job domain.DeliveryJob, messageID string, now time.Time) error {
	if job.SubmissionID == nil {
		return nil
	}
	tx, err := w.Queue.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	sub, err := w.Queue.Repo.GetSubmissionTx(ctx, tx, *job.SubmissionID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() {
		return nil
	}
	ts := now.UTC().Format(time.RFC3339)
	sub.Status = domain.SubmissionSubmitted
	sub.SubmittedToCouncilAt = &ts
	if messageID != "" {
		sub.ConfirmationID = &messageID
	}
	sub.UpdatedAt = ts
	if err := w.Queue.Repo.UpdateSubmissionTx(ctx, tx, sub); err != nil {
		return err
	}
	docs, err := w.Queue.Repo.ListDocuments(ctx, sub.ID)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if d.Superseded || d.Status == domain.DocumentSubmitted {
			continue
		}
		if err := w.Queue.Repo.UpdateDocumentStatusTx(ctx, tx, d.ID, domain.DocumentSubmitted, ts); err != nil {
			return err
		}
	}
	observability.SubmissionsProcessed.WithLabelValues(string(sub.Pathway), "submitted").Inc()
	return tx.Commit()
}

func (w *Worker) recordJobEvent(ctx context.Context, job domain.DeliveryJob, status domain.EventStatus, metadata map[string]any) {
	if job.SubmissionID == nil {
		return
	}
	stage := stageForJob(job.JobType, status)
	metadata["job_id"] = job.ID
	metadata["job_type"] = string(job.JobType)
	if err := w.Events.Append(ctx, nil, *job.SubmissionID, stage, status, "delivery-worker", metadata); err != nil {
		w.logger().Error("record job event", "job_id", job.ID, "error", err.Error())
	}
}

func stageForJob(jobType domain.JobType, status domain.EventStatus) domain.Stage {
	if status == domain.EventPendingRetry {
		return domain.StageRetry
	}
	switch jobType {
	case domain.JobCouncilSubmission:
		return domain.StageCouncilEmail
	case domain.JobReviewLink:
		return domain.StageReviewEmail
	case domain.JobDraftPack:
		return domain.StageDraftEmail
	case domain.JobReminder:
		return domain.StageReminder
	default:
		return domain.StageCouncilEmail
	}
}

// jobBackoff is the coarse job-level schedule: 2^retryCount × base. The
// call-level backoff inside the resilience layer is independent of this.
func jobBackoff(retryCount int, base time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 16 {
		retryCount = 16
	}
	return base * time.Duration(1<<uint(retryCount))
}
