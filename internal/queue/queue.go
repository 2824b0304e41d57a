// Package queue persists outbound email as delivery jobs and drains them
// to the mail transport, surviving restarts and upstream outages.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"redress/internal/domain"
	"redress/internal/observability"
	"redress/internal/repo"
)

// EnqueueOptions tune one job. Zero values take the queue defaults.
type EnqueueOptions struct {
	SubmissionID string
	Priority     int
	MaxRetries   int
	ScheduledFor time.Time
}

// Queue owns the delivery_jobs table.
type Queue struct {
	DB         *sql.DB
	Repo       repo.Repo
	MaxRetries int
	Now        func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		MaxRetries: 3,
		Now:        time.Now,
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue persists a pending job. When tx is non-nil the insert joins the
// caller's transaction so a submission state change and its outbound mail
// commit together.
func (q *Queue) Enqueue(ctx context.Context, tx *sql.Tx, jobType domain.JobType, payload domain.EmailPayload, opts EnqueueOptions) (domain.DeliveryJob, error) {
	if payload.To == "" {
		return domain.DeliveryJob{}, fmt.Errorf("enqueue %s: recipient required", jobType)
	}
	now := q.now().UTC()
	scheduled := opts.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.MaxRetries
	}
	job := domain.DeliveryJob{
		ID:           uuid.New().String(),
		JobType:      jobType,
		Priority:     opts.Priority,
		ScheduledFor: scheduled.UTC().Format(time.RFC3339),
		MaxRetries:   maxRetries,
		Status:       domain.JobPending,
		Payload:      payload,
		CreatedAt:    now.Format(time.RFC3339),
	}
	if opts.SubmissionID != "" {
		id := opts.SubmissionID
		job.SubmissionID = &id
	}
	var err error
	if tx != nil {
		err = q.Repo.InsertJobTx(ctx, tx, job)
	} else {
		ownTx, txErr := q.DB.BeginTx(ctx, nil)
		if txErr != nil {
			return domain.DeliveryJob{}, txErr
		}
		defer ownTx.Rollback()
		if err = q.Repo.InsertJobTx(ctx, ownTx, job); err == nil {
			err = ownTx.Commit()
		}
	}
	if err != nil {
		return domain.DeliveryJob{}, err
	}
	observability.JobsEnqueued.WithLabelValues(string(jobType)).Inc()
	return job, nil
}

// RetryDead reopens a dead-lettered job with a fresh retry budget. This is
// the operator's manual path; nothing reopens dead letters automatically.
func (q *Queue) RetryDead(ctx context.Context, jobID string) error {
	job, err := q.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be retried", jobID, job.Status)
	}
	return q.Repo.ReopenDeadJob(ctx, jobID, q.now())
}
