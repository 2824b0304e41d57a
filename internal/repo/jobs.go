package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"redress/internal/domain"
)

const jobCols = `id,submission_id,job_type,priority,scheduled_for,retry_count,max_retries,status,payload_json,error_log,message_id,created_at,claimed_at,sent_at`

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.DeliveryJob) error {
	payload, err := marshalJSON(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	errorLog, err := marshalErrorLog(j.ErrorLog)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO delivery_jobs(`+jobCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, nullableStringPtr(j.SubmissionID), string(j.JobType), j.Priority, j.ScheduledFor,
		j.RetryCount, j.MaxRetries, string(j.Status), payload, errorLog,
		nullableStringPtr(j.MessageID), j.CreatedAt, nullableStringPtr(j.ClaimedAt), nullableStringPtr(j.SentAt))
	return err
}

func scanJob(scan func(dest ...any) error) (domain.DeliveryJob, error) {
	var j domain.DeliveryJob
	var submissionID, errorLog, messageID, claimedAt, sentAt sql.NullString
	var payload string
	err := scan(&j.ID, &submissionID, &j.JobType, &j.Priority, &j.ScheduledFor,
		&j.RetryCount, &j.MaxRetries, &j.Status, &payload, &errorLog, &messageID, &j.CreatedAt, &claimedAt, &sentAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.SubmissionID = stringPtrOf(submissionID)
	j.MessageID = stringPtrOf(messageID)
	j.ClaimedAt = stringPtrOf(claimedAt)
	j.SentAt = stringPtrOf(sentAt)
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return j, fmt.Errorf("unmarshal job payload: %w", err)
	}
	if errorLog.Valid && errorLog.String != "" {
		if err := json.Unmarshal([]byte(errorLog.String), &j.ErrorLog); err != nil {
			return j, fmt.Errorf("unmarshal job error log: %w", err)
		}
	}
	return j, nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.DeliveryJob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM delivery_jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

type JobFilters struct {
	Status       string
	JobType      string
	SubmissionID string
	Limit        int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.DeliveryJob, error) {
	query := `SELECT ` + jobCols + ` FROM delivery_jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.JobType != "" {
		query += ` AND job_type=?`
		args = append(args, f.JobType)
	}
	if f.SubmissionID != "" {
		query += ` AND submission_id=?`
		args = append(args, f.SubmissionID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, nil
}

// ClaimDueJobs selects up to limit pending jobs whose scheduled_for has
// passed, ordered by priority descending then FIFO, and flips them to
// processing before returning. Select and update share one transaction so
// concurrent drains cannot claim the same job twice.
func (r Repo) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryJob, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+jobCols+` FROM delivery_jobs
WHERE status=? AND scheduled_for <= ?
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT ?`, string(domain.JobPending), now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	var claimed []domain.DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimStamp := now.UTC().Format(time.RFC3339)
	for i := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE delivery_jobs SET status=?, claimed_at=? WHERE id=?`,
			string(domain.JobProcessing), claimStamp, claimed[i].ID); err != nil {
			return nil, err
		}
		claimed[i].Status = domain.JobProcessing
		claimed[i].ClaimedAt = &claimStamp
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r Repo) MarkJobSent(ctx context.Context, id, messageID string, sentAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE delivery_jobs SET status=?, message_id=?, sent_at=? WHERE id=?`,
		string(domain.JobSent), nullable(messageID), sentAt.UTC().Format(time.RFC3339), id)
	return err
}

// MarkJobRetry reschedules a failed attempt: bump retry_count, push
// scheduled_for out, append to the error log, and return to pending.
func (r Repo) MarkJobRetry(ctx context.Context, j domain.DeliveryJob, sendErr string, nextAttempt time.Time) error {
	errorLog, err := marshalErrorLog(append(j.ErrorLog, sendErr))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE delivery_jobs SET status=?, retry_count=?, scheduled_for=?, error_log=?, claimed_at=NULL WHERE id=?`,
		string(domain.JobPending), j.RetryCount+1, nextAttempt.UTC().Format(time.RFC3339), errorLog, j.ID)
	return err
}

// MarkJobDead parks the job as a dead letter for manual resolution.
func (r Repo) MarkJobDead(ctx context.Context, j domain.DeliveryJob, sendErr string) error {
	errorLog, err := marshalErrorLog(append(j.ErrorLog, sendErr))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE delivery_jobs SET status=?, error_log=? WHERE id=?`,
		string(domain.JobFailed), errorLog, j.ID)
	return err
}

// ReopenDeadJob gives a dead letter a fresh retry budget. Only failed jobs
// can be reopened.
func (r Repo) ReopenDeadJob(ctx context.Context, id string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE delivery_jobs SET status=?, retry_count=0, scheduled_for=?, claimed_at=NULL WHERE id=? AND status=?`,
		string(domain.JobPending), now.UTC().Format(time.RFC3339), id, string(domain.JobFailed))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStuckJobs returns jobs claimed before the cutoff but never resolved
// to pending. Crash recovery: a claim without a resolution means the worker
// died mid-send, so the job may be delivered twice. The cut is against
// claimed_at, not scheduled_for, so a job another drain claimed moments ago
// is left alone no matter how old its schedule is.
func (r Repo) RequeueStuckJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE delivery_jobs SET status=?, claimed_at=NULL WHERE status=? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(domain.JobPending), string(domain.JobProcessing), cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func marshalErrorLog(log []string) (any, error) {
	if len(log) == 0 {
		return nil, nil
	}
	s, err := marshalJSON(log)
	if err != nil {
		return nil, fmt.Errorf("marshal job error log: %w", err)
	}
	return s, nil
}
