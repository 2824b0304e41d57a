package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"redress/internal/domain"
)

func scanProgressEvent(scan func(dest ...any) error) (domain.ProgressEvent, error) {
	var e domain.ProgressEvent
	var metadata sql.NullString
	err := scan(&e.ID, &e.SubmissionID, &e.Stage, &e.Status, &metadata, &e.Actor, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return e, nil
}

// ListProgressEvents returns a submission's timeline in append order.
func (r Repo) ListProgressEvents(ctx context.Context, submissionID string) ([]domain.ProgressEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,submission_id,stage,status,metadata_json,actor,created_at
FROM progress_events WHERE submission_id=? ORDER BY id ASC`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressEvent
	for rows.Next() {
		e, err := scanProgressEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// FindStaleSubmissions returns non-terminal submissions whose latest
// progress event is older than the cutoff. Submissions without any event
// fall back to their own updated_at.
func (r Repo) FindStaleSubmissions(ctx context.Context, cutoff time.Time) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionCols+` FROM submissions s
WHERE s.status IN (?,?)
  AND COALESCE(
        (SELECT MAX(pe.created_at) FROM progress_events pe WHERE pe.submission_id = s.id),
        s.updated_at
      ) < ?
ORDER BY s.updated_at ASC`,
		string(domain.SubmissionProcessing), string(domain.SubmissionAwaitingReview),
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}
