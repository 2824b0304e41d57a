package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"redress/internal/domain"
)

// Writer appends progress events inside the caller's transaction so the
// timeline entry commits or rolls back with the state change it records.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes one timeline entry. Pass the open tx when recording
// alongside a state change, or nil to append standalone.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, submissionID string, stage domain.Stage, status domain.EventStatus, actor string, metadata map[string]any) error {
	ts := w.now().UTC().Format(time.RFC3339)
	if metadata == nil {
		metadata = map[string]any{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	var ex execer = w.DB
	if tx != nil {
		ex = tx
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO progress_events(submission_id,stage,status,metadata_json,actor,created_at) VALUES (?,?,?,?,?,?)`,
		submissionID, string(stage), string(status), string(data), actor, ts)
	return err
}
