package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"redress/internal/config"
	"redress/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,status,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// SingleProject returns the only project, or an error when there are
// zero or several.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) != 1 {
		return domain.Project{}, fmt.Errorf("expected exactly one project, found %d", len(projects))
	}
	return projects[0], nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return cfg, nil
}

// --- submissions ---

const submissionCols = `id,project_id,pathway,status,citizen_email,citizen_name,generated_text,served_by_provider,review_started_at,review_completed_at,review_deadline,submitted_to_council_at,confirmation_id,created_at,updated_at`

func (r Repo) InsertSubmission(ctx context.Context, s domain.Submission) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO submissions(`+submissionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, string(s.Pathway), string(s.Status), s.CitizenEmail, nullable(s.CitizenName),
		nullableStringPtr(s.GeneratedText), nullableStringPtr(s.ServedByProvider),
		nullableStringPtr(s.ReviewStartedAt), nullableStringPtr(s.ReviewCompletedAt), nullableStringPtr(s.ReviewDeadline),
		nullableStringPtr(s.SubmittedToCouncilAt), nullableStringPtr(s.ConfirmationID), s.CreatedAt, s.UpdatedAt)
	return err
}

func scanSubmission(scan func(dest ...any) error) (domain.Submission, error) {
	var s domain.Submission
	var citizenName, generatedText, provider, reviewStarted, reviewCompleted, reviewDeadline, submittedAt, confirmation sql.NullString
	err := scan(&s.ID, &s.ProjectID, &s.Pathway, &s.Status, &s.CitizenEmail, &citizenName,
		&generatedText, &provider, &reviewStarted, &reviewCompleted, &reviewDeadline,
		&submittedAt, &confirmation, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if citizenName.Valid {
		s.CitizenName = citizenName.String
	}
	s.GeneratedText = stringPtrOf(generatedText)
	s.ServedByProvider = stringPtrOf(provider)
	s.ReviewStartedAt = stringPtrOf(reviewStarted)
	s.ReviewCompletedAt = stringPtrOf(reviewCompleted)
	s.ReviewDeadline = stringPtrOf(reviewDeadline)
	s.SubmittedToCouncilAt = stringPtrOf(submittedAt)
	s.ConfirmationID = stringPtrOf(confirmation)
	return s, nil
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

func (r Repo) UpdateSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET status=?, generated_text=?, served_by_provider=?, review_started_at=?, review_completed_at=?, review_deadline=?, submitted_to_council_at=?, confirmation_id=?, updated_at=? WHERE id=?`,
		string(s.Status), nullableStringPtr(s.GeneratedText), nullableStringPtr(s.ServedByProvider),
		nullableStringPtr(s.ReviewStartedAt), nullableStringPtr(s.ReviewCompletedAt), nullableStringPtr(s.ReviewDeadline),
		nullableStringPtr(s.SubmittedToCouncilAt), nullableStringPtr(s.ConfirmationID), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type SubmissionFilters struct {
	ProjectID string
	Status    string
	Pathway   string
	Limit     int
}

func (r Repo) ListSubmissions(ctx context.Context, f SubmissionFilters) ([]domain.Submission, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Pathway != "" {
		clauses = append(clauses, "pathway=?")
		args = append(args, f.Pathway)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + submissionCols + ` FROM submissions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
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

// FindOverdueReviews returns review-pathway submissions still awaiting the
// citizen past their deadline.
func (r Repo) FindOverdueReviews(ctx context.Context, now time.Time) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionCols+` FROM submissions
WHERE status=? AND review_deadline IS NOT NULL AND review_deadline <= ?
ORDER BY review_deadline ASC`, string(domain.SubmissionAwaitingReview), now.UTC().Format(time.RFC3339))
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

// --- documents ---

const documentCols = `id,submission_id,doc_type,status,external_ref,edit_url,view_url,pdf_url,superseded,review_started_at,review_completed_at,last_modified_at,created_at`

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(`+documentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.SubmissionID, string(d.DocType), string(d.Status), nullable(d.ExternalRef),
		nullable(d.EditURL), nullable(d.ViewURL), nullable(d.PDFURL), d.Superseded,
		nullableStringPtr(d.ReviewStartedAt), nullableStringPtr(d.ReviewCompletedAt), d.LastModifiedAt, d.CreatedAt)
	return err
}

func scanDocument(scan func(dest ...any) error) (domain.Document, error) {
	var d domain.Document
	var externalRef, editURL, viewURL, pdfURL, reviewStarted, reviewCompleted sql.NullString
	err := scan(&d.ID, &d.SubmissionID, &d.DocType, &d.Status, &externalRef, &editURL, &viewURL, &pdfURL,
		&d.Superseded, &reviewStarted, &reviewCompleted, &d.LastModifiedAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if externalRef.Valid {
		d.ExternalRef = externalRef.String
	}
	if editURL.Valid {
		d.EditURL = editURL.String
	}
	if viewURL.Valid {
		d.ViewURL = viewURL.String
	}
	if pdfURL.Valid {
		d.PDFURL = pdfURL.String
	}
	d.ReviewStartedAt = stringPtrOf(reviewStarted)
	d.ReviewCompletedAt = stringPtrOf(reviewCompleted)
	return d, nil
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

// ListDocuments returns a submission's documents, current generation first.
func (r Repo) ListDocuments(ctx context.Context, submissionID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+documentCols+` FROM documents WHERE submission_id=? ORDER BY superseded ASC, created_at ASC`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

// CountActiveDocuments counts non-superseded documents for a submission.
func (r Repo) CountActiveDocuments(ctx context.Context, submissionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE submission_id=? AND superseded=0`, submissionID).Scan(&n)
	return n, err
}

func (r Repo) SupersedeDocumentsTx(ctx context.Context, tx *sql.Tx, submissionID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE documents SET superseded=1, last_modified_at=? WHERE submission_id=? AND superseded=0`, now, submissionID)
	return err
}

func (r Repo) UpdateDocumentStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.DocumentStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET status=?, last_modified_at=? WHERE id=?`, string(status), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetDocumentReviewWindowTx(ctx context.Context, tx *sql.Tx, id string, startedAt, completedAt *string, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE documents SET review_started_at=COALESCE(?,review_started_at), review_completed_at=COALESCE(?,review_completed_at), last_modified_at=? WHERE id=?`,
		nullableStringPtr(startedAt), nullableStringPtr(completedAt), now, id)
	return err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtrOf(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
