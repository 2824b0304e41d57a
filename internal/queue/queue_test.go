package queue_test

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"redress/internal/db"
	"redress/internal/domain"
	"redress/internal/events"
	"redress/internal/mail"
	"redress/internal/migrate"
	"redress/internal/queue"
	"redress/internal/repo"
	"redress/internal/resilience"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// scriptedMailer fails the first n sends, then succeeds. The failure
// message is deliberately non-transient so the resilience layer makes a
// single attempt and the job-level retry budget carries the test.
type scriptedMailer struct {
	failures int
	calls    int
	sent     []domain.EmailPayload
}

func (m *scriptedMailer) Send(_ context.Context, msg domain.EmailPayload) (mail.Receipt, error) {
	m.calls++
	if m.calls <= m.failures {
		return mail.Receipt{}, fmt.Errorf("recipient mailbox disabled")
	}
	m.sent = append(m.sent, msg)
	return mail.Receipt{MessageID: fmt.Sprintf("msg-%d", m.calls), Accepted: []string{msg.To}}, nil
}

type env struct {
	conn   *sql.DB
	repo   repo.Repo
	queue  *queue.Queue
	worker *queue.Worker
	mailer *scriptedMailer
	clock  *clock
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	reg := resilience.NewRegistry()
	reg.Now = c.Now
	exec := resilience.NewExecutor(reg)
	exec.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	exec.Rand = rand.New(rand.NewSource(1))
	q := queue.New(conn)
	q.Now = c.Now
	m := &scriptedMailer{}
	w := &queue.Worker{
		Queue:    q,
		Mailer:   m,
		Executor: exec,
		Events:   events.Writer{DB: conn, Now: c.Now},
		Config:   queue.WorkerConfig{BackoffBase: 5 * time.Minute},
	}
	return &env{conn: conn, repo: repo.Repo{DB: conn}, queue: q, worker: w, mailer: m, clock: c}
}

func (e *env) seedSubmission(t *testing.T, id string, pathway domain.Pathway) {
	t.Helper()
	ctx := context.Background()
	now := e.clock.Now().UTC().Format(time.RFC3339)
	if err := e.repo.InsertProject(ctx, domain.Project{ID: "proj-1", Name: "greenfield", Status: "active", CreatedAt: now}); err != nil && !strings.Contains(err.Error(), "UNIQUE") {
		t.Fatalf("insert project: %v", err)
	}
	sub := domain.Submission{
		ID:           id,
		ProjectID:    "proj-1",
		Pathway:      pathway,
		Status:       domain.SubmissionProcessing,
		CitizenEmail: "citizen@example.org",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.repo.InsertSubmission(ctx, sub); err != nil {
		t.Fatalf("insert submission: %v", err)
	}
}

func payloadTo(to string) domain.EmailPayload {
	return domain.EmailPayload{To: to, From: "noreply@example.org", Subject: "hello", Text: "body"}
}

func (e *env) drain(t *testing.T) int {
	t.Helper()
	n, err := e.worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return n
}

func TestEnqueuePersistsPendingJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job, err := e.queue.Enqueue(ctx, nil, domain.JobCouncilSubmission, payloadTo("council@example.gov"), queue.EnqueueOptions{Priority: 10})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := e.repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.MaxRetries != 3 {
		t.Fatalf("max retries = %d, want default 3", got.MaxRetries)
	}
	if got.Priority != 10 {
		t.Fatalf("priority = %d", got.Priority)
	}
	if got.ScheduledFor != e.clock.Now().UTC().Format(time.RFC3339) {
		t.Fatalf("scheduled_for = %s", got.ScheduledFor)
	}
	if got.Payload.To != "council@example.gov" {
		t.Fatalf("payload recipient = %s", got.Payload.To)
	}
}

func TestEnqueueRejectsMissingRecipient(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.queue.Enqueue(context.Background(), nil, domain.JobReminder, domain.EmailPayload{Subject: "x"}, queue.EnqueueOptions{})
	if err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestDrainSendsDueJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job, err := e.queue.Enqueue(ctx, nil, domain.JobReviewLink, payloadTo("citizen@example.org"), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n := e.drain(t); n != 1 {
		t.Fatalf("drained %d jobs, want 1", n)
	}
	got, err := e.repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.MessageID == nil || *got.MessageID == "" {
		t.Fatal("message id not recorded")
	}
	if got.SentAt == nil {
		t.Fatal("sent_at not recorded")
	}
	if len(e.mailer.sent) != 1 || e.mailer.sent[0].To != "citizen@example.org" {
		t.Fatalf("mailer saw %+v", e.mailer.sent)
	}
}

func TestDrainSkipsJobsScheduledInTheFuture(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, err := e.queue.Enqueue(ctx, nil, domain.JobReminder, payloadTo("citizen@example.org"),
		queue.EnqueueOptions{ScheduledFor: e.clock.Now().Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n := e.drain(t); n != 0 {
		t.Fatalf("drained %d jobs, want 0", n)
	}
	e.clock.Advance(3 * time.Hour)
	if n := e.drain(t); n != 1 {
		t.Fatalf("drained %d jobs after advance, want 1", n)
	}
}

func TestDrainOrdersByPriorityThenAge(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	enqueue := func(to string, priority int) {
		t.Helper()
		if _, err := e.queue.Enqueue(ctx, nil, domain.JobReminder, payloadTo(to), queue.EnqueueOptions{Priority: priority}); err != nil {
			t.Fatalf("enqueue %s: %v", to, err)
		}
		e.clock.Advance(time.Second)
	}
	enqueue("low-old@example.org", 0)
	enqueue("low-new@example.org", 0)
	enqueue("high@example.org", 10)
	if n := e.drain(t); n != 3 {
		t.Fatalf("drained %d jobs, want 3", n)
	}
	want := []string{"high@example.org", "low-old@example.org", "low-new@example.org"}
	for i, to := range want {
		if e.mailer.sent[i].To != to {
			t.Fatalf("send %d = %s, want %s", i, e.mailer.sent[i].To, to)
		}
	}
}

func TestDrainHonorsBatchSize(t *testing.T) {
	e := newTestEnv(t)
	e.worker.Config.BatchSize = 2
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := e.queue.Enqueue(ctx, nil, domain.JobReminder, payloadTo(fmt.Sprintf("c%d@example.org", i)), queue.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if n := e.drain(t); n != 2 {
		t.Fatalf("drained %d jobs, want batch of 2", n)
	}
	if n := e.drain(t); n != 2 {
		t.Fatalf("second drain %d jobs, want 2", n)
	}
	if n := e.drain(t); n != 1 {
		t.Fatalf("third drain %d jobs, want 1", n)
	}
}

func TestJobRetriesThenSucceedsWithinBudget(t *testing.T) {
	e := newTestEnv(t)
	e.mailer.failures = 3
	ctx := context.Background()
	job, err := e.queue.Enqueue(ctx, nil, domain.JobCouncilSubmission, payloadTo("council@example.gov"), queue.EnqueueOptions{MaxRetries: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Three failing drains, each rescheduling with 5m x 2^n backoff.
	for attempt := 0; attempt < 3; attempt++ {
		if n := e.drain(t); n != 1 {
			t.Fatalf("drain %d handled %d jobs, want 1", attempt, n)
		}
		got, err := e.repo.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status != domain.JobPending {
			t.Fatalf("after failure %d status = %s, want pending", attempt+1, got.Status)
		}
		if got.RetryCount != attempt+1 {
			t.Fatalf("after failure %d retry_count = %d", attempt+1, got.RetryCount)
		}
		backoff := 5 * time.Minute * time.Duration(1<<uint(attempt))
		e.clock.Advance(backoff + time.Minute)
	}

	if n := e.drain(t); n != 1 {
		t.Fatalf("final drain handled %d jobs, want 1", n)
	}
	got, err := e.repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3 preserved after success", got.RetryCount)
	}
	if len(got.ErrorLog) != 3 {
		t.Fatalf("error log has %d entries, want 3", len(got.ErrorLog))
	}
}

func TestJobDeadLettersWhenBudgetSpent(t *testing.T) {
	e := newTestEnv(t)
	e.mailer.failures = 100
	ctx := context.Background()
	job, err := e.queue.Enqueue(ctx, nil, domain.JobCouncilSubmission, payloadTo("council@example.gov"), queue.EnqueueOptions{MaxRetries: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		if n := e.drain(t); n != 1 {
			t.Fatalf("drain %d handled %d jobs, want 1", attempt, n)
		}
		e.clock.Advance(time.Hour)
	}
	got, err := e.repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want capped at max 2", got.RetryCount)
	}
	if len(got.ErrorLog) != 3 {
		t.Fatalf("error log has %d entries, want one per attempt", len(got.ErrorLog))
	}
	// Dead letters stay parked; nothing picks them up again.
	if n := e.drain(t); n != 0 {
		t.Fatalf("dead letter was claimed, drained %d", n)
	}
}

func TestRetryDeadReopensOnlyFailedJobs(t *testing.T) {
	e := newTestEnv(t)
	e.mailer.failures = 3
	ctx := context.Background()
	job, err := e.queue.Enqueue(ctx, nil, domain.JobDraftPack, payloadTo("citizen@example.org"), queue.EnqueueOptions{MaxRetries: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		e.drain(t)
		e.clock.Advance(time.Hour)
	}
	got, _ := e.repo.GetJob(ctx, job.ID)
	if got.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed before manual retry", got.Status)
	}

	if err := e.queue.RetryDead(ctx, job.ID); err != nil {
		t.Fatalf("retry dead: %v", err)
	}
	got, _ = e.repo.GetJob(ctx, job.ID)
	if got.Status != domain.JobPending || got.RetryCount != 0 {
		t.Fatalf("after reopen status=%s retry_count=%d, want pending with fresh budget", got.Status, got.RetryCount)
	}

	// Mailer scripted failures are spent, so the reopened job delivers.
	if n := e.drain(t); n != 1 {
		t.Fatalf("drained %d, want 1", n)
	}
	got, _ = e.repo.GetJob(ctx, job.ID)
	if got.Status != domain.JobSent {
		t.Fatalf("status = %s, want sent after reopen", got.Status)
	}

	if err := e.queue.RetryDead(ctx, job.ID); err == nil {
		t.Fatal("expected error retrying a sent job")
	}
}

func TestCouncilSendCompletesSubmission(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.seedSubmission(t, "sub-1", domain.PathwayDirect)

	ts := e.clock.Now().UTC().Format(time.RFC3339)
	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	doc := domain.Document{
		ID: "doc-1", SubmissionID: "sub-1", DocType: domain.DocGrounds,
		Status: domain.DocumentFinalized, LastModifiedAt: ts, CreatedAt: ts,
	}
	if err := e.repo.InsertDocumentTx(ctx, tx, doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	job, err := e.queue.Enqueue(ctx, nil, domain.JobCouncilSubmission, payloadTo("council@example.gov"),
		queue.EnqueueOptions{SubmissionID: "sub-1", Priority: 10})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n := e.drain(t); n != 1 {
		t.Fatalf("drained %d, want 1", n)
	}

	sub, err := e.repo.GetSubmission(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if sub.Status != domain.SubmissionSubmitted {
		t.Fatalf("submission status = %s, want SUBMITTED", sub.Status)
	}
	if sub.SubmittedToCouncilAt == nil {
		t.Fatal("submitted_to_council_at not stamped")
	}
	gotJob, _ := e.repo.GetJob(ctx, job.ID)
	if sub.ConfirmationID == nil || gotJob.MessageID == nil || *sub.ConfirmationID != *gotJob.MessageID {
		t.Fatalf("confirmation id %v does not match transport message id %v", sub.ConfirmationID, gotJob.MessageID)
	}

	docs, err := e.repo.ListDocuments(ctx, "sub-1")
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 1 || docs[0].Status != domain.DocumentSubmitted {
		t.Fatalf("documents = %+v, want single submitted doc", docs)
	}
}

func TestNonCouncilSendLeavesSubmissionAlone(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.seedSubmission(t, "sub-2", domain.PathwayReview)
	_, err := e.queue.Enqueue(ctx, nil, domain.JobReviewLink, payloadTo("citizen@example.org"),
		queue.EnqueueOptions{SubmissionID: "sub-2"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n := e.drain(t); n != 1 {
		t.Fatalf("drained %d, want 1", n)
	}
	sub, err := e.repo.GetSubmission(ctx, "sub-2")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if sub.Status != domain.SubmissionProcessing {
		t.Fatalf("submission status = %s, review link must not advance it", sub.Status)
	}
}

func TestJobFailureRecordsRetryEvent(t *testing.T) {
	e := newTestEnv(t)
	e.mailer.failures = 1
	ctx := context.Background()
	e.seedSubmission(t, "sub-3", domain.PathwayDirect)
	_, err := e.queue.Enqueue(ctx, nil, domain.JobCouncilSubmission, payloadTo("council@example.gov"),
		queue.EnqueueOptions{SubmissionID: "sub-3"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.drain(t)

	var stage, status string
	err = e.conn.QueryRowContext(ctx,
		`SELECT stage, status FROM progress_events WHERE submission_id=? ORDER BY id DESC LIMIT 1`, "sub-3").
		Scan(&stage, &status)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if stage != string(domain.StageRetry) || status != string(domain.EventPendingRetry) {
		t.Fatalf("last event = %s/%s, want retry pending_retry", stage, status)
	}
}

func TestStuckProcessingJobsAreRequeued(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job, err := e.queue.Enqueue(ctx, nil, domain.JobReminder, payloadTo("citizen@example.org"), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Simulate a worker that claimed the job and died mid-send.
	claimed := e.clock.Now().UTC().Format(time.RFC3339)
	if _, err := e.conn.ExecContext(ctx, `UPDATE delivery_jobs SET status=?, claimed_at=? WHERE id=?`,
		string(domain.JobProcessing), claimed, job.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	e.clock.Advance(time.Hour)
	if n := e.drain(t); n != 1 {
		t.Fatalf("drained %d, want requeued job delivered", n)
	}
	got, _ := e.repo.GetJob(ctx, job.ID)
	if got.Status != domain.JobSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

func TestFreshlyClaimedJobIsNotRequeued(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job, err := e.queue.Enqueue(ctx, nil, domain.JobReminder, payloadTo("citizen@example.org"), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// A job can sit pending long past its schedule before any drain runs.
	// Once another drain claims it, the claim is fresh even though the
	// schedule is old, and a concurrent drain must leave it alone.
	e.clock.Advance(2 * time.Hour)
	claimed, err := e.repo.ClaimDueJobs(ctx, e.clock.Now(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}
	if n := e.drain(t); n != 0 {
		t.Fatalf("drained %d, want in-flight job left alone", n)
	}
	got, _ := e.repo.GetJob(ctx, job.ID)
	if got.Status != domain.JobProcessing {
		t.Fatalf("status = %s, want still processing", got.Status)
	}
	if got.ClaimedAt == nil {
		t.Fatal("claimed_at not stamped on claim")
	}
}
