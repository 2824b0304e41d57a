package progress_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"redress/internal/db"
	"redress/internal/domain"
	"redress/internal/events"
	"redress/internal/migrate"
	"redress/internal/progress"
	"redress/internal/repo"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(t *testing.T) (*progress.Tracker, repo.Repo, *clock, *sql.DB) {
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
	tr := progress.New(conn)
	tr.Now = c.Now
	tr.Writer = events.Writer{DB: conn, Now: c.Now}
	return tr, repo.Repo{DB: conn}, c, conn
}

func seedSubmission(t *testing.T, r repo.Repo, c *clock, id string, status domain.SubmissionStatus) {
	t.Helper()
	ctx := context.Background()
	now := c.Now().UTC().Format(time.RFC3339)
	_ = r.InsertProject(ctx, domain.Project{ID: "proj-1", Name: "greenfield", Status: "active", CreatedAt: now})
	sub := domain.Submission{
		ID:           id,
		ProjectID:    "proj-1",
		Pathway:      domain.PathwayDirect,
		Status:       status,
		CitizenEmail: "citizen@example.org",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.InsertSubmission(ctx, sub); err != nil {
		t.Fatalf("insert submission: %v", err)
	}
}

func TestTimelineAppendsInOrder(t *testing.T) {
	tr, r, c, _ := newTestTracker(t)
	ctx := context.Background()
	seedSubmission(t, r, c, "sub-1", domain.SubmissionProcessing)

	stages := []domain.Stage{domain.StageSubmissionCreated, domain.StageTextGeneration, domain.StageContentValidation}
	for _, stage := range stages {
		if err := tr.RecordEvent(ctx, nil, "sub-1", stage, domain.EventCompleted, "tester", nil); err != nil {
			t.Fatalf("record %s: %v", stage, err)
		}
		c.Advance(time.Second)
	}

	evs, err := tr.Timeline(ctx, "sub-1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3", len(evs))
	}
	for i, stage := range stages {
		if evs[i].Stage != stage {
			t.Fatalf("event %d stage = %s, want %s", i, evs[i].Stage, stage)
		}
	}
}

func TestTimelineServesFromCacheWithinTTL(t *testing.T) {
	tr, r, c, conn := newTestTracker(t)
	ctx := context.Background()
	seedSubmission(t, r, c, "sub-1", domain.SubmissionProcessing)
	if err := tr.RecordEvent(ctx, nil, "sub-1", domain.StageSubmissionCreated, domain.EventCompleted, "tester", nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := tr.Timeline(ctx, "sub-1"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	// A write that bypasses the tracker is invisible while the cached
	// timeline is fresh.
	w := events.Writer{DB: conn, Now: c.Now}
	if err := w.Append(ctx, nil, "sub-1", domain.StageTextGeneration, domain.EventCompleted, "tester", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	evs, err := tr.Timeline(ctx, "sub-1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events from cache, want stale 1", len(evs))
	}

	c.Advance(tr.TTL + time.Second)
	evs, err = tr.Timeline(ctx, "sub-1")
	if err != nil {
		t.Fatalf("timeline after expiry: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events after TTL expiry, want 2", len(evs))
	}
}

func TestRecordEventInvalidatesCache(t *testing.T) {
	tr, r, c, _ := newTestTracker(t)
	ctx := context.Background()
	seedSubmission(t, r, c, "sub-1", domain.SubmissionProcessing)
	if err := tr.RecordEvent(ctx, nil, "sub-1", domain.StageSubmissionCreated, domain.EventCompleted, "tester", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := tr.Timeline(ctx, "sub-1"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	if err := tr.RecordEvent(ctx, nil, "sub-1", domain.StageTextGeneration, domain.EventInProgress, "tester", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	evs, err := tr.Timeline(ctx, "sub-1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events right after a tracked write, want 2", len(evs))
	}
}

func TestTimelineCarriesMetadata(t *testing.T) {
	tr, r, c, _ := newTestTracker(t)
	ctx := context.Background()
	seedSubmission(t, r, c, "sub-1", domain.SubmissionProcessing)
	if err := tr.RecordEvent(ctx, nil, "sub-1", domain.StageTextGeneration, domain.EventCompleted, "tester",
		map[string]any{"served_by": "primary"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	evs, err := tr.Timeline(ctx, "sub-1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if evs[0].Metadata["served_by"] != "primary" {
		t.Fatalf("metadata = %+v", evs[0].Metadata)
	}
	if evs[0].Actor != "tester" {
		t.Fatalf("actor = %s", evs[0].Actor)
	}
}

func TestFindStaleSkipsTerminalAndActive(t *testing.T) {
	tr, r, c, _ := newTestTracker(t)
	ctx := context.Background()

	seedSubmission(t, r, c, "stale-processing", domain.SubmissionProcessing)
	seedSubmission(t, r, c, "stale-review", domain.SubmissionAwaitingReview)
	seedSubmission(t, r, c, "done", domain.SubmissionSubmitted)
	seedSubmission(t, r, c, "failed", domain.SubmissionError)

	c.Advance(2 * time.Hour)
	seedSubmission(t, r, c, "fresh", domain.SubmissionProcessing)

	stale, err := tr.FindStale(ctx, 60)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	got := map[string]bool{}
	for _, s := range stale {
		got[s.ID] = true
	}
	if len(got) != 2 || !got["stale-processing"] || !got["stale-review"] {
		t.Fatalf("stale = %v, want the two inactive non-terminal submissions", got)
	}
}

func TestFindStaleUsesLatestEvent(t *testing.T) {
	tr, r, c, _ := newTestTracker(t)
	ctx := context.Background()
	seedSubmission(t, r, c, "sub-1", domain.SubmissionProcessing)

	c.Advance(90 * time.Minute)
	if err := tr.RecordEvent(ctx, nil, "sub-1", domain.StageTextGeneration, domain.EventInProgress, "tester", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	c.Advance(30 * time.Minute)

	// Created two hours ago, but its latest event is half an hour old.
	stale, err := tr.FindStale(ctx, 60)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("stale = %+v, recent activity should keep it out", stale)
	}
}
