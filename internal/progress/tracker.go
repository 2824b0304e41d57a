// Package progress exposes the per-submission audit timeline and stale
// submission detection for operator dashboards.
package progress

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"redress/internal/domain"
	"redress/internal/events"
	"redress/internal/repo"
)

// Tracker reads and writes the append-only progress timeline. Timeline
// reads are cached with a short TTL; any write for a submission
// invalidates its cached timeline.
type Tracker struct {
	Repo   repo.Repo
	Writer events.Writer
	TTL    time.Duration
	Now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedTimeline
}

type cachedTimeline struct {
	events  []domain.ProgressEvent
	expires time.Time
}

func New(db *sql.DB) *Tracker {
	return &Tracker{
		Repo:   repo.Repo{DB: db},
		Writer: events.Writer{DB: db},
		TTL:    15 * time.Second,
		Now:    time.Now,
		cache:  map[string]cachedTimeline{},
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// RecordEvent appends one timeline entry and drops the submission's cached
// timeline. Pass tx to commit atomically with a state change.
func (t *Tracker) RecordEvent(ctx context.Context, tx *sql.Tx, submissionID string, stage domain.Stage, status domain.EventStatus, actor string, metadata map[string]any) error {
	if err := t.Writer.Append(ctx, tx, submissionID, stage, status, actor, metadata); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.cache, submissionID)
	t.mu.Unlock()
	return nil
}

// Timeline returns the submission's events in append order, serving from
// cache within the TTL.
func (t *Tracker) Timeline(ctx context.Context, submissionID string) ([]domain.ProgressEvent, error) {
	now := t.now()
	t.mu.Lock()
	if entry, ok := t.cache[submissionID]; ok && now.Before(entry.expires) {
		evs := entry.events
		t.mu.Unlock()
		return evs, nil
	}
	t.mu.Unlock()

	evs, err := t.Repo.ListProgressEvents(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	t.mu.Lock()
	t.cache[submissionID] = cachedTimeline{events: evs, expires: now.Add(ttl)}
	t.mu.Unlock()
	return evs, nil
}

// FindStale returns non-terminal submissions with no timeline activity for
// at least inactivityMinutes. Used for operator alerts only; nothing acts
// on the result automatically.
func (t *Tracker) FindStale(ctx context.Context, inactivityMinutes int) ([]domain.Submission, error) {
	if inactivityMinutes <= 0 {
		inactivityMinutes = 60
	}
	cutoff := t.now().Add(-time.Duration(inactivityMinutes) * time.Minute)
	return t.Repo.FindStaleSubmissions(ctx, cutoff)
}
