// Package resilience wraps external calls with bounded retry and
// per-operation circuit breakers so one flaky dependency cannot cascade.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"redress/internal/observability"
)

// State is the breaker position for one named operation.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// BreakerConfig tunes one breaker. Zero fields take defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening; default 5
	SuccessThreshold int           // half-open successes before closing; default 2
	Timeout          time.Duration // how long the circuit stays open; default 60s
	MonitoringPeriod time.Duration // failure-window reset horizon; default 5m
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = 5 * time.Minute
	}
	return c
}

// OpenError is returned when the breaker rejects a call without invoking
// the operation.
type OpenError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s unavailable, retry after %s", e.Operation, e.RetryAfter.Round(time.Second))
}

// Snapshot is a read-only view of breaker state, for operator endpoints.
type Snapshot struct {
	Operation       string    `json:"operation"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
}

type breaker struct {
	cfg             BreakerConfig
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// Registry holds one breaker per external operation name. It is owned by
// the composition root and shared by reference; state lives only in
// process memory and rebuilds to CLOSED on restart.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	Now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{breakers: map[string]*breaker{}, Now: time.Now}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Registry) get(operation string, cfg BreakerConfig) *breaker {
	b, ok := r.breakers[operation]
	if !ok {
		b = &breaker{cfg: cfg.withDefaults(), state: Closed}
		r.breakers[operation] = b
	}
	return b
}

// allow decides whether a call may proceed. While OPEN, calls are rejected
// until the timeout elapses, at which point a single trial is let through
// in HALF_OPEN.
func (r *Registry) allow(operation string, cfg BreakerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(operation, cfg)
	now := r.now()
	switch b.state {
	case Open:
		if now.Before(b.nextAttemptTime) {
			return &OpenError{Operation: operation, RetryAfter: b.nextAttemptTime.Sub(now)}
		}
		b.state = HalfOpen
		b.successCount = 0
		publishState(operation, b.state)
		return nil
	default:
		return nil
	}
}

// publishState mirrors the breaker position onto the operator gauge.
// Callers hold the registry lock.
func publishState(operation string, s State) {
	v := 0.0
	if s == Open {
		v = 1
	}
	observability.BreakerOpen.WithLabelValues(operation).Set(v)
}

// recordSuccess feeds a successful call back into the breaker.
func (r *Registry) recordSuccess(operation string, cfg BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(operation, cfg)
	now := r.now()
	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			publishState(operation, b.state)
		}
	case Closed:
		if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.cfg.MonitoringPeriod {
			b.failureCount = 0
		}
	}
}

// recordFailure feeds a failed call back into the breaker.
func (r *Registry) recordFailure(operation string, cfg BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(operation, cfg)
	now := r.now()
	switch b.state {
	case HalfOpen:
		// one failure during the trial period reopens immediately
		b.state = Open
		b.nextAttemptTime = now.Add(b.cfg.Timeout)
		b.lastFailureTime = now
		publishState(operation, b.state)
	case Closed:
		if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.cfg.MonitoringPeriod {
			b.failureCount = 0
		}
		b.failureCount++
		b.lastFailureTime = now
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
			b.nextAttemptTime = now.Add(b.cfg.Timeout)
			publishState(operation, b.state)
		}
	case Open:
		b.lastFailureTime = now
	}
}

// Snapshots lists all breakers, for the operator API and CLI.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for name, b := range r.breakers {
		out = append(out, Snapshot{
			Operation:       name,
			State:           b.state,
			FailureCount:    b.failureCount,
			SuccessCount:    b.successCount,
			LastFailureTime: b.lastFailureTime,
			NextAttemptTime: b.nextAttemptTime,
		})
	}
	return out
}

// StateOf reports the breaker state for one operation.
func (r *Registry) StateOf(operation string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[operation]; ok {
		return b.state
	}
	return Closed
}
