package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"redress/internal/fault"
)

// NoRetries disables the retry loop for one call: a single attempt, win
// or lose. Zero means "use the default budget".
const NoRetries = -1

// RetryConfig tunes the retry loop for one call.
type RetryConfig struct {
	MaxRetries        int           // retries after the first attempt; 0 defaults to 3, NoRetries disables
	InitialDelay      time.Duration // default 1s
	MaxDelay          time.Duration // default 30s
	BackoffMultiplier float64       // default 2
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	return c
}

// CallOptions name the operation and override defaults per call.
type CallOptions struct {
	Operation string
	Retry     RetryConfig
	Breaker   BreakerConfig
}

// Executor runs operations through the breaker registry with retry and
// backoff. Sleep and RNG are injectable for tests.
type Executor struct {
	Registry *Registry
	Sleep    func(ctx context.Context, d time.Duration) error
	Rand     *rand.Rand
}

func NewExecutor(reg *Registry) *Executor {
	return &Executor{Registry: reg}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) jitter() float64 {
	if e.Rand != nil {
		return e.Rand.Float64()
	}
	return rand.Float64()
}

// Do runs fn with bounded retry behind the named circuit breaker. It
// returns fn's result or the last error. Non-retriable errors propagate
// immediately but still count against the breaker.
func Do[T any](ctx context.Context, e *Executor, opts CallOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	retry := opts.Retry.withDefaults()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := e.Registry.allow(opts.Operation, opts.Breaker); err != nil {
			return zero, err
		}
		out, err := fn(ctx)
		if err == nil {
			e.Registry.recordSuccess(opts.Operation, opts.Breaker)
			return out, nil
		}
		e.Registry.recordFailure(opts.Operation, opts.Breaker)
		lastErr = err
		if !fault.Retryable(err) || attempt >= retry.MaxRetries {
			return zero, lastErr
		}
		if err := e.sleep(ctx, e.delay(retry, attempt)); err != nil {
			return zero, err
		}
	}
}

// delay computes min(initial × multiplier^attempt, max) with ±25% jitter.
func (e *Executor) delay(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	jittered := d * (0.75 + 0.5*e.jitter())
	return time.Duration(jittered)
}
