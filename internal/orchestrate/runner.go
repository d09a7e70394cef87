// Package orchestrate drives the pipeline stages from outside the core:
// call a stage, inspect the result, decide whether to retry.
package orchestrate

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
	"github.com/acme-corp/brewery-pipeline/internal/storage"
)

// StageFunc is one idempotent batch stage.
type StageFunc func(ctx context.Context) error

// Runner retries a stage with exponential backoff. Only transient failures
// (upstream errors and IO failures) are retried; anything else ends the
// stage at once.
type Runner struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	factor     float64
	giveUp     func(stage string, err error)
	sleep      func(ctx context.Context, d time.Duration) error
	log        *logging.Logger
	metrics    *metrics.Collector
}

type Option func(*Runner)

// WithGiveUpHandler is called once when a stage fails for good.
func WithGiveUpHandler(fn func(stage string, err error)) Option {
	return func(r *Runner) { r.giveUp = fn }
}

// WithBackoffFactor sets the multiplier between consecutive delays.
// Factors below 1 are ignored.
func WithBackoffFactor(f float64) Option {
	return func(r *Runner) {
		if f >= 1 {
			r.factor = f
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = m }
}

func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

func NewRunner(maxRetries int, baseDelay, maxDelay time.Duration, opts ...Option) *Runner {
	r := &Runner{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		factor:     2,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrNop(r.log)
	return r
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return ingestion.IsUpstream(err) || storage.IsIOFailure(err)
}

// Run calls fn until it succeeds, fails permanently, or the retries run out.
func (r *Runner) Run(ctx context.Context, stage string, fn StageFunc) error {
	var lastErr error
	attempts := 0
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.TrackStageDuration("stage."+stage, time.Since(start))
		}
	}()

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		attempts++
		err := fn(ctx)
		if err == nil {
			r.log.Info("stage finished", "stage", stage, "attempts", attempts, "elapsed", time.Since(start).String())
			return nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == r.maxRetries {
			break
		}

		delay := r.backoff(attempt)
		r.log.Warn("stage attempt failed, retrying",
			"stage", stage, "attempt", attempt+1, "of", r.maxRetries+1, "delay", delay.String(), "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	if r.metrics != nil {
		r.metrics.RecordFailed(1)
	}
	if r.giveUp != nil {
		r.giveUp(stage, lastErr)
	}
	r.log.Error("stage failed", "stage", stage, "attempts", attempts, "error", lastErr)
	return eris.Wrapf(lastErr, "stage %s failed after %d attempts", stage, attempts)
}

// backoff returns baseDelay * factor^attempt, capped at maxDelay.
func (r *Runner) backoff(attempt int) time.Duration {
	d := float64(r.baseDelay)
	for i := 0; i < attempt; i++ {
		d *= r.factor
		if r.maxDelay > 0 && d >= float64(r.maxDelay) {
			return r.maxDelay
		}
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
