package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/errs"
)

const (
	// DefaultMaxRetries is the number of automatic retries after the first
	// failed attempt.
	DefaultMaxRetries = 3

	// DefaultInitialDelay is the delay before the first retry.
	DefaultInitialDelay = 1 * time.Second

	// DefaultMaxDelay caps the exponential growth of retry delays.
	DefaultMaxDelay = 10 * time.Second

	// DefaultMultiplier doubles the delay between consecutive retries.
	DefaultMultiplier = 2.0
)

// SleepFunc suspends the caller for the given duration or until the context
// is done. Tests inject a recording implementation.
type SleepFunc func(ctx context.Context, d time.Duration) error

// NotifyFunc observes one retry before its backoff sleep. attempt is the
// 1-based number of the failed attempt being retried.
type NotifyFunc func(name string, attempt int, err error)

// Policy retries operations that fail with a retryable error, with
// exponential backoff between attempts. Non-retryable errors are returned
// immediately and exactly as classified.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	sleep  SleepFunc
	logger *logrus.Logger
	notify NotifyFunc
}

// Option configures a Policy.
type Option func(*Policy)

// WithSleep overrides the sleep implementation. Intended for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(p *Policy) { p.sleep = sleep }
}

// WithLogger attaches a logger for per-attempt diagnostics.
func WithLogger(logger *logrus.Logger) Option {
	return func(p *Policy) { p.logger = logger }
}

// WithNotify installs a retry observer, typically a metrics counter.
func WithNotify(notify NotifyFunc) Option {
	return func(p *Policy) { p.notify = notify }
}

// NewPolicy creates a retry policy. Zero values fall back to the defaults
// {3 retries, 1s initial, 10s cap, x2}.
func NewPolicy(maxRetries int, initialDelay, maxDelay time.Duration, multiplier float64, opts ...Option) *Policy {
	p := &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		sleep:        contextSleep,
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultPolicy returns a policy with the default budget.
func DefaultPolicy(opts ...Option) *Policy {
	return NewPolicy(DefaultMaxRetries, DefaultInitialDelay, DefaultMaxDelay, DefaultMultiplier, opts...)
}

// newBackOff builds the delay schedule. RandomizationFactor is zero so the
// progression is exactly {initial, initial*m, ...} capped at MaxDelay, which
// keeps progress reporting and tests deterministic.
func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Do runs op, retrying up to MaxRetries times when it fails with a retryable
// error. The returned error is the classified error of the final attempt.
func (p *Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := p.newBackOff()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.Classify(err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		classified := errs.Classify(err)
		lastErr = classified
		if !classified.Retryable() {
			return classified
		}
		if attempt == p.MaxRetries {
			break
		}

		if p.notify != nil {
			p.notify(name, attempt+1, classified)
		}

		delay := b.NextBackOff()
		if p.logger != nil {
			p.logger.WithFields(logrus.Fields{
				"operation": name,
				"attempt":   attempt + 1,
				"delay":     delay.String(),
				"kind":      classified.Kind,
			}).Warn("Retrying after transient failure")
		}
		if err := p.sleep(ctx, delay); err != nil {
			return errs.Classify(err)
		}
	}

	return lastErr
}

// contextSleep waits for the duration, aborting early on cancellation.
func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
