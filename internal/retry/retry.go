package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/daarshnicsanjeev/omni-visual/internal/metrics"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig mirrors the provider guidance: three attempts, exponential
// backoff starting at one second, capped at ten.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// Executor runs an operation with bounded exponential backoff and jitter.
// Only failures the classifier marks retryable are retried.
type Executor struct {
	cfg      Config
	observer metrics.Observer
	logger   *slog.Logger
	classify func(error) bool
	jitter   func(base time.Duration) time.Duration
}

type Option func(*Executor)

func WithObserver(o metrics.Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClassifier replaces upstream.IsRetryable.
func WithClassifier(fn func(error) bool) Option {
	return func(e *Executor) {
		if fn != nil {
			e.classify = fn
		}
	}
}

// WithJitter replaces the random jitter source. fn returns a value in [0, base).
func WithJitter(fn func(base time.Duration) time.Duration) Option {
	return func(e *Executor) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

func New(cfg Config, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	e := &Executor{
		cfg:      cfg,
		observer: metrics.NopObserver{},
		logger:   slog.Default(),
		classify: upstream.IsRetryable,
		jitter:   randomJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Config() Config {
	return e.cfg
}

func randomJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}

// Do calls fn until it succeeds, fails terminally, the attempt budget is spent
// or ctx ends. Any failure is returned as *upstream.AttemptsError wrapping the
// last error; cancellation is reported as upstream.ErrCancelled.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		attempts int
		lastErr  error
	)

	operation := func() (T, error) {
		attempts++
		start := time.Now()
		res, err := fn(ctx)
		e.observer.RetryAttempt(ctx, op, attempts, time.Since(start), err)

		if err == nil {
			return res, nil
		}
		lastErr = err
		if !e.classify(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, delay time.Duration) {
		e.observer.RetryBackoff(ctx, op, attempts, delay)
		telemetry.RetryBackoff(ctx, op, attempts, delay)
		e.logger.DebugContext(ctx, "retrying upstream call",
			"op", op,
			"attempt", attempts,
			"delay", delay,
			"error", err,
		)
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newSchedule(e.cfg, e.jitter)),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return res, nil
	}

	final := lastErr
	if final == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		final = err
	}

	var zero T
	return zero, &upstream.AttemptsError{Attempts: attempts, Err: upstream.Cancelled(final)}
}

// schedule yields min(base*2^n + jitter, max) for the n-th retry. Jitter stays
// below base, so successive delays never decrease.
type schedule struct {
	base   time.Duration
	max    time.Duration
	n      int
	jitter func(time.Duration) time.Duration
}

func newSchedule(cfg Config, jitter func(time.Duration) time.Duration) *schedule {
	return &schedule{base: cfg.BaseDelay, max: cfg.MaxDelay, jitter: jitter}
}

func (s *schedule) NextBackOff() time.Duration {
	if s.base <= 0 {
		return 0
	}

	d := s.max
	if s.n < 32 {
		if exp := s.base << s.n; exp > 0 && exp < s.max {
			d = exp
		}
	}
	s.n++

	if j := s.jitter(s.base); j > 0 && j < s.base {
		d += j
	}
	if d > s.max {
		d = s.max
	}
	return d
}

func (s *schedule) Reset() {
	s.n = 0
}
