package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sells-group/rate-harvest/internal/model"
)

// RetryConfig controls classification-aware retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first transient retry.
	// Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the transient backoff duration. Default: 60s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds non-negative random jitter as a fraction of the
	// computed delay (0.0 = none). Must stay below Multiplier-1 for delays to
	// keep strictly increasing. Default: 0.25.
	JitterFraction float64

	// RateLimitedMaxAttempts bounds attempts once a site signals rate
	// limiting or an anti-bot block. Default: 2.
	RateLimitedMaxAttempts int

	// RateLimitDelay is the fixed wait after the first rate-limited failure,
	// from which exponential growth resumes. Default: 30s.
	RateLimitDelay time.Duration
}

// DefaultRetryConfig returns the retry policy used for site calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:            3,
		InitialBackoff:         1 * time.Second,
		MaxBackoff:             60 * time.Second,
		Multiplier:             2.0,
		JitterFraction:         0.25,
		RateLimitedMaxAttempts: 2,
		RateLimitDelay:         30 * time.Second,
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.JitterFraction >= cfg.Multiplier-1 {
		cfg.JitterFraction = (cfg.Multiplier - 1) / 2
	}
	if cfg.RateLimitedMaxAttempts <= 0 {
		cfg.RateLimitedMaxAttempts = def.RateLimitedMaxAttempts
	}
	if cfg.RateLimitedMaxAttempts > cfg.MaxAttempts {
		cfg.RateLimitedMaxAttempts = cfg.MaxAttempts
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = def.RateLimitDelay
	}
	return cfg
}

// Subject identifies the unit of work being retried, for audit events.
type Subject struct {
	SessionID string
	TaskID    string
	Site      model.Site
	Kind      string
	Target    string
}

// AttemptEvent is emitted once per attempt.
type AttemptEvent struct {
	Subject
	Attempt int
	Class   Class
	Err     string
	// Delay is the wait scheduled before the next attempt (0 when final).
	Delay time.Duration
	Final bool
	At    time.Time
}

// Observer receives attempt events. Implementations must not block for long.
type Observer interface {
	OnAttempt(ctx context.Context, ev AttemptEvent)
}

// Outcome summarizes a coordinated call.
type Outcome struct {
	Attempts int
	Class    Class
	Err      error
	// Exhausted is set when a retryable failure used every allowed attempt.
	Exhausted bool
	// Interrupted is set when the context ended while waiting to retry.
	Interrupted bool
}

// Succeeded reports whether the call eventually returned without error.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Coordinator wraps calls with classification-driven retry and backoff.
// It never persists session state; callers own that.
type Coordinator struct {
	cfg      RetryConfig
	observer Observer
	breakers *SiteBreakers
	wait     func(ctx context.Context, d time.Duration) error
	jitter   func() float64
	now      func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithObserver sets the attempt event observer.
func WithObserver(o Observer) CoordinatorOption {
	return func(c *Coordinator) { c.observer = o }
}

// WithBreakers routes calls through per-site circuit breakers.
func WithBreakers(b *SiteBreakers) CoordinatorOption {
	return func(c *Coordinator) { c.breakers = b }
}

// WithWait replaces the backoff wait (for tests).
func WithWait(fn func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) { c.wait = fn }
}

// WithJitterSource replaces the jitter source, which must return [0,1).
func WithJitterSource(fn func() float64) CoordinatorOption {
	return func(c *Coordinator) { c.jitter = fn }
}

// NewCoordinator creates a retry coordinator.
func NewCoordinator(cfg RetryConfig, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:    applyDefaults(cfg),
		wait:   sleepCtx,
		jitter: rand.Float64,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the effective retry configuration.
func (c *Coordinator) Config() RetryConfig {
	return c.cfg
}

// attemptState is the per-call retry state machine: an attempt counter plus
// the classification of the last failure.
type attemptState struct {
	attempts    int
	rateLimited int
	class       Class
}

// advance records a failure of the given class and decides whether another
// attempt is allowed and how long to wait first.
func (c *Coordinator) advance(st *attemptState, class Class) (retry bool, delay time.Duration) {
	st.class = class
	if !class.Retryable() {
		return false, 0
	}
	if st.attempts >= c.cfg.MaxAttempts {
		return false, 0
	}
	if class == ClassRateLimited {
		st.rateLimited++
		if st.rateLimited >= c.cfg.RateLimitedMaxAttempts {
			return false, 0
		}
		return true, c.rateLimitBackoff(st.rateLimited)
	}
	return true, c.transientBackoff(st.attempts)
}

// transientBackoff returns InitialBackoff × Multiplier^(attempt-1), capped,
// plus jitter in [0, JitterFraction × delay).
func (c *Coordinator) transientBackoff(attempt int) time.Duration {
	delay := float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.Multiplier, float64(attempt-1))
	if delay > float64(c.cfg.MaxBackoff) {
		delay = float64(c.cfg.MaxBackoff)
	}
	if c.cfg.JitterFraction > 0 {
		delay += delay * c.cfg.JitterFraction * c.jitter()
	}
	return time.Duration(delay)
}

// rateLimitBackoff starts at RateLimitDelay and grows exponentially from there.
func (c *Coordinator) rateLimitBackoff(n int) time.Duration {
	delay := float64(c.cfg.RateLimitDelay) * math.Pow(c.cfg.Multiplier, float64(n-1))
	ceiling := math.Max(float64(c.cfg.MaxBackoff), float64(c.cfg.RateLimitDelay))
	if delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay)
}

// Execute runs fn under the coordinator's retry policy and returns the value
// of the successful attempt, or the zero value with a terminal Outcome.
// Non-retryable classes surface after the first attempt.
func Execute[T any](ctx context.Context, c *Coordinator, subj Subject, fn func(ctx context.Context) (T, error)) (T, Outcome) {
	var zero T
	st := &attemptState{}

	for {
		st.attempts++
		val, err := callThrough(ctx, c, subj, fn)
		if err == nil {
			c.emit(ctx, AttemptEvent{Subject: subj, Attempt: st.attempts, Final: true, At: c.now()})
			return val, Outcome{Attempts: st.attempts}
		}

		class := Classify(err)
		retry, delay := c.advance(st, class)
		c.emit(ctx, AttemptEvent{
			Subject: subj,
			Attempt: st.attempts,
			Class:   class,
			Err:     err.Error(),
			Delay:   delay,
			Final:   !retry,
			At:      c.now(),
		})
		if !retry {
			return zero, Outcome{
				Attempts:  st.attempts,
				Class:     class,
				Err:       err,
				Exhausted: class.Retryable(),
			}
		}

		if werr := c.wait(ctx, delay); werr != nil {
			return zero, Outcome{Attempts: st.attempts, Class: class, Err: err, Interrupted: true}
		}
	}
}

// Do is Execute for calls without a result value.
func (c *Coordinator) Do(ctx context.Context, subj Subject, fn func(ctx context.Context) error) Outcome {
	_, out := Execute(ctx, c, subj, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return out
}

func callThrough[T any](ctx context.Context, c *Coordinator, subj Subject, fn func(ctx context.Context) (T, error)) (T, error) {
	if c.breakers == nil || subj.Site == "" {
		return fn(ctx)
	}
	return Guard(ctx, c.breakers.For(subj.Site), fn)
}

func (c *Coordinator) emit(ctx context.Context, ev AttemptEvent) {
	if c.observer != nil {
		c.observer.OnAttempt(ctx, ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
