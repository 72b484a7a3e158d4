package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []AttemptEvent
}

func (r *recordingObserver) OnAttempt(_ context.Context, ev AttemptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// newTestCoordinator returns a coordinator that records waits instead of sleeping.
func newTestCoordinator(cfg RetryConfig, opts ...CoordinatorOption) (*Coordinator, *[]time.Duration) {
	var waits []time.Duration
	opts = append([]CoordinatorOption{
		WithWait(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return ctx.Err()
		}),
		WithJitterSource(func() float64 { return 0.99 }),
	}, opts...)
	return NewCoordinator(cfg, opts...), &waits
}

var subj = Subject{SessionID: "s1", TaskID: "t1", Site: "navitrip", Kind: "search"}

func TestExecute_SuccessOnFirstAttempt(t *testing.T) {
	c, waits := newTestCoordinator(DefaultRetryConfig())
	val, out := Execute(context.Background(), c, subj, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if !out.Succeeded() || val != 42 {
		t.Fatalf("expected success with 42, got %v %v", val, out.Err)
	}
	if out.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", out.Attempts)
	}
	if len(*waits) != 0 {
		t.Errorf("expected no waits, got %v", *waits)
	}
}

func TestExecute_SuccessAfterTransientRetry(t *testing.T) {
	c, _ := newTestCoordinator(DefaultRetryConfig())
	var calls int
	val, out := Execute(context.Background(), c, subj, func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Transient("search", errors.New("page load timeout"))
		}
		return "ok", nil
	})
	if !out.Succeeded() || val != "ok" {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if out.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", out.Attempts)
	}
}

func TestExecute_TransientExhaustsWithIncreasingDelay(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
	c, waits := newTestCoordinator(cfg)

	var calls int
	_, out := Execute(context.Background(), c, subj, func(_ context.Context) (int, error) {
		calls++
		return 0, Transient("rooms", errors.New("navigation timeout"))
	})
	if out.Succeeded() {
		t.Fatal("expected failure")
	}
	if calls != 4 || out.Attempts != 4 {
		t.Errorf("expected 4 attempts, got calls=%d attempts=%d", calls, out.Attempts)
	}
	if !out.Exhausted {
		t.Error("expected exhausted outcome")
	}
	if out.Class != ClassTransient {
		t.Errorf("expected transient class, got %s", out.Class)
	}
	if len(*waits) != 3 {
		t.Fatalf("expected 3 waits, got %d", len(*waits))
	}
	for i := 1; i < len(*waits); i++ {
		if (*waits)[i] <= (*waits)[i-1] {
			t.Errorf("delay %d (%v) not greater than delay %d (%v)", i, (*waits)[i], i-1, (*waits)[i-1])
		}
	}
}

func TestExecute_StructuralNotRetried(t *testing.T) {
	c, waits := newTestCoordinator(DefaultRetryConfig())
	var calls int
	_, out := Execute(context.Background(), c, subj, func(_ context.Context) (int, error) {
		calls++
		return 0, Structural("search", errors.New("selector .price missing"))
	})
	if calls != 1 || out.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", out.Attempts)
	}
	if out.Exhausted {
		t.Error("structural failure should not be reported as exhausted retries")
	}
	if out.Class != ClassStructural {
		t.Errorf("expected structural, got %s", out.Class)
	}
	if len(*waits) != 0 {
		t.Errorf("expected no waits, got %v", *waits)
	}
}

func TestExecute_UnclassifiedDefaultsToStructural(t *testing.T) {
	c, _ := newTestCoordinator(DefaultRetryConfig())
	var calls int
	_, out := Execute(context.Background(), c, subj, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("something odd happened")
	})
	if calls != 1 || out.Class != ClassStructural {
		t.Errorf("expected one structural attempt, got %d calls class %s", calls, out.Class)
	}
}

func TestExecute_AuthNotRetried(t *testing.T) {
	c, _ := newTestCoordinator(DefaultRetryConfig())
	var calls int
	_, out := Execute(context.Background(), c, subj, func(_ context.Context) (int, error) {
		calls++
		return 0, Auth("login", errors.New("session expired"))
	})
	if calls != 1 || out.Class != ClassAuth {
		t.Errorf("expected one auth attempt, got %d calls class %s", calls, out.Class)
	}
}

func TestExecute_RateLimitedFewerAttemptsLongerDelay(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.RateLimitDelay = 5 * time.Second
	cfg.InitialBackoff = 10 * time.Millisecond
	c, waits := newTestCoordinator(cfg)

	var calls int
	_, out := Execute(context.Background(), c, subj, func(_ context.Context) (int, error) {
		calls++
		return 0, RateLimited("search", errors.New("HTTP 429"))
	})
	if calls != 2 {
		t.Errorf("expected 2 attempts for rate limited, got %d", calls)
	}
	if !out.Exhausted || out.Class != ClassRateLimited {
		t.Errorf("expected exhausted rate-limited outcome, got %+v", out)
	}
	if len(*waits) != 1 || (*waits)[0] != 5*time.Second {
		t.Errorf("expected a single 5s wait, got %v", *waits)
	}
}

func TestExecute_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(DefaultRetryConfig(), WithWait(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, out := Execute(ctx, c, subj, func(_ context.Context) (int, error) {
		return 0, Transient("search", errors.New("i/o timeout"))
	})
	if !out.Interrupted {
		t.Error("expected interrupted outcome")
	}
	if out.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", out.Attempts)
	}
}

func TestExecute_EmitsEventPerAttempt(t *testing.T) {
	obs := &recordingObserver{}
	c, _ := newTestCoordinator(DefaultRetryConfig(), WithObserver(obs))

	var calls int
	_, _ = Execute(context.Background(), c, subj, func(_ context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Transient("search", errors.New("i/o timeout"))
		}
		return 1, nil
	})

	if len(obs.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(obs.events))
	}
	first, second := obs.events[0], obs.events[1]
	if first.Class != ClassTransient || first.Final || first.Delay == 0 {
		t.Errorf("unexpected first event: %+v", first)
	}
	if second.Class != ClassNone || !second.Final || second.Attempt != 2 {
		t.Errorf("unexpected second event: %+v", second)
	}
	if first.TaskID != "t1" || first.Site != "navitrip" {
		t.Errorf("event missing subject: %+v", first.Subject)
	}
}

func TestExecute_TrippedSiteFailsFast(t *testing.T) {
	breakers := NewSiteBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	b := breakers.For("navitrip")
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.Record(RateLimited("search", errors.New("captcha challenge")))

	c, _ := newTestCoordinator(DefaultRetryConfig(), WithBreakers(breakers))
	var calls int
	_, out := Execute(context.Background(), c, subj, func(_ context.Context) (int, error) {
		calls++
		return 1, nil
	})
	if calls != 0 {
		t.Errorf("adapter should not be called while the breaker is open, got %d calls", calls)
	}
	if !errors.Is(out.Err, ErrSiteTripped) || out.Class != ClassRateLimited {
		t.Errorf("expected rate-limited tripped outcome, got %+v", out)
	}
}

func TestCoordinator_Do(t *testing.T) {
	c, _ := newTestCoordinator(DefaultRetryConfig())
	out := c.Do(context.Background(), Subject{Kind: "flush"}, func(_ context.Context) error { return nil })
	if !out.Succeeded() {
		t.Errorf("unexpected error: %v", out.Err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := applyDefaults(RetryConfig{MaxAttempts: 1, RateLimitedMaxAttempts: 5, Multiplier: 1.2, JitterFraction: 0.5})
	if cfg.RateLimitedMaxAttempts != 1 {
		t.Errorf("rate-limited attempts should be capped at max attempts, got %d", cfg.RateLimitedMaxAttempts)
	}
	if cfg.JitterFraction >= cfg.Multiplier-1 {
		t.Errorf("jitter %v must stay below multiplier-1 (%v)", cfg.JitterFraction, cfg.Multiplier-1)
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(5, 200, 0, 0, -1, 0, 1000)
	if cfg.MaxAttempts != 5 || cfg.InitialBackoff != 200*time.Millisecond || cfg.RateLimitDelay != time.Second {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.MaxBackoff != DefaultRetryConfig().MaxBackoff {
		t.Errorf("zero max backoff should keep default, got %v", cfg.MaxBackoff)
	}
}
