package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. Zero values keep
// the defaults.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64, rateLimitedMaxAttempts, rateLimitDelayMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	if rateLimitedMaxAttempts > 0 {
		cfg.RateLimitedMaxAttempts = rateLimitedMaxAttempts
	}
	if rateLimitDelayMs > 0 {
		cfg.RateLimitDelay = time.Duration(rateLimitDelayMs) * time.Millisecond
	}
	return cfg
}

// FromCircuitConfig converts the circuit config section to a BreakerConfig.
// Zero values keep the defaults.
func FromCircuitConfig(threshold, windowSecs, cooldownSecs, maxCooldownSecs int) BreakerConfig {
	secs := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return BreakerConfig{
		Threshold:   threshold,
		Window:      secs(windowSecs),
		Cooldown:    secs(cooldownSecs),
		MaxCooldown: secs(maxCooldownSecs),
	}.withDefaults()
}
