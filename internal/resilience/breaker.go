// Package resilience classifies extraction failures and provides the retry
// coordinator and per-site breakers used around site calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/model"
)

// BreakerState is the admission state of a site breaker.
type BreakerState int

const (
	// BreakerClosed admits every call.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerProbing admits one call to see whether the site recovered.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// ErrSiteTripped is returned without calling the site while its breaker is
// open. It classifies as rate limited.
var ErrSiteTripped = eris.New("site breaker is open")

// BreakerConfig controls when a site breaker trips and for how long.
type BreakerConfig struct {
	// Threshold is the number of pushback failures inside Window that trips
	// the breaker.
	Threshold int
	Window    time.Duration

	// Cooldown is the first open period. Each failed probe doubles it up to
	// MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration

	// Counts reports whether err is pushback from the site. Defaults to
	// rate-limited classification; a missing selector is not pushback.
	Counts func(err error) bool

	// OnChange observes state transitions.
	OnChange func(site model.Site, from, to BreakerState)
}

// DefaultBreakerConfig returns the defaults used when config leaves fields
// unset.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		Window:      5 * time.Minute,
		Cooldown:    2 * time.Minute,
		MaxCooldown: 30 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(d.MaxCooldown, c.Cooldown)
	}
	if c.Counts == nil {
		c.Counts = func(err error) bool { return Classify(err) == ClassRateLimited }
	}
	return c
}

// BreakerSnapshot is a point-in-time view of one site breaker.
type BreakerSnapshot struct {
	State    BreakerState
	Strikes  int
	Cooldown time.Duration
	OpenedAt time.Time
	Cause    string
}

// SiteBreaker stops calls to a site that keeps pushing back. Pushback
// failures are counted inside a sliding window; any other outcome leaves
// the count alone except a success while probing, which closes the breaker.
type SiteBreaker struct {
	site model.Site
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    BreakerState
	strikes  []time.Time
	openedAt time.Time
	cooldown time.Duration
	cause    string
	inFlight bool
}

// NewSiteBreaker creates a closed breaker for site.
func NewSiteBreaker(site model.Site, cfg BreakerConfig) *SiteBreaker {
	cfg = cfg.withDefaults()
	return &SiteBreaker{
		site:     site,
		cfg:      cfg,
		now:      time.Now,
		cooldown: cfg.Cooldown,
	}
}

// Allow reports whether a call may go to the site now. While probing only
// one call is admitted at a time.
func (b *SiteBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		wait := b.openedAt.Add(b.cooldown).Sub(b.now())
		if wait > 0 {
			return eris.Wrapf(ErrSiteTripped, "%s cooling down for %s", b.site, wait.Round(time.Second))
		}
		b.setState(BreakerProbing)
		b.inFlight = true
		return nil
	case BreakerProbing:
		if b.inFlight {
			return eris.Wrapf(ErrSiteTripped, "%s probe in flight", b.site)
		}
		b.inFlight = true
	}
	return nil
}

// Record feeds the outcome of an admitted call back into the breaker.
func (b *SiteBreaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	pushback := err != nil && b.cfg.Counts(err)

	if b.state == BreakerProbing {
		b.inFlight = false
		if pushback {
			b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
			b.trip(now, err)
			return
		}
		if err == nil {
			b.strikes = b.strikes[:0]
			b.cooldown = b.cfg.Cooldown
			b.cause = ""
			b.setState(BreakerClosed)
		}
		return
	}

	if !pushback {
		return
	}
	b.strikes = append(b.pruned(now), now)
	if b.state == BreakerClosed && len(b.strikes) >= b.cfg.Threshold {
		b.trip(now, err)
	}
}

// Snapshot returns the breaker's current view. An open breaker whose
// cooldown has elapsed reports probing.
func (b *SiteBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.state
	if state == BreakerOpen && !now.Before(b.openedAt.Add(b.cooldown)) {
		state = BreakerProbing
	}
	return BreakerSnapshot{
		State:    state,
		Strikes:  len(b.pruned(now)),
		Cooldown: b.cooldown,
		OpenedAt: b.openedAt,
		Cause:    b.cause,
	}
}

func (b *SiteBreaker) trip(now time.Time, err error) {
	b.openedAt = now
	b.cause = err.Error()
	b.setState(BreakerOpen)
}

// pruned drops strikes older than the window. Callers hold mu.
func (b *SiteBreaker) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.strikes) && !b.strikes[i].After(cutoff) {
		i++
	}
	b.strikes = b.strikes[i:]
	return b.strikes
}

func (b *SiteBreaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(b.site, from, to)
	}
}

// Guard runs fn if b admits the call and records its outcome.
func Guard[T any](ctx context.Context, b *SiteBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := b.Allow(); err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	b.Record(err)
	return val, err
}

// SiteBreakers holds one breaker per site, created on first use.
type SiteBreakers struct {
	cfg BreakerConfig

	mu     sync.Mutex
	bySite map[model.Site]*SiteBreaker
}

// NewSiteBreakers creates an empty breaker set sharing cfg. Transitions are
// logged unless cfg sets its own OnChange.
func NewSiteBreakers(cfg BreakerConfig) *SiteBreakers {
	if cfg.OnChange == nil {
		cfg.OnChange = logTransition
	}
	return &SiteBreakers{cfg: cfg, bySite: make(map[model.Site]*SiteBreaker)}
}

// For returns the breaker for site.
func (s *SiteBreakers) For(site model.Site) *SiteBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bySite[site]
	if !ok {
		b = NewSiteBreaker(site, s.cfg)
		s.bySite[site] = b
	}
	return b
}

// Snapshots returns the view of every breaker created so far.
func (s *SiteBreakers) Snapshots() map[model.Site]BreakerSnapshot {
	s.mu.Lock()
	breakers := make([]*SiteBreaker, 0, len(s.bySite))
	for _, b := range s.bySite {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	out := make(map[model.Site]BreakerSnapshot, len(breakers))
	for _, b := range breakers {
		out[b.site] = b.Snapshot()
	}
	return out
}

func logTransition(site model.Site, from, to BreakerState) {
	log := zap.L().With(
		zap.String("site", string(site)),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if to == BreakerOpen {
		log.Warn("resilience: site breaker opened")
		return
	}
	log.Info("resilience: site breaker changed state")
}
