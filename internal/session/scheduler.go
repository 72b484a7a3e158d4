package session

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/resilience"
)

// SiteLimits bounds how hard one site is driven.
type SiteLimits struct {
	// Concurrency is the number of tasks that may hold the site at once,
	// across every session in the process.
	Concurrency int
	// PacePerSecond limits adapter calls per second (0 = unpaced).
	PacePerSecond float64
	Burst         int
}

// DefaultSiteLimits returns the limits used for sites without a profile.
func DefaultSiteLimits() SiteLimits {
	return SiteLimits{Concurrency: 2, PacePerSecond: 1, Burst: 1}
}

// sitePace paces adapter calls to one site. A rate-limited attempt halves
// the pace, down to a quarter of the configured rate. Each clean attempt
// then recovers 20%, never past the configured rate.
type sitePace struct {
	site    model.Site
	limiter *rate.Limiter

	mu      sync.Mutex
	ceiling rate.Limit
	floor   rate.Limit
	current rate.Limit
}

func newSitePace(site model.Site, perSecond rate.Limit, burst int) *sitePace {
	return &sitePace{
		site:    site,
		limiter: rate.NewLimiter(perSecond, max(burst, 1)),
		ceiling: perSecond,
		floor:   perSecond / 4,
		current: perSecond,
	}
}

func (p *sitePace) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *sitePace) recover() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current >= p.ceiling {
		return
	}
	p.current = min(p.current*1.2, p.ceiling)
	p.limiter.SetLimit(p.current)
}

func (p *sitePace) backOff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = max(p.current/2, p.floor)
	p.limiter.SetLimit(p.current)
	zap.L().Warn("scheduler: slowing site after rate limit",
		zap.String("site", string(p.site)),
		zap.Float64("per_second", float64(p.current)),
	)
}

func (p *sitePace) limit() rate.Limit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

type siteSlot struct {
	sem      *semaphore.Weighted
	pace     *sitePace
	inFlight atomic.Int64
}

// Scheduler is the per-site serialization domain. Tasks for one site share
// a semaphore sized to the site's concurrency; different sites never wait
// on each other.
type Scheduler struct {
	defaults  SiteLimits
	overrides map[model.Site]SiteLimits

	mu    sync.Mutex
	slots map[model.Site]*siteSlot
}

// NewScheduler creates a scheduler. overrides may be nil.
func NewScheduler(defaults SiteLimits, overrides map[model.Site]SiteLimits) *Scheduler {
	if defaults.Concurrency < 1 {
		defaults.Concurrency = 1
	}
	return &Scheduler{
		defaults:  defaults,
		overrides: overrides,
		slots:     make(map[model.Site]*siteSlot),
	}
}

// Limits returns the effective limits for site.
func (s *Scheduler) Limits(site model.Site) SiteLimits {
	l, ok := s.overrides[site]
	if !ok {
		return s.defaults
	}
	if l.Concurrency < 1 {
		l.Concurrency = s.defaults.Concurrency
	}
	if l.PacePerSecond == 0 {
		l.PacePerSecond = s.defaults.PacePerSecond
	}
	if l.Burst < 1 {
		l.Burst = s.defaults.Burst
	}
	return l
}

func (s *Scheduler) slot(site model.Site) *siteSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[site]; ok {
		return sl
	}
	l := s.Limits(site)
	limit := rate.Inf
	if l.PacePerSecond > 0 {
		limit = rate.Limit(l.PacePerSecond)
	}
	sl := &siteSlot{
		sem:  semaphore.NewWeighted(int64(l.Concurrency)),
		pace: newSitePace(site, limit, l.Burst),
	}
	s.slots[site] = sl
	return sl
}

// Acquire blocks until a slot for site is free. The returned func releases it.
func (s *Scheduler) Acquire(ctx context.Context, site model.Site) (func(), error) {
	sl := s.slot(site)
	if err := sl.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	sl.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			sl.inFlight.Add(-1)
			sl.sem.Release(1)
		})
	}, nil
}

// Pace waits for the site's request pacer. Called once per adapter attempt.
func (s *Scheduler) Pace(ctx context.Context, site model.Site) error {
	return s.slot(site).pace.wait(ctx)
}

// Observe feeds an attempt's classification back into the site's pacer.
func (s *Scheduler) Observe(site model.Site, class resilience.Class) {
	sl := s.slot(site)
	switch class {
	case resilience.ClassNone:
		sl.pace.recover()
	case resilience.ClassRateLimited:
		sl.pace.backOff()
	}
}

// Pacing returns the current calls-per-second allowance for site.
func (s *Scheduler) Pacing(site model.Site) rate.Limit {
	return s.slot(site).pace.limit()
}

// InFlight returns the number of tasks currently holding site.
func (s *Scheduler) InFlight(site model.Site) int {
	return int(s.slot(site).inFlight.Load())
}
