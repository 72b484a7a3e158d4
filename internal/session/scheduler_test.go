package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/resilience"
)

func TestScheduler_PacingNeverExceedsConfiguredRate(t *testing.T) {
	s := NewScheduler(SiteLimits{Concurrency: 1, PacePerSecond: 10, Burst: 5}, nil)
	assert.Equal(t, rate.Limit(10), s.Pacing(model.SiteNavitrip))

	for range 20 {
		s.Observe(model.SiteNavitrip, resilience.ClassNone)
	}
	assert.Equal(t, rate.Limit(10), s.Pacing(model.SiteNavitrip))
}

func TestScheduler_PacingBacksOffAndRecovers(t *testing.T) {
	s := NewScheduler(SiteLimits{Concurrency: 1, PacePerSecond: 10, Burst: 5}, nil)

	s.Observe(model.SiteVAX, resilience.ClassRateLimited)
	assert.Equal(t, rate.Limit(5), s.Pacing(model.SiteVAX))
	for range 10 {
		s.Observe(model.SiteVAX, resilience.ClassRateLimited)
	}
	assert.Equal(t, rate.Limit(2.5), s.Pacing(model.SiteVAX))

	s.Observe(model.SiteVAX, resilience.ClassNone)
	assert.InDelta(t, 3.0, float64(s.Pacing(model.SiteVAX)), 0.01)
	for range 20 {
		s.Observe(model.SiteVAX, resilience.ClassNone)
	}
	assert.Equal(t, rate.Limit(10), s.Pacing(model.SiteVAX))

	// Other sites keep their own pace.
	assert.Equal(t, rate.Limit(10), s.Pacing(model.SiteNavitrip))
}

func TestScheduler_LimitsOverrideFallsBack(t *testing.T) {
	s := NewScheduler(DefaultSiteLimits(), map[model.Site]SiteLimits{
		model.SiteVAX: {Concurrency: 1},
	})

	assert.Equal(t, DefaultSiteLimits(), s.Limits(model.SiteNavitrip))
	vax := s.Limits(model.SiteVAX)
	assert.Equal(t, 1, vax.Concurrency)
	assert.Equal(t, 1.0, vax.PacePerSecond)
	assert.Equal(t, 1, vax.Burst)
}

func TestScheduler_BoundsConcurrencyPerSite(t *testing.T) {
	s := NewScheduler(SiteLimits{Concurrency: 2}, nil)
	ctx := context.Background()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.Acquire(ctx, model.SiteTrisept)
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Zero(t, s.InFlight(model.SiteTrisept))
}

func TestScheduler_SitesDoNotBlockEachOther(t *testing.T) {
	s := NewScheduler(SiteLimits{Concurrency: 1}, nil)
	ctx := context.Background()

	release, err := s.Acquire(ctx, model.SiteVAX)
	require.NoError(t, err)
	defer release()

	other, err := s.Acquire(ctx, model.SiteNavitrip)
	require.NoError(t, err)
	other()

	// A second VAX task waits until the context ends.
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(waitCtx, model.SiteVAX)
	assert.Error(t, err)
	assert.Equal(t, 1, s.InFlight(model.SiteVAX))
}

func TestScheduler_ReleaseIsIdempotent(t *testing.T) {
	s := NewScheduler(SiteLimits{Concurrency: 1}, nil)
	release, err := s.Acquire(context.Background(), model.SiteVAX)
	require.NoError(t, err)
	release()
	release()
	assert.Zero(t, s.InFlight(model.SiteVAX))
}

func TestScheduler_ObserveAdjustsPace(t *testing.T) {
	s := NewScheduler(SiteLimits{Concurrency: 1, PacePerSecond: 4, Burst: 1}, nil)
	pace := s.slot(model.SiteNavitrip).pace

	s.Observe(model.SiteNavitrip, resilience.ClassRateLimited)
	assert.Equal(t, rate.Limit(2), pace.limit())

	s.Observe(model.SiteNavitrip, resilience.ClassStructural)
	assert.Equal(t, rate.Limit(2), pace.limit())

	s.Observe(model.SiteNavitrip, resilience.ClassNone)
	assert.InDelta(t, 2.4, float64(pace.limit()), 0.01)
}
