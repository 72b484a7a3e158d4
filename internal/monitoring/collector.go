package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/store"
)

// MetricsSnapshot holds a point-in-time view of extraction health.
type MetricsSnapshot struct {
	// Session metrics (within lookback window).
	SessionsTotal     int     `json:"sessions_total"`
	SessionsCreated   int     `json:"sessions_created"`
	SessionsRunning   int     `json:"sessions_running"`
	SessionsCompleted int     `json:"sessions_completed"`
	SessionsPartial   int     `json:"sessions_partial"`
	SessionsFailed    int     `json:"sessions_failed"`
	FailureRate       float64 `json:"failure_rate"`
	PartialRate       float64 `json:"partial_rate"`

	// Totals of session counters.
	HotelsFound    int `json:"hotels_found"`
	RoomsExtracted int `json:"rooms_extracted"`
	Attempts       int `json:"attempts"`

	// Failed sessions per site.
	FailedBySite map[model.Site]int `json:"failed_by_site,omitempty"`

	// Record errors written in the window.
	RecordErrors int `json:"record_errors"`

	// Terminal sessions with undelivered records.
	Unarchived int `json:"unarchived"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SessionQuerier is the part of store.Store the collector reads.
type SessionQuerier interface {
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
	CountRecordErrors(ctx context.Context, since time.Time) (int, error)
}

// Collector gathers metrics from the session store.
type Collector struct {
	store SessionQuerier
}

// NewCollector creates a new metrics collector.
func NewCollector(st SessionQuerier) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of session metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
		FailedBySite:  make(map[model.Site]int),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	sessions, err := c.store.ListSessions(ctx, store.SessionFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sessions")
	}

	snap.SessionsTotal = len(sessions)
	for _, s := range sessions {
		switch s.Status {
		case model.SessionCreated:
			snap.SessionsCreated++
		case model.SessionRunning:
			snap.SessionsRunning++
		case model.SessionCompleted:
			snap.SessionsCompleted++
		case model.SessionPartial:
			snap.SessionsPartial++
		case model.SessionFailed:
			snap.SessionsFailed++
			snap.FailedBySite[s.Site]++
		}
		if s.Status.IsTerminal() && s.ArchivedAt == nil {
			snap.Unarchived++
		}
		snap.HotelsFound += s.Counters.HotelsFound
		snap.RoomsExtracted += s.Counters.RoomsExtracted
		snap.Attempts += s.Counters.Attempts
	}

	if n := finished(snap); n > 0 {
		snap.FailureRate = float64(snap.SessionsFailed) / float64(n)
		snap.PartialRate = float64(snap.SessionsPartial) / float64(n)
	}

	n, err := c.store.CountRecordErrors(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count record errors")
	}
	snap.RecordErrors = n

	return snap, nil
}
