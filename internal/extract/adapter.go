// Package extract defines the capability each booking-site integration
// implements, and the raw record shapes those integrations produce.
package extract

import (
	"context"
	"iter"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-harvest/internal/model"
)

// Adapter drives one site. Sequences are lazy, finite and not restartable;
// pagination is the adapter's concern. Failures should be wrapped with a
// resilience classification; unclassified failures are treated as
// structural and never retried.
type Adapter interface {
	Site() model.Site
	Search(ctx context.Context, params model.SearchParams) iter.Seq2[RawHotel, error]
	RoomRates(ctx context.Context, hotelID string, params model.SearchParams) iter.Seq2[RawRoom, error]
}

// ErrNoAdapter is returned for a site without a registered adapter.
var ErrNoAdapter = eris.New("extract: no adapter registered")

// Registry maps sites to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Site]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Site]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its site.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Site()] = a
}

// Get returns the adapter for site.
func (r *Registry) Get(site model.Site) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[site]
	if !ok {
		return nil, eris.Wrapf(ErrNoAdapter, "site %q", site)
	}
	return a, nil
}

// Collect drains seq. On error it returns the items yielded before the
// failure together with the error, so callers can keep partial results.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// FromSlice returns a sequence over items, optionally ending with err.
// Useful for adapters that fetch a whole page at once, and for tests.
func FromSlice[T any](items []T, err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
		if err != nil {
			var zero T
			yield(zero, err)
		}
	}
}
