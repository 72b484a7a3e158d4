// Package normalize maps site-specific raw records into the unified hotel
// and room schema, validates them and filters them for a session.
package normalize

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
)

// ErrPackageDecompositionUnavailable is returned by a mapper when a bundled
// package price cannot be split into a hotel portion.
var ErrPackageDecompositionUnavailable = eris.New("package decomposition unavailable")

// Rejection codes beyond the model validation codes.
const (
	CodePackageDecomposition = "package_decomposition_unavailable"
	CodeUnmappable           = "unmappable"
)

// Rejection is a raw record that did not make it into the output set.
type Rejection struct {
	Key  string
	Code string
	Err  error
	Raw  json.RawMessage
}

// HotelResult is the outcome of normalizing one batch of raw hotels.
type HotelResult struct {
	Hotels     []model.HotelOption
	Rejected   []Rejection
	Duplicates int
	Filtered   int
}

// RoomResult is the outcome of normalizing one batch of raw rooms.
type RoomResult struct {
	Rooms      []model.RoomOption
	Rejected   []Rejection
	Duplicates int
}

// Pipeline is session-scoped: it remembers every record identity it has
// emitted so the unified set stays unique per (site, site_id) and
// (hotel, room_id) regardless of arrival order. Safe for concurrent use.
type Pipeline struct {
	params model.SearchParams
	opts   model.Options

	mu     sync.Mutex
	seen   map[string]struct{}
	hotels int
}

// New creates a pipeline for one session. seenKeys are identities already
// emitted in earlier runs of the session (resume); hotelsSeen is how many
// of those were hotels, for the max-hotels bound.
func New(params model.SearchParams, opts model.Options, seenKeys []string, hotelsSeen int) *Pipeline {
	p := &Pipeline{
		params: params,
		opts:   opts,
		seen:   make(map[string]struct{}, len(seenKeys)),
		hotels: hotelsSeen,
	}
	for _, k := range seenKeys {
		p.seen[k] = struct{}{}
	}
	return p
}

// Hotels runs map → validate → enrich → dedupe → filter over raws in order.
// A bad record never affects its siblings.
func (p *Pipeline) Hotels(raws []extract.RawHotel) HotelResult {
	var res HotelResult
	mc := mapContext{params: p.params, nights: p.params.Nights()}

	for _, raw := range raws {
		h, err := mapHotel(raw, mc)
		if err == nil {
			err = model.ValidateHotel(&h)
		}
		if err != nil {
			res.Rejected = append(res.Rejected, reject(h.Key(), raw.JSON(), err))
			continue
		}
		enrichHotel(&h)
		h.Raw = raw.JSON()

		p.mu.Lock()
		if _, dup := p.seen[h.Key()]; dup {
			p.mu.Unlock()
			res.Duplicates++
			continue
		}
		if !p.passesFilters(h) {
			p.mu.Unlock()
			res.Filtered++
			continue
		}
		p.seen[h.Key()] = struct{}{}
		p.hotels++
		p.mu.Unlock()

		res.Hotels = append(res.Hotels, h)
	}
	return res
}

// Rooms runs the same sequence for the room records of one hotel.
func (p *Pipeline) Rooms(hotelID string, raws []extract.RawRoom) RoomResult {
	var res RoomResult
	mc := mapContext{params: p.params, nights: p.params.Nights(), hotelID: hotelID}

	for _, raw := range raws {
		r, err := mapRoom(raw, mc)
		if err == nil {
			enrichRoomPrices(&r)
			err = model.ValidateRoom(&r)
		}
		if err != nil {
			res.Rejected = append(res.Rejected, reject(r.Key(), raw.JSON(), err))
			continue
		}
		enrichRoomCommission(&r)
		r.Raw = raw.JSON()

		p.mu.Lock()
		if _, dup := p.seen[r.Key()]; dup {
			p.mu.Unlock()
			res.Duplicates++
			continue
		}
		p.seen[r.Key()] = struct{}{}
		p.mu.Unlock()

		res.Rooms = append(res.Rooms, r)
	}
	return res
}

// passesFilters must be called with p.mu held.
func (p *Pipeline) passesFilters(h model.HotelOption) bool {
	o := p.opts
	if o.MaxHotels > 0 && p.hotels >= o.MaxHotels {
		return false
	}
	if o.MinPrice > 0 && h.LeadPrice.Amount < o.MinPrice {
		return false
	}
	if o.MaxPrice > 0 && h.LeadPrice.Amount > o.MaxPrice {
		return false
	}
	if o.MinStars > 0 && (h.StarRating == nil || *h.StarRating < o.MinStars) {
		return false
	}
	return true
}

func reject(key string, raw json.RawMessage, err error) Rejection {
	r := Rejection{Key: key, Err: err, Raw: raw}
	var ve *model.ValidationError
	switch {
	case errors.Is(err, ErrPackageDecompositionUnavailable):
		r.Code = CodePackageDecomposition
	case errors.As(err, &ve):
		r.Code = ve.Code
	default:
		r.Code = CodeUnmappable
	}
	zap.L().Debug("normalize: record rejected",
		zap.String("key", key),
		zap.String("code", r.Code),
		zap.Error(err),
	)
	return r
}
