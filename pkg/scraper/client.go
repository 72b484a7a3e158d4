// Package scraper implements extract.Adapter on top of a remote scraper
// worker that drives the browser for each booking site.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/resilience"
)

var tracer = otel.Tracer("rate-harvest/pkg/scraper")

const defaultMaxPages = 20

// SearchRequest is the body for POST /v1/{site}/search.
type SearchRequest struct {
	Params model.SearchParams `json:"params"`
	Cursor string             `json:"cursor,omitempty"`
}

// RoomsRequest is the body for POST /v1/{site}/hotels/{id}/rooms.
type RoomsRequest struct {
	Params model.SearchParams `json:"params"`
	Cursor string             `json:"cursor,omitempty"`
}

// WorkerError is a failure the worker already classified, returned with a
// 200 status when the page loaded but extraction did not.
type WorkerError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// Page is one page of raw records from the worker.
type Page struct {
	Records    []json.RawMessage `json:"records"`
	NextCursor string            `json:"next_cursor,omitempty"`
	Error      *WorkerError      `json:"error,omitempty"`
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout overrides the per-page timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.http.SetTimeout(d) }
}

// WithMaxPages bounds pagination.
func WithMaxPages(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxPages = n
		}
	}
}

// Adapter is the worker-backed extract.Adapter for one site.
type Adapter struct {
	site     model.Site
	http     *resty.Client
	maxPages int
}

var _ extract.Adapter = (*Adapter)(nil)

// New creates an adapter for site against the worker at baseURL.
func New(site model.Site, baseURL string, opts ...Option) *Adapter {
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(90*time.Second).
		SetHeader("Content-Type", "application/json")
	a := &Adapter{site: site, http: hc, maxPages: defaultMaxPages}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NewAll creates one adapter per supported site.
func NewAll(baseURL string, opts ...Option) []extract.Adapter {
	out := make([]extract.Adapter, 0, len(model.Sites))
	for _, s := range model.Sites {
		out = append(out, New(s, baseURL, opts...))
	}
	return out
}

// Site implements extract.Adapter.
func (a *Adapter) Site() model.Site { return a.site }

// Search implements extract.Adapter.
func (a *Adapter) Search(ctx context.Context, params model.SearchParams) iter.Seq2[extract.RawHotel, error] {
	path := fmt.Sprintf("/v1/%s/search", a.site)
	return func(yield func(extract.RawHotel, error) bool) {
		position := 0
		for page, err := range a.pages(ctx, "search", path, func(cursor string) any {
			return SearchRequest{Params: params, Cursor: cursor}
		}) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page.Records {
				position++
				h, err := decodeHotel(a.site, rec, position)
				if !yield(h, err) || err != nil {
					return
				}
			}
		}
	}
}

// RoomRates implements extract.Adapter.
func (a *Adapter) RoomRates(ctx context.Context, hotelID string, params model.SearchParams) iter.Seq2[extract.RawRoom, error] {
	path := fmt.Sprintf("/v1/%s/hotels/%s/rooms", a.site, url.PathEscape(hotelID))
	return func(yield func(extract.RawRoom, error) bool) {
		for page, err := range a.pages(ctx, "room_rates", path, func(cursor string) any {
			return RoomsRequest{Params: params, Cursor: cursor}
		}) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page.Records {
				r, err := decodeRoom(a.site, hotelID, rec)
				if !yield(r, err) || err != nil {
					return
				}
			}
		}
	}
}

// pages walks the worker's cursor pagination lazily.
func (a *Adapter) pages(ctx context.Context, op, path string, body func(cursor string) any) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		cursor := ""
		for n := 0; n < a.maxPages; n++ {
			page, err := a.fetch(ctx, op, path, body(cursor))
			if !yield(page, err) || err != nil {
				return
			}
			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
		zap.L().Warn("scraper: page limit reached",
			zap.String("site", string(a.site)),
			zap.String("op", op),
			zap.Int("max_pages", a.maxPages),
		)
	}
}

func (a *Adapter) fetch(ctx context.Context, op, path string, body any) (*Page, error) {
	ctx, span := tracer.Start(ctx, "scraper."+op)
	defer span.End()
	span.SetAttributes(attribute.String("site", string(a.site)), attribute.String("path", path))

	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		span.RecordError(err)
		if resilience.IsTransient(err) {
			return nil, resilience.Transient(op, err)
		}
		return nil, resilience.Structural(op, eris.Wrapf(err, "scraper: POST %s", path))
	}

	status := resp.StatusCode()
	span.SetAttributes(attribute.Int("http.status_code", status))
	if blocked, kind := resilience.DetectChallenge(status, resp.Header(), resp.Body()); blocked {
		ee := resilience.RateLimited(op, eris.Errorf("scraper: %s challenge on %s", kind, a.site))
		ee.StatusCode = status
		return nil, ee
	}
	if resp.IsError() {
		ee := resilience.NewError(resilience.ClassForHTTPStatus(status), op,
			eris.Errorf("scraper: HTTP %d from worker", status))
		ee.StatusCode = status
		return nil, ee
	}

	var page Page
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, resilience.Structural(op, eris.Wrap(err, "scraper: decode page"))
	}
	if page.Error != nil {
		return nil, workerError(op, page.Error)
	}
	return &page, nil
}

func workerError(op string, we *WorkerError) error {
	class := resilience.Class(we.Class)
	switch class {
	case resilience.ClassTransient, resilience.ClassRateLimited, resilience.ClassAuth, resilience.ClassStructural:
	default:
		class = resilience.ClassStructural
	}
	return resilience.NewError(class, op, eris.New(we.Message))
}

func decodeHotel(site model.Site, rec json.RawMessage, position int) (extract.RawHotel, error) {
	switch site {
	case model.SiteNavitrip:
		var c extract.NavitripCard
		if err := json.Unmarshal(rec, &c); err != nil {
			return malformedRecord(site, rec, "hotelId", "", err), nil
		}
		c.Original = rec
		if c.Position == 0 {
			c.Position = position
		}
		return c, nil
	case model.SiteTrisept:
		var h extract.TriseptHotel
		if err := json.Unmarshal(rec, &h); err != nil {
			return malformedRecord(site, rec, "hotelCode", "", err), nil
		}
		h.Original = rec
		if h.SortOrder == 0 {
			h.SortOrder = position
		}
		return h, nil
	case model.SiteVAX:
		return extract.VAXHotel{Payload: rec, Position: position}, nil
	}
	return nil, resilience.Structural("search", eris.Errorf("scraper: unsupported site %q", site))
}

func decodeRoom(site model.Site, hotelID string, rec json.RawMessage) (extract.RawRoom, error) {
	switch site {
	case model.SiteNavitrip:
		var r extract.NavitripRoom
		if err := json.Unmarshal(rec, &r); err != nil {
			return malformedRecord(site, rec, "roomCode", hotelID, err), nil
		}
		r.Original = rec
		if r.HotelID == "" {
			r.HotelID = hotelID
		}
		return r, nil
	case model.SiteTrisept:
		var r extract.TriseptRoom
		if err := json.Unmarshal(rec, &r); err != nil {
			return malformedRecord(site, rec, "roomTypeCode", hotelID, err), nil
		}
		r.Original = rec
		if r.HotelCode == "" {
			r.HotelCode = hotelID
		}
		return r, nil
	case model.SiteVAX:
		return extract.VAXRoom{HotelID: hotelID, Payload: rec}, nil
	}
	return nil, resilience.Structural("room_rates", eris.Errorf("scraper: unsupported site %q", site))
}

// malformedRecord wraps a record that does not fit its site's shape. The id
// is read by path so the rejection can still be attributed.
func malformedRecord(site model.Site, rec json.RawMessage, idPath, hotelID string, err error) extract.Malformed {
	id := gjson.GetBytes(rec, idPath).String()
	zap.L().Warn("scraper: malformed record",
		zap.String("site", string(site)),
		zap.String("id", id),
		zap.Error(err),
	)
	return extract.Malformed{
		From:    site,
		ID:      id,
		HotelID: hotelID,
		Payload: rec,
		Err:     eris.Wrapf(err, "scraper: decode %s record", site),
	}
}
