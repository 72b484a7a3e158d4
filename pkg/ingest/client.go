// Package ingest is a client for the trip-planning ingest API that stores
// unified hotel and room options.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/resilience"
)

// HotelsRequest is the body for POST /v1/hotel-options.
type HotelsRequest struct {
	Records []model.HotelOption `json:"records"`
}

// RoomsRequest is the body for POST /v1/room-options.
type RoomsRequest struct {
	Records []model.RoomOption `json:"records"`
}

// RecordFailure names one record the API refused.
type RecordFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// Response is the body returned by both ingest endpoints.
type Response struct {
	Accepted int             `json:"accepted"`
	Failed   []RecordFailure `json:"failed,omitempty"`
}

// APIError is returned when the ingest API responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ingest: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// Client posts record batches to the ingest API. It implements upload.Sink.
type Client struct {
	http *resty.Client
}

// NewClient creates an ingest client for baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "rate-harvest/1.0")
	if apiKey != "" {
		hc.SetAuthToken(apiKey)
	}
	c := &Client{http: hc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IngestHotels posts one batch of hotels.
func (c *Client) IngestHotels(ctx context.Context, hotels []model.HotelOption) ([]string, error) {
	return c.post(ctx, "/v1/hotel-options", HotelsRequest{Records: hotels})
}

// IngestRooms posts one batch of rooms.
func (c *Client) IngestRooms(ctx context.Context, rooms []model.RoomOption) ([]string, error) {
	return c.post(ctx, "/v1/room-options", RoomsRequest{Records: rooms})
}

func (c *Client) post(ctx context.Context, path string, body any) ([]string, error) {
	var out Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: POST %s", path)
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
		class := resilience.ClassForHTTPStatus(resp.StatusCode())
		if class == resilience.ClassStructural {
			// A 4xx the API understood is a bad batch, not a site change.
			class = resilience.ClassValidation
		}
		ee := resilience.NewError(class, "ingest", apiErr)
		ee.StatusCode = resp.StatusCode()
		return nil, ee
	}

	failed := make([]string, 0, len(out.Failed))
	for _, f := range out.Failed {
		failed = append(failed, f.Key)
	}
	return failed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
