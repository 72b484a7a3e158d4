// Package sink holds ingest sink implementations for the batch uploader.
package sink

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/db"
	"github.com/sells-group/rate-harvest/internal/model"
)

var hotelColumns = []string{
	"site", "site_id", "cross_site_id", "name", "city", "region", "country",
	"latitude", "longitude", "lead_amount", "lead_currency", "lead_per_night",
	"available", "star_rating", "review_score", "amenities", "images",
	"is_package", "package_total", "rank", "raw",
}

var roomColumns = []string{
	"site", "hotel_id", "room_id", "name", "board_type", "nightly_price",
	"total_price", "nights", "currency", "taxes_included", "refundable",
	"cancellation_policy", "commission_eligible", "commission_percent",
	"commission_amount", "raw",
}

// PostgresSink upserts unified records into hotel_options and room_options.
// Re-delivering an identical record leaves the row untouched.
type PostgresSink struct {
	pool   db.Pool
	schema string
}

// NewPostgres creates a sink writing into schema ("public" when empty).
func NewPostgres(pool db.Pool, schema string) *PostgresSink {
	if schema == "" {
		schema = "public"
	}
	return &PostgresSink{pool: pool, schema: schema}
}

func (s *PostgresSink) table(name string) string {
	return s.schema + "." + name
}

// Migrate creates the sink tables.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	ddl := `
CREATE SCHEMA IF NOT EXISTS ` + s.schema + `;

CREATE TABLE IF NOT EXISTS ` + s.table("hotel_options") + ` (
	site            TEXT NOT NULL,
	site_id         TEXT NOT NULL,
	cross_site_id   TEXT,
	name            TEXT NOT NULL,
	city            TEXT,
	region          TEXT,
	country         TEXT,
	latitude        DOUBLE PRECISION,
	longitude       DOUBLE PRECISION,
	lead_amount     NUMERIC(12,2) NOT NULL,
	lead_currency   CHAR(3) NOT NULL,
	lead_per_night  BOOLEAN NOT NULL DEFAULT false,
	available       BOOLEAN NOT NULL DEFAULT true,
	star_rating     REAL,
	review_score    REAL,
	amenities       JSONB,
	images          JSONB,
	is_package      BOOLEAN NOT NULL DEFAULT false,
	package_total   NUMERIC(12,2),
	rank            INTEGER NOT NULL DEFAULT 0,
	raw             JSONB,
	ingested_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (site, site_id)
);

CREATE INDEX IF NOT EXISTS idx_hotel_options_cross_site ON ` + s.table("hotel_options") + ` (cross_site_id);

CREATE TABLE IF NOT EXISTS ` + s.table("room_options") + ` (
	site                 TEXT NOT NULL,
	hotel_id             TEXT NOT NULL,
	room_id              TEXT NOT NULL,
	name                 TEXT NOT NULL,
	board_type           TEXT,
	nightly_price        NUMERIC(12,2) NOT NULL,
	total_price          NUMERIC(12,2) NOT NULL,
	nights               INTEGER,
	currency             CHAR(3) NOT NULL,
	taxes_included       BOOLEAN NOT NULL DEFAULT false,
	refundable           BOOLEAN NOT NULL DEFAULT false,
	cancellation_policy  TEXT,
	commission_eligible  BOOLEAN NOT NULL DEFAULT false,
	commission_percent   NUMERIC(6,2),
	commission_amount    NUMERIC(12,2),
	raw                  JSONB,
	ingested_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (site, hotel_id, room_id)
);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrap(err, "sink: migrate")
	}
	return nil
}

// IngestHotels implements upload.Sink.
func (s *PostgresSink) IngestHotels(ctx context.Context, hotels []model.HotelOption) ([]string, error) {
	rows := make([][]any, 0, len(hotels))
	for _, h := range hotels {
		amenities, err := jsonList(h.Amenities)
		if err != nil {
			return nil, eris.Wrapf(err, "sink: marshal amenities for %s", h.Key())
		}
		images, err := jsonList(h.Images)
		if err != nil {
			return nil, eris.Wrapf(err, "sink: marshal images for %s", h.Key())
		}
		rows = append(rows, []any{
			string(h.Site), h.SiteID, nullString(h.CrossSiteID), h.Name,
			h.Location.City, nullString(h.Location.Region), h.Location.Country,
			h.Location.Latitude, h.Location.Longitude,
			h.LeadPrice.Amount, h.LeadPrice.Currency, h.LeadPrice.PerNight,
			h.Available, h.StarRating, h.ReviewScore, amenities, images,
			h.IsPackage, h.PackageTotal, h.Rank, rawJSON(h.Raw),
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        s.table("hotel_options"),
		Columns:      hotelColumns,
		ConflictKeys: []string{"site", "site_id"},
		OnlyChanged:  true,
	}, rows)
	if err != nil {
		return nil, eris.Wrap(err, "sink: ingest hotels")
	}
	zap.L().Debug("sink: hotels upserted", zap.Int("sent", len(rows)), zap.Int64("changed", n))
	return nil, nil
}

// IngestRooms implements upload.Sink.
func (s *PostgresSink) IngestRooms(ctx context.Context, rooms []model.RoomOption) ([]string, error) {
	rows := make([][]any, 0, len(rooms))
	for _, r := range rooms {
		rows = append(rows, []any{
			string(r.Site), r.HotelID, r.RoomID, r.Name, nullString(r.BoardType),
			r.NightlyPrice, r.TotalPrice, r.Nights, r.Currency,
			r.TaxesIncluded, r.Refundable, nullString(r.CancellationPolicy),
			r.Commission.Eligible, r.Commission.Percent, r.Commission.Amount,
			rawJSON(r.Raw),
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        s.table("room_options"),
		Columns:      roomColumns,
		ConflictKeys: []string{"site", "hotel_id", "room_id"},
		OnlyChanged:  true,
	}, rows)
	if err != nil {
		return nil, eris.Wrap(err, "sink: ingest rooms")
	}
	zap.L().Debug("sink: rooms upserted", zap.Int("sent", len(rows)), zap.Int64("changed", n))
	return nil, nil
}

func jsonList(v []string) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func rawJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
