package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Site identifies an upstream booking site.
type Site string

const (
	SiteNavitrip Site = "navitrip"
	SiteTrisept  Site = "trisept"
	SiteVAX      Site = "vax"
)

// Sites lists every supported site in a stable order.
var Sites = []Site{SiteNavitrip, SiteTrisept, SiteVAX}

// ParseSite normalizes and validates a site identifier. "delta" is accepted
// as an alias for Trisept, which powers Delta Vacations.
func ParseSite(s string) (Site, error) {
	v := Site(strings.ToLower(strings.TrimSpace(s)))
	if v == "delta" {
		v = SiteTrisept
	}
	if !slices.Contains(Sites, v) {
		return "", eris.Errorf("unknown site %q", s)
	}
	return v, nil
}

// Occupancy describes who is staying.
type Occupancy struct {
	Adults    int   `json:"adults"`
	Children  int   `json:"children,omitempty"`
	ChildAges []int `json:"child_ages,omitempty"`
	Rooms     int   `json:"rooms,omitempty"`
}

// SearchParams is the site-independent search request.
type SearchParams struct {
	Destination string    `json:"destination"`
	CheckIn     time.Time `json:"check_in"`
	CheckOut    time.Time `json:"check_out"`
	Occupancy   Occupancy `json:"occupancy"`
	// Origin is the departure airport for package-style sites.
	Origin string `json:"origin,omitempty"`
}

// Nights returns the number of nights in the stay, or 0 if the range is unset.
func (p SearchParams) Nights() int {
	if p.CheckIn.IsZero() || p.CheckOut.IsZero() {
		return 0
	}
	n := int(p.CheckOut.Sub(p.CheckIn).Hours() / 24)
	if n < 0 {
		return 0
	}
	return n
}

// Validate checks that the search parameters are usable.
func (p SearchParams) Validate() error {
	if strings.TrimSpace(p.Destination) == "" {
		return eris.New("search: destination is required")
	}
	if p.CheckIn.IsZero() || p.CheckOut.IsZero() {
		return eris.New("search: check_in and check_out are required")
	}
	if !p.CheckOut.After(p.CheckIn) {
		return eris.New("search: check_out must be after check_in")
	}
	if p.Occupancy.Adults < 1 {
		return eris.New("search: at least one adult is required")
	}
	return nil
}

// Options tune what a session extracts.
type Options struct {
	MaxHotels  int     `json:"max_hotels,omitempty"`
	MinPrice   float64 `json:"min_price,omitempty"`
	MaxPrice   float64 `json:"max_price,omitempty"`
	MinStars   float64 `json:"min_stars,omitempty"`
	FetchRooms bool    `json:"fetch_rooms,omitempty"`
	// HotelIDs restricts a rooms-only session to these site-local hotel ids.
	HotelIDs []string `json:"hotel_ids,omitempty"`
}

// Fingerprint returns a stable digest of the (trip, site, search, options)
// tuple used to detect duplicate active sessions.
func Fingerprint(tripID string, site Site, params SearchParams, opts Options) string {
	ids := slices.Clone(opts.HotelIDs)
	slices.Sort(ids)
	payload := struct {
		Trip     string       `json:"trip"`
		Site     Site         `json:"site"`
		Search   SearchParams `json:"search"`
		HotelIDs []string     `json:"hotel_ids,omitempty"`
		Rooms    bool         `json:"rooms"`
	}{
		Trip:     strings.TrimSpace(tripID),
		Site:     site,
		Search:   normalizeSearch(params),
		HotelIDs: ids,
		Rooms:    opts.FetchRooms || len(ids) > 0,
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

func normalizeSearch(p SearchParams) SearchParams {
	p.Destination = strings.ToLower(strings.TrimSpace(p.Destination))
	p.Origin = strings.ToUpper(strings.TrimSpace(p.Origin))
	p.CheckIn = p.CheckIn.UTC().Truncate(24 * time.Hour)
	p.CheckOut = p.CheckOut.UTC().Truncate(24 * time.Hour)
	return p
}
