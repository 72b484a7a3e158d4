package model

import (
	"encoding/json"
	"strings"
)

// RecordKind distinguishes unified record types in the outbox and the sink.
type RecordKind string

const (
	RecordHotel RecordKind = "hotel"
	RecordRoom  RecordKind = "room"
)

// Location is where a hotel is.
type Location struct {
	City      string   `json:"city"`
	Region    string   `json:"region,omitempty"`
	Country   string   `json:"country"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// LeadPrice is the headline price shown for a hotel in search results.
type LeadPrice struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	PerNight bool    `json:"per_night"`
}

// HotelOption is one hotel's availability as discovered on a given site.
type HotelOption struct {
	Site         Site            `json:"site"`
	SiteID       string          `json:"site_id"`
	CrossSiteID  string          `json:"cross_site_id,omitempty"`
	Name         string          `json:"name"`
	Location     Location        `json:"location"`
	LeadPrice    LeadPrice       `json:"lead_price"`
	Available    bool            `json:"available"`
	StarRating   *float64        `json:"star_rating,omitempty"`
	ReviewScore  *float64        `json:"review_score,omitempty"`
	Amenities    []string        `json:"amenities,omitempty"`
	Images       []string        `json:"images,omitempty"`
	IsPackage    bool            `json:"is_package,omitempty"`
	PackageTotal *float64        `json:"package_total,omitempty"`
	Rank         int             `json:"rank"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Key returns the identity of the hotel within a session.
func (h HotelOption) Key() string {
	return HotelKey(h.Site, h.SiteID)
}

// HotelKey builds the (site, site_id) identity.
func HotelKey(site Site, siteID string) string {
	return string(site) + ":" + siteID
}

// Commission describes agent commission on a room rate.
type Commission struct {
	Eligible bool     `json:"eligible"`
	Percent  *float64 `json:"percent,omitempty"`
	Amount   *float64 `json:"amount,omitempty"`
}

// RoomOption is one bookable room configuration for a hotel.
type RoomOption struct {
	Site               Site            `json:"site"`
	HotelID            string          `json:"hotel_id"`
	RoomID             string          `json:"room_id"`
	Name               string          `json:"name"`
	BoardType          string          `json:"board_type,omitempty"`
	NightlyPrice       float64         `json:"nightly_price"`
	TotalPrice         float64         `json:"total_price"`
	Nights             int             `json:"nights,omitempty"`
	Currency           string          `json:"currency"`
	TaxesIncluded      bool            `json:"taxes_included"`
	Refundable         bool            `json:"refundable"`
	CancellationPolicy string          `json:"cancellation_policy,omitempty"`
	Commission         Commission      `json:"commission"`
	Raw                json.RawMessage `json:"raw,omitempty"`
}

// Key returns the identity of the room within a session.
func (r RoomOption) Key() string {
	return RoomKey(r.Site, r.HotelID, r.RoomID)
}

// RoomKey builds the (hotel, room_id) identity.
func RoomKey(site Site, hotelID, roomID string) string {
	return HotelKey(site, hotelID) + "/" + roomID
}

// KeyKind tells a room key from a hotel key by the "/" RoomKey adds after
// the site prefix.
func KeyKind(key string) RecordKind {
	_, id, _ := strings.Cut(key, ":")
	if strings.Contains(id, "/") {
		return RecordRoom
	}
	return RecordHotel
}

// Record is a validated unified record moving through the uploader. Exactly
// one of Hotel or Room is set.
type Record struct {
	Kind   RecordKind   `json:"kind"`
	TaskID string       `json:"task_id"`
	Hotel  *HotelOption `json:"hotel,omitempty"`
	Room   *RoomOption  `json:"room,omitempty"`
}

// Key returns the identity of the wrapped record.
func (r Record) Key() string {
	switch {
	case r.Hotel != nil:
		return r.Hotel.Key()
	case r.Room != nil:
		return r.Room.Key()
	}
	return ""
}

// HotelRecord wraps a hotel for upload.
func HotelRecord(taskID string, h HotelOption) Record {
	return Record{Kind: RecordHotel, TaskID: taskID, Hotel: &h}
}

// RoomRecord wraps a room for upload.
func RoomRecord(taskID string, r RoomOption) Record {
	return Record{Kind: RecordRoom, TaskID: taskID, Room: &r}
}
