package extract

import (
	"encoding/json"

	"github.com/sells-group/rate-harvest/internal/model"
)

// RawHotel is a site-specific hotel record. The set of implementations is
// closed: NavitripCard, TriseptHotel, VAXHotel and Malformed.
type RawHotel interface {
	Site() model.Site
	// JSON returns the original record for audit and diagnosis.
	JSON() json.RawMessage
	rawHotel()
}

// RawRoom is a site-specific room record. The set of implementations is
// closed: NavitripRoom, TriseptRoom, VAXRoom and Malformed.
type RawRoom interface {
	Site() model.Site
	JSON() json.RawMessage
	rawRoom()
}

// original returns the record as the site sent it, falling back to the
// typed fields for records built in code.
func original(raw json.RawMessage, v any) json.RawMessage {
	if len(raw) > 0 {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// --- Navitrip: JSON result cards ---

// NavitripPrice is the structured price block on a Navitrip card.
type NavitripPrice struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	PerNight bool    `json:"perNight"`
}

// NavitripCard is one hotel card from a Navitrip search results page.
type NavitripCard struct {
	HotelID      string         `json:"hotelId"`
	Name         string         `json:"name"`
	City         string         `json:"city"`
	State        string         `json:"state,omitempty"`
	Country      string         `json:"country"`
	Lat          *float64       `json:"lat,omitempty"`
	Lng          *float64       `json:"lng,omitempty"`
	Price        *NavitripPrice `json:"price,omitempty"`
	PriceDisplay string         `json:"priceDisplay,omitempty"`
	Stars        *float64       `json:"stars,omitempty"`
	ReviewScore  *float64       `json:"reviewScore,omitempty"`
	Amenities    []string       `json:"amenities,omitempty"`
	Images       []string       `json:"images,omitempty"`
	SoldOut      bool           `json:"soldOut"`
	Position     int            `json:"position"`

	Original json.RawMessage `json:"-"`
}

func (NavitripCard) Site() model.Site        { return model.SiteNavitrip }
func (c NavitripCard) JSON() json.RawMessage { return original(c.Original, c) }
func (NavitripCard) rawHotel()               {}

// NavitripRoom is one rate row from a Navitrip hotel details page.
type NavitripRoom struct {
	HotelID        string   `json:"hotelId"`
	RoomCode       string   `json:"roomCode"`
	RoomName       string   `json:"roomName"`
	RatePlan       string   `json:"ratePlan,omitempty"`
	Board          string   `json:"board,omitempty"`
	NightlyRate    float64  `json:"nightlyRate"`
	TotalRate      float64  `json:"totalRate"`
	Currency       string   `json:"currency"`
	TaxesIncluded  bool     `json:"taxesIncluded"`
	Refundable     bool     `json:"refundable"`
	CancelPolicy   string   `json:"cancelPolicy,omitempty"`
	Commissionable bool     `json:"commissionable"`
	CommissionPct  *float64 `json:"commissionPct,omitempty"`

	Original json.RawMessage `json:"-"`
}

func (NavitripRoom) Site() model.Site        { return model.SiteNavitrip }
func (r NavitripRoom) JSON() json.RawMessage { return original(r.Original, r) }
func (NavitripRoom) rawRoom()                {}

// --- Trisept (Delta Vacations): package-or-hotel JSON ---

// Trisept product types.
const (
	TriseptProductHotel   = "HOTEL"
	TriseptProductPackage = "PACKAGE"
)

// TriseptComponent is one priced element of a bundled package.
type TriseptComponent struct {
	Type  string   `json:"type"` // AIR, HOTEL, TRANSFER, INSURANCE
	Price *float64 `json:"price,omitempty"`
}

// TriseptCommission is the agent commission block on a Trisept rate.
type TriseptCommission struct {
	Eligible bool     `json:"eligible"`
	Percent  *float64 `json:"percent,omitempty"`
	Amount   *float64 `json:"amount,omitempty"`
}

// TriseptHotel is one result from a Trisept availability search.
type TriseptHotel struct {
	HotelCode      string             `json:"hotelCode"`
	HotelName      string             `json:"hotelName"`
	CityName       string             `json:"cityName"`
	StateCode      string             `json:"stateCode,omitempty"`
	CountryCode    string             `json:"countryCode"`
	Latitude       *float64           `json:"latitude,omitempty"`
	Longitude      *float64           `json:"longitude,omitempty"`
	StarRating     *float64           `json:"starRating,omitempty"`
	GuestRating    *float64           `json:"guestRating,omitempty"`
	Currency       string             `json:"currency"`
	ProductType    string             `json:"productType"`
	HotelOnlyPrice *float64           `json:"hotelOnlyPrice,omitempty"`
	PackagePrice   *float64           `json:"packagePrice,omitempty"`
	Components     []TriseptComponent `json:"components,omitempty"`
	Available      bool               `json:"available"`
	Amenities      []string           `json:"amenities,omitempty"`
	Images         []string           `json:"images,omitempty"`
	SortOrder      int                `json:"sortOrder"`

	Original json.RawMessage `json:"-"`
}

func (TriseptHotel) Site() model.Site        { return model.SiteTrisept }
func (h TriseptHotel) JSON() json.RawMessage { return original(h.Original, h) }
func (TriseptHotel) rawHotel()               {}

// TriseptRoom is one room rate from a Trisept hotel detail call.
type TriseptRoom struct {
	HotelCode        string             `json:"hotelCode"`
	RoomTypeCode     string             `json:"roomTypeCode"`
	RateCode         string             `json:"rateCode,omitempty"`
	RoomDescription  string             `json:"roomDescription"`
	MealPlan         string             `json:"mealPlan,omitempty"`
	AvgNightly       *float64           `json:"avgNightly,omitempty"`
	Total            float64            `json:"total"`
	Currency         string             `json:"currency"`
	ProductType      string             `json:"productType"`
	Components       []TriseptComponent `json:"components,omitempty"`
	TaxIncluded      bool               `json:"taxIncluded"`
	NonRefundable    bool               `json:"nonRefundable"`
	CancelPolicyText string             `json:"cancelPolicyText,omitempty"`
	Commission       TriseptCommission  `json:"commission"`

	Original json.RawMessage `json:"-"`
}

func (TriseptRoom) Site() model.Site        { return model.SiteTrisept }
func (r TriseptRoom) JSON() json.RawMessage { return original(r.Original, r) }
func (TriseptRoom) rawRoom()                {}

// --- VAX: proprietary nested JSON ---

// VAXHotel carries an unparsed VAX hotel payload. Its layout shifts between
// VAX releases, so mapping reads it by path.
type VAXHotel struct {
	Payload  json.RawMessage `json:"payload"`
	Position int             `json:"position"`
}

func (VAXHotel) Site() model.Site        { return model.SiteVAX }
func (h VAXHotel) JSON() json.RawMessage { return h.Payload }
func (VAXHotel) rawHotel()               {}

// VAXRoom carries an unparsed VAX room payload for HotelID.
type VAXRoom struct {
	HotelID string          `json:"hotelId"`
	Payload json.RawMessage `json:"payload"`
}

func (VAXRoom) Site() model.Site        { return model.SiteVAX }
func (r VAXRoom) JSON() json.RawMessage { return r.Payload }
func (VAXRoom) rawRoom()                {}

// --- Undecodable records ---

// Malformed is a record that could not be decoded into its site's variant.
// It is yielded in place of the record so the rest of the sequence survives
// and the rejection keeps the payload.
type Malformed struct {
	From    model.Site
	ID      string // best-effort record id, may be empty
	HotelID string // set for room records
	Payload json.RawMessage
	Err     error
}

func (m Malformed) Site() model.Site      { return m.From }
func (m Malformed) JSON() json.RawMessage { return m.Payload }
func (Malformed) rawHotel()               {}
func (Malformed) rawRoom()                {}
