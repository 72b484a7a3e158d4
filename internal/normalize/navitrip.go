package normalize

import (
	"strings"

	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
)

func mapNavitripHotel(c extract.NavitripCard) (model.HotelOption, error) {
	h := model.HotelOption{
		Site:        model.SiteNavitrip,
		SiteID:      strings.TrimSpace(c.HotelID),
		Name:        strings.TrimSpace(c.Name),
		Location:    model.Location{City: c.City, Region: c.State, Country: c.Country, Latitude: c.Lat, Longitude: c.Lng},
		Available:   !c.SoldOut,
		StarRating:  c.Stars,
		ReviewScore: c.ReviewScore,
		Amenities:   c.Amenities,
		Images:      c.Images,
		Rank:        c.Position,
	}

	switch {
	case c.Price != nil:
		h.LeadPrice = model.LeadPrice{Amount: c.Price.Amount, Currency: c.Price.Currency, PerNight: c.Price.PerNight}
	case c.PriceDisplay != "":
		amount, cur, ok := parsePriceDisplay(c.PriceDisplay)
		if !ok {
			return h, missing("lead_price")
		}
		// Navitrip cards show nightly prices unless the card carries a
		// structured price that says otherwise.
		h.LeadPrice = model.LeadPrice{Amount: amount, Currency: cur, PerNight: true}
	case c.SoldOut:
		// Sold-out cards carry no price; keep them as unavailable at zero.
		h.LeadPrice = model.LeadPrice{Currency: "USD", PerNight: true}
	default:
		return h, missing("lead_price")
	}
	return h, nil
}

func mapNavitripRoom(r extract.NavitripRoom, mc mapContext) (model.RoomOption, error) {
	hotelID := r.HotelID
	if hotelID == "" {
		hotelID = mc.hotelID
	}
	roomID := r.RoomCode
	if r.RatePlan != "" {
		roomID += "-" + r.RatePlan
	}
	room := model.RoomOption{
		Site:               model.SiteNavitrip,
		HotelID:            hotelID,
		RoomID:             roomID,
		Name:               strings.TrimSpace(r.RoomName),
		BoardType:          r.Board,
		NightlyPrice:       r.NightlyRate,
		TotalPrice:         r.TotalRate,
		Nights:             mc.nights,
		Currency:           r.Currency,
		TaxesIncluded:      r.TaxesIncluded,
		Refundable:         r.Refundable,
		CancellationPolicy: r.CancelPolicy,
	}
	if r.Commissionable {
		room.Commission = model.Commission{Eligible: true, Percent: r.CommissionPct}
	}
	return room, nil
}
