package normalize

import (
	"strings"
	"unicode"

	"github.com/sells-group/rate-harvest/internal/model"
)

// enrichHotel fills derived fields on a validated hotel.
func enrichHotel(h *model.HotelOption) {
	if h.CrossSiteID == "" {
		h.CrossSiteID = crossSiteID(h.Name, h.Location.City, h.Location.Country)
	}
	h.LeadPrice.Amount = round2(h.LeadPrice.Amount)
}

// crossSiteID is a best-effort identity for matching the same property across
// sites: a slug of name, city and country.
func crossSiteID(name, city, country string) string {
	parts := []string{slug(name), slug(city), slug(country)}
	if parts[0] == "" {
		return ""
	}
	return strings.Join(parts, "|")
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// enrichRoomPrices derives whichever of nightly and total is missing.
func enrichRoomPrices(r *model.RoomOption) {
	if r.Nights <= 0 {
		return
	}
	switch {
	case r.TotalPrice == 0 && r.NightlyPrice > 0:
		r.TotalPrice = round2(r.NightlyPrice * float64(r.Nights))
	case r.NightlyPrice == 0 && r.TotalPrice > 0:
		r.NightlyPrice = round2(r.TotalPrice / float64(r.Nights))
	}
}

// enrichRoomCommission derives the commission amount from the percentage.
func enrichRoomCommission(r *model.RoomOption) {
	c := &r.Commission
	if !c.Eligible || c.Amount != nil || c.Percent == nil {
		return
	}
	amt := round2(r.TotalPrice * *c.Percent / 100)
	c.Amount = &amt
}
