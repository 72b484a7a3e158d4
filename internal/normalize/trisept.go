package normalize

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
)

func mapTriseptHotel(t extract.TriseptHotel) (model.HotelOption, error) {
	h := model.HotelOption{
		Site:        model.SiteTrisept,
		SiteID:      strings.TrimSpace(t.HotelCode),
		Name:        strings.TrimSpace(t.HotelName),
		Location:    model.Location{City: t.CityName, Region: t.StateCode, Country: t.CountryCode, Latitude: t.Latitude, Longitude: t.Longitude},
		Available:   t.Available,
		StarRating:  t.StarRating,
		ReviewScore: t.GuestRating,
		Amenities:   t.Amenities,
		Images:      t.Images,
		Rank:        t.SortOrder,
	}

	if isTriseptPackage(t.ProductType) {
		h.IsPackage = true
		h.PackageTotal = t.PackagePrice
		portion, err := triseptHotelPortion(t.HotelOnlyPrice, t.PackagePrice, t.Components)
		if err != nil {
			return h, eris.Wrapf(err, "trisept hotel %s", t.HotelCode)
		}
		h.LeadPrice = model.LeadPrice{Amount: portion, Currency: t.Currency}
		return h, nil
	}

	if t.HotelOnlyPrice == nil {
		return h, missing("lead_price")
	}
	h.LeadPrice = model.LeadPrice{Amount: *t.HotelOnlyPrice, Currency: t.Currency}
	return h, nil
}

func mapTriseptRoom(t extract.TriseptRoom, mc mapContext) (model.RoomOption, error) {
	hotelID := t.HotelCode
	if hotelID == "" {
		hotelID = mc.hotelID
	}
	roomID := t.RoomTypeCode
	if t.RateCode != "" {
		roomID += "-" + t.RateCode
	}
	room := model.RoomOption{
		Site:               model.SiteTrisept,
		HotelID:            hotelID,
		RoomID:             roomID,
		Name:               strings.TrimSpace(t.RoomDescription),
		BoardType:          t.MealPlan,
		TotalPrice:         t.Total,
		Nights:             mc.nights,
		Currency:           t.Currency,
		TaxesIncluded:      t.TaxIncluded,
		Refundable:         !t.NonRefundable,
		CancellationPolicy: t.CancelPolicyText,
	}
	if t.AvgNightly != nil {
		room.NightlyPrice = *t.AvgNightly
	}

	if isTriseptPackage(t.ProductType) {
		total := t.Total
		portion, err := triseptHotelPortion(nil, &total, t.Components)
		if err != nil {
			return room, eris.Wrapf(err, "trisept room %s", roomID)
		}
		room.TotalPrice = portion
		// The average nightly figure is package-wide; rederive it.
		room.NightlyPrice = 0
	}

	if t.Commission.Eligible {
		room.Commission = model.Commission{
			Eligible: true,
			Percent:  t.Commission.Percent,
			Amount:   t.Commission.Amount,
		}
	}
	return room, nil
}

func isTriseptPackage(productType string) bool {
	return strings.EqualFold(productType, extract.TriseptProductPackage)
}

// triseptHotelPortion derives the hotel share of a bundled price. An explicit
// hotel component wins, then a hotel-only price, then the package total less
// every other component, which only works if all of them are priced.
func triseptHotelPortion(hotelOnly, packageTotal *float64, components []extract.TriseptComponent) (float64, error) {
	var others float64
	var othersPriced = true
	var hasOthers bool
	for _, c := range components {
		if strings.EqualFold(c.Type, "HOTEL") {
			if c.Price != nil {
				return *c.Price, nil
			}
			continue
		}
		hasOthers = true
		if c.Price == nil {
			othersPriced = false
			continue
		}
		others += *c.Price
	}

	if hotelOnly != nil {
		return *hotelOnly, nil
	}
	if packageTotal == nil || !hasOthers || !othersPriced {
		return 0, ErrPackageDecompositionUnavailable
	}
	portion := round2(*packageTotal - others)
	if portion <= 0 {
		return 0, ErrPackageDecompositionUnavailable
	}
	return portion, nil
}
