package normalize

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
)

// first returns the first path that exists in doc.
func first(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := doc.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func optFloat(r gjson.Result) *float64 {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := r.Float()
	return &v
}

func stringList(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseVAX(payload []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, eris.New("vax: payload is not valid JSON")
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return gjson.Result{}, eris.New("vax: payload is not an object")
	}
	return doc, nil
}

func mapVAXHotel(v extract.VAXHotel) (model.HotelOption, error) {
	doc, err := parseVAX(v.Payload)
	if err != nil {
		return model.HotelOption{Site: model.SiteVAX}, err
	}
	info := doc.Get("HotelInfo")

	h := model.HotelOption{
		Site:   model.SiteVAX,
		SiteID: strings.TrimSpace(first(doc, "HotelInfo.HotelCode", "hotelCode", "id").String()),
		Name:   strings.TrimSpace(info.Get("Name").String()),
		Location: model.Location{
			City:      info.Get("Address.City").String(),
			Region:    info.Get("Address.State").String(),
			Country:   info.Get("Address.CountryCode").String(),
			Latitude:  optFloat(info.Get("Position.Latitude")),
			Longitude: optFloat(info.Get("Position.Longitude")),
		},
		Available:   strings.EqualFold(doc.Get("Availability.Status").String(), "AVAILABLE"),
		StarRating:  optFloat(info.Get("Rating")),
		ReviewScore: optFloat(info.Get("GuestScore")),
		Amenities:   stringList(info.Get("Amenities.#.Name")),
		Images:      stringList(info.Get("Images.#.Url")),
		Rank:        v.Position,
	}

	lead := doc.Get("Pricing.LeadRate")
	pkg := doc.Get("Pricing.PackageRate")
	switch {
	case pkg.Exists():
		h.IsPackage = true
		h.PackageTotal = optFloat(pkg.Get("Total"))
		portion := pkg.Get("HotelPortion")
		if !portion.Exists() {
			return h, eris.Wrapf(ErrPackageDecompositionUnavailable, "vax hotel %s", h.SiteID)
		}
		h.LeadPrice = model.LeadPrice{
			Amount:   portion.Float(),
			Currency: pkg.Get("CurrencyCode").String(),
		}
		if h.LeadPrice.Currency == "" {
			h.LeadPrice.Currency = lead.Get("CurrencyCode").String()
		}
	case lead.Get("Amount").Exists():
		h.LeadPrice = model.LeadPrice{
			Amount:   lead.Get("Amount").Float(),
			Currency: lead.Get("CurrencyCode").String(),
			PerNight: lead.Get("PerNight").Bool(),
		}
	default:
		return h, missing("lead_price")
	}
	return h, nil
}

func mapVAXRoom(v extract.VAXRoom, mc mapContext) (model.RoomOption, error) {
	doc, err := parseVAX(v.Payload)
	if err != nil {
		return model.RoomOption{Site: model.SiteVAX, HotelID: v.HotelID}, err
	}
	hotelID := v.HotelID
	if hotelID == "" {
		hotelID = mc.hotelID
	}
	rate := doc.Get("Rate")
	room := model.RoomOption{
		Site:               model.SiteVAX,
		HotelID:            hotelID,
		RoomID:             strings.TrimSpace(first(doc, "RoomCode", "roomCode").String()),
		Name:               strings.TrimSpace(doc.Get("RoomName").String()),
		BoardType:          doc.Get("Board").String(),
		NightlyPrice:       rate.Get("Nightly").Float(),
		TotalPrice:         rate.Get("Total").Float(),
		Nights:             mc.nights,
		Currency:           rate.Get("CurrencyCode").String(),
		TaxesIncluded:      rate.Get("TaxIncluded").Bool(),
		Refundable:         doc.Get("Policy.Refundable").Bool(),
		CancellationPolicy: doc.Get("Policy.CancellationText").String(),
	}
	if !rate.Get("Nightly").Exists() && !rate.Get("Total").Exists() {
		return room, missing("rate")
	}
	if doc.Get("Commission.Eligible").Bool() {
		room.Commission = model.Commission{
			Eligible: true,
			Percent:  optFloat(doc.Get("Commission.Percent")),
			Amount:   optFloat(doc.Get("Commission.Amount")),
		}
	}
	return room, nil
}
