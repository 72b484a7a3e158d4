package normalize

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
)

// mapContext is what a mapper may know beyond the raw record.
type mapContext struct {
	params  model.SearchParams
	nights  int
	hotelID string
}

// mapHotel dispatches on the raw variant. Mappers are pure.
func mapHotel(raw extract.RawHotel, mc mapContext) (model.HotelOption, error) {
	switch r := raw.(type) {
	case extract.NavitripCard:
		return mapNavitripHotel(r)
	case extract.TriseptHotel:
		return mapTriseptHotel(r)
	case extract.VAXHotel:
		return mapVAXHotel(r)
	case extract.Malformed:
		return model.HotelOption{Site: r.From, SiteID: r.ID}, malformed(r)
	default:
		return model.HotelOption{}, eris.Errorf("normalize: unsupported hotel record %T", raw)
	}
}

// mapRoom dispatches on the raw variant. Mappers are pure.
func mapRoom(raw extract.RawRoom, mc mapContext) (model.RoomOption, error) {
	switch r := raw.(type) {
	case extract.NavitripRoom:
		return mapNavitripRoom(r, mc)
	case extract.TriseptRoom:
		return mapTriseptRoom(r, mc)
	case extract.VAXRoom:
		return mapVAXRoom(r, mc)
	case extract.Malformed:
		return model.RoomOption{Site: r.From, HotelID: r.HotelID, RoomID: r.ID}, malformed(r)
	default:
		return model.RoomOption{}, eris.Errorf("normalize: unsupported room record %T", raw)
	}
}

var currencySymbols = []struct {
	symbol string
	code   string
}{
	// Longest symbols first so "MX$" is not read as "$".
	{"MX$", "MXN"},
	{"CA$", "CAD"},
	{"C$", "CAD"},
	{"A$", "AUD"},
	{"US$", "USD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
}

// parsePriceDisplay reads strings like "$1,234.56", "€ 99" or "USD 120.00".
func parsePriceDisplay(s string) (amount float64, currency string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", false
	}
	for _, cs := range currencySymbols {
		if strings.HasPrefix(s, cs.symbol) {
			currency = cs.code
			s = strings.TrimPrefix(s, cs.symbol)
			break
		}
	}
	if currency == "" {
		fields := strings.Fields(s)
		if len(fields) == 2 && isAlpha(fields[0]) && len(fields[0]) == 3 {
			currency, s = strings.ToUpper(fields[0]), fields[1]
		} else if len(fields) == 2 && isAlpha(fields[1]) && len(fields[1]) == 3 {
			currency, s = strings.ToUpper(fields[1]), fields[0]
		}
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || currency == "" {
		return 0, "", false
	}
	return v, currency, true
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func malformed(m extract.Malformed) error {
	msg := "record could not be decoded"
	if m.Err != nil {
		msg = m.Err.Error()
	}
	return &model.ValidationError{Code: model.CodeMalformed, Message: msg}
}

func missing(field string) error {
	return &model.ValidationError{Code: model.CodeMissingField, Field: field, Message: field + " is required"}
}
