package model

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
)

// Validation error codes.
const (
	CodeMissingField      = "missing_field"
	CodeNegativePrice     = "negative_price"
	CodeUnknownCurrency   = "unknown_currency"
	CodeInconsistentTotal = "inconsistent_total"
	CodeInvalidCommission = "invalid_commission"
	CodeOutOfRange        = "out_of_range"
	CodeDuplicate         = "duplicate"
	CodeMalformed         = "malformed_record"
)

// totalTolerance is the relative slack allowed between total and
// nightly × nights, covering per-night rounding on the source site.
const totalTolerance = 0.02

// ValidationError reports a record that breaks a schema rule.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("validation: %s: %s: %s", e.Code, e.Field, e.Message)
}

func invalid(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NormalizeCurrency upper-cases and checks an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return "", invalid(CodeMissingField, "currency", "currency is required")
	}
	unit, err := currency.ParseISO(c)
	if err != nil {
		return "", invalid(CodeUnknownCurrency, "currency", "%q is not a recognized ISO 4217 code", code)
	}
	return unit.String(), nil
}

// ValidateHotel checks a unified hotel record. It does not check uniqueness,
// which is session state.
func ValidateHotel(h *HotelOption) error {
	if h.Site == "" {
		return invalid(CodeMissingField, "site", "site is required")
	}
	if strings.TrimSpace(h.SiteID) == "" {
		return invalid(CodeMissingField, "site_id", "site_id is required")
	}
	if strings.TrimSpace(h.Name) == "" {
		return invalid(CodeMissingField, "name", "name is required")
	}
	if badNumber(h.LeadPrice.Amount) || h.LeadPrice.Amount < 0 {
		return invalid(CodeNegativePrice, "lead_price.amount", "%v is not a non-negative amount", h.LeadPrice.Amount)
	}
	cur, err := NormalizeCurrency(h.LeadPrice.Currency)
	if err != nil {
		return err
	}
	h.LeadPrice.Currency = cur
	if h.StarRating != nil && (*h.StarRating < 0 || *h.StarRating > 5) {
		return invalid(CodeOutOfRange, "star_rating", "%v outside 0-5", *h.StarRating)
	}
	if h.ReviewScore != nil && (*h.ReviewScore < 0 || *h.ReviewScore > 10) {
		return invalid(CodeOutOfRange, "review_score", "%v outside 0-10", *h.ReviewScore)
	}
	if lat := h.Location.Latitude; lat != nil && (*lat < -90 || *lat > 90) {
		return invalid(CodeOutOfRange, "location.latitude", "%v outside -90..90", *lat)
	}
	if lng := h.Location.Longitude; lng != nil && (*lng < -180 || *lng > 180) {
		return invalid(CodeOutOfRange, "location.longitude", "%v outside -180..180", *lng)
	}
	return nil
}

// ValidateRoom checks a unified room record.
func ValidateRoom(r *RoomOption) error {
	if r.Site == "" {
		return invalid(CodeMissingField, "site", "site is required")
	}
	if strings.TrimSpace(r.HotelID) == "" {
		return invalid(CodeMissingField, "hotel_id", "hotel_id is required")
	}
	if strings.TrimSpace(r.RoomID) == "" {
		return invalid(CodeMissingField, "room_id", "room_id is required")
	}
	if badNumber(r.NightlyPrice) || r.NightlyPrice < 0 {
		return invalid(CodeNegativePrice, "nightly_price", "%v is not a non-negative amount", r.NightlyPrice)
	}
	if badNumber(r.TotalPrice) || r.TotalPrice < 0 {
		return invalid(CodeNegativePrice, "total_price", "%v is not a non-negative amount", r.TotalPrice)
	}
	cur, err := NormalizeCurrency(r.Currency)
	if err != nil {
		return err
	}
	r.Currency = cur

	if r.Nights > 0 && r.NightlyPrice > 0 && r.TotalPrice > 0 {
		expected := r.NightlyPrice * float64(r.Nights)
		if math.Abs(r.TotalPrice-expected) > expected*totalTolerance+0.01 {
			return invalid(CodeInconsistentTotal, "total_price",
				"%.2f does not match %.2f x %d nights", r.TotalPrice, r.NightlyPrice, r.Nights)
		}
	}

	c := r.Commission
	if !c.Eligible && (c.Percent != nil || c.Amount != nil) {
		return invalid(CodeInvalidCommission, "commission", "commission set on an ineligible rate")
	}
	if c.Amount != nil && (badNumber(*c.Amount) || *c.Amount < 0) {
		return invalid(CodeInvalidCommission, "commission.amount", "%v is negative", *c.Amount)
	}
	if c.Percent != nil && (*c.Percent < 0 || *c.Percent > 100) {
		return invalid(CodeInvalidCommission, "commission.percent", "%v outside 0-100", *c.Percent)
	}
	return nil
}

func badNumber(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
