package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func validHotel() HotelOption {
	return HotelOption{
		Site:      SiteNavitrip,
		SiteID:    "H1",
		Name:      "Hotel Azul",
		Location:  Location{City: "Cancun", Country: "MX"},
		LeadPrice: LeadPrice{Amount: 120, Currency: "usd", PerNight: true},
		Available: true,
	}
}

func validRoom() RoomOption {
	return RoomOption{
		Site:         SiteVAX,
		HotelID:      "H1",
		RoomID:       "R1",
		Name:         "King Deluxe",
		NightlyPrice: 100,
		TotalPrice:   300,
		Nights:       3,
		Currency:     "EUR",
	}
}

func TestValidateHotel(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *HotelOption)
		code   string
	}{
		{"valid", func(h *HotelOption) {}, ""},
		{"negative price", func(h *HotelOption) { h.LeadPrice.Amount = -1 }, CodeNegativePrice},
		{"unknown currency", func(h *HotelOption) { h.LeadPrice.Currency = "ZZZ" }, CodeUnknownCurrency},
		{"missing currency", func(h *HotelOption) { h.LeadPrice.Currency = "" }, CodeMissingField},
		{"missing site id", func(h *HotelOption) { h.SiteID = " " }, CodeMissingField},
		{"missing name", func(h *HotelOption) { h.Name = "" }, CodeMissingField},
		{"stars out of range", func(h *HotelOption) { h.StarRating = ptr(6.0) }, CodeOutOfRange},
		{"latitude out of range", func(h *HotelOption) { h.Location.Latitude = ptr(91.0) }, CodeOutOfRange},
		{"zero price ok", func(h *HotelOption) { h.LeadPrice.Amount = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHotel()
			tt.mutate(&h)
			err := ValidateHotel(&h)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.code, ve.Code)
		})
	}
}

func TestValidateHotel_NormalizesCurrency(t *testing.T) {
	h := validHotel()
	require.NoError(t, ValidateHotel(&h))
	assert.Equal(t, "USD", h.LeadPrice.Currency)
}

func TestValidateRoom(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *RoomOption)
		code   string
	}{
		{"valid", func(r *RoomOption) {}, ""},
		{"negative nightly", func(r *RoomOption) { r.NightlyPrice = -5 }, CodeNegativePrice},
		{"negative total", func(r *RoomOption) { r.TotalPrice = -5 }, CodeNegativePrice},
		{"unknown currency", func(r *RoomOption) { r.Currency = "XXY" }, CodeUnknownCurrency},
		{"total mismatch", func(r *RoomOption) { r.TotalPrice = 450 }, CodeInconsistentTotal},
		{"total within rounding", func(r *RoomOption) { r.TotalPrice = 303 }, ""},
		{"unknown nights skips total check", func(r *RoomOption) { r.Nights = 0; r.TotalPrice = 999 }, ""},
		{"commission on ineligible", func(r *RoomOption) { r.Commission = Commission{Amount: ptr(10.0)} }, CodeInvalidCommission},
		{"negative commission", func(r *RoomOption) { r.Commission = Commission{Eligible: true, Amount: ptr(-1.0)} }, CodeInvalidCommission},
		{"eligible commission", func(r *RoomOption) { r.Commission = Commission{Eligible: true, Percent: ptr(10.0), Amount: ptr(30.0)} }, ""},
		{"missing room id", func(r *RoomOption) { r.RoomID = "" }, CodeMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRoom()
			tt.mutate(&r)
			err := ValidateRoom(&r)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.code, ve.Code)
		})
	}
}

func TestSessionStatus_CanTransition(t *testing.T) {
	assert.True(t, SessionCreated.CanTransition(SessionRunning))
	assert.True(t, SessionRunning.CanTransition(SessionPartial))
	assert.True(t, SessionPartial.CanTransition(SessionRunning))
	assert.True(t, SessionFailed.CanTransition(SessionRunning))
	assert.False(t, SessionCompleted.CanTransition(SessionRunning))
	assert.False(t, SessionRunning.CanTransition(SessionCreated))
	assert.False(t, SessionPartial.CanTransition(SessionCompleted))
}

func TestParseSite(t *testing.T) {
	s, err := ParseSite(" Delta ")
	require.NoError(t, err)
	assert.Equal(t, SiteTrisept, s)

	s, err = ParseSite("VAX")
	require.NoError(t, err)
	assert.Equal(t, SiteVAX, s)

	_, err = ParseSite("expedia")
	assert.Error(t, err)
}

func TestFingerprint_StableAcrossFormatting(t *testing.T) {
	p1 := SearchParams{Destination: "Cancun ", Occupancy: Occupancy{Adults: 2}}
	p2 := SearchParams{Destination: "cancun", Occupancy: Occupancy{Adults: 2}}
	a := Fingerprint("trip-1", SiteNavitrip, p1, Options{HotelIDs: []string{"b", "a"}})
	b := Fingerprint("trip-1", SiteNavitrip, p2, Options{HotelIDs: []string{"a", "b"}})
	assert.Equal(t, a, b)

	c := Fingerprint("trip-1", SiteVAX, p2, Options{})
	assert.NotEqual(t, a, c)
}
