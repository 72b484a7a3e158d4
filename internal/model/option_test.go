package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyKind(t *testing.T) {
	tests := []struct {
		key  string
		want RecordKind
	}{
		{HotelKey(SiteNavitrip, "H1"), RecordHotel},
		{RoomKey(SiteNavitrip, "H1", "KING"), RecordRoom},
		{RoomKey(SiteTrisept, "CUNRIU", "KG"), RecordRoom},
		{"vax", RecordHotel},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, KeyKind(tt.key))
		})
	}
}
