package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPromotionStatusAt(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	window := Promotion{StartDate: now.AddDate(0, 0, -1), EndDate: now.AddDate(0, 0, 1)}

	cases := []struct {
		name string
		at   time.Time
		p    Promotion
		want string
	}{
		{"before window", now.AddDate(0, 0, -2), window, PromotionUpcoming},
		{"inside window", now, window, PromotionActive},
		{"after window", now.AddDate(0, 0, 2), window, PromotionExpired},
		{"open ended", now.AddDate(5, 0, 0), Promotion{StartDate: now}, PromotionActive},
		{"deactivated", now, Promotion{Status: PromotionInactive, StartDate: window.StartDate, EndDate: window.EndDate}, PromotionInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PromotionStatusAt(tc.p, tc.at))
		})
	}
}
