package domain

import "time"

// PromotionStatusAt derives the lifecycle status of p at now. Manually
// deactivated promotions stay inactive regardless of their window.
func PromotionStatusAt(p Promotion, now time.Time) string {
	if p.Status == PromotionInactive {
		return PromotionInactive
	}
	switch {
	case now.Before(p.StartDate):
		return PromotionUpcoming
	case !p.EndDate.IsZero() && now.After(p.EndDate):
		return PromotionExpired
	default:
		return PromotionActive
	}
}
