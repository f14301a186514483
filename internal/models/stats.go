package models

import "time"

// WeeklyStats сводка за последние семь дней.
type WeeklyStats struct {
	From                time.Time `json:"from"`
	To                  time.Time `json:"to"`
	NewUsers            int64     `json:"new_users"`
	ActiveSubscriptions int64     `json:"active_subscriptions"`
	ExpiredThisWeek     int64     `json:"expired_this_week"`
	CompletedPayments   int64     `json:"completed_payments"`
	RevenueKopecks      int64     `json:"revenue_kopecks"`
	PromoActivations    int64     `json:"promo_activations"`
}

// RevenueRubles выручка в рублях.
func (w WeeklyStats) RevenueRubles() float64 {
	return float64(w.RevenueKopecks) / 100
}
