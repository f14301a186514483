package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

const paymentStatusCompleted = "completed"

// WeeklyStats собирает агрегаты за интервал [from, to).
// promoAction тег события активации промокода в журнале.
func (s *Storage) WeeklyStats(ctx context.Context, from, to time.Time, promoAction string) (models.WeeklyStats, error) {
	const op = "storage.WeeklyStats"
	select {
	case <-ctx.Done():
		return models.WeeklyStats{}, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	stats := models.WeeklyStats{From: from, To: to}

	query := `SELECT
				(SELECT COUNT(*) FROM users
				 WHERE created_at >= $1 AND is_deleted = false),
				(SELECT COUNT(*) FROM users
				 WHERE subscription_end > $2 AND is_deleted = false),
				(SELECT COUNT(*) FROM users
				 WHERE subscription_end >= $1 AND subscription_end < $2 AND is_deleted = false),
				(SELECT COUNT(*) FROM payments
				 WHERE created_at >= $1 AND status = $3),
				(SELECT COALESCE(SUM(amount), 0) FROM payments
				 WHERE created_at >= $1 AND status = $3),
				(SELECT COUNT(*) FROM event_logs
				 WHERE action = $4 AND occurred_at >= $1)`
	err := s.DB.QueryRowContext(ctx, query, from, to, paymentStatusCompleted, promoAction).Scan(
		&stats.NewUsers,
		&stats.ActiveSubscriptions,
		&stats.ExpiredThisWeek,
		&stats.CompletedPayments,
		&stats.RevenueKopecks,
		&stats.PromoActivations,
	)
	if err != nil {
		return models.WeeklyStats{}, fmt.Errorf("%s: %w", op, err)
	}
	return stats, nil
}
