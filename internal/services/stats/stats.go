// Package stats собирает статистику уведомлений и еженедельную сводку для администраторов.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/ledger"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lifecycle"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/notification"
)

const weekly = 7 * 24 * time.Hour

// ErrInvalidRange конец периода раньше начала.
var ErrInvalidRange = errors.New("invalid time range")

// Store источник агрегатов.
type Store interface {
	WeeklyStats(ctx context.Context, from, to time.Time, promoAction string) (models.WeeklyStats, error)
	CountEventsByAction(ctx context.Context, actions []string, from, to time.Time) ([]models.ActionCount, error)
}

// Cache кэш сводки.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
}

// Ledger журнал событий.
type Ledger interface {
	Record(ctx context.Context, subscriberID int64, action string, metadata any) error
}

// SendResult итог рассылки сводки администраторам.
type SendResult struct {
	Sent   int `json:"sent"`
	Errors int `json:"errors"`
}

// Service статистика планировщика.
type Service struct {
	store    Store
	cache    Cache
	ledger   Ledger
	channel  messaging.Channel
	adminIDs []int64
	loc      *time.Location
	cacheTTL time.Duration
	log      *slog.Logger

	Now func() time.Time
}

// New создает Service. cache может быть nil, тогда сводка не кэшируется.
func New(store Store, cache Cache, l Ledger, channel messaging.Channel, adminIDs []int64,
	loc *time.Location, cacheTTL time.Duration, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		cache:    cache,
		ledger:   l,
		channel:  channel,
		adminIDs: adminIDs,
		loc:      loc,
		cacheTTL: cacheTTL,
		log:      log,
		Now:      time.Now,
	}
}

// NotificationStats считает уведомления по типам за период [from, to].
func (s *Service) NotificationStats(ctx context.Context, from, to time.Time) ([]models.ActionCount, error) {
	const op = "stats.NotificationStats"
	if to.Before(from) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidRange)
	}
	counts, err := s.store.CountEventsByAction(ctx, ledger.NotificationActions, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return counts, nil
}

// WeeklyStats возвращает сводку за последние семь дней.
// Результат кэшируется на cacheTTL в пределах бизнес-дня.
func (s *Service) WeeklyStats(ctx context.Context) (models.WeeklyStats, error) {
	const op = "stats.WeeklyStats"
	log := s.log.With(sl.Op(op))

	now := s.Now()
	key := "stats:weekly:" + lifecycle.BusinessDay(now, s.loc).Format("2006-01-02")

	if s.cache != nil {
		var cached models.WeeklyStats
		found, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			log.Warn("failed to read stats from cache", sl.Err(err))
		}
		if found {
			return cached, nil
		}
	}

	res, err := s.store.WeeklyStats(ctx, now.Add(-weekly), now, ledger.ActionPromoActivated)
	if err != nil {
		return models.WeeklyStats{}, fmt.Errorf("%s: %w", op, err)
	}

	if s.cache != nil && s.cacheTTL > 0 {
		if err := s.cache.Set(ctx, key, res, s.cacheTTL); err != nil {
			log.Warn("failed to cache stats", sl.Err(err))
		}
	}
	return res, nil
}

// SendWeeklyStats отправляет сводку каждому администратору.
func (s *Service) SendWeeklyStats(ctx context.Context) (SendResult, error) {
	const op = "stats.SendWeeklyStats"
	log := s.log.With(sl.Op(op))

	if len(s.adminIDs) == 0 {
		log.Info("no admins configured, skipping weekly stats")
		return SendResult{}, nil
	}

	st, err := s.WeeklyStats(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("%s: %w", op, err)
	}
	text := FormatWeekly(st, s.loc)

	var res SendResult
	for _, id := range s.adminIDs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		err := s.channel.Send(ctx, strconv.FormatInt(id, 10), text, messaging.SendOptions{
			ParseMode: messaging.ParseModeMarkdown,
		})
		if err != nil {
			res.Errors++
			log.Error("failed to send weekly stats", slog.Int64("admin_id", id), sl.Err(err))
			continue
		}
		res.Sent++
	}

	meta := map[string]any{
		"weekStart": st.From,
		"weekEnd":   st.To,
		"sent":      res.Sent,
		"errors":    res.Errors,
	}
	if err := s.ledger.Record(ctx, ledger.SystemSubscriberID, ledger.ActionWeeklyStatsSent, meta); err != nil {
		log.Error("failed to record weekly stats", sl.Err(err))
	}

	log.Info("weekly stats sent", slog.Int("sent", res.Sent), slog.Int("errors", res.Errors))
	return res, nil
}

// FormatWeekly печатает сводку в Markdown для администраторов.
func FormatWeekly(st models.WeeklyStats, loc *time.Location) string {
	return fmt.Sprintf("📊 *Еженедельная статистика*\n📅 %s - %s\n\n"+
		"👥 *Пользователи:*\n• Новых: %d\n• Активных подписок: %d\n• Истекших подписок: %d\n\n"+
		"💰 *Платежи:*\n• Количество: %d\n• Общая сумма: %.2f ₽\n\n"+
		"🎫 *Промокоды:*\n• Использовано: %d\n\n"+
		"📈 Хорошей работы!",
		notification.FormatDate(st.From, loc), notification.FormatDate(st.To, loc),
		st.NewUsers, st.ActiveSubscriptions, st.ExpiredThisWeek,
		st.CompletedPayments, st.RevenueRubles(),
		st.PromoActivations,
	)
}
