// Package ledger реализует журнал идемпотентности поверх таблицы событий.
// Перед каждым побочным эффектом проверяется наличие записи за текущий
// бизнес-день, после успешного эффекта добавляется новая запись.
// Записи никогда не изменяются и не удаляются.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/lifecycle"
)

// Теги действий, которые пишутся в журнал.
const (
	ActionOneDayReminder     = "EXPIRY_REMINDER_SENT"
	ActionThreeDayReminder   = "THREE_DAY_REMINDER_SENT"
	ActionWeekReminder       = "WEEK_REMINDER_SENT"
	ActionExpiredToday       = "EXPIRED_NOTIFICATION_SENT"
	ActionBroadcast          = "BROADCAST_MESSAGE_SENT"
	ActionAccessDisabled     = "SUBSCRIPTION_EXPIRED_ACCESS_DISABLED"
	ActionAccessSyncComplete = "DAILY_ACCESS_MANAGEMENT_COMPLETED"
	ActionWeeklyStatsSent    = "WEEKLY_STATS_SENT"
	ActionPromoActivated     = "PROMO_CODE_ACTIVATED"
)

// SystemSubscriberID идентификатор для системных событий.
const SystemSubscriberID int64 = 0

// NotificationActions теги, которые учитываются в статистике уведомлений.
var NotificationActions = []string{
	ActionOneDayReminder,
	ActionThreeDayReminder,
	ActionWeekReminder,
	ActionExpiredToday,
	ActionBroadcast,
	ActionAccessDisabled,
}

// ErrLedgerWrite возвращается, если запись в журнал не удалась.
var ErrLedgerWrite = errors.New("ledger write failed")

// ActionForWindow возвращает тег действия для окна напоминания.
func ActionForWindow(w lifecycle.Window) (string, bool) {
	switch w {
	case lifecycle.WindowWeekBefore:
		return ActionWeekReminder, true
	case lifecycle.WindowThreeDaysBefore:
		return ActionThreeDayReminder, true
	case lifecycle.WindowOneDayBefore:
		return ActionOneDayReminder, true
	case lifecycle.WindowExpiredToday:
		return ActionExpiredToday, true
	}
	return "", false
}

// Store хранилище событий.
type Store interface {
	AppendEvent(ctx context.Context, subscriberID int64, action string, metadata []byte) error
	EventExistsSince(ctx context.Context, subscriberID int64, action string, since time.Time) (bool, error)
}

// Ledger журнал идемпотентности.
type Ledger struct {
	store Store
	loc   *time.Location
}

// New создает журнал, дни в котором считаются в часовом поясе loc.
func New(store Store, loc *time.Location) *Ledger {
	return &Ledger{
		store: store,
		loc:   loc,
	}
}

// HasFired проверяет, было ли действие для подписчика начиная с since.
func (l *Ledger) HasFired(ctx context.Context, subscriberID int64, action string, since time.Time) (bool, error) {
	const op = "ledger.HasFired"
	exists, err := l.store.EventExistsSince(ctx, subscriberID, action, since)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}

// FiredToday проверяет, было ли действие в текущий бизнес-день.
func (l *Ledger) FiredToday(ctx context.Context, subscriberID int64, action string, now time.Time) (bool, error) {
	return l.HasFired(ctx, subscriberID, action, lifecycle.BusinessDay(now, l.loc))
}

// Record добавляет запись в журнал. metadata сериализуется в JSON.
func (l *Ledger) Record(ctx context.Context, subscriberID int64, action string, metadata any) error {
	const op = "ledger.Record"
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrLedgerWrite, err)
	}
	if err := l.store.AppendEvent(ctx, subscriberID, action, raw); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrLedgerWrite, err)
	}
	return nil
}

// Location часовой пояс журнала.
func (l *Ledger) Location() *time.Location {
	return l.loc
}
