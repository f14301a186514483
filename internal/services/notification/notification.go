// Package notification рассылает напоминания об окончании подписки и
// массовые сообщения. Каждое напоминание уходит подписчику не больше одного
// раза за бизнес-день: перед отправкой проверяется журнал, после успешной
// отправки в журнал добавляется запись.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/config"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/ledger"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lifecycle"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/metrics"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

// ErrUnknownWindow окно напоминания не поддерживается.
var ErrUnknownWindow = errors.New("unknown reminder window")

// ErrUnknownTarget неизвестная аудитория рассылки.
var ErrUnknownTarget = errors.New("unknown broadcast target")

// ErrEmptyMessage пустой текст рассылки.
var ErrEmptyMessage = errors.New("broadcast message is empty")

// ErrAlreadyRunning рассылка по этому окну уже идет.
var ErrAlreadyRunning = errors.New("window dispatch is already running")

// SubscriberStore источник кандидатов для рассылок.
type SubscriberStore interface {
	FindByBoundaryWindow(ctx context.Context, start, end time.Time, excludeDeleted bool) ([]models.Subscriber, error)
	FindForBroadcast(ctx context.Context, target models.BroadcastTarget, now time.Time) ([]models.Subscriber, error)
}

// Ledger журнал идемпотентности.
type Ledger interface {
	FiredToday(ctx context.Context, subscriberID int64, action string, now time.Time) (bool, error)
	Record(ctx context.Context, subscriberID int64, action string, metadata any) error
}

// Result счетчики одного прогона.
type Result struct {
	Sent         int `json:"sent"`
	Errors       int `json:"errors"`
	Skipped      int `json:"skipped"`
	LedgerErrors int `json:"ledger_errors"`
}

// Dispatcher отправляет напоминания по окнам и массовые рассылки.
type Dispatcher struct {
	store          SubscriberStore
	ledger         Ledger
	channel        messaging.Channel
	loc            *time.Location
	sendDelay      time.Duration
	broadcastDelay time.Duration
	log            *slog.Logger
	metrics        *metrics.Metrics

	// окна, рассылка по которым сейчас идет
	mu      sync.Mutex
	running map[lifecycle.Window]bool

	Now func() time.Time
}

// New создает Dispatcher. Паузы между отправками берутся из cfg.
func New(store SubscriberStore, l Ledger, channel messaging.Channel, loc *time.Location,
	cfg config.Messaging, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:          store,
		ledger:         l,
		channel:        channel,
		loc:            loc,
		sendDelay:      cfg.SendDelay,
		broadcastDelay: cfg.BroadcastDelay,
		log:            log,
		metrics:        m,
		running:        make(map[lifecycle.Window]bool),
		Now:            time.Now,
	}
}

func (d *Dispatcher) acquire(w lifecycle.Window) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[w] {
		return false
	}
	d.running[w] = true
	return true
}

func (d *Dispatcher) release(w lifecycle.Window) {
	d.mu.Lock()
	delete(d.running, w)
	d.mu.Unlock()
}

type reminderMetadata struct {
	ExpiryDate    time.Time        `json:"expiryDate"`
	IsTrialPeriod bool             `json:"isTrialPeriod"`
	ReminderType  lifecycle.Window `json:"reminderType,omitempty"`
	// для окна expired_today вместо reminderType пишется notificationType
	NotificationType lifecycle.Window `json:"notificationType,omitempty"`
}

type broadcastMetadata struct {
	TargetType    models.BroadcastTarget `json:"targetType"`
	MessageLength int                    `json:"messageLength"`
	SentAt        time.Time              `json:"sentAt"`
}

// DispatchWindow отправляет напоминания всем подписчикам, чья подписка
// заканчивается в окне w. Ошибка возвращается только если не удалось
// получить список кандидатов или прогон был отменен.
// Пока идет прогон окна, повторный вызов для того же окна сразу
// возвращает ErrAlreadyRunning.
func (d *Dispatcher) DispatchWindow(ctx context.Context, w lifecycle.Window) (Result, error) {
	const op = "notification.DispatchWindow"
	log := d.log.With(sl.Op(op), slog.String("window", string(w)))

	action, ok := ledger.ActionForWindow(w)
	if !ok {
		return Result{}, fmt.Errorf("%s: %w: %q", op, ErrUnknownWindow, w)
	}
	if !d.acquire(w) {
		log.Warn("window dispatch is already running")
		return Result{}, fmt.Errorf("%s: %w", op, ErrAlreadyRunning)
	}
	defer d.release(w)

	now := d.Now()
	start, end := lifecycle.WindowRange(w, now, d.loc)
	subs, err := d.store.FindByBoundaryWindow(ctx, start, end, true)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(subs) == 0 {
		log.Info("no subscribers in window", slog.Time("start", start), slog.Time("end", end))
		return Result{}, nil
	}
	log.Info("found subscribers in window", slog.Int("count", len(subs)))

	var res Result
	limiter := newPacer(d.sendDelay)
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		subLog := log.With(slog.Int64("subscriber_id", sub.ID))

		fired, err := d.ledger.FiredToday(ctx, sub.ID, action, now)
		if err != nil {
			res.Errors++
			d.metrics.Notification(string(w), metrics.OutcomeFailed)
			subLog.Error("failed to check ledger", sl.Err(err))
			continue
		}
		if fired {
			res.Skipped++
			d.metrics.Notification(string(w), metrics.OutcomeSkipped)
			subLog.Debug("reminder already sent today")
			continue
		}

		class := lifecycle.Classify(sub, now, d.loc)
		if class.Window != w {
			res.Skipped++
			d.metrics.Notification(string(w), metrics.OutcomeSkipped)
			subLog.Debug("subscriber class does not match window", slog.String("class_window", string(class.Window)))
			continue
		}
		text, buttons, ok := ComposeReminder(w, class.Trial(), *sub.Boundary, d.loc)
		if !ok {
			res.Skipped++
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		err = d.channel.Send(ctx, sub.Address, text, messaging.SendOptions{
			ParseMode: messaging.ParseModeMarkdown,
			Buttons:   buttons,
		})
		if err != nil {
			res.Errors++
			d.metrics.Notification(string(w), metrics.OutcomeFailed)
			subLog.Error("failed to send reminder", sl.Err(err))
			continue
		}
		res.Sent++
		d.metrics.Notification(string(w), metrics.OutcomeSent)

		meta := reminderMetadata{ExpiryDate: *sub.Boundary, IsTrialPeriod: class.Trial()}
		if w == lifecycle.WindowExpiredToday {
			meta.NotificationType = w
		} else {
			meta.ReminderType = w
		}
		if err := d.ledger.Record(ctx, sub.ID, action, meta); err != nil {
			res.LedgerErrors++
			d.metrics.LedgerError()
			subLog.Error("reminder sent but not recorded", sl.Err(err))
		}
	}

	log.Info("window dispatch finished",
		slog.Int("sent", res.Sent),
		slog.Int("errors", res.Errors),
		slog.Int("skipped", res.Skipped),
		slog.Int("ledger_errors", res.LedgerErrors),
	)
	return res, nil
}

// DispatchBroadcast отправляет text всем подписчикам аудитории target.
// Ограничения "раз в день" нет, повторная рассылка отправит сообщение снова.
func (d *Dispatcher) DispatchBroadcast(ctx context.Context, text string, target models.BroadcastTarget) (Result, error) {
	const op = "notification.DispatchBroadcast"
	log := d.log.With(sl.Op(op), slog.String("target", string(target)))

	if text == "" {
		return Result{}, fmt.Errorf("%s: %w", op, ErrEmptyMessage)
	}
	if !target.Valid() {
		return Result{}, fmt.Errorf("%s: %w: %q", op, ErrUnknownTarget, target)
	}

	subs, err := d.store.FindForBroadcast(ctx, target, d.Now())
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("starting broadcast", slog.Int("count", len(subs)))

	var res Result
	limiter := newPacer(d.broadcastDelay)
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		if err := limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}

		err := d.channel.Send(ctx, sub.Address, text, messaging.SendOptions{ParseMode: messaging.ParseModeMarkdown})
		if err != nil {
			res.Errors++
			d.metrics.Notification("broadcast", metrics.OutcomeFailed)
			log.Error("failed to send broadcast", slog.Int64("subscriber_id", sub.ID), sl.Err(err))
			continue
		}
		res.Sent++
		d.metrics.Notification("broadcast", metrics.OutcomeSent)

		meta := broadcastMetadata{
			TargetType:    target,
			MessageLength: utf8.RuneCountInString(text),
			SentAt:        d.Now(),
		}
		if err := d.ledger.Record(ctx, sub.ID, ledger.ActionBroadcast, meta); err != nil {
			res.LedgerErrors++
			d.metrics.LedgerError()
			log.Error("broadcast sent but not recorded", slog.Int64("subscriber_id", sub.ID), sl.Err(err))
		}
	}

	log.Info("broadcast finished", slog.Int("sent", res.Sent), slog.Int("errors", res.Errors))
	return res, nil
}

// newPacer выдерживает паузу не меньше delay между отправками.
func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}
