// Package access синхронизирует шлюз доступа с состоянием подписок.
//
// Прогон состоит из двух независимых проходов. Первый отключает клиентов,
// чья подписка закончилась, и один раз сообщает об этом подписчику. Второй
// включает всех клиентов с действующей подпиской, исправляя ручные или
// внешние отключения. В конце в журнал пишется сводная запись.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/config"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/ledger"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lifecycle"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/metrics"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/notification"
)

// ErrAlreadyRunning сверка уже идет.
var ErrAlreadyRunning = errors.New("access sync is already running")

// ErrNotApplied шлюз ответил без ошибки, но состояние клиента не изменил.
var ErrNotApplied = errors.New("gateway did not apply the change")

// SubscriberStore источник подписчиков для обоих проходов.
type SubscriberStore interface {
	FindBoundaryBefore(ctx context.Context, now time.Time) ([]models.Subscriber, error)
	FindBoundaryAfterOrEqual(ctx context.Context, now time.Time) ([]models.Subscriber, error)
}

// Gateway шлюз доступа.
type Gateway interface {
	Enable(ctx context.Context, gateID string) (bool, error)
	Disable(ctx context.Context, gateID string) (bool, error)
}

// Ledger журнал идемпотентности.
type Ledger interface {
	HasFired(ctx context.Context, subscriberID int64, action string, since time.Time) (bool, error)
	Record(ctx context.Context, subscriberID int64, action string, metadata any) error
}

// Report итоги прогона.
type Report struct {
	Disabled       int `json:"disabled"`
	Enabled        int `json:"enabled"`
	DisabledErrors int `json:"disabled_errors"`
	EnabledErrors  int `json:"enabled_errors"`
	TotalExpired   int `json:"total_expired"`
	TotalActive    int `json:"total_active"`
	NotifyErrors   int `json:"notify_errors"`
	LedgerErrors   int `json:"ledger_errors"`
}

// Synchronizer выполняет ежедневную сверку доступа.
type Synchronizer struct {
	store        SubscriberStore
	gateway      Gateway
	ledger       Ledger
	channel      messaging.Channel
	loc          *time.Location
	disableDelay time.Duration
	enableDelay  time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
	running      atomic.Bool

	Now func() time.Time
}

// New создает Synchronizer.
func New(store SubscriberStore, gw Gateway, l Ledger, channel messaging.Channel, loc *time.Location,
	cfg config.Messaging, log *slog.Logger, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		store:        store,
		gateway:      gw,
		ledger:       l,
		channel:      channel,
		loc:          loc,
		disableDelay: cfg.SendDelay,
		enableDelay:  cfg.EnableDelay,
		log:          log,
		metrics:      m,
		Now:          time.Now,
	}
}

type disabledMetadata struct {
	SubscriptionEndDate time.Time `json:"subscriptionEndDate"`
	GateID              string    `json:"wgId"`
	IsTrialUser         bool      `json:"isTrialUser"`
	DisabledAt          time.Time `json:"disabledAt"`
}

type completedMetadata struct {
	TotalExpiredUsers int       `json:"totalExpiredUsers"`
	ExpiredProcessed  int       `json:"expiredProcessed"`
	ExpiredErrors     int       `json:"expiredErrors"`
	TotalActiveUsers  int       `json:"totalActiveUsers"`
	ActiveProcessed   int       `json:"activeProcessed"`
	ActiveErrors      int       `json:"activeErrors"`
	ProcessedAt       time.Time `json:"processedAt"`
}

// Reconcile выполняет проход отключения, затем проход включения.
// Ошибки отдельных подписчиков учитываются в отчете, ошибка возвращается
// только если не удалось получить список кандидатов или прогон отменен.
// Одновременно идет не больше одной сверки, повторный вызов получает
// ErrAlreadyRunning.
func (s *Synchronizer) Reconcile(ctx context.Context) (Report, error) {
	const op = "access.Reconcile"
	log := s.log.With(sl.Op(op))

	if !s.running.CompareAndSwap(false, true) {
		log.Warn("access sync is already running")
		return Report{}, fmt.Errorf("%s: %w", op, ErrAlreadyRunning)
	}
	defer s.running.Store(false)

	now := s.Now()
	var rep Report

	if err := s.disablePass(ctx, now, &rep); err != nil {
		return rep, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.enablePass(ctx, now, &rep); err != nil {
		return rep, fmt.Errorf("%s: %w", op, err)
	}

	meta := completedMetadata{
		TotalExpiredUsers: rep.TotalExpired,
		ExpiredProcessed:  rep.Disabled,
		ExpiredErrors:     rep.DisabledErrors,
		TotalActiveUsers:  rep.TotalActive,
		ActiveProcessed:   rep.Enabled,
		ActiveErrors:      rep.EnabledErrors,
		ProcessedAt:       s.Now(),
	}
	if err := s.ledger.Record(ctx, ledger.SystemSubscriberID, ledger.ActionAccessSyncComplete, meta); err != nil {
		rep.LedgerErrors++
		s.metrics.LedgerError()
		log.Error("failed to record access sync summary", sl.Err(err))
	}

	log.Info("access sync finished",
		slog.Int("disabled", rep.Disabled),
		slog.Int("disabled_errors", rep.DisabledErrors),
		slog.Int("enabled", rep.Enabled),
		slog.Int("enabled_errors", rep.EnabledErrors),
		slog.Int("notify_errors", rep.NotifyErrors),
	)
	return rep, nil
}

func (s *Synchronizer) disablePass(ctx context.Context, now time.Time, rep *Report) error {
	subs, err := s.store.FindBoundaryBefore(ctx, now)
	if err != nil {
		return err
	}
	limiter := pacer(s.disableDelay)
	for _, sub := range subs {
		if sub.Deleted || !sub.ConfigIssued || !sub.HasGate() {
			continue
		}
		if lifecycle.AccessAction(sub, now) != lifecycle.AccessDisable {
			continue
		}
		rep.TotalExpired++

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		log := s.log.With(slog.Int64("subscriber_id", sub.ID), slog.String("gate_id", *sub.GateID))

		disabled, err := s.gateway.Disable(ctx, *sub.GateID)
		if err == nil && !disabled {
			err = ErrNotApplied
		}
		s.metrics.AccessChange(lifecycle.AccessDisable.String(), err)
		if err != nil {
			rep.DisabledErrors++
			log.Error("failed to disable access", sl.Err(err))
			continue
		}
		rep.Disabled++

		s.notifySuspended(ctx, sub, rep, log)
	}
	return nil
}

// notifySuspended сообщает об отключении один раз на каждое окончание подписки.
func (s *Synchronizer) notifySuspended(ctx context.Context, sub models.Subscriber, rep *Report, log *slog.Logger) {
	boundary := *sub.Boundary
	fired, err := s.ledger.HasFired(ctx, sub.ID, ledger.ActionAccessDisabled, boundary)
	if err != nil {
		rep.NotifyErrors++
		log.Error("failed to check ledger", sl.Err(err))
		return
	}
	if fired {
		return
	}

	trial := sub.PromoCodeUsedID == nil
	text := notification.ComposeSuspended(trial, boundary, s.loc)
	err = s.channel.Send(ctx, sub.Address, text, messaging.SendOptions{
		ParseMode: messaging.ParseModeMarkdown,
		Buttons:   notification.SuspendedButtons,
	})
	if err != nil {
		rep.NotifyErrors++
		s.metrics.Notification("suspended", metrics.OutcomeFailed)
		log.Error("failed to send suspension notice", sl.Err(err))
		return
	}
	s.metrics.Notification("suspended", metrics.OutcomeSent)

	meta := disabledMetadata{
		SubscriptionEndDate: boundary,
		GateID:              *sub.GateID,
		IsTrialUser:         trial,
		DisabledAt:          s.Now(),
	}
	if err := s.ledger.Record(ctx, sub.ID, ledger.ActionAccessDisabled, meta); err != nil {
		rep.LedgerErrors++
		s.metrics.LedgerError()
		log.Error("suspension notice sent but not recorded", sl.Err(err))
	}
}

func (s *Synchronizer) enablePass(ctx context.Context, now time.Time, rep *Report) error {
	subs, err := s.store.FindBoundaryAfterOrEqual(ctx, now)
	if err != nil {
		return err
	}
	limiter := pacer(s.enableDelay)
	for _, sub := range subs {
		if sub.Deleted || !sub.HasGate() {
			continue
		}
		if lifecycle.AccessAction(sub, now) != lifecycle.AccessEnable {
			continue
		}
		rep.TotalActive++

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		enabled, err := s.gateway.Enable(ctx, *sub.GateID)
		if err == nil && !enabled {
			err = ErrNotApplied
		}
		s.metrics.AccessChange(lifecycle.AccessEnable.String(), err)
		if err != nil {
			rep.EnabledErrors++
			s.log.Error("failed to enable access",
				slog.Int64("subscriber_id", sub.ID),
				slog.String("gate_id", *sub.GateID),
				sl.Err(err),
			)
			continue
		}
		rep.Enabled++
	}
	return nil
}

func pacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}
