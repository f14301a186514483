// Package scheduler запускает задачи планировщика по cron-расписанию
// в рабочем часовом поясе. Запуск одной и той же задачи не пересекается
// с ее предыдущим запуском, в том числе с ручным запуском через Exclusive.
// В процессе это обеспечивает флаг занятости задачи, между репликами
// блокировка в redis.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/config"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lifecycle"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/metrics"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/access"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/notification"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/stats"
)

const lockPrefix = "scheduler:lock:"

// Имена задач.
const (
	TaskWeekReminder     = "week_reminder"
	TaskThreeDayReminder = "three_day_reminder"
	TaskOneDayReminder   = "one_day_reminder"
	TaskExpiredToday     = "expired_today"
	TaskAccessSync       = "access_sync"
	TaskWeeklyStats      = "weekly_stats"
)

// ErrBusy задача уже выполняется в этом процессе или на другой реплике.
var ErrBusy = errors.New("task is already running")

var windowTasks = map[lifecycle.Window]string{
	lifecycle.WindowWeekBefore:      TaskWeekReminder,
	lifecycle.WindowThreeDaysBefore: TaskThreeDayReminder,
	lifecycle.WindowOneDayBefore:    TaskOneDayReminder,
	lifecycle.WindowExpiredToday:    TaskExpiredToday,
}

// WindowTask имя задачи, которая рассылает напоминания окна w.
func WindowTask(w lifecycle.Window) (string, bool) {
	name, ok := windowTasks[w]
	return name, ok
}

// Статусы запуска задачи.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Task задача с собственным расписанием.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Locker распределенная блокировка.
type Locker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// WindowDispatcher рассылка напоминаний по окну.
type WindowDispatcher interface {
	DispatchWindow(ctx context.Context, w lifecycle.Window) (notification.Result, error)
}

// Reconciler сверка шлюза доступа.
type Reconciler interface {
	Reconcile(ctx context.Context) (access.Report, error)
}

// WeeklyReporter отправка еженедельной сводки.
type WeeklyReporter interface {
	SendWeeklyStats(ctx context.Context) (stats.SendResult, error)
}

// Scheduler обертка над cron.
type Scheduler struct {
	cron       *cron.Cron
	locker     Locker
	lockTTL    time.Duration
	jobTimeout time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	busy    map[string]bool
}

// New создает Scheduler. locker может быть nil, тогда задачи не блокируются между репликами.
func New(loc *time.Location, locker Locker, cfg config.Scheduler, log *slog.Logger, m *metrics.Metrics) *Scheduler {
	cl := cronLogger{log: log}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker:     locker,
		lockTTL:    cfg.LockTTL,
		jobTimeout: cfg.JobTimeout,
		log:        log,
		metrics:    m,
		ctx:        context.Background(),
		entries:    make(map[string]cron.EntryID),
		busy:       make(map[string]bool),
	}
}

// DefaultTasks строит задачи планировщика по расписаниям из cfg.
func DefaultTasks(cfg config.Scheduler, d WindowDispatcher, r Reconciler, w WeeklyReporter) []Task {
	window := func(win lifecycle.Window) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			_, err := d.DispatchWindow(ctx, win)
			return err
		}
	}
	return []Task{
		{Name: TaskWeekReminder, Spec: cfg.WeekReminder, Run: window(lifecycle.WindowWeekBefore)},
		{Name: TaskThreeDayReminder, Spec: cfg.ThreeDayReminder, Run: window(lifecycle.WindowThreeDaysBefore)},
		{Name: TaskOneDayReminder, Spec: cfg.OneDayReminder, Run: window(lifecycle.WindowOneDayBefore)},
		{Name: TaskExpiredToday, Spec: cfg.ExpiredToday, Run: window(lifecycle.WindowExpiredToday)},
		{Name: TaskAccessSync, Spec: cfg.AccessSync, Run: func(ctx context.Context) error {
			_, err := r.Reconcile(ctx)
			return err
		}},
		{Name: TaskWeeklyStats, Spec: cfg.WeeklyStats, Run: func(ctx context.Context) error {
			_, err := w.SendWeeklyStats(ctx)
			return err
		}},
	}
}

// Add регистрирует задачу. Повторная регистрация имени игнорируется.
func (s *Scheduler) Add(t Task) error {
	const op = "scheduler.Add"
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[t.Name]; ok {
		return nil
	}
	if t.Spec == "" {
		return fmt.Errorf("%s: task %q has no schedule", op, t.Name)
	}
	task := t
	id, err := s.cron.AddFunc(task.Spec, func() {
		s.run(s.baseContext(), task)
	})
	if err != nil {
		return fmt.Errorf("%s: invalid schedule for %q: %w", op, t.Name, err)
	}
	s.entries[t.Name] = id
	s.log.Info("task registered", slog.String("task", t.Name), slog.String("schedule", t.Spec))
	return nil
}

// Start запускает cron. Задачи получают контекст ctx и останавливаются вместе с ним.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started", slog.Int("tasks", len(s.entries)))
}

// Stop останавливает cron и ждет завершения запущенных задач.
func (s *Scheduler) Stop(ctx context.Context) error {
	const op = "scheduler.Stop"
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// Next время следующего запуска задачи name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	_ = s.Exclusive(ctx, t.Name, t.Run)
}

// Exclusive выполняет fn как запуск задачи name: под той же блокировкой
// и с тем же таймаутом, что и запуск по расписанию. Если задача уже
// выполняется, fn не вызывается и возвращается ErrBusy.
func (s *Scheduler) Exclusive(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	const op = "scheduler.Exclusive"
	runID := uuid.NewString()
	log := s.log.With(slog.String("task", name), slog.String("run_id", runID))
	start := time.Now()

	if !s.markBusy(name) {
		log.Info("task is already running, skipping")
		s.metrics.JobRun(name, StatusSkipped, time.Since(start))
		return fmt.Errorf("%s: %w", op, ErrBusy)
	}
	defer s.clearBusy(name)

	if s.locker != nil {
		key := lockPrefix + name
		ok, err := s.locker.TryLock(ctx, key, runID, s.lockTTL)
		if err != nil {
			log.Error("failed to acquire task lock", sl.Err(err))
			s.metrics.JobRun(name, StatusFailed, time.Since(start))
			return fmt.Errorf("%s: %w", op, err)
		}
		if !ok {
			log.Info("task is running elsewhere, skipping")
			s.metrics.JobRun(name, StatusSkipped, time.Since(start))
			return fmt.Errorf("%s: %w", op, ErrBusy)
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), key, runID); err != nil {
				log.Warn("failed to release task lock", sl.Err(err))
			}
		}()
	}

	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	log.Info("task started")
	if err := fn(ctx); err != nil {
		log.Error("task failed", sl.Err(err), slog.Duration("took", time.Since(start)))
		s.metrics.JobRun(name, StatusFailed, time.Since(start))
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("task finished", slog.Duration("took", time.Since(start)))
	s.metrics.JobRun(name, StatusOK, time.Since(start))
	return nil
}

func (s *Scheduler) markBusy(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[name] {
		return false
	}
	s.busy[name] = true
	return true
}

func (s *Scheduler) clearBusy(name string) {
	s.mu.Lock()
	delete(s.busy, name)
	s.mu.Unlock()
}

// cronLogger передает сообщения cron в slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, sl.Err(err))...)
}
