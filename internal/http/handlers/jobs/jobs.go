// Package jobs запускает задачи планировщика по запросу администратора.
//
// Задача выполняется синхронно под той же блокировкой, что и запуск по
// расписанию, ответ содержит ее итоги. Если задача уже выполняется,
// возвращается 409. Отключение клиента не прерывает начатый прогон.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/response"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lifecycle"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/access"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/notification"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/scheduler"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/stats"
)

// Runner выполняет задачу так, чтобы она не пересекалась с другим ее запуском.
type Runner interface {
	Exclusive(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

func isBusy(err error) bool {
	return errors.Is(err, scheduler.ErrBusy) ||
		errors.Is(err, notification.ErrAlreadyRunning) ||
		errors.Is(err, access.ErrAlreadyRunning)
}

func renderBusy(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusConflict)
	render.JSON(w, r, response.Error("job is already running"))
}

// WindowDispatcher рассылает напоминания окна.
type WindowDispatcher interface {
	DispatchWindow(ctx context.Context, w lifecycle.Window) (notification.Result, error)
}

// Reconciler сверяет доступ.
type Reconciler interface {
	Reconcile(ctx context.Context) (access.Report, error)
}

// WeeklyReporter отправляет недельную сводку.
type WeeklyReporter interface {
	SendWeeklyStats(ctx context.Context) (stats.SendResult, error)
}

// WindowHandler обрабатывает POST /jobs/windows/{window}.
type WindowHandler struct {
	log        *slog.Logger
	runner     Runner
	dispatcher WindowDispatcher
}

// NewWindow создает WindowHandler.
func NewWindow(log *slog.Logger, runner Runner, d WindowDispatcher) *WindowHandler {
	return &WindowHandler{log: log, runner: runner, dispatcher: d}
}

func (h *WindowHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.jobs.window"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	window, ok := lifecycle.ParseWindow(chi.URLParam(r, "window"))
	if !ok {
		log.Warn("unknown window", slog.String("window", chi.URLParam(r, "window")))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("unknown window"))
		return
	}

	task, _ := scheduler.WindowTask(window)
	var res notification.Result
	err := h.runner.Exclusive(context.WithoutCancel(r.Context()), task, func(ctx context.Context) error {
		var err error
		res, err = h.dispatcher.DispatchWindow(ctx, window)
		return err
	})
	if isBusy(err) {
		log.Warn("window dispatch is already running", slog.String("window", string(window)))
		renderBusy(w, r)
		return
	}
	if err != nil {
		log.Error("window dispatch failed", slog.String("window", string(window)), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("dispatch failed"))
		return
	}
	log.Info("window dispatched by admin", slog.String("window", string(window)), slog.Int("sent", res.Sent))
	render.JSON(w, r, response.StatusOKWithData(res))
}

// AccessSyncHandler обрабатывает POST /jobs/access-sync.
type AccessSyncHandler struct {
	log        *slog.Logger
	runner     Runner
	reconciler Reconciler
}

// NewAccessSync создает AccessSyncHandler.
func NewAccessSync(log *slog.Logger, runner Runner, rec Reconciler) *AccessSyncHandler {
	return &AccessSyncHandler{log: log, runner: runner, reconciler: rec}
}

func (h *AccessSyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.jobs.access_sync"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var rep access.Report
	err := h.runner.Exclusive(context.WithoutCancel(r.Context()), scheduler.TaskAccessSync, func(ctx context.Context) error {
		var err error
		rep, err = h.reconciler.Reconcile(ctx)
		return err
	})
	if isBusy(err) {
		log.Warn("access sync is already running")
		renderBusy(w, r)
		return
	}
	if err != nil {
		log.Error("access sync failed", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("access sync failed"))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(rep))
}

// WeeklyStatsHandler обрабатывает POST /jobs/weekly-stats.
type WeeklyStatsHandler struct {
	log      *slog.Logger
	runner   Runner
	reporter WeeklyReporter
}

// NewWeeklyStats создает WeeklyStatsHandler.
func NewWeeklyStats(log *slog.Logger, runner Runner, rep WeeklyReporter) *WeeklyStatsHandler {
	return &WeeklyStatsHandler{log: log, runner: runner, reporter: rep}
}

func (h *WeeklyStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.jobs.weekly_stats"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var res stats.SendResult
	err := h.runner.Exclusive(context.WithoutCancel(r.Context()), scheduler.TaskWeeklyStats, func(ctx context.Context) error {
		var err error
		res, err = h.reporter.SendWeeklyStats(ctx)
		return err
	})
	if isBusy(err) {
		log.Warn("weekly stats is already running")
		renderBusy(w, r)
		return
	}
	if err != nil {
		log.Error("weekly stats failed", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("weekly stats failed"))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(res))
}

// NextRunner знает время следующего запуска задачи.
type NextRunner interface {
	Next(name string) (time.Time, bool)
}

// ScheduleEntry задача и время ее следующего запуска.
type ScheduleEntry struct {
	Task string    `json:"task"`
	Next time.Time `json:"next"`
}

// ScheduleHandler обрабатывает GET /jobs.
type ScheduleHandler struct {
	runner NextRunner
	names  []string
}

// NewSchedule создает ScheduleHandler для задач names.
func NewSchedule(runner NextRunner, names []string) *ScheduleHandler {
	return &ScheduleHandler{runner: runner, names: names}
}

func (h *ScheduleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entries := make([]ScheduleEntry, 0, len(h.names))
	for _, name := range h.names {
		next, ok := h.runner.Next(name)
		if !ok {
			continue
		}
		entries = append(entries, ScheduleEntry{Task: name, Next: next})
	}
	render.JSON(w, r, response.StatusOKWithData(entries))
}
