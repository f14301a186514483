// Package stats отдает статистику уведомлений и недельную сводку.
package stats

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/response"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
	statsservice "github.com/magabrotheeeer/subscription-lifecycle/internal/services/stats"
)

// defaultPeriod период статистики уведомлений, если from не задан.
const defaultPeriod = 7 * 24 * time.Hour

// Service источник статистики.
type Service interface {
	NotificationStats(ctx context.Context, from, to time.Time) ([]models.ActionCount, error)
	WeeklyStats(ctx context.Context) (models.WeeklyStats, error)
}

// NotificationsHandler обрабатывает GET /stats/notifications?from=&to= (RFC3339).
type NotificationsHandler struct {
	log     *slog.Logger
	service Service

	Now func() time.Time
}

// NewNotifications создает NotificationsHandler.
func NewNotifications(log *slog.Logger, service Service) *NotificationsHandler {
	return &NotificationsHandler{log: log, service: service, Now: time.Now}
}

func (h *NotificationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.stats.notifications"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	to, err := parseTime(r.URL.Query().Get("to"), h.Now())
	if err != nil {
		log.Warn("invalid to parameter", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid to parameter, expected RFC3339"))
		return
	}
	from, err := parseTime(r.URL.Query().Get("from"), to.Add(-defaultPeriod))
	if err != nil {
		log.Warn("invalid from parameter", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid from parameter, expected RFC3339"))
		return
	}

	counts, err := h.service.NotificationStats(r.Context(), from, to)
	if err != nil {
		if errors.Is(err, statsservice.ErrInvalidRange) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("from must not be after to"))
			return
		}
		log.Error("failed to count notifications", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}

	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"from":   from,
		"to":     to,
		"counts": counts,
	}))
}

func parseTime(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// WeeklyHandler обрабатывает GET /stats/weekly.
type WeeklyHandler struct {
	log     *slog.Logger
	service Service
}

// NewWeekly создает WeeklyHandler.
func NewWeekly(log *slog.Logger, service Service) *WeeklyHandler {
	return &WeeklyHandler{log: log, service: service}
}

func (h *WeeklyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.stats.weekly"

	st, err := h.service.WeeklyStats(r.Context())
	if err != nil {
		h.log.Error("failed to build weekly stats",
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			sl.Err(err),
		)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"stats":          st,
		"revenue_rubles": st.RevenueRubles(),
	}))
}
