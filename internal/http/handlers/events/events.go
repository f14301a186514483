// Package events отдает журнал событий подписчика.
package events

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/response"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Store источник записей журнала.
type Store interface {
	ListEvents(ctx context.Context, subscriberID int64, limit int) ([]models.LedgerEntry, error)
}

// Handler обрабатывает GET /subscribers/{id}/events?limit=.
type Handler struct {
	log   *slog.Logger
	store Store
}

// New создает Handler.
func New(log *slog.Logger, store Store) *Handler {
	return &Handler{log: log, store: store}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.events"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid subscriber id"))
		return
	}

	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxLimit {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("limit must be between 1 and 500"))
			return
		}
	}

	entries, err := h.store.ListEvents(r.Context(), id, limit)
	if err != nil {
		log.Error("failed to list events", slog.Int64("subscriber_id", id), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	render.JSON(w, r, response.StatusOKWithData(entries))
}
