// Package broadcast реализует ручную рассылку сообщения выбранной аудитории.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/middlewarectx"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/response"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/notification"
)

// Request текст рассылки и аудитория.
type Request struct {
	Message string `json:"message" validate:"required,max=4096"`
	Target  string `json:"target" validate:"required,oneof=all active expired"`
}

// Service выполняет рассылку.
type Service interface {
	DispatchBroadcast(ctx context.Context, text string, target models.BroadcastTarget) (notification.Result, error)
}

// Handler обрабатывает POST /broadcast.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.broadcast"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	adminID, _ := r.Context().Value(middlewarectx.AdminID).(int64)
	log.Info("broadcast requested", slog.Int64("admin_id", adminID), slog.String("target", req.Target))

	res, err := h.service.DispatchBroadcast(context.WithoutCancel(r.Context()), req.Message, models.BroadcastTarget(req.Target))
	switch {
	case errors.Is(err, notification.ErrEmptyMessage), errors.Is(err, notification.ErrUnknownTarget):
		log.Warn("broadcast rejected", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error(err.Error()))
		return
	case err != nil:
		log.Error("broadcast failed", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("broadcast failed"))
		return
	}

	render.JSON(w, r, response.StatusOKWithData(res))
}
