// Package login реализует вход администратора в административный API.
//
// Обработчик декодирует и валидирует запрос, проверяет учетные данные
// через Service и возвращает JWT.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/response"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/auth"
)

// Request входные данные для входа.
type Request struct {
	AdminID  int64  `json:"admin_id" validate:"required,gt=0"`
	Password string `json:"password" validate:"required,min=6"`
}

// Service проверяет учетные данные.
type Service interface {
	Login(ctx context.Context, adminID int64, password string) (string, error)
}

// Handler обрабатывает POST /login.
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
	const op = "handlers.auth.login"

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

	token, err := h.service.Login(r.Context(), req.AdminID, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			log.Warn("invalid credentials", slog.Int64("admin_id", req.AdminID))
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("invalid credentials"))
			return
		}
		log.Error("login failed", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}

	log.Info("admin logged in", slog.Int64("admin_id", req.AdminID))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"token":    token,
		"admin_id": req.AdminID,
	}))
}
