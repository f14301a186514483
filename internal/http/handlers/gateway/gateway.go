// Package gateway отдает администратору данные шлюза доступа: список клиентов,
// конфигурацию клиента и ее QR-код.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/gateway"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/response"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
)

// Client шлюз доступа.
type Client interface {
	ListClients(ctx context.Context) ([]gateway.ClientInfo, error)
	FindClientIDByPublicKey(ctx context.Context, publicKey string) (string, error)
	FetchConfig(ctx context.Context, gateID string) (string, error)
	FetchQRImage(ctx context.Context, gateID string) ([]byte, error)
}

// Handler обрабатывает запросы /gateway/clients.
type Handler struct {
	log    *slog.Logger
	client Client
}

// New создает Handler.
func New(log *slog.Logger, client Client) *Handler {
	return &Handler{log: log, client: client}
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

// List обрабатывает GET /gateway/clients. С параметром public_key
// возвращает только идентификатор найденного клиента.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.gateway.list"
	log := h.logger(r, op)

	if key := r.URL.Query().Get("public_key"); key != "" {
		id, err := h.client.FindClientIDByPublicKey(r.Context(), key)
		if err != nil {
			h.fail(w, r, log, err)
			return
		}
		render.JSON(w, r, response.StatusOKWithData(map[string]any{"id": id}))
		return
	}

	list, err := h.client.ListClients(r.Context())
	if err != nil {
		h.fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.StatusOKWithData(list))
}

// Config обрабатывает GET /gateway/clients/{id}/config.
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.gateway.config"
	log := h.logger(r, op)

	cfg, err := h.client.FetchConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, log, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="wg.conf"`)
	_, _ = w.Write([]byte(cfg))
}

// QRCode обрабатывает GET /gateway/clients/{id}/qrcode.
func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.gateway.qrcode"
	log := h.logger(r, op)

	img, err := h.client.FetchQRImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, log, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(img)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		log.Warn("gateway client not found", sl.Err(err))
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("client not found"))
	case errors.Is(err, gateway.ErrRasterize):
		log.Error("failed to render qr code", sl.Err(err))
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, response.Error("failed to render qr code"))
	default:
		log.Error("gateway request failed", sl.Err(err))
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, response.Error("gateway unavailable"))
	}
}
