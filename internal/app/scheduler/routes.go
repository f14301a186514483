package scheduler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/gateway"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/handlers/auth/login"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/handlers/broadcast"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/handlers/events"
	gatewayhandler "github.com/magabrotheeeer/subscription-lifecycle/internal/http/handlers/gateway"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/handlers/health"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/handlers/jobs"
	statshandler "github.com/magabrotheeeer/subscription-lifecycle/internal/http/handlers/stats"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/middlewarectx"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/jwt"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/metrics"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/access"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/auth"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/notification"
	schedulerservice "github.com/magabrotheeeer/subscription-lifecycle/internal/services/scheduler"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/stats"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/storage/repository"
)

// Deps зависимости административного API.
type Deps struct {
	Storage    *repository.Storage
	Gateway    *gateway.Client
	Dispatcher *notification.Dispatcher
	Access     *access.Synchronizer
	Stats      *stats.Service
	Auth       *auth.AdminService
	Tokens     *jwt.MakerImpl
	Scheduler  *schedulerservice.Scheduler
	TaskNames  []string
	AdminIDs   []int64
	Limiter    *rate.Limiter
	Metrics    *metrics.Metrics
}

// RegisterRoutes регистрирует маршруты административного API.
func RegisterRoutes(r chi.Router, logger *slog.Logger, d Deps) {
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Get("/health", health.New(logger, d.Storage).ServeHTTP)
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middlewarectx.RateLimitMiddleware(d.Limiter, logger))

		r.Post("/login", login.New(logger, d.Auth).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(d.Tokens, d.AdminIDs, logger))

			r.Get("/jobs", jobs.NewSchedule(d.Scheduler, d.TaskNames).ServeHTTP)
			r.Post("/jobs/windows/{window}", jobs.NewWindow(logger, d.Scheduler, d.Dispatcher).ServeHTTP)
			r.Post("/jobs/access-sync", jobs.NewAccessSync(logger, d.Scheduler, d.Access).ServeHTTP)
			r.Post("/jobs/weekly-stats", jobs.NewWeeklyStats(logger, d.Scheduler, d.Stats).ServeHTTP)

			r.Post("/broadcast", broadcast.New(logger, d.Dispatcher).ServeHTTP)

			r.Get("/stats/notifications", statshandler.NewNotifications(logger, d.Stats).ServeHTTP)
			r.Get("/stats/weekly", statshandler.NewWeekly(logger, d.Stats).ServeHTTP)

			r.Get("/subscribers/{id}/events", events.New(logger, d.Storage).ServeHTTP)

			gw := gatewayhandler.New(logger, d.Gateway)
			r.Get("/gateway/clients", gw.List)
			r.Get("/gateway/clients/{id}/config", gw.Config)
			r.Get("/gateway/clients/{id}/qrcode", gw.QRCode)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
}
