// Package scheduler собирает процесс планировщика: хранилище, кэш, шлюз доступа,
// канал доставки, задачи cron и административный HTTP-сервер.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/cache"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/config"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/gateway"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/ledger"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/jwt"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging/queue"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging/telegram"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/metrics"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/migrations"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/access"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/auth"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/notification"
	schedulerservice "github.com/magabrotheeeer/subscription-lifecycle/internal/services/scheduler"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/services/stats"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/storage/repository"
)

const (
	dbReadyAttempts = 10
	dbReadyDelay    = 3 * time.Second
	shutdownTimeout = 15 * time.Second
)

// App приложение планировщика.
type App struct {
	server    *http.Server
	scheduler *schedulerservice.Scheduler
	tasks     []schedulerservice.Task
	db        *repository.Storage
	cache     *cache.Cache
	conn      *amqp.Connection
	ch        *amqp.Channel
	logger    *slog.Logger
}

// New создает приложение планировщика. При ошибке уже открытые ресурсы закрываются.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.scheduler.New"
	a := &App{logger: logger}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.db, err = repository.New(ctx, cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to connect storage: %w", op, err)
	}
	if err := a.db.WaitReady(ctx, dbReadyAttempts, dbReadyDelay); err != nil {
		a.closeResources()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := migrations.Run(a.db.DB, cfg.MigrationsPath); err != nil {
		a.closeResources()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.cache, err = cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("%s: cache not initialized: %w", op, err)
	}

	channel, err := a.messagingChannel(ctx, cfg)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m, err := metrics.New()
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	gw := gateway.New(cfg.Gateway, logger)
	events := ledger.New(a.db, loc)

	dispatcher := notification.New(a.db, events, channel, loc, cfg.Messaging, logger, m)
	synchronizer := access.New(a.db, gw, events, channel, loc, cfg.Messaging, logger, m)
	statsService := stats.New(a.db, a.cache, events, channel, cfg.Admin.IDs, loc, cfg.Scheduler.StatsCacheTTL, logger)

	var locker schedulerservice.Locker
	if !cfg.Scheduler.DisableJobLocking {
		locker = a.cache
	}
	a.scheduler = schedulerservice.New(loc, locker, cfg.Scheduler, logger, m)
	a.tasks = schedulerservice.DefaultTasks(cfg.Scheduler, dispatcher, synchronizer, statsService)
	names := make([]string, 0, len(a.tasks))
	for _, t := range a.tasks {
		if err := a.scheduler.Add(t); err != nil {
			a.closeResources()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		names = append(names, t.Name)
	}

	tokens := jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL)
	router := chi.NewRouter()
	RegisterRoutes(router, logger, Deps{
		Storage:    a.db,
		Gateway:    gw,
		Dispatcher: dispatcher,
		Access:     synchronizer,
		Stats:      statsService,
		Auth:       auth.NewAdminService(cfg.Admin.IDs, cfg.Admin.PasswordHash, tokens),
		Tokens:     tokens,
		Scheduler:  a.scheduler,
		TaskNames:  names,
		AdminIDs:   cfg.Admin.IDs,
		Limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		Metrics:    m,
	})

	a.server = &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a, nil
}

// messagingChannel выбирает канал доставки по cfg.Messaging.Mode.
func (a *App) messagingChannel(ctx context.Context, cfg *config.Config) (messaging.Channel, error) {
	if cfg.Messaging.Mode != config.MessagingModeQueue {
		bot, err := telegram.New(cfg.Telegram, a.logger)
		if err != nil {
			return nil, err
		}
		return bot, nil
	}

	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	a.conn = conn
	ch, err := rabbitmq.SetupChannel(conn, cfg.RabbitMQ.Exchange, rabbitmq.OutboundQueues(cfg.RabbitMQ))
	if err != nil {
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}
	a.ch = ch
	a.logger.Info("messages will be published to RabbitMQ", slog.String("exchange", cfg.RabbitMQ.Exchange))
	return queue.New(ch, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey), nil
}

// Run запускает задачи и HTTP-сервер и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start(ctx)
	for _, t := range a.tasks {
		if next, ok := a.scheduler.Next(t.Name); ok {
			a.logger.Info("next run", slog.String("task", t.Name), slog.Time("at", next))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	a.logger.Info("shutting down scheduler service")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(timeoutCtx); err != nil {
		a.logger.Error("failed to shutdown HTTP server", sl.Err(err))
	}
	if err := a.scheduler.Stop(timeoutCtx); err != nil {
		a.logger.Error("running tasks did not finish in time", sl.Err(err))
	}
	a.closeResources()
	return runErr
}

func (a *App) closeResources() {
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Error("failed to close connection", sl.Err(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("failed to close cache", sl.Err(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close storage", sl.Err(err))
		}
	}
}
