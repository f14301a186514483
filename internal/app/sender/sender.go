// Package sender собирает процесс доставки: читает исходящие сообщения из RabbitMQ
// и отправляет их через Telegram.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/config"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging/telegram"
	senderservice "github.com/magabrotheeeer/subscription-lifecycle/internal/services/sender"
)

// App приложение доставки сообщений.
type App struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	senderService *senderservice.Service
	queue         string
	workers       int
	logger        *slog.Logger
}

// New подключается к RabbitMQ и Telegram.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.sender.New"

	bot, err := telegram.New(cfg.Telegram, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to connect RabbitMQ: %w", op, err)
	}
	ch, err := rabbitmq.SetupChannel(conn, cfg.RabbitMQ.Exchange, rabbitmq.OutboundQueues(cfg.RabbitMQ))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: failed to setup RabbitMQ channel: %w", op, err)
	}

	return &App{
		conn:          conn,
		ch:            ch,
		senderService: senderservice.New(bot, logger),
		queue:         cfg.RabbitMQ.Queue,
		workers:       cfg.RabbitMQ.Workers,
		logger:        logger,
	}, nil
}

// Run потребляет очередь до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	err := rabbitmq.ConsumerMessage(ctx, a.ch, a.queue, a.workers, a.logger, a.senderService.Handle)
	if err != nil {
		a.logger.Error("failed to start consumer", slog.String("queue", a.queue), sl.Err(err))
		a.close()
		return err
	}
	a.logger.Info("consuming outbound messages", slog.String("queue", a.queue), slog.Int("workers", a.workers))

	<-ctx.Done()
	a.logger.Info("sender service shutting down gracefully")
	a.close()
	return nil
}

func (a *App) close() {
	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", sl.Err(err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", sl.Err(err))
	}
}
