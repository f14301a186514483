// Package sender доставляет сообщения из очереди через мессенджер.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

// Service обработчик исходящих сообщений.
type Service struct {
	channel  messaging.Channel
	validate *validator.Validate
	log      *slog.Logger
}

// New создает Service поверх канала доставки.
func New(channel messaging.Channel, log *slog.Logger) *Service {
	return &Service{
		channel:  channel,
		validate: validator.New(),
		log:      log,
	}
}

// Handle разбирает сообщение из очереди и отправляет его.
// Битые сообщения и любые ошибки доставки помечаются rabbitmq.ErrDrop:
// неудачное сообщение не повторяется, следующая попытка будет только в
// следующем окне планировщика. В очередь сообщение возвращается лишь
// при остановке сервиса до отправки.
func (s *Service) Handle(ctx context.Context, body []byte) error {
	const op = "sender.Handle"
	log := s.log.With(sl.Op(op))

	var msg models.OutboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Error("failed to unmarshal message body", sl.Err(err))
		return fmt.Errorf("%s: %w: %w", op, rabbitmq.ErrDrop, err)
	}
	if err := s.validate.Struct(msg); err != nil {
		log.Error("invalid outbound message", slog.String("message_id", msg.ID), sl.Err(err))
		return fmt.Errorf("%s: %w: %w", op, rabbitmq.ErrDrop, err)
	}

	err := s.channel.Send(ctx, msg.Address, msg.Text, messaging.SendOptions{
		ParseMode: msg.ParseMode,
		Buttons:   msg.Buttons,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Warn("message delivery failed",
			slog.String("message_id", msg.ID),
			slog.Bool("permanent", messaging.IsPermanent(err)),
			sl.Err(err),
		)
		return fmt.Errorf("%s: %w: %w", op, rabbitmq.ErrDrop, err)
	}

	log.Debug("message delivered", slog.String("message_id", msg.ID))
	return nil
}
