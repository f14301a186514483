// Package queue публикует исходящие сообщения в RabbitMQ вместо прямой отправки.
// Доставку выполняет отдельный сервис sender.
package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

type publishFunc func(exchange, routingKey string, message any) error

// Publisher канал доставки через очередь.
type Publisher struct {
	exchange   string
	routingKey string
	publish    publishFunc
}

// New создает канал поверх открытого amqp-канала.
func New(ch *amqp.Channel, exchange, routingKey string) *Publisher {
	return &Publisher{
		exchange:   exchange,
		routingKey: routingKey,
		publish: func(exchange, routingKey string, message any) error {
			return rabbitmq.PublishMessage(ch, exchange, routingKey, message)
		},
	}
}

// Send публикует сообщение. Успех означает, что брокер принял сообщение.
func (p *Publisher) Send(ctx context.Context, address, text string, opts messaging.SendOptions) error {
	const op = "queue.Send"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, &messaging.DeliveryError{Address: address, Err: err})
	}
	msg := models.OutboundMessage{
		ID:        uuid.NewString(),
		Address:   address,
		Text:      text,
		ParseMode: opts.ParseMode,
		Buttons:   opts.Buttons,
	}
	if err := p.publish(p.exchange, p.routingKey, msg); err != nil {
		return fmt.Errorf("%s: %w", op, &messaging.DeliveryError{Address: address, Err: err})
	}
	return nil
}
