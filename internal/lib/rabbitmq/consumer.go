package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
)

// ErrDrop сообщение не нужно возвращать в очередь.
var ErrDrop = errors.New("message dropped")

// Handler обрабатывает тело сообщения.
type Handler func(ctx context.Context, body []byte) error

// ConsumerMessage запускает потребителя очереди queueName.
// Обработчики выполняются параллельно, не больше workers одновременно.
// Ошибка обработчика возвращает сообщение в очередь, кроме ErrDrop.
// Повторно доставленное сообщение в очередь больше не возвращается.
func ConsumerMessage(ctx context.Context, ch *amqp.Channel, queueName string, workers int, log *slog.Logger, handler Handler) error {
	const op = "rabbitmq.ConsumerMessage"
	delivery, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	go consume(ctx, delivery, workers, log, handler)
	return nil
}

// consume раздает доставки обработчикам, пока не закрыт канал или не
// отменен ctx.
func consume(ctx context.Context, delivery <-chan amqp.Delivery, workers int, log *slog.Logger, handler Handler) {
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	for {
		select {
		case d, ok := <-delivery:
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			}
			go func(d amqp.Delivery) {
				defer func() { <-sem }()
				handleDelivery(ctx, d, log, handler)
			}(d)
		case <-ctx.Done():
			return
		}
	}
}

// Acknowledger подтверждение доставки, выделено для тестов.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func handleDelivery(ctx context.Context, d amqp.Delivery, log *slog.Logger, handler Handler) {
	settle(ctx, d, d.Body, d.Redelivered, log, handler)
}

func settle(ctx context.Context, ack Acknowledger, body []byte, redelivered bool, log *slog.Logger, handler Handler) {
	if err := handler(ctx, body); err != nil {
		requeue := !redelivered && !errors.Is(err, ErrDrop)
		log.Warn("message handling failed",
			sl.Err(err),
			slog.Bool("redelivered", redelivered),
			slog.Bool("requeue", requeue),
		)
		if nackErr := ack.Nack(false, requeue); nackErr != nil {
			log.Error("failed to nack message", sl.Err(nackErr))
		}
		return
	}
	if ackErr := ack.Ack(false); ackErr != nil {
		log.Error("failed to ack message", sl.Err(ackErr))
	}
}
