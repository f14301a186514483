// Package messaging описывает канал доставки сообщений подписчикам.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

// ParseModeMarkdown разметка Markdown для текста сообщения.
const ParseModeMarkdown = "Markdown"

// SendOptions параметры отправки.
type SendOptions struct {
	ParseMode string
	Buttons   [][]models.Button
}

// Channel канал доставки сообщений.
type Channel interface {
	Send(ctx context.Context, address, text string, opts SendOptions) error
}

// DeliveryError канал отклонил сообщение или не ответил вовремя.
// Permanent означает, что повтор не поможет (например, бот заблокирован).
type DeliveryError struct {
	Address   string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Address, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanent сообщает, что ошибка доставки постоянная.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
