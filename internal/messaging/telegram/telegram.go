// Package telegram доставляет сообщения через Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/config"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

// Sender канал доставки через бота.
type Sender struct {
	bot *tgbotapi.BotAPI
	log *slog.Logger
}

// New создает бота. Конструктор проверяет токен запросом getMe.
func New(cfg config.Telegram, log *slog.Logger) (*Sender, error) {
	const op = "telegram.New"
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("telegram bot authorized", slog.String("username", bot.Self.UserName))
	return &Sender{
		bot: bot,
		log: log,
	}, nil
}

// Send отправляет текст в чат address.
func (s *Sender) Send(ctx context.Context, address, text string, opts messaging.SendOptions) error {
	const op = "telegram.Send"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, &messaging.DeliveryError{Address: address, Err: err})
	}
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", op, &messaging.DeliveryError{Address: address, Permanent: true, Err: err})
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = opts.ParseMode
	if len(opts.Buttons) > 0 {
		msg.ReplyMarkup = keyboard(opts.Buttons)
	}

	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("%s: %w", op, &messaging.DeliveryError{
			Address:   address,
			Permanent: isPermanent(err),
			Err:       err,
		})
	}
	return nil
}

func keyboard(rows [][]models.Button) tgbotapi.InlineKeyboardMarkup {
	markup := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		markup = append(markup, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(markup...)
}

// isPermanent 400 и 403 от Bot API не лечатся повтором: чат не найден или бот заблокирован.
func isPermanent(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden
}
