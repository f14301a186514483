// Package models содержит доменные структуры планировщика: подписчика,
// запись журнала событий, исходящее сообщение и недельную статистику.
package models

import "time"

// Subscriber представляет снимок подписчика, прочитанный из хранилища.
// Boundary может быть nil, это значит что подписка ни разу не оформлялась.
type Subscriber struct {
	ID              int64      // Внутренний идентификатор пользователя
	Address         string     // Адрес доставки сообщений (chat id в мессенджере)
	Username        string     // Имя пользователя в мессенджере
	Boundary        *time.Time // Момент окончания доступа
	CreatedAt       time.Time  // Дата регистрации
	PromoCodeUsedID *int64     // Последний примененный промокод
	GateID          *string    // Идентификатор клиента в шлюзе доступа
	ConfigIssued    bool       // Выдан ли конфиг доступа
	Deleted         bool       // Удален ли клиент в шлюзе
}

// HasGate сообщает, есть ли у подписчика клиент в шлюзе доступа.
func (s Subscriber) HasGate() bool {
	return s.GateID != nil && *s.GateID != ""
}

// BroadcastTarget выбирает аудиторию рассылки.
type BroadcastTarget string

// Варианты аудитории рассылки.
const (
	BroadcastAll     BroadcastTarget = "all"
	BroadcastActive  BroadcastTarget = "active"
	BroadcastExpired BroadcastTarget = "expired"
)

// Valid проверяет, что аудитория известна.
func (t BroadcastTarget) Valid() bool {
	switch t {
	case BroadcastAll, BroadcastActive, BroadcastExpired:
		return true
	}
	return false
}
