package models

import (
	"encoding/json"
	"time"
)

// LedgerEntry запись журнала событий. Записи только добавляются.
type LedgerEntry struct {
	ID           int64           `json:"id"`
	SubscriberID int64           `json:"subscriber_id"` // 0 для системных событий
	Action       string          `json:"action"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Metadata     json.RawMessage `json:"metadata"`
}

// ActionCount количество событий одного типа за период.
type ActionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}
