package models

// Button кнопка под сообщением. Data уходит боту обратно при нажатии.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// OutboundMessage сообщение, которое публикуется в очередь и доставляется sender-ом.
type OutboundMessage struct {
	ID        string     `json:"id"`
	Address   string     `json:"address" validate:"required"`
	Text      string     `json:"text" validate:"required"`
	ParseMode string     `json:"parse_mode,omitempty"`
	Buttons   [][]Button `json:"buttons,omitempty"`
}
