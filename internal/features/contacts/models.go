// Package contacts привязывает Telegram-чаты к пользователям платформы,
// чтобы отправлять им уведомления о прогрессе в программах лояльности.
package contacts

import "time"

// Contact — привязанный Telegram-чат пользователя.
type Contact struct {
	UserID         string    `json:"user_id" db:"user_id"`
	TelegramChatID int64     `json:"telegram_chat_id" db:"telegram_chat_id"`
	LinkedAt       time.Time `json:"linked_at" db:"linked_at"`
}

// LinkCode — одноразовый код для команды /start <code> в боте.
type LinkCode struct {
	Code      string     `json:"code" db:"code"`
	UserID    string     `json:"-" db:"user_id"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt    *time.Time `json:"-" db:"used_at"`
}
