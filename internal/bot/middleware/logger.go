// Package middleware содержит промежуточные обработчики бота: логирование
// входящих сообщений и восстановление после паники.
package middleware

import (
	"github.com/mymmrac/telego"
	log "github.com/sirupsen/logrus"
)

// maxLoggedText — сколько символов текста попадает в лог.
const maxLoggedText = 50

// LogMessage логирует входящее сообщение.
// Записывает: chat_id, username, команду (первые 50 символов). Код привязки маскируется.
func LogMessage(message *telego.Message) {
	if message == nil {
		return
	}

	fields := log.Fields{
		"chat_id":   message.Chat.ID,
		"chat_type": message.Chat.Type,
		"text":      maskText(message.Text),
	}
	if message.From != nil {
		fields["username"] = message.From.Username
	}
	log.WithFields(fields).Debug("Входящее сообщение")
}

// maskText обрезает текст и скрывает аргументы /start: там одноразовый код.
func maskText(text string) string {
	runes := []rune(text)
	if len(runes) > 6 && string(runes[:6]) == "/start" {
		return "/start ***"
	}
	if len(runes) > maxLoggedText {
		return string(runes[:maxLoggedText]) + "..."
	}
	return text
}
