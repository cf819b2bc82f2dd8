// Package notify — telegram.go отправляет сообщения клиентам в привязанный Telegram-чат.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"qwikker.com/loyalty/internal/common"
)

// MessageSender — часть API бота, нужная для отправки. *telego.Bot её реализует.
type MessageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// ChatResolver находит Telegram-чат пользователя.
// Если чат не привязан — возвращает common.ErrNotLinked.
type ChatResolver interface {
	ChatID(ctx context.Context, userID string) (int64, error)
}

// Telegram — уведомления клиентам через бота.
type Telegram struct {
	sender MessageSender
	chats  ChatResolver
}

// NewTelegram создаёт Telegram-канал уведомлений.
func NewTelegram(sender MessageSender, chats ChatResolver) *Telegram {
	return &Telegram{sender: sender, chats: chats}
}

// NotifyUser отправляет сообщение, если у пользователя привязан чат.
// Непривязанный пользователь — не ошибка.
func (t *Telegram) NotifyUser(ctx context.Context, userID, text string) error {
	chatID, err := t.chats.ChatID(ctx, userID)
	if errors.Is(err, common.ErrNotLinked) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка поиска чата: %w", err)
	}
	if _, err := t.sender.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("ошибка отправки в Telegram: %w", err)
	}
	return nil
}

// NotifyAdmins — администраторы получают уведомления через Slack, не через бота.
func (t *Telegram) NotifyAdmins(context.Context, string) error {
	return nil
}
