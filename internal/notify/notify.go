// Package notify доставляет уведомления клиентам и администраторам.
// Клиентам — в Telegram (если чат привязан), администраторам — в Slack.
// Ошибки доставки логируются вызывающим кодом и никогда не отменяют операцию с леджером.
package notify

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

// Notifier — получатель уведомлений.
type Notifier interface {
	// NotifyUser отправляет сообщение клиенту.
	NotifyUser(ctx context.Context, userID, text string) error
	// NotifyAdmins отправляет сообщение администраторам платформы.
	NotifyAdmins(ctx context.Context, text string) error
}

// Log пишет уведомления в лог. Используется, когда никакие каналы не настроены.
type Log struct{}

func (Log) NotifyUser(_ context.Context, userID, text string) error {
	log.WithFields(log.Fields{"user_id": userID, "text": text}).Info("Уведомление клиенту")
	return nil
}

func (Log) NotifyAdmins(_ context.Context, text string) error {
	log.WithField("text", text).Info("Уведомление администраторам")
	return nil
}

// Multi рассылает уведомление во все каналы и собирает ошибки.
type Multi []Notifier

func (m Multi) NotifyUser(ctx context.Context, userID, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyUser(ctx, userID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyAdmins(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyAdmins(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
