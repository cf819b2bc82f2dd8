// Package contacts — service.go: выдача кода привязки, привязка чата по /start, поиск чата.
package contacts

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"qwikker.com/loyalty/internal/common"
)

// linkCodeBytes — 9 байт дают 12 символов base64url, это помещается в payload /start.
const linkCodeBytes = 9

// Service управляет привязкой Telegram.
type Service struct {
	repo    Repository
	linkTTL time.Duration
	now     func() time.Time
}

// NewService создаёт сервис привязок.
func NewService(repo Repository, linkTTL time.Duration) *Service {
	return &Service{repo: repo, linkTTL: linkTTL, now: time.Now}
}

// CreateLinkCode выдаёт одноразовый код для команды /start <code>.
func (s *Service) CreateLinkCode(ctx context.Context, userID string) (*LinkCode, error) {
	if userID == "" {
		return nil, common.ErrForbidden
	}
	lc := &LinkCode{
		Code:      common.GenerateSecureToken(linkCodeBytes),
		UserID:    userID,
		ExpiresAt: s.now().Add(s.linkTTL),
	}
	if err := s.repo.CreateLinkCode(ctx, lc); err != nil {
		return nil, err
	}
	return lc, nil
}

// Link использует код и привязывает чат к пользователю. Возвращает user_id.
func (s *Service) Link(ctx context.Context, code string, chatID int64) (string, error) {
	now := s.now()
	lc, err := s.repo.ConsumeLinkCode(ctx, code, now)
	if err != nil {
		return "", err
	}
	if err := s.repo.SaveContact(ctx, &Contact{UserID: lc.UserID, TelegramChatID: chatID, LinkedAt: now}); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"user_id": lc.UserID, "chat_id": chatID}).Info("Telegram привязан")
	return lc.UserID, nil
}

// ChatID возвращает чат пользователя. Реализует notify.ChatResolver.
func (s *Service) ChatID(ctx context.Context, userID string) (int64, error) {
	c, err := s.repo.GetByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return c.TelegramChatID, nil
}

// UserForChat возвращает пользователя, привязанного к чату.
func (s *Service) UserForChat(ctx context.Context, chatID int64) (string, error) {
	c, err := s.repo.GetByChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	return c.UserID, nil
}

// Unlink отвязывает чат.
func (s *Service) Unlink(ctx context.Context, chatID int64) error {
	if err := s.repo.DeleteByChat(ctx, chatID); err != nil {
		return err
	}
	log.WithField("chat_id", chatID).Info("Telegram отвязан")
	return nil
}
