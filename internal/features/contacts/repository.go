// Package contacts — repository.go: таблицы user_contacts и telegram_link_codes.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"qwikker.com/loyalty/internal/common"
)

// Repository — хранилище привязок.
type Repository interface {
	CreateLinkCode(ctx context.Context, lc *LinkCode) error
	// ConsumeLinkCode помечает код использованным и возвращает его.
	// Неизвестный, использованный или истёкший код — ErrLinkCodeInvalid.
	ConsumeLinkCode(ctx context.Context, code string, now time.Time) (*LinkCode, error)
	// SaveContact привязывает чат к пользователю (чат может быть привязан только к одному пользователю).
	SaveContact(ctx context.Context, c *Contact) error
	GetByUser(ctx context.Context, userID string) (*Contact, error)
	GetByChat(ctx context.Context, chatID int64) (*Contact, error)
	DeleteByChat(ctx context.Context, chatID int64) error
}

// ============================================================================
// PostgreSQL
// ============================================================================

// PostgresRepository — привязки в PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий привязок.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateLinkCode(ctx context.Context, lc *LinkCode) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO telegram_link_codes (code, user_id, expires_at) VALUES ($1, $2, $3)
	`, lc.Code, lc.UserID, lc.ExpiresAt)
	if err != nil {
		return fmt.Errorf("ошибка создания кода привязки: %w", err)
	}
	return nil
}

// ConsumeLinkCode — атомарный UPDATE ... RETURNING: код нельзя использовать дважды.
func (r *PostgresRepository) ConsumeLinkCode(ctx context.Context, code string, now time.Time) (*LinkCode, error) {
	var lc LinkCode
	err := r.db.QueryRow(ctx, `
		UPDATE telegram_link_codes
		SET used_at = $2
		WHERE code = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING code, user_id, expires_at, used_at
	`, code, now).Scan(&lc.Code, &lc.UserID, &lc.ExpiresAt, &lc.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrLinkCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка использования кода привязки: %w", err)
	}
	return &lc, nil
}

// SaveContact — upsert по user_id; чат, привязанный к другому пользователю, отвязывается.
func (r *PostgresRepository) SaveContact(ctx context.Context, c *Contact) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_contacts WHERE telegram_chat_id = $1 AND user_id <> $2`, c.TelegramChatID, c.UserID); err != nil {
		return fmt.Errorf("ошибка отвязки чата: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO user_contacts (user_id, telegram_chat_id, linked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET telegram_chat_id = EXCLUDED.telegram_chat_id, linked_at = EXCLUDED.linked_at
	`, c.UserID, c.TelegramChatID, c.LinkedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения контакта: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, arg any) (*Contact, error) {
	var c Contact
	err := r.db.QueryRow(ctx, `SELECT user_id, telegram_chat_id, linked_at FROM user_contacts WHERE `+where, arg).
		Scan(&c.UserID, &c.TelegramChatID, &c.LinkedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrNotLinked
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения контакта: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) GetByUser(ctx context.Context, userID string) (*Contact, error) {
	return r.getOne(ctx, "user_id = $1", userID)
}

func (r *PostgresRepository) GetByChat(ctx context.Context, chatID int64) (*Contact, error) {
	return r.getOne(ctx, "telegram_chat_id = $1", chatID)
}

func (r *PostgresRepository) DeleteByChat(ctx context.Context, chatID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM user_contacts WHERE telegram_chat_id = $1`, chatID)
	return err
}

// ============================================================================
// Память
// ============================================================================

// MemoryRepository — привязки в памяти.
type MemoryRepository struct {
	mu       sync.Mutex
	codes    map[string]*LinkCode
	contacts map[string]*Contact // user_id → контакт
}

// NewMemoryRepository создаёт пустое хранилище привязок.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		codes:    make(map[string]*LinkCode),
		contacts: make(map[string]*Contact),
	}
}

func (r *MemoryRepository) CreateLinkCode(_ context.Context, lc *LinkCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *lc
	r.codes[lc.Code] = &c
	return nil
}

func (r *MemoryRepository) ConsumeLinkCode(_ context.Context, code string, now time.Time) (*LinkCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.codes[code]
	if !ok || lc.UsedAt != nil || !lc.ExpiresAt.After(now) {
		return nil, common.ErrLinkCodeInvalid
	}
	used := now
	lc.UsedAt = &used
	c := *lc
	return &c, nil
}

func (r *MemoryRepository) SaveContact(_ context.Context, c *Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, existing := range r.contacts {
		if existing.TelegramChatID == c.TelegramChatID && userID != c.UserID {
			delete(r.contacts, userID)
		}
	}
	saved := *c
	r.contacts[c.UserID] = &saved
	return nil
}

func (r *MemoryRepository) GetByUser(_ context.Context, userID string) (*Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[userID]
	if !ok {
		return nil, common.ErrNotLinked
	}
	out := *c
	return &out, nil
}

func (r *MemoryRepository) GetByChat(_ context.Context, chatID int64) (*Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.TelegramChatID == chatID {
			out := *c
			return &out, nil
		}
	}
	return nil, common.ErrNotLinked
}

func (r *MemoryRepository) DeleteByChat(_ context.Context, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, c := range r.contacts {
		if c.TelegramChatID == chatID {
			delete(r.contacts, userID)
		}
	}
	return nil
}
