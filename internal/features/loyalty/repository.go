// Package loyalty — repository.go описывает хранилище программ, участий и леджера.
// Есть две реализации: PostgresRepository (боевая) и MemoryRepository
// (локальная разработка и тесты). Обе обязаны выполнять ApplyLedger и
// ConfirmRedemption атомарно относительно одного участия.
package loyalty

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LedgerOp описывает операцию с леджером для ApplyLedger.
type LedgerOp struct {
	ProgramID uuid.UUID
	UserID    string
	Kind      EntryKind
	// IdempotencyKey — если запись с таким ключом уже есть у участия, операция не повторяется.
	IdempotencyKey string
	// CreateMembership — неявно вступить в программу (начисление сотрудником).
	CreateMembership bool
	Now              time.Time
}

// Mutation применяет правила к программе и участию (под блокировкой строки участия).
// Возвращает запись леджера, которую хранилище сохранит в той же транзакции.
type Mutation func(p *Program, m *Membership) (*LedgerEntry, error)

// RedemptionMutation — то же для подтверждения показанной награды.
type RedemptionMutation func(rd *Redemption, p *Program, m *Membership) (*LedgerEntry, error)

// Repository — хранилище модуля лояльности.
type Repository interface {
	// --- Программы ---
	CreateProgram(ctx context.Context, p *Program) error
	GetProgram(ctx context.Context, id uuid.UUID) (*Program, error)
	ListProgramsByBusiness(ctx context.Context, businessID string) ([]*Program, error)
	ListActivePrograms(ctx context.Context, city string) ([]*Program, error)
	// UpdateProgram блокирует строку программы, вызывает mutate и сохраняет результат.
	UpdateProgram(ctx context.Context, id uuid.UUID, mutate func(p *Program) error) (*Program, error)

	// --- Участия ---
	// JoinProgram создаёт участие; если оно уже есть — возвращает существующее и created=false.
	JoinProgram(ctx context.Context, m *Membership) (*Membership, bool, error)
	GetMembership(ctx context.Context, programID uuid.UUID, userID string) (*Membership, error)
	ListMembershipsByUser(ctx context.Context, userID string) ([]*MembershipView, error)
	ListMembershipsByProgram(ctx context.Context, programID uuid.UUID, limit, offset int) ([]*Membership, error)

	// --- Леджер ---
	ApplyLedger(ctx context.Context, op LedgerOp, mutate Mutation) (*LedgerResult, error)
	ListLedger(ctx context.Context, userID string, programID *uuid.UUID, limit int) ([]*LedgerEntry, error)

	// --- Выдача наград ---
	// RevealRedemption атомарно возвращает действующую pending-выдачу участия
	// или сохраняет rd. created=false — вернулась уже существующая выдача.
	// На одно участие приходится не больше одной pending-выдачи.
	RevealRedemption(ctx context.Context, rd *Redemption, now time.Time) (*Redemption, bool, error)
	GetRedemption(ctx context.Context, id uuid.UUID) (*Redemption, error)
	CancelRedemption(ctx context.Context, id uuid.UUID, userID string, now time.Time) (*Redemption, error)
	ConfirmRedemption(ctx context.Context, id uuid.UUID, now time.Time, mutate RedemptionMutation) (*LedgerResult, *Redemption, error)
	ExpireRedemptions(ctx context.Context, now time.Time) (int64, error)

	// --- PIN сотрудников ---
	// ReservePINAttempt под блокировкой программы считает неудачные попытки с since
	// и, если их меньше maxFailed, записывает новую попытку как неудачную.
	// Возвращает ID попытки и число неудачных с учётом новой.
	// Лимит исчерпан — ErrTooManyPINAttempts, ничего не записывается.
	ReservePINAttempt(ctx context.Context, programID uuid.UUID, since, at time.Time, maxFailed int) (int64, int, error)
	// MarkPINAttemptSucceeded помечает зарезервированную попытку успешной.
	MarkPINAttemptSucceeded(ctx context.Context, attemptID int64) error

	// --- Фоновые задачи ---
	ResetDailyCounters(ctx context.Context, before time.Time) (int64, error)
	ListRewardReadyMemberships(ctx context.Context, remindedBefore time.Time, limit int) ([]*MembershipView, error)
	MarkReminderSent(ctx context.Context, membershipID uuid.UUID, at time.Time) error
}
