// Package loyalty управляет программами лояльности бизнесов: штампы и баллы.
// models.go описывает программы, участия, записи леджера и заявки на выдачу награды.
package loyalty

import (
	"time"

	"github.com/google/uuid"
)

// ProgramType — тип программы: штампы или баллы.
type ProgramType string

const (
	ProgramTypeStamps ProgramType = "stamps"
	ProgramTypePoints ProgramType = "points"
)

// Unit возвращает название единицы для сообщений пользователю.
func (t ProgramType) Unit() string {
	if t == ProgramTypePoints {
		return "point"
	}
	return "stamp"
}

// Valid проверяет, что тип известен.
func (t ProgramType) Valid() bool {
	return t == ProgramTypeStamps || t == ProgramTypePoints
}

// ProgramStatus — состояние программы.
// Переходы: active ⇄ paused, active/paused → ended. ended — конечное.
type ProgramStatus string

const (
	StatusActive ProgramStatus = "active"
	StatusPaused ProgramStatus = "paused"
	StatusEnded  ProgramStatus = "ended"
)

// Program — настройки программы лояльности одного бизнеса.
type Program struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	BusinessID         string        `json:"business_id" db:"business_id"`
	City               string        `json:"city" db:"city"`
	Name               string        `json:"name" db:"name"`
	Type               ProgramType   `json:"type" db:"type"`
	RewardThreshold    int64         `json:"reward_threshold" db:"reward_threshold"`       // Сколько единиц стоит награда
	RewardDescription  string        `json:"reward_description" db:"reward_description"`   // "Free coffee"
	EarnInstructions   string        `json:"earn_instructions" db:"earn_instructions"`     // Как копить
	RedeemInstructions string        `json:"redeem_instructions" db:"redeem_instructions"` // Как получить награду
	MaxEarnsPerDay     int           `json:"max_earns_per_day" db:"max_earns_per_day"`     // 0 — без лимита
	MinGapMinutes      int           `json:"min_gap_minutes" db:"min_gap_minutes"`         // 0 — без паузы
	PointsPerEarnMax   int64         `json:"points_per_earn_max" db:"points_per_earn_max"` // Только для points, 0 — без лимита
	Status             ProgramStatus `json:"status" db:"status"`
	ScanCode           string        `json:"-" db:"scan_code"`      // Токен в QR-коде на кассе
	StaffPINHash       string        `json:"-" db:"staff_pin_hash"` // Argon2id, пусто — PIN не нужен
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
	EndedAt            *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
}

// HasStaffPIN — для подтверждения выдачи нужен PIN сотрудника.
func (p *Program) HasStaffPIN() bool {
	return p.StaffPINHash != ""
}

// Membership — участие пользователя в программе: балансы и счётчики.
type Membership struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	ProgramID        uuid.UUID  `json:"program_id" db:"program_id"`
	UserID           string     `json:"user_id" db:"user_id"`
	StampsBalance    int64      `json:"stamps_balance" db:"stamps_balance"`
	PointsBalance    int64      `json:"points_balance" db:"points_balance"`
	TotalEarned      int64      `json:"total_earned" db:"total_earned"`       // Всего начислено единиц
	TotalRedeemed    int64      `json:"total_redeemed" db:"total_redeemed"`   // Всего списано единиц
	RewardsClaimed   int64      `json:"rewards_claimed" db:"rewards_claimed"` // Сколько наград получено
	LastEarnedAt     *time.Time `json:"last_earned_at,omitempty" db:"last_earned_at"`
	EarnedTodayCount int        `json:"earned_today_count" db:"earned_today_count"`
	ReminderSentAt   *time.Time `json:"-" db:"reminder_sent_at"`
	JoinedAt         time.Time  `json:"joined_at" db:"joined_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Balance возвращает баланс в единицах типа программы.
func (m *Membership) Balance(t ProgramType) int64 {
	if t == ProgramTypePoints {
		return m.PointsBalance
	}
	return m.StampsBalance
}

// addBalance меняет баланс нужного типа на delta.
func (m *Membership) addBalance(t ProgramType, delta int64) {
	if t == ProgramTypePoints {
		m.PointsBalance += delta
		return
	}
	m.StampsBalance += delta
}

// EntryKind — тип записи леджера.
type EntryKind string

const (
	EntryEarn   EntryKind = "earn"
	EntryRedeem EntryKind = "redeem"
)

// EntrySource — откуда пришла операция.
const (
	SourceScan   = "scan"   // Клиент отсканировал QR на кассе
	SourceStaff  = "staff"  // Начислил/списал сотрудник из кабинета бизнеса
	SourceReveal = "reveal" // Подтверждение показанной награды
)

// LedgerEntry — неизменяемая запись о начислении или списании.
// После создания никогда не обновляется и не удаляется.
type LedgerEntry struct {
	ID             uuid.UUID `json:"id" db:"id"`
	MembershipID   uuid.UUID `json:"membership_id" db:"membership_id"`
	ProgramID      uuid.UUID `json:"program_id" db:"program_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Kind           EntryKind `json:"kind" db:"kind"`
	Amount         int64     `json:"amount" db:"amount"`               // Всегда положительная
	BalanceAfter   int64     `json:"balance_after" db:"balance_after"` // Баланс после операции
	Source         string    `json:"source" db:"source"`
	IdempotencyKey string    `json:"-" db:"idempotency_key"`
	Note           string    `json:"note,omitempty" db:"note"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// LedgerResult — результат операции с леджером.
type LedgerResult struct {
	Entry      *LedgerEntry `json:"entry"`
	Membership *Membership  `json:"membership"`
	Program    *Program     `json:"-"`
	// Replayed — повтор с тем же ключом идемпотентности, ничего не изменено.
	Replayed bool `json:"replayed"`
}

// RedemptionStatus — состояние показанной награды.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionConfirmed RedemptionStatus = "confirmed"
	RedemptionCancelled RedemptionStatus = "cancelled"
	RedemptionExpired   RedemptionStatus = "expired"
)

// Redemption — заявка на выдачу награды (reveal-and-confirm).
// Клиент показывает код на кассе, сотрудник подтверждает — только тогда баланс списывается.
type Redemption struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	ProgramID     uuid.UUID        `json:"program_id" db:"program_id"`
	MembershipID  uuid.UUID        `json:"membership_id" db:"membership_id"`
	UserID        string           `json:"user_id" db:"user_id"`
	Code          string           `json:"code" db:"code"`
	Status        RedemptionStatus `json:"status" db:"status"`
	ExpiresAt     time.Time        `json:"expires_at" db:"expires_at"`
	LedgerEntryID *uuid.UUID       `json:"ledger_entry_id,omitempty" db:"ledger_entry_id"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ProgramChanges — частичное изменение программы (из заявки бизнеса).
// nil-поле — не менять.
type ProgramChanges struct {
	Name               *string `json:"name,omitempty"`
	Type               *string `json:"type,omitempty"`
	RewardThreshold    *int64  `json:"reward_threshold,omitempty"`
	RewardDescription  *string `json:"reward_description,omitempty"`
	EarnInstructions   *string `json:"earn_instructions,omitempty"`
	RedeemInstructions *string `json:"redeem_instructions,omitempty"`
	MaxEarnsPerDay     *int    `json:"max_earns_per_day,omitempty"`
	MinGapMinutes      *int    `json:"min_gap_minutes,omitempty"`
	PointsPerEarnMax   *int64  `json:"points_per_earn_max,omitempty"`
}

// IsEmpty — в изменениях нет ни одного поля.
func (c ProgramChanges) IsEmpty() bool {
	return c.Name == nil && c.Type == nil && c.RewardThreshold == nil &&
		c.RewardDescription == nil && c.EarnInstructions == nil &&
		c.RedeemInstructions == nil && c.MaxEarnsPerDay == nil &&
		c.MinGapMinutes == nil && c.PointsPerEarnMax == nil
}

// MembershipView — участие вместе с программой и прогрессом (для /me).
type MembershipView struct {
	Membership *Membership `json:"membership"`
	Program    *Program    `json:"program"`
	Progress   Progress    `json:"progress"`
}
