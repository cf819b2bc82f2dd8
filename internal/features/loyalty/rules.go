// Package loyalty — rules.go содержит правила программы: валидацию, переходы статусов,
// проверки начисления и списания. Функции чистые и не ходят в БД —
// оба хранилища (PostgreSQL и память) вызывают их внутри своей блокировки.
package loyalty

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qwikker.com/loyalty/internal/common"
)

// Ограничения на поля программы
const (
	maxNameLength        = 120
	maxDescriptionLength = 500
	maxRewardThreshold   = 1_000_000
)

// ValidateProgram проверяет настройки программы перед сохранением.
func ValidateProgram(p *Program) error {
	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", common.ErrValidation)
	case len([]rune(name)) > maxNameLength:
		return fmt.Errorf("%w: name is too long", common.ErrValidation)
	case strings.TrimSpace(p.BusinessID) == "":
		return fmt.Errorf("%w: business_id is required", common.ErrValidation)
	case !p.Type.Valid():
		return fmt.Errorf("%w: type must be stamps or points", common.ErrValidation)
	case p.RewardThreshold <= 0:
		return fmt.Errorf("%w: reward_threshold must be positive", common.ErrValidation)
	case p.RewardThreshold > maxRewardThreshold:
		return fmt.Errorf("%w: reward_threshold is too large", common.ErrValidation)
	case strings.TrimSpace(p.RewardDescription) == "":
		return fmt.Errorf("%w: reward_description is required", common.ErrValidation)
	case len([]rune(p.RewardDescription)) > maxDescriptionLength,
		len([]rune(p.EarnInstructions)) > maxDescriptionLength,
		len([]rune(p.RedeemInstructions)) > maxDescriptionLength:
		return fmt.Errorf("%w: description is too long", common.ErrValidation)
	case p.MaxEarnsPerDay < 0:
		return fmt.Errorf("%w: max_earns_per_day cannot be negative", common.ErrValidation)
	case p.MinGapMinutes < 0:
		return fmt.Errorf("%w: min_gap_minutes cannot be negative", common.ErrValidation)
	case p.PointsPerEarnMax < 0:
		return fmt.Errorf("%w: points_per_earn_max cannot be negative", common.ErrValidation)
	case p.Type == ProgramTypeStamps && p.PointsPerEarnMax != 0:
		return fmt.Errorf("%w: points_per_earn_max applies to points programs only", common.ErrValidation)
	}
	return nil
}

// Transition переводит программу в новый статус.
//
// Разрешено:
//   - active → paused, paused → active
//   - active → ended, paused → ended
//
// ended — конечное состояние, из него выйти нельзя.
func Transition(p *Program, to ProgramStatus, now time.Time) error {
	if p.Status == StatusEnded {
		return common.ErrProgramEnded
	}
	switch {
	case p.Status == StatusActive && to == StatusPaused,
		p.Status == StatusPaused && to == StatusActive:
	case to == StatusEnded:
		ended := now
		p.EndedAt = &ended
	default:
		return fmt.Errorf("%w: %s → %s", common.ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}

// ApplyChanges возвращает копию программы с применёнными изменениями.
// Тип программы менять нельзя: у участников уже есть балансы в старых единицах.
func ApplyChanges(p *Program, c ProgramChanges) (*Program, error) {
	if p.Status == StatusEnded {
		return nil, common.ErrProgramEnded
	}
	if c.Type != nil && ProgramType(*c.Type) != p.Type {
		return nil, common.ErrImmutableField
	}

	next := *p
	if c.Name != nil {
		next.Name = strings.TrimSpace(*c.Name)
	}
	if c.RewardThreshold != nil {
		next.RewardThreshold = *c.RewardThreshold
	}
	if c.RewardDescription != nil {
		next.RewardDescription = strings.TrimSpace(*c.RewardDescription)
	}
	if c.EarnInstructions != nil {
		next.EarnInstructions = strings.TrimSpace(*c.EarnInstructions)
	}
	if c.RedeemInstructions != nil {
		next.RedeemInstructions = strings.TrimSpace(*c.RedeemInstructions)
	}
	if c.MaxEarnsPerDay != nil {
		next.MaxEarnsPerDay = *c.MaxEarnsPerDay
	}
	if c.MinGapMinutes != nil {
		next.MinGapMinutes = *c.MinGapMinutes
	}
	if c.PointsPerEarnMax != nil {
		next.PointsPerEarnMax = *c.PointsPerEarnMax
	}
	if err := ValidateProgram(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

// NormalizeEarnAmount проверяет сумму начисления.
// Для штампов одно начисление — ровно один штамп (0 трактуется как 1).
func NormalizeEarnAmount(p *Program, amount int64) (int64, error) {
	if p.Type == ProgramTypeStamps {
		switch {
		case amount == 0 || amount == 1:
			return 1, nil
		case amount < 0:
			return 0, common.ErrInvalidAmount
		default:
			return 0, common.ErrAmountTooLarge
		}
	}
	if amount <= 0 {
		return 0, common.ErrInvalidAmount
	}
	if p.PointsPerEarnMax > 0 && amount > p.PointsPerEarnMax {
		return 0, common.ErrAmountTooLarge
	}
	return amount, nil
}

// EarnedToday возвращает число начислений за сегодня с учётом ленивого сброса:
// если последнее начисление было в другой день — счётчик считается нулём.
func EarnedToday(m *Membership, now time.Time, loc *time.Location) int {
	if m.LastEarnedAt == nil || !common.SameDay(*m.LastEarnedAt, now, loc) {
		return 0
	}
	return m.EarnedTodayCount
}

// CheckEarn проверяет, можно ли сейчас начислить.
func CheckEarn(p *Program, m *Membership, now time.Time, loc *time.Location) error {
	if p.Status != StatusActive {
		return common.ErrProgramNotActive
	}
	if p.MaxEarnsPerDay > 0 && EarnedToday(m, now, loc) >= p.MaxEarnsPerDay {
		return common.ErrDailyLimitReached
	}
	if p.MinGapMinutes > 0 && m.LastEarnedAt != nil {
		if now.Sub(*m.LastEarnedAt) < time.Duration(p.MinGapMinutes)*time.Minute {
			return common.ErrTooSoon
		}
	}
	return nil
}

// ApplyEarn проверяет правила и начисляет amount на участие m.
// Меняет m на месте и возвращает запись леджера (ещё не сохранённую).
func ApplyEarn(p *Program, m *Membership, amount int64, source string, now time.Time, loc *time.Location) (*LedgerEntry, error) {
	amount, err := NormalizeEarnAmount(p, amount)
	if err != nil {
		return nil, err
	}
	if err := CheckEarn(p, m, now, loc); err != nil {
		return nil, err
	}

	earned := EarnedToday(m, now, loc)
	m.addBalance(p.Type, amount)
	m.TotalEarned += amount
	m.EarnedTodayCount = earned + 1
	last := now
	m.LastEarnedAt = &last
	m.UpdatedAt = now

	return &LedgerEntry{
		ID:           uuid.New(),
		MembershipID: m.ID,
		ProgramID:    p.ID,
		UserID:       m.UserID,
		Kind:         EntryEarn,
		Amount:       amount,
		BalanceAfter: m.Balance(p.Type),
		Source:       source,
		CreatedAt:    now,
	}, nil
}

// CheckRedeem проверяет, можно ли списать награду.
// На паузе награду получить можно — клиент её уже накопил. После ended — нельзя.
func CheckRedeem(p *Program, m *Membership) error {
	if p.Status == StatusEnded {
		return common.ErrProgramEnded
	}
	if m.Balance(p.Type) < p.RewardThreshold {
		return common.ErrBelowThreshold
	}
	return nil
}

// ApplyRedeem списывает reward_threshold с баланса и возвращает запись леджера.
func ApplyRedeem(p *Program, m *Membership, source string, now time.Time) (*LedgerEntry, error) {
	if err := CheckRedeem(p, m); err != nil {
		return nil, err
	}

	m.addBalance(p.Type, -p.RewardThreshold)
	m.TotalRedeemed += p.RewardThreshold
	m.RewardsClaimed++
	m.UpdatedAt = now

	return &LedgerEntry{
		ID:           uuid.New(),
		MembershipID: m.ID,
		ProgramID:    p.ID,
		UserID:       m.UserID,
		Kind:         EntryRedeem,
		Amount:       p.RewardThreshold,
		BalanceAfter: m.Balance(p.Type),
		Source:       source,
		Note:         p.RewardDescription,
		CreatedAt:    now,
	}, nil
}

// NewMembership создаёт пустое участие.
func NewMembership(programID uuid.UUID, userID string, now time.Time) *Membership {
	return &Membership{
		ID:        uuid.New(),
		ProgramID: programID,
		UserID:    userID,
		JoinedAt:  now,
		UpdatedAt: now,
	}
}
