// Package loyalty — service.go содержит бизнес-логику программ лояльности:
// управление программами, вступление, начисление, списание, выдачу наград
// по коду и фоновые задачи. Права проверяются здесь, правила — в rules.go.
package loyalty

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/config"
	"qwikker.com/loyalty/internal/notify"
)

// Длина кода выдачи награды и размеры выборок.
const (
	redemptionCodeDigits = 6
	defaultHistoryLimit  = 20
	defaultMembersLimit  = 50
	reminderBatchSize    = 500
	notifyTimeout        = 10 * time.Second
)

// Service управляет программами лояльности.
type Service struct {
	repo     Repository
	notifier notify.Notifier
	metrics  *Metrics
	cfg      *config.Config

	now       func() time.Time
	locations sync.Map // город → *time.Location
	wg        sync.WaitGroup
}

// NewService создаёт новый сервис лояльности.
func NewService(repo Repository, notifier notify.Notifier, metrics *Metrics, cfg *config.Config) *Service {
	if notifier == nil {
		notifier = notify.Log{}
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Wait дожидается отправки фоновых уведомлений (graceful shutdown).
func (s *Service) Wait() {
	s.wg.Wait()
}

// location возвращает часовой пояс города программы.
func (s *Service) location(city string) *time.Location {
	key := strings.ToLower(strings.TrimSpace(city))
	if loc, ok := s.locations.Load(key); ok {
		return loc.(*time.Location)
	}
	loc := common.LoadLocation(s.cfg.TimezoneFor(key))
	s.locations.Store(key, loc)
	return loc
}

// ============================================================================
// Программы
// ============================================================================

// CreateProgramInput — параметры новой программы.
type CreateProgramInput struct {
	Name               string      `json:"name"`
	Type               ProgramType `json:"type"`
	RewardThreshold    int64       `json:"reward_threshold"`
	RewardDescription  string      `json:"reward_description"`
	EarnInstructions   string      `json:"earn_instructions"`
	RedeemInstructions string      `json:"redeem_instructions"`
	MaxEarnsPerDay     int         `json:"max_earns_per_day"`
	MinGapMinutes      int         `json:"min_gap_minutes"`
	PointsPerEarnMax   int64       `json:"points_per_earn_max"`
	StaffPIN           string      `json:"staff_pin,omitempty"`
}

// CreateProgram создаёт программу бизнеса. Город берётся из токена.
func (s *Service) CreateProgram(ctx context.Context, actor common.Actor, in CreateProgramInput) (*Program, error) {
	if actor.Role != common.RoleBusiness || actor.BusinessID == "" {
		return nil, common.ErrForbidden
	}

	now := s.now()
	p := &Program{
		ID:                 uuid.New(),
		BusinessID:         actor.BusinessID,
		City:               strings.ToLower(strings.TrimSpace(actor.City)),
		Name:               strings.TrimSpace(in.Name),
		Type:               in.Type,
		RewardThreshold:    in.RewardThreshold,
		RewardDescription:  strings.TrimSpace(in.RewardDescription),
		EarnInstructions:   strings.TrimSpace(in.EarnInstructions),
		RedeemInstructions: strings.TrimSpace(in.RedeemInstructions),
		MaxEarnsPerDay:     in.MaxEarnsPerDay,
		MinGapMinutes:      in.MinGapMinutes,
		PointsPerEarnMax:   in.PointsPerEarnMax,
		Status:             StatusActive,
		ScanCode:           common.GenerateSecureToken(18),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := ValidateProgram(p); err != nil {
		return nil, err
	}
	if in.StaffPIN != "" {
		if !common.ValidPIN(in.StaffPIN) {
			return nil, fmt.Errorf("%w: staff_pin must be 4-8 digits", common.ErrValidation)
		}
		hash, err := common.HashPIN(in.StaffPIN)
		if err != nil {
			return nil, err
		}
		p.StaffPINHash = hash
	}

	if err := s.repo.CreateProgram(ctx, p); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"program_id":  p.ID,
		"business_id": p.BusinessID,
		"type":        p.Type,
		"threshold":   p.RewardThreshold,
	}).Info("Программа лояльности создана")
	return p, nil
}

// authorizeProgram возвращает программу, если actor — её владелец (или админ, если allowAdmin).
func (s *Service) authorizeProgram(ctx context.Context, actor common.Actor, id uuid.UUID, allowAdmin bool) (*Program, error) {
	p, err := s.repo.GetProgram(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.OwnsBusiness(p.BusinessID) || (allowAdmin && actor.IsAdmin()) {
		return p, nil
	}
	return nil, common.ErrForbidden
}

// GetProgram возвращает программу владельцу или администратору.
func (s *Service) GetProgram(ctx context.Context, actor common.Actor, id uuid.UUID) (*Program, error) {
	return s.authorizeProgram(ctx, actor, id, true)
}

// OwnedProgram возвращает программу, только если actor — её владелец.
func (s *Service) OwnedProgram(ctx context.Context, actor common.Actor, id uuid.UUID) (*Program, error) {
	return s.authorizeProgram(ctx, actor, id, false)
}

// ListOwnPrograms — программы бизнеса actor.
func (s *Service) ListOwnPrograms(ctx context.Context, actor common.Actor) ([]*Program, error) {
	if actor.Role != common.RoleBusiness || actor.BusinessID == "" {
		return nil, common.ErrForbidden
	}
	return s.repo.ListProgramsByBusiness(ctx, actor.BusinessID)
}

// ListActivePrograms — публичный список активных программ города.
func (s *Service) ListActivePrograms(ctx context.Context, city string) ([]*Program, error) {
	return s.repo.ListActivePrograms(ctx, strings.ToLower(strings.TrimSpace(city)))
}

// PauseProgram ставит программу на паузу.
func (s *Service) PauseProgram(ctx context.Context, actor common.Actor, id uuid.UUID) (*Program, error) {
	return s.changeStatus(ctx, actor, id, StatusPaused)
}

// ResumeProgram возобновляет программу.
func (s *Service) ResumeProgram(ctx context.Context, actor common.Actor, id uuid.UUID) (*Program, error) {
	return s.changeStatus(ctx, actor, id, StatusActive)
}

// EndProgram завершает программу навсегда.
func (s *Service) EndProgram(ctx context.Context, actor common.Actor, id uuid.UUID) (*Program, error) {
	return s.changeStatus(ctx, actor, id, StatusEnded)
}

func (s *Service) changeStatus(ctx context.Context, actor common.Actor, id uuid.UUID, to ProgramStatus) (*Program, error) {
	if _, err := s.authorizeProgram(ctx, actor, id, true); err != nil {
		return nil, err
	}
	now := s.now()
	p, err := s.repo.UpdateProgram(ctx, id, func(p *Program) error {
		return Transition(p, to, now)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"program_id": id,
		"status":     to,
		"actor":      actor.UserID,
	}).Info("Статус программы изменён")
	return p, nil
}

// SetStaffPIN устанавливает PIN сотрудников. Пустой PIN отключает проверку.
func (s *Service) SetStaffPIN(ctx context.Context, actor common.Actor, id uuid.UUID, pin string) (*Program, error) {
	if _, err := s.OwnedProgram(ctx, actor, id); err != nil {
		return nil, err
	}
	var hash string
	if pin != "" {
		if !common.ValidPIN(pin) {
			return nil, fmt.Errorf("%w: staff_pin must be 4-8 digits", common.ErrValidation)
		}
		var err error
		if hash, err = common.HashPIN(pin); err != nil {
			return nil, err
		}
	}
	now := s.now()
	return s.repo.UpdateProgram(ctx, id, func(p *Program) error {
		if p.Status == StatusEnded {
			return common.ErrProgramEnded
		}
		p.StaffPINHash = hash
		p.UpdatedAt = now
		return nil
	})
}

// ApplyProgramChanges применяет одобренные изменения к программе.
// Вызывается из модуля заявок после проверки прав администратора.
func (s *Service) ApplyProgramChanges(ctx context.Context, id uuid.UUID, changes ProgramChanges) (*Program, error) {
	now := s.now()
	p, err := s.repo.UpdateProgram(ctx, id, func(p *Program) error {
		next, err := ApplyChanges(p, changes)
		if err != nil {
			return err
		}
		next.UpdatedAt = now
		*p = *next
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithField("program_id", id).Info("Изменения программы применены")
	return p, nil
}

// ============================================================================
// Участия
// ============================================================================

// Join вступает в программу. Повторное вступление возвращает существующее участие.
func (s *Service) Join(ctx context.Context, actor common.Actor, programID uuid.UUID) (*Membership, bool, error) {
	if actor.UserID == "" {
		return nil, false, common.ErrForbidden
	}
	p, err := s.repo.GetProgram(ctx, programID)
	if err != nil {
		return nil, false, err
	}
	if p.Status != StatusActive {
		return nil, false, common.ErrProgramNotActive
	}
	m, created, err := s.repo.JoinProgram(ctx, NewMembership(programID, actor.UserID, s.now()))
	if err != nil {
		return nil, false, err
	}
	if created {
		log.WithFields(log.Fields{"program_id": programID, "user_id": actor.UserID}).Info("Новый участник программы")
	}
	return m, created, nil
}

// Me возвращает все карточки пользователя с прогрессом.
func (s *Service) Me(ctx context.Context, userID string) ([]*MembershipView, error) {
	views, err := s.repo.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		v.Progress = ComputeProgress(v.Program, v.Membership)
	}
	return views, nil
}

// History возвращает последние записи леджера пользователя.
func (s *Service) History(ctx context.Context, userID string, programID *uuid.UUID, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if s.cfg.HistoryMaxLimit > 0 && limit > s.cfg.HistoryMaxLimit {
		limit = s.cfg.HistoryMaxLimit
	}
	return s.repo.ListLedger(ctx, userID, programID, limit)
}

// Members возвращает участников программы владельцу или администратору.
func (s *Service) Members(ctx context.Context, actor common.Actor, programID uuid.UUID, limit, offset int) ([]*Membership, error) {
	if _, err := s.authorizeProgram(ctx, actor, programID, true); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = defaultMembersLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListMembershipsByProgram(ctx, programID, limit, offset)
}

// ============================================================================
// Начисление и списание
// ============================================================================

// EarnInput — запрос на начисление.
type EarnInput struct {
	ProgramID      uuid.UUID
	UserID         string
	Amount         int64
	Source         string
	IdempotencyKey string
	// ScanCode — код из QR на кассе, обязателен для Source=scan.
	ScanCode string
}

// Earn начисляет штамп или баллы. Проверка правил и запись в леджер —
// в одной транзакции под блокировкой участия.
func (s *Service) Earn(ctx context.Context, in EarnInput) (*LedgerResult, error) {
	now := s.now()
	var before int64

	op := LedgerOp{
		ProgramID:        in.ProgramID,
		UserID:           in.UserID,
		Kind:             EntryEarn,
		IdempotencyKey:   in.IdempotencyKey,
		CreateMembership: in.Source == SourceStaff,
		Now:              now,
	}
	res, err := s.repo.ApplyLedger(ctx, op, func(p *Program, m *Membership) (*LedgerEntry, error) {
		if in.Source == SourceScan && !common.ConstantTimeEqual(in.ScanCode, p.ScanCode) {
			return nil, common.ErrInvalidScanCode
		}
		before = m.Balance(p.Type)
		return ApplyEarn(p, m, in.Amount, in.Source, now, s.location(p.City))
	})
	s.metrics.Observe(string(EntryEarn), res != nil && res.Replayed, err)
	if err != nil {
		log.WithFields(log.Fields{
			"program_id": in.ProgramID,
			"user_id":    in.UserID,
			"source":     in.Source,
		}).WithError(err).Debug("Начисление отклонено")
		return nil, err
	}

	fields := log.Fields{
		"program_id":    in.ProgramID,
		"user_id":       in.UserID,
		"amount":        res.Entry.Amount,
		"balance_after": res.Entry.BalanceAfter,
		"source":        in.Source,
	}
	if res.Replayed {
		log.WithFields(fields).Info("Повтор начисления по ключу идемпотентности")
		return res, nil
	}
	log.WithFields(fields).Info("Начисление выполнено")

	s.notifyMilestone(res, before)
	return res, nil
}

// EarnByScan — клиент отсканировал QR-код бизнеса.
func (s *Service) EarnByScan(ctx context.Context, actor common.Actor, programID uuid.UUID, amount int64, scanCode, idempotencyKey string) (*LedgerResult, error) {
	if actor.UserID == "" {
		return nil, common.ErrForbidden
	}
	return s.Earn(ctx, EarnInput{
		ProgramID:      programID,
		UserID:         actor.UserID,
		Amount:         amount,
		Source:         SourceScan,
		IdempotencyKey: idempotencyKey,
		ScanCode:       scanCode,
	})
}

// EarnByStaff — сотрудник бизнеса начисляет клиенту из кабинета.
func (s *Service) EarnByStaff(ctx context.Context, actor common.Actor, programID uuid.UUID, userID string, amount int64, idempotencyKey string) (*LedgerResult, error) {
	if _, err := s.OwnedProgram(ctx, actor, programID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", common.ErrValidation)
	}
	return s.Earn(ctx, EarnInput{
		ProgramID:      programID,
		UserID:         userID,
		Amount:         amount,
		Source:         SourceStaff,
		IdempotencyKey: idempotencyKey,
	})
}

// RedeemInput — запрос на списание награды.
type RedeemInput struct {
	ProgramID      uuid.UUID
	UserID         string
	Source         string
	IdempotencyKey string
}

// Redeem списывает одну награду (reward_threshold единиц).
func (s *Service) Redeem(ctx context.Context, in RedeemInput) (*LedgerResult, error) {
	now := s.now()
	op := LedgerOp{
		ProgramID:      in.ProgramID,
		UserID:         in.UserID,
		Kind:           EntryRedeem,
		IdempotencyKey: in.IdempotencyKey,
		Now:            now,
	}
	res, err := s.repo.ApplyLedger(ctx, op, func(p *Program, m *Membership) (*LedgerEntry, error) {
		return ApplyRedeem(p, m, in.Source, now)
	})
	s.metrics.Observe(string(EntryRedeem), res != nil && res.Replayed, err)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"program_id":    in.ProgramID,
		"user_id":       in.UserID,
		"amount":        res.Entry.Amount,
		"balance_after": res.Entry.BalanceAfter,
		"replayed":      res.Replayed,
	}).Info("Награда списана")
	return res, nil
}

// RedeemByStaff — сотрудник списывает награду клиента из кабинета.
func (s *Service) RedeemByStaff(ctx context.Context, actor common.Actor, programID uuid.UUID, userID, idempotencyKey string) (*LedgerResult, error) {
	if _, err := s.OwnedProgram(ctx, actor, programID); err != nil {
		return nil, err
	}
	return s.Redeem(ctx, RedeemInput{
		ProgramID:      programID,
		UserID:         userID,
		Source:         SourceStaff,
		IdempotencyKey: idempotencyKey,
	})
}

// ============================================================================
// Выдача награды по коду (reveal-and-confirm)
// ============================================================================

// Reveal показывает код награды. Баланс не меняется до подтверждения.
// Если у участия уже есть действующий код — возвращается он.
func (s *Service) Reveal(ctx context.Context, actor common.Actor, programID uuid.UUID) (*Redemption, error) {
	p, err := s.repo.GetProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	m, err := s.repo.GetMembership(ctx, programID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if err := CheckRedeem(p, m); err != nil {
		return nil, err
	}

	now := s.now()
	code, err := common.GenerateNumericCode(redemptionCodeDigits)
	if err != nil {
		return nil, err
	}
	rd, created, err := s.repo.RevealRedemption(ctx, &Redemption{
		ID:           uuid.New(),
		ProgramID:    programID,
		MembershipID: m.ID,
		UserID:       actor.UserID,
		Code:         code,
		Status:       RedemptionPending,
		ExpiresAt:    now.Add(s.cfg.RedemptionRevealTTL),
		CreatedAt:    now,
	}, now)
	if err != nil {
		return nil, err
	}
	if !created {
		return rd, nil
	}

	log.WithFields(log.Fields{
		"redemption_id": rd.ID,
		"program_id":    programID,
		"user_id":       actor.UserID,
	}).Info("Код награды показан")
	return rd, nil
}

// checkPending проверяет, что выдачу ещё можно подтвердить.
func checkPending(rd *Redemption, now time.Time) error {
	if rd.Status != RedemptionPending {
		return common.ErrRedemptionNotPending
	}
	if !rd.ExpiresAt.After(now) {
		return common.ErrRedemptionExpired
	}
	return nil
}

// Confirm подтверждает выдачу награды на кассе.
// Если у программы есть PIN сотрудников — он обязателен. После PINMaxAttempts
// неверных попыток за PINLockoutWindow подтверждение блокируется.
func (s *Service) Confirm(ctx context.Context, actor common.Actor, redemptionID uuid.UUID, pin string) (*LedgerResult, *Redemption, error) {
	rd, err := s.repo.GetRedemption(ctx, redemptionID)
	if err != nil {
		return nil, nil, err
	}
	if rd.UserID != actor.UserID {
		return nil, nil, common.ErrRedemptionNotFound
	}
	now := s.now()
	if err := checkPending(rd, now); err != nil {
		return nil, nil, err
	}

	p, err := s.repo.GetProgram(ctx, rd.ProgramID)
	if err != nil {
		return nil, nil, err
	}
	if p.HasStaffPIN() {
		if err := s.verifyStaffPIN(ctx, p, pin, now); err != nil {
			s.metrics.Observe(string(EntryRedeem), false, err)
			return nil, nil, err
		}
	}

	res, confirmed, err := s.repo.ConfirmRedemption(ctx, redemptionID, now, func(rd *Redemption, p *Program, m *Membership) (*LedgerEntry, error) {
		if err := checkPending(rd, now); err != nil {
			return nil, err
		}
		return ApplyRedeem(p, m, SourceReveal, now)
	})
	s.metrics.Observe(string(EntryRedeem), false, err)
	if err != nil {
		return nil, nil, err
	}

	log.WithFields(log.Fields{
		"redemption_id": redemptionID,
		"program_id":    rd.ProgramID,
		"user_id":       rd.UserID,
		"balance_after": res.Entry.BalanceAfter,
	}).Info("Выдача награды подтверждена")
	return res, confirmed, nil
}

// verifyStaffPIN проверяет PIN с учётом блокировки после неудачных попыток.
// Попытка резервируется как неудачная до проверки хеша и помечается
// успешной только после неё, поэтому параллельные запросы не обходят лимит.
func (s *Service) verifyStaffPIN(ctx context.Context, p *Program, pin string, now time.Time) error {
	attemptID, failed, err := s.repo.ReservePINAttempt(ctx, p.ID, now.Add(-s.cfg.PINLockoutWindow), now, s.cfg.PINMaxAttempts)
	if err != nil {
		return err
	}

	if pin == "" || !common.VerifyPIN(pin, p.StaffPINHash) {
		log.WithFields(log.Fields{
			"program_id": p.ID,
			"failed":     failed,
		}).Warn("Неверный PIN сотрудника")
		return common.ErrWrongPIN
	}
	return s.repo.MarkPINAttemptSucceeded(ctx, attemptID)
}

// Cancel отменяет показанный код.
func (s *Service) Cancel(ctx context.Context, actor common.Actor, redemptionID uuid.UUID) (*Redemption, error) {
	return s.repo.CancelRedemption(ctx, redemptionID, actor.UserID, s.now())
}

// ============================================================================
// Уведомления
// ============================================================================

// notifyMilestone сообщает клиенту, что до награды остался один штамп или награда готова.
// Отправка идёт в фоне и не влияет на результат начисления.
func (s *Service) notifyMilestone(res *LedgerResult, before int64) {
	p, m := res.Program, res.Membership
	if p == nil || m == nil {
		return
	}
	milestone := DetectMilestone(p, before, m.Balance(p.Type))
	if milestone == MilestoneNone {
		return
	}
	text := fmt.Sprintf("%s: %s", p.Name, ComputeProgress(p, m).Message)
	userID := m.UserID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyUser(ctx, userID, text); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"user_id":   userID,
				"milestone": milestone,
			}).Warn("Не удалось отправить уведомление")
		}
	}()
}

// ============================================================================
// Фоновые задачи
// ============================================================================

// DailyReset обнуляет сохранённые дневные счётчики.
// Логика начисления сбрасывает их лениво, задача только наводит порядок в данных.
// Счётчик с начислением старше 25 часов относится к прошлому дню в любом часовом поясе.
func (s *Service) DailyReset(ctx context.Context) (int64, error) {
	n, err := s.repo.ResetDailyCounters(ctx, s.now().Add(-25*time.Hour))
	if err != nil {
		return 0, err
	}
	log.WithField("reset", n).Info("Дневные счётчики сброшены")
	return n, nil
}

// SendReminders напоминает о готовых, но не полученных наградах.
func (s *Service) SendReminders(ctx context.Context) (int, error) {
	now := s.now()
	views, err := s.repo.ListRewardReadyMemberships(ctx, now.Add(-s.cfg.ReminderInterval), reminderBatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, v := range views {
		text := fmt.Sprintf("%s: %s", v.Program.Name, ComputeProgress(v.Program, v.Membership).Message)
		if err := s.notifier.NotifyUser(ctx, v.Membership.UserID, text); err != nil {
			log.WithError(err).WithField("user_id", v.Membership.UserID).Warn("Не удалось отправить напоминание")
			continue
		}
		if err := s.repo.MarkReminderSent(ctx, v.Membership.ID, now); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		log.WithField("sent", sent).Info("Напоминания о наградах отправлены")
	}
	return sent, nil
}

// ExpireReveals помечает истёкшие коды выдачи.
func (s *Service) ExpireReveals(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireRedemptions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithField("expired", n).Info("Истёкшие коды выдачи закрыты")
	}
	return n, nil
}
