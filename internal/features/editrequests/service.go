// Package editrequests — service.go: подача заявки бизнесом, очередь администратора,
// одобрение (изменения применяются к программе) и отклонение.
package editrequests

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/features/loyalty"
	"qwikker.com/loyalty/internal/notify"
)

const (
	maxNoteLength     = 500
	defaultQueueLimit = 100
)

// ProgramEditor — часть сервиса лояльности, нужная заявкам.
type ProgramEditor interface {
	OwnedProgram(ctx context.Context, actor common.Actor, id uuid.UUID) (*loyalty.Program, error)
	ApplyProgramChanges(ctx context.Context, id uuid.UUID, changes loyalty.ProgramChanges) (*loyalty.Program, error)
}

// Service управляет заявками на изменение программ.
type Service struct {
	repo     Repository
	programs ProgramEditor
	notifier notify.Notifier
	now      func() time.Time
}

// NewService создаёт сервис заявок.
func NewService(repo Repository, programs ProgramEditor, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.Log{}
	}
	return &Service{repo: repo, programs: programs, notifier: notifier, now: time.Now}
}

// Submit создаёт заявку на изменение своей программы.
// Изменения сразу проверяются на текущей программе, чтобы бизнес узнал об ошибке до рассмотрения.
func (s *Service) Submit(ctx context.Context, actor common.Actor, programID uuid.UUID, changes loyalty.ProgramChanges) (*EditRequest, error) {
	if changes.IsEmpty() {
		return nil, common.ErrEmptyChanges
	}
	p, err := s.programs.OwnedProgram(ctx, actor, programID)
	if err != nil {
		return nil, err
	}
	if _, err := loyalty.ApplyChanges(p, changes); err != nil {
		return nil, err
	}

	req := &EditRequest{
		ID:          uuid.New(),
		ProgramID:   programID,
		BusinessID:  p.BusinessID,
		SubmittedBy: actor.UserID,
		Changes:     changes,
		Status:      StatusPending,
		CreatedAt:   s.now(),
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"request_id":  req.ID,
		"program_id":  programID,
		"business_id": p.BusinessID,
	}).Info("Заявка на изменение программы создана")

	text := fmt.Sprintf("New loyalty edit request for %q (%s, %s): %s", p.Name, p.City, p.BusinessID, req.ID)
	if err := s.notifier.NotifyAdmins(ctx, text); err != nil {
		log.WithError(err).WithField("request_id", req.ID).Warn("Не удалось уведомить администраторов")
	}
	return req, nil
}

// ListOwn — заявки бизнеса actor.
func (s *Service) ListOwn(ctx context.Context, actor common.Actor) ([]*EditRequest, error) {
	if actor.Role != common.RoleBusiness || actor.BusinessID == "" {
		return nil, common.ErrForbidden
	}
	return s.repo.ListByBusiness(ctx, actor.BusinessID)
}

// ListQueue — заявки для администратора. По умолчанию — pending.
func (s *Service) ListQueue(ctx context.Context, actor common.Actor, status Status) ([]*EditRequest, error) {
	if !actor.IsAdmin() {
		return nil, common.ErrForbidden
	}
	if status != "" && status != "all" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", common.ErrValidation, status)
	}
	if status == "all" {
		status = ""
	}
	return s.repo.ListByStatus(ctx, status, defaultQueueLimit)
}

func validNote(note string) (string, error) {
	note = strings.TrimSpace(note)
	if len([]rune(note)) > maxNoteLength {
		return "", fmt.Errorf("%w: note is too long", common.ErrValidation)
	}
	return note, nil
}

// Approve одобряет заявку и применяет изменения к программе.
// Если изменения не применились (программа завершена, данные невалидны) — заявка остаётся pending.
// Изменение программы и статус заявки фиксируются в одной транзакции.
func (s *Service) Approve(ctx context.Context, actor common.Actor, id uuid.UUID, note string) (*EditRequest, error) {
	if !actor.IsAdmin() {
		return nil, common.ErrForbidden
	}
	note, err := validNote(note)
	if err != nil {
		return nil, err
	}

	now := s.now()
	req, err := s.repo.Resolve(ctx, id, func(txCtx context.Context, req *EditRequest) error {
		if _, err := s.programs.ApplyProgramChanges(txCtx, req.ProgramID, req.Changes); err != nil {
			return err
		}
		req.Status = StatusApproved
		req.ReviewerID = actor.UserID
		req.ReviewNote = note
		req.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"request_id": id,
		"program_id": req.ProgramID,
		"reviewer":   actor.UserID,
	}).Info("Заявка одобрена")
	return req, nil
}

// Reject отклоняет заявку с комментарием.
func (s *Service) Reject(ctx context.Context, actor common.Actor, id uuid.UUID, note string) (*EditRequest, error) {
	if !actor.IsAdmin() {
		return nil, common.ErrForbidden
	}
	note, err := validNote(note)
	if err != nil {
		return nil, err
	}

	now := s.now()
	req, err := s.repo.Resolve(ctx, id, func(_ context.Context, req *EditRequest) error {
		req.Status = StatusRejected
		req.ReviewerID = actor.UserID
		req.ReviewNote = note
		req.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"request_id": id,
		"reviewer":   actor.UserID,
	}).Info("Заявка отклонена")
	return req, nil
}
