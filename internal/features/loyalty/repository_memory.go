// Package loyalty — repository_memory.go хранит данные в памяти процесса.
// Используется при STORAGE_DRIVER=memory (локальная разработка) и в тестах.
// Каждая мутация выполняется над копией и сохраняется только при успехе.
package loyalty

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"qwikker.com/loyalty/internal/common"
)

type membershipKey struct {
	programID uuid.UUID
	userID    string
}

type pinAttempt struct {
	id        int64
	programID uuid.UUID
	success   bool
	at        time.Time
}

// MemoryRepository — потокобезопасное хранилище в памяти.
type MemoryRepository struct {
	mu          sync.Mutex
	programs    map[uuid.UUID]*Program
	memberships map[membershipKey]*Membership
	ledger      []*LedgerEntry
	redemptions map[uuid.UUID]*Redemption
	pinAttempts []pinAttempt
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		programs:    make(map[uuid.UUID]*Program),
		memberships: make(map[membershipKey]*Membership),
		redemptions: make(map[uuid.UUID]*Redemption),
	}
}

func copyProgram(p *Program) *Program {
	c := *p
	return &c
}

func copyMembership(m *Membership) *Membership {
	c := *m
	return &c
}

func copyRedemption(rd *Redemption) *Redemption {
	c := *rd
	return &c
}

// --- Программы ---

func (r *MemoryRepository) CreateProgram(_ context.Context, p *Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[p.ID] = copyProgram(p)
	return nil
}

func (r *MemoryRepository) GetProgram(_ context.Context, id uuid.UUID) (*Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.programs[id]
	if !ok {
		return nil, common.ErrProgramNotFound
	}
	return copyProgram(p), nil
}

func (r *MemoryRepository) ListProgramsByBusiness(_ context.Context, businessID string) ([]*Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Program
	for _, p := range r.programs {
		if p.BusinessID == businessID {
			out = append(out, copyProgram(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListActivePrograms(_ context.Context, city string) ([]*Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Program
	for _, p := range r.programs {
		if p.Status != StatusActive {
			continue
		}
		if city != "" && !strings.EqualFold(p.City, city) {
			continue
		}
		out = append(out, copyProgram(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepository) UpdateProgram(_ context.Context, id uuid.UUID, mutate func(p *Program) error) (*Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.programs[id]
	if !ok {
		return nil, common.ErrProgramNotFound
	}
	next := copyProgram(p)
	if err := mutate(next); err != nil {
		return nil, err
	}
	r.programs[id] = next
	return copyProgram(next), nil
}

// --- Участия ---

func (r *MemoryRepository) JoinProgram(_ context.Context, m *Membership) (*Membership, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := membershipKey{m.ProgramID, m.UserID}
	if existing, ok := r.memberships[key]; ok {
		return copyMembership(existing), false, nil
	}
	r.memberships[key] = copyMembership(m)
	return copyMembership(m), true, nil
}

func (r *MemoryRepository) GetMembership(_ context.Context, programID uuid.UUID, userID string) (*Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.memberships[membershipKey{programID, userID}]
	if !ok {
		return nil, common.ErrNotMember
	}
	return copyMembership(m), nil
}

func (r *MemoryRepository) ListMembershipsByUser(_ context.Context, userID string) ([]*MembershipView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*MembershipView
	for key, m := range r.memberships {
		if key.userID != userID {
			continue
		}
		p, ok := r.programs[key.programID]
		if !ok {
			continue
		}
		out = append(out, &MembershipView{Membership: copyMembership(m), Program: copyProgram(p)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Membership.UpdatedAt.After(out[j].Membership.UpdatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) ListMembershipsByProgram(_ context.Context, programID uuid.UUID, limit, offset int) ([]*Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Membership
	for key, m := range r.memberships {
		if key.programID == programID {
			all = append(all, copyMembership(m))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].JoinedAt.Before(all[j].JoinedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// --- Леджер ---

func (r *MemoryRepository) findEntryByKey(membershipID uuid.UUID, key string) *LedgerEntry {
	for _, e := range r.ledger {
		if e.MembershipID == membershipID && e.IdempotencyKey == key {
			return e
		}
	}
	return nil
}

func (r *MemoryRepository) ApplyLedger(_ context.Context, op LedgerOp, mutate Mutation) (*LedgerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.programs[op.ProgramID]
	if !ok {
		return nil, common.ErrProgramNotFound
	}
	p := copyProgram(stored)

	key := membershipKey{op.ProgramID, op.UserID}
	current, ok := r.memberships[key]
	created := false
	if !ok {
		if !op.CreateMembership {
			return nil, common.ErrNotMember
		}
		current = NewMembership(op.ProgramID, op.UserID, op.Now)
		created = true
	}
	m := copyMembership(current)

	if op.IdempotencyKey != "" && !created {
		if prev := r.findEntryByKey(m.ID, op.IdempotencyKey); prev != nil {
			if prev.Kind != op.Kind {
				return nil, common.ErrIdempotencyConflict
			}
			e := *prev
			return &LedgerResult{Entry: &e, Membership: m, Program: p, Replayed: true}, nil
		}
	}

	entry, err := mutate(p, m)
	if err != nil {
		return nil, err
	}
	entry.IdempotencyKey = op.IdempotencyKey

	r.memberships[key] = copyMembership(m)
	stamped := *entry
	r.ledger = append(r.ledger, &stamped)
	return &LedgerResult{Entry: entry, Membership: m, Program: p}, nil
}

func (r *MemoryRepository) ListLedger(_ context.Context, userID string, programID *uuid.UUID, limit int) ([]*LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*LedgerEntry
	for i := len(r.ledger) - 1; i >= 0; i-- {
		e := r.ledger[i]
		if e.UserID != userID {
			continue
		}
		if programID != nil && e.ProgramID != *programID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Выдача наград ---

func (r *MemoryRepository) RevealRedemption(_ context.Context, rd *Redemption, now time.Time) (*Redemption, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.redemptions {
		if existing.MembershipID != rd.MembershipID || existing.Status != RedemptionPending {
			continue
		}
		if existing.ExpiresAt.After(now) {
			return copyRedemption(existing), false, nil
		}
		existing.Status = RedemptionExpired
		resolved := now
		existing.ResolvedAt = &resolved
	}
	r.redemptions[rd.ID] = copyRedemption(rd)
	return copyRedemption(rd), true, nil
}

func (r *MemoryRepository) GetRedemption(_ context.Context, id uuid.UUID) (*Redemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rd, ok := r.redemptions[id]
	if !ok {
		return nil, common.ErrRedemptionNotFound
	}
	return copyRedemption(rd), nil
}

func (r *MemoryRepository) CancelRedemption(_ context.Context, id uuid.UUID, userID string, now time.Time) (*Redemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rd, ok := r.redemptions[id]
	if !ok || rd.UserID != userID {
		return nil, common.ErrRedemptionNotFound
	}
	if rd.Status != RedemptionPending {
		return nil, common.ErrRedemptionNotPending
	}
	rd.Status = RedemptionCancelled
	resolved := now
	rd.ResolvedAt = &resolved
	return copyRedemption(rd), nil
}

func (r *MemoryRepository) ConfirmRedemption(_ context.Context, id uuid.UUID, now time.Time, mutate RedemptionMutation) (*LedgerResult, *Redemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.redemptions[id]
	if !ok {
		return nil, nil, common.ErrRedemptionNotFound
	}
	rd := copyRedemption(stored)
	sp, ok := r.programs[rd.ProgramID]
	if !ok {
		return nil, nil, common.ErrProgramNotFound
	}
	p := copyProgram(sp)
	key := membershipKey{rd.ProgramID, rd.UserID}
	sm, ok := r.memberships[key]
	if !ok {
		return nil, nil, common.ErrNotMember
	}
	m := copyMembership(sm)

	entry, err := mutate(rd, p, m)
	if err != nil {
		return nil, nil, err
	}
	entry.IdempotencyKey = "redemption:" + rd.ID.String()

	rd.Status = RedemptionConfirmed
	rd.LedgerEntryID = &entry.ID
	resolved := now
	rd.ResolvedAt = &resolved

	r.memberships[key] = copyMembership(m)
	stamped := *entry
	r.ledger = append(r.ledger, &stamped)
	r.redemptions[id] = copyRedemption(rd)
	return &LedgerResult{Entry: entry, Membership: m, Program: p}, rd, nil
}

func (r *MemoryRepository) ExpireRedemptions(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rd := range r.redemptions {
		if rd.Status == RedemptionPending && !rd.ExpiresAt.After(now) {
			rd.Status = RedemptionExpired
			resolved := now
			rd.ResolvedAt = &resolved
			n++
		}
	}
	return n, nil
}

// --- PIN сотрудников ---

func (r *MemoryRepository) ReservePINAttempt(_ context.Context, programID uuid.UUID, since, at time.Time, maxFailed int) (int64, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := 0
	for _, a := range r.pinAttempts {
		if a.programID == programID && !a.success && !a.at.Before(since) {
			failed++
		}
	}
	if failed >= maxFailed {
		return 0, failed, common.ErrTooManyPINAttempts
	}
	id := int64(len(r.pinAttempts) + 1)
	r.pinAttempts = append(r.pinAttempts, pinAttempt{id: id, programID: programID, at: at})
	return id, failed + 1, nil
}

func (r *MemoryRepository) MarkPINAttemptSucceeded(_ context.Context, attemptID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pinAttempts {
		if r.pinAttempts[i].id == attemptID {
			r.pinAttempts[i].success = true
			return nil
		}
	}
	return nil
}

// --- Фоновые задачи ---

func (r *MemoryRepository) ResetDailyCounters(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.memberships {
		if m.EarnedTodayCount > 0 && m.LastEarnedAt != nil && m.LastEarnedAt.Before(before) {
			m.EarnedTodayCount = 0
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) ListRewardReadyMemberships(_ context.Context, remindedBefore time.Time, limit int) ([]*MembershipView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*MembershipView
	for key, m := range r.memberships {
		p, ok := r.programs[key.programID]
		if !ok || p.Status == StatusEnded || m.Balance(p.Type) < p.RewardThreshold {
			continue
		}
		if m.ReminderSentAt != nil && !m.ReminderSentAt.Before(remindedBefore) {
			continue
		}
		out = append(out, &MembershipView{Membership: copyMembership(m), Program: copyProgram(p)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Membership.UpdatedAt.Before(out[j].Membership.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) MarkReminderSent(_ context.Context, membershipID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.memberships {
		if m.ID == membershipID {
			sent := at
			m.ReminderSentAt = &sent
			return nil
		}
	}
	return common.ErrNotMember
}
