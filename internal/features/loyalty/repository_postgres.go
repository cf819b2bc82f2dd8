// Package loyalty — repository_postgres.go выполняет все операции с таблицами
// loyalty_programs, loyalty_memberships, loyalty_ledger, loyalty_redemptions.
// Все операции с балансом выполняются в транзакциях БД с блокировкой строки участия.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/db/postgres"
)

// PostgresRepository — хранилище лояльности в PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий лояльности.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const programColumns = `
	p.id, p.business_id, p.city, p.name, p.type, p.reward_threshold, p.reward_description,
	p.earn_instructions, p.redeem_instructions, p.max_earns_per_day, p.min_gap_minutes,
	p.points_per_earn_max, p.status, p.scan_code, p.staff_pin_hash,
	p.created_at, p.updated_at, p.ended_at`

const membershipColumns = `
	m.id, m.program_id, m.user_id, m.stamps_balance, m.points_balance, m.total_earned,
	m.total_redeemed, m.rewards_claimed, m.last_earned_at, m.earned_today_count,
	m.reminder_sent_at, m.joined_at, m.updated_at`

const ledgerColumns = `
	id, membership_id, program_id, user_id, kind, amount, balance_after, source,
	COALESCE(idempotency_key, ''), note, created_at`

const redemptionColumns = `
	id, program_id, membership_id, user_id, code, status, expires_at,
	ledger_entry_id, created_at, resolved_at`

func programScanTargets(p *Program) []any {
	return []any{
		&p.ID, &p.BusinessID, &p.City, &p.Name, &p.Type, &p.RewardThreshold, &p.RewardDescription,
		&p.EarnInstructions, &p.RedeemInstructions, &p.MaxEarnsPerDay, &p.MinGapMinutes,
		&p.PointsPerEarnMax, &p.Status, &p.ScanCode, &p.StaffPINHash,
		&p.CreatedAt, &p.UpdatedAt, &p.EndedAt,
	}
}

func membershipScanTargets(m *Membership) []any {
	return []any{
		&m.ID, &m.ProgramID, &m.UserID, &m.StampsBalance, &m.PointsBalance, &m.TotalEarned,
		&m.TotalRedeemed, &m.RewardsClaimed, &m.LastEarnedAt, &m.EarnedTodayCount,
		&m.ReminderSentAt, &m.JoinedAt, &m.UpdatedAt,
	}
}

func ledgerScanTargets(e *LedgerEntry) []any {
	return []any{
		&e.ID, &e.MembershipID, &e.ProgramID, &e.UserID, &e.Kind, &e.Amount, &e.BalanceAfter,
		&e.Source, &e.IdempotencyKey, &e.Note, &e.CreatedAt,
	}
}

func redemptionScanTargets(rd *Redemption) []any {
	return []any{
		&rd.ID, &rd.ProgramID, &rd.MembershipID, &rd.UserID, &rd.Code, &rd.Status, &rd.ExpiresAt,
		&rd.LedgerEntryID, &rd.CreatedAt, &rd.ResolvedAt,
	}
}

// notFound превращает pgx.ErrNoRows в доменную ошибку.
func notFound(err error, domainErr error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domainErr
	}
	return err
}

// isUniqueViolation — ошибка нарушения уникальности (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Программы ---

// CreateProgram сохраняет новую программу.
func (r *PostgresRepository) CreateProgram(ctx context.Context, p *Program) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO loyalty_programs (
			id, business_id, city, name, type, reward_threshold, reward_description,
			earn_instructions, redeem_instructions, max_earns_per_day, min_gap_minutes,
			points_per_earn_max, status, scan_code, staff_pin_hash, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, p.ID, p.BusinessID, p.City, p.Name, string(p.Type), p.RewardThreshold, p.RewardDescription,
		p.EarnInstructions, p.RedeemInstructions, p.MaxEarnsPerDay, p.MinGapMinutes,
		p.PointsPerEarnMax, string(p.Status), p.ScanCode, p.StaffPINHash, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания программы: %w", err)
	}
	return nil
}

// GetProgram возвращает программу по ID.
func (r *PostgresRepository) GetProgram(ctx context.Context, id uuid.UUID) (*Program, error) {
	var p Program
	err := r.db.QueryRow(ctx, `SELECT `+programColumns+` FROM loyalty_programs p WHERE p.id = $1`, id).
		Scan(programScanTargets(&p)...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения программы: %w", notFound(err, common.ErrProgramNotFound))
	}
	return &p, nil
}

// ListProgramsByBusiness возвращает программы бизнеса, новые первыми.
func (r *PostgresRepository) ListProgramsByBusiness(ctx context.Context, businessID string) ([]*Program, error) {
	return r.queryPrograms(ctx, `
		SELECT `+programColumns+` FROM loyalty_programs p
		WHERE p.business_id = $1
		ORDER BY p.created_at DESC
	`, businessID)
}

// ListActivePrograms возвращает активные программы города (пустой city — все города).
func (r *PostgresRepository) ListActivePrograms(ctx context.Context, city string) ([]*Program, error) {
	return r.queryPrograms(ctx, `
		SELECT `+programColumns+` FROM loyalty_programs p
		WHERE p.status = 'active' AND ($1 = '' OR lower(p.city) = lower($1))
		ORDER BY p.name
	`, city)
}

func (r *PostgresRepository) queryPrograms(ctx context.Context, query string, args ...any) ([]*Program, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения программ: %w", err)
	}
	defer rows.Close()

	var programs []*Program
	for rows.Next() {
		var p Program
		if err := rows.Scan(programScanTargets(&p)...); err != nil {
			return nil, fmt.Errorf("ошибка сканирования программы: %w", err)
		}
		programs = append(programs, &p)
	}
	return programs, rows.Err()
}

// UpdateProgram блокирует программу (FOR UPDATE), применяет mutate и сохраняет.
// Если в ctx есть транзакция (postgres.WithTx) — работает внутри неё.
func (r *PostgresRepository) UpdateProgram(ctx context.Context, id uuid.UUID, mutate func(p *Program) error) (*Program, error) {
	tx, err := postgres.Begin(ctx, r.db)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var p Program
	err = tx.QueryRow(ctx, `SELECT `+programColumns+` FROM loyalty_programs p WHERE p.id = $1 FOR UPDATE`, id).
		Scan(programScanTargets(&p)...)
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки программы: %w", notFound(err, common.ErrProgramNotFound))
	}

	if err := mutate(&p); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE loyalty_programs
		SET name = $2, reward_threshold = $3, reward_description = $4,
		    earn_instructions = $5, redeem_instructions = $6, max_earns_per_day = $7,
		    min_gap_minutes = $8, points_per_earn_max = $9, status = $10,
		    staff_pin_hash = $11, updated_at = $12, ended_at = $13
		WHERE id = $1
	`, p.ID, p.Name, p.RewardThreshold, p.RewardDescription,
		p.EarnInstructions, p.RedeemInstructions, p.MaxEarnsPerDay,
		p.MinGapMinutes, p.PointsPerEarnMax, string(p.Status),
		p.StaffPINHash, p.UpdatedAt, p.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления программы: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return &p, nil
}

// --- Участия ---

// JoinProgram создаёт участие. ON CONFLICT — пользователь уже в программе.
func (r *PostgresRepository) JoinProgram(ctx context.Context, m *Membership) (*Membership, bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO loyalty_memberships (id, program_id, user_id, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (program_id, user_id) DO NOTHING
	`, m.ID, m.ProgramID, m.UserID, m.JoinedAt, m.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка вступления в программу: %w", err)
	}

	existing, err := r.GetMembership(ctx, m.ProgramID, m.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, tag.RowsAffected() == 1, nil
}

// GetMembership возвращает участие пользователя в программе.
func (r *PostgresRepository) GetMembership(ctx context.Context, programID uuid.UUID, userID string) (*Membership, error) {
	var m Membership
	err := r.db.QueryRow(ctx, `
		SELECT `+membershipColumns+` FROM loyalty_memberships m
		WHERE m.program_id = $1 AND m.user_id = $2
	`, programID, userID).Scan(membershipScanTargets(&m)...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения участия: %w", notFound(err, common.ErrNotMember))
	}
	return &m, nil
}

// ListMembershipsByUser возвращает все участия пользователя вместе с программами.
func (r *PostgresRepository) ListMembershipsByUser(ctx context.Context, userID string) ([]*MembershipView, error) {
	return r.queryViews(ctx, `
		SELECT `+membershipColumns+`, `+programColumns+`
		FROM loyalty_memberships m
		JOIN loyalty_programs p ON p.id = m.program_id
		WHERE m.user_id = $1
		ORDER BY m.updated_at DESC
	`, userID)
}

// ListMembershipsByProgram возвращает участников программы постранично.
func (r *PostgresRepository) ListMembershipsByProgram(ctx context.Context, programID uuid.UUID, limit, offset int) ([]*Membership, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+membershipColumns+` FROM loyalty_memberships m
		WHERE m.program_id = $1
		ORDER BY m.joined_at
		LIMIT $2 OFFSET $3
	`, programID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения участников: %w", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(membershipScanTargets(&m)...); err != nil {
			return nil, fmt.Errorf("ошибка сканирования участия: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) queryViews(ctx context.Context, query string, args ...any) ([]*MembershipView, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения участий: %w", err)
	}
	defer rows.Close()

	var out []*MembershipView
	for rows.Next() {
		var m Membership
		var p Program
		targets := append(membershipScanTargets(&m), programScanTargets(&p)...)
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("ошибка сканирования участия: %w", err)
		}
		out = append(out, &MembershipView{Membership: &m, Program: &p})
	}
	return out, rows.Err()
}

// --- Леджер ---

// lockMembership блокирует строку участия (FOR UPDATE) внутри транзакции.
func lockMembership(ctx context.Context, tx pgx.Tx, programID uuid.UUID, userID string) (*Membership, error) {
	var m Membership
	err := tx.QueryRow(ctx, `
		SELECT `+membershipColumns+` FROM loyalty_memberships m
		WHERE m.program_id = $1 AND m.user_id = $2
		FOR UPDATE
	`, programID, userID).Scan(membershipScanTargets(&m)...)
	if err != nil {
		return nil, notFound(err, common.ErrNotMember)
	}
	return &m, nil
}

// lockProgramShared читает программу с FOR SHARE: статус не может смениться до конца транзакции.
func lockProgramShared(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Program, error) {
	var p Program
	err := tx.QueryRow(ctx, `SELECT `+programColumns+` FROM loyalty_programs p WHERE p.id = $1 FOR SHARE`, id).
		Scan(programScanTargets(&p)...)
	if err != nil {
		return nil, notFound(err, common.ErrProgramNotFound)
	}
	return &p, nil
}

// saveMutation сохраняет новое состояние участия и добавляет запись в леджер.
func saveMutation(ctx context.Context, tx pgx.Tx, m *Membership, e *LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		UPDATE loyalty_memberships
		SET stamps_balance = $2, points_balance = $3, total_earned = $4, total_redeemed = $5,
		    rewards_claimed = $6, last_earned_at = $7, earned_today_count = $8, updated_at = $9
		WHERE id = $1
	`, m.ID, m.StampsBalance, m.PointsBalance, m.TotalEarned, m.TotalRedeemed,
		m.RewardsClaimed, m.LastEarnedAt, m.EarnedTodayCount, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления участия: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO loyalty_ledger (
			id, membership_id, program_id, user_id, kind, amount, balance_after,
			source, idempotency_key, note, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9, ''),$10,$11)
	`, e.ID, e.MembershipID, e.ProgramID, e.UserID, string(e.Kind), e.Amount, e.BalanceAfter,
		e.Source, e.IdempotencyKey, e.Note, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrIdempotencyConflict
		}
		return fmt.Errorf("ошибка записи в леджер: %w", err)
	}
	return nil
}

// findByIdempotencyKey ищет запись леджера участия по ключу идемпотентности.
func findByIdempotencyKey(ctx context.Context, tx pgx.Tx, membershipID uuid.UUID, key string) (*LedgerEntry, error) {
	var e LedgerEntry
	err := tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM loyalty_ledger
		WHERE membership_id = $1 AND idempotency_key = $2
	`, membershipID, key).Scan(ledgerScanTargets(&e)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска по ключу идемпотентности: %w", err)
	}
	return &e, nil
}

// ApplyLedger атомарно применяет начисление или списание.
//
// Порядок:
//  1. FOR SHARE на программе, FOR UPDATE на участии
//  2. Проверка ключа идемпотентности
//  3. mutate (правила программы)
//  4. UPDATE участия + INSERT в леджер
func (r *PostgresRepository) ApplyLedger(ctx context.Context, op LedgerOp, mutate Mutation) (*LedgerResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockProgramShared(ctx, tx, op.ProgramID)
	if err != nil {
		return nil, err
	}

	m, err := lockMembership(ctx, tx, op.ProgramID, op.UserID)
	if errors.Is(err, common.ErrNotMember) && op.CreateMembership {
		fresh := NewMembership(op.ProgramID, op.UserID, op.Now)
		_, err = tx.Exec(ctx, `
			INSERT INTO loyalty_memberships (id, program_id, user_id, joined_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (program_id, user_id) DO NOTHING
		`, fresh.ID, fresh.ProgramID, fresh.UserID, fresh.JoinedAt, fresh.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("ошибка неявного вступления: %w", err)
		}
		m, err = lockMembership(ctx, tx, op.ProgramID, op.UserID)
	}
	if err != nil {
		return nil, err
	}

	if op.IdempotencyKey != "" {
		prev, err := findByIdempotencyKey(ctx, tx, m.ID, op.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			if prev.Kind != op.Kind {
				return nil, common.ErrIdempotencyConflict
			}
			return &LedgerResult{Entry: prev, Membership: m, Program: p, Replayed: true}, nil
		}
	}

	entry, err := mutate(p, m)
	if err != nil {
		return nil, err
	}
	entry.IdempotencyKey = op.IdempotencyKey

	if err := saveMutation(ctx, tx, m, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return &LedgerResult{Entry: entry, Membership: m, Program: p}, nil
}

// ListLedger возвращает последние записи леджера пользователя (по программе или по всем).
func (r *PostgresRepository) ListLedger(ctx context.Context, userID string, programID *uuid.UUID, limit int) ([]*LedgerEntry, error) {
	var pid any
	if programID != nil {
		pid = *programID
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+ledgerColumns+` FROM loyalty_ledger
		WHERE user_id = $1 AND ($2::uuid IS NULL OR program_id = $2::uuid)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, pid, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(ledgerScanTargets(&e)...); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Выдача наград ---

// RevealRedemption возвращает действующую выдачу или сохраняет новую.
// Уникальный частичный индекс idx_loyalty_redemptions_one_pending не даёт
// параллельным показам создать вторую pending-выдачу: проигравший INSERT
// упирается в ON CONFLICT и перечитывает выдачу победителя.
func (r *PostgresRepository) RevealRedemption(ctx context.Context, rd *Redemption, now time.Time) (*Redemption, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	// Истёкшая, но ещё pending выдача занимает индекс — закрываем её здесь,
	// не дожидаясь фоновой задачи.
	_, err = tx.Exec(ctx, `
		UPDATE loyalty_redemptions
		SET status = 'expired', resolved_at = $2
		WHERE membership_id = $1 AND status = 'pending' AND expires_at <= $2
	`, rd.MembershipID, now)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка истечения выдачи: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO loyalty_redemptions (id, program_id, membership_id, user_id, code, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (membership_id) WHERE status = 'pending' DO NOTHING
	`, rd.ID, rd.ProgramID, rd.MembershipID, rd.UserID, rd.Code, string(rd.Status), rd.ExpiresAt, rd.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка создания выдачи: %w", err)
	}

	result, created := rd, true
	if tag.RowsAffected() == 0 {
		var existing Redemption
		err = tx.QueryRow(ctx, `
			SELECT `+redemptionColumns+` FROM loyalty_redemptions
			WHERE membership_id = $1 AND status = 'pending'
		`, rd.MembershipID).Scan(redemptionScanTargets(&existing)...)
		if err != nil {
			return nil, false, fmt.Errorf("ошибка чтения выдачи: %w", notFound(err, common.ErrRedemptionNotFound))
		}
		result, created = &existing, false
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return result, created, nil
}

// GetRedemption возвращает выдачу по ID.
func (r *PostgresRepository) GetRedemption(ctx context.Context, id uuid.UUID) (*Redemption, error) {
	var rd Redemption
	err := r.db.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM loyalty_redemptions WHERE id = $1`, id).
		Scan(redemptionScanTargets(&rd)...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения выдачи: %w", notFound(err, common.ErrRedemptionNotFound))
	}
	return &rd, nil
}

// CancelRedemption отменяет выдачу владельца, если она ещё pending.
func (r *PostgresRepository) CancelRedemption(ctx context.Context, id uuid.UUID, userID string, now time.Time) (*Redemption, error) {
	var rd Redemption
	err := r.db.QueryRow(ctx, `
		UPDATE loyalty_redemptions
		SET status = 'cancelled', resolved_at = $3
		WHERE id = $1 AND user_id = $2 AND status = 'pending'
		RETURNING `+redemptionColumns, id, userID, now).Scan(redemptionScanTargets(&rd)...)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.GetRedemption(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.UserID != userID {
			return nil, common.ErrRedemptionNotFound
		}
		return nil, common.ErrRedemptionNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка отмены выдачи: %w", err)
	}
	return &rd, nil
}

// ConfirmRedemption подтверждает выдачу: списание и смена статуса в одной транзакции.
func (r *PostgresRepository) ConfirmRedemption(ctx context.Context, id uuid.UUID, now time.Time, mutate RedemptionMutation) (*LedgerResult, *Redemption, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var rd Redemption
	err = tx.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM loyalty_redemptions WHERE id = $1 FOR UPDATE`, id).
		Scan(redemptionScanTargets(&rd)...)
	if err != nil {
		return nil, nil, notFound(err, common.ErrRedemptionNotFound)
	}

	p, err := lockProgramShared(ctx, tx, rd.ProgramID)
	if err != nil {
		return nil, nil, err
	}
	m, err := lockMembership(ctx, tx, rd.ProgramID, rd.UserID)
	if err != nil {
		return nil, nil, err
	}

	entry, err := mutate(&rd, p, m)
	if err != nil {
		return nil, nil, err
	}
	entry.IdempotencyKey = "redemption:" + rd.ID.String()

	if err := saveMutation(ctx, tx, m, entry); err != nil {
		return nil, nil, err
	}

	rd.Status = RedemptionConfirmed
	rd.LedgerEntryID = &entry.ID
	resolved := now
	rd.ResolvedAt = &resolved
	_, err = tx.Exec(ctx, `
		UPDATE loyalty_redemptions
		SET status = 'confirmed', ledger_entry_id = $2, resolved_at = $3
		WHERE id = $1
	`, rd.ID, entry.ID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка подтверждения выдачи: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return &LedgerResult{Entry: entry, Membership: m, Program: p}, &rd, nil
}

// ExpireRedemptions помечает истёкшие pending-выдачи.
func (r *PostgresRepository) ExpireRedemptions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE loyalty_redemptions
		SET status = 'expired', resolved_at = $1
		WHERE status = 'pending' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка истечения выдач: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- PIN сотрудников ---

// ReservePINAttempt сериализует попытки одной программы транзакционной
// advisory-блокировкой: подсчёт и запись идут под ней, поэтому параллельные
// подтверждения не проходят мимо лимита.
func (r *PostgresRepository) ReservePINAttempt(ctx context.Context, programID uuid.UUID, since, at time.Time, maxFailed int) (int64, int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "pin:"+programID.String()); err != nil {
		return 0, 0, fmt.Errorf("ошибка блокировки попыток PIN: %w", err)
	}

	var failed int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM loyalty_pin_attempts
		WHERE program_id = $1 AND success = FALSE AND attempted_at >= $2
	`, programID, since).Scan(&failed)
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка подсчёта попыток PIN: %w", err)
	}
	if failed >= maxFailed {
		return 0, failed, common.ErrTooManyPINAttempts
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO loyalty_pin_attempts (program_id, success, attempted_at)
		VALUES ($1, FALSE, $2)
		RETURNING id
	`, programID, at).Scan(&id)
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка записи попытки PIN: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return id, failed + 1, nil
}

// MarkPINAttemptSucceeded помечает попытку успешной.
func (r *PostgresRepository) MarkPINAttemptSucceeded(ctx context.Context, attemptID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE loyalty_pin_attempts SET success = TRUE WHERE id = $1`, attemptID)
	if err != nil {
		return fmt.Errorf("ошибка обновления попытки PIN: %w", err)
	}
	return nil
}

// --- Фоновые задачи ---

// ResetDailyCounters обнуляет дневные счётчики у тех, кто последний раз копил до before.
func (r *PostgresRepository) ResetDailyCounters(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE loyalty_memberships
		SET earned_today_count = 0
		WHERE earned_today_count > 0 AND last_earned_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("ошибка сброса дневных счётчиков: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListRewardReadyMemberships — участия с готовой наградой, которым давно не напоминали.
func (r *PostgresRepository) ListRewardReadyMemberships(ctx context.Context, remindedBefore time.Time, limit int) ([]*MembershipView, error) {
	return r.queryViews(ctx, `
		SELECT `+membershipColumns+`, `+programColumns+`
		FROM loyalty_memberships m
		JOIN loyalty_programs p ON p.id = m.program_id
		WHERE p.status <> 'ended'
		  AND CASE WHEN p.type = 'points' THEN m.points_balance ELSE m.stamps_balance END >= p.reward_threshold
		  AND (m.reminder_sent_at IS NULL OR m.reminder_sent_at < $1)
		ORDER BY m.updated_at
		LIMIT $2
	`, remindedBefore, limit)
}

// MarkReminderSent помечает, что напоминание отправлено.
func (r *PostgresRepository) MarkReminderSent(ctx context.Context, membershipID uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE loyalty_memberships SET reminder_sent_at = $2 WHERE id = $1`, membershipID, at)
	return err
}
