// Package editrequests — repository.go хранит заявки в таблице loyalty_edit_requests
// (PostgreSQL) или в памяти.
package editrequests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/db/postgres"
)

// Decision вызывается под блокировкой pending-заявки. Она меняет статус заявки;
// ошибка отменяет рассмотрение, заявка остаётся pending.
// В PostgreSQL ctx несёт транзакцию заявки (postgres.WithTx): изменения,
// сделанные через него, фиксируются вместе со статусом заявки.
type Decision func(ctx context.Context, req *EditRequest) error

// Repository — хранилище заявок.
type Repository interface {
	// Create сохраняет заявку. Если по программе уже есть pending — ErrEditRequestPending.
	Create(ctx context.Context, req *EditRequest) error
	Get(ctx context.Context, id uuid.UUID) (*EditRequest, error)
	ListByBusiness(ctx context.Context, businessID string) ([]*EditRequest, error)
	// ListByStatus — пустой статус означает все заявки.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*EditRequest, error)
	// Resolve блокирует заявку и вызывает decide. Не pending — ErrRequestResolved.
	Resolve(ctx context.Context, id uuid.UUID, decide Decision) (*EditRequest, error)
}

// ============================================================================
// PostgreSQL
// ============================================================================

// PostgresRepository — заявки в PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий заявок.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const requestColumns = `
	id, program_id, business_id, submitted_by, changes, status,
	COALESCE(reviewer_id, ''), COALESCE(review_note, ''), created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*EditRequest, error) {
	var req EditRequest
	var changes []byte
	err := row.Scan(
		&req.ID, &req.ProgramID, &req.BusinessID, &req.SubmittedBy, &changes, &req.Status,
		&req.ReviewerID, &req.ReviewNote, &req.CreatedAt, &req.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(changes, &req.Changes); err != nil {
		return nil, fmt.Errorf("ошибка разбора изменений заявки: %w", err)
	}
	return &req, nil
}

// Create сохраняет заявку. Уникальный частичный индекс не даёт создать вторую pending.
func (r *PostgresRepository) Create(ctx context.Context, req *EditRequest) error {
	changes, err := json.Marshal(req.Changes)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO loyalty_edit_requests (id, program_id, business_id, submitted_by, changes, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, req.ID, req.ProgramID, req.BusinessID, req.SubmittedBy, changes, string(req.Status), req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return common.ErrEditRequestPending
		}
		return fmt.Errorf("ошибка создания заявки: %w", err)
	}
	return nil
}

// Get возвращает заявку по ID.
func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*EditRequest, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM loyalty_edit_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrEditRequestNotFound
	}
	return req, err
}

// ListByBusiness — заявки бизнеса, новые первыми.
func (r *PostgresRepository) ListByBusiness(ctx context.Context, businessID string) ([]*EditRequest, error) {
	return r.query(ctx, `
		SELECT `+requestColumns+` FROM loyalty_edit_requests
		WHERE business_id = $1
		ORDER BY created_at DESC
	`, businessID)
}

// ListByStatus — заявки для администратора, старые первыми (очередь).
func (r *PostgresRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]*EditRequest, error) {
	return r.query(ctx, `
		SELECT `+requestColumns+` FROM loyalty_edit_requests
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
}

func (r *PostgresRepository) query(ctx context.Context, sql string, args ...any) ([]*EditRequest, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявок: %w", err)
	}
	defer rows.Close()

	var out []*EditRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Resolve блокирует заявку (FOR UPDATE) на время решения. decide получает
// контекст с той же транзакцией, поэтому применённые изменения программы и
// новый статус заявки фиксируются или откатываются вместе.
func (r *PostgresRepository) Resolve(ctx context.Context, id uuid.UUID, decide Decision) (*EditRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM loyalty_edit_requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrEditRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, common.ErrRequestResolved
	}
	if err := decide(postgres.WithTx(ctx, tx), req); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE loyalty_edit_requests
		SET status = $2, reviewer_id = $3, review_note = $4, resolved_at = $5
		WHERE id = $1
	`, req.ID, string(req.Status), req.ReviewerID, req.ReviewNote, req.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления заявки: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return req, nil
}

// ============================================================================
// Память
// ============================================================================

// MemoryRepository — заявки в памяти.
type MemoryRepository struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*EditRequest
}

// NewMemoryRepository создаёт пустое хранилище заявок.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[uuid.UUID]*EditRequest)}
}

func copyRequest(req *EditRequest) *EditRequest {
	c := *req
	return &c
}

func (r *MemoryRepository) Create(_ context.Context, req *EditRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.requests {
		if existing.ProgramID == req.ProgramID && existing.Status == StatusPending {
			return common.ErrEditRequestPending
		}
	}
	r.requests[req.ID] = copyRequest(req)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*EditRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, common.ErrEditRequestNotFound
	}
	return copyRequest(req), nil
}

func (r *MemoryRepository) ListByBusiness(_ context.Context, businessID string) ([]*EditRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*EditRequest
	for _, req := range r.requests {
		if req.BusinessID == businessID {
			out = append(out, copyRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListByStatus(_ context.Context, status Status, limit int) ([]*EditRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*EditRequest
	for _, req := range r.requests {
		if status == "" || req.Status == status {
			out = append(out, copyRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Resolve(ctx context.Context, id uuid.UUID, decide Decision) (*EditRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.requests[id]
	if !ok {
		return nil, common.ErrEditRequestNotFound
	}
	if stored.Status != StatusPending {
		return nil, common.ErrRequestResolved
	}
	req := copyRequest(stored)
	if err := decide(ctx, req); err != nil {
		return nil, err
	}
	r.requests[id] = copyRequest(req)
	return req, nil
}
