// Package postgres — queries.go содержит выполнение одной миграции.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migration — одна SQL-миграция.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Beginner — соединение, в котором можно открыть транзакцию (*pgxpool.Conn, *pgxpool.Pool).
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// validateMigrations проверяет, что версии положительные и строго возрастают.
func validateMigrations(migrations []Migration) error {
	prev := 0
	for _, m := range migrations {
		if m.Version <= prev {
			return fmt.Errorf("миграция %d (%s): версии должны строго возрастать", m.Version, m.Name)
		}
		if m.SQL == "" {
			return fmt.Errorf("миграция %d (%s): пустой SQL", m.Version, m.Name)
		}
		prev = m.Version
	}
	return nil
}

// ExecMigrationSQL выполняет миграцию в транзакции.
// Если запрос упадёт — транзакция откатится автоматически.
// Возвращает false, если миграция уже была применена.
func ExecMigrationSQL(ctx context.Context, db Beginner, m Migration) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки миграции: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return false, fmt.Errorf("ошибка выполнения миграции %d: %w", m.Version, err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.Version, m.Name,
	); err != nil {
		return false, fmt.Errorf("ошибка записи версии миграции: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("ошибка фиксации миграции %d: %w", m.Version, err)
	}
	return true, nil
}
