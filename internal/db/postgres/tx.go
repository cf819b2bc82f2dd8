// Package postgres — tx.go передаёт открытую транзакцию через context.
// Так репозитории разных фич выполняют свои изменения внутри одной транзакции:
// например, одобрение заявки меняет программу и статус заявки атомарно.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type txKey struct{}

// WithTx возвращает контекст, несущий транзакцию tx.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext возвращает транзакцию, положенную WithTx.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// Begin открывает транзакцию. Если в ctx уже есть транзакция — открывается
// вложенная (SAVEPOINT): её Commit ничего не фиксирует до Commit внешней,
// а откат внешней отменяет и её изменения.
func Begin(ctx context.Context, db Beginner) (pgx.Tx, error) {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.Begin(ctx)
	}
	return db.Begin(ctx)
}
