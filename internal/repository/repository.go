// Пакет repository — SQL-доступ к схеме StreamBed через pgx.
// Общие таблицы (семейства версий, remote_cache) пишутся только через upsert
// по естественному уникальному ключу.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности или проигранный compare-and-set.
	ErrConflict = errors.New("конфликт — запись уже существует или изменена")
)

// codeUniqueViolation — SQLSTATE unique_violation.
const codeUniqueViolation = "23505"

// DBTX — общее подмножество *pgxpool.Pool и pgx.Tx: репозитории
// одинаково работают в транзакции шлюза и вне её.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner открывает транзакции на пуле. Через него шлюз атомарно пишет
// сайт, пользователя, семейство, ресурс и строку remote_cache.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx коммитит, только если fn вернула nil.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("BEGIN: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("COMMIT: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
