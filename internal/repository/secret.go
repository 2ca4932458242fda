package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SecretRepository — доступ к таблице user_secrets.
// Хранится только sha256-хэш секрета.
type SecretRepository interface {
	// Create сохраняет хэш выданного секрета.
	Create(ctx context.Context, userID int64, secretHash string, expiresAt time.Time) error
	// GetUserID возвращает владельца действующего секрета.
	GetUserID(ctx context.Context, secretHash string, now time.Time) (int64, error)
	// DeleteExpired удаляет истёкшие секреты, возвращает количество удалённых.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type secretRepo struct {
	db DBTX
}

// NewSecretRepository создаёт репозиторий секретов.
func NewSecretRepository(db DBTX) SecretRepository {
	return &secretRepo{db: db}
}

func (r *secretRepo) Create(ctx context.Context, userID int64, secretHash string, expiresAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_secrets (secret_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		secretHash, userID, expiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: секрет уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка сохранения секрета: %w", err)
	}
	return nil
}

func (r *secretRepo) GetUserID(ctx context.Context, secretHash string, now time.Time) (int64, error) {
	var userID int64
	err := r.db.QueryRow(ctx,
		`SELECT user_id FROM user_secrets WHERE secret_hash = $1 AND expires_at > $2`,
		secretHash, now,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка проверки секрета: %w", err)
	}
	return userID, nil
}

func (r *secretRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM user_secrets WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления истёкших секретов: %w", err)
	}
	return tag.RowsAffected(), nil
}
