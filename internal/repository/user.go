package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/streambed/internal/domain/model"
)

// UserRepository — доступ к таблице users.
type UserRepository interface {
	// GetBySite возвращает пользователя по сайту и имени.
	GetBySite(ctx context.Context, siteID int64, username string) (*model.User, error)
	// GetByID возвращает пользователя по ID.
	GetByID(ctx context.Context, userID int64) (*model.User, error)
	// Ensure возвращает пользователя сайта, создавая его при отсутствии.
	Ensure(ctx context.Context, siteID int64, username string) (*model.User, error)
}

type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `u.user_id, u.site_id, u.username, s.domain`

func (r *userRepo) GetBySite(ctx context.Context, siteID int64, username string) (*model.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users u JOIN sites s ON s.site_id = u.site_id
		WHERE u.site_id = $1 AND u.username = $2`
	return r.scanOne(ctx, query, siteID, username)
}

func (r *userRepo) GetByID(ctx context.Context, userID int64) (*model.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users u JOIN sites s ON s.site_id = u.site_id
		WHERE u.user_id = $1`
	return r.scanOne(ctx, query, userID)
}

func (r *userRepo) Ensure(ctx context.Context, siteID int64, username string) (*model.User, error) {
	query := `
		WITH u AS (
			INSERT INTO users (site_id, username) VALUES ($1, $2)
			ON CONFLICT (site_id, username) DO UPDATE SET username = EXCLUDED.username
			RETURNING user_id, site_id, username
		)
		SELECT ` + userColumns + `
		FROM u JOIN sites s ON s.site_id = u.site_id`
	u, err := r.scanOne(ctx, query, siteID, username)
	if err != nil {
		return nil, fmt.Errorf("ошибка upsert пользователя: %w", err)
	}
	return u, nil
}

func (r *userRepo) scanOne(ctx context.Context, query string, args ...any) (*model.User, error) {
	u := &model.User{}
	err := r.db.QueryRow(ctx, query, args...).Scan(&u.UserID, &u.SiteID, &u.Username, &u.Domain)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}
