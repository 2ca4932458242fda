package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/streambed/internal/domain/model"
)

// SiteRepository — доступ к таблице sites.
type SiteRepository interface {
	// GetByDomain возвращает сайт по домену.
	GetByDomain(ctx context.Context, domain string) (*model.Site, error)
	// Ensure возвращает сайт домена, создавая его при отсутствии.
	Ensure(ctx context.Context, domain string) (*model.Site, error)
}

type siteRepo struct {
	db DBTX
}

// NewSiteRepository создаёт репозиторий сайтов.
func NewSiteRepository(db DBTX) SiteRepository {
	return &siteRepo{db: db}
}

func (r *siteRepo) GetByDomain(ctx context.Context, domain string) (*model.Site, error) {
	s := &model.Site{}
	err := r.db.QueryRow(ctx,
		`SELECT site_id, domain FROM sites WHERE domain = $1`, domain,
	).Scan(&s.SiteID, &s.Domain)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сайта: %w", err)
	}
	return s, nil
}

func (r *siteRepo) Ensure(ctx context.Context, domain string) (*model.Site, error) {
	// DO UPDATE вместо DO NOTHING — чтобы RETURNING вернул строку и при конфликте
	query := `
		INSERT INTO sites (domain) VALUES ($1)
		ON CONFLICT (domain) DO UPDATE SET domain = EXCLUDED.domain
		RETURNING site_id, domain`

	s := &model.Site{}
	if err := r.db.QueryRow(ctx, query, domain).Scan(&s.SiteID, &s.Domain); err != nil {
		return nil, fmt.Errorf("ошибка upsert сайта: %w", err)
	}
	return s, nil
}
