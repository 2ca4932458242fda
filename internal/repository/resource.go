package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/streambed/internal/domain/model"
)

// VersionEntry — строка семейства версий: конкретная версия и её локальный ID.
type VersionEntry struct {
	ExtraID int64
	Version model.ResolvedVersion
	Status  model.Status
}

// FamilyKey — естественный ключ семейства версий.
type FamilyKey struct {
	Kind   model.Kind
	UserID int64
	Name   string
}

// ResourceRepository — доступ к таблицам resource_families и resources.
type ResourceRepository interface {
	// ListVersions возвращает все версии семейства. Пустое семейство — пустой срез.
	ListVersions(ctx context.Context, key FamilyKey) ([]VersionEntry, error)
	// GetByExtraID возвращает версию с владельцем и доменом.
	GetByExtraID(ctx context.Context, extraID int64) (*model.Resource, error)
	// Create создаёт семейство (если его нет) и новую версию в нём.
	// Повтор версии — ErrConflict.
	Create(ctx context.Context, res *model.Resource) error
	// UpdateStatus переводит версию из expected в next (compare-and-set).
	// Если статус уже не expected — ErrConflict.
	UpdateStatus(ctx context.Context, extraID int64, expected, next model.Status) error
	// UpdateDescription меняет описание, только пока версия private.
	UpdateDescription(ctx context.Context, extraID int64, description string) error
	// UpsertRemote создаёт или обновляет локальную копию версии чужого домена.
	// Возвращает extra_id и family_id.
	UpsertRemote(ctx context.Context, key FamilyKey, v model.ResolvedVersion, status model.Status, payload []byte) (int64, int64, error)
}

type resourceRepo struct {
	db DBTX
}

// NewResourceRepository создаёт репозиторий версионируемых ресурсов.
func NewResourceRepository(db DBTX) ResourceRepository {
	return &resourceRepo{db: db}
}

func (r *resourceRepo) ListVersions(ctx context.Context, key FamilyKey) ([]VersionEntry, error) {
	query := `
		SELECT r.extra_id, r.major, r.minor, r.patch, r.family_id, r.status
		FROM resources r
		JOIN resource_families f ON f.family_id = r.family_id
		WHERE f.kind = $1 AND f.user_id = $2 AND f.name = $3
		ORDER BY r.major, r.minor, r.patch`

	rows, err := r.db.Query(ctx, query, string(key.Kind), key.UserID, key.Name)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения версий: %w", err)
	}
	defer rows.Close()

	var result []VersionEntry
	for rows.Next() {
		var e VersionEntry
		var status string
		if err := rows.Scan(
			&e.ExtraID, &e.Version.Major, &e.Version.Minor, &e.Version.Patch,
			&e.Version.FamilyID, &status,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования версии: %w", err)
		}
		e.Status = model.Status(status)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *resourceRepo) GetByExtraID(ctx context.Context, extraID int64) (*model.Resource, error) {
	query := `
		SELECT r.extra_id, r.family_id, f.kind, f.user_id, u.username, s.domain, f.name,
			r.major, r.minor, r.patch, r.status, r.description, r.payload,
			r.created_at, r.updated_at
		FROM resources r
		JOIN resource_families f ON f.family_id = r.family_id
		JOIN users u ON u.user_id = f.user_id
		JOIN sites s ON s.site_id = u.site_id
		WHERE r.extra_id = $1`

	res := &model.Resource{}
	var kind, status string
	err := r.db.QueryRow(ctx, query, extraID).Scan(
		&res.ExtraID, &res.FamilyID, &kind, &res.UserID, &res.Username, &res.Domain, &res.Name,
		&res.Version.Major, &res.Version.Minor, &res.Version.Patch,
		&status, &res.Description, &res.Payload,
		&res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ресурса: %w", err)
	}
	res.Kind = model.Kind(kind)
	res.Status = model.Status(status)
	res.Version.FamilyID = res.FamilyID
	return res, nil
}

func (r *resourceRepo) Create(ctx context.Context, res *model.Resource) error {
	query := `
		WITH fam AS (
			INSERT INTO resource_families (kind, user_id, name) VALUES ($1, $2, $3)
			ON CONFLICT (kind, user_id, name) DO UPDATE SET name = EXCLUDED.name
			RETURNING family_id
		)
		INSERT INTO resources (family_id, major, minor, patch, status, description, payload)
		SELECT family_id, $4, $5, $6, $7, $8, $9 FROM fam
		RETURNING extra_id, family_id, created_at, updated_at`

	payload := []byte(res.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	err := r.db.QueryRow(ctx, query,
		string(res.Kind), res.UserID, res.Name,
		res.Version.Major, res.Version.Minor, res.Version.Patch,
		string(res.Status), res.Description, payload,
	).Scan(&res.ExtraID, &res.FamilyID, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: версия %s уже существует", ErrConflict, res.Version)
		}
		return fmt.Errorf("ошибка создания ресурса: %w", err)
	}
	res.Version.FamilyID = res.FamilyID
	return nil
}

func (r *resourceRepo) UpdateStatus(ctx context.Context, extraID int64, expected, next model.Status) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE resources SET status = $3, updated_at = now()
		WHERE extra_id = $1 AND status = $2`,
		extraID, string(expected), string(next),
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: статус уже не %s", ErrConflict, expected)
	}
	return nil
}

func (r *resourceRepo) UpdateDescription(ctx context.Context, extraID int64, description string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE resources SET description = $2, updated_at = now()
		WHERE extra_id = $1 AND status = 'private'`,
		extraID, description,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления описания: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: версия уже не private", ErrConflict)
	}
	return nil
}

func (r *resourceRepo) UpsertRemote(ctx context.Context, key FamilyKey, v model.ResolvedVersion, status model.Status, payload []byte) (int64, int64, error) {
	query := `
		WITH fam AS (
			INSERT INTO resource_families (kind, user_id, name) VALUES ($1, $2, $3)
			ON CONFLICT (kind, user_id, name) DO UPDATE SET name = EXCLUDED.name
			RETURNING family_id
		)
		INSERT INTO resources (family_id, major, minor, patch, status, payload)
		SELECT family_id, $4, $5, $6, $7, $8 FROM fam
		ON CONFLICT (family_id, major, minor, patch) DO UPDATE
			SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = now()
		RETURNING extra_id, family_id`

	var extraID, familyID int64
	err := r.db.QueryRow(ctx, query,
		string(key.Kind), key.UserID, key.Name,
		v.Major, v.Minor, v.Patch, string(status), payload,
	).Scan(&extraID, &familyID)
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка upsert копии ресурса: %w", err)
	}
	return extraID, familyID, nil
}
