package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/streambed/internal/domain/model"
)

// RemoteName — ключ семейства в remote_cache без версии.
type RemoteName struct {
	Domain   string
	Username string
	Kind     model.Kind
	Name     string
}

// RemoteCacheRepository — доступ к таблице remote_cache.
type RemoteCacheRepository interface {
	// ListByName возвращает все закэшированные версии семейства чужого домена.
	ListByName(ctx context.Context, name RemoteName) ([]*model.CachedRemoteResource, error)
	// Upsert вставляет или обновляет запись (last write wins по payload и time_cached).
	Upsert(ctx context.Context, c *model.CachedRemoteResource) error
}

type remoteCacheRepo struct {
	db DBTX
}

// NewRemoteCacheRepository создаёт репозиторий кэша чужих ресурсов.
func NewRemoteCacheRepository(db DBTX) RemoteCacheRepository {
	return &remoteCacheRepo{db: db}
}

func (r *remoteCacheRepo) ListByName(ctx context.Context, name RemoteName) ([]*model.CachedRemoteResource, error) {
	query := `
		SELECT c.domain, c.username, c.kind, c.name, c.major, c.minor, c.patch,
			r.family_id, c.payload, c.extra_id, c.time_cached
		FROM remote_cache c
		JOIN resources r ON r.extra_id = c.extra_id
		WHERE c.domain = $1 AND c.username = $2 AND c.kind = $3 AND c.name = $4
		ORDER BY c.major, c.minor, c.patch`

	rows, err := r.db.Query(ctx, query, name.Domain, name.Username, string(name.Kind), name.Name)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения remote_cache: %w", err)
	}
	defer rows.Close()

	var result []*model.CachedRemoteResource
	for rows.Next() {
		c := &model.CachedRemoteResource{}
		var kind string
		if err := rows.Scan(
			&c.Domain, &c.Username, &kind, &c.Name,
			&c.Version.Major, &c.Version.Minor, &c.Version.Patch, &c.Version.FamilyID,
			&c.Payload, &c.ExtraID, &c.TimeCached,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования remote_cache: %w", err)
		}
		c.Kind = model.Kind(kind)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *remoteCacheRepo) Upsert(ctx context.Context, c *model.CachedRemoteResource) error {
	query := `
		INSERT INTO remote_cache (domain, username, kind, name, major, minor, patch,
			payload, extra_id, time_cached)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (domain, username, kind, name, major, minor, patch) DO UPDATE
			SET payload = EXCLUDED.payload,
				extra_id = EXCLUDED.extra_id,
				time_cached = EXCLUDED.time_cached
		RETURNING time_cached`

	err := r.db.QueryRow(ctx, query,
		c.Domain, c.Username, string(c.Kind), c.Name,
		c.Version.Major, c.Version.Minor, c.Version.Patch,
		[]byte(c.Payload), c.ExtraID, c.TimeCached,
	).Scan(&c.TimeCached)
	if err != nil {
		return fmt.Errorf("ошибка upsert remote_cache: %w", err)
	}
	return nil
}

// RemoteWriter — атомарное сохранение копии чужого ресурса:
// сайт, пользователь, семейство, версия и строка remote_cache в одной транзакции.
type RemoteWriter struct {
	tx *TxRunner
}

// NewRemoteWriter создаёт RemoteWriter.
func NewRemoteWriter(tx *TxRunner) *RemoteWriter {
	return &RemoteWriter{tx: tx}
}

// SaveRemote сохраняет копию. Заполняет c.ExtraID и c.Version.FamilyID.
// Повторный вызов с тем же ключом обновляет запись, а не дублирует её.
func (w *RemoteWriter) SaveRemote(ctx context.Context, c *model.CachedRemoteResource, status model.Status) error {
	return w.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		site, err := NewSiteRepository(tx).Ensure(ctx, c.Domain)
		if err != nil {
			return err
		}
		user, err := NewUserRepository(tx).Ensure(ctx, site.SiteID, c.Username)
		if err != nil {
			return err
		}

		key := FamilyKey{Kind: c.Kind, UserID: user.UserID, Name: c.Name}
		extraID, familyID, err := NewResourceRepository(tx).UpsertRemote(ctx, key, c.Version, status, c.Payload)
		if err != nil {
			return err
		}
		c.ExtraID = extraID
		c.Version.FamilyID = familyID

		return NewRemoteCacheRepository(tx).Upsert(ctx, c)
	})
}
