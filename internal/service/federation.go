package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/remoteclient"
	"github.com/bigkaa/streambed/internal/repository"
)

// resolveManyLimit — сколько имён пакета разрешается одновременно.
const resolveManyLimit = 4

// RemoteVersionLister — запрос списка версий у чужого домена.
type RemoteVersionLister interface {
	ListVersions(ctx context.Context, domain, username string, kind model.Kind, name string) ([]model.ResolvedVersion, error)
}

// NameRequest — одно имя в пакетном разрешении.
type NameRequest struct {
	Kind model.Kind
	Name model.ResourceName
}

// Federation связывает NameResolver и Gateway: локальный поиск,
// при необходимости запрос к чужому домену и ровно одна повторная попытка.
type Federation struct {
	resolver  *NameResolver
	gateway   *Gateway
	versions  RemoteVersionLister
	resources repository.ResourceRepository
	cache     repository.RemoteCacheRepository
	logger    *slog.Logger
}

// NewFederation создаёт сервис федеративного разрешения имён.
func NewFederation(
	resolver *NameResolver,
	gateway *Gateway,
	versions RemoteVersionLister,
	resources repository.ResourceRepository,
	cache repository.RemoteCacheRepository,
	logger *slog.Logger,
) *Federation {
	return &Federation{
		resolver:  resolver,
		gateway:   gateway,
		versions:  versions,
		resources: resources,
		cache:     cache,
		logger:    logger.With(slog.String("component", "federation")),
	}
}

// Resolve разрешает полное имя в локальный ID.
//
// Ресурс, известный локально, разрешается без сети. Для чужого домена
// при отсутствии копии вызывается Gateway, после чего разрешение
// повторяется один раз. Недоступность чужого домена без копии — ErrUnavailable.
func (f *Federation) Resolve(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) (Resolution, error) {
	res, err := f.resolver.Resolve(ctx, rc, kind, name)
	if !errors.Is(err, ErrRemoteLookupRequired) {
		return res, err
	}

	if _, err := f.gateway.FetchAndCache(ctx, rc, kind, name); err != nil {
		return Resolution{}, f.gatewayFailure(name, err)
	}

	res, err = f.resolver.Resolve(ctx, rc, kind, name)
	if errors.Is(err, ErrRemoteLookupRequired) {
		return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return res, err
}

// ResolveMany разрешает пакет имён. Ошибки не прерывают пакет, а
// собираются по ключам запроса для единого ответа {errors: {key: msg}}.
func (f *Federation) ResolveMany(ctx context.Context, rc model.RequestContext, reqs map[string]NameRequest) (map[string]Resolution, map[string]error) {
	var (
		mu       sync.Mutex
		resolved = make(map[string]Resolution, len(reqs))
		failed   = make(map[string]error)
	)

	keys := make([]string, 0, len(reqs))
	for k := range reqs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var g errgroup.Group
	g.SetLimit(resolveManyLimit)
	for _, key := range keys {
		req := reqs[key]
		g.Go(func() error {
			res, err := f.Resolve(ctx, rc, req.Kind, req.Name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[key] = err
				return nil
			}
			resolved[key] = res
			return nil
		})
	}
	_ = g.Wait()

	return resolved, failed
}

// Document возвращает JSON ресурса: для локального домена — из resources,
// для чужого — через Gateway (с отдачей устаревшей копии при недоступности).
func (f *Federation) Document(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) (*model.CachedRemoteResource, error) {
	if err := ValidateName(kind, name); err != nil {
		return nil, err
	}

	if !IsLocalDomain(rc, name.Domain) {
		entry, err := f.gateway.FetchAndCache(ctx, rc, kind, name)
		if err != nil {
			return nil, f.gatewayFailure(name, err)
		}
		return entry, nil
	}

	res, err := f.resolver.Resolve(ctx, rc, kind, name)
	if err != nil {
		return nil, err
	}
	resource, err := f.resources.GetByExtraID(ctx, res.ExtraID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("получение ресурса %d: %w", res.ExtraID, err)
	}
	doc, err := BuildDocument(resource)
	if err != nil {
		return nil, err
	}
	return &model.CachedRemoteResource{
		Domain:     resource.Domain,
		Username:   resource.Username,
		Kind:       resource.Kind,
		Name:       resource.Name,
		Version:    resource.Version,
		Payload:    doc,
		ExtraID:    resource.ExtraID,
		TimeCached: resource.UpdatedAt,
	}, nil
}

// ListVersions возвращает версии семейства. Для чужого домена список
// запрашивается у него; при недоступности отдаются закэшированные версии.
func (f *Federation) ListVersions(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) ([]model.ResolvedVersion, error) {
	name.Version = model.LatestVersion()
	if err := ValidateName(kind, name); err != nil {
		return nil, err
	}

	if IsLocalDomain(rc, name.Domain) {
		return f.localVersions(ctx, rc, kind, name)
	}

	versions, err := f.versions.ListVersions(ctx, name.Domain, name.Username, kind, name.Name)
	if err == nil {
		sortVersions(versions)
		return versions, nil
	}

	var gErr *remoteclient.GatewayError
	if !errors.As(err, &gErr) {
		return nil, err
	}
	// Владелец явно ответил «не найдено»: кэш семейства не показываем.
	if gErr.RemoteNotFound() {
		return nil, f.gatewayFailure(name, gErr)
	}

	entries, cacheErr := f.cache.ListByName(ctx, repository.RemoteName{
		Domain: name.Domain, Username: name.Username, Kind: kind, Name: name.Name,
	})
	if cacheErr != nil {
		return nil, fmt.Errorf("чтение remote_cache: %w", cacheErr)
	}
	if len(entries) == 0 {
		return nil, f.gatewayFailure(name, gErr)
	}

	f.logger.Warn("Чужой домен недоступен, отдаются закэшированные версии",
		slog.String("name", name.String()),
		slog.String("reason", string(gErr.Reason)),
	)
	out := make([]model.ResolvedVersion, len(entries))
	for i, e := range entries {
		out[i] = e.Version
	}
	sortVersions(out)
	return out, nil
}

// localVersions — версии локального семейства; приватные видит только владелец.
func (f *Federation) localVersions(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) ([]model.ResolvedVersion, error) {
	site, err := f.resolver.sites.GetByDomain(ctx, name.Domain)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: пользователь %s", ErrNotFound, name.Username)
		}
		return nil, fmt.Errorf("поиск сайта: %w", err)
	}
	user, err := f.resolver.users.GetBySite(ctx, site.SiteID, name.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: пользователь %s", ErrNotFound, name.Username)
		}
		return nil, fmt.Errorf("поиск пользователя: %w", err)
	}

	entries, err := f.resources.ListVersions(ctx, repository.FamilyKey{Kind: kind, UserID: user.UserID, Name: name.Name})
	if err != nil {
		return nil, fmt.Errorf("получение версий: %w", err)
	}

	owner := rc.CallerUserID == user.UserID
	out := make([]model.ResolvedVersion, 0, len(entries))
	for _, e := range entries {
		if e.Status == model.StatusPrivate && !owner {
			continue
		}
		out = append(out, e.Version)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, name.Domain, name.Username, name.Name)
	}
	sortVersions(out)
	return out, nil
}

// sortVersions упорядочивает версии по возрастанию.
func sortVersions(vs []model.ResolvedVersion) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Compare(vs[j]) < 0 })
}

// gatewayFailure приводит ошибку шлюза к ошибке сервиса.
// Явное «не найдено» от чужого домена — ErrNotFound, прочее — ErrUnavailable.
func (f *Federation) gatewayFailure(name model.ResourceName, err error) error {
	var gErr *remoteclient.GatewayError
	if !errors.As(err, &gErr) {
		return err
	}
	if gErr.RemoteNotFound() {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	f.logger.Info("Ресурс чужого домена недоступен",
		slog.String("name", name.String()),
		slog.String("reason", string(gErr.Reason)),
	)
	return fmt.Errorf("%w: %w", ErrUnavailable, gErr)
}
