package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/domain/version"
	"github.com/bigkaa/streambed/internal/remoteclient"
	"github.com/bigkaa/streambed/internal/repository"
)

// Prometheus-метрики шлюза.
var (
	gatewayLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_gateway_lookups_total",
		Help: "Обращения к шлюзу чужих ресурсов по результату (fresh, fetched, stale, failed).",
	}, []string{"result"})

	gatewayHotHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sb_gateway_hot_cache_hits_total",
		Help: "Попадания в in-process LRU перед таблицей remote_cache.",
	})
)

// RemoteFetcher — запрос JSON ресурса у чужого домена.
type RemoteFetcher interface {
	FetchResource(ctx context.Context, domain, username string, kind model.Kind, name string, v model.PartialVersion) (*remoteclient.Document, error)
}

// RemoteCacheWriter — атомарное сохранение копии чужого ресурса.
type RemoteCacheWriter interface {
	SaveRemote(ctx context.Context, c *model.CachedRemoteResource, status model.Status) error
}

// Gateway — шлюз к чужим доменам с кэшем в remote_cache.
//
// Свежая запись (моложе TTL) отдаётся без сети. Устаревшая или отсутствующая
// запись вызывает ровно один запрос; при его неудаче отдаётся устаревшая
// копия (Stale=true), а без копии возвращается GatewayError.
// Записи не удаляются: свежесть проверяется только при чтении.
type Gateway struct {
	cache   repository.RemoteCacheRepository
	writer  RemoteCacheWriter
	fetcher RemoteFetcher
	hot     *lru.Cache[string, *model.CachedRemoteResource]
	flight  singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
}

// NewGateway создаёт шлюз. hotSize — размер in-process LRU.
func NewGateway(
	cache repository.RemoteCacheRepository,
	writer RemoteCacheWriter,
	fetcher RemoteFetcher,
	hotSize int,
	logger *slog.Logger,
) (*Gateway, error) {
	hot, err := lru.New[string, *model.CachedRemoteResource](hotSize)
	if err != nil {
		return nil, fmt.Errorf("создание LRU шлюза: %w", err)
	}
	return &Gateway{
		cache:   cache,
		writer:  writer,
		fetcher: fetcher,
		hot:     hot,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "gateway")),
	}, nil
}

// FetchAndCache возвращает копию ресурса чужого домена, при необходимости
// запрашивая её. Для локального домена сеть не используется: ErrNotFound.
func (g *Gateway) FetchAndCache(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) (*model.CachedRemoteResource, error) {
	if err := ValidateName(kind, name); err != nil {
		return nil, err
	}
	if IsLocalDomain(rc, name.Domain) {
		return nil, fmt.Errorf("%w: %s — локальный домен", ErrNotFound, name)
	}

	key := cacheKey(kind, name)

	cached, err := g.lookup(ctx, key, kind, name)
	if err != nil {
		return nil, err
	}
	if cached != nil && cached.IsFresh(g.now(), rc.CacheTTL) {
		gatewayLookupsTotal.WithLabelValues("fresh").Inc()
		return copyEntry(cached, false), nil
	}

	// Один запрос на ключ в пределах процесса; между процессами
	// гонку разрешает upsert в remote_cache. Общий запрос не зависит
	// от отмены контекста первого вызывающего, его ограничивает таймаут клиента.
	flightCtx := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(key, func() (any, error) {
		return g.fetch(flightCtx, kind, name)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	v, err := res.Val, res.Err
	if err == nil {
		fetched := v.(*model.CachedRemoteResource)
		g.remember(key, name, fetched)
		g.hot.Add(cacheKey(kind, withVersion(name, fetched.Version)), fetched)
		gatewayLookupsTotal.WithLabelValues("fetched").Inc()
		return copyEntry(fetched, false), nil
	}

	var gErr *remoteclient.GatewayError
	if !errors.As(err, &gErr) {
		gatewayLookupsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if cached != nil {
		g.logger.Warn("Чужой домен недоступен, отдаётся устаревшая копия",
			slog.String("name", name.String()),
			slog.String("version", cached.Version.String()),
			slog.Time("time_cached", cached.TimeCached),
			slog.String("reason", string(gErr.Reason)),
		)
		gatewayLookupsTotal.WithLabelValues("stale").Inc()
		return copyEntry(cached, true), nil
	}

	gatewayLookupsTotal.WithLabelValues("failed").Inc()
	return nil, gErr
}

// Cached возвращает копию из кэша без сетевых запросов (nil, если копии нет).
func (g *Gateway) Cached(ctx context.Context, kind model.Kind, name model.ResourceName) (*model.CachedRemoteResource, error) {
	if err := ValidateName(kind, name); err != nil {
		return nil, err
	}
	cached, err := g.lookup(ctx, cacheKey(kind, name), kind, name)
	if err != nil || cached == nil {
		return nil, err
	}
	return copyEntry(cached, false), nil
}

// lookup ищет запись сначала в LRU, затем в remote_cache.
// Селектор с latest разрешается среди закэшированных версий и мимо LRU:
// более новая версия могла появиться в таблице под точным ключом.
func (g *Gateway) lookup(ctx context.Context, key string, kind model.Kind, name model.ResourceName) (*model.CachedRemoteResource, error) {
	if name.Version.IsConcrete() {
		if entry, ok := g.hot.Get(key); ok {
			gatewayHotHitsTotal.Inc()
			return entry, nil
		}
	}

	entries, err := g.cache.ListByName(ctx, repository.RemoteName{
		Domain: name.Domain, Username: name.Username, Kind: kind, Name: name.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("чтение remote_cache: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	candidates := make([]model.ResolvedVersion, len(entries))
	for i, e := range entries {
		candidates[i] = e.Version
	}
	resolved, err := version.Resolve(name.Version, candidates)
	if err != nil {
		if errors.Is(err, version.ErrNotFound) {
			return nil, nil
		}
		return nil, asValidation(err)
	}
	for _, e := range entries {
		if e.Version == resolved {
			g.remember(key, name, e)
			return e, nil
		}
	}
	return nil, nil
}

// fetch выполняет один запрос к чужому домену и сохраняет результат.
func (g *Gateway) fetch(ctx context.Context, kind model.Kind, name model.ResourceName) (*model.CachedRemoteResource, error) {
	doc, err := g.fetcher.FetchResource(ctx, name.Domain, name.Username, kind, name.Name, name.Version)
	if err != nil {
		return nil, err
	}

	entry := &model.CachedRemoteResource{
		Domain:     name.Domain,
		Username:   name.Username,
		Kind:       kind,
		Name:       name.Name,
		Version:    doc.Version,
		Payload:    doc.Raw,
		TimeCached: g.now().UTC(),
	}
	if err := g.writer.SaveRemote(ctx, entry, doc.Status); err != nil {
		return nil, fmt.Errorf("сохранение копии %s: %w", name, err)
	}

	g.logger.Info("Копия чужого ресурса сохранена",
		slog.String("name", name.String()),
		slog.String("kind", string(kind)),
		slog.String("version", entry.Version.String()),
		slog.Int64("extra_id", entry.ExtraID),
	)
	return entry, nil
}

// remember кладёт запись в LRU только под конкретным селектором.
func (g *Gateway) remember(key string, name model.ResourceName, e *model.CachedRemoteResource) {
	if name.Version.IsConcrete() {
		g.hot.Add(key, e)
	}
}

// cacheKey — ключ LRU и singleflight: kind + полное имя с селектором.
func cacheKey(kind model.Kind, name model.ResourceName) string {
	return strings.Join([]string{string(kind), strings.ToLower(name.Domain), name.Username, name.Name, name.Version.String()}, "\x00")
}

func withVersion(name model.ResourceName, v model.ResolvedVersion) model.ResourceName {
	name.Version = v.Selector()
	return name
}

// copyEntry возвращает копию записи, чтобы вызывающие не делили указатель из LRU.
func copyEntry(e *model.CachedRemoteResource, stale bool) *model.CachedRemoteResource {
	c := *e
	c.Stale = stale
	return &c
}
