// Точка входа StreamBed — ядро федеративного протокола Babbling Brook.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт клиент чужих доменов, сервисный слой и API handlers,
// запускает фоновые задачи (очистка секретов, topologymetrics),
// HTTP-сервер с JWT/секрет-аутентификацией и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/streambed/internal/api/handlers"
	"github.com/bigkaa/streambed/internal/api/middleware"
	"github.com/bigkaa/streambed/internal/api/openapi"
	"github.com/bigkaa/streambed/internal/config"
	"github.com/bigkaa/streambed/internal/database"
	"github.com/bigkaa/streambed/internal/remoteclient"
	"github.com/bigkaa/streambed/internal/repository"
	"github.com/bigkaa/streambed/internal/server"
	"github.com/bigkaa/streambed/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("StreamBed запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("local_domain", cfg.LocalDomain),
	)
	if cfg.RemoteScheme == "http" {
		logger.Warn("SB_REMOTE_SCHEME=http: запросы к чужим доменам без TLS")
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	siteRepo := repository.NewSiteRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	resourceRepo := repository.NewResourceRepository(pool)
	cacheRepo := repository.NewRemoteCacheRepository(pool)
	secretRepo := repository.NewSecretRepository(pool)
	remoteWriter := repository.NewRemoteWriter(repository.NewTxRunner(pool))

	// 6. HTTP-клиент чужих доменов
	remote, err := remoteclient.New(cfg.RemoteScheme, cfg.RemoteCACertPath, cfg.RemoteTimeout, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента федерации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Services
	resolver := service.NewNameResolver(siteRepo, userRepo, resourceRepo, logger)
	gateway, err := service.NewGateway(cacheRepo, remoteWriter, remote, cfg.CacheSize, logger)
	if err != nil {
		logger.Error("Ошибка создания шлюза", slog.String("error", err.Error()))
		os.Exit(1)
	}
	federation := service.NewFederation(resolver, gateway, remote, resourceRepo, cacheRepo, logger)
	guard := service.NewOwnershipGuard(resourceRepo)
	resources := service.NewResourceService(resourceRepo, guard, logger)
	identity := service.NewIdentityService(siteRepo, userRepo, secretRepo, remote, service.IdentityConfig{
		LocalDomain:       cfg.LocalDomain,
		SecretTTL:         cfg.SecretTTL,
		VerifiedCacheSize: cfg.CacheSize,
		VerifiedCacheTTL:  cfg.SecretCacheTTL,
	}, logger)

	// 8. Фоновая очистка истёкших секретов
	secretGC := service.NewSecretGCService(identity, cfg.SecretGCInterval, logger)
	secretGC.Start(ctx)
	defer secretGC.Stop()

	// 9. topologymetrics — мониторинг зависимостей (PostgreSQL, IdP, домены-партнёры)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "streambed",
		Group:         cfg.DephealthGroup,
		PGConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWTJWKSURL,
		PeerScheme:    cfg.RemoteScheme,
		Peers:         cfg.FederationPeers,
		CheckInterval: cfg.DephealthCheckInterval,
		IsEntry:       cfg.DephealthIsEntry,
	}, pgDB, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.Int("peers", len(cfg.FederationPeers)),
			)
			defer dephealthSvc.Stop()
		}
	}

	// 10. Readiness checkers (PostgreSQL + IdP)
	pgChecker := database.NewReadinessChecker(pool)
	idpChecker, err := middleware.NewIDPReadinessChecker(cfg.JWTJWKSURL, cfg.JWKSCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания IdP readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(pgChecker, idpChecker)

	// 11. API handler и OpenAPI-документ
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		federation,
		resources,
		identity,
		cfg.LocalDomain,
		cfg.PublicCacheTime,
		logger,
	)
	doc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI", slog.String("error", err.Error()))
		os.Exit(1)
	}
	docHandler, err := openapi.Handler(doc)
	if err != nil {
		logger.Error("Ошибка сериализации OpenAPI", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.JWKSCACertPath,
		cfg.JWTIssuer,
		identity,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 13. Роутер: request id и логирование → метрики → аутентификация → контекст запроса.
	// Health и метрики не требуют аутентификации.
	router := server.NewRouter(server.Routes(apiHandler, docHandler), identity, logger,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
		server.SkipPrefixes(jwtAuth.Middleware(), "/health/", "/metrics"),
		server.SkipPrefixes(middleware.SecretAuth(identity, logger), "/health/", "/metrics"),
		middleware.RequestContext(cfg.LocalDomain, cfg.PublicCacheTime),
	)

	// 14. Запуск сервера (блокирующий вызов с graceful shutdown)
	srv := server.New(cfg, logger, router)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("StreamBed остановлен")
}
