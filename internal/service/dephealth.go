// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// StreamBed мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - IdP — HTTP checker к JWKS endpoint (critical)
//   - домены-партнёры из SB_FEDERATION_PEERS — HTTP checker к /health/live (non-critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками.
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для IdP и партнёров
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// maxDepNameLength — предел длины имени зависимости (как у DNS-метки).
const maxDepNameLength = 63

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (SB_DEPHEALTH_GROUP)
	Group string
	// PGConnURL — URL PostgreSQL без пароля (для лейблов)
	PGConnURL string
	// JWKSURL — JWKS endpoint IdP
	JWKSURL string
	// PeerScheme и Peers — домены-партнёры федерации
	PeerScheme string
	Peers      []string
	// CheckInterval — интервал проверки (SB_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
	// IsEntry — лейбл isentry=yes (DEPHEALTH_ISENTRY)
	IsEntry bool
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
// db — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool().
func NewDephealthService(cfg DephealthConfig, db *sql.DB, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, db, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, db *sql.DB, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, db, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, db *sql.DB, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	withEntry := func(opts []dephealth.DependencyOption) []dephealth.DependencyOption {
		if cfg.IsEntry {
			opts = append(opts, dephealth.WithLabel("isentry", "yes"))
		}
		return opts
	}

	// Health path IdP — путь самого JWKS URL
	jwksHealthPath := "/health"
	jwksHTTPS := false
	if parsed, err := url.Parse(cfg.JWKSURL); err == nil {
		if parsed.Path != "" {
			jwksHealthPath = parsed.Path
		}
		jwksHTTPS = parsed.Scheme == "https"
	}

	jwksOpts := []dephealth.DependencyOption{
		dephealth.FromURL(cfg.JWKSURL),
		dephealth.WithHTTPHealthPath(jwksHealthPath),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(true),
	}
	if jwksHTTPS {
		jwksOpts = append(jwksOpts, dephealth.WithHTTPTLSSkipVerify(false))
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			withEntry([]dephealth.DependencyOption{
				dephealth.FromURL(cfg.PGConnURL),
				dephealth.CheckInterval(cfg.CheckInterval),
				dephealth.Critical(true),
			})...,
		),
		dephealth.HTTP("idp-jwks", withEntry(jwksOpts)...),
	}

	scheme := cfg.PeerScheme
	if scheme == "" {
		scheme = "https"
	}
	for _, peer := range cfg.Peers {
		opts = append(opts, dephealth.HTTP(normalizePeerDepName(peer), withEntry([]dephealth.DependencyOption{
			dephealth.FromURL(scheme + "://" + peer),
			dephealth.WithHTTPHealthPath("/health/live"),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(false),
		})...))
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// normalizePeerDepName превращает домен партнёра в имя зависимости:
// нижний регистр, [a-z0-9-], без повторных дефисов, не длиннее 63,
// начинается с буквы (иначе префикс peer-).
func normalizePeerDepName(domain string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(domain) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}

	name := strings.Trim(b.String(), "-")
	if name == "" {
		return "unknown-peer"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "peer-" + name
	}
	if len(name) > maxDepNameLength {
		name = strings.TrimRight(name[:maxDepNameLength], "-")
	}
	return name
}
