// Пакет config — загрузка и валидация конфигурации StreamBed
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации StreamBed.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (по умолчанию 8040)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	// Таймаут чтения HTTP-сервера (по умолчанию 30s)
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-сервера (по умолчанию 60s)
	HTTPWriteTimeout time.Duration
	// Таймаут простоя HTTP-сервера (по умолчанию 120s)
	HTTPIdleTimeout time.Duration

	// --- Федерация ---

	// Домен этой инсталляции (сравнивается с domain в полных именах)
	LocalDomain string
	// Схема для запросов к чужим доменам (https; http — только для стендов)
	RemoteScheme string
	// Таймаут запроса к чужому домену
	RemoteTimeout time.Duration
	// Путь к CA-сертификату для TLS к чужим доменам (опционально)
	RemoteCACertPath string
	// Время жизни закэшированного чужого ресурса (public_post_cache_time)
	PublicCacheTime time.Duration
	// Размер in-process LRU перед таблицей remote_cache
	CacheSize int
	// Время жизни результата проверки секрета чужого пользователя
	SecretCacheTTL time.Duration
	// Время жизни выданного секрета
	SecretTTL time.Duration
	// Интервал очистки истёкших секретов
	SecretGCInterval time.Duration
	// Домены-партнёры для мониторинга доступности (опционально)
	FederationPeers []string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- JWT ---

	// URL JWKS endpoint IdP
	JWTJWKSURL string
	// Ожидаемый issuer (пустой — не проверяется)
	JWTIssuer string
	// Путь к CA-сертификату для JWKS (опционально)
	JWKSCACertPath string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- topologymetrics ---

	// Группа в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
	// Лейбл isentry=yes для зависимостей
	DephealthIsEntry bool

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// SB_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("SB_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("SB_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("SB_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// SB_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SB_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SB_LOG_LEVEL: %w", err)
	}

	// SB_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("SB_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("SB_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("SB_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SB_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("SB_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SB_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("SB_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SB_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Федерация ---

	// SB_LOCAL_DOMAIN — обязательный, без схемы и пути
	cfg.LocalDomain, err = getEnvRequired("SB_LOCAL_DOMAIN")
	if err != nil {
		return nil, err
	}
	cfg.LocalDomain, err = normalizeDomain(cfg.LocalDomain)
	if err != nil {
		return nil, fmt.Errorf("SB_LOCAL_DOMAIN: %w", err)
	}

	// SB_REMOTE_SCHEME — схема запросов к чужим доменам (по умолчанию https)
	cfg.RemoteScheme = strings.ToLower(getEnvDefault("SB_REMOTE_SCHEME", "https"))
	if cfg.RemoteScheme != "https" && cfg.RemoteScheme != "http" {
		return nil, fmt.Errorf("SB_REMOTE_SCHEME: недопустимое значение %q, допустимые: https, http", cfg.RemoteScheme)
	}

	// SB_REMOTE_TIMEOUT — таймаут запроса к чужому домену (по умолчанию 5s)
	cfg.RemoteTimeout, err = getEnvDurationFallback("SB_REMOTE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SB_REMOTE_TIMEOUT: %w", err)
	}

	// SB_REMOTE_CA_CERT_PATH — CA для TLS к чужим доменам (опционально)
	cfg.RemoteCACertPath = getEnvDefault("SB_REMOTE_CA_CERT_PATH", "")

	// SB_PUBLIC_CACHE_TIME — TTL закэшированных чужих ресурсов (по умолчанию 1h)
	cfg.PublicCacheTime, err = getEnvDurationFallback("SB_PUBLIC_CACHE_TIME", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SB_PUBLIC_CACHE_TIME: %w", err)
	}

	// SB_CACHE_SIZE — размер in-process LRU (по умолчанию 1000)
	cfg.CacheSize, err = getEnvInt("SB_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("SB_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("SB_CACHE_SIZE: значение должно быть > 0")
	}

	// SB_SECRET_CACHE_TTL — кэш проверки чужих секретов (по умолчанию 5m)
	cfg.SecretCacheTTL, err = getEnvDurationFallback("SB_SECRET_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("SB_SECRET_CACHE_TTL: %w", err)
	}

	// SB_SECRET_TTL — время жизни выданного секрета (по умолчанию 24h)
	cfg.SecretTTL, err = getEnvDurationFallback("SB_SECRET_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SB_SECRET_TTL: %w", err)
	}

	// SB_SECRET_GC_INTERVAL — интервал очистки истёкших секретов (по умолчанию 1h)
	cfg.SecretGCInterval, err = getEnvDurationFallback("SB_SECRET_GC_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SB_SECRET_GC_INTERVAL: %w", err)
	}

	// SB_FEDERATION_PEERS — домены-партнёры через запятую (мониторинг topologymetrics)
	for _, peer := range parseCSV(getEnvDefault("SB_FEDERATION_PEERS", "")) {
		domain, err := normalizeDomain(peer)
		if err != nil {
			return nil, fmt.Errorf("SB_FEDERATION_PEERS: %w", err)
		}
		cfg.FederationPeers = append(cfg.FederationPeers, domain)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("SB_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("SB_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("SB_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("SB_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("SB_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("SB_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("SB_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("SB_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- JWT ---

	cfg.JWTJWKSURL, err = getEnvRequired("SB_JWT_JWKS_URL")
	if err != nil {
		return nil, err
	}
	cfg.JWTIssuer = getEnvDefault("SB_JWT_ISSUER", "")
	cfg.JWKSCACertPath = getEnvDefault("SB_JWKS_CA_CERT_PATH", "")

	cfg.JWKSClientTimeout, err = getEnvDurationFallback("SB_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SB_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDurationFallback("SB_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("SB_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("SB_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SB_JWT_LEEWAY: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("SB_DEPHEALTH_GROUP", "streambed")
	cfg.DephealthCheckInterval, err = getEnvDuration("SB_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SB_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("SB_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SB_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvDurationFallback возвращает time.Duration из переменной окружения.
// Если переменная не задана, используется fallbackVal.
// Если задана — парсится и валидируется (> 0).
func getEnvDurationFallback(key string, fallbackVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallbackVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// normalizeDomain приводит домен к нижнему регистру и отбрасывает схему и trailing slash.
// Порт сохраняется: local.test:8040 и local.test — разные домены.
func normalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimRight(d, "/")
	if d == "" || strings.ContainsAny(d, "/?# ") {
		return "", fmt.Errorf("некорректный домен %q", raw)
	}
	return d, nil
}

// NormalizeDomain — экспортируемая обёртка для нормализации доменов из запросов.
func NormalizeDomain(raw string) (string, error) {
	return normalizeDomain(raw)
}
