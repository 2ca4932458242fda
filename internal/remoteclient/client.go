// Пакет remoteclient — HTTP-клиент к чужим доменам федерации.
// Запросы идут по тем же путям, что обслуживает локальная инсталляция:
// JSON ресурса, список версий и проверка секрета пользователя.
// Поддерживает TLS с кастомным CA (SB_REMOTE_CA_CERT_PATH).
package remoteclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/domain/version"
)

// maxBodySize — предел размера ответа чужого домена.
const maxBodySize = 1 << 20

// Prometheus-метрики запросов к чужим доменам.
var (
	remoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_remote_requests_total",
		Help: "Запросы к чужим доменам по операции и результату.",
	}, []string{"operation", "result"})

	remoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sb_remote_request_duration_seconds",
		Help:    "Длительность запросов к чужим доменам.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})
)

// Reason — причина неудачи обращения к чужому домену.
type Reason string

const (
	// ReasonUnreachable — транспортная ошибка, таймаут или 5xx без тела ошибки.
	ReasonUnreachable Reason = "unreachable"
	// ReasonInvalidResponse — ответ не разбирается или не содержит обязательных полей.
	ReasonInvalidResponse Reason = "invalid_response"
	// ReasonRemoteError — чужой домен вернул JSON с полем error.
	ReasonRemoteError Reason = "remote_error"
)

// GatewayError — мягкая ошибка обращения к чужому домену.
type GatewayError struct {
	Reason Reason
	Domain string
	// StatusCode — HTTP-статус ответа (0, если ответа не было)
	StatusCode int
	// Message — текст поля error из ответа (для remote_error)
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "домен %s: %s", e.Domain, e.Reason)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// RemoteNotFound сообщает, что чужой домен явно ответил «не найдено».
func (e *GatewayError) RemoteNotFound() bool {
	return e.Reason == ReasonRemoteError && e.StatusCode == http.StatusNotFound
}

// Document — разобранный JSON ресурса чужого домена.
type Document struct {
	Version model.ResolvedVersion
	// Status — статус на чужом домене (public, если не указан)
	Status model.Status
	// Raw — исходное тело ответа, сохраняется как payload копии
	Raw json.RawMessage
}

// documentEnvelope — поля ответа, которые нужны для разбора.
// Остальные поля ресурса сохраняются в Raw без интерпретации.
type documentEnvelope struct {
	Error   *string         `json:"error"`
	Version json.RawMessage `json:"version"`
	Status  string          `json:"status"`
}

type versionObject struct {
	Major *int `json:"major"`
	Minor *int `json:"minor"`
	Patch *int `json:"patch"`
}

// VersionsResponse — ответ .../versions.
type VersionsResponse struct {
	Success  bool     `json:"success"`
	Versions []string `json:"versions"`
	Error    *string  `json:"error,omitempty"`
}

// verifySecretResponse — ответ /user/verifysecret.
type verifySecretResponse struct {
	Valid bool `json:"valid"`
}

// Client — HTTP-клиент к чужим доменам.
type Client struct {
	httpClient *http.Client
	scheme     string
	logger     *slog.Logger
}

// New создаёт клиент.
// scheme — https (или http для стендов).
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// timeout — таймаут одного запроса (SB_REMOTE_TIMEOUT).
func New(scheme, caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата федерации: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат федерации добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	if scheme == "" {
		scheme = "https"
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		scheme: scheme,
		logger: logger.With(slog.String("component", "remote_client")),
	}, nil
}

// FetchResource запрашивает JSON ресурса:
// GET {scheme}://{domain}/{username}/{kind}/{name}/{major}/{minor}/{patch}/json.
//
// Селектор может содержать latest — версию выбирает чужой домен и
// возвращает конкретную в поле version. Для конкретного селектора
// отсутствие version в ответе допустимо.
func (c *Client) FetchResource(ctx context.Context, domain, username string, kind model.Kind, name string, v model.PartialVersion) (*Document, error) {
	comps := v.Components()
	reqURL := c.buildURL(domain,
		username, string(kind), name,
		comps[0].String(), comps[1].String(), comps[2].String(), "json",
	)

	body, status, err := c.get(ctx, "fetch_resource", domain, reqURL)
	if err != nil {
		return nil, err
	}

	var env documentEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, c.fail("fetch_resource", &GatewayError{
			Reason: ReasonInvalidResponse, Domain: domain, StatusCode: status,
			Err: fmt.Errorf("разбор JSON: %w", err),
		})
	}
	if env.Error != nil {
		return nil, c.fail("fetch_resource", &GatewayError{
			Reason: ReasonRemoteError, Domain: domain, StatusCode: status, Message: *env.Error,
		})
	}
	if status != http.StatusOK {
		return nil, c.fail("fetch_resource", statusError(domain, status))
	}

	resolved, err := parseDocumentVersion(env.Version, v)
	if err != nil {
		return nil, c.fail("fetch_resource", &GatewayError{
			Reason: ReasonInvalidResponse, Domain: domain, StatusCode: status, Err: err,
		})
	}

	docStatus := model.StatusPublic
	if env.Status != "" {
		parsed, err := model.ParseStatus(env.Status)
		if err != nil {
			return nil, c.fail("fetch_resource", &GatewayError{
				Reason: ReasonInvalidResponse, Domain: domain, StatusCode: status, Err: err,
			})
		}
		docStatus = parsed
	}

	remoteRequestsTotal.WithLabelValues("fetch_resource", "ok").Inc()
	return &Document{Version: resolved, Status: docStatus, Raw: json.RawMessage(body)}, nil
}

// ListVersions запрашивает список версий семейства:
// GET {scheme}://{domain}/{username}/{kind}/{name}/versions.
func (c *Client) ListVersions(ctx context.Context, domain, username string, kind model.Kind, name string) ([]model.ResolvedVersion, error) {
	reqURL := c.buildURL(domain, username, string(kind), name, "versions")

	body, status, err := c.get(ctx, "list_versions", domain, reqURL)
	if err != nil {
		return nil, err
	}

	var resp VersionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, c.fail("list_versions", &GatewayError{
			Reason: ReasonInvalidResponse, Domain: domain, StatusCode: status,
			Err: fmt.Errorf("разбор JSON: %w", err),
		})
	}
	if resp.Error != nil || !resp.Success {
		msg := "success=false"
		if resp.Error != nil {
			msg = *resp.Error
		}
		return nil, c.fail("list_versions", &GatewayError{
			Reason: ReasonRemoteError, Domain: domain, StatusCode: status, Message: msg,
		})
	}

	out := make([]model.ResolvedVersion, 0, len(resp.Versions))
	for _, s := range resp.Versions {
		pv, err := version.Parse(s)
		if err != nil || !pv.IsConcrete() {
			return nil, c.fail("list_versions", &GatewayError{
				Reason: ReasonInvalidResponse, Domain: domain, StatusCode: status,
				Err: fmt.Errorf("некорректная версия %q", s),
			})
		}
		major, _ := pv.Major.Value()
		minor, _ := pv.Minor.Value()
		patch, _ := pv.Patch.Value()
		out = append(out, model.ResolvedVersion{Major: major, Minor: minor, Patch: patch})
	}

	remoteRequestsTotal.WithLabelValues("list_versions", "ok").Inc()
	return out, nil
}

// VerifySecret проверяет секрет пользователя на его домашнем домене:
// GET {scheme}://{domain}/user/verifysecret?secret={s}&username={u}.
func (c *Client) VerifySecret(ctx context.Context, domain, username, secret string) (bool, error) {
	query := url.Values{"secret": {secret}}
	if username != "" {
		query.Set("username", username)
	}
	reqURL := c.buildURL(domain, "user", "verifysecret") + "?" + query.Encode()

	body, status, err := c.get(ctx, "verify_secret", domain, reqURL)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, c.fail("verify_secret", statusError(domain, status))
	}

	var resp verifySecretResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, c.fail("verify_secret", &GatewayError{
			Reason: ReasonInvalidResponse, Domain: domain, StatusCode: status,
			Err: fmt.Errorf("разбор JSON: %w", err),
		})
	}

	remoteRequestsTotal.WithLabelValues("verify_secret", "ok").Inc()
	return resp.Valid, nil
}

// get выполняет GET и читает тело (не более maxBodySize).
// Транспортные ошибки и 5xx без JSON-тела — unreachable.
func (c *Client) get(ctx context.Context, operation, domain, reqURL string) ([]byte, int, error) {
	start := time.Now()
	defer func() {
		remoteRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, 0, c.fail(operation, &GatewayError{
			Reason: ReasonUnreachable, Domain: domain,
			Err: fmt.Errorf("создание запроса: %w", err),
		})
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: домен из полного имени ресурса
	if err != nil {
		return nil, 0, c.fail(operation, &GatewayError{Reason: ReasonUnreachable, Domain: domain, Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, resp.StatusCode, c.fail(operation, &GatewayError{
			Reason: ReasonUnreachable, Domain: domain, StatusCode: resp.StatusCode, Err: err,
		})
	}
	if len(body) > maxBodySize {
		return nil, resp.StatusCode, c.fail(operation, &GatewayError{
			Reason: ReasonInvalidResponse, Domain: domain, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("ответ больше %d байт", maxBodySize),
		})
	}

	if resp.StatusCode >= http.StatusInternalServerError && !looksLikeJSON(body) {
		return nil, resp.StatusCode, c.fail(operation, statusError(domain, resp.StatusCode))
	}

	return body, resp.StatusCode, nil
}

// fail логирует и считает неудачный запрос.
func (c *Client) fail(operation string, gErr *GatewayError) error {
	remoteRequestsTotal.WithLabelValues(operation, string(gErr.Reason)).Inc()
	c.logger.Warn("Запрос к чужому домену завершился ошибкой",
		slog.String("operation", operation),
		slog.String("domain", gErr.Domain),
		slog.String("reason", string(gErr.Reason)),
		slog.Int("status", gErr.StatusCode),
		slog.String("error", gErr.Error()),
	)
	return gErr
}

// buildURL собирает URL из домена и экранированных сегментов пути.
func (c *Client) buildURL(domain string, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s://%s/%s", c.scheme, normalizeDomain(domain), strings.Join(escaped, "/"))
}

// statusError классифицирует неуспешный HTTP-статус без поля error.
func statusError(domain string, status int) *GatewayError {
	reason := ReasonInvalidResponse
	if status >= http.StatusInternalServerError {
		reason = ReasonUnreachable
	}
	return &GatewayError{Reason: reason, Domain: domain, StatusCode: status}
}

// parseDocumentVersion извлекает версию из поля version ответа.
// Допустимы объект {major, minor, patch} и строка "M/m/p".
func parseDocumentVersion(raw json.RawMessage, requested model.PartialVersion) (model.ResolvedVersion, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if !requested.IsConcrete() {
			return model.ResolvedVersion{}, errors.New("в ответе нет версии, а запрошен селектор с latest")
		}
		return concrete(requested), nil
	}

	var pv model.PartialVersion
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return model.ResolvedVersion{}, fmt.Errorf("поле version: %w", err)
		}
		parsed, err := version.Parse(s)
		if err != nil {
			return model.ResolvedVersion{}, fmt.Errorf("поле version: %w", err)
		}
		pv = parsed
	case '{':
		var obj versionObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return model.ResolvedVersion{}, fmt.Errorf("поле version: %w", err)
		}
		if obj.Major == nil || obj.Minor == nil || obj.Patch == nil {
			return model.ResolvedVersion{}, errors.New("поле version: нужны major, minor и patch")
		}
		for i, n := range [3]int{*obj.Major, *obj.Minor, *obj.Patch} {
			field := [3]string{version.FieldMajor, version.FieldMinor, version.FieldPatch}[i]
			if err := version.CheckComponent(field, n); err != nil {
				return model.ResolvedVersion{}, fmt.Errorf("поле version: %w", err)
			}
		}
		pv = model.ExactVersion(*obj.Major, *obj.Minor, *obj.Patch)
	default:
		return model.ResolvedVersion{}, errors.New("поле version: ожидается объект или строка")
	}

	if !pv.IsConcrete() {
		return model.ResolvedVersion{}, fmt.Errorf("поле version: ожидается конкретная версия, получено %s", pv)
	}
	resolved := concrete(pv)
	if !version.Matches(requested, resolved) {
		return model.ResolvedVersion{}, fmt.Errorf("версия %s не соответствует запрошенной %s", resolved, requested)
	}
	return resolved, nil
}

func concrete(v model.PartialVersion) model.ResolvedVersion {
	major, _ := v.Major.Value()
	minor, _ := v.Minor.Value()
	patch, _ := v.Patch.Value()
	return model.ResolvedVersion{Major: major, Minor: minor, Patch: patch}
}

func looksLikeJSON(body []byte) bool {
	body = bytes.TrimSpace(body)
	return len(body) > 0 && body[0] == '{'
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// normalizeDomain убирает trailing slash.
func normalizeDomain(domain string) string {
	return strings.TrimRight(domain, "/")
}
