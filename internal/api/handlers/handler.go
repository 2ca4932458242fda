// handler.go — основной обработчик API StreamBed.
// Объединяет обработчики протокола и API и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/streambed/internal/api/errors"
	"github.com/bigkaa/streambed/internal/api/middleware"
	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/domain/version"
	"github.com/bigkaa/streambed/internal/service"
)

// maxBodyBytes — предел размера тела запроса.
const maxBodyBytes = 1 << 20

// FederationService — разрешение имён и чтение ресурсов.
// Реализуется service.Federation.
type FederationService interface {
	Resolve(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) (service.Resolution, error)
	ResolveMany(ctx context.Context, rc model.RequestContext, reqs map[string]service.NameRequest) (map[string]service.Resolution, map[string]error)
	Document(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) (*model.CachedRemoteResource, error)
	ListVersions(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) ([]model.ResolvedVersion, error)
}

// LifecycleService — создание версий и переходы статуса.
// Реализуется service.ResourceService.
type LifecycleService interface {
	Create(ctx context.Context, rc model.RequestContext, p service.CreateParams) (*model.Resource, error)
	SetStatus(ctx context.Context, rc model.RequestContext, extraID int64, target model.Status) (*model.Resource, error)
	UpdateDescription(ctx context.Context, rc model.RequestContext, extraID int64, description string) (*model.Resource, error)
}

// SecretService — выдача и проверка секретов.
// Реализуется service.IdentityService.
type SecretService interface {
	IssueSecret(ctx context.Context, userID int64) (string, time.Time, error)
	VerifyLocalSecret(ctx context.Context, username, secret string) (bool, error)
}

// APIHandler — основной обработчик API StreamBed.
type APIHandler struct {
	health      *HealthHandler
	federation  FederationService
	lifecycle   LifecycleService
	secrets     SecretService
	localDomain string
	cacheTTL    time.Duration
	logger      *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	federation FederationService,
	lifecycle LifecycleService,
	secrets SecretService,
	localDomain string,
	cacheTTL time.Duration,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:      health,
		federation:  federation,
		lifecycle:   lifecycle,
		secrets:     secrets,
		localDomain: localDomain,
		cacheTTL:    cacheTTL,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// requestContext возвращает контекст запроса, собранный middleware,
// либо анонимный контекст этой инсталляции.
func (h *APIHandler) requestContext(r *http.Request) model.RequestContext {
	if rc, ok := middleware.RequestContextFrom(r.Context()); ok {
		return rc
	}
	return model.RequestContext{LocalDomain: h.localDomain, CacheTTL: h.cacheTTL}
}

// writeServiceError отвечает по таксономии ошибок и логирует внутренние.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if status := apierrors.FromService(w, err); status == http.StatusInternalServerError {
		h.logger.Error("Ошибка обработки запроса",
			slog.String("operation", op),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// pathParam извлекает обязательный параметр пути.
func pathParam(r *http.Request, name string) (string, error) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", &service.ValidationError{Field: name, Message: "обязательный параметр пути"}
	}
	return v, nil
}

// queryParam извлекает параметр строки запроса.
func queryParam(r *http.Request, name string, required bool) (string, error) {
	var v string
	if err := runtime.BindQueryParameter("form", true, required, name, r.URL.Query(), &v); err != nil {
		return "", &service.ValidationError{Field: name, Message: "обязательный параметр"}
	}
	return v, nil
}

// parseKind проверяет тип ресурса из пути или запроса.
func parseKind(raw string) (model.Kind, error) {
	kind, err := model.ParseKind(raw)
	if err != nil {
		return "", &service.ValidationError{Field: "kind", Message: err.Error()}
	}
	return kind, nil
}

// parseSelector разбирает селектор версии; пустая строка — latest.
func parseSelector(raw string) (model.PartialVersion, error) {
	if raw == "" {
		return model.LatestVersion(), nil
	}
	v, err := version.Parse(raw)
	if err != nil {
		return model.PartialVersion{}, validationFromVersion(err)
	}
	return v, nil
}

func validationFromVersion(err error) error {
	var vErr *version.ValidationError
	if errors.As(err, &vErr) {
		return &service.ValidationError{Field: vErr.Field, Message: vErr.Message}
	}
	return err
}

// localName собирает имя ресурса этой инсталляции из параметров пути
// /{username}/{kind}/{name}/{major}/{minor}/{patch}.
func (h *APIHandler) localName(r *http.Request) (model.Kind, model.ResourceName, error) {
	var raw [6]string
	for i, p := range []string{"username", "kind", "name", "major", "minor", "patch"} {
		v, err := pathParam(r, p)
		if err != nil {
			return "", model.ResourceName{}, err
		}
		raw[i] = v
	}

	kind, err := parseKind(raw[1])
	if err != nil {
		return "", model.ResourceName{}, err
	}
	v, err := version.ParseComponents(raw[3], raw[4], raw[5])
	if err != nil {
		return "", model.ResourceName{}, validationFromVersion(err)
	}
	return kind, model.ResourceName{
		Domain:   h.localDomain,
		Username: raw[0],
		Name:     raw[2],
		Version:  v,
	}, nil
}

// decodeBody разбирает JSON-тело запроса.
func decodeBody(w http.ResponseWriter, r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dest); err != nil {
		return &service.ValidationError{Field: "body", Message: fmt.Sprintf("невалидный JSON: %v", err)}
	}
	return nil
}
