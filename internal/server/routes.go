package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/streambed/internal/api/errors"
	"github.com/bigkaa/streambed/internal/api/handlers"
	"github.com/bigkaa/streambed/internal/api/middleware"
)

// versionPath — путь конкретной версии ресурса этой инсталляции.
const versionPath = "/{username}/{kind}/{name}/{major}/{minor}/{patch}"

// Route — маршрут API и политика доступа к нему.
type Route struct {
	Method  string
	Pattern string
	Policy  middleware.Policy
	Handler http.HandlerFunc
}

// Routes возвращает таблицу маршрутов StreamBed.
// Статические пути (/api, /user, /health) регистрируются раньше шаблонных
// /{username}/..., chi отдаёт им приоритет независимо от порядка.
func Routes(api *handlers.APIHandler, openapi http.Handler) []Route {
	return []Route{
		// Служебные
		{http.MethodGet, "/health/live", middleware.PolicyPublic, api.HealthLive},
		{http.MethodGet, "/health/ready", middleware.PolicyPublic, api.HealthReady},
		{http.MethodGet, "/metrics", middleware.PolicyPublic, api.GetMetrics},
		{http.MethodGet, "/api/openapi.json", middleware.PolicyPublic, openapi.ServeHTTP},

		// Разрешение имён и чтение чужих ресурсов
		{http.MethodGet, "/api/v1/resolve", middleware.PolicyPublic, api.ResolveName},
		{http.MethodPost, "/api/v1/resolve", middleware.PolicyPublic, api.ResolveNames},
		{http.MethodGet, "/api/v1/cache/{kind}", middleware.PolicyPublic, api.GetCached},
		{http.MethodGet, "/api/v1/versions", middleware.PolicyPublic, api.ListVersions},

		// Протокол федерации
		{http.MethodGet, "/user/verifysecret", middleware.PolicyPublic, api.VerifySecret},
		{http.MethodPost, "/user/secret", middleware.PolicyAuthenticated, api.IssueSecret},
		{http.MethodGet, "/{username}/{kind}/{name}/versions", middleware.PolicyPublic, api.ListResourceVersions},
		{http.MethodGet, versionPath + "/json", middleware.PolicyPublic, api.GetResourceJSON},

		// Жизненный цикл
		{http.MethodPost, "/{username}/{kind}", middleware.PolicyOwnerOnly, api.CreateResource},
		{http.MethodPost, versionPath + "/status", middleware.PolicyOwnerOnly, api.SetResourceStatus},
		{http.MethodPost, versionPath + "/description", middleware.PolicyOwnerOnly, api.UpdateResourceDescription},
	}
}

// NewRouter собирает chi-роутер: глобальные middleware в порядке переданного
// среза, затем маршруты с политиками доступа.
func NewRouter(routes []Route, users middleware.LocalUsers, logger *slog.Logger, middlewares ...func(http.Handler) http.Handler) chi.Router {
	router := chi.NewRouter()

	for _, mw := range middlewares {
		router.Use(mw)
	}

	for _, rt := range routes {
		router.With(middleware.Require(rt.Policy, users, logger)).Method(rt.Method, rt.Pattern, rt.Handler)
	}

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.NotFound(w)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed.")
	})
	return router
}

// SkipPrefixes оборачивает middleware, пропуская указанные пути.
// Запросы к путям, начинающимся с любого из prefixes, проходят без middleware.
func SkipPrefixes(mw func(http.Handler) http.Handler, prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range prefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}
