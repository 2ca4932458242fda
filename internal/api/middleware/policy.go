package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/streambed/internal/api/errors"
	"github.com/bigkaa/streambed/internal/service"
)

// Policy — требование маршрута к вызывающему.
type Policy int

const (
	// PolicyPublic — доступно всем, включая анонимов.
	PolicyPublic Policy = iota
	// PolicyAuthenticated — нужен аутентифицированный вызывающий.
	PolicyAuthenticated
	// PolicyOwnerOnly — вызывающий должен быть пользователем {username}
	// локального сайта (сравнение по user_id).
	PolicyOwnerOnly
)

func (p Policy) String() string {
	switch p {
	case PolicyPublic:
		return "public"
	case PolicyAuthenticated:
		return "authenticated"
	case PolicyOwnerOnly:
		return "owner_only"
	default:
		return "unknown"
	}
}

// Require возвращает middleware, применяющий политику до вызова обработчика.
// OwnerOnly читает параметр {username} из маршрута chi, поэтому middleware
// подключается на уровне маршрута (chi.With), а не роутера.
func Require(policy Policy, users LocalUsers, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "policy"), slog.String("policy", policy.String()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if policy == PolicyPublic {
				next.ServeHTTP(w, r)
				return
			}

			caller := CallerFromContext(r.Context())
			if caller == nil {
				apierrors.Unauthorized(w)
				return
			}
			if policy == PolicyAuthenticated {
				next.ServeHTTP(w, r)
				return
			}

			username := chi.URLParam(r, "username")
			owner, err := users.FindLocalUser(r.Context(), username)
			if err != nil {
				if !errors.Is(err, service.ErrNotFound) {
					logger.Error("Ошибка поиска владельца",
						slog.String("username", username),
						slog.String("error", err.Error()),
					)
					apierrors.InternalError(w)
					return
				}
				apierrors.Forbidden(w)
				return
			}
			if owner.UserID != caller.UserID {
				logger.Debug("Доступ запрещён",
					slog.String("path", r.URL.Path),
					slog.Int64("caller_id", caller.UserID),
					slog.String("caller_domain", strings.ToLower(caller.Domain)),
				)
				apierrors.Forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
