package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/bigkaa/streambed/internal/domain/model"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyCaller    contextKey = "caller"
	contextKeyRequest   contextKey = "request_context"
)

// AuthSource — способ аутентификации вызывающего.
type AuthSource string

const (
	// AuthSourceJWT — локальный пользователь с токеном IdP.
	AuthSourceJWT AuthSource = "jwt"
	// AuthSourceSecret — пользователь чужого домена с секретом.
	AuthSourceSecret AuthSource = "secret"
)

// Caller — аутентифицированный вызывающий.
type Caller struct {
	UserID   int64
	Username string
	Domain   string
	Source   AuthSource
}

// WithCaller помещает вызывающего в контекст.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, contextKeyCaller, c)
}

// CallerFromContext извлекает вызывающего. nil — аноним.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(contextKeyCaller).(*Caller)
	return c
}

// RequestContext возвращает middleware, собирающий model.RequestContext
// для резолверов, шлюза и guard. Должен идти ПОСЛЕ аутентификации.
func RequestContext(localDomain string, cacheTTL time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := model.RequestContext{LocalDomain: localDomain, CacheTTL: cacheTTL}
			if c := CallerFromContext(r.Context()); c != nil {
				rc.CallerUserID = c.UserID
			}
			ctx := context.WithValue(r.Context(), contextKeyRequest, rc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestContextFrom извлекает model.RequestContext запроса.
func RequestContextFrom(ctx context.Context) (model.RequestContext, bool) {
	rc, ok := ctx.Value(contextKeyRequest).(model.RequestContext)
	return rc, ok
}
