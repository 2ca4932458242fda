// auth.go — аутентификация StreamBed.
// JWTAuth — локальные пользователи с токеном IdP (fallback-валидация подписи
// через JWKS). SecretAuth — пользователи чужих доменов с секретом, выданным
// их домашним доменом. Обе middleware пропускают анонимные запросы:
// требования к вызывающему задаёт Policy маршрута.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/streambed/internal/api/errors"
	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/service"
)

// Заголовки аутентификации пользователя чужого домена.
const (
	HeaderRemoteDomain   = "X-StreamBed-Domain"
	HeaderRemoteUsername = "X-StreamBed-Username"
	HeaderRemoteSecret   = "X-StreamBed-Secret"
)

// LocalUsers — пользователи локального сайта.
// Реализуется service.IdentityService.
type LocalUsers interface {
	EnsureLocalUser(ctx context.Context, username string) (*model.User, error)
	FindLocalUser(ctx context.Context, username string) (*model.User, error)
}

// RemoteAuthenticator — проверка секрета на домашнем домене пользователя.
// Реализуется service.IdentityService.
type RemoteAuthenticator interface {
	AuthenticateRemote(ctx context.Context, domain, username, secret string) (*model.User, error)
}

// idpClaims — claims JWT, из которых берётся имя локального пользователя.
type idpClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	users     LocalUsers
	logger    *slog.Logger
	issuer    string
	jwtLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из IdP.
// caCertPath — опциональный путь к CA-сертификату для TLS.
// issuer — ожидаемый issuer (пустой — не проверяется).
func NewJWTAuth(
	jwksURL string,
	caCertPath string,
	issuer string,
	users LocalUsers,
	jwksClientTimeout time.Duration,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: jwksClientTimeout}
	if caCertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(caCertPath, jwksClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", caCertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq — стартуем даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:      k,
		users:     users,
		logger:    logger.With(slog.String("component", "jwt_auth")),
		issuer:    issuer,
		jwtLeeway: jwtLeeway,
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, users LocalUsers, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:   kf,
		users:  users,
		logger: logger.With(slog.String("component", "jwt_auth")),
		issuer: issuer,
	}
}

// httpClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", caCertPath)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Без заголовка Authorization запрос проходит как анонимный.
// Пользователь локального сайта заводится при первом запросе с токеном.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				apierrors.Unauthorized(w)
				return
			}

			claims := &idpClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w)
				return
			}

			username := claims.PreferredUsername
			if username == "" {
				username = claims.Subject
			}
			if username == "" {
				apierrors.Unauthorized(w)
				return
			}

			user, err := j.users.EnsureLocalUser(r.Context(), username)
			if err != nil {
				var vErr *service.ValidationError
				if errors.As(err, &vErr) {
					apierrors.Unauthorized(w)
					return
				}
				j.logger.Error("Ошибка регистрации локального пользователя",
					slog.String("username", username),
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w)
				return
			}

			ctx := WithCaller(r.Context(), &Caller{
				UserID:   user.UserID,
				Username: user.Username,
				Domain:   user.Domain,
				Source:   AuthSourceJWT,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecretAuth возвращает middleware аутентификации пользователя чужого домена
// по заголовкам X-StreamBed-Domain, X-StreamBed-Username, X-StreamBed-Secret.
// Запрос без этих заголовков или с уже установленным вызывающим проходит без изменений.
func SecretAuth(auth RemoteAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "secret_auth"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			domain := r.Header.Get(HeaderRemoteDomain)
			if domain == "" || CallerFromContext(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}

			username := r.Header.Get(HeaderRemoteUsername)
			secret := r.Header.Get(HeaderRemoteSecret)
			user, err := auth.AuthenticateRemote(r.Context(), strings.ToLower(domain), username, secret)
			if err != nil {
				var vErr *service.ValidationError
				switch {
				case errors.As(err, &vErr), errors.Is(err, service.ErrUnauthenticated), errors.Is(err, service.ErrNotFound):
					logger.Debug("Секрет отклонён",
						slog.String("domain", domain),
						slog.String("username", username),
					)
					apierrors.Unauthorized(w)
				case errors.Is(err, service.ErrUnavailable):
					apierrors.Unavailable(w)
				default:
					logger.Error("Ошибка проверки секрета",
						slog.String("domain", domain),
						slog.String("error", err.Error()),
					)
					apierrors.InternalError(w)
				}
				return
			}

			ctx := WithCaller(r.Context(), &Caller{
				UserID:   user.UserID,
				Username: user.Username,
				Domain:   user.Domain,
				Source:   AuthSourceSecret,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// --- ReadinessChecker для IdP ---

// IDPReadinessChecker — проверка доступности IdP через JWKS.
type IDPReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewIDPReadinessChecker создаёт checker доступности IdP.
func NewIDPReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*IDPReadinessChecker, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath != "" {
		var err error
		client, err = httpClientWithCA(caCertPath, timeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
		}
	}
	return &IDPReadinessChecker{jwksURL: jwksURL, client: client}, nil
}

// CheckReady проверяет доступность JWKS endpoint IdP.
func (k *IDPReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return "fail", "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return "fail", fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "fail", fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS: нет ключей"
	}
	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
