package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/service"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key-sb"

const testIssuer = "https://idp.local.test/realms/streambed"

// testLogger — logger без вывода.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockUsers — мок LocalUsers: пользователи по имени с последовательными ID.
type mockUsers struct {
	users     map[string]*model.User
	ensureErr error
}

func newMockUsers(names ...string) *mockUsers {
	m := &mockUsers{users: make(map[string]*model.User)}
	for _, n := range names {
		m.add(n)
	}
	return m
}

func (m *mockUsers) add(name string) *model.User {
	u := &model.User{UserID: int64(len(m.users) + 1), SiteID: 1, Username: name, Domain: "local.test"}
	m.users[name] = u
	return u
}

func (m *mockUsers) EnsureLocalUser(_ context.Context, username string) (*model.User, error) {
	if m.ensureErr != nil {
		return nil, m.ensureErr
	}
	if u, ok := m.users[username]; ok {
		return u, nil
	}
	return m.add(username), nil
}

func (m *mockUsers) FindLocalUser(_ context.Context, username string) (*model.User, error) {
	if u, ok := m.users[username]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("%w: пользователь %s", service.ErrNotFound, username)
}

// mockRemoteAuth — мок RemoteAuthenticator.
type mockRemoteAuth struct {
	authFn func(domain, username, secret string) (*model.User, error)
}

func (m *mockRemoteAuth) AuthenticateRemote(_ context.Context, domain, username, secret string) (*model.User, error) {
	return m.authFn(domain, username, secret)
}

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey, users LocalUsers) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, users, testLogger())
}

// generateToken генерирует JWT пользователя локального сайта.
func generateToken(t *testing.T, key *rsa.PrivateKey, username, issuer string, expired bool) string {
	t.Helper()

	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	claims := jwt.MapClaims{
		"sub":                "sub-" + username,
		"preferred_username": username,
		"iss":                issuer,
		"exp":                jwt.NewNumericDate(exp),
		"iat":                jwt.NewNumericDate(time.Now()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// callerEcho — обработчик, возвращающий вызывающего из контекста.
func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := CallerFromContext(r.Context())
		if c == nil {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = fmt.Fprintf(w, "%s:%d:%s", c.Username, c.UserID, c.Source)
	})
}

func TestJWTAuth_ValidToken(t *testing.T) {
	key := generateTestKey(t)
	users := newMockUsers()
	handler := newTestJWTAuth(t, key, users).Middleware()(callerEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+generateToken(t, key, "alice", testIssuer, false))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, тело %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "alice:1:jwt" {
		t.Errorf("вызывающий = %q", got)
	}
	if _, ok := users.users["alice"]; !ok {
		t.Error("локальный пользователь не заведён")
	}
}

func TestJWTAuth_Anonymous(t *testing.T) {
	key := generateTestKey(t)
	handler := newTestJWTAuth(t, key, newMockUsers()).Middleware()(callerEcho())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK || w.Body.String() != "anonymous" {
		t.Errorf("статус = %d, тело %q", w.Code, w.Body.String())
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	key := generateTestKey(t)
	otherKey := generateTestKey(t)
	handler := newTestJWTAuth(t, key, newMockUsers()).Middleware()(callerEcho())

	tests := []struct {
		name   string
		header string
	}{
		{"не Bearer", "Basic abc"},
		{"пустой токен", "Bearer "},
		{"мусор", "Bearer not-a-jwt"},
		{"истёк", "Bearer " + generateToken(t, key, "alice", testIssuer, true)},
		{"чужой issuer", "Bearer " + generateToken(t, key, "alice", "https://evil.test", false)},
		{"чужой ключ", "Bearer " + generateToken(t, otherKey, "alice", testIssuer, false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("статус = %d, ожидался 401", w.Code)
			}
		})
	}
}

func TestSecretAuth(t *testing.T) {
	auth := &mockRemoteAuth{authFn: func(domain, username, secret string) (*model.User, error) {
		switch {
		case secret == "down":
			return nil, fmt.Errorf("%w: timeout", service.ErrUnavailable)
		case domain == "remote.test" && username == "bob" && secret == "ok":
			return &model.User{UserID: 42, Username: "bob", Domain: "remote.test"}, nil
		default:
			return nil, service.ErrUnauthenticated
		}
	}}
	handler := SecretAuth(auth, testLogger())(callerEcho())

	tests := []struct {
		name       string
		domain     string
		secret     string
		wantStatus int
		wantBody   string
	}{
		{"без заголовков", "", "", http.StatusOK, "anonymous"},
		{"верный секрет", "Remote.Test", "ok", http.StatusOK, "bob:42:secret"},
		{"неверный секрет", "remote.test", "bad", http.StatusUnauthorized, ""},
		{"домен недоступен", "remote.test", "down", http.StatusOK, "{\"success\":false,\"error\":\"resource unavailable\"}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.domain != "" {
				req.Header.Set(HeaderRemoteDomain, tt.domain)
				req.Header.Set(HeaderRemoteUsername, "bob")
				req.Header.Set(HeaderRemoteSecret, tt.secret)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("статус = %d, ожидался %d", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("тело = %q, ожидалось %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

// TestSecretAuth_JWTCallerWins — при уже установленном вызывающем заголовки игнорируются.
func TestSecretAuth_JWTCallerWins(t *testing.T) {
	auth := &mockRemoteAuth{authFn: func(string, string, string) (*model.User, error) {
		t.Error("AuthenticateRemote не должен вызываться")
		return nil, service.ErrUnauthenticated
	}}
	handler := SecretAuth(auth, testLogger())(callerEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRemoteDomain, "remote.test")
	req = req.WithContext(WithCaller(req.Context(), &Caller{UserID: 1, Username: "alice", Source: AuthSourceJWT}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Body.String() != "alice:1:jwt" {
		t.Errorf("тело = %q", w.Body.String())
	}
}

func TestIDPReadinessChecker(t *testing.T) {
	key := generateTestKey(t)
	jwks := buildJWKSetJSON(&key.PublicKey, testKeyID)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			_, _ = w.Write([]byte(`{"keys":[]}`))
			return
		}
		_, _ = w.Write(jwks)
	}))
	defer srv.Close()

	ok, _ := NewIDPReadinessChecker(srv.URL+"/certs", "", time.Second)
	if status, msg := ok.CheckReady(); status != "ok" {
		t.Errorf("status = %s (%s), ожидался ok", status, msg)
	}
	empty, _ := NewIDPReadinessChecker(srv.URL+"/empty", "", time.Second)
	if status, _ := empty.CheckReady(); status != "degraded" {
		t.Errorf("status = %s, ожидался degraded", status)
	}
}
