package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/remoteclient"
	"github.com/bigkaa/streambed/internal/repository"
)

// secretBytes — длина выдаваемого секрета до hex-кодирования.
const secretBytes = 32

var remoteAuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sb_remote_auth_total",
	Help: "Проверки секретов пользователей чужих доменов по результату.",
}, []string{"result"})

// SecretVerifier — проверка секрета на домашнем домене пользователя.
type SecretVerifier interface {
	VerifySecret(ctx context.Context, domain, username, secret string) (bool, error)
}

// IdentityService — пользователи локального сайта, выдача секретов
// и аутентификация пользователей чужих доменов.
type IdentityService struct {
	sites       repository.SiteRepository
	users       repository.UserRepository
	secrets     repository.SecretRepository
	verifier    SecretVerifier
	verified    *expirable.LRU[string, *model.User]
	localDomain string
	secretTTL   time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// IdentityConfig — параметры IdentityService.
type IdentityConfig struct {
	LocalDomain string
	// SecretTTL — время жизни выданного секрета
	SecretTTL time.Duration
	// VerifiedCacheSize и VerifiedCacheTTL — кэш успешных проверок чужих секретов
	VerifiedCacheSize int
	VerifiedCacheTTL  time.Duration
}

// NewIdentityService создаёт сервис идентификации.
func NewIdentityService(
	sites repository.SiteRepository,
	users repository.UserRepository,
	secrets repository.SecretRepository,
	verifier SecretVerifier,
	cfg IdentityConfig,
	logger *slog.Logger,
) *IdentityService {
	return &IdentityService{
		sites:       sites,
		users:       users,
		secrets:     secrets,
		verifier:    verifier,
		verified:    expirable.NewLRU[string, *model.User](cfg.VerifiedCacheSize, nil, cfg.VerifiedCacheTTL),
		localDomain: cfg.LocalDomain,
		secretTTL:   cfg.SecretTTL,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "identity")),
	}
}

// EnsureLocalUser возвращает пользователя локального сайта, создавая его
// при первом входе (имя берётся из JWT).
func (s *IdentityService) EnsureLocalUser(ctx context.Context, username string) (*model.User, error) {
	if err := validateSegment("username", username); err != nil {
		return nil, err
	}
	site, err := s.sites.Ensure(ctx, s.localDomain)
	if err != nil {
		return nil, fmt.Errorf("локальный сайт: %w", err)
	}
	user, err := s.users.Ensure(ctx, site.SiteID, username)
	if err != nil {
		return nil, fmt.Errorf("локальный пользователь %s: %w", username, err)
	}
	return user, nil
}

// FindLocalUser ищет пользователя локального сайта без создания.
func (s *IdentityService) FindLocalUser(ctx context.Context, username string) (*model.User, error) {
	site, err := s.sites.GetByDomain(ctx, s.localDomain)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: пользователь %s", ErrNotFound, username)
		}
		return nil, fmt.Errorf("локальный сайт: %w", err)
	}
	user, err := s.users.GetBySite(ctx, site.SiteID, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: пользователь %s", ErrNotFound, username)
		}
		return nil, fmt.Errorf("пользователь %s: %w", username, err)
	}
	return user, nil
}

// IssueSecret выдаёт новый секрет пользователю. Хранится только sha256.
func (s *IdentityService) IssueSecret(ctx context.Context, userID int64) (string, time.Time, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("генерация секрета: %w", err)
	}
	secret := hex.EncodeToString(buf)
	expiresAt := s.now().Add(s.secretTTL).UTC()

	if err := s.secrets.Create(ctx, userID, hashSecret(secret), expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("сохранение секрета: %w", err)
	}
	return secret, expiresAt, nil
}

// VerifyLocalSecret проверяет секрет, выданный этой инсталляцией.
// Если username не пуст, секрет должен принадлежать этому пользователю.
func (s *IdentityService) VerifyLocalSecret(ctx context.Context, username, secret string) (bool, error) {
	if secret == "" {
		return false, nil
	}
	userID, err := s.secrets.GetUserID(ctx, hashSecret(secret), s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("проверка секрета: %w", err)
	}
	if username == "" {
		return true, nil
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("владелец секрета: %w", err)
	}
	return user.Username == username && strings.EqualFold(user.Domain, s.localDomain), nil
}

// AuthenticateRemote проверяет секрет пользователя чужого домена на его
// домашнем домене и возвращает локальную запись этого пользователя.
// Успешные проверки кэшируются на VerifiedCacheTTL.
func (s *IdentityService) AuthenticateRemote(ctx context.Context, domain, username, secret string) (*model.User, error) {
	if err := validateSegment("domain", domain); err != nil {
		return nil, err
	}
	if err := validateSegment("username", username); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, ErrUnauthenticated
	}

	if strings.EqualFold(domain, s.localDomain) {
		ok, err := s.VerifyLocalSecret(ctx, username, secret)
		if err != nil {
			return nil, err
		}
		if !ok {
			remoteAuthTotal.WithLabelValues("rejected").Inc()
			return nil, ErrUnauthenticated
		}
		return s.FindLocalUser(ctx, username)
	}

	key := hashSecret(domain + "\x00" + username + "\x00" + secret)
	if user, ok := s.verified.Get(key); ok {
		remoteAuthTotal.WithLabelValues("cached").Inc()
		return user, nil
	}

	ok, err := s.verifier.VerifySecret(ctx, domain, username, secret)
	if err != nil {
		var gErr *remoteclient.GatewayError
		if errors.As(err, &gErr) {
			remoteAuthTotal.WithLabelValues("unavailable").Inc()
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	if !ok {
		remoteAuthTotal.WithLabelValues("rejected").Inc()
		return nil, ErrUnauthenticated
	}

	site, err := s.sites.Ensure(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("сайт %s: %w", domain, err)
	}
	user, err := s.users.Ensure(ctx, site.SiteID, username)
	if err != nil {
		return nil, fmt.Errorf("пользователь %s@%s: %w", username, domain, err)
	}

	s.verified.Add(key, user)
	remoteAuthTotal.WithLabelValues("verified").Inc()
	s.logger.Debug("Пользователь чужого домена аутентифицирован",
		slog.String("domain", domain),
		slog.String("username", username),
		slog.Int64("user_id", user.UserID),
	)
	return user, nil
}

// PurgeExpiredSecrets удаляет истёкшие секреты.
func (s *IdentityService) PurgeExpiredSecrets(ctx context.Context) (int64, error) {
	return s.secrets.DeleteExpired(ctx, s.now())
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
