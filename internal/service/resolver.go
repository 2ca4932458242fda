package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/domain/version"
	"github.com/bigkaa/streambed/internal/repository"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sb_name_resolutions_total",
	Help: "Разрешения полных имён по результату.",
}, []string{"result"})

// maxNameLength — предел длины имени пользователя и ресурса.
const maxNameLength = 128

// Resolution — результат разрешения полного имени.
type Resolution struct {
	// ExtraID — локальный идентификатор конкретной версии
	ExtraID int64
	Version model.ResolvedVersion
	// OwnerID — владелец семейства
	OwnerID int64
}

// NameResolver разрешает полное имя в локальный ID.
// Работает только с локальным хранилищем: сеть не используется никогда.
type NameResolver struct {
	sites     repository.SiteRepository
	users     repository.UserRepository
	resources repository.ResourceRepository
	logger    *slog.Logger
}

// NewNameResolver создаёт резолвер полных имён.
func NewNameResolver(
	sites repository.SiteRepository,
	users repository.UserRepository,
	resources repository.ResourceRepository,
	logger *slog.Logger,
) *NameResolver {
	return &NameResolver{
		sites:     sites,
		users:     users,
		resources: resources,
		logger:    logger.With(slog.String("component", "name_resolver")),
	}
}

// Resolve разрешает имя в три шага: домен → сайт, имя пользователя → user_id,
// семейство версий → конкретная версия.
//
// Для локального домена отсутствие пользователя или версии — ErrNotFound.
// Для чужого домена любое отсутствие — ErrRemoteLookupRequired.
// Приватные версии видны только владельцу (rc.CallerUserID).
func (r *NameResolver) Resolve(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) (Resolution, error) {
	res, err := r.resolve(ctx, rc, kind, name)
	resolutionsTotal.WithLabelValues(resolutionResult(err)).Inc()
	return res, err
}

func (r *NameResolver) resolve(ctx context.Context, rc model.RequestContext, kind model.Kind, name model.ResourceName) (Resolution, error) {
	if err := ValidateName(kind, name); err != nil {
		return Resolution{}, err
	}
	local := IsLocalDomain(rc, name.Domain)

	// Шаг 1: домен → сайт
	site, err := r.sites.GetByDomain(ctx, name.Domain)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return Resolution{}, fmt.Errorf("поиск сайта %s: %w", name.Domain, err)
		}
		if local {
			return Resolution{}, fmt.Errorf("%w: пользователь %s", ErrNotFound, name.Username)
		}
		return Resolution{}, ErrRemoteLookupRequired
	}

	// Шаг 2: имя пользователя → user_id
	user, err := r.users.GetBySite(ctx, site.SiteID, name.Username)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return Resolution{}, fmt.Errorf("поиск пользователя %s: %w", name.Username, err)
		}
		if local {
			return Resolution{}, fmt.Errorf("%w: пользователь %s", ErrNotFound, name.Username)
		}
		return Resolution{}, ErrRemoteLookupRequired
	}

	// Шаг 3: семейство версий → конкретная версия
	entries, err := r.resources.ListVersions(ctx, repository.FamilyKey{Kind: kind, UserID: user.UserID, Name: name.Name})
	if err != nil {
		return Resolution{}, fmt.Errorf("получение версий %s: %w", name, err)
	}

	owner := rc.CallerUserID != 0 && rc.CallerUserID == user.UserID
	candidates := make([]model.ResolvedVersion, 0, len(entries))
	byVersion := make(map[model.ResolvedVersion]int64, len(entries))
	for _, e := range entries {
		if e.Status == model.StatusPrivate && !owner {
			continue
		}
		candidates = append(candidates, e.Version)
		byVersion[e.Version] = e.ExtraID
	}

	resolved, err := version.Resolve(name.Version, candidates)
	if err != nil {
		if !errors.Is(err, version.ErrNotFound) {
			return Resolution{}, asValidation(err)
		}
		if local {
			return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Resolution{}, ErrRemoteLookupRequired
	}

	r.logger.Debug("Имя разрешено",
		slog.String("name", name.String()),
		slog.String("kind", string(kind)),
		slog.String("version", resolved.String()),
	)

	return Resolution{
		ExtraID: byVersion[resolved],
		Version: resolved,
		OwnerID: user.UserID,
	}, nil
}

// IsLocalDomain сообщает, что домен — эта инсталляция.
func IsLocalDomain(rc model.RequestContext, domain string) bool {
	return strings.EqualFold(domain, rc.LocalDomain)
}

// ValidateName проверяет полное имя до любого обращения к хранилищу.
func ValidateName(kind model.Kind, name model.ResourceName) error {
	if _, err := model.ParseKind(string(kind)); err != nil {
		return &ValidationError{Field: "kind", Message: err.Error()}
	}
	if err := validateSegment("domain", name.Domain); err != nil {
		return err
	}
	if err := validateSegment("username", name.Username); err != nil {
		return err
	}
	if err := validateSegment("name", name.Name); err != nil {
		return err
	}
	return asValidation(version.Validate(name.Version))
}

func validateSegment(field, value string) error {
	switch {
	case value == "":
		return &ValidationError{Field: field, Message: "обязательное поле"}
	case len(value) > maxNameLength:
		return &ValidationError{Field: field, Message: fmt.Sprintf("длиннее %d символов", maxNameLength)}
	case strings.ContainsAny(value, "/?# \t\n"):
		return &ValidationError{Field: field, Message: "недопустимые символы"}
	}
	return nil
}

func resolutionResult(err error) string {
	var vErr *ValidationError
	switch {
	case err == nil:
		return "local"
	case errors.Is(err, ErrRemoteLookupRequired):
		return "remote_lookup_required"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &vErr):
		return "invalid"
	default:
		return "error"
	}
}
