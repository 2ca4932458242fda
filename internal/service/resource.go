package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/repository"
)

// maxDescriptionLength — предел длины описания версии.
const maxDescriptionLength = 4000

// CreateParams — параметры создания новой версии.
type CreateParams struct {
	Kind        model.Kind
	Name        string
	Version     model.ResolvedVersion
	Description string
	Payload     json.RawMessage
}

// ResourceService — жизненный цикл версий локальных ресурсов:
// создание (private), публикация, вывод из употребления, редактирование описания.
// Переходы статуса — compare-and-set в SQL; проигранная гонка — ConflictError.
type ResourceService struct {
	resources repository.ResourceRepository
	guard     *OwnershipGuard
	logger    *slog.Logger
}

// NewResourceService создаёт сервис жизненного цикла.
func NewResourceService(resources repository.ResourceRepository, guard *OwnershipGuard, logger *slog.Logger) *ResourceService {
	return &ResourceService{
		resources: resources,
		guard:     guard,
		logger:    logger.With(slog.String("component", "resource_service")),
	}
}

// Create создаёт версию в статусе private, владелец — вызывающий.
func (s *ResourceService) Create(ctx context.Context, rc model.RequestContext, p CreateParams) (*model.Resource, error) {
	if !rc.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if _, err := model.ParseKind(string(p.Kind)); err != nil {
		return nil, &ValidationError{Field: "kind", Message: err.Error()}
	}
	if err := validateSegment("name", p.Name); err != nil {
		return nil, err
	}
	if p.Version.Major < 0 || p.Version.Minor < 0 || p.Version.Patch < 0 {
		return nil, &ValidationError{Field: "version", Message: "отрицательный компонент версии"}
	}
	if len(p.Description) > maxDescriptionLength {
		return nil, &ValidationError{Field: "description", Message: fmt.Sprintf("длиннее %d символов", maxDescriptionLength)}
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return nil, &ValidationError{Field: "payload", Message: "ожидается JSON"}
	}

	res := &model.Resource{
		Kind:        p.Kind,
		UserID:      rc.CallerUserID,
		Name:        p.Name,
		Version:     p.Version,
		Status:      model.StatusPrivate,
		Description: p.Description,
		Payload:     p.Payload,
	}
	if err := s.resources.Create(ctx, res); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %s %s", ErrDuplicate, p.Name, p.Version)
		}
		return nil, fmt.Errorf("создание версии: %w", err)
	}

	s.logger.Info("Версия создана",
		slog.Int64("extra_id", res.ExtraID),
		slog.String("kind", string(res.Kind)),
		slog.String("name", res.Name),
		slog.String("version", res.Version.String()),
		slog.Int64("user_id", res.UserID),
	)
	return res, nil
}

// SetStatus выполняет переход статуса: private → public или public → deprecated.
func (s *ResourceService) SetStatus(ctx context.Context, rc model.RequestContext, extraID int64, target model.Status) (*model.Resource, error) {
	var from model.Status
	switch target {
	case model.StatusPublic:
		from = model.StatusPrivate
	case model.StatusDeprecated:
		from = model.StatusPublic
	default:
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("недопустимый переход в %q, допустимые: public, deprecated", target)}
	}

	res, err := s.guard.AssertOwnerAndStatus(ctx, extraID, rc.CallerUserID, &from)
	if err != nil {
		return nil, err
	}

	if err := s.resources.UpdateStatus(ctx, extraID, from, target); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, s.lostRace(ctx, extraID, from)
		}
		return nil, fmt.Errorf("обновление статуса %d: %w", extraID, err)
	}

	s.logger.Info("Статус версии изменён",
		slog.Int64("extra_id", extraID),
		slog.String("from", string(from)),
		slog.String("to", string(target)),
	)
	res.Status = target
	return res, nil
}

// UpdateDescription меняет описание версии, пока она private.
func (s *ResourceService) UpdateDescription(ctx context.Context, rc model.RequestContext, extraID int64, description string) (*model.Resource, error) {
	if len(description) > maxDescriptionLength {
		return nil, &ValidationError{Field: "description", Message: fmt.Sprintf("длиннее %d символов", maxDescriptionLength)}
	}

	required := model.StatusPrivate
	res, err := s.guard.AssertOwnerAndStatus(ctx, extraID, rc.CallerUserID, &required)
	if err != nil {
		return nil, err
	}

	if err := s.resources.UpdateDescription(ctx, extraID, description); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, s.lostRace(ctx, extraID, required)
		}
		return nil, fmt.Errorf("обновление описания %d: %w", extraID, err)
	}

	res.Description = description
	return res, nil
}

// lostRace перечитывает статус после неудачного compare-and-set.
func (s *ResourceService) lostRace(ctx context.Context, extraID int64, expected model.Status) error {
	current, err := s.resources.GetByExtraID(ctx, extraID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: ресурс %d", ErrNotFound, extraID)
		}
		return fmt.Errorf("перечитывание ресурса %d: %w", extraID, err)
	}
	s.logger.Warn("Параллельное изменение статуса",
		slog.Int64("extra_id", extraID),
		slog.String("expected", string(expected)),
		slog.String("actual", string(current.Status)),
	)
	return &ConflictError{Expected: expected, Actual: current.Status}
}
