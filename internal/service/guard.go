package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/repository"
)

var guardChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sb_guard_checks_total",
	Help: "Проверки владельца и статуса по результату.",
}, []string{"result"})

// OwnershipGuard проверяет, что вызывающий — владелец ресурса и что
// ресурс в нужном статусе. Только чтение из resources, кэш не используется.
type OwnershipGuard struct {
	resources repository.ResourceRepository
}

// NewOwnershipGuard создаёт guard.
func NewOwnershipGuard(resources repository.ResourceRepository) *OwnershipGuard {
	return &OwnershipGuard{resources: resources}
}

// AssertOwnerAndStatus возвращает ресурс, если обе проверки пройдены.
//
// Порядок: существование (ErrNotFound), владелец по user_id (ErrForbidden,
// независимо от статуса), затем статус (*ConflictError).
// required == nil — статус не проверяется.
func (g *OwnershipGuard) AssertOwnerAndStatus(ctx context.Context, extraID, callerUserID int64, required *model.Status) (*model.Resource, error) {
	res, err := g.resources.GetByExtraID(ctx, extraID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			guardChecksTotal.WithLabelValues("not_found").Inc()
			return nil, fmt.Errorf("%w: ресурс %d", ErrNotFound, extraID)
		}
		return nil, fmt.Errorf("загрузка ресурса %d: %w", extraID, err)
	}

	if callerUserID == 0 || res.UserID != callerUserID {
		guardChecksTotal.WithLabelValues("forbidden").Inc()
		return nil, ErrForbidden
	}

	if required != nil && res.Status != *required {
		guardChecksTotal.WithLabelValues("conflict").Inc()
		return nil, &ConflictError{Expected: *required, Actual: res.Status}
	}

	guardChecksTotal.WithLabelValues("ok").Inc()
	return res, nil
}
