// Пакет service — бизнес-логика StreamBed: разрешение полных имён,
// кэширующий шлюз к чужим доменам, проверка владельца и статуса,
// жизненный цикл версий и кросс-доменная идентификация.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/domain/version"
)

// Ошибки сервисного слоя.
var (
	// ErrNotFound — ресурс отсутствует после полного разрешения.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrForbidden — вызывающий не владелец ресурса.
	ErrForbidden = errors.New("доступ запрещён")
	// ErrRemoteLookupRequired — ресурс принадлежит чужому домену и локально неизвестен.
	ErrRemoteLookupRequired = errors.New("требуется запрос к чужому домену")
	// ErrUnavailable — чужой домен недоступен, а локальной копии нет.
	ErrUnavailable = errors.New("resource unavailable")
	// ErrDuplicate — такая версия уже существует.
	ErrDuplicate = errors.New("версия уже существует")
	// ErrUnauthenticated — операция требует аутентифицированного пользователя.
	ErrUnauthenticated = errors.New("требуется аутентификация")
)

// ValidationError — некорректные входные данные; Field — имя поля запроса.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError — ресурс не в том статусе, который требует операция,
// либо параллельный переход статуса выиграл гонку.
type ConflictError struct {
	Expected model.Status
	Actual   model.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ожидался статус %s, текущий статус %s", e.Expected, e.Actual)
}

// asValidation приводит ошибку разбора версии к ValidationError сервиса.
func asValidation(err error) error {
	var vErr *version.ValidationError
	if errors.As(err, &vErr) {
		return &ValidationError{Field: vErr.Field, Message: vErr.Message}
	}
	return err
}
