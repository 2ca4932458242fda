// Пакет version — разбор селекторов версий и выбор конкретной версии
// из семейства. Чистые функции без обращения к хранилищу и сети:
// набор кандидатов передаёт вызывающий код.
package version

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bigkaa/streambed/internal/domain/model"
)

// Имена полей версии, используемые в ошибках валидации.
const (
	FieldVersion = "version"
	FieldMajor   = "major"
	FieldMinor   = "minor"
	FieldPatch   = "patch"
)

var componentFields = [3]string{FieldMajor, FieldMinor, FieldPatch}

// MaxComponent — наибольшее значение компонента (столбцы INTEGER в БД).
const MaxComponent = math.MaxInt32

// ErrNotFound — ни один кандидат не удовлетворяет селектору.
var ErrNotFound = errors.New("версия не найдена")

// ValidationError — некорректный селектор версии.
// Field указывает поле, в котором обнаружена ошибка.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Parse разбирает селектор вида "1/2/latest" или "1.2.3".
// Недостающие завершающие компоненты считаются latest: "1" == "1/latest/latest".
func Parse(s string) (model.PartialVersion, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.PartialVersion{}, &ValidationError{Field: FieldVersion, Message: "пустая версия"}
	}

	sep := "/"
	if !strings.Contains(s, "/") && strings.Contains(s, ".") {
		sep = "."
	}
	parts := strings.Split(s, sep)
	if len(parts) > 3 {
		return model.PartialVersion{}, &ValidationError{
			Field:   FieldVersion,
			Message: fmt.Sprintf("ожидается не более трёх компонентов, получено %d", len(parts)),
		}
	}
	for len(parts) < 3 {
		parts = append(parts, model.LatestKeyword)
	}
	return ParseComponents(parts[0], parts[1], parts[2])
}

// ParseComponents разбирает три компонента версии, пришедшие отдельными
// сегментами пути (/{major}/{minor}/{patch}).
func ParseComponents(major, minor, patch string) (model.PartialVersion, error) {
	raw := [3]string{major, minor, patch}
	var comps [3]model.VersionComponent
	for i, r := range raw {
		c, err := parseComponent(componentFields[i], r)
		if err != nil {
			return model.PartialVersion{}, err
		}
		comps[i] = c
	}

	v := model.PartialVersion{Major: comps[0], Minor: comps[1], Patch: comps[2]}
	if err := Validate(v); err != nil {
		return model.PartialVersion{}, err
	}
	return v, nil
}

func parseComponent(field, raw string) (model.VersionComponent, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, model.LatestKeyword) {
		return model.Latest(), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return model.VersionComponent{}, &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("ожидается целое число или latest, получено %q", raw),
		}
	}
	if err := CheckComponent(field, n); err != nil {
		return model.VersionComponent{}, err
	}
	return model.Exact(n), nil
}

// CheckComponent проверяет диапазон конкретного компонента: 0..MaxComponent.
func CheckComponent(field string, n int) error {
	if n < 0 {
		return &ValidationError{Field: field, Message: fmt.Sprintf("отрицательное значение %d", n)}
	}
	if n > MaxComponent {
		return &ValidationError{Field: field, Message: fmt.Sprintf("значение %d больше %d", n, MaxComponent)}
	}
	return nil
}

// Validate проверяет, что wildcard не стоит перед конкретным компонентом.
// latest/0/0 — ошибка в поле minor.
func Validate(v model.PartialVersion) error {
	comps := v.Components()
	wildcardSeen := false
	for i, c := range comps {
		if c.IsLatest() {
			wildcardSeen = true
			continue
		}
		if wildcardSeen {
			return &ValidationError{
				Field:   componentFields[i],
				Message: fmt.Sprintf("конкретное значение после latest в %s", componentFields[i-1]),
			}
		}
	}
	return nil
}

// Resolve выбирает версию из candidates по селектору partial.
//
// Полностью конкретный селектор требует точного совпадения. Если завершающие
// компоненты — latest, среди кандидатов с совпадающим конкретным префиксом
// выбирается лексикографически наибольший по (major, minor, patch).
func Resolve(partial model.PartialVersion, candidates []model.ResolvedVersion) (model.ResolvedVersion, error) {
	if err := Validate(partial); err != nil {
		return model.ResolvedVersion{}, err
	}

	var (
		best  model.ResolvedVersion
		found bool
	)
	for _, c := range candidates {
		if !Matches(partial, c) {
			continue
		}
		if !found || c.Compare(best) > 0 {
			best = c
			found = true
		}
	}
	if !found {
		return model.ResolvedVersion{}, fmt.Errorf("%w: %s", ErrNotFound, partial)
	}
	return best, nil
}

// Matches сообщает, удовлетворяет ли версия селектору.
func Matches(partial model.PartialVersion, v model.ResolvedVersion) bool {
	return partial.Major.Matches(v.Major) &&
		partial.Minor.Matches(v.Minor) &&
		partial.Patch.Matches(v.Patch)
}

