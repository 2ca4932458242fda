package version

import (
	"errors"
	"testing"

	"github.com/bigkaa/streambed/internal/domain/model"
)

// family — набор кандидатов из одного семейства.
func family(versions ...[3]int) []model.ResolvedVersion {
	out := make([]model.ResolvedVersion, 0, len(versions))
	for _, v := range versions {
		out = append(out, model.ResolvedVersion{Major: v[0], Minor: v[1], Patch: v[2], FamilyID: 7})
	}
	return out
}

// --- Тесты Parse ---

func TestParse_Concrete(t *testing.T) {
	v, err := Parse("1/2/3")
	if err != nil {
		t.Fatalf("Parse ошибка: %v", err)
	}
	if !v.IsConcrete() {
		t.Fatal("ожидался конкретный селектор")
	}
	if v.String() != "1/2/3" {
		t.Errorf("String() = %q, ожидался 1/2/3", v.String())
	}
}

func TestParse_Dotted(t *testing.T) {
	v, err := Parse("4.0.1")
	if err != nil {
		t.Fatalf("Parse ошибка: %v", err)
	}
	if v.String() != "4/0/1" {
		t.Errorf("String() = %q, ожидался 4/0/1", v.String())
	}
}

func TestParse_MissingTrailingIsLatest(t *testing.T) {
	v, err := Parse("1")
	if err != nil {
		t.Fatalf("Parse ошибка: %v", err)
	}
	if v.String() != "1/latest/latest" {
		t.Errorf("String() = %q, ожидался 1/latest/latest", v.String())
	}
}

func TestParse_LatestCaseInsensitive(t *testing.T) {
	v, err := Parse("2/LATEST/latest")
	if err != nil {
		t.Fatalf("Parse ошибка: %v", err)
	}
	if !v.Minor.IsLatest() || !v.Patch.IsLatest() {
		t.Errorf("ожидались wildcard minor и patch, получено %s", v)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"пустая строка", "", FieldVersion},
		{"слишком много компонентов", "1/2/3/4", FieldVersion},
		{"не число в major", "x/0/0", FieldMajor},
		{"не число в patch", "1/0/beta", FieldPatch},
		{"отрицательный minor", "1/-1/0", FieldMinor},
		{"major больше INTEGER", "3000000000/0/0", FieldMajor},
		{"patch больше INTEGER", "1.0.2147483648", FieldPatch},
		{"wildcard перед конкретным", "latest/0/0", FieldMinor},
		{"wildcard перед конкретным patch", "1/latest/2", FieldPatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("ошибка = %v, ожидалась ValidationError", err)
			}
			if vErr.Field != tt.field {
				t.Errorf("Field = %q, ожидался %q", vErr.Field, tt.field)
			}
		})
	}
}

func TestParse_MaxComponent(t *testing.T) {
	v, err := Parse("2147483647/0/0")
	if err != nil {
		t.Fatalf("Parse ошибка: %v", err)
	}
	if v.String() != "2147483647/0/0" {
		t.Errorf("String() = %q", v.String())
	}
}

// --- Тесты Resolve ---

func TestResolve_ExactMatch(t *testing.T) {
	candidates := family([3]int{1, 0, 0}, [3]int{1, 2, 0}, [3]int{2, 0, 0})

	got, err := Resolve(model.ExactVersion(1, 2, 0), candidates)
	if err != nil {
		t.Fatalf("Resolve ошибка: %v", err)
	}
	if got.String() != "1/2/0" {
		t.Errorf("версия = %s, ожидалась 1/2/0", got)
	}
	if got.FamilyID != 7 {
		t.Errorf("FamilyID = %d, ожидался 7", got.FamilyID)
	}
}

func TestResolve_ExactMissing(t *testing.T) {
	candidates := family([3]int{1, 0, 0}, [3]int{1, 2, 0})

	_, err := Resolve(model.ExactVersion(1, 1, 0), candidates)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ошибка = %v, ожидалась ErrNotFound", err)
	}
}

func TestResolve_LatestMinorAndPatch(t *testing.T) {
	candidates := family([3]int{1, 0, 0}, [3]int{1, 2, 0}, [3]int{1, 2, 3}, [3]int{2, 0, 0})
	partial := model.PartialVersion{Major: model.Exact(1), Minor: model.Latest(), Patch: model.Latest()}

	got, err := Resolve(partial, candidates)
	if err != nil {
		t.Fatalf("Resolve ошибка: %v", err)
	}
	if got.String() != "1/2/3" {
		t.Errorf("версия = %s, ожидалась 1/2/3", got)
	}
}

func TestResolve_LatestPatchOnly(t *testing.T) {
	candidates := family([3]int{1, 1, 9}, [3]int{1, 2, 0}, [3]int{1, 2, 4}, [3]int{1, 3, 0})
	partial := model.PartialVersion{Major: model.Exact(1), Minor: model.Exact(2), Patch: model.Latest()}

	got, err := Resolve(partial, candidates)
	if err != nil {
		t.Fatalf("Resolve ошибка: %v", err)
	}
	if got.String() != "1/2/4" {
		t.Errorf("версия = %s, ожидалась 1/2/4", got)
	}
}

func TestResolve_AllLatestSingleton(t *testing.T) {
	candidates := family([3]int{3, 1, 4})

	got, err := Resolve(model.LatestVersion(), candidates)
	if err != nil {
		t.Fatalf("Resolve ошибка: %v", err)
	}
	if got != candidates[0] {
		t.Errorf("версия = %+v, ожидалась %+v", got, candidates[0])
	}
}

func TestResolve_AllLatestPicksMaximum(t *testing.T) {
	// Порядок кандидатов не влияет на результат
	candidates := family([3]int{2, 0, 0}, [3]int{10, 0, 0}, [3]int{9, 99, 99}, [3]int{10, 0, 1}, [3]int{1, 0, 0})

	got, err := Resolve(model.LatestVersion(), candidates)
	if err != nil {
		t.Fatalf("Resolve ошибка: %v", err)
	}
	if got.String() != "10/0/1" {
		t.Errorf("версия = %s, ожидалась 10/0/1", got)
	}
}

func TestResolve_PrefixWithoutMatches(t *testing.T) {
	candidates := family([3]int{1, 0, 0}, [3]int{2, 0, 0})
	partial := model.PartialVersion{Major: model.Exact(3), Minor: model.Latest(), Patch: model.Latest()}

	_, err := Resolve(partial, candidates)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ошибка = %v, ожидалась ErrNotFound", err)
	}
}

func TestResolve_EmptyCandidates(t *testing.T) {
	_, err := Resolve(model.LatestVersion(), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ошибка = %v, ожидалась ErrNotFound", err)
	}
}

func TestResolve_RejectsWildcardBeforeConcrete(t *testing.T) {
	candidates := family([3]int{1, 0, 0})
	partial := model.PartialVersion{Major: model.Latest(), Minor: model.Exact(0), Patch: model.Exact(0)}

	_, err := Resolve(partial, candidates)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("ошибка = %v, ожидалась ValidationError", err)
	}
	if vErr.Field != FieldMinor {
		t.Errorf("Field = %q, ожидался %q", vErr.Field, FieldMinor)
	}
}

// TestResolve_ConcreteIffPresent проверяет, что конкретный селектор
// находит версию тогда и только тогда, когда она есть среди кандидатов.
func TestResolve_ConcreteIffPresent(t *testing.T) {
	candidates := family([3]int{0, 0, 1}, [3]int{0, 1, 0}, [3]int{1, 0, 0}, [3]int{1, 1, 1})
	present := make(map[[3]int]bool)
	for _, c := range candidates {
		present[[3]int{c.Major, c.Minor, c.Patch}] = true
	}

	for major := 0; major <= 2; major++ {
		for minor := 0; minor <= 2; minor++ {
			for patch := 0; patch <= 2; patch++ {
				_, err := Resolve(model.ExactVersion(major, minor, patch), candidates)
				want := present[[3]int{major, minor, patch}]
				if want && err != nil {
					t.Errorf("%d/%d/%d: ошибка %v, ожидалось совпадение", major, minor, patch, err)
				}
				if !want && !errors.Is(err, ErrNotFound) {
					t.Errorf("%d/%d/%d: ошибка %v, ожидалась ErrNotFound", major, minor, patch, err)
				}
			}
		}
	}
}
