package model

import (
	"fmt"
	"strconv"
)

// LatestKeyword — значение компонента версии, означающее «наибольший доступный».
const LatestKeyword = "latest"

// VersionComponent — компонент версии: либо конкретное число, либо wildcard latest.
// Нулевое значение — конкретный 0.
type VersionComponent struct {
	value  int
	latest bool
}

// Exact возвращает конкретный компонент версии.
func Exact(n int) VersionComponent {
	return VersionComponent{value: n}
}

// Latest возвращает wildcard-компонент.
func Latest() VersionComponent {
	return VersionComponent{latest: true}
}

// IsLatest сообщает, является ли компонент wildcard.
func (c VersionComponent) IsLatest() bool {
	return c.latest
}

// Value возвращает число и false для wildcard.
func (c VersionComponent) Value() (int, bool) {
	if c.latest {
		return 0, false
	}
	return c.value, true
}

// Matches проверяет, удовлетворяет ли число компоненту.
func (c VersionComponent) Matches(n int) bool {
	return c.latest || c.value == n
}

func (c VersionComponent) String() string {
	if c.latest {
		return LatestKeyword
	}
	return strconv.Itoa(c.value)
}

// PartialVersion — селектор версии; завершающие компоненты могут быть latest.
type PartialVersion struct {
	Major VersionComponent
	Minor VersionComponent
	Patch VersionComponent
}

// LatestVersion — селектор latest/latest/latest.
func LatestVersion() PartialVersion {
	return PartialVersion{Major: Latest(), Minor: Latest(), Patch: Latest()}
}

// ExactVersion — полностью конкретный селектор.
func ExactVersion(major, minor, patch int) PartialVersion {
	return PartialVersion{Major: Exact(major), Minor: Exact(minor), Patch: Exact(patch)}
}

// IsConcrete сообщает, что в селекторе нет wildcard.
func (v PartialVersion) IsConcrete() bool {
	return !v.Major.latest && !v.Minor.latest && !v.Patch.latest
}

// Components возвращает компоненты в порядке major, minor, patch.
func (v PartialVersion) Components() [3]VersionComponent {
	return [3]VersionComponent{v.Major, v.Minor, v.Patch}
}

// String возвращает селектор в формате пути протокола: major/minor/patch.
func (v PartialVersion) String() string {
	return fmt.Sprintf("%s/%s/%s", v.Major, v.Minor, v.Patch)
}

// ResolvedVersion — конкретная версия из семейства FamilyID.
// В пределах семейства тройка (major, minor, patch) уникальна.
type ResolvedVersion struct {
	Major    int
	Minor    int
	Patch    int
	FamilyID int64
}

// Compare сравнивает версии лексикографически по (major, minor, patch).
// Возвращает -1, 0 или 1.
func (v ResolvedVersion) Compare(other ResolvedVersion) int {
	switch {
	case v.Major != other.Major:
		return cmpInt(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpInt(v.Minor, other.Minor)
	default:
		return cmpInt(v.Patch, other.Patch)
	}
}

// Selector возвращает полностью конкретный селектор этой версии.
func (v ResolvedVersion) Selector() PartialVersion {
	return ExactVersion(v.Major, v.Minor, v.Patch)
}

// String возвращает версию в формате протокола: major/minor/patch.
func (v ResolvedVersion) String() string {
	return fmt.Sprintf("%d/%d/%d", v.Major, v.Minor, v.Patch)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
