// Пакет model — доменные модели StreamBed.
// ResourceName и PartialVersion живут только в рамках одного запроса,
// Resource и CachedRemoteResource — маппинг таблиц resources и remote_cache.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind — тип версионируемого ресурса.
type Kind string

const (
	// KindStream — поток (лента контента / схема постов).
	KindStream Kind = "stream"
	// KindRhythm — ритм (пользовательский скрипт сортировки/оценки).
	KindRhythm Kind = "rhythm"
)

// ParseKind проверяет строковое значение типа ресурса.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindStream, KindRhythm:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("недопустимый тип ресурса %q, допустимые: stream, rhythm", s)
	}
}

// Status — статус конкретной версии ресурса.
type Status string

const (
	// StatusPrivate — черновик, виден только владельцу, поля можно редактировать.
	StatusPrivate Status = "private"
	// StatusPublic — опубликован, неизменяем.
	StatusPublic Status = "public"
	// StatusDeprecated — устарел, по-прежнему доступен для чтения.
	StatusDeprecated Status = "deprecated"
)

// ParseStatus проверяет строковое значение статуса.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPrivate, StatusPublic, StatusDeprecated:
		return Status(s), nil
	default:
		return "", fmt.Errorf("недопустимый статус %q, допустимые: private, public, deprecated", s)
	}
}

// ResourceName — полное имя ресурса в федерации.
// Собирается из входных данных запроса и никогда не сохраняется напрямую.
type ResourceName struct {
	Domain   string
	Username string
	Name     string
	Version  PartialVersion
}

// String возвращает имя в формате пути протокола: domain/username/name/M/m/p.
func (n ResourceName) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", n.Domain, n.Username, n.Name, n.Version)
}

// Resource — одна конкретная версия потока или ритма в локальном хранилище.
type Resource struct {
	// ExtraID — первичный ключ версии (LocalResourceId)
	ExtraID int64
	// FamilyID — идентификатор семейства версий (kind, user, name)
	FamilyID int64
	Kind     Kind
	// UserID — владелец (сравнивается с вызывающим только по ID)
	UserID   int64
	Username string
	Domain   string
	Name     string
	Version  ResolvedVersion
	Status   Status
	// Description — редактируемое поле, пока версия в статусе private
	Description string
	// Payload — сериализованное тело ресурса (схема потока / код ритма)
	Payload   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CachedRemoteResource — локальная копия ресурса чужого домена.
// Ключ — (domain, username, kind, name, major, minor, patch).
type CachedRemoteResource struct {
	Domain   string
	Username string
	Kind     Kind
	Name     string
	Version  ResolvedVersion
	Payload  json.RawMessage
	// ExtraID — локальный ID, под которым копия заведена в resources
	ExtraID    int64
	TimeCached time.Time
	// Stale — копия отдана после неудачного обновления (не хранится в БД)
	Stale bool
}

// IsFresh сообщает, моложе ли запись указанного TTL на момент now.
func (c *CachedRemoteResource) IsFresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.TimeCached) < ttl
}

// Site — домен федерации. Сайты и домены соотносятся 1:1.
type Site struct {
	SiteID int64
	Domain string
}

// User — пользователь, принадлежащий ровно одному домашнему сайту.
type User struct {
	UserID   int64
	SiteID   int64
	Username string
	Domain   string
}

// RequestContext — явный контекст запроса, передаваемый в резолверы и guard.
type RequestContext struct {
	// CallerUserID — ID аутентифицированного пользователя (0 — аноним)
	CallerUserID int64
	// LocalDomain — домен этой инсталляции
	LocalDomain string
	// CacheTTL — время жизни закэшированных чужих ресурсов
	CacheTTL time.Duration
}

// Authenticated сообщает, есть ли в запросе аутентифицированный пользователь.
func (rc RequestContext) Authenticated() bool {
	return rc.CallerUserID != 0
}
