package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/remoteclient"
	"github.com/bigkaa/streambed/internal/repository"
)

// testLogger — logger без вывода.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- In-memory хранилище ---

// memStore — in-memory реализация репозиториев с семантикой upsert и CAS,
// как у PostgreSQL-реализации.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	sites     map[string]*model.Site
	users     map[int64]*model.User
	families  map[repository.FamilyKey]int64
	resources map[int64]*model.Resource
	cache     map[string]*model.CachedRemoteResource
	secrets   map[string]secretRow

	saveCalls int
}

type secretRow struct {
	userID    int64
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		sites:     make(map[string]*model.Site),
		users:     make(map[int64]*model.User),
		families:  make(map[repository.FamilyKey]int64),
		resources: make(map[int64]*model.Resource),
		cache:     make(map[string]*model.CachedRemoteResource),
		secrets:   make(map[string]secretRow),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

// seedResource создаёт пользователя и версию ресурса, возвращает extra_id.
func (s *memStore) seedResource(domain, username string, kind model.Kind, name string, v [3]int, status model.Status) int64 {
	ctx := context.Background()
	site, _ := s.Ensure(ctx, domain)
	user, _ := s.usersRepo().Ensure(ctx, site.SiteID, username)
	res := &model.Resource{
		Kind: kind, UserID: user.UserID, Name: name,
		Version: model.ResolvedVersion{Major: v[0], Minor: v[1], Patch: v[2]},
		Status:  status,
	}
	if err := s.resourcesRepo().Create(ctx, res); err != nil {
		panic(err)
	}
	return res.ExtraID
}

func (s *memStore) remoteRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// SiteRepository

func (s *memStore) GetByDomain(_ context.Context, domain string) (*model.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[domain]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *site
	return &c, nil
}

func (s *memStore) Ensure(_ context.Context, domain string) (*model.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureSite(domain), nil
}

func (s *memStore) ensureSite(domain string) *model.Site {
	site, ok := s.sites[domain]
	if !ok {
		site = &model.Site{SiteID: s.id(), Domain: domain}
		s.sites[domain] = site
	}
	c := *site
	return &c
}

// Имена методов репозиториев пересекаются (Ensure), поэтому остальные
// репозитории — обёртки над общим состоянием.

func (s *memStore) usersRepo() *memUsers { return &memUsers{s} }
func (s *memStore) resourcesRepo() *memResources { return &memResources{s} }
func (s *memStore) cacheRepo() *memCache { return &memCache{s} }
func (s *memStore) secretsRepo() *memSecrets { return &memSecrets{s} }

type memUsers struct{ s *memStore }

func (u *memUsers) GetBySite(_ context.Context, siteID int64, username string) (*model.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, usr := range u.s.users {
		if usr.SiteID == siteID && usr.Username == username {
			c := *usr
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (u *memUsers) GetByID(_ context.Context, userID int64) (*model.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	usr, ok := u.s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *usr
	return &c, nil
}

func (u *memUsers) Ensure(_ context.Context, siteID int64, username string) (*model.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	return u.s.ensureUser(siteID, username), nil
}

func (s *memStore) ensureUser(siteID int64, username string) *model.User {
	for _, usr := range s.users {
		if usr.SiteID == siteID && usr.Username == username {
			c := *usr
			return &c
		}
	}
	var domain string
	for _, site := range s.sites {
		if site.SiteID == siteID {
			domain = site.Domain
		}
	}
	usr := &model.User{UserID: s.id(), SiteID: siteID, Username: username, Domain: domain}
	s.users[usr.UserID] = usr
	c := *usr
	return &c
}

type memResources struct{ s *memStore }

func (r *memResources) ListVersions(_ context.Context, key repository.FamilyKey) ([]repository.VersionEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	familyID, ok := r.s.families[key]
	if !ok {
		return nil, nil
	}
	var out []repository.VersionEntry
	for _, res := range r.s.resources {
		if res.FamilyID == familyID {
			out = append(out, repository.VersionEntry{ExtraID: res.ExtraID, Version: res.Version, Status: res.Status})
		}
	}
	return out, nil
}

func (r *memResources) GetByExtraID(_ context.Context, extraID int64) (*model.Resource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.resources[extraID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *res
	if usr, ok := r.s.users[res.UserID]; ok {
		c.Username = usr.Username
		c.Domain = usr.Domain
	}
	return &c, nil
}

func (r *memResources) Create(_ context.Context, res *model.Resource) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	familyID := r.s.ensureFamily(repository.FamilyKey{Kind: res.Kind, UserID: res.UserID, Name: res.Name})
	for _, existing := range r.s.resources {
		if existing.FamilyID == familyID &&
			existing.Version.Major == res.Version.Major &&
			existing.Version.Minor == res.Version.Minor &&
			existing.Version.Patch == res.Version.Patch {
			return repository.ErrConflict
		}
	}
	res.ExtraID = r.s.id()
	res.FamilyID = familyID
	res.Version.FamilyID = familyID
	res.CreatedAt = time.Now()
	res.UpdatedAt = res.CreatedAt
	c := *res
	r.s.resources[res.ExtraID] = &c
	return nil
}

func (s *memStore) ensureFamily(key repository.FamilyKey) int64 {
	id, ok := s.families[key]
	if !ok {
		id = s.id()
		s.families[key] = id
	}
	return id
}

func (r *memResources) UpdateStatus(_ context.Context, extraID int64, expected, next model.Status) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.resources[extraID]
	if !ok || res.Status != expected {
		return repository.ErrConflict
	}
	res.Status = next
	return nil
}

func (r *memResources) UpdateDescription(_ context.Context, extraID int64, description string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.resources[extraID]
	if !ok || res.Status != model.StatusPrivate {
		return repository.ErrConflict
	}
	res.Description = description
	return nil
}

func (r *memResources) UpsertRemote(_ context.Context, key repository.FamilyKey, v model.ResolvedVersion, status model.Status, payload []byte) (int64, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.upsertRemote(key, v, status, payload)
}

func (s *memStore) upsertRemote(key repository.FamilyKey, v model.ResolvedVersion, status model.Status, payload []byte) (int64, int64, error) {
	familyID := s.ensureFamily(key)
	for _, res := range s.resources {
		if res.FamilyID == familyID && res.Version.Major == v.Major && res.Version.Minor == v.Minor && res.Version.Patch == v.Patch {
			res.Status = status
			res.Payload = payload
			return res.ExtraID, familyID, nil
		}
	}
	res := &model.Resource{
		ExtraID: s.id(), FamilyID: familyID, Kind: key.Kind, UserID: key.UserID, Name: key.Name,
		Version: model.ResolvedVersion{Major: v.Major, Minor: v.Minor, Patch: v.Patch, FamilyID: familyID},
		Status:  status, Payload: payload,
	}
	s.resources[res.ExtraID] = res
	return res.ExtraID, familyID, nil
}

type memCache struct{ s *memStore }

func remoteKey(c *model.CachedRemoteResource) string {
	return c.Domain + "|" + c.Username + "|" + string(c.Kind) + "|" + c.Name + "|" + c.Version.String()
}

func (m *memCache) ListByName(_ context.Context, name repository.RemoteName) ([]*model.CachedRemoteResource, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.CachedRemoteResource
	for _, c := range m.s.cache {
		if c.Domain == name.Domain && c.Username == name.Username && c.Kind == name.Kind && c.Name == name.Name {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memCache) Upsert(_ context.Context, c *model.CachedRemoteResource) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *c
	m.s.cache[remoteKey(c)] = &cp
	return nil
}

// SaveRemote — аналог repository.RemoteWriter.
func (s *memStore) SaveRemote(_ context.Context, c *model.CachedRemoteResource, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	site := s.ensureSite(c.Domain)
	user := s.ensureUser(site.SiteID, c.Username)
	extraID, familyID, err := s.upsertRemote(repository.FamilyKey{Kind: c.Kind, UserID: user.UserID, Name: c.Name}, c.Version, status, c.Payload)
	if err != nil {
		return err
	}
	c.ExtraID = extraID
	c.Version.FamilyID = familyID
	cp := *c
	s.cache[remoteKey(c)] = &cp
	return nil
}

// age сдвигает time_cached всех записей назад.
func (s *memStore) age(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cache {
		c.TimeCached = c.TimeCached.Add(-d)
	}
}

type memSecrets struct{ s *memStore }

func (m *memSecrets) Create(_ context.Context, userID int64, secretHash string, expiresAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.secrets[secretHash]; ok {
		return repository.ErrConflict
	}
	m.s.secrets[secretHash] = secretRow{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memSecrets) GetUserID(_ context.Context, secretHash string, now time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	row, ok := m.s.secrets[secretHash]
	if !ok || !row.expiresAt.After(now) {
		return 0, repository.ErrNotFound
	}
	return row.userID, nil
}

func (m *memSecrets) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for k, row := range m.s.secrets {
		if !row.expiresAt.After(now) {
			delete(m.s.secrets, k)
			n++
		}
	}
	return n, nil
}

// --- Моки сети ---

// mockFetcher — мок RemoteFetcher со счётчиком вызовов.
type mockFetcher struct {
	mu      sync.Mutex
	calls   int
	fetchFn func(domain, username string, kind model.Kind, name string, v model.PartialVersion) (*remoteclient.Document, error)
	// ctxFn, если задан, вызывается вместо fetchFn с контекстом запроса.
	ctxFn func(ctx context.Context) (*remoteclient.Document, error)
}

func (m *mockFetcher) FetchResource(ctx context.Context, domain, username string, kind model.Kind, name string, v model.PartialVersion) (*remoteclient.Document, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.ctxFn != nil {
		return m.ctxFn(ctx)
	}
	if m.fetchFn != nil {
		return m.fetchFn(domain, username, kind, name, v)
	}
	return nil, &remoteclient.GatewayError{Reason: remoteclient.ReasonUnreachable, Domain: domain}
}

func (m *mockFetcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockVersionLister — мок RemoteVersionLister.
type mockVersionLister struct {
	listFn func(domain, username string, kind model.Kind, name string) ([]model.ResolvedVersion, error)
}

func (m *mockVersionLister) ListVersions(_ context.Context, domain, username string, kind model.Kind, name string) ([]model.ResolvedVersion, error) {
	if m.listFn != nil {
		return m.listFn(domain, username, kind, name)
	}
	return nil, &remoteclient.GatewayError{Reason: remoteclient.ReasonUnreachable, Domain: domain}
}

// mockVerifier — мок SecretVerifier.
type mockVerifier struct {
	calls    int
	verifyFn func(domain, username, secret string) (bool, error)
}

func (m *mockVerifier) VerifySecret(_ context.Context, domain, username, secret string) (bool, error) {
	m.calls++
	if m.verifyFn != nil {
		return m.verifyFn(domain, username, secret)
	}
	return false, nil
}

// --- Сборка сервисов ---

const (
	localDomain  = "local.test"
	remoteDomain = "remote.test"
)

func testContext(callerID int64) model.RequestContext {
	return model.RequestContext{CallerUserID: callerID, LocalDomain: localDomain, CacheTTL: time.Hour}
}

type testEnv struct {
	store      *memStore
	fetcher    *mockFetcher
	versions   *mockVersionLister
	resolver   *NameResolver
	gateway    *Gateway
	federation *Federation
}

func newTestEnv() *testEnv {
	store := newMemStore()
	fetcher := &mockFetcher{}
	resolver := NewNameResolver(store, store.usersRepo(), store.resourcesRepo(), testLogger())
	gateway, err := NewGateway(store.cacheRepo(), store, fetcher, 100, testLogger())
	if err != nil {
		panic(err)
	}
	versions := &mockVersionLister{}
	federation := NewFederation(resolver, gateway, versions, store.resourcesRepo(), store.cacheRepo(), testLogger())
	return &testEnv{store: store, fetcher: fetcher, versions: versions, resolver: resolver, gateway: gateway, federation: federation}
}

// remoteDoc — успешный ответ чужого домена с указанной версией.
func remoteDoc(v [3]int) func(string, string, model.Kind, string, model.PartialVersion) (*remoteclient.Document, error) {
	return func(string, string, model.Kind, string, model.PartialVersion) (*remoteclient.Document, error) {
		return &remoteclient.Document{
			Version: model.ResolvedVersion{Major: v[0], Minor: v[1], Patch: v[2]},
			Status:  model.StatusPublic,
			Raw:     []byte(`{"name":"feed"}`),
		}, nil
	}
}
