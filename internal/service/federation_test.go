package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/remoteclient"
)

// TestFederation_UnreachableWithoutCopy — чужой домен недоступен, копии нет: ErrUnavailable,
// remote_cache не меняется.
func TestFederation_UnreachableWithoutCopy(t *testing.T) {
	env := newTestEnv()
	name := model.ResourceName{Domain: "dead.example", Username: "carol", Name: "feed", Version: model.LatestVersion()}

	_, err := env.federation.Resolve(context.Background(), testContext(0), model.KindStream, name)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("ошибка = %v, ожидалась ErrUnavailable", err)
	}
	if !strings.HasPrefix(err.Error(), "resource unavailable") {
		t.Errorf("сообщение = %q, ожидалось resource unavailable", err.Error())
	}
	var gErr *remoteclient.GatewayError
	if !errors.As(err, &gErr) || gErr.Reason != remoteclient.ReasonUnreachable {
		t.Errorf("причина не сохранена: %v", err)
	}
	if env.store.remoteRows() != 0 {
		t.Errorf("строк remote_cache = %d, ожидалось 0", env.store.remoteRows())
	}
}

// TestFederation_RemoteFetchedThenResolved — промах, запрос к чужому домену
// и успешная повторная попытка.
func TestFederation_RemoteFetchedThenResolved(t *testing.T) {
	env := newTestEnv()
	env.fetcher.fetchFn = remoteDoc([3]int{2, 1, 0})
	name := model.ResourceName{Domain: remoteDomain, Username: "bob", Name: "feed", Version: partial(2)}

	res, err := env.federation.Resolve(context.Background(), testContext(0), model.KindStream, name)
	if err != nil {
		t.Fatalf("Resolve ошибка: %v", err)
	}
	if res.ExtraID == 0 || res.Version.String() != "2/1/0" {
		t.Errorf("результат = %+v", res)
	}
	if env.fetcher.count() != 1 {
		t.Errorf("сетевых запросов = %d, ожидался 1", env.fetcher.count())
	}

	// Второй вызов разрешается локально
	again, err := env.federation.Resolve(context.Background(), testContext(0), model.KindStream, name)
	if err != nil {
		t.Fatalf("повторный Resolve ошибка: %v", err)
	}
	if again.ExtraID != res.ExtraID {
		t.Errorf("ExtraID = %d, ожидался %d", again.ExtraID, res.ExtraID)
	}
	if env.fetcher.count() != 1 {
		t.Errorf("сетевых запросов = %d после повтора, ожидался 1", env.fetcher.count())
	}
}

// TestFederation_LocalPresentNoNetwork — локально известный ресурс не вызывает шлюз.
func TestFederation_LocalPresentNoNetwork(t *testing.T) {
	env := newTestEnv()
	env.store.seedResource(remoteDomain, "bob", model.KindRhythm, "score", [3]int{1, 0, 0}, model.StatusPublic)
	env.store.seedResource(localDomain, "alice", model.KindRhythm, "score", [3]int{1, 0, 0}, model.StatusPublic)

	for _, domain := range []string{remoteDomain, localDomain} {
		user := "bob"
		if domain == localDomain {
			user = "alice"
		}
		name := model.ResourceName{Domain: domain, Username: user, Name: "score", Version: model.LatestVersion()}
		if _, err := env.federation.Resolve(context.Background(), testContext(0), model.KindRhythm, name); err != nil {
			t.Errorf("%s: ошибка %v", domain, err)
		}
	}
	if env.fetcher.count() != 0 {
		t.Errorf("сетевых запросов = %d, ожидалось 0", env.fetcher.count())
	}
}

// TestFederation_RemoteNotFound — явный 404 от чужого домена — ErrNotFound.
func TestFederation_RemoteNotFound(t *testing.T) {
	env := newTestEnv()
	env.fetcher.fetchFn = func(domain, _ string, _ model.Kind, _ string, _ model.PartialVersion) (*remoteclient.Document, error) {
		return nil, &remoteclient.GatewayError{
			Reason: remoteclient.ReasonRemoteError, Domain: domain, StatusCode: http.StatusNotFound, Message: "not found",
		}
	}
	name := model.ResourceName{Domain: remoteDomain, Username: "bob", Name: "gone", Version: model.LatestVersion()}

	_, err := env.federation.Resolve(context.Background(), testContext(0), model.KindStream, name)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ошибка = %v, ожидалась ErrNotFound", err)
	}
}

// TestFederation_ResolveMany — ошибки собираются по ключам и не прерывают пакет.
func TestFederation_ResolveMany(t *testing.T) {
	env := newTestEnv()
	ok := env.store.seedResource(localDomain, "alice", model.KindStream, "news", [3]int{1, 0, 0}, model.StatusPublic)

	reqs := map[string]NameRequest{
		"ok":          {Kind: model.KindStream, Name: model.ResourceName{Domain: localDomain, Username: "alice", Name: "news", Version: model.LatestVersion()}},
		"missing":     {Kind: model.KindStream, Name: model.ResourceName{Domain: localDomain, Username: "alice", Name: "none", Version: model.LatestVersion()}},
		"unavailable": {Kind: model.KindStream, Name: model.ResourceName{Domain: remoteDomain, Username: "bob", Name: "feed", Version: model.LatestVersion()}},
		"invalid":     {Kind: model.KindStream, Name: model.ResourceName{Domain: localDomain, Name: "news", Version: model.LatestVersion()}},
	}

	resolved, failed := env.federation.ResolveMany(context.Background(), testContext(0), reqs)
	if len(resolved) != 1 || resolved["ok"].ExtraID != ok {
		t.Errorf("resolved = %+v", resolved)
	}
	if !errors.Is(failed["missing"], ErrNotFound) {
		t.Errorf("missing: %v", failed["missing"])
	}
	if !errors.Is(failed["unavailable"], ErrUnavailable) {
		t.Errorf("unavailable: %v", failed["unavailable"])
	}
	var vErr *ValidationError
	if !errors.As(failed["invalid"], &vErr) || vErr.Field != "username" {
		t.Errorf("invalid: %v", failed["invalid"])
	}
}

// TestFederation_DocumentLocal — JSON локального ресурса без сети.
func TestFederation_DocumentLocal(t *testing.T) {
	env := newTestEnv()
	id := env.store.seedResource(localDomain, "alice", model.KindStream, "news", [3]int{1, 0, 0}, model.StatusPublic)
	name := model.ResourceName{Domain: localDomain, Username: "alice", Name: "news", Version: model.LatestVersion()}

	doc, err := env.federation.Document(context.Background(), testContext(0), model.KindStream, name)
	if err != nil {
		t.Fatalf("Document ошибка: %v", err)
	}
	if doc.ExtraID != id || doc.Domain != localDomain {
		t.Errorf("документ = %+v", doc)
	}
	if len(doc.Payload) == 0 {
		t.Error("пустое тело документа")
	}
	if env.fetcher.count() != 0 {
		t.Errorf("сетевых запросов = %d, ожидалось 0", env.fetcher.count())
	}
}

// TestFederation_ListVersions — локальные версии по возрастанию, приватные скрыты.
func TestFederation_ListVersions(t *testing.T) {
	env := newTestEnv()
	env.store.seedResource(localDomain, "alice", model.KindStream, "news", [3]int{2, 0, 0}, model.StatusPublic)
	env.store.seedResource(localDomain, "alice", model.KindStream, "news", [3]int{1, 0, 0}, model.StatusDeprecated)
	env.store.seedResource(localDomain, "alice", model.KindStream, "news", [3]int{3, 0, 0}, model.StatusPrivate)
	name := model.ResourceName{Domain: localDomain, Username: "alice", Name: "news"}

	got, err := env.federation.ListVersions(context.Background(), testContext(0), model.KindStream, name)
	if err != nil {
		t.Fatalf("ListVersions ошибка: %v", err)
	}
	if len(got) != 2 || got[0].String() != "1/0/0" || got[1].String() != "2/0/0" {
		t.Errorf("версии = %v", got)
	}
}

// TestFederation_ListVersionsFallback — при недоступности чужого домена
// отдаются закэшированные версии.
func TestFederation_ListVersionsFallback(t *testing.T) {
	env := newTestEnv()
	env.fetcher.fetchFn = remoteDoc([3]int{1, 4, 0})
	name := model.ResourceName{Domain: remoteDomain, Username: "bob", Name: "feed", Version: model.LatestVersion()}
	if _, err := env.gateway.FetchAndCache(context.Background(), testContext(0), model.KindStream, name); err != nil {
		t.Fatalf("FetchAndCache ошибка: %v", err)
	}

	got, err := env.federation.ListVersions(context.Background(), testContext(0), model.KindStream, name)
	if err != nil {
		t.Fatalf("ListVersions ошибка: %v", err)
	}
	if len(got) != 1 || got[0].String() != "1/4/0" {
		t.Errorf("версии = %v", got)
	}

	unknown := name
	unknown.Name = "other"
	_, err = env.federation.ListVersions(context.Background(), testContext(0), model.KindStream, unknown)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("ошибка = %v, ожидалась ErrUnavailable", err)
	}
}

// TestFederation_ListVersionsRemoteNotFound — явный 404 владельца не
// подменяется закэшированными версиями.
func TestFederation_ListVersionsRemoteNotFound(t *testing.T) {
	env := newTestEnv()
	env.fetcher.fetchFn = remoteDoc([3]int{1, 4, 0})
	name := model.ResourceName{Domain: remoteDomain, Username: "bob", Name: "feed", Version: model.LatestVersion()}
	if _, err := env.gateway.FetchAndCache(context.Background(), testContext(0), model.KindStream, name); err != nil {
		t.Fatalf("FetchAndCache ошибка: %v", err)
	}
	env.versions.listFn = func(domain, _ string, _ model.Kind, _ string) ([]model.ResolvedVersion, error) {
		return nil, &remoteclient.GatewayError{
			Reason: remoteclient.ReasonRemoteError, Domain: domain, StatusCode: http.StatusNotFound, Message: "not found",
		}
	}

	got, err := env.federation.ListVersions(context.Background(), testContext(0), model.KindStream, name)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ListVersions = %v, %v; ожидалась ErrNotFound", got, err)
	}
}
