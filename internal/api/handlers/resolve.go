// resolve.go — API разрешения полных имён и чтения чужих ресурсов.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/streambed/internal/api/errors"
	"github.com/bigkaa/streambed/internal/config"
	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/service"
)

// maxBatchNames — предел числа имён в пакетном разрешении.
const maxBatchNames = 100

// nameFields — полное имя в запросе.
type nameFields struct {
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

type resolveBatchRequest struct {
	Names map[string]nameFields `json:"names"`
}

type resolveResponse struct {
	Success bool   `json:"success"`
	ExtraID int64  `json:"extra_id"`
	Version string `json:"version"`
}

type resolveBatchResponse struct {
	Success bool              `json:"success"`
	IDs     map[string]int64  `json:"ids"`
	Errors  map[string]string `json:"errors,omitempty"`
}

type cachedResponse struct {
	Success    bool            `json:"success"`
	Domain     string          `json:"domain"`
	Username   string          `json:"username"`
	Kind       model.Kind      `json:"kind"`
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	ExtraID    int64           `json:"extra_id"`
	TimeCached string          `json:"time_cached"`
	Stale      bool            `json:"stale"`
	Payload    json.RawMessage `json:"payload"`
}

// ResolveName — GET /api/v1/resolve?domain&username&kind&name&version.
func (h *APIHandler) ResolveName(w http.ResponseWriter, r *http.Request) {
	kind, name, err := nameFromQuery(r, "", true)
	if err != nil {
		h.writeServiceError(w, r, "resolve", err)
		return
	}

	res, err := h.federation.Resolve(r.Context(), h.requestContext(r), kind, name)
	if err != nil {
		h.writeServiceError(w, r, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Success: true, ExtraID: res.ExtraID, Version: res.Version.String()})
}

// ResolveNames — POST /api/v1/resolve. Ошибки отдельных имён собираются
// в errors по ключам запроса и не прерывают пакет.
func (h *APIHandler) ResolveNames(w http.ResponseWriter, r *http.Request) {
	var req resolveBatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeServiceError(w, r, "resolve_batch", err)
		return
	}
	if len(req.Names) == 0 {
		apierrors.ValidationError(w, "names", "пустой список имён")
		return
	}
	if len(req.Names) > maxBatchNames {
		apierrors.ValidationError(w, "names", "слишком много имён")
		return
	}

	errs := make(map[string]string)
	reqs := make(map[string]service.NameRequest, len(req.Names))
	for key, f := range req.Names {
		kind, name, err := f.parse()
		if err != nil {
			errs[key] = apierrors.Message(err)
			continue
		}
		reqs[key] = service.NameRequest{Kind: kind, Name: name}
	}

	resolved, failed := h.federation.ResolveMany(r.Context(), h.requestContext(r), reqs)

	resp := resolveBatchResponse{IDs: make(map[string]int64, len(resolved))}
	for key, res := range resolved {
		resp.IDs[key] = res.ExtraID
	}
	for key, err := range failed {
		errs[key] = apierrors.Message(err)
	}
	if len(errs) > 0 {
		resp.Errors = errs
	}
	resp.Success = len(errs) == 0
	writeJSON(w, http.StatusOK, resp)
}

// GetCached — GET /api/v1/cache/{kind}?domain&username&name&version.
// Свежая копия — из кэша, устаревшая обновляется, при недоступности
// домена отдаётся с stale=true.
func (h *APIHandler) GetCached(w http.ResponseWriter, r *http.Request) {
	rawKind, err := pathParam(r, "kind")
	if err != nil {
		h.writeServiceError(w, r, "cache", err)
		return
	}
	kind, name, err := nameFromQuery(r, rawKind, true)
	if err != nil {
		h.writeServiceError(w, r, "cache", err)
		return
	}

	entry, err := h.federation.Document(r.Context(), h.requestContext(r), kind, name)
	if err != nil {
		h.writeServiceError(w, r, "cache", err)
		return
	}
	writeJSON(w, http.StatusOK, cachedResponse{
		Success:    true,
		Domain:     entry.Domain,
		Username:   entry.Username,
		Kind:       entry.Kind,
		Name:       entry.Name,
		Version:    entry.Version.String(),
		ExtraID:    entry.ExtraID,
		TimeCached: entry.TimeCached.UTC().Format(time.RFC3339),
		Stale:      entry.Stale,
		Payload:    entry.Payload,
	})
}

// ListVersions — GET /api/v1/versions?domain&username&kind&name.
func (h *APIHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	kind, name, err := nameFromQuery(r, "", false)
	if err != nil {
		h.writeServiceError(w, r, "versions", err)
		return
	}

	versions, err := h.federation.ListVersions(r.Context(), h.requestContext(r), kind, name)
	if err != nil {
		h.writeServiceError(w, r, "versions", err)
		return
	}
	writeJSON(w, http.StatusOK, versionsResponse{Success: true, Versions: formatVersions(versions)})
}

// queryOrder — порядок проверки параметров имени; первая ошибка отдаётся клиенту.
var queryOrder = []string{"domain", "username", "kind", "name"}

// nameFromQuery собирает полное имя из параметров запроса.
// Непустой kind берётся из пути вместо параметра запроса.
func nameFromQuery(r *http.Request, kind string, withVersion bool) (model.Kind, model.ResourceName, error) {
	f := nameFields{Kind: kind}
	params := map[string]*string{
		"domain":   &f.Domain,
		"username": &f.Username,
		"name":     &f.Name,
	}
	if kind == "" {
		params["kind"] = &f.Kind
	}

	var err error
	for _, p := range queryOrder {
		dest, ok := params[p]
		if !ok {
			continue
		}
		if *dest, err = queryParam(r, p, true); err != nil {
			return "", model.ResourceName{}, err
		}
	}
	if withVersion {
		if f.Version, err = queryParam(r, "version", false); err != nil {
			return "", model.ResourceName{}, err
		}
	}
	return f.parse()
}

func (f nameFields) parse() (model.Kind, model.ResourceName, error) {
	kind, err := parseKind(f.Kind)
	if err != nil {
		return "", model.ResourceName{}, err
	}
	v, err := parseSelector(f.Version)
	if err != nil {
		return "", model.ResourceName{}, err
	}
	return kind, model.ResourceName{
		Domain:   normalizeDomain(f.Domain),
		Username: f.Username,
		Name:     f.Name,
		Version:  v,
	}, nil
}

// normalizeDomain приводит домен к виду, в котором он хранится.
// Некорректное значение возвращается как есть и отклоняется валидацией имени.
func normalizeDomain(raw string) string {
	if d, err := config.NormalizeDomain(raw); err == nil {
		return d
	}
	return raw
}
