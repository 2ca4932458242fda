// lifecycle.go — создание версий и переходы статуса. Маршруты под политикой
// OwnerOnly; конкретная версия дополнительно проверяется guard в сервисе.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bigkaa/streambed/internal/domain/model"
	"github.com/bigkaa/streambed/internal/domain/version"
	"github.com/bigkaa/streambed/internal/service"
)

// createRequest — тело POST /{username}/{kind}.
type createRequest struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type descriptionRequest struct {
	Description string `json:"description"`
}

// resourceResponse — ответ операций жизненного цикла.
type resourceResponse struct {
	Success     bool         `json:"success"`
	ExtraID     int64        `json:"extra_id"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Status      model.Status `json:"status"`
	Description string       `json:"description"`
}

func newResourceResponse(res *model.Resource) resourceResponse {
	return resourceResponse{
		Success:     true,
		ExtraID:     res.ExtraID,
		Name:        res.Name,
		Version:     res.Version.String(),
		Status:      res.Status,
		Description: res.Description,
	}
}

// CreateResource — POST /{username}/{kind}. Новая версия в статусе private.
func (h *APIHandler) CreateResource(w http.ResponseWriter, r *http.Request) {
	rawKind, err := pathParam(r, "kind")
	if err != nil {
		h.writeServiceError(w, r, "create", err)
		return
	}
	kind, err := parseKind(rawKind)
	if err != nil {
		h.writeServiceError(w, r, "create", err)
		return
	}

	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeServiceError(w, r, "create", err)
		return
	}

	v, err := version.Parse(req.Version)
	if err != nil {
		h.writeServiceError(w, r, "create", validationFromVersion(err))
		return
	}
	if !v.IsConcrete() {
		h.writeServiceError(w, r, "create", &service.ValidationError{Field: "version", Message: "новая версия должна быть конкретной"})
		return
	}
	major, _ := v.Major.Value()
	minor, _ := v.Minor.Value()
	patch, _ := v.Patch.Value()

	res, err := h.lifecycle.Create(r.Context(), h.requestContext(r), service.CreateParams{
		Kind:        kind,
		Name:        req.Name,
		Version:     model.ResolvedVersion{Major: major, Minor: minor, Patch: patch},
		Description: req.Description,
		Payload:     req.Payload,
	})
	if err != nil {
		h.writeServiceError(w, r, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, newResourceResponse(res))
}

// SetResourceStatus — POST .../{major}/{minor}/{patch}/status.
// Статус передаётся JSON {"status": "public"} или формой status=public.
func (h *APIHandler) SetResourceStatus(w http.ResponseWriter, r *http.Request) {
	rc := h.requestContext(r)
	extraID, err := h.resolveOwned(r, rc)
	if err != nil {
		h.writeServiceError(w, r, "set_status", err)
		return
	}

	var raw string
	if isJSON(r) {
		var req statusRequest
		if err := decodeBody(w, r, &req); err != nil {
			h.writeServiceError(w, r, "set_status", err)
			return
		}
		raw = req.Status
	} else {
		raw = r.FormValue("status")
	}
	status, err := model.ParseStatus(raw)
	if err != nil {
		h.writeServiceError(w, r, "set_status", &service.ValidationError{Field: "status", Message: err.Error()})
		return
	}

	res, err := h.lifecycle.SetStatus(r.Context(), rc, extraID, status)
	if err != nil {
		h.writeServiceError(w, r, "set_status", err)
		return
	}
	writeJSON(w, http.StatusOK, newResourceResponse(res))
}

// UpdateResourceDescription — POST .../{major}/{minor}/{patch}/description.
func (h *APIHandler) UpdateResourceDescription(w http.ResponseWriter, r *http.Request) {
	rc := h.requestContext(r)
	extraID, err := h.resolveOwned(r, rc)
	if err != nil {
		h.writeServiceError(w, r, "update_description", err)
		return
	}

	var description string
	if isJSON(r) {
		var req descriptionRequest
		if err := decodeBody(w, r, &req); err != nil {
			h.writeServiceError(w, r, "update_description", err)
			return
		}
		description = req.Description
	} else {
		description = r.FormValue("description")
	}

	res, err := h.lifecycle.UpdateDescription(r.Context(), rc, extraID, description)
	if err != nil {
		h.writeServiceError(w, r, "update_description", err)
		return
	}
	writeJSON(w, http.StatusOK, newResourceResponse(res))
}

// resolveOwned разрешает версию из пути в локальный ID.
// Мутации работают только с локальными ресурсами и никогда не читают кэш.
func (h *APIHandler) resolveOwned(r *http.Request, rc model.RequestContext) (int64, error) {
	kind, name, err := h.localName(r)
	if err != nil {
		return 0, err
	}
	res, err := h.federation.Resolve(r.Context(), rc, kind, name)
	if err != nil {
		return 0, err
	}
	return res.ExtraID, nil
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}
