// protocol.go — endpoints федеративного протокола, к которым обращаются
// другие инсталляции: JSON ресурса, список версий, проверка секрета.
package handlers

import (
	"net/http"
	"time"

	apierrors "github.com/bigkaa/streambed/internal/api/errors"
	"github.com/bigkaa/streambed/internal/api/middleware"
	"github.com/bigkaa/streambed/internal/domain/model"
)

// versionsResponse — ответ со списком версий "major/minor/patch".
type versionsResponse struct {
	Success  bool     `json:"success"`
	Versions []string `json:"versions"`
}

type verifySecretResponse struct {
	Valid bool `json:"valid"`
}

type issueSecretResponse struct {
	Success   bool   `json:"success"`
	Secret    string `json:"secret"`
	ExpiresAt string `json:"expires_at"`
}

// GetResourceJSON — GET /{username}/{kind}/{name}/{major}/{minor}/{patch}/json.
// Отдаёт документ локальной версии; приватную видит только владелец.
func (h *APIHandler) GetResourceJSON(w http.ResponseWriter, r *http.Request) {
	kind, name, err := h.localName(r)
	if err != nil {
		h.writeServiceError(w, r, "resource_json", err)
		return
	}

	doc, err := h.federation.Document(r.Context(), h.requestContext(r), kind, name)
	if err != nil {
		h.writeServiceError(w, r, "resource_json", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Payload)
}

// ListResourceVersions — GET /{username}/{kind}/{name}/versions.
func (h *APIHandler) ListResourceVersions(w http.ResponseWriter, r *http.Request) {
	username, err := pathParam(r, "username")
	if err != nil {
		h.writeServiceError(w, r, "resource_versions", err)
		return
	}
	rawKind, err := pathParam(r, "kind")
	if err != nil {
		h.writeServiceError(w, r, "resource_versions", err)
		return
	}
	resourceName, err := pathParam(r, "name")
	if err != nil {
		h.writeServiceError(w, r, "resource_versions", err)
		return
	}
	kind, err := parseKind(rawKind)
	if err != nil {
		h.writeServiceError(w, r, "resource_versions", err)
		return
	}

	name := model.ResourceName{Domain: h.localDomain, Username: username, Name: resourceName}
	versions, err := h.federation.ListVersions(r.Context(), h.requestContext(r), kind, name)
	if err != nil {
		h.writeServiceError(w, r, "resource_versions", err)
		return
	}
	writeJSON(w, http.StatusOK, versionsResponse{Success: true, Versions: formatVersions(versions)})
}

// VerifySecret — GET /user/verifysecret?secret=...&username=...
// Вызывается чужими доменами для проверки секрета нашего пользователя.
func (h *APIHandler) VerifySecret(w http.ResponseWriter, r *http.Request) {
	secret, err := queryParam(r, "secret", false)
	if err != nil {
		h.writeServiceError(w, r, "verify_secret", err)
		return
	}
	username, err := queryParam(r, "username", false)
	if err != nil {
		h.writeServiceError(w, r, "verify_secret", err)
		return
	}

	valid, err := h.secrets.VerifyLocalSecret(r.Context(), username, secret)
	if err != nil {
		h.writeServiceError(w, r, "verify_secret", err)
		return
	}
	writeJSON(w, http.StatusOK, verifySecretResponse{Valid: valid})
}

// IssueSecret — POST /user/secret. Выдаёт секрет пользователю этой
// инсталляции для аутентификации на чужих доменах.
func (h *APIHandler) IssueSecret(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	if caller == nil {
		apierrors.Unauthorized(w)
		return
	}
	// Секреты выдаются только своим пользователям
	if caller.Source != middleware.AuthSourceJWT {
		apierrors.Forbidden(w)
		return
	}

	secret, expiresAt, err := h.secrets.IssueSecret(r.Context(), caller.UserID)
	if err != nil {
		h.writeServiceError(w, r, "issue_secret", err)
		return
	}
	writeJSON(w, http.StatusOK, issueSecretResponse{
		Success:   true,
		Secret:    secret,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

func formatVersions(versions []model.ResolvedVersion) []string {
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.String()
	}
	return out
}
