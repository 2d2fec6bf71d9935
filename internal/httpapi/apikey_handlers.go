package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tracegate.org/internal/audit"
	"tracegate.org/internal/auth"
)

type createKeyRequest struct {
	Scope     string     `json:"scope"`
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createKeyResponse struct {
	Key    string       `json:"key"`
	APIKey *auth.APIKey `json:"api_key"`
}

func (a *API) handleKeysCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createKey(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleKeyResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/api-keys/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		a.deleteKey(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) createKey(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFromContext(r.Context())

	var req createKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := auth.ParseKeyScope(req.Scope)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	bearer, key, err := a.keys.Create(r.Context(), actor, scope, req.Name, req.ExpiresAt)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "apikey.create", map[string]any{
		"key_id": key.ID,
		"scope":  string(key.Scope),
	})
	// The plaintext key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: bearer, APIKey: key})
}

func (a *API) deleteKey(w http.ResponseWriter, r *http.Request, id string) {
	actor, _ := auth.UserFromContext(r.Context())

	if err := a.keys.Delete(r.Context(), actor, id); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "apikey.delete", map[string]any{"key_id": id})
	w.WriteHeader(http.StatusNoContent)
}
