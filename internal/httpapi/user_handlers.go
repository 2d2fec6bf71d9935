package httpapi

import (
	"net/http"
	"strings"

	"tracegate.org/internal/audit"
	"tracegate.org/internal/auth"
)

type createUserRequest struct {
	Role     string `json:"role"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type patchUserRequest struct {
	Role     *string `json:"role,omitempty"`
	Password *string `json:"password,omitempty"`
	Username *string `json:"username,omitempty"`
}

type deleteUsersRequest struct {
	UserIDs []string `json:"user_ids"`
}

type patchMeRequest struct {
	CurrentPassword string  `json:"current_password,omitempty"`
	NewPassword     *string `json:"new_password,omitempty"`
	NewUsername     *string `json:"new_username,omitempty"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createUser(w, r)
	case http.MethodDelete:
		a.deleteUsers(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		a.patchUser(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodPatch)
	}
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFromContext(r.Context())

	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	user, err := a.users.Create(r.Context(), actor, role, req.Username, req.Email, req.Password)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "users.create", map[string]any{
		"user_id": user.ID,
		"role":    string(user.Role),
	})
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) patchUser(w http.ResponseWriter, r *http.Request, targetID string) {
	actor, _ := auth.UserFromContext(r.Context())

	var req patchUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	patch := auth.UserPatch{Password: req.Password, Username: req.Username}
	if req.Role != nil {
		role, err := auth.ParseRole(*req.Role)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		patch.Role = &role
	}

	if err := a.users.PatchUser(r.Context(), actor, targetID, patch); err != nil {
		writeAuthError(w, r, err)
		return
	}

	fields := map[string]any{"target_id": targetID}
	if patch.Role != nil {
		fields["role"] = string(*patch.Role)
	}
	if patch.Password != nil {
		fields["password_changed"] = true
	}
	if patch.Username != nil {
		fields["username_changed"] = true
	}
	_ = audit.LogEvent(r.Context(), "users.patch", fields)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteUsers(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFromContext(r.Context())

	var req deleteUsersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	n, err := a.users.Delete(r.Context(), actor, req.UserIDs...)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "users.delete", map[string]any{
		"user_ids": req.UserIDs,
		"deleted":  n,
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, actor)
	case http.MethodPatch:
		var req patchMeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		patch := auth.ViewerPatch{
			CurrentPassword: req.CurrentPassword,
			NewPassword:     req.NewPassword,
			NewUsername:     req.NewUsername,
		}
		if err := a.users.PatchViewer(r.Context(), actor, patch); err != nil {
			writeAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "users.patch_self", map[string]any{
			"password_changed": req.NewPassword != nil,
			"username_changed": req.NewUsername != nil,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}
