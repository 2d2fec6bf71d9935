package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tracegate.org/internal/audit"
	"tracegate.org/internal/auth"
	"tracegate.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	auth.TokenPair
	User *auth.User `json:"user,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, user, err := a.sessions.LogIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			obs.LoginsTotal.WithLabelValues("denied").Inc()
			// Identical failure whether the account exists or not.
			writeError(w, r, http.StatusUnauthorized, "invalid email or password")
			return
		}
		obs.LoginsTotal.WithLabelValues("error").Inc()
		writeAuthError(w, r, err)
		return
	}
	obs.LoginsTotal.WithLabelValues("ok").Inc()

	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"user_id": user.ID,
		"email":   strings.ToLower(strings.TrimSpace(req.Email)),
	})
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, User: user})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrConflict):
			// A consumed refresh token is a credential failure to the
			// caller, even though the core reports it as a conflict.
			obs.RefreshRotationsTotal.WithLabelValues("conflict").Inc()
			writeError(w, r, http.StatusUnauthorized, "refresh token already used")
		case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrTokenMalformed):
			obs.RefreshRotationsTotal.WithLabelValues("invalid").Inc()
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, auth.ErrUnauthenticated):
			obs.RefreshRotationsTotal.WithLabelValues("revoked").Inc()
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		default:
			obs.RefreshRotationsTotal.WithLabelValues("error").Inc()
			writeAuthError(w, r, err)
		}
		return
	}
	obs.RefreshRotationsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.sessions.LogOut(r.Context(), token); err != nil {
		writeAuthError(w, r, err)
		return
	}
	obs.FamilyRevocationsTotal.Inc()

	if user, ok := auth.UserFromContext(r.Context()); ok {
		_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"user_id": user.ID})
	}
	w.WriteHeader(http.StatusNoContent)
}
