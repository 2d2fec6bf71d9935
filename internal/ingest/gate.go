package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tracegate.org/internal/auth"
	"tracegate.org/internal/obs"
)

// Credential methods reported by the gate.
const (
	MethodAPIKey      = "api_key"
	MethodAccessToken = "access_token"
)

// Gate is the ingestion authorization boundary. Every export attempt is
// checked independently against current credential state; nothing about a
// previous attempt is cached, so a key deleted or a session revoked between
// two attempts fails the second one.
type Gate struct {
	sessions *auth.SessionManager
	keys     *auth.KeyManager
	users    auth.Directory
}

// NewGate constructs a Gate.
func NewGate(sessions *auth.SessionManager, keys *auth.KeyManager, users auth.Directory) *Gate {
	return &Gate{sessions: sessions, keys: keys, users: users}
}

// Authenticate resolves a bearer credential to its subject. API keys are
// `id.secret` strings with one dot; JWTs carry two. Failures collapse into
// ErrUnauthenticated without saying which check failed.
func (g *Gate) Authenticate(ctx context.Context, credential string) (*auth.User, string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, "", auth.ErrUnauthenticated
	}

	switch strings.Count(credential, ".") {
	case 1:
		ownerID, err := g.keys.Authorize(ctx, credential)
		if err != nil {
			obs.APIKeyAuthTotal.WithLabelValues("denied").Inc()
			if errors.Is(err, auth.ErrUnavailable) {
				return nil, "", err
			}
			return nil, "", auth.ErrUnauthenticated
		}
		user, err := g.users.Find(ctx, ownerID)
		if err != nil {
			obs.APIKeyAuthTotal.WithLabelValues("denied").Inc()
			if errors.Is(err, auth.ErrNotFound) {
				return nil, "", auth.ErrUnauthenticated
			}
			return nil, "", fmt.Errorf("%w: owner lookup: %v", auth.ErrUnavailable, err)
		}
		obs.APIKeyAuthTotal.WithLabelValues("ok").Inc()
		return user, MethodAPIKey, nil
	case 2:
		user, err := g.sessions.ValidateAccess(ctx, credential)
		if err != nil {
			if errors.Is(err, auth.ErrUnavailable) {
				return nil, "", err
			}
			return nil, "", auth.ErrUnauthenticated
		}
		return user, MethodAccessToken, nil
	default:
		return nil, "", auth.ErrUnauthenticated
	}
}
