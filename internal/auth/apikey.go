package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"tracegate.org/internal/ids"
)

// KeyManager owns the API key lifecycle. Keys are `id.secret` bearer
// strings; only the secret's sha256 digest is stored.
type KeyManager struct {
	store        KeyStore
	policy       Policy
	now          func() time.Time
	systemUserID string
}

// KeyOption configures KeyManager behavior.
type KeyOption func(*KeyManager)

// WithKeyClock overrides the time source (useful for tests).
func WithKeyClock(fn func() time.Time) KeyOption {
	return func(m *KeyManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewKeyManager constructs a KeyManager. systemUserID is the distinguished
// system identity that owns SYSTEM-scoped keys.
func NewKeyManager(store KeyStore, systemUserID string, opts ...KeyOption) *KeyManager {
	m := &KeyManager{store: store, now: time.Now, systemUserID: systemUserID}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create issues a key for the actor (USER scope) or the system identity
// (SYSTEM scope, admin only). The bearer secret is returned exactly once; a
// nil expiresAt means the key never expires.
func (m *KeyManager) Create(ctx context.Context, actor *User, scope KeyScope, name string, expiresAt *time.Time) (string, *APIKey, error) {
	if actor == nil {
		return "", nil, ErrUnauthenticated
	}

	var ownerID string
	switch scope {
	case ScopeUser:
		if err := m.policy.Allow(actor.Role, actor.ID, ActionUserKeyCreate, actor.ID); err != nil {
			return "", nil, err
		}
		ownerID = actor.ID
	case ScopeSystem:
		if err := m.policy.Allow(actor.Role, actor.ID, ActionSystemKeyCreate, ""); err != nil {
			return "", nil, err
		}
		ownerID = m.systemUserID
	default:
		return "", nil, fmt.Errorf("%w: unknown key scope %q", ErrInvalidInput, scope)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	key := &APIKey{
		ID:         ids.New(),
		OwnerID:    ownerID,
		Scope:      scope,
		Name:       strings.TrimSpace(name),
		SecretHash: hashKeySecret(secret),
		ExpiresAt:  expiresAt,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("%w: persist key: %v", ErrUnavailable, err)
	}
	return key.ID + "." + secret, key, nil
}

// Delete removes a key irreversibly. Owners may delete their own USER keys;
// everything else requires ADMIN.
func (m *KeyManager) Delete(ctx context.Context, actor *User, keyID string) error {
	if actor == nil {
		return ErrUnauthenticated
	}
	key, err := m.store.Find(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: key lookup: %v", ErrUnavailable, err)
	}
	if err := m.policy.Allow(actor.Role, actor.ID, ActionAPIKeyDelete, key.OwnerID); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, keyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: delete key: %v", ErrUnavailable, err)
	}
	return nil
}

// Authorize validates a bearer key string and resolves its subject. The
// check runs per use, never from a cache: a deleted key fails immediately,
// and a key expiring exactly now is already expired.
func (m *KeyManager) Authorize(ctx context.Context, bearer string) (string, error) {
	id, secret, err := splitBearerKey(bearer)
	if err != nil {
		return "", ErrUnauthenticated
	}
	key, err := m.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrUnauthenticated
		}
		return "", fmt.Errorf("%w: key lookup: %v", ErrUnavailable, err)
	}
	if !compareKeySecret(key.SecretHash, secret) {
		return "", ErrUnauthenticated
	}
	if key.ExpiresAt != nil && !m.now().UTC().Before(*key.ExpiresAt) {
		return "", ErrUnauthenticated
	}
	return key.OwnerID, nil
}

func splitBearerKey(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid api key format")
	}
	return parts[0], parts[1], nil
}

func hashKeySecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func compareKeySecret(expectedHash, secret string) bool {
	actual := hashKeySecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
