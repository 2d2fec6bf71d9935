package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role determines which mutations a user may perform.
type Role string

const (
	RoleSystem Role = "SYSTEM"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

// ParseRole normalizes and validates a role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return role, nil
}

// Valid reports whether the role is one of the enumerated set.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// User is a human or service account. Exactly one user carries the system
// identity and exactly one the default admin identity; both are pinned in
// Config and protected from deletion.
type User struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenKind distinguishes access from refresh credentials.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// KeyScope says whether an API key authenticates a specific user or the
// system identity.
type KeyScope string

const (
	ScopeUser   KeyScope = "USER"
	ScopeSystem KeyScope = "SYSTEM"
)

// ParseKeyScope normalizes and validates an API key scope.
func ParseKeyScope(raw string) (KeyScope, error) {
	scope := KeyScope(strings.ToUpper(strings.TrimSpace(raw)))
	switch scope {
	case ScopeUser, ScopeSystem:
		return scope, nil
	}
	return "", fmt.Errorf("%w: unknown key scope %q", ErrInvalidInput, raw)
}

// APIKey is a long-lived credential scoped to exactly one subject. A nil
// ExpiresAt means the key never expires.
type APIKey struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Scope      KeyScope   `json:"scope"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Family is one login's rotation chain. Refresh tokens carry only the family
// id, never a reference to prior tokens; all tokens in a family share one
// revocation fate.
type Family struct {
	ID        string
	UserID    string
	LiveJTI   string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Config pins the distinguished identities, resolved once at startup and
// checked by value inside the delete and role-change paths.
type Config struct {
	SystemUserID   string
	DefaultAdminID string
}
