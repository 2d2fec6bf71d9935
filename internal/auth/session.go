package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tracegate.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// SessionManager orchestrates login, refresh, and logout, composing the
// codec and the family store. Per family it moves through
// ACTIVE -> (rotated) -> REVOKED; rotation invalidates only the consumed
// refresh token, revocation kills the whole family.
type SessionManager struct {
	codec      *Codec
	families   FamilyStore
	users      Directory
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// SessionOption configures SessionManager behavior.
type SessionOption func(*SessionManager)

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
	}
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(codec *Codec, families FamilyStore, users Directory, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		codec:      codec,
		families:   families,
		users:      users,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TokenPair carries one session's current credentials.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LogIn authenticates credentials and opens a new session family. Bad
// credentials fail identically whether or not the user exists; an empty
// password never authenticates. Concurrent logins by the same user create
// independent families.
func (m *SessionManager) LogIn(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrUnauthenticated
	}
	user, err := m.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn a comparison so unknown accounts cost the same as wrong
			// passwords and response timing leaks nothing.
			_ = VerifyPassword(loginDummyHash, password)
			return TokenPair{}, nil, ErrUnauthenticated
		}
		return TokenPair{}, nil, fmt.Errorf("%w: user lookup: %v", ErrUnavailable, err)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrUnauthenticated
	}
	pair, err := m.mint(ctx, user.ID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}

func (m *SessionManager) mint(ctx context.Context, subject string) (TokenPair, error) {
	familyID := ids.New()
	access, accessClaims, err := m.codec.Issue(subject, TokenAccess, familyID, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshClaims, err := m.codec.Issue(subject, TokenRefresh, familyID, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	// The family becomes visible only after registration; if this fails the
	// minted tokens reference an unknown family and can never validate.
	if err := m.families.Register(ctx, familyID, subject, refreshClaims.ID); err != nil {
		return TokenPair{}, fmt.Errorf("%w: register family: %v", ErrUnavailable, err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}, nil
}

// Refresh exchanges a refresh token for a fresh pair. The consumed refresh
// token dies with the exchange; access tokens issued before the call stay
// valid until their own expiry unless the family is revoked. A reused or
// superseded refresh token fails with ErrConflict, a revoked family with
// ErrUnauthenticated.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := m.codec.Verify(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.Kind != TokenRefresh || claims.FamilyID == "" {
		return TokenPair{}, ErrTokenMalformed
	}

	access, accessClaims, err := m.codec.Issue(claims.Subject, TokenAccess, claims.FamilyID, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshClaims, err := m.codec.Issue(claims.Subject, TokenRefresh, claims.FamilyID, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	// The rotation is the transaction: either the store swaps the live jti
	// or the freshly minted pair is discarded.
	if err := m.families.Rotate(ctx, claims.FamilyID, claims.ID, refreshClaims.ID); err != nil {
		switch {
		case errors.Is(err, ErrConflict), errors.Is(err, ErrUnauthenticated):
			return TokenPair{}, err
		case errors.Is(err, ErrNotFound):
			return TokenPair{}, ErrUnauthenticated
		default:
			return TokenPair{}, fmt.Errorf("%w: rotate family: %v", ErrUnavailable, err)
		}
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}, nil
}

// LogOut revokes the presented access token's entire family: every access
// and refresh token ever issued under it fails on next use. Logging out an
// already-revoked family succeeds as a no-op.
func (m *SessionManager) LogOut(ctx context.Context, accessToken string) error {
	claims, err := m.codec.Verify(accessToken)
	if err != nil {
		return err
	}
	if claims.Kind != TokenAccess || claims.FamilyID == "" {
		return ErrTokenMalformed
	}
	if err := m.families.Revoke(ctx, claims.FamilyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthenticated
		}
		return fmt.Errorf("%w: revoke family: %v", ErrUnavailable, err)
	}
	return nil
}

// ValidateAccess re-derives token validity on every call: signature, expiry,
// family revocation, and subject existence. Nothing is memoized; a logout or
// user deletion in one request denies a concurrently in-flight request as
// soon as its validation executes.
func (m *SessionManager) ValidateAccess(ctx context.Context, accessToken string) (*User, error) {
	claims, err := m.codec.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != TokenAccess || claims.FamilyID == "" {
		return nil, ErrTokenMalformed
	}
	revoked, err := m.families.Revoked(ctx, claims.FamilyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("%w: family lookup: %v", ErrUnavailable, err)
	}
	if revoked {
		return nil, ErrUnauthenticated
	}
	user, err := m.users.Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("%w: user lookup: %v", ErrUnavailable, err)
	}
	return user, nil
}
