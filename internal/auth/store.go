package auth

import "context"

// Directory is the external user-lookup collaborator. Implementations may
// suspend on I/O; callers supply deadlines through ctx.
type Directory interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdateRole(ctx context.Context, id string, role Role) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateUsername(ctx context.Context, id, username string) error
	// Delete removes the whole batch or nothing. Any unresolvable id fails
	// the call with ErrNotFound and leaves every listed user in place.
	Delete(ctx context.Context, ids []string) (int, error)
}

// FamilyStore tracks the live refresh jti and revocation state per session
// family. At most one refresh jti is live per family at any time.
type FamilyStore interface {
	Register(ctx context.Context, familyID, userID, initialJTI string) error
	// Rotate atomically swaps the live jti. Of N concurrent callers
	// presenting the same oldJTI exactly one succeeds; the rest get
	// ErrConflict. A jti that is not the current live one fails with
	// ErrConflict even if it was never presented before.
	Rotate(ctx context.Context, familyID, oldJTI, newJTI string) error
	// Revoke is terminal and idempotent. The new state must be visible to
	// every subsequent Rotate/Revoked call.
	Revoke(ctx context.Context, familyID string) error
	RevokeUser(ctx context.Context, userID string) error
	Revoked(ctx context.Context, familyID string) (bool, error)
}

// KeyStore persists API keys.
type KeyStore interface {
	Create(ctx context.Context, k *APIKey) error
	Find(ctx context.Context, id string) (*APIKey, error)
	Delete(ctx context.Context, id string) error
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)
}
