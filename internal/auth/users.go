package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tracegate.org/internal/ids"
)

// UserService wraps the user directory with RBAC checks and the
// distinguished-identity invariants. Every mutation here is a thin gate
// around the Directory collaborator; the session and key stores are touched
// only to cascade revocation.
type UserService struct {
	dir      Directory
	families FamilyStore
	keys     KeyStore
	policy   Policy
	cfg      Config
}

// NewUserService constructs a UserService.
func NewUserService(dir Directory, families FamilyStore, keys KeyStore, cfg Config) *UserService {
	return &UserService{dir: dir, families: families, keys: keys, cfg: cfg}
}

// Create adds a user. Admin only; an absent actor is unauthenticated, not
// merely denied.
func (s *UserService) Create(ctx context.Context, actor *User, role Role, username, email, password string) (*User, error) {
	if actor == nil {
		return nil, ErrUnauthenticated
	}
	if err := s.policy.Allow(actor.Role, actor.ID, ActionUserCreate, ""); err != nil {
		return nil, err
	}
	if !role.Valid() || role == RoleSystem {
		return nil, fmt.Errorf("%w: role must be one of ADMIN, MEMBER, VIEWER", ErrInvalidInput)
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           ids.New(),
		Role:         role,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.dir.Create(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create user: %v", ErrUnavailable, err)
	}
	return user, nil
}

// UserPatch mutates another user's attributes; nil fields are untouched.
type UserPatch struct {
	Role     *Role
	Password *string
	Username *string
}

// PatchUser applies a patch to the target user. Each field is gated by its
// own policy action. Changing a password invalidates every session the
// target has open; self-targeted password changes are refused here and must
// go through PatchViewer, which verifies the current password.
func (s *UserService) PatchUser(ctx context.Context, actor *User, targetID string, patch UserPatch) error {
	if actor == nil {
		return ErrUnauthenticated
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return fmt.Errorf("%w: target user id is required", ErrInvalidInput)
	}
	if _, err := s.dir.Find(ctx, targetID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: user lookup: %v", ErrUnavailable, err)
	}

	if patch.Role != nil {
		if err := s.policy.Allow(actor.Role, actor.ID, ActionRoleChange, targetID); err != nil {
			return err
		}
		if !patch.Role.Valid() || *patch.Role == RoleSystem {
			return fmt.Errorf("%w: role must be one of ADMIN, MEMBER, VIEWER", ErrInvalidInput)
		}
		if targetID == s.cfg.SystemUserID {
			return fmt.Errorf("%w: cannot change the system user's role", ErrInvariant)
		}
		if targetID == s.cfg.DefaultAdminID && *patch.Role != RoleAdmin {
			return fmt.Errorf("%w: cannot downgrade the default admin user", ErrInvariant)
		}
		if err := s.dir.UpdateRole(ctx, targetID, *patch.Role); err != nil {
			return fmt.Errorf("%w: update role: %v", ErrUnavailable, err)
		}
	}

	if patch.Password != nil {
		if err := s.policy.Allow(actor.Role, actor.ID, ActionPasswordChange, targetID); err != nil {
			return err
		}
		// Changing your own password must prove the current one; that path
		// is PatchViewer. A bare access token is not enough.
		if actor.ID == targetID {
			return fmt.Errorf("%w: changing your own password requires the current password", ErrInvalidInput)
		}
		if strings.TrimSpace(*patch.Password) == "" {
			return fmt.Errorf("%w: password is required", ErrInvalidInput)
		}
		hash, err := HashPassword(*patch.Password)
		if err != nil {
			return err
		}
		if err := s.dir.UpdatePassword(ctx, targetID, hash); err != nil {
			return fmt.Errorf("%w: update password: %v", ErrUnavailable, err)
		}
		// Tokens minted against the old password die with it.
		if err := s.families.RevokeUser(ctx, targetID); err != nil {
			return fmt.Errorf("%w: revoke sessions: %v", ErrUnavailable, err)
		}
	}

	if patch.Username != nil {
		if err := s.policy.Allow(actor.Role, actor.ID, ActionUsernameChange, targetID); err != nil {
			return err
		}
		username := strings.TrimSpace(*patch.Username)
		if username == "" {
			return fmt.Errorf("%w: username is required", ErrInvalidInput)
		}
		if err := s.dir.UpdateUsername(ctx, targetID, username); err != nil {
			return fmt.Errorf("%w: update username: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// ViewerPatch mutates the acting user's own profile.
type ViewerPatch struct {
	CurrentPassword string
	NewPassword     *string
	NewUsername     *string
}

// PatchViewer is the self-service path. A password change demands the
// correct current password and logs the user out everywhere; a username
// change needs no password at all.
func (s *UserService) PatchViewer(ctx context.Context, actor *User, patch ViewerPatch) error {
	if actor == nil {
		return ErrUnauthenticated
	}

	if patch.NewPassword != nil {
		if patch.CurrentPassword == "" {
			return fmt.Errorf("%w: current password is required", ErrInvalidInput)
		}
		if err := VerifyPassword(actor.PasswordHash, patch.CurrentPassword); err != nil {
			return ErrUnauthenticated
		}
		if strings.TrimSpace(*patch.NewPassword) == "" {
			return fmt.Errorf("%w: new password is required", ErrInvalidInput)
		}
		hash, err := HashPassword(*patch.NewPassword)
		if err != nil {
			return err
		}
		if err := s.dir.UpdatePassword(ctx, actor.ID, hash); err != nil {
			return fmt.Errorf("%w: update password: %v", ErrUnavailable, err)
		}
		if err := s.families.RevokeUser(ctx, actor.ID); err != nil {
			return fmt.Errorf("%w: revoke sessions: %v", ErrUnavailable, err)
		}
	}

	if patch.NewUsername != nil {
		username := strings.TrimSpace(*patch.NewUsername)
		if username == "" {
			return fmt.Errorf("%w: username is required", ErrInvalidInput)
		}
		if err := s.dir.UpdateUsername(ctx, actor.ID, username); err != nil {
			return fmt.Errorf("%w: update username: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Delete removes a batch of users, all or nothing. Targeting the system or
// default admin identity is a hard Invariant error naming the identity: a
// caller-side bug, not a policy denial. Deleted users lose every open
// session and API key.
func (s *UserService) Delete(ctx context.Context, actor *User, userIDs ...string) (int, error) {
	if actor == nil {
		return 0, ErrUnauthenticated
	}
	if err := s.policy.Allow(actor.Role, actor.ID, ActionUserDelete, ""); err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, fmt.Errorf("%w: at least one user id is required", ErrInvalidInput)
	}
	for _, id := range userIDs {
		switch id {
		case s.cfg.SystemUserID:
			return 0, fmt.Errorf("%w: cannot delete the system user", ErrInvariant)
		case s.cfg.DefaultAdminID:
			return 0, fmt.Errorf("%w: cannot delete the default admin user", ErrInvariant)
		}
	}
	n, err := s.dir.Delete(ctx, userIDs)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: delete users: %v", ErrUnavailable, err)
	}
	for _, id := range userIDs {
		if err := s.families.RevokeUser(ctx, id); err != nil {
			return n, fmt.Errorf("%w: revoke sessions: %v", ErrUnavailable, err)
		}
		if _, err := s.keys.DeleteByOwner(ctx, id); err != nil {
			return n, fmt.Errorf("%w: delete api keys: %v", ErrUnavailable, err)
		}
	}
	return n, nil
}

// Bootstrap ensures the distinguished identities exist and returns the
// resolved Config. The system user carries no password and can never log in.
func Bootstrap(ctx context.Context, dir Directory, adminEmail, adminPassword string) (Config, error) {
	var cfg Config

	system, err := dir.FindByEmail(ctx, "system@tracegate.internal")
	switch {
	case err == nil:
		cfg.SystemUserID = system.ID
	case errors.Is(err, ErrNotFound):
		u := &User{
			ID:       ids.New(),
			Role:     RoleSystem,
			Username: "system",
			Email:    "system@tracegate.internal",
		}
		if err := dir.Create(ctx, u); err != nil {
			return Config{}, fmt.Errorf("bootstrap system user: %w", err)
		}
		cfg.SystemUserID = u.ID
	default:
		return Config{}, fmt.Errorf("bootstrap system user: %w", err)
	}

	adminEmail = strings.TrimSpace(strings.ToLower(adminEmail))
	if adminEmail == "" || adminPassword == "" {
		return Config{}, fmt.Errorf("%w: default admin credentials are required", ErrInvalidInput)
	}
	admin, err := dir.FindByEmail(ctx, adminEmail)
	switch {
	case err == nil:
		cfg.DefaultAdminID = admin.ID
	case errors.Is(err, ErrNotFound):
		hash, err := HashPassword(adminPassword)
		if err != nil {
			return Config{}, err
		}
		u := &User{
			ID:           ids.New(),
			Role:         RoleAdmin,
			Username:     "admin",
			Email:        adminEmail,
			PasswordHash: hash,
		}
		if err := dir.Create(ctx, u); err != nil {
			return Config{}, fmt.Errorf("bootstrap default admin: %w", err)
		}
		cfg.DefaultAdminID = u.ID
	default:
		return Config{}, fmt.Errorf("bootstrap default admin: %w", err)
	}
	return cfg, nil
}
