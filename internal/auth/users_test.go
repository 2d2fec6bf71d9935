package auth

import (
	"context"
	"errors"
	"testing"
)

type userFixture struct {
	svc      *UserService
	dir      *MemoryDirectory
	families *MemoryFamilyStore
	keys     *MemoryKeyStore
	cfg      Config
	admin    *User
}

func newUserFixture(t *testing.T) *userFixture {
	t.Helper()
	ctx := context.Background()
	dir := NewMemoryDirectory()
	families := NewMemoryFamilyStore()
	keys := NewMemoryKeyStore()

	cfg, err := Bootstrap(ctx, dir, "admin@example.com", "admin-password")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	admin, err := dir.Find(ctx, cfg.DefaultAdminID)
	if err != nil {
		t.Fatal(err)
	}
	return &userFixture{
		svc:      NewUserService(dir, families, keys, cfg),
		dir:      dir,
		families: families,
		keys:     keys,
		cfg:      cfg,
		admin:    admin,
	}
}

func (fx *userFixture) mustCreate(t *testing.T, role Role, username, email string) *User {
	t.Helper()
	u, err := fx.svc.Create(context.Background(), fx.admin, role, username, email, "password123")
	if err != nil {
		t.Fatalf("create %s: %v", email, err)
	}
	return u
}

func TestBootstrap(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()

	system, err := fx.dir.Find(ctx, fx.cfg.SystemUserID)
	if err != nil {
		t.Fatalf("system user missing: %v", err)
	}
	if system.Role != RoleSystem || system.PasswordHash != "" {
		t.Fatalf("system user should be passwordless with the SYSTEM role: %+v", system)
	}
	if fx.admin.Role != RoleAdmin {
		t.Fatalf("default admin should be ADMIN, got %s", fx.admin.Role)
	}

	// Bootstrapping again resolves the same identities.
	again, err := Bootstrap(ctx, fx.dir, "admin@example.com", "admin-password")
	if err != nil {
		t.Fatalf("repeat bootstrap: %v", err)
	}
	if again != fx.cfg {
		t.Fatalf("bootstrap is not idempotent: %+v vs %+v", again, fx.cfg)
	}
}

func TestUserCreate(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()

	member := fx.mustCreate(t, RoleMember, "mel", "mel@example.com")
	if member.Role != RoleMember {
		t.Fatalf("unexpected role %s", member.Role)
	}

	// Only admins create users.
	if _, err := fx.svc.Create(ctx, member, RoleViewer, "v", "v@example.com", "pw"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := fx.svc.Create(ctx, nil, RoleViewer, "v", "v@example.com", "pw"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	// The SYSTEM role can never be handed out.
	if _, err := fx.svc.Create(ctx, fx.admin, RoleSystem, "s", "s@example.com", "pw"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for SYSTEM role, got %v", err)
	}

	for _, tc := range []struct{ username, email, password string }{
		{"", "x@example.com", "pw"},
		{"x", "not-an-email", "pw"},
		{"x", "x@example.com", ""},
	} {
		if _, err := fx.svc.Create(ctx, fx.admin, RoleViewer, tc.username, tc.email, tc.password); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Create(%q,%q): expected ErrInvalidInput, got %v", tc.username, tc.email, err)
		}
	}

	// Duplicate emails conflict.
	if _, err := fx.svc.Create(ctx, fx.admin, RoleViewer, "dup", "mel@example.com", "pw"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a duplicate email, got %v", err)
	}
}

func TestPatchUserRole(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()
	member := fx.mustCreate(t, RoleMember, "mel", "mel@example.com")

	promote := RoleAdmin
	if err := fx.svc.PatchUser(ctx, fx.admin, member.ID, UserPatch{Role: &promote}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, _ := fx.dir.Find(ctx, member.ID)
	if got.Role != RoleAdmin {
		t.Fatalf("role not applied: %s", got.Role)
	}

	// Members cannot change roles, not even their own.
	demote := RoleViewer
	if err := fx.svc.PatchUser(ctx, member, member.ID, UserPatch{Role: &demote}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	// The distinguished identities are pinned.
	if err := fx.svc.PatchUser(ctx, fx.admin, fx.cfg.SystemUserID, UserPatch{Role: &demote}); !errors.Is(err, ErrInvariant) {
		t.Fatalf("system role change should be an invariant error, got %v", err)
	}
	if err := fx.svc.PatchUser(ctx, fx.admin, fx.cfg.DefaultAdminID, UserPatch{Role: &demote}); !errors.Is(err, ErrInvariant) {
		t.Fatalf("default admin downgrade should be an invariant error, got %v", err)
	}
	keep := RoleAdmin
	if err := fx.svc.PatchUser(ctx, fx.admin, fx.cfg.DefaultAdminID, UserPatch{Role: &keep}); err != nil {
		t.Fatalf("re-asserting ADMIN on the default admin should pass: %v", err)
	}

	system := RoleSystem
	if err := fx.svc.PatchUser(ctx, fx.admin, member.ID, UserPatch{Role: &system}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("granting SYSTEM should be invalid, got %v", err)
	}

	if err := fx.svc.PatchUser(ctx, fx.admin, "missing", UserPatch{Role: &promote}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPatchUserPasswordRevokesSessions(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()
	member := fx.mustCreate(t, RoleMember, "mel", "mel@example.com")

	if err := fx.families.Register(ctx, "fam-1", member.ID, "jti-1"); err != nil {
		t.Fatal(err)
	}
	if err := fx.families.Register(ctx, "fam-2", member.ID, "jti-2"); err != nil {
		t.Fatal(err)
	}

	newPassword := "rotated-password"
	if err := fx.svc.PatchUser(ctx, fx.admin, member.ID, UserPatch{Password: &newPassword}); err != nil {
		t.Fatalf("PatchUser: %v", err)
	}

	for _, fam := range []string{"fam-1", "fam-2"} {
		revoked, err := fx.families.Revoked(ctx, fam)
		if err != nil {
			t.Fatal(err)
		}
		if !revoked {
			t.Fatalf("family %s should be revoked after a password change", fam)
		}
	}
	got, _ := fx.dir.Find(ctx, member.ID)
	if err := VerifyPassword(got.PasswordHash, newPassword); err != nil {
		t.Fatalf("new password should verify: %v", err)
	}
}

func TestPatchUserRejectsOwnPassword(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()
	member := fx.mustCreate(t, RoleMember, "mel", "mel@example.com")
	if err := fx.families.Register(ctx, "fam-1", member.ID, "jti-1"); err != nil {
		t.Fatal(err)
	}

	// A bare access token must never be enough to take over the account:
	// self-targeted password changes go through PatchViewer, which demands
	// the current password.
	next := "taken-over"
	for _, actor := range []*User{member, fx.admin} {
		target := actor.ID
		if err := fx.svc.PatchUser(ctx, actor, target, UserPatch{Password: &next}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("self password patch as %s: expected ErrInvalidInput, got %v", actor.Role, err)
		}
	}

	got, _ := fx.dir.Find(ctx, member.ID)
	if err := VerifyPassword(got.PasswordHash, "password123"); err != nil {
		t.Fatalf("old password must still verify: %v", err)
	}
	if err := VerifyPassword(got.PasswordHash, next); err == nil {
		t.Fatal("rejected password must not take effect")
	}
	if revoked, _ := fx.families.Revoked(ctx, "fam-1"); revoked {
		t.Fatal("a rejected patch must not revoke sessions")
	}
}

func TestPatchUserUsername(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()
	member := fx.mustCreate(t, RoleMember, "mel", "mel@example.com")
	if err := fx.families.Register(ctx, "fam-1", member.ID, "jti-1"); err != nil {
		t.Fatal(err)
	}

	name := "melisandre"
	if err := fx.svc.PatchUser(ctx, fx.admin, member.ID, UserPatch{Username: &name}); err != nil {
		t.Fatalf("PatchUser: %v", err)
	}
	got, _ := fx.dir.Find(ctx, member.ID)
	if got.Username != "melisandre" {
		t.Fatalf("username not applied: %s", got.Username)
	}
	// A username change leaves sessions alone.
	if revoked, _ := fx.families.Revoked(ctx, "fam-1"); revoked {
		t.Fatal("username change must not revoke sessions")
	}
}

func TestPatchViewerPassword(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()
	member := fx.mustCreate(t, RoleMember, "mel", "mel@example.com")
	if err := fx.families.Register(ctx, "fam-1", member.ID, "jti-1"); err != nil {
		t.Fatal(err)
	}

	next := "brand-new-password"

	// Missing current password is an input error, wrong one is unauthenticated.
	if err := fx.svc.PatchViewer(ctx, member, ViewerPatch{NewPassword: &next}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := fx.svc.PatchViewer(ctx, member, ViewerPatch{CurrentPassword: "wrong", NewPassword: &next}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	if err := fx.svc.PatchViewer(ctx, member, ViewerPatch{CurrentPassword: "password123", NewPassword: &next}); err != nil {
		t.Fatalf("PatchViewer: %v", err)
	}
	if revoked, _ := fx.families.Revoked(ctx, "fam-1"); !revoked {
		t.Fatal("self-service password change must log the user out everywhere")
	}
	got, _ := fx.dir.Find(ctx, member.ID)
	if err := VerifyPassword(got.PasswordHash, next); err != nil {
		t.Fatalf("new password should verify: %v", err)
	}
}

func TestPatchViewerUsernameNeedsNoPassword(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()
	member := fx.mustCreate(t, RoleMember, "mel", "mel@example.com")
	if err := fx.families.Register(ctx, "fam-1", member.ID, "jti-1"); err != nil {
		t.Fatal(err)
	}

	name := "renamed"
	if err := fx.svc.PatchViewer(ctx, member, ViewerPatch{NewUsername: &name}); err != nil {
		t.Fatalf("PatchViewer: %v", err)
	}
	got, _ := fx.dir.Find(ctx, member.ID)
	if got.Username != "renamed" {
		t.Fatalf("username not applied: %s", got.Username)
	}
	if revoked, _ := fx.families.Revoked(ctx, "fam-1"); revoked {
		t.Fatal("username change must not revoke sessions")
	}
}

func TestDeleteUsers(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()
	a := fx.mustCreate(t, RoleMember, "a", "a@example.com")
	b := fx.mustCreate(t, RoleViewer, "b", "b@example.com")

	if err := fx.families.Register(ctx, "fam-a", a.ID, "jti-a"); err != nil {
		t.Fatal(err)
	}
	if err := fx.keys.Create(ctx, &APIKey{ID: "key-a", OwnerID: a.ID, Scope: ScopeUser, SecretHash: "h"}); err != nil {
		t.Fatal(err)
	}

	// Only admins delete.
	if _, err := fx.svc.Delete(ctx, a, b.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	n, err := fx.svc.Delete(ctx, fx.admin, a.ID, b.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}
	if _, err := fx.dir.Find(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("user a should be gone")
	}
	// The cascade runs.
	if revoked, _ := fx.families.Revoked(ctx, "fam-a"); !revoked {
		t.Fatal("deleted user's sessions should be revoked")
	}
	if _, err := fx.keys.Find(ctx, "key-a"); !errors.Is(err, ErrNotFound) {
		t.Fatal("deleted user's api keys should be gone")
	}
}

func TestDeleteUsersAllOrNothing(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()
	a := fx.mustCreate(t, RoleMember, "a", "a@example.com")

	_, err := fx.svc.Delete(ctx, fx.admin, a.ID, "no-such-user")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// The valid half of the batch survives.
	if _, err := fx.dir.Find(ctx, a.ID); err != nil {
		t.Fatalf("user a should survive a failed batch: %v", err)
	}
}

func TestDeleteProtectedIdentities(t *testing.T) {
	fx := newUserFixture(t)
	ctx := context.Background()
	a := fx.mustCreate(t, RoleMember, "a", "a@example.com")

	for name, id := range map[string]string{
		"system user":   fx.cfg.SystemUserID,
		"default admin": fx.cfg.DefaultAdminID,
	} {
		if _, err := fx.svc.Delete(ctx, fx.admin, id); !errors.Is(err, ErrInvariant) {
			t.Fatalf("deleting the %s should be an invariant error, got %v", name, err)
		}
		// Even buried in a batch, and without touching the rest of it.
		if _, err := fx.svc.Delete(ctx, fx.admin, a.ID, id); !errors.Is(err, ErrInvariant) {
			t.Fatalf("batched %s delete should be an invariant error, got %v", name, err)
		}
		if _, err := fx.dir.Find(ctx, a.ID); err != nil {
			t.Fatalf("batch containing the %s must not delete anyone: %v", name, err)
		}
	}
}
