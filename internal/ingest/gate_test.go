package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"tracegate.org/internal/auth"
	"tracegate.org/internal/ids"
)

type gateFixture struct {
	gate     *Gate
	sessions *auth.SessionManager
	keys     *auth.KeyManager
	keyStore *auth.MemoryKeyStore
	dir      *auth.MemoryDirectory
	user     *auth.User
	clock    *time.Time
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	now := time.Now().UTC()
	clock := &now
	timeFn := func() time.Time { return *clock }

	dir := auth.NewMemoryDirectory()
	families := auth.NewMemoryFamilyStore()
	keyStore := auth.NewMemoryKeyStore()

	codec, err := auth.NewCodec(
		auth.KeyRing{Current: auth.SigningKey{KID: "k1", Secret: []byte("gate-test-secret")}},
		auth.WithCodecClock(timeFn),
	)
	if err != nil {
		t.Fatal(err)
	}

	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	user := &auth.User{ID: ids.New(), Role: auth.RoleMember, Username: "exp", Email: "exp@example.com", PasswordHash: hash}
	if err := dir.Create(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	sessions := auth.NewSessionManager(codec, families, dir)
	keys := auth.NewKeyManager(keyStore, "sys-0", auth.WithKeyClock(timeFn))
	return &gateFixture{
		gate:     NewGate(sessions, keys, dir),
		sessions: sessions,
		keys:     keys,
		keyStore: keyStore,
		dir:      dir,
		user:     user,
		clock:    clock,
	}
}

func TestGateAPIKey(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	bearer, key, err := fx.keys.Create(ctx, fx.user, auth.ScopeUser, "exporter", nil)
	if err != nil {
		t.Fatal(err)
	}

	got, method, err := fx.gate.Authenticate(ctx, bearer)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if method != MethodAPIKey || got.ID != fx.user.ID {
		t.Fatalf("unexpected resolution: %s %+v", method, got)
	}

	// Each attempt re-checks the store: the key dying between attempts
	// fails the next one.
	if err := fx.keys.Delete(ctx, fx.user, key.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := fx.gate.Authenticate(ctx, bearer); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("deleted key must stop authenticating, got %v", err)
	}
}

func TestGateExpiredAPIKey(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	expires := fx.clock.Add(time.Hour)
	bearer, _, err := fx.keys.Create(ctx, fx.user, auth.ScopeUser, "short", &expires)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := fx.gate.Authenticate(ctx, bearer); err != nil {
		t.Fatalf("key should work before expiry: %v", err)
	}

	*fx.clock = expires
	if _, _, err := fx.gate.Authenticate(ctx, bearer); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("key expiring exactly now must be rejected, got %v", err)
	}
}

func TestGateAccessToken(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	pair, _, err := fx.sessions.LogIn(ctx, "exp@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}

	got, method, err := fx.gate.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if method != MethodAccessToken || got.ID != fx.user.ID {
		t.Fatalf("unexpected resolution: %s %+v", method, got)
	}

	// Logout between attempts denies the next one.
	if err := fx.sessions.LogOut(ctx, pair.AccessToken); err != nil {
		t.Fatal(err)
	}
	if _, _, err := fx.gate.Authenticate(ctx, pair.AccessToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("revoked session must stop authenticating, got %v", err)
	}
}

func TestGateRejectsGarbage(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	for _, raw := range []string{"", "   ", "no-dots-at-all", "a.b.c.d", "refresh-shaped"} {
		if _, _, err := fx.gate.Authenticate(ctx, raw); !errors.Is(err, auth.ErrUnauthenticated) {
			t.Fatalf("Authenticate(%q): expected ErrUnauthenticated, got %v", raw, err)
		}
	}
}

func TestGateRejectsRefreshToken(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	pair, _, err := fx.sessions.LogIn(ctx, "exp@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	// A refresh token parses as a JWT but is not an access credential.
	if _, _, err := fx.gate.Authenticate(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("refresh token must not pass the gate, got %v", err)
	}
}

func TestGateDeletedOwner(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	bearer, _, err := fx.keys.Create(ctx, fx.user, auth.ScopeUser, "orphan", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.dir.Delete(ctx, []string{fx.user.ID}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := fx.gate.Authenticate(ctx, bearer); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("key owned by a deleted user must be rejected, got %v", err)
	}
}
