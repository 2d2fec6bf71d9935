package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// In-memory store implementations. Used by tests and by single-node
// deployments running without Postgres.

type familyRecord struct {
	mu      sync.Mutex
	userID  string
	liveJTI string
	revoked bool
}

// MemoryFamilyStore keeps session families in an arena keyed by family id.
// The per-family mutex makes Rotate a compare-and-swap against the current
// live jti.
type MemoryFamilyStore struct {
	mu       sync.RWMutex
	families map[string]*familyRecord
	byUser   map[string][]string
}

var _ FamilyStore = (*MemoryFamilyStore)(nil)

func NewMemoryFamilyStore() *MemoryFamilyStore {
	return &MemoryFamilyStore{
		families: make(map[string]*familyRecord),
		byUser:   make(map[string][]string),
	}
}

func (s *MemoryFamilyStore) Register(ctx context.Context, familyID, userID, initialJTI string) error {
	if familyID == "" || userID == "" || initialJTI == "" {
		return fmt.Errorf("%w: family id, user id, and jti are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.families[familyID]; ok {
		return fmt.Errorf("%w: family %s already registered", ErrConflict, familyID)
	}
	s.families[familyID] = &familyRecord{userID: userID, liveJTI: initialJTI}
	s.byUser[userID] = append(s.byUser[userID], familyID)
	return nil
}

func (s *MemoryFamilyStore) Rotate(ctx context.Context, familyID, oldJTI, newJTI string) error {
	s.mu.RLock()
	rec, ok := s.families[familyID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: family %s", ErrNotFound, familyID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.revoked {
		return fmt.Errorf("%w: family revoked", ErrUnauthenticated)
	}
	if rec.liveJTI != oldJTI {
		return fmt.Errorf("%w: refresh token already used", ErrConflict)
	}
	rec.liveJTI = newJTI
	return nil
}

func (s *MemoryFamilyStore) Revoke(ctx context.Context, familyID string) error {
	s.mu.RLock()
	rec, ok := s.families[familyID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: family %s", ErrNotFound, familyID)
	}
	rec.mu.Lock()
	rec.revoked = true
	rec.mu.Unlock()
	return nil
}

func (s *MemoryFamilyStore) RevokeUser(ctx context.Context, userID string) error {
	s.mu.RLock()
	ids := append([]string(nil), s.byUser[userID]...)
	s.mu.RUnlock()
	for _, id := range ids {
		if err := s.Revoke(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryFamilyStore) Revoked(ctx context.Context, familyID string) (bool, error) {
	s.mu.RLock()
	rec, ok := s.families[familyID]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: family %s", ErrNotFound, familyID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.revoked, nil
}

// MemoryKeyStore keeps API keys in memory.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

var _ KeyStore = (*MemoryKeyStore)(nil)

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryKeyStore) Create(ctx context.Context, k *APIKey) error {
	if k == nil || k.ID == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return fmt.Errorf("%w: key %s already exists", ErrConflict, k.ID)
	}
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *MemoryKeyStore) Find(ctx context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: api key", ErrNotFound)
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryKeyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return fmt.Errorf("%w: api key", ErrNotFound)
	}
	delete(s.keys, id)
	return nil
}

func (s *MemoryKeyStore) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, k := range s.keys {
		if k.OwnerID == ownerID {
			delete(s.keys, id)
			n++
		}
	}
	return n, nil
}

// MemoryDirectory keeps users in memory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	users   map[string]*User
	byEmail map[string]string
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (d *MemoryDirectory) Create(ctx context.Context, u *User) error {
	if u == nil || u.ID == "" || u.Email == "" {
		return fmt.Errorf("%w: user id and email are required", ErrInvalidInput)
	}
	email := strings.ToLower(u.Email)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s already exists", ErrConflict, u.ID)
	}
	if _, ok := d.byEmail[email]; ok {
		return fmt.Errorf("%w: email already in use", ErrConflict)
	}
	now := time.Now().UTC()
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	d.users[cp.ID] = &cp
	d.byEmail[email] = cp.ID
	return nil
}

func (d *MemoryDirectory) Find(ctx context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (d *MemoryDirectory) FindByEmail(ctx context.Context, email string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	cp := *d.users[id]
	return &cp, nil
}

func (d *MemoryDirectory) UpdateRole(ctx context.Context, id string, role Role) error {
	return d.update(id, func(u *User) { u.Role = role })
}

func (d *MemoryDirectory) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return d.update(id, func(u *User) { u.PasswordHash = passwordHash })
}

func (d *MemoryDirectory) UpdateUsername(ctx context.Context, id, username string) error {
	return d.update(id, func(u *User) { u.Username = username })
}

func (d *MemoryDirectory) update(id string, fn func(*User)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *MemoryDirectory) Delete(ctx context.Context, ids []string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if _, ok := d.users[id]; !ok {
			return 0, fmt.Errorf("%w: some user ids could not be found", ErrNotFound)
		}
	}
	for _, id := range ids {
		delete(d.byEmail, strings.ToLower(d.users[id].Email))
		delete(d.users, id)
	}
	return len(ids), nil
}
