package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgreSQL-backed implementations of the auth stores. Connections come in
// through database/sql over the pgx stdlib driver.
//
// Schema:
//
//	users(id, role, username, email, password_hash, created_at, updated_at)
//	session_families(id, user_id, live_jti, created_at, revoked_at)
//	api_keys(id, owner_id, scope, name, secret_hash, expires_at, created_at)

// PGDirectory implements Directory on PostgreSQL.
type PGDirectory struct {
	db *sql.DB
}

var _ Directory = (*PGDirectory)(nil)

func NewPGDirectory(db *sql.DB) *PGDirectory { return &PGDirectory{db: db} }

func (d *PGDirectory) Create(ctx context.Context, u *User) error {
	_, err := d.db.ExecContext(ctx,
		`insert into users(id, role, username, email, password_hash, created_at, updated_at)
		 values($1,$2,$3,$4,$5,now(),now())`,
		u.ID, string(u.Role), u.Username, strings.ToLower(u.Email), u.PasswordHash,
	)
	return err
}

const userColumns = `id, role, username, email, password_hash, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &role, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func (d *PGDirectory) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(d.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (d *PGDirectory) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(d.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, strings.ToLower(email)))
}

func (d *PGDirectory) UpdateRole(ctx context.Context, id string, role Role) error {
	return d.exec(ctx, `update users set role=$2, updated_at=now() where id=$1`, id, string(role))
}

func (d *PGDirectory) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return d.exec(ctx, `update users set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
}

func (d *PGDirectory) UpdateUsername(ctx context.Context, id, username string) error {
	return d.exec(ctx, `update users set username=$2, updated_at=now() where id=$1`, id, username)
}

func (d *PGDirectory) exec(ctx context.Context, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	return nil
}

// Delete removes the whole batch inside one transaction. Any id that does
// not resolve aborts the transaction and nothing is deleted.
func (d *PGDirectory) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no user ids", ErrInvalidInput)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	in := strings.Join(placeholders, ",")

	var found int
	if err := tx.QueryRowContext(ctx,
		`select count(*) from users where id in (`+in+`)`, args...,
	).Scan(&found); err != nil {
		return 0, err
	}
	if found != len(ids) {
		return 0, fmt.Errorf("%w: some user ids could not be found", ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`delete from users where id in (`+in+`)`, args...,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// PGFamilyStore implements FamilyStore on PostgreSQL. Rotation is a single
// conditional UPDATE, so the exactly-once guarantee rides on the database's
// row-level atomicity rather than an in-process lock.
type PGFamilyStore struct {
	db *sql.DB
}

var _ FamilyStore = (*PGFamilyStore)(nil)

func NewPGFamilyStore(db *sql.DB) *PGFamilyStore { return &PGFamilyStore{db: db} }

func (s *PGFamilyStore) Register(ctx context.Context, familyID, userID, initialJTI string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into session_families(id, user_id, live_jti, created_at)
		 values($1,$2,$3,now())`,
		familyID, userID, initialJTI,
	)
	return err
}

func (s *PGFamilyStore) Rotate(ctx context.Context, familyID, oldJTI, newJTI string) error {
	res, err := s.db.ExecContext(ctx,
		`update session_families set live_jti=$3
		 where id=$1 and live_jti=$2 and revoked_at is null`,
		familyID, oldJTI, newJTI,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// The swap lost; figure out why.
	var revokedAt sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`select revoked_at from session_families where id=$1`, familyID,
	).Scan(&revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: family %s", ErrNotFound, familyID)
	}
	if err != nil {
		return err
	}
	if revokedAt.Valid {
		return fmt.Errorf("%w: family revoked", ErrUnauthenticated)
	}
	return fmt.Errorf("%w: refresh token already used", ErrConflict)
}

func (s *PGFamilyStore) Revoke(ctx context.Context, familyID string) error {
	res, err := s.db.ExecContext(ctx,
		`update session_families set revoked_at=coalesce(revoked_at, now()) where id=$1`,
		familyID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: family %s", ErrNotFound, familyID)
	}
	return nil
}

func (s *PGFamilyStore) RevokeUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update session_families set revoked_at=coalesce(revoked_at, now()) where user_id=$1`,
		userID,
	)
	return err
}

func (s *PGFamilyStore) Revoked(ctx context.Context, familyID string) (bool, error) {
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`select revoked_at from session_families where id=$1`, familyID,
	).Scan(&revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: family %s", ErrNotFound, familyID)
	}
	if err != nil {
		return false, err
	}
	return revokedAt.Valid, nil
}

// PGKeyStore implements KeyStore on PostgreSQL.
type PGKeyStore struct {
	db *sql.DB
}

var _ KeyStore = (*PGKeyStore)(nil)

func NewPGKeyStore(db *sql.DB) *PGKeyStore { return &PGKeyStore{db: db} }

func (s *PGKeyStore) Create(ctx context.Context, k *APIKey) error {
	var expires sql.NullTime
	if k.ExpiresAt != nil {
		expires = sql.NullTime{Time: k.ExpiresAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`insert into api_keys(id, owner_id, scope, name, secret_hash, expires_at, created_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		k.ID, k.OwnerID, string(k.Scope), k.Name, k.SecretHash, expires, k.CreatedAt.UTC(),
	)
	return err
}

func (s *PGKeyStore) Find(ctx context.Context, id string) (*APIKey, error) {
	var (
		k       APIKey
		scope   string
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`select id, owner_id, scope, name, secret_hash, expires_at, created_at
		 from api_keys where id=$1`, id,
	).Scan(&k.ID, &k.OwnerID, &scope, &k.Name, &k.SecretHash, &expires, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: api key", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	k.Scope = KeyScope(scope)
	if expires.Valid {
		t := expires.Time.UTC()
		k.ExpiresAt = &t
	}
	return &k, nil
}

func (s *PGKeyStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from api_keys where id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: api key", ErrNotFound)
	}
	return nil
}

func (s *PGKeyStore) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from api_keys where owner_id=$1`, ownerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
