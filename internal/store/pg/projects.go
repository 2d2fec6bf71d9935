package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tracegate.org/internal/auth"
	"tracegate.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Project groups spans under one name, typically an application or an
// experiment.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectUpdate mutates a project; nil fields are untouched.
type ProjectUpdate struct {
	Name *string
}

func (s *Store) CreateProject(ctx context.Context, name string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, fmt.Errorf("%w: project name is required", auth.ErrInvalidInput)
	}
	var p Project
	row := s.db.QueryRowContext(ctx, `
		insert into projects (id, name)
		values ($1, $2)
		returning id, name, created_at, updated_at
	`, ids.New(), name)
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return Project{}, auth.ErrConflict
		}
		return Project{}, err
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, created_at, updated_at
		from projects
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at, updated_at
		from projects
		where id = $1
	`, id).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, auth.ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

func (s *Store) UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (Project, error) {
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Project{}, fmt.Errorf("%w: project name is required", auth.ErrInvalidInput)
		}
		res, err := s.db.ExecContext(ctx, `
			update projects set name = $2, updated_at = now() where id = $1
		`, id, name)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return Project{}, auth.ErrConflict
			}
			return Project{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return Project{}, err
		}
		if aff == 0 {
			return Project{}, auth.ErrNotFound
		}
	}
	return s.GetProject(ctx, id)
}

// DeleteProject removes a project and, through the schema's cascade, every
// span recorded under it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from projects where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
