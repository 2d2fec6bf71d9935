package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tracegate.org/internal/auth"
	"tracegate.org/internal/ids"
	"tracegate.org/internal/ingest"
)

// Store is the PostgreSQL persistence layer for projects and spans.
type Store struct {
	db *sql.DB
}

var _ ingest.SpanStore = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// InsertSpans writes one accepted batch inside a single transaction. The
// project row is created on first use.
func (s *Store) InsertSpans(ctx context.Context, project string, spans []ingest.Span) (int, error) {
	if len(spans) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	projectID, err := ensureProject(ctx, tx, project)
	if err != nil {
		return 0, err
	}

	for _, sp := range spans {
		attrs := []byte("{}")
		if len(sp.Attributes) > 0 {
			attrs, err = json.Marshal(sp.Attributes)
			if err != nil {
				return 0, fmt.Errorf("marshal attributes: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			insert into spans(id, project_id, trace_id, span_id, parent_span_id,
			                  name, kind, start_time, end_time, status_code, attributes)
			values ($1,$2,$3,$4,nullif($5,''),$6,nullif($7,''),$8,$9,$10,$11)
		`, sp.ID, projectID, sp.TraceID, sp.SpanID, sp.ParentSpanID,
			sp.Name, sp.Kind, sp.StartTime.UTC(), sp.EndTime.UTC(), sp.StatusCode, attrs); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(spans), nil
}

// ListSpans returns the newest spans for a project. Span ids sort by
// creation time, so ordering by id walks recency.
func (s *Store) ListSpans(ctx context.Context, project string, limit int) ([]ingest.Span, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select sp.id, sp.trace_id, sp.span_id, coalesce(sp.parent_span_id,''),
		       sp.name, coalesce(sp.kind,''), sp.start_time, sp.end_time,
		       sp.status_code, sp.attributes
		from spans sp
		join projects p on p.id = sp.project_id
		where p.name = $1
		order by sp.id desc
		limit $2
	`, project, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ingest.Span
	for rows.Next() {
		var (
			sp    ingest.Span
			attrs []byte
		)
		if err := rows.Scan(&sp.ID, &sp.TraceID, &sp.SpanID, &sp.ParentSpanID,
			&sp.Name, &sp.Kind, &sp.StartTime, &sp.EndTime, &sp.StatusCode, &attrs); err != nil {
			return nil, err
		}
		sp.Project = project
		if len(attrs) > 0 && string(attrs) != "{}" {
			if err := json.Unmarshal(attrs, &sp.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes: %w", err)
			}
		}
		res = append(res, sp)
	}
	return res, rows.Err()
}

func ensureProject(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `select id from projects where name = $1`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	id = ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into projects(id, name) values ($1, $2)
		on conflict (name) do nothing
	`, id, name); err != nil {
		return "", err
	}
	// Lost the race: another transaction created it first.
	if err := tx.QueryRowContext(ctx, `select id from projects where name = $1`, name).Scan(&id); err != nil {
		return "", fmt.Errorf("%w: project %s", auth.ErrNotFound, name)
	}
	return id, nil
}
