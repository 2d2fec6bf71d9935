package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tracegate.org/internal/auth"
	"tracegate.org/internal/ids"
	"tracegate.org/internal/obs"
	"tracegate.org/internal/stream"
)

// Span is one unit of recorded work inside a trace.
type Span struct {
	ID           string         `json:"id"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Project      string         `json:"project"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	StatusCode   string         `json:"status_code"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Duration returns the span's wall-clock length.
func (s Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// SpanStore persists accepted spans.
type SpanStore interface {
	InsertSpans(ctx context.Context, project string, spans []Span) (int, error)
	ListSpans(ctx context.Context, project string, limit int) ([]Span, error)
}

// Result summarizes one accepted batch.
type Result struct {
	Project  string `json:"project"`
	Accepted int    `json:"accepted"`
}

const defaultProject = "default"

// Service accepts span batches on behalf of an already-authorized subject.
// Authorization lives in the Gate; this layer validates, persists, counts,
// and feeds the live stream.
type Service struct {
	store SpanStore
	feed  *stream.Feed
}

// NewService constructs a Service. The feed may be nil when no live
// subscribers are served.
func NewService(store SpanStore, feed *stream.Feed) *Service {
	return &Service{store: store, feed: feed}
}

// Ingest validates and persists a batch. The whole batch is accepted or
// rejected; a single bad span poisons it.
func (s *Service) Ingest(ctx context.Context, project string, spans []Span) (Result, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		project = defaultProject
	}
	if len(spans) == 0 {
		return Result{}, fmt.Errorf("%w: empty span batch", auth.ErrInvalidInput)
	}

	for i := range spans {
		sp := &spans[i]
		if err := validateSpan(sp); err != nil {
			obs.SpansIngestedTotal.WithLabelValues("rejected").Add(float64(len(spans)))
			return Result{}, err
		}
		if sp.ID == "" {
			sp.ID = ids.New()
		}
		sp.Project = project
	}

	n, err := s.store.InsertSpans(ctx, project, spans)
	if err != nil {
		return Result{}, fmt.Errorf("%w: persist spans: %v", auth.ErrUnavailable, err)
	}
	obs.SpansIngestedTotal.WithLabelValues("accepted").Add(float64(n))

	if s.feed != nil {
		for _, sp := range spans {
			s.feed.Publish(stream.SpanEvent{
				Project:    sp.Project,
				TraceID:    sp.TraceID,
				SpanID:     sp.SpanID,
				Name:       sp.Name,
				StatusCode: sp.StatusCode,
				DurationMS: float64(sp.Duration()) / float64(time.Millisecond),
				Timestamp:  sp.EndTime,
			})
		}
	}
	return Result{Project: project, Accepted: n}, nil
}

// List returns recent spans for a project, newest first.
func (s *Service) List(ctx context.Context, project string, limit int) ([]Span, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		project = defaultProject
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	spans, err := s.store.ListSpans(ctx, project, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list spans: %v", auth.ErrUnavailable, err)
	}
	return spans, nil
}

func validateSpan(sp *Span) error {
	switch {
	case strings.TrimSpace(sp.TraceID) == "":
		return fmt.Errorf("%w: span is missing a trace id", auth.ErrInvalidInput)
	case strings.TrimSpace(sp.SpanID) == "":
		return fmt.Errorf("%w: span is missing a span id", auth.ErrInvalidInput)
	case strings.TrimSpace(sp.Name) == "":
		return fmt.Errorf("%w: span is missing a name", auth.ErrInvalidInput)
	case sp.StartTime.IsZero() || sp.EndTime.IsZero():
		return fmt.Errorf("%w: span is missing timestamps", auth.ErrInvalidInput)
	case sp.EndTime.Before(sp.StartTime):
		return fmt.Errorf("%w: span ends before it starts", auth.ErrInvalidInput)
	}
	switch sp.StatusCode {
	case "", "UNSET":
		sp.StatusCode = "UNSET"
	case "OK", "ERROR":
	default:
		return fmt.Errorf("%w: unknown status code %q", auth.ErrInvalidInput, sp.StatusCode)
	}
	return nil
}

// MemorySpanStore is the in-memory SpanStore used by tests and by
// deployments running without Postgres.
type MemorySpanStore struct {
	mu      sync.Mutex
	byProj  map[string][]Span
	maxKeep int
}

func NewMemorySpanStore() *MemorySpanStore {
	return &MemorySpanStore{byProj: make(map[string][]Span), maxKeep: 10_000}
}

func (m *MemorySpanStore) InsertSpans(ctx context.Context, project string, spans []Span) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := append(m.byProj[project], spans...)
	if len(kept) > m.maxKeep {
		kept = kept[len(kept)-m.maxKeep:]
	}
	m.byProj[project] = kept
	return len(spans), nil
}

func (m *MemorySpanStore) ListSpans(ctx context.Context, project string, limit int) ([]Span, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.byProj[project]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Span, len(all))
	copy(out, all)
	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
