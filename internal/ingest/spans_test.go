package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"tracegate.org/internal/auth"
	"tracegate.org/internal/stream"
)

func validSpan() Span {
	start := time.Now().UTC().Add(-time.Second)
	return Span{
		TraceID:    "trace-1",
		SpanID:     "span-1",
		Name:       "llm.completion",
		StartTime:  start,
		EndTime:    start.Add(500 * time.Millisecond),
		StatusCode: "OK",
	}
}

func TestIngest(t *testing.T) {
	store := NewMemorySpanStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, "demo", []Span{validSpan()})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Accepted != 1 || res.Project != "demo" {
		t.Fatalf("unexpected result: %+v", res)
	}

	spans, err := svc.List(ctx, "demo", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(spans) != 1 || spans[0].Project != "demo" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	if spans[0].ID == "" {
		t.Fatal("stored span should carry a generated id")
	}
}

func TestIngestDefaultsProject(t *testing.T) {
	svc := NewService(NewMemorySpanStore(), nil)
	res, err := svc.Ingest(context.Background(), "  ", []Span{validSpan()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Project != "default" {
		t.Fatalf("blank project should fall back to default, got %q", res.Project)
	}
}

func TestIngestValidation(t *testing.T) {
	svc := NewService(NewMemorySpanStore(), nil)
	ctx := context.Background()

	mutations := map[string]func(*Span){
		"missing trace id":  func(s *Span) { s.TraceID = "" },
		"missing span id":   func(s *Span) { s.SpanID = "" },
		"missing name":      func(s *Span) { s.Name = " " },
		"zero start":        func(s *Span) { s.StartTime = time.Time{} },
		"ends before start": func(s *Span) { s.EndTime = s.StartTime.Add(-time.Second) },
		"bad status code":   func(s *Span) { s.StatusCode = "MAYBE" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			sp := validSpan()
			mutate(&sp)
			if _, err := svc.Ingest(ctx, "demo", []Span{sp}); !errors.Is(err, auth.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if _, err := svc.Ingest(ctx, "demo", nil); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("empty batch should be invalid, got %v", err)
	}
}

func TestIngestBatchIsAtomic(t *testing.T) {
	store := NewMemorySpanStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	bad := validSpan()
	bad.TraceID = ""
	if _, err := svc.Ingest(ctx, "demo", []Span{validSpan(), bad}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	spans, err := svc.List(ctx, "demo", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 0 {
		t.Fatalf("a poisoned batch must store nothing, got %d spans", len(spans))
	}
}

func TestIngestPublishesToFeed(t *testing.T) {
	feed := stream.New()
	svc := NewService(NewMemorySpanStore(), feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := feed.Subscribe(ctx)

	if _, err := svc.Ingest(context.Background(), "demo", []Span{validSpan()}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Project != "demo" || evt.SpanID != "span-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.DurationMS < 499 || evt.DurationMS > 501 {
			t.Fatalf("unexpected duration: %v", evt.DurationMS)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for feed event")
	}
}

func TestListNewestFirst(t *testing.T) {
	svc := NewService(NewMemorySpanStore(), nil)
	ctx := context.Background()

	for i, name := range []string{"first", "second", "third"} {
		sp := validSpan()
		sp.SpanID = name
		sp.Name = name
		sp.StartTime = sp.StartTime.Add(time.Duration(i) * time.Second)
		sp.EndTime = sp.StartTime.Add(time.Millisecond)
		if _, err := svc.Ingest(ctx, "demo", []Span{sp}); err != nil {
			t.Fatal(err)
		}
	}
	spans, err := svc.List(ctx, "demo", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 2 || spans[0].SpanID != "third" || spans[1].SpanID != "second" {
		t.Fatalf("expected newest first with limit, got %+v", spans)
	}
}
