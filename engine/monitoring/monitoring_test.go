package monitoring

import (
	"context"
	"errors"
	"testing"
)

func TestScrapeTracerSpans(t *testing.T) {
	tracer, err := NewScrapeTracer("magpie-test", "test")
	if err != nil {
		t.Fatalf("tracer: %v", err)
	}

	ctx, batchSpan := tracer.StartBatch(context.Background(), "B1", 5)
	taskCtx, taskSpan := tracer.StartTask(ctx, "task-1", "L1", "article", "worker_1")
	tracer.RecordStage(taskCtx, "loading", 30)
	tracer.RecordError(taskCtx, "ExtractionFailed", errors.New("timeout"))
	tracer.FinishTask(taskSpan, false, 0)
	batchSpan.End()

	if taskSpan.SpanContext().TraceID() != batchSpan.SpanContext().TraceID() {
		t.Fatal("task span should share the batch trace")
	}
}

func TestHealthCheckSystem(t *testing.T) {
	h := NewHealthCheckSystem()
	h.Register("queue", QueueDepthCheck(func() int { return 10 }, 100, 1000))
	h.Register("provider", ProviderCheck(func(context.Context) error { return nil }))

	result := h.Check(context.Background())
	if result.OverallStatus != "healthy" {
		t.Fatalf("expected healthy, got %s", result.OverallStatus)
	}
	if len(result.ComponentResults) != 2 {
		t.Fatalf("expected 2 component results, got %d", len(result.ComponentResults))
	}
}

func TestQueueDepthThresholds(t *testing.T) {
	depth := 0
	check := QueueDepthCheck(func() int { return depth }, 100, 1000)

	depth = 50
	if r := check(context.Background()); r.Status != "healthy" {
		t.Fatalf("expected healthy at 50, got %s", r.Status)
	}
	depth = 500
	if r := check(context.Background()); r.Status != "degraded" {
		t.Fatalf("expected degraded at 500, got %s", r.Status)
	}
	depth = 2000
	if r := check(context.Background()); r.Status != "unhealthy" {
		t.Fatalf("expected unhealthy at 2000, got %s", r.Status)
	}
}

func TestEventDropCheckUsesDeltas(t *testing.T) {
	var dropped uint64
	check := EventDropCheck(func() uint64 { return dropped }, 10)

	if r := check(context.Background()); r.Status != "healthy" {
		t.Fatalf("expected healthy initially, got %s", r.Status)
	}
	dropped = 50
	if r := check(context.Background()); r.Status != "degraded" {
		t.Fatalf("expected degraded after burst, got %s", r.Status)
	}
	// No further drops: back to healthy.
	if r := check(context.Background()); r.Status != "healthy" {
		t.Fatalf("expected healthy on quiet interval, got %s", r.Status)
	}
}

func TestProviderCheckDegraded(t *testing.T) {
	check := ProviderCheck(func(context.Context) error { return errors.New("registration failed") })
	if r := check(context.Background()); r.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", r.Status)
	}
}
