// Package monitoring provides distributed tracing and health checks for the
// control center: OpenTelemetry spans around batch runs and task
// extractions, and a pluggable health-check system over the center's
// components.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ScrapeTracer wraps an OTel tracer with batch/task span helpers.
type ScrapeTracer struct {
	tracer      oteltrace.Tracer
	serviceName string
	environment string
}

// NewScrapeTracer builds a tracer provider with service attribution and
// registers it globally. No exporter is attached by default; deployments
// layer one on via the OTel SDK.
func NewScrapeTracer(serviceName, environment string) (*ScrapeTracer, error) {
	tp := trace.NewTracerProvider(
		trace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
	)
	otel.SetTracerProvider(tp)
	return &ScrapeTracer{
		tracer:      otel.Tracer(serviceName),
		serviceName: serviceName,
		environment: environment,
	}, nil
}

// StartBatch opens a span covering one batch run.
func (t *ScrapeTracer) StartBatch(ctx context.Context, batchID string, expectedTotal int) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "scrape_batch", oteltrace.WithAttributes(
		attribute.String("batch_id", batchID),
		attribute.Int("expected_total", expectedTotal),
	))
}

// StartTask opens a span covering one extraction.
func (t *ScrapeTracer) StartTask(ctx context.Context, taskID, linkID, scraperType, workerID string) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "scrape_task", oteltrace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("link_id", linkID),
		attribute.String("scraper", scraperType),
		attribute.String("worker_id", workerID),
	))
}

// RecordStage annotates the current span with a stage transition.
func (t *ScrapeTracer) RecordStage(ctx context.Context, stage string, progress float64) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("stage_progress", oteltrace.WithAttributes(
			attribute.String("stage", stage),
			attribute.Float64("progress", progress),
		))
	}
}

// RecordError records an extraction error on the current span.
func (t *ScrapeTracer) RecordError(ctx context.Context, errKind string, err error) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetAttributes(
			attribute.String("error.type", errKind),
			attribute.String("error.message", err.Error()),
		)
	}
}

// FinishTask closes a task span with its terminal verdict.
func (t *ScrapeTracer) FinishTask(span oteltrace.Span, success bool, wordCount int) {
	if span.IsRecording() {
		span.SetAttributes(
			attribute.Bool("task.success", success),
			attribute.Int("task.word_count", wordCount),
		)
		if success {
			span.SetStatus(codes.Ok, "extraction completed")
		} else {
			span.SetStatus(codes.Error, "extraction failed")
		}
	}
	span.End()
}

// HealthCheckFunc performs one component health check.
type HealthCheckFunc func(ctx context.Context) HealthCheckResult

// HealthCheckResult is the outcome of a single check.
type HealthCheckResult struct {
	Name      string         `json:"name"`
	Status    string         `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Issues    []string       `json:"issues,omitempty"`
}

// OverallHealthResult rolls up every registered check.
type OverallHealthResult struct {
	OverallStatus    string              `json:"overall_status"`
	ComponentResults []HealthCheckResult `json:"component_results"`
	CheckedAt        time.Time           `json:"checked_at"`
}

// HealthCheckSystem manages health checks for the center's components.
type HealthCheckSystem struct {
	mu     sync.RWMutex
	checks map[string]HealthCheckFunc
}

func NewHealthCheckSystem() *HealthCheckSystem {
	return &HealthCheckSystem{checks: make(map[string]HealthCheckFunc)}
}

// Register installs a named check.
func (h *HealthCheckSystem) Register(name string, check HealthCheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// Check runs every registered check. Overall status is the worst component
// status observed.
func (h *HealthCheckSystem) Check(ctx context.Context) OverallHealthResult {
	h.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	result := OverallHealthResult{OverallStatus: "healthy", CheckedAt: time.Now()}
	for name, fn := range checks {
		r := fn(ctx)
		if r.Name == "" {
			r.Name = name
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now()
		}
		result.ComponentResults = append(result.ComponentResults, r)
		result.OverallStatus = worse(result.OverallStatus, r.Status)
	}
	return result
}

func worse(a, b string) string {
	rank := func(s string) int {
		switch s {
		case "unhealthy":
			return 2
		case "degraded":
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// QueueDepthCheck flags a queue that keeps more work than expected.
func QueueDepthCheck(depth func() int, degradedAt, unhealthyAt int) HealthCheckFunc {
	return func(ctx context.Context) HealthCheckResult {
		d := depth()
		status := "healthy"
		var issues []string
		switch {
		case unhealthyAt > 0 && d >= unhealthyAt:
			status = "unhealthy"
			issues = append(issues, fmt.Sprintf("queue depth %d at or above %d", d, unhealthyAt))
		case degradedAt > 0 && d >= degradedAt:
			status = "degraded"
			issues = append(issues, fmt.Sprintf("queue depth %d at or above %d", d, degradedAt))
		}
		return HealthCheckResult{
			Name:     "task_queue",
			Status:   status,
			Metadata: map[string]any{"depth": d},
			Issues:   issues,
		}
	}
}

// ProviderCheck surfaces metric-backend degradation.
func ProviderCheck(health func(ctx context.Context) error) HealthCheckFunc {
	return func(ctx context.Context) HealthCheckResult {
		if err := health(ctx); err != nil {
			return HealthCheckResult{Name: "metrics_provider", Status: "degraded", Issues: []string{err.Error()}}
		}
		return HealthCheckResult{Name: "metrics_provider", Status: "healthy"}
	}
}

// EventDropCheck flags sustained event-bus backpressure.
func EventDropCheck(dropped func() uint64, degradedAt uint64) HealthCheckFunc {
	var lastSeen uint64
	var mu sync.Mutex
	return func(ctx context.Context) HealthCheckResult {
		d := dropped()
		mu.Lock()
		delta := d - lastSeen
		lastSeen = d
		mu.Unlock()
		status := "healthy"
		var issues []string
		if degradedAt > 0 && delta >= degradedAt {
			status = "degraded"
			issues = append(issues, fmt.Sprintf("%d events dropped since last check", delta))
		}
		return HealthCheckResult{
			Name:     "event_bus",
			Status:   status,
			Metadata: map[string]any{"dropped_total": d},
			Issues:   issues,
		}
	}
}
