package telemetryhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie/engine"
	"magpie/engine/models"
	"magpie/engine/monitoring"
	"magpie/engine/telemetry/events"
	"magpie/engine/telemetry/metrics"
)

func newCenter(t *testing.T) *engine.ControlCenter {
	t.Helper()
	cfg := engine.Defaults()
	cfg.ResultsRoot = t.TempDir()
	center, err := engine.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { center.Shutdown(false, 0) })
	return center
}

func TestMetricsHandlerServesPrometheusExposition(t *testing.T) {
	center := newCenter(t)
	rec := httptest.NewRecorder()
	NewMetricsHandler(center).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsHandlerWithoutCenter(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMetricsHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusHandler(t *testing.T) {
	center := newCenter(t)
	center.InitializeBatch("B1", []models.LinkDescriptor{
		{LinkID: "L1", URL: "https://example.com/1", LinkType: models.LinkArticle, ScraperType: models.ScraperArticle},
	})

	handler := NewStatusHandler(center)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz?batch_id=B1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "B1", snap["batch_id"])
	assert.Equal(t, float64(1), snap["expected_total"])

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz?batch_id=missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "B1")
}

func TestHealthHandler(t *testing.T) {
	health := monitoring.NewHealthCheckSystem()
	health.Register("task_queue", monitoring.QueueDepthCheck(func() int { return 9000 }, 100, 5000))

	rec := httptest.NewRecorder()
	NewHealthHandler(health).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var result monitoring.OverallHealthResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "unhealthy", result.OverallStatus)
	require.Len(t, result.ComponentResults, 1)
	assert.Equal(t, "task_queue", result.ComponentResults[0].Name)
}

func TestHealthSystemRollsUpWorstStatus(t *testing.T) {
	health := monitoring.NewHealthCheckSystem()
	health.Register("ok", func(context.Context) monitoring.HealthCheckResult {
		return monitoring.HealthCheckResult{Status: "healthy"}
	})
	health.Register("meh", func(context.Context) monitoring.HealthCheckResult {
		return monitoring.HealthCheckResult{Status: "degraded"}
	})
	result := health.Check(context.Background())
	assert.Equal(t, "degraded", result.OverallStatus)
}

func TestEventStreamBridgesBusToWebsocket(t *testing.T) {
	bus := events.NewBus(metrics.NewNoopProvider())
	srv := httptest.NewServer(NewEventStreamHandler(bus, EventStreamOptions{Buffer: 16}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	// The subscription is registered during the upgrade; give the handler a
	// beat before publishing.
	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(events.Event{
		Category: events.CategoryScraping,
		Type:     events.TypeCompleteLink,
		Fields:   map[string]any{"batch_id": "B1", "link_id": "L1", "status": "success"},
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "scraping:complete_link", msg["type"])
	assert.Equal(t, "B1", msg["batch_id"])
	assert.Equal(t, "success", msg["status"])
}
