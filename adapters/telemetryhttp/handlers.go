// Package telemetryhttp adapts the control center's observability surfaces
// to HTTP: Prometheus metrics exposition, batch status JSON, health checks,
// and a websocket bridge streaming the progress event feed to UI clients.
package telemetryhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"magpie/engine"
	"magpie/engine/monitoring"
	"magpie/engine/telemetry/events"
)

// NewMetricsHandler wraps the provider's exposition handler, or 404s when
// the configured backend has none.
func NewMetricsHandler(center *engine.ControlCenter) http.Handler {
	if center != nil {
		if h := center.MetricsHandler(); h != nil {
			return h
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
}

// NewStatusHandler serves per-batch aggregate progress. Query params:
// batch_id selects the batch (without it the tracked batch ids are listed),
// links=1 to include per-link records.
func NewStatusHandler(center *engine.ControlCenter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if center == nil {
			http.Error(w, "control center unavailable", http.StatusServiceUnavailable)
			return
		}
		batchID := r.URL.Query().Get("batch_id")
		w.Header().Set("Content-Type", "application/json")
		if batchID == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{"batches": center.Aggregator().Batches()})
			return
		}
		snap, ok := center.Aggregator().Snapshot(batchID, r.URL.Query().Get("links") == "1")
		if !ok {
			http.Error(w, `{"error":"unknown batch"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(snap)
	})
}

// NewHealthHandler runs the registered checks and reports overall status.
// Always 200 for liveness when a health system is configured (503 when it is
// nil); the body carries the component breakdown.
func NewHealthHandler(health *monitoring.HealthCheckSystem) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if health == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "health system nil"})
			return
		}
		result := health.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})
}

// EventStreamOptions tunes the websocket bridge.
type EventStreamOptions struct {
	// Buffer sizes the bridge's bus subscription.
	Buffer int
	// PingInterval keeps intermediaries from closing idle sockets.
	PingInterval time.Duration
	// CheckOrigin overrides the upgrader's origin policy (nil = same origin).
	CheckOrigin func(r *http.Request) bool
}

// NewEventStreamHandler upgrades the connection and forwards every bus
// event as one JSON message until the client disconnects. Slow clients drop
// events at the subscription boundary rather than stalling publishers.
func NewEventStreamHandler(bus events.Bus, opts EventStreamOptions) http.Handler {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     opts.CheckOrigin,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub, err := bus.Subscribe(opts.Buffer)
		if err != nil {
			_ = conn.Close()
			return
		}
		defer func() {
			_ = sub.Close()
			_ = conn.Close()
		}()

		// Drain client frames so close handshakes and pongs are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					_ = sub.Close()
					return
				}
			}
		}()

		ping := time.NewTicker(opts.PingInterval)
		defer ping.Stop()
		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if err := conn.WriteJSON(flatten(ev)); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	})
}

// flatten renders an event the way UI subscribers expect: the type tag and
// payload fields in one flat object.
func flatten(ev events.Event) map[string]any {
	out := make(map[string]any, len(ev.Fields)+2)
	for k, v := range ev.Fields {
		out[k] = v
	}
	out["type"] = ev.Type
	out["time"] = ev.Time.Format(time.RFC3339Nano)
	return out
}
