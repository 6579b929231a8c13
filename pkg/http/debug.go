// Package http exposes a small debug server over the client's diagnostics:
// recent diagnostic events, connection state, and run tracking.
package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"gatelink/pkg/diag"
	"gatelink/pkg/gateway"
)

// DebugHandler provides HTTP endpoints over a running client.
type DebugHandler struct {
	client *gateway.Client
	buffer *diag.BufferSink
}

// NewDebugHandler creates a debug handler. buffer may be nil when no event
// buffer is kept.
func NewDebugHandler(client *gateway.Client, buffer *diag.BufferSink) *DebugHandler {
	return &DebugHandler{client: client, buffer: buffer}
}

// RegisterRoutes registers debug endpoints with an HTTP mux.
func (h *DebugHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/state", h.handleState)
	mux.HandleFunc("/debug/events", h.handleEvents)
	mux.HandleFunc("/debug/health", h.handleHealth)
	mux.HandleFunc("/debug/prometheus", h.handlePrometheus)
}

// handleState returns the connection state and tracked runs as JSON.
func (h *DebugHandler) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	state := h.client.State()
	body := struct {
		State      string            `json:"state"`
		Attempt    int               `json:"attempt,omitempty"`
		Message    string            `json:"message,omitempty"`
		ActiveRuns map[string]string `json:"activeRuns"`
	}{
		State:      state.Phase.String(),
		Attempt:    state.Attempt,
		Message:    state.Message,
		ActiveRuns: h.client.ActiveRuns(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleEvents returns the buffered diagnostic events as JSON.
func (h *DebugHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body := struct {
		Events  []diag.Event `json:"events"`
		Dropped int          `json:"dropped"`
	}{}
	if h.buffer != nil {
		body.Events = h.buffer.Snapshot()
		body.Dropped = h.buffer.Dropped()
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleHealth reports whether the client currently holds a live channel.
func (h *DebugHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	state := h.client.State()
	body := struct {
		Status string `json:"status"`
		State  string `json:"state"`
	}{
		Status: "degraded",
		State:  state.String(),
	}
	if state.Phase == gateway.PhaseConnected {
		body.Status = "healthy"
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handlePrometheus returns a few counters in Prometheus text format.
func (h *DebugHandler) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	state := h.client.State()
	connected := 0
	if state.Phase == gateway.PhaseConnected {
		connected = 1
	}
	fmt.Fprintf(w, "# HELP gatelink_connected Gateway channel is live (1/0)\n")
	fmt.Fprintf(w, "# TYPE gatelink_connected gauge\n")
	fmt.Fprintf(w, "gatelink_connected %d\n", connected)

	fmt.Fprintf(w, "\n# HELP gatelink_active_runs Runs tracked for resync\n")
	fmt.Fprintf(w, "# TYPE gatelink_active_runs gauge\n")
	fmt.Fprintf(w, "gatelink_active_runs %d\n", len(h.client.ActiveRuns()))

	if h.buffer != nil {
		fmt.Fprintf(w, "\n# HELP gatelink_diag_events_dropped_total Diagnostic events evicted from the buffer\n")
		fmt.Fprintf(w, "# TYPE gatelink_diag_events_dropped_total counter\n")
		fmt.Fprintf(w, "gatelink_diag_events_dropped_total %d\n", h.buffer.Dropped())
	}
}

// Serve starts the debug server on addr. It blocks until the listener
// fails; callers run it in its own goroutine.
func (h *DebugHandler) Serve(addr string) error {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return http.ListenAndServe(addr, mux)
}
