package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatelink/pkg/diag"
	"gatelink/pkg/gateway"
)

func newTestServer(t *testing.T) (*gateway.Client, *diag.BufferSink, *httptest.Server) {
	t.Helper()
	buffer := diag.NewBufferSink(100)
	client := gateway.NewClient(gateway.Options{URL: "ws://gateway.test/ws", Sink: buffer})

	mux := http.NewServeMux()
	NewDebugHandler(client, buffer).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return client, buffer, srv
}

func TestDebugState(t *testing.T) {
	client, _, srv := newTestServer(t)
	client.TrackRun("r1", "s1")

	resp, err := http.Get(srv.URL + "/debug/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		State      string            `json:"state"`
		ActiveRuns map[string]string `json:"activeRuns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "disconnected", body.State)
	assert.Equal(t, map[string]string{"r1": "s1"}, body.ActiveRuns)
}

func TestDebugEvents(t *testing.T) {
	_, buffer, srv := newTestServer(t)
	buffer.Emit(diag.LevelInfo, "client", "state", map[string]any{"state": "connecting"})

	resp, err := http.Get(srv.URL + "/debug/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Events  []diag.Event `json:"events"`
		Dropped int          `json:"dropped"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "state", body.Events[0].Name)
	assert.Equal(t, 0, body.Dropped)
}

func TestDebugHealthDegradedWhenDisconnected(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/debug/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
}

func TestDebugPrometheus(t *testing.T) {
	client, _, srv := newTestServer(t)
	client.TrackRun("r1", "s1")

	resp, err := http.Get(srv.URL + "/debug/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	text := string(buf[:n])
	assert.Contains(t, text, "gatelink_connected 0")
	assert.Contains(t, text, "gatelink_active_runs 1")
	assert.Contains(t, text, "gatelink_diag_events_dropped_total 0")
}
