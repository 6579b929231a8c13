package gateway

import (
	"context"
	"encoding/json"
	"time"

	"gatelink/pkg/diag"
)

// TrackRun records a run as active for its session. At most one active run
// is tracked per run id; tracking drives resync after gaps and reconnects.
func (c *Client) TrackRun(runID, sessionKey string) {
	if runID == "" {
		return
	}
	c.mu.Lock()
	c.activeRuns[runID] = sessionKey
	c.mu.Unlock()
}

// UntrackRun drops a concluded run from bookkeeping.
func (c *Client) UntrackRun(runID string) {
	c.mu.Lock()
	delete(c.activeRuns, runID)
	delete(c.pendingResync, runID)
	c.mu.Unlock()
}

// ActiveRuns returns a copy of the run-to-session tracking table.
func (c *Client) ActiveRuns() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.activeRuns))
	for k, v := range c.activeRuns {
		out[k] = v
	}
	return out
}

// RegisterSequenceGap marks a run as needing resync after the reconciler saw
// its per-run sequence counter jump, and triggers a refresh for it.
func (c *Client) RegisterSequenceGap(runID string, expected, received int64) {
	c.mu.Lock()
	c.pendingResync[runID] = struct{}{}
	c.mu.Unlock()

	c.sink.Emit(diag.LevelWarn, "client", "sequence_gap",
		map[string]any{"run_id": runID, "expected": expected, "received": received})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	go func() {
		defer cancel()
		c.Refresh(ctx, runID)
	}()
}

type waitResult struct {
	Status string `json:"status"`
}

// Refresh pulls an authoritative status snapshot for every tracked or
// pending run, plus the optional hint. Runs the gateway no longer reports
// as running are dropped from tracking. Resync is best effort: per-run
// failures are logged and skipped.
func (c *Client) Refresh(ctx context.Context, runIDHint string) {
	c.mu.Lock()
	runs := make(map[string]struct{}, len(c.activeRuns)+len(c.pendingResync)+1)
	for id := range c.activeRuns {
		runs[id] = struct{}{}
	}
	for id := range c.pendingResync {
		runs[id] = struct{}{}
	}
	c.mu.Unlock()
	if runIDHint != "" {
		runs[runIDHint] = struct{}{}
	}

	for runID := range runs {
		payload, err := c.Request(ctx, "agent.wait", map[string]any{
			"runId":     runID,
			"timeoutMs": 0,
		})
		if err != nil {
			c.sink.Emit(diag.LevelDebug, "client", "resync_skip",
				map[string]any{"run_id": runID, "error": err.Error()})
			continue
		}
		var res waitResult
		if err := json.Unmarshal(payload, &res); err != nil {
			c.sink.Emit(diag.LevelDebug, "client", "resync_decode_failed",
				map[string]any{"run_id": runID, "error": err.Error()})
			continue
		}
		if res.Status != "timeout" {
			c.mu.Lock()
			delete(c.activeRuns, runID)
			delete(c.pendingResync, runID)
			c.mu.Unlock()
			c.sink.Emit(diag.LevelInfo, "client", "run_concluded",
				map[string]any{"run_id": runID, "status": res.Status})
		} else {
			c.mu.Lock()
			delete(c.pendingResync, runID)
			c.mu.Unlock()
		}
	}
}
