package gateway

import "encoding/json"

// Frame is the wire envelope exchanged with the gateway. A frame is a
// request ("req"), a response ("res"), or a server push ("event").
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the error body of a failed response frame.
type FrameError struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryAfter int64  `json:"retryAfterMs,omitempty"`
}

func (e *FrameError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// EventFrame is a server push after the envelope is peeled off. Seq is a
// per-connection monotonic counter assigned by the gateway; Payload is the
// event body and keeps its raw encoding so routing stays cheap.
type EventFrame struct {
	Event   string          `json:"event"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// eventBodyIDs is the subset of event payload fields used for routing.
type eventBodyIDs struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Seq        *int64 `json:"seq"`
}

// RunID extracts the run identifier from the event payload, or "" when the
// payload has none (connection-scoped events like presence or health).
func (f EventFrame) RunID() string {
	var ids eventBodyIDs
	if err := json.Unmarshal(f.Payload, &ids); err != nil {
		return ""
	}
	return ids.RunID
}

// PayloadSeq returns the per-run sequence number embedded in the payload,
// if present. Some gateways sequence events per run in addition to the
// connection-level Seq.
func (f EventFrame) PayloadSeq() (int64, bool) {
	var ids eventBodyIDs
	if err := json.Unmarshal(f.Payload, &ids); err != nil || ids.Seq == nil {
		return 0, false
	}
	return *ids.Seq, true
}
