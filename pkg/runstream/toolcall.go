package runstream

import "encoding/json"

// ToolPhase is the lifecycle stage of one tool invocation.
type ToolPhase string

const (
	ToolPhaseStart  ToolPhase = "start"
	ToolPhaseUpdate ToolPhase = "update"
	ToolPhaseResult ToolPhase = "result"
)

// ToolCall is the reconciler's record of one tool invocation, keyed by the
// gateway-assigned call id.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	Result    string
	Done      bool
}

type toolEvent struct {
	Phase      ToolPhase       `json:"phase"`
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Partial    string          `json:"partial"`
	Result     json.RawMessage `json:"result"`
	Text       string          `json:"text"`
}

// resultText prefers the structured result field, falling back to plain
// text.
func (e toolEvent) resultText() string {
	if len(e.Result) > 0 {
		var s string
		if err := json.Unmarshal(e.Result, &s); err == nil {
			return s
		}
		return string(e.Result)
	}
	return e.Text
}

// applyToolEvent folds one tool event into the per-run table and returns
// the updated record. Duplicate starts for a known id keep the original
// registration.
func applyToolEvent(calls map[string]*ToolCall, e toolEvent) *ToolCall {
	tc, ok := calls[e.ToolCallID]
	switch e.Phase {
	case ToolPhaseStart:
		if !ok {
			tc = &ToolCall{ID: e.ToolCallID, Name: e.Name, Arguments: e.Arguments}
			calls[e.ToolCallID] = tc
		}
		if e.Partial != "" {
			tc.Result = e.Partial
		}
	case ToolPhaseUpdate:
		if !ok {
			tc = &ToolCall{ID: e.ToolCallID, Name: e.Name}
			calls[e.ToolCallID] = tc
		}
		tc.Result = e.Partial
	case ToolPhaseResult:
		if !ok {
			tc = &ToolCall{ID: e.ToolCallID, Name: e.Name}
			calls[e.ToolCallID] = tc
		}
		tc.Result = e.resultText()
		tc.Done = true
	default:
		return nil
	}
	return tc
}
