package runstream

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"gatelink/pkg/diag"
	"gatelink/pkg/gateway"
)

// DefaultGracePeriod is how long the reconciler waits for an authoritative
// agent-lifecycle end after a chat-level final when both streams are live.
// A heuristic for a race between independent channels, not load-bearing.
const DefaultGracePeriod = 2500 * time.Millisecond

// RunOutcome is the single terminal result of a run.
type RunOutcome struct {
	Success bool
	Message string
}

// Callbacks receive the reconciler's output. All are optional; calls for a
// given run are serialized. No callback ever reports text that rewinds:
// corrections arrive as explicit replacements.
//
// Callbacks run synchronously inside ProcessEvent and EndRun with the
// reconciler's lock held; they must not call back into the Reconciler.
// Hand off to another goroutine for anything that needs to.
type Callbacks struct {
	OnVisibleDelta    func(runID, text string)
	OnVisibleReplace  func(runID, full string)
	OnThinkingDelta   func(runID, text string)
	OnThinkingReplace func(runID, full string)
	OnToolCall        func(runID string, call ToolCall)
	OnSequenceGap     func(runID string, expected, received int64)
	OnRunEnded        func(runID string, outcome RunOutcome)
}

// runState is everything tracked for one active run. The consumer-facing
// thinking channel is the thinking stream's text plus any assistant text
// redirected past the trace boundary; emittedTrace tracks only the latter.
type runState struct {
	lastSeq       int64
	visible       textState
	thinking      textState
	boundary      boundaryScanner
	stripper      controlStripper
	emittedVis    strings.Builder
	emittedTrace  strings.Builder
	toolCalls     map[string]*ToolCall
	lifecycleSeen bool
	terminal      bool
	graceTimer    *time.Timer
}

// thinkingFull is the complete thinking-channel text used for replacements.
func (run *runState) thinkingFull(trace string) string {
	return run.thinking.snapshot + trace
}

// Reconciler consumes the event sub-streams of active runs. State is
// confined per run; a mutex guards the run table and each run's state (the
// distributor already delivers a listener's frames one at a time).
type Reconciler struct {
	mu    sync.Mutex
	runs  map[string]*runState
	cb    Callbacks
	sink  diag.Sink
	grace time.Duration
}

// Option adjusts reconciler construction.
type Option func(*Reconciler)

// WithGracePeriod overrides the chat-final fallback timer.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Reconciler) { r.grace = d }
}

func NewReconciler(cb Callbacks, sink diag.Sink, opts ...Option) *Reconciler {
	if sink == nil {
		sink = diag.NopSink{}
	}
	r := &Reconciler{
		runs:  make(map[string]*runState),
		cb:    cb,
		sink:  sink,
		grace: DefaultGracePeriod,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// StartRun begins tracking a run. Frames for unknown runs are dropped, so
// this must precede ProcessEvent for the run.
func (r *Reconciler) StartRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; ok {
		return
	}
	r.runs[runID] = &runState{
		lastSeq:   -1,
		toolCalls: make(map[string]*ToolCall),
	}
}

// Active reports whether a run is currently tracked.
func (r *Reconciler) Active(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[runID]
	return ok
}

type chatBody struct {
	State   string       `json:"state"`
	Channel string       `json:"channel"`
	Message *textPayload `json:"message"`
	Error   string       `json:"error"`
}

type agentBody struct {
	Stream  string          `json:"stream"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type textPayload struct {
	Snapshot *string `json:"snapshot"`
	Delta    *string `json:"delta"`
}

type lifecycleEvent struct {
	Phase string `json:"phase"`
	Error string `json:"error"`
}

// ProcessEvent folds one event frame into its run's state. Frames for runs
// that were never started, or that already concluded, are ignored.
func (r *Reconciler) ProcessEvent(frame gateway.EventFrame) {
	runID := frame.RunID()
	if runID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || run.terminal {
		return
	}

	r.checkSequence(runID, run, frame)

	switch routeFrame(frame) {
	case "chat":
		r.processChat(runID, run, frame.Payload)
	case "agent":
		r.processAgent(runID, run, frame.Payload)
	}
}

// routeFrame classifies a frame as chat or agent: explicit payload metadata
// first, event-name substring as fallback.
func routeFrame(frame gateway.EventFrame) string {
	var meta struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(frame.Payload, &meta); err == nil {
		switch meta.Channel {
		case "chat", "agent":
			return meta.Channel
		}
	}
	name := strings.ToLower(frame.Event)
	if strings.Contains(name, "chat") {
		return "chat"
	}
	if strings.Contains(name, "agent") {
		return "agent"
	}
	return ""
}

func (r *Reconciler) checkSequence(runID string, run *runState, frame gateway.EventFrame) {
	seq, ok := frame.PayloadSeq()
	if !ok {
		seq = frame.Seq
		if seq == 0 {
			return
		}
	}
	if run.lastSeq >= 0 && seq > run.lastSeq+1 {
		expected := run.lastSeq + 1
		r.sink.Emit(diag.LevelWarn, "reconciler", "sequence_gap",
			map[string]any{"run_id": runID, "expected": expected, "received": seq})
		if r.cb.OnSequenceGap != nil {
			r.cb.OnSequenceGap(runID, expected, seq)
		}
	}
	if seq > run.lastSeq {
		run.lastSeq = seq
	}
}

func (r *Reconciler) processChat(runID string, run *runState, payload json.RawMessage) {
	var body chatBody
	if err := json.Unmarshal(payload, &body); err != nil {
		r.sink.Emit(diag.LevelDebug, "reconciler", "chat_decode_failed",
			map[string]any{"run_id": runID, "error": err.Error()})
		return
	}

	switch body.State {
	case "delta":
		if body.Message != nil {
			r.applyVisibleText(runID, run, *body.Message)
		}
	case "final", "aborted":
		if body.Message != nil {
			r.applyVisibleText(runID, run, *body.Message)
		}
		r.chatTerminal(runID, run, RunOutcome{Success: true})
	case "error":
		msg := body.Error
		if msg == "" {
			msg = "run failed"
		}
		r.finish(runID, run, RunOutcome{Success: false, Message: msg})
	}
}

func (r *Reconciler) processAgent(runID string, run *runState, payload json.RawMessage) {
	var body agentBody
	if err := json.Unmarshal(payload, &body); err != nil {
		r.sink.Emit(diag.LevelDebug, "reconciler", "agent_decode_failed",
			map[string]any{"run_id": runID, "error": err.Error()})
		return
	}

	switch body.Stream {
	case "assistant":
		var text textPayload
		if err := json.Unmarshal(body.Data, &text); err == nil {
			r.applyVisibleText(runID, run, text)
		}
	case "thinking":
		var text textPayload
		if err := json.Unmarshal(body.Data, &text); err == nil {
			r.applyThinkingText(runID, run, text)
		}
	case "tool":
		r.processTool(runID, run, body.Data)
	case "lifecycle":
		var lc lifecycleEvent
		if err := json.Unmarshal(body.Data, &lc); err != nil {
			return
		}
		switch lc.Phase {
		case "start":
			run.lifecycleSeen = true
		case "end":
			r.finish(runID, run, RunOutcome{Success: true})
		case "error":
			msg := lc.Error
			if msg == "" {
				msg = "run failed"
			}
			r.finish(runID, run, RunOutcome{Success: false, Message: msg})
		}
	case "error":
		var lc lifecycleEvent
		msg := "run failed"
		if err := json.Unmarshal(body.Data, &lc); err == nil && lc.Error != "" {
			msg = lc.Error
		}
		r.finish(runID, run, RunOutcome{Success: false, Message: msg})
	case "compaction":
		r.sink.Emit(diag.LevelDebug, "reconciler", "compaction",
			map[string]any{"run_id": runID})
	}
}

// applyVisibleText reconciles one chat/assistant text payload and routes the
// result through control stripping and the trace boundary.
func (r *Reconciler) applyVisibleText(runID string, run *runState, text textPayload) {
	var res Resolution
	switch {
	case text.Snapshot != nil:
		res = run.visible.applySnapshot(*text.Snapshot)
	case text.Delta != nil:
		res = run.visible.applyDelta(*text.Delta)
	default:
		return
	}

	switch res.Outcome {
	case OutcomeUnchanged:
	case OutcomeAppend:
		r.emitVisible(runID, run, res.Increment)
	case OutcomeRegressed, OutcomeRewritten:
		r.sink.Emit(diag.LevelWarn, "reconciler", "text_"+res.Outcome.String(),
			map[string]any{"run_id": runID})
		r.rebuildVisible(runID, run, res.Snapshot)
	}
}

// emitVisible pushes one raw assistant increment through the pipeline and
// fires the delta callbacks for whatever it releases.
func (r *Reconciler) emitVisible(runID string, run *runState, raw string) {
	stripped := run.stripper.feed(raw)
	if stripped == "" {
		return
	}
	visible, thinking := run.boundary.feed(stripped)
	if visible != "" {
		run.emittedVis.WriteString(visible)
		if r.cb.OnVisibleDelta != nil {
			r.cb.OnVisibleDelta(runID, visible)
		}
	}
	if thinking != "" {
		run.emittedTrace.WriteString(thinking)
		if r.cb.OnThinkingDelta != nil {
			r.cb.OnThinkingDelta(runID, thinking)
		}
	}
}

// rebuildVisible replaces the consumer's accumulated text after a regression
// or rewrite: the pipeline restarts from scratch on the new snapshot and the
// full results are delivered as replacements.
func (r *Reconciler) rebuildVisible(runID string, run *runState, snapshot string) {
	run.stripper = controlStripper{}
	run.boundary = boundaryScanner{}

	stripped := run.stripper.feed(snapshot)
	visible, thinking := run.boundary.feed(stripped)

	run.emittedVis.Reset()
	run.emittedVis.WriteString(visible)
	if r.cb.OnVisibleReplace != nil {
		r.cb.OnVisibleReplace(runID, visible)
	}

	if thinking != run.emittedTrace.String() {
		run.emittedTrace.Reset()
		run.emittedTrace.WriteString(thinking)
		if r.cb.OnThinkingReplace != nil {
			r.cb.OnThinkingReplace(runID, run.thinkingFull(thinking))
		}
	}
}

func (r *Reconciler) applyThinkingText(runID string, run *runState, text textPayload) {
	var res Resolution
	switch {
	case text.Snapshot != nil:
		res = run.thinking.applySnapshot(*text.Snapshot)
	case text.Delta != nil:
		res = run.thinking.applyDelta(*text.Delta)
	default:
		return
	}

	switch res.Outcome {
	case OutcomeUnchanged:
	case OutcomeAppend:
		if r.cb.OnThinkingDelta != nil {
			r.cb.OnThinkingDelta(runID, res.Increment)
		}
	case OutcomeRegressed, OutcomeRewritten:
		r.sink.Emit(diag.LevelWarn, "reconciler", "thinking_"+res.Outcome.String(),
			map[string]any{"run_id": runID})
		if r.cb.OnThinkingReplace != nil {
			r.cb.OnThinkingReplace(runID, run.thinkingFull(run.emittedTrace.String()))
		}
	}
}

func (r *Reconciler) processTool(runID string, run *runState, data json.RawMessage) {
	var e toolEvent
	if err := json.Unmarshal(data, &e); err != nil || e.ToolCallID == "" {
		return
	}

	// Tool activity interrupts prose: withheld partial-marker text is real
	// visible content, not the start of a trace boundary.
	if carried := run.boundary.flush(); carried != "" {
		run.emittedVis.WriteString(carried)
		if r.cb.OnVisibleDelta != nil {
			r.cb.OnVisibleDelta(runID, carried)
		}
	}

	tc := applyToolEvent(run.toolCalls, e)
	if tc != nil && r.cb.OnToolCall != nil {
		r.cb.OnToolCall(runID, *tc)
	}
}

// chatTerminal handles a chat-level success terminal. Once any agent
// lifecycle has been seen, the lifecycle stream is authoritative and the
// chat final only arms a grace-period fallback.
func (r *Reconciler) chatTerminal(runID string, run *runState, outcome RunOutcome) {
	if !run.lifecycleSeen {
		r.finish(runID, run, outcome)
		return
	}
	if run.graceTimer != nil {
		return
	}
	run.graceTimer = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		current, ok := r.runs[runID]
		if !ok || current != run || current.terminal {
			return
		}
		r.sink.Emit(diag.LevelDebug, "reconciler", "grace_timeout",
			map[string]any{"run_id": runID})
		r.finish(runID, current, outcome)
	})
}

// finish finalizes a run: flush withheld text, reconcile the incremental
// output against a batch re-sanitization of the stored snapshot, report the
// outcome, and drop the run's state. Callers hold r.mu.
func (r *Reconciler) finish(runID string, run *runState, outcome RunOutcome) {
	if run.terminal {
		return
	}
	run.terminal = true
	if run.graceTimer != nil {
		run.graceTimer.Stop()
		run.graceTimer = nil
	}

	// Drain the stripper first: a withheld partial tag was plain prose.
	if tail := run.stripper.flush(); tail != "" {
		visible, thinking := run.boundary.feed(tail)
		if visible != "" {
			run.emittedVis.WriteString(visible)
			if r.cb.OnVisibleDelta != nil {
				r.cb.OnVisibleDelta(runID, visible)
			}
		}
		if thinking != "" {
			run.emittedTrace.WriteString(thinking)
			if r.cb.OnThinkingDelta != nil {
				r.cb.OnThinkingDelta(runID, thinking)
			}
		}
	}
	if carried := run.boundary.flush(); carried != "" {
		run.emittedVis.WriteString(carried)
		if r.cb.OnVisibleDelta != nil {
			r.cb.OnVisibleDelta(runID, carried)
		}
	}

	// Batch reconstruction from the raw accumulated snapshot catches the
	// rare reorderings an incremental stream can get wrong.
	batchVisible, batchTrace := sanitizeOutput(run.visible.snapshot)
	if batchVisible != run.emittedVis.String() {
		r.sink.Emit(diag.LevelDebug, "reconciler", "final_repair",
			map[string]any{"run_id": runID})
		if r.cb.OnVisibleReplace != nil {
			r.cb.OnVisibleReplace(runID, batchVisible)
		}
	}
	if batchTrace != run.emittedTrace.String() {
		if r.cb.OnThinkingReplace != nil {
			r.cb.OnThinkingReplace(runID, run.thinkingFull(batchTrace))
		}
	}

	delete(r.runs, runID)
	if r.cb.OnRunEnded != nil {
		r.cb.OnRunEnded(runID, outcome)
	}
}

// EndRun force-finalizes a run, for consumers tearing down early. A run
// that already concluded is a no-op.
func (r *Reconciler) EndRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return
	}
	r.finish(runID, run, RunOutcome{Success: true})
}
