package runstream

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatelink/pkg/diag"
	"gatelink/pkg/gateway"
)

// collector records every callback invocation for assertions.
type collector struct {
	mu        sync.Mutex
	visible   []string
	replaces  []string
	thinking  []string
	thinkRepl []string
	tools     []ToolCall
	gaps      [][2]int64
	ended     []RunOutcome
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnVisibleDelta: func(_, text string) {
			c.mu.Lock()
			c.visible = append(c.visible, text)
			c.mu.Unlock()
		},
		OnVisibleReplace: func(_, full string) {
			c.mu.Lock()
			c.replaces = append(c.replaces, full)
			c.mu.Unlock()
		},
		OnThinkingDelta: func(_, text string) {
			c.mu.Lock()
			c.thinking = append(c.thinking, text)
			c.mu.Unlock()
		},
		OnThinkingReplace: func(_, full string) {
			c.mu.Lock()
			c.thinkRepl = append(c.thinkRepl, full)
			c.mu.Unlock()
		},
		OnToolCall: func(_ string, call ToolCall) {
			c.mu.Lock()
			c.tools = append(c.tools, call)
			c.mu.Unlock()
		},
		OnSequenceGap: func(_ string, expected, received int64) {
			c.mu.Lock()
			c.gaps = append(c.gaps, [2]int64{expected, received})
			c.mu.Unlock()
		},
		OnRunEnded: func(_ string, outcome RunOutcome) {
			c.mu.Lock()
			c.ended = append(c.ended, outcome)
			c.mu.Unlock()
		},
	}
}

func (c *collector) endedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ended)
}

func frame(runID string, seq int64, event string, body map[string]any) gateway.EventFrame {
	body["runId"] = runID
	if seq > 0 {
		body["seq"] = seq
	}
	payload, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return gateway.EventFrame{Event: event, Seq: seq, Payload: payload}
}

func chatDelta(runID string, seq int64, text map[string]any) gateway.EventFrame {
	return frame(runID, seq, "chat.message", map[string]any{
		"channel": "chat", "state": "delta", "message": text,
	})
}

func chatState(runID string, seq int64, state string) gateway.EventFrame {
	return frame(runID, seq, "chat.message", map[string]any{
		"channel": "chat", "state": state,
	})
}

func agentStream(runID string, seq int64, stream string, data map[string]any) gateway.EventFrame {
	return frame(runID, seq, "agent.stream", map[string]any{
		"channel": "agent", "stream": stream, "data": data,
	})
}

func TestEndToEndChatRun(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(chatDelta("r1", 1, map[string]any{"snapshot": "Hi"}))
	r.ProcessEvent(chatDelta("r1", 2, map[string]any{"snapshot": "Hi there"}))
	r.ProcessEvent(chatState("r1", 3, "final"))

	assert.Equal(t, []string{"Hi", " there"}, col.visible)
	require.Len(t, col.ended, 1)
	assert.True(t, col.ended[0].Success)
	assert.False(t, r.Active("r1"), "state destroyed on run end")
}

func TestSequenceGapDetection(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(chatDelta("r1", 5, map[string]any{"snapshot": "a"}))
	r.ProcessEvent(chatDelta("r1", 9, map[string]any{"snapshot": "ab"}))
	r.ProcessEvent(chatDelta("r1", 10, map[string]any{"snapshot": "abc"}))

	require.Len(t, col.gaps, 1, "exactly one gap registered")
	assert.Equal(t, [2]int64{6, 9}, col.gaps[0])
}

func TestMislabeledCumulativeDelta(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(chatDelta("r1", 1, map[string]any{"delta": "Hi"}))
	r.ProcessEvent(chatDelta("r1", 2, map[string]any{"delta": "Hi there"}))
	r.ProcessEvent(chatDelta("r1", 3, map[string]any{"delta": "Hi"}))

	assert.Equal(t, []string{"Hi", " there"}, col.visible,
		"cumulative text mislabeled as delta emits only the suffix; stale duplicates drop")
}

func TestRegressionReplacesInsteadOfRewinding(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(chatDelta("r1", 1, map[string]any{"snapshot": "Hello world"}))
	r.ProcessEvent(chatDelta("r1", 2, map[string]any{"snapshot": "Hello"}))

	assert.Equal(t, []string{"Hello world"}, col.visible, "no negative delta")
	assert.Equal(t, []string{"Hello"}, col.replaces)
}

func TestRewriteReplaces(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "assistant", map[string]any{"snapshot": "first draft"}))
	r.ProcessEvent(agentStream("r1", 2, "assistant", map[string]any{"snapshot": "second take"}))

	assert.Equal(t, []string{"first draft"}, col.visible)
	assert.Equal(t, []string{"second take"}, col.replaces)
}

func TestTraceBoundaryThroughReconciler(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "assistant", map[string]any{"delta": "Hello\nSys"}))
	r.ProcessEvent(agentStream("r1", 2, "assistant", map[string]any{"delta": "tem:\nworld"}))
	r.ProcessEvent(agentStream("r1", 3, "lifecycle", map[string]any{"phase": "start"}))
	r.ProcessEvent(agentStream("r1", 4, "lifecycle", map[string]any{"phase": "end"}))

	var vis string
	for _, v := range col.visible {
		vis += v
	}
	var think string
	for _, v := range col.thinking {
		think += v
	}
	assert.Equal(t, "Hello", vis)
	assert.Equal(t, "System:\nworld", think)
	assert.Empty(t, col.replaces, "incremental output matches batch reconstruction")
}

func TestThinkingStreamSeparateState(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "thinking", map[string]any{"snapshot": "pondering"}))
	r.ProcessEvent(agentStream("r1", 2, "assistant", map[string]any{"snapshot": "pondering done"}))
	r.ProcessEvent(agentStream("r1", 3, "thinking", map[string]any{"snapshot": "pondering more"}))

	assert.Equal(t, []string{"pondering", " more"}, col.thinking,
		"thinking channel resolves against its own stored snapshot")
	assert.Equal(t, []string{"pondering done"}, col.visible)
}

func TestToolCallLifecycle(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "tool", map[string]any{
		"phase": "start", "toolCallId": "t1", "name": "search",
		"arguments": map[string]any{"q": "go"},
	}))
	r.ProcessEvent(agentStream("r1", 2, "tool", map[string]any{
		"phase": "update", "toolCallId": "t1", "partial": "searching...",
	}))
	r.ProcessEvent(agentStream("r1", 3, "tool", map[string]any{
		"phase": "result", "toolCallId": "t1", "result": "3 hits",
	}))

	require.Len(t, col.tools, 3)
	assert.Equal(t, "search", col.tools[0].Name)
	assert.False(t, col.tools[0].Done)
	assert.Equal(t, "searching...", col.tools[1].Result)
	assert.Equal(t, "3 hits", col.tools[2].Result)
	assert.True(t, col.tools[2].Done)
}

func TestToolEventFlushesPartialMarker(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "assistant", map[string]any{"delta": "note\nSystem:"}))
	r.ProcessEvent(agentStream("r1", 2, "tool", map[string]any{
		"phase": "start", "toolCallId": "t1", "name": "calc",
	}))

	assert.Equal(t, []string{"note", "\nSystem:"}, col.visible,
		"tool activity interrupts prose, the withheld marker prefix is visible text")
}

func TestLifecycleAuthoritativeOverChatFinal(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{}, WithGracePeriod(time.Minute))

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "lifecycle", map[string]any{"phase": "start"}))
	r.ProcessEvent(chatState("r1", 2, "final"))
	assert.Equal(t, 0, col.endedCount(), "chat final alone does not finalize after lifecycle start")

	r.ProcessEvent(agentStream("r1", 3, "lifecycle", map[string]any{"phase": "end"}))
	assert.Equal(t, 1, col.endedCount())
	assert.True(t, col.ended[0].Success)

	// The cancelled grace timer must not fire a second terminal.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, col.endedCount())
}

func TestGraceTimerFallback(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{}, WithGracePeriod(30*time.Millisecond))

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "lifecycle", map[string]any{"phase": "start"}))
	r.ProcessEvent(chatState("r1", 2, "final"))
	assert.Equal(t, 0, col.endedCount())

	deadline := time.After(2 * time.Second)
	for col.endedCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("grace timer never finalized the run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.True(t, col.ended[0].Success)
}

func TestChatFinalWithoutLifecycleEndsImmediately(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{}, WithGracePeriod(time.Minute))

	r.StartRun("r1")
	r.ProcessEvent(chatState("r1", 1, "final"))
	assert.Equal(t, 1, col.endedCount())
}

func TestChatErrorCarriesMessage(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(frame("r1", 1, "chat.message", map[string]any{
		"channel": "chat", "state": "error", "error": "model refused",
	}))

	require.Len(t, col.ended, 1)
	assert.False(t, col.ended[0].Success)
	assert.Equal(t, "model refused", col.ended[0].Message)
}

func TestAgentErrorStream(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "error", map[string]any{"error": "tool crashed"}))

	require.Len(t, col.ended, 1)
	assert.False(t, col.ended[0].Success)
	assert.Equal(t, "tool crashed", col.ended[0].Message)
}

func TestFramesIgnoredOutsideRunLifetime(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.ProcessEvent(chatDelta("unknown", 1, map[string]any{"snapshot": "x"}))
	assert.Empty(t, col.visible, "frames for unstarted runs are dropped")

	r.StartRun("r1")
	r.ProcessEvent(chatState("r1", 1, "aborted"))
	r.ProcessEvent(chatDelta("r1", 2, map[string]any{"snapshot": "late"}))
	assert.Empty(t, col.visible, "frames after the terminal are dropped")
	assert.Equal(t, 1, col.endedCount())
}

func TestRoutingFallsBackToEventName(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	payload, _ := json.Marshal(map[string]any{
		"runId": "r1", "state": "delta",
		"message": map[string]any{"snapshot": "by name"},
	})
	r.ProcessEvent(gateway.EventFrame{Event: "chat.delta", Seq: 1, Payload: payload})
	assert.Equal(t, []string{"by name"}, col.visible)
}

func TestEndRunFlushesCarriedText(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "assistant", map[string]any{"delta": "tail\nSystem:"}))
	r.EndRun("r1")

	var vis string
	for _, v := range col.visible {
		vis += v
	}
	assert.Equal(t, "tail\nSystem:", vis, "partial marker flushes as visible at run end")
	assert.Equal(t, 1, col.endedCount())
}

func TestControlBlockStrippedFromStream(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	r.StartRun("r1")
	r.ProcessEvent(agentStream("r1", 1, "assistant", map[string]any{"delta": "run it<tool_call>{\"op\""}))
	r.ProcessEvent(agentStream("r1", 2, "assistant", map[string]any{"delta": ":1}</tool_call> ok"}))
	r.ProcessEvent(agentStream("r1", 3, "lifecycle", map[string]any{"phase": "end"}))

	var vis string
	for _, v := range col.visible {
		vis += v
	}
	assert.Equal(t, "run it ok", vis)
}

func TestManyConcurrentRuns(t *testing.T) {
	col := &collector{}
	r := NewReconciler(col.callbacks(), diag.NopSink{})

	for i := 0; i < 8; i++ {
		r.StartRun(fmt.Sprintf("r%d", i))
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := fmt.Sprintf("r%d", i)
			r.ProcessEvent(chatDelta(runID, 1, map[string]any{"snapshot": "text"}))
			r.ProcessEvent(chatState(runID, 2, "final"))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, col.endedCount())
}
