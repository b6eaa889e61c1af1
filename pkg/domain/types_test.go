package domain

import (
	"encoding/json"
	"testing"
)

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []MessageStatus{StatusDone, StatusError, StatusRejected} {
		if !s.Terminal() {
			t.Fatalf("%q should be terminal", s)
		}
	}
	for _, s := range []MessageStatus{StatusWaiting, StatusThinking, StatusStreaming, StatusDeleted} {
		if s.Terminal() {
			t.Fatalf("%q should not be terminal", s)
		}
	}
}

func TestMessagePatchApplyIsNoopWhenTerminal(t *testing.T) {
	m := Message{ID: "m1", Content: "final", Status: StatusDone, UpdatedAt: 1}
	applied := MessagePatch{
		Content: Ptr("other"),
		Status:  Ptr(StatusStreaming),
	}.Apply(&m, 5)

	if applied {
		t.Fatal("expected no-op on terminal message")
	}
	if m.Content != "final" || m.Status != StatusDone || m.UpdatedAt != 1 {
		t.Fatalf("terminal message changed: %+v", m)
	}
}

func TestMessagePatchDistinguishesEmptyFromUnset(t *testing.T) {
	m := Message{Content: "draft", Reasoning: "thinking", Status: StatusStreaming}

	MessagePatch{Reasoning: Ptr("")}.Apply(&m, 2)
	if m.Content != "draft" {
		t.Fatalf("unset content must stay, got %q", m.Content)
	}
	if m.Reasoning != "" {
		t.Fatalf("explicit empty reasoning must clear, got %q", m.Reasoning)
	}
	if m.UpdatedAt != 2 {
		t.Fatalf("updated_at = %d", m.UpdatedAt)
	}
}

func TestMessagePatchClearsStreamIDOutsideStreaming(t *testing.T) {
	m := Message{Status: StatusWaiting}
	MessagePatch{Status: Ptr(StatusStreaming), ResumableStreamID: Ptr("stream_m1")}.Apply(&m, 1)
	if m.ResumableStreamID != "stream_m1" {
		t.Fatalf("stream id = %q", m.ResumableStreamID)
	}
	MessagePatch{Status: Ptr(StatusDone)}.Apply(&m, 2)
	if m.ResumableStreamID != "" {
		t.Fatalf("stream id should be cleared once done, got %q", m.ResumableStreamID)
	}
}

func TestMessagePatchMergesMetadata(t *testing.T) {
	m := Message{Status: StatusStreaming, ProviderMetadata: map[string]any{"a": 1}}
	MessagePatch{ProviderMetadata: map[string]any{"b": 2}}.Apply(&m, 1)
	if m.ProviderMetadata["a"] != 1 || m.ProviderMetadata["b"] != 2 {
		t.Fatalf("metadata = %v", m.ProviderMetadata)
	}
}

func TestPatchToolLifecycle(t *testing.T) {
	var tools []ToolInvocation
	steps := []ToolPatch{
		{ToolName: "search", State: ToolStreamingStart},
		{State: ToolStreamingDelta, ArgsDelta: `{"q":`},
		{State: ToolStreamingDelta, ArgsDelta: `"go"}`},
		{State: ToolCall, Args: json.RawMessage(`{"q":"go"}`)},
		{State: ToolResult, Result: json.RawMessage(`{"hits":3}`)},
	}
	for i, step := range steps {
		var ok bool
		tools, ok = PatchTool(tools, "1", step, int64(i))
		if !ok {
			t.Fatalf("step %d rejected", i)
		}
	}
	if len(tools) != 1 {
		t.Fatalf("expected one invocation, got %d", len(tools))
	}
	got := tools[0]
	if got.State != ToolResult || got.ToolName != "search" {
		t.Fatalf("unexpected invocation: %+v", got)
	}
	if string(got.Args.Value) != `{"q":"go"}` || got.Args.Partial != "" {
		t.Fatalf("args = %+v", got.Args)
	}
	if string(got.Result) != `{"hits":3}` {
		t.Fatalf("result = %s", got.Result)
	}
}

func TestPatchToolNeverRegresses(t *testing.T) {
	tools, _ := PatchTool(nil, "1", ToolPatch{ToolName: "search", State: ToolCall, Args: json.RawMessage(`{}`)}, 1)

	before := tools
	tools, ok := PatchTool(tools, "1", ToolPatch{State: ToolStreamingDelta, ArgsDelta: "x"}, 2)
	if ok {
		t.Fatal("stale delta must be dropped")
	}
	if tools[0].State != ToolCall || tools[0].Args.Partial != "" {
		t.Fatalf("invocation regressed: %+v", tools[0])
	}

	tools, ok = PatchTool(tools, "1", ToolPatch{State: ToolCall, Args: json.RawMessage(`{}`)}, 3)
	if !ok || len(tools) != 1 {
		t.Fatalf("re-delivered call: ok=%v len=%d", ok, len(tools))
	}
	if before[0].Timestamp != 1 {
		t.Fatal("input slice was modified")
	}
}

func TestMergeToolKeepsOrderAndState(t *testing.T) {
	tools := []ToolInvocation{
		{ToolCallID: "a", State: ToolResult},
		{ToolCallID: "b", State: ToolStreamingStart},
	}
	tools, _ = MergeTool(tools, ToolInvocation{ToolCallID: "a", State: ToolCall}, 1)
	tools, _ = MergeTool(tools, ToolInvocation{ToolCallID: "b", State: ToolCall, Args: ToolArgs{Value: json.RawMessage(`1`)}}, 1)
	tools, _ = MergeTool(tools, ToolInvocation{ToolCallID: "c", State: ToolCall}, 1)

	if len(tools) != 3 || tools[0].ToolCallID != "a" || tools[2].ToolCallID != "c" {
		t.Fatalf("order changed: %+v", tools)
	}
	if tools[0].State != ToolResult {
		t.Fatalf("a regressed to %q", tools[0].State)
	}
	if tools[1].State != ToolCall || string(tools[1].Args.Value) != "1" {
		t.Fatalf("b not advanced: %+v", tools[1])
	}
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := Message{Tools: []ToolInvocation{{ToolCallID: "1"}}, ProviderMetadata: map[string]any{"k": "v"}}
	c := m.Clone()
	c.Tools[0].ToolCallID = "2"
	c.ProviderMetadata["k"] = "w"
	if m.Tools[0].ToolCallID != "1" || m.ProviderMetadata["k"] != "v" {
		t.Fatal("clone shares state with original")
	}
}

func TestPatchToolSkipsRedeliveredDelta(t *testing.T) {
	at := func(n int) *int { return &n }
	tools, _ := PatchTool(nil, "1", ToolPatch{ToolName: "search", State: ToolStreamingStart}, 1)
	steps := []ToolPatch{
		{State: ToolStreamingDelta, ArgsDelta: `{"a":`, ArgsOffset: at(0)},
		{State: ToolStreamingDelta, ArgsDelta: `{"a":`, ArgsOffset: at(0)},
		{State: ToolStreamingDelta, ArgsDelta: `":1}`, ArgsOffset: at(4)},
		{State: ToolStreamingDelta, ArgsDelta: `1}`, ArgsOffset: at(5)},
	}
	for _, step := range steps {
		tools, _ = PatchTool(tools, "1", step, 2)
	}
	if got := tools[0].Args.Partial; got != `{"a":1}` {
		t.Fatalf("partial args = %q", got)
	}

	// Without offsets every delta is appended.
	tools, _ = PatchTool(nil, "2", ToolPatch{State: ToolStreamingDelta, ArgsDelta: "a"}, 1)
	tools, _ = PatchTool(tools, "2", ToolPatch{State: ToolStreamingDelta, ArgsDelta: "a"}, 2)
	if got := tools[0].Args.Partial; got != "aa" {
		t.Fatalf("partial args = %q", got)
	}
}
