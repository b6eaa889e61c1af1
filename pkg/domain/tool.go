package domain

import "encoding/json"

type ToolState string

const (
	ToolStreamingStart ToolState = "streaming-start"
	ToolStreamingDelta ToolState = "streaming-delta"
	ToolCall           ToolState = "call"
	ToolResult         ToolState = "result"
)

// Rank orders tool states. Unknown states rank below every known one.
func (s ToolState) Rank() int {
	switch s {
	case ToolStreamingStart:
		return 1
	case ToolStreamingDelta:
		return 2
	case ToolCall:
		return 3
	case ToolResult:
		return 4
	}
	return 0
}

// ToolArgs holds tool arguments. Partial accumulates raw argument text while
// the call streams and is never parsed; Value is set once the call is final.
type ToolArgs struct {
	Partial string          `json:"partial,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func (a ToolArgs) Final() bool {
	return len(a.Value) > 0
}

type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       ToolArgs        `json:"args"`
	State      ToolState       `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// ToolPatch describes one tool lifecycle step for a given toolCallId.
type ToolPatch struct {
	ToolName   string
	State      ToolState
	ArgsDelta  string
	// ArgsOffset is where ArgsDelta starts in the accumulated argument text.
	// When set, a delta already covered by the text is not appended again.
	ArgsOffset *int
	Args       json.RawMessage
	Result     json.RawMessage
}

// PatchTool applies patch to the invocation with id, appending a new one when
// absent. A patch whose state is behind the current one is dropped, so
// re-delivered events never regress or duplicate an invocation. The input
// slice is never modified.
func PatchTool(list []ToolInvocation, id string, patch ToolPatch, now int64) ([]ToolInvocation, bool) {
	idx := indexOfTool(list, id)
	if idx >= 0 && patch.State != "" && patch.State.Rank() < list[idx].State.Rank() {
		return list, false
	}
	out := append(make([]ToolInvocation, 0, len(list)+1), list...)
	if idx < 0 {
		out = append(out, ToolInvocation{ToolCallID: id, State: ToolStreamingStart})
		idx = len(out) - 1
	}
	inv := &out[idx]
	if patch.ToolName != "" {
		inv.ToolName = patch.ToolName
	}
	if patch.State != "" {
		inv.State = patch.State
	}
	if patch.ArgsDelta != "" && !inv.Args.Final() {
		inv.Args.Partial = appendArgs(inv.Args.Partial, patch.ArgsDelta, patch.ArgsOffset)
	}
	if len(patch.Args) > 0 {
		inv.Args = ToolArgs{Value: patch.Args}
	}
	if len(patch.Result) > 0 {
		inv.Result = patch.Result
	}
	inv.Timestamp = now
	return out, true
}

// MergeTool folds a whole invocation into list by ToolCallID with the same
// forward-only rule as PatchTool.
func MergeTool(list []ToolInvocation, inv ToolInvocation, now int64) ([]ToolInvocation, bool) {
	idx := indexOfTool(list, inv.ToolCallID)
	if idx >= 0 && inv.State.Rank() < list[idx].State.Rank() {
		return list, false
	}
	out := append(make([]ToolInvocation, 0, len(list)+1), list...)
	if idx < 0 {
		inv.Timestamp = now
		return append(out, inv), true
	}
	cur := &out[idx]
	if inv.ToolName != "" {
		cur.ToolName = inv.ToolName
	}
	if inv.State != "" {
		cur.State = inv.State
	}
	switch {
	case inv.Args.Final():
		cur.Args = inv.Args
	case inv.Args.Partial != "" && !cur.Args.Final():
		cur.Args.Partial = inv.Args.Partial
	}
	if len(inv.Result) > 0 {
		cur.Result = inv.Result
	}
	cur.Timestamp = now
	return out, true
}

// appendArgs adds delta to partial. With an offset only the part of delta past
// the end of partial is added; a gap before offset is ignored.
func appendArgs(partial, delta string, offset *int) string {
	if offset == nil || *offset >= len(partial) {
		return partial + delta
	}
	covered := len(partial) - *offset
	if covered >= len(delta) {
		return partial
	}
	return partial + delta[covered:]
}

func indexOfTool(list []ToolInvocation, id string) int {
	for i := range list {
		if list[i].ToolCallID == id {
			return i
		}
	}
	return -1
}
