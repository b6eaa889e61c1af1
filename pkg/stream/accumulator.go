package stream

import (
	"encoding/json"
	"strings"

	"streamchat/pkg/domain"
)

// State is the message content built from the events seen so far.
type State struct {
	Content      string
	Reasoning    string
	Tools        []domain.ToolInvocation
	Metadata     map[string]any
	FinishReason string
	Usage        *Usage
	Finished     bool
	Failed       bool
	ErrorMessage string
}

// Accumulator folds events into a State. It is not safe for concurrent use;
// one stream is consumed by one goroutine.
type Accumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	state     State
}

// Reset drops everything seen so far, e.g. before a resumed stream replays
// from its first frame.
func (a *Accumulator) Reset() {
	a.content.Reset()
	a.reasoning.Reset()
	a.state = State{}
}

// Apply folds ev into the state. now stamps tool invocations.
func (a *Accumulator) Apply(ev Event, now int64) {
	switch ev.Kind {
	case KindText:
		a.content.WriteString(ev.Text)
	case KindReasoning:
		a.reasoning.WriteString(ev.Text)
	case KindData, KindAnnotation:
		a.state.Metadata = domain.MergeMetadata(a.state.Metadata, MetadataFromValues(ev.Values))
	case KindToolStart:
		a.state.Tools, _ = domain.PatchTool(a.state.Tools, ev.ToolCallID, domain.ToolPatch{ToolName: ev.ToolName, State: domain.ToolStreamingStart}, now)
	case KindToolDelta:
		a.state.Tools, _ = domain.PatchTool(a.state.Tools, ev.ToolCallID, domain.ToolPatch{State: domain.ToolStreamingDelta, ArgsDelta: ev.ArgsDelta, ArgsOffset: ev.ArgsOffset}, now)
	case KindToolCall:
		a.state.Tools, _ = domain.PatchTool(a.state.Tools, ev.ToolCallID, domain.ToolPatch{ToolName: ev.ToolName, State: domain.ToolCall, Args: ev.Args}, now)
	case KindToolResult:
		a.state.Tools, _ = domain.PatchTool(a.state.Tools, ev.ToolCallID, domain.ToolPatch{State: domain.ToolResult, Result: ev.Result}, now)
	case KindStepFinish:
		if ev.Usage != nil {
			a.state.Usage = ev.Usage
		}
	case KindFinish:
		a.state.Finished = true
		a.state.FinishReason = ev.FinishReason
		if ev.Usage != nil {
			a.state.Usage = ev.Usage
		}
	case KindError:
		a.state.Failed = true
		a.state.ErrorMessage = ev.Text
	}
}

// State returns a copy of the current state.
func (a *Accumulator) State() State {
	s := a.state
	s.Content = a.content.String()
	s.Reasoning = a.reasoning.String()
	s.Tools = append([]domain.ToolInvocation(nil), a.state.Tools...)
	s.Metadata = domain.MergeMetadata(nil, a.state.Metadata)
	if s.Usage != nil || s.FinishReason != "" {
		extra := map[string]any{}
		if s.Usage != nil {
			extra["usage"] = map[string]any{
				"promptTokens":     s.Usage.PromptTokens,
				"completionTokens": s.Usage.CompletionTokens,
			}
		}
		if s.FinishReason != "" {
			extra["finishReason"] = s.FinishReason
		}
		s.Metadata = domain.MergeMetadata(s.Metadata, extra)
	}
	return s
}

// MetadataFromValues merges the JSON objects among values key by key.
// Other shapes carry no metadata and are ignored.
func MetadataFromValues(values []json.RawMessage) map[string]any {
	var out map[string]any
	for _, raw := range values {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
			continue
		}
		out = domain.MergeMetadata(out, obj)
	}
	return out
}
