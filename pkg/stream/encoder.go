package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Encoder writes events as frames. When the underlying writer is an
// http.Flusher every frame is flushed immediately.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
	buf     bytes.Buffer
}

func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Encode writes one frame.
func (e *Encoder) Encode(ev Event) error {
	frame, err := MarshalFrame(ev)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(frame); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// MarshalFrame renders ev as a single newline-terminated frame.
func MarshalFrame(ev Event) ([]byte, error) {
	code, ok := kindCodes[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	payload, err := payloadOf(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, code, ':')
	frame = append(frame, payload...)
	return append(frame, '\n'), nil
}

func payloadOf(ev Event) ([]byte, error) {
	switch ev.Kind {
	case KindText, KindReasoning, KindError:
		return json.Marshal(ev.Text)
	case KindData, KindAnnotation:
		values := ev.Values
		if values == nil {
			values = []json.RawMessage{}
		}
		return json.Marshal(values)
	case KindToolStart:
		return json.Marshal(toolStartPayload{ToolCallID: ev.ToolCallID, ToolName: ev.ToolName})
	case KindToolDelta:
		return json.Marshal(toolDeltaPayload{ToolCallID: ev.ToolCallID, ArgsTextDelta: ev.ArgsDelta, ArgsTextOffset: ev.ArgsOffset})
	case KindToolCall:
		args := ev.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return json.Marshal(toolCallPayload{ToolCallID: ev.ToolCallID, ToolName: ev.ToolName, Args: args})
	case KindToolResult:
		result := ev.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return json.Marshal(toolResultPayload{ToolCallID: ev.ToolCallID, Result: result})
	case KindStepStart:
		return json.Marshal(stepStartPayload{MessageID: ev.MessageID})
	case KindStepFinish:
		cont := ev.IsContinued
		return json.Marshal(finishPayload{FinishReason: ev.FinishReason, Usage: ev.Usage, IsContinued: &cont})
	case KindFinish:
		return json.Marshal(finishPayload{FinishReason: ev.FinishReason, Usage: ev.Usage})
	}
	return nil, ErrUnknownKind
}
