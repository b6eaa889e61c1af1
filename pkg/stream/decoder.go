package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

const (
	initialFrameBuffer = 64 * 1024
	maxFrameSize       = 8 * 1024 * 1024
)

// HandlerFunc receives decoded events in arrival order. Returning an error
// stops decoding.
type HandlerFunc func(Event) error

// Decode reads frames from r and hands each event to fn. It returns nil after
// a finish or error event, ctx.Err() when ctx is cancelled, and ErrIncomplete
// when r ends first. Frames with unknown codes are skipped.
func Decode(ctx context.Context, r io.Reader, fn HandlerFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialFrameBuffer), maxFrameSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		ev, ok, err := ParseFrame(line)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		// A cancelled request closes the body under the scanner.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrIncomplete
}

// ParseFrame decodes one frame without its trailing newline. ok is false for
// frames with an unknown code.
func ParseFrame(line []byte) (ev Event, ok bool, err error) {
	if len(line) < 2 || line[1] != ':' {
		return Event{}, false, fmt.Errorf("%w: %q", ErrMalformedFrame, truncate(line))
	}
	kind, known := codeKinds[line[0]]
	if !known {
		return Event{}, false, nil
	}
	payload := line[2:]
	ev = Event{Kind: kind}

	switch kind {
	case KindText, KindReasoning, KindError:
		err = json.Unmarshal(payload, &ev.Text)
	case KindData, KindAnnotation:
		err = json.Unmarshal(payload, &ev.Values)
	case KindToolStart:
		var p toolStartPayload
		err = json.Unmarshal(payload, &p)
		ev.ToolCallID, ev.ToolName = p.ToolCallID, p.ToolName
	case KindToolDelta:
		var p toolDeltaPayload
		err = json.Unmarshal(payload, &p)
		ev.ToolCallID, ev.ArgsDelta, ev.ArgsOffset = p.ToolCallID, p.ArgsTextDelta, p.ArgsTextOffset
	case KindToolCall:
		var p toolCallPayload
		err = json.Unmarshal(payload, &p)
		ev.ToolCallID, ev.ToolName, ev.Args = p.ToolCallID, p.ToolName, p.Args
	case KindToolResult:
		var p toolResultPayload
		err = json.Unmarshal(payload, &p)
		ev.ToolCallID, ev.Result = p.ToolCallID, p.Result
	case KindStepStart:
		var p stepStartPayload
		err = json.Unmarshal(payload, &p)
		ev.MessageID = p.MessageID
	case KindStepFinish, KindFinish:
		var p finishPayload
		err = json.Unmarshal(payload, &p)
		ev.FinishReason, ev.Usage = p.FinishReason, p.Usage
		if p.IsContinued != nil {
			ev.IsContinued = *p.IsContinued
		}
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, kind, err)
	}
	if isToolKind(kind) && ev.ToolCallID == "" {
		return Event{}, false, fmt.Errorf("%w: %s without toolCallId", ErrMalformedFrame, kind)
	}
	return ev, true, nil
}

func isToolKind(k Kind) bool {
	switch k {
	case KindToolStart, KindToolDelta, KindToolCall, KindToolResult:
		return true
	}
	return false
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
