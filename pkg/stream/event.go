// Package stream implements the line-framed event protocol spoken between the
// generation service and its clients. Each frame is "<code>:<json>\n".
package stream

import (
	"encoding/json"
	"errors"
)

// Kind identifies an event variant.
type Kind string

const (
	KindText       Kind = "text"
	KindReasoning  Kind = "reasoning"
	KindData       Kind = "data"
	KindAnnotation Kind = "annotation"
	KindToolStart  Kind = "tool-call-streaming-start"
	KindToolDelta  Kind = "tool-call-delta"
	KindToolCall   Kind = "tool-call"
	KindToolResult Kind = "tool-result"
	KindStepStart  Kind = "start-step"
	KindStepFinish Kind = "finish-step"
	KindFinish     Kind = "finish"
	KindError      Kind = "error"
)

var kindCodes = map[Kind]byte{
	KindText:       '0',
	KindData:       '2',
	KindError:      '3',
	KindAnnotation: '8',
	KindToolCall:   '9',
	KindToolResult: 'a',
	KindToolStart:  'b',
	KindToolDelta:  'c',
	KindFinish:     'd',
	KindStepFinish: 'e',
	KindStepStart:  'f',
	KindReasoning:  'g',
}

var codeKinds = func() map[byte]Kind {
	out := make(map[byte]Kind, len(kindCodes))
	for k, c := range kindCodes {
		out[c] = k
	}
	return out
}()

var (
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrIncomplete means the byte stream ended before a finish or error event.
	ErrIncomplete = errors.New("stream ended before finish")
)

type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

// Event is one decoded frame. Only the fields of its Kind are meaningful:
//
//	text, reasoning, error   Text
//	data, annotation         Values
//	tool-call-streaming-start ToolCallID, ToolName
//	tool-call-delta          ToolCallID, ArgsDelta (raw text, never parsed), ArgsOffset
//	tool-call                ToolCallID, ToolName, Args
//	tool-result              ToolCallID, Result
//	start-step               MessageID
//	finish-step, finish      FinishReason, Usage, IsContinued
type Event struct {
	Kind         Kind
	Text         string
	Values       []json.RawMessage
	ToolCallID   string
	ToolName     string
	ArgsDelta    string
	ArgsOffset   *int
	Args         json.RawMessage
	Result       json.RawMessage
	MessageID    string
	FinishReason string
	Usage        *Usage
	IsContinued  bool
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == KindFinish || e.Kind == KindError
}

func Text(delta string) Event      { return Event{Kind: KindText, Text: delta} }
func Reasoning(delta string) Event { return Event{Kind: KindReasoning, Text: delta} }
func Error(message string) Event   { return Event{Kind: KindError, Text: message} }

func Data(values ...json.RawMessage) Event {
	return Event{Kind: KindData, Values: values}
}

func ToolStart(id, name string) Event {
	return Event{Kind: KindToolStart, ToolCallID: id, ToolName: name}
}

func ToolDelta(id, argsDelta string) Event {
	return Event{Kind: KindToolDelta, ToolCallID: id, ArgsDelta: argsDelta}
}

// ToolDeltaAt is ToolDelta for a fragment starting at offset in the call's
// argument text.
func ToolDeltaAt(id, argsDelta string, offset int) Event {
	ev := ToolDelta(id, argsDelta)
	ev.ArgsOffset = &offset
	return ev
}

func ToolCall(id, name string, args json.RawMessage) Event {
	return Event{Kind: KindToolCall, ToolCallID: id, ToolName: name, Args: args}
}

func ToolResult(id string, result json.RawMessage) Event {
	return Event{Kind: KindToolResult, ToolCallID: id, Result: result}
}

func StepStart(messageID string) Event {
	return Event{Kind: KindStepStart, MessageID: messageID}
}

func StepFinish(reason string, usage *Usage) Event {
	return Event{Kind: KindStepFinish, FinishReason: reason, Usage: usage}
}

func Finish(reason string, usage *Usage) Event {
	return Event{Kind: KindFinish, FinishReason: reason, Usage: usage}
}

type toolStartPayload struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

type toolDeltaPayload struct {
	ToolCallID     string `json:"toolCallId"`
	ArgsTextDelta  string `json:"argsTextDelta"`
	ArgsTextOffset *int   `json:"argsTextOffset,omitempty"`
}

type toolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

type toolResultPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

type stepStartPayload struct {
	MessageID string `json:"messageId"`
}

type finishPayload struct {
	FinishReason string `json:"finishReason"`
	Usage        *Usage `json:"usage,omitempty"`
	IsContinued  *bool  `json:"isContinued,omitempty"`
}
