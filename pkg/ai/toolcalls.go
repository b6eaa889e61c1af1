package ai

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"streamchat/pkg/stream"
)

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// toolAssembler turns fragmented tool calls into start, delta and call
// events. Fragments are keyed by the provider's stream index.
type toolAssembler struct {
	emit   EmitFunc
	order  []*pendingCall
	index  map[int64]*pendingCall
	called bool
}

func newToolAssembler(emit EmitFunc) *toolAssembler {
	return &toolAssembler{emit: emit, index: make(map[int64]*pendingCall)}
}

func (a *toolAssembler) begin(idx int64, id, name string) error {
	if _, ok := a.index[idx]; ok {
		return nil
	}
	if id == "" {
		id = newToolCallID()
	}
	call := &pendingCall{id: id, name: name}
	a.index[idx] = call
	a.order = append(a.order, call)
	return a.emit(stream.ToolStart(id, name))
}

func (a *toolAssembler) delta(idx int64, fragment string) error {
	call, ok := a.index[idx]
	if !ok || fragment == "" {
		return nil
	}
	offset := call.args.Len()
	call.args.WriteString(fragment)
	return a.emit(stream.ToolDeltaAt(call.id, fragment, offset))
}

// complete emits a whole call that arrived in one piece.
func (a *toolAssembler) complete(id, name string, args json.RawMessage) error {
	if id == "" {
		id = newToolCallID()
	}
	if err := a.emit(stream.ToolStart(id, name)); err != nil {
		return err
	}
	if len(args) > 0 {
		if err := a.emit(stream.ToolDeltaAt(id, string(args), 0)); err != nil {
			return err
		}
	}
	return a.emit(stream.ToolCall(id, name, finalArgs(string(args))))
}

// flush emits the final call event for every fragmented call.
func (a *toolAssembler) flush() error {
	for _, call := range a.order {
		if err := a.emit(stream.ToolCall(call.id, call.name, finalArgs(call.args.String()))); err != nil {
			return err
		}
	}
	a.order = nil
	a.index = make(map[int64]*pendingCall)
	return nil
}

func (a *toolAssembler) pending() bool {
	return len(a.order) > 0
}

// finalArgs returns raw as JSON, or an empty object when the model produced
// nothing parseable.
func finalArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
