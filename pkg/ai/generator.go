package ai

import (
	"context"
	"errors"

	"streamchat/pkg/domain"
	"streamchat/pkg/stream"
)

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// Part is one piece of message content. Image and file parts reference their
// bytes by URL.
type Part struct {
	Type     PartType `json:"type" validate:"required,oneof=text image file"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty" validate:"required_unless=Type text"`
	MimeType string   `json:"mimeType,omitempty"`
	FileName string   `json:"fileName,omitempty"`
}

type Message struct {
	Role  domain.Role `json:"role" validate:"required,oneof=user assistant system"`
	Parts []Part      `json:"parts" validate:"dive"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolSpec describes a tool the model may call. Parameters is a JSON schema
// object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one generation call. Model is the provider's own model name.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Temperature     *float64
	TopP            *float64
	MaxTokens       int
	ReasoningEffort string
	Tools           []ToolSpec
}

// Result summarizes a finished generation step.
type Result struct {
	FinishReason string
	Usage        stream.Usage
}

// Normalized finish reasons.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool-calls"
	FinishContentFilter = "content-filter"
	FinishOther         = "other"
)

// EmitFunc receives text, reasoning and tool-call events in order. An error
// aborts the generation.
type EmitFunc func(stream.Event) error

// Generator streams one model response. Implementations emit content events
// only; the caller frames the step and the finish.
type Generator interface {
	Stream(ctx context.Context, req Request, emit EmitFunc) (Result, error)
}

var ErrEmptyRequest = errors.New("generation request has no messages")

func validateRequest(req Request) error {
	if len(req.Messages) == 0 {
		return ErrEmptyRequest
	}
	return nil
}
