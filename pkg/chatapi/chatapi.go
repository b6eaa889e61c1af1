// Package chatapi defines the wire contract shared by the clients and the
// chat and store services.
package chatapi

import (
	"fmt"
	"strings"

	"streamchat/pkg/ai"
)

const (
	HeaderStreamID    = "X-Stream-Id"
	HeaderDataStream  = "X-Vercel-AI-Data-Stream"
	DataStreamVersion = "v1"

	ChatPath    = "/api/chat"
	StreamsPath = "/api/chat/streams/"
)

// Error types returned in ErrorBody.Type.
const (
	ErrorUnauthorized      = "unauthorized"
	ErrorInvalidRequest    = "invalid_request"
	ErrorUnknownModel      = "unknown_model"
	ErrorMissingKey        = "missing_key"
	ErrorRateLimited       = "rate_limited"
	ErrorStreamNotFound    = "stream_not_found"
	ErrorResumeUnsupported = "resume_unsupported"
	ErrorThreadNotFound    = "thread_not_found"
	ErrorMessageNotFound   = "message_not_found"
	ErrorInternal          = "internal"
)

type ErrorBody struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	SetupURL string `json:"setupUrl,omitempty"`
}

type ThreadMetadata struct {
	ID string `json:"id" validate:"required"`
}

type UserContext struct {
	Name         string `json:"name,omitempty" validate:"max=200"`
	Occupation   string `json:"occupation,omitempty" validate:"max=200"`
	Traits       string `json:"traits,omitempty" validate:"max=2000"`
	Instructions string `json:"instructions,omitempty" validate:"max=8000"`
}

type Preferences struct {
	Search bool     `json:"search,omitempty"`
	Tools  []string `json:"tools,omitempty" validate:"dive,required"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages          []ai.Message      `json:"messages" validate:"required,min=1,dive"`
	ThreadMetadata    ThreadMetadata    `json:"threadMetadata"`
	ResponseMessageID string            `json:"responseMessageId" validate:"required"`
	Model             string            `json:"model" validate:"required"`
	ReasoningEffort   string            `json:"reasoningEffort,omitempty" validate:"omitempty,oneof=low medium high"`
	Temperature       *float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP              *float64          `json:"topP,omitempty" validate:"omitempty,gt=0,lte=1"`
	MaxTokens         int               `json:"maxTokens,omitempty" validate:"gte=0"`
	APIKeys           map[string]string `json:"apiKeys,omitempty"`
	UserContext       UserContext       `json:"userContext"`
	Preferences       Preferences       `json:"preferences"`
}

// SystemPrompt renders the user's customization and enabled tools.
func (r ChatRequest) SystemPrompt() string {
	var lines []string
	uc := r.UserContext
	if uc.Name != "" {
		lines = append(lines, fmt.Sprintf("The user's name is %s.", uc.Name))
	}
	if uc.Occupation != "" {
		lines = append(lines, fmt.Sprintf("The user works as %s.", uc.Occupation))
	}
	if uc.Traits != "" {
		lines = append(lines, fmt.Sprintf("Preferred assistant traits: %s.", uc.Traits))
	}
	if uc.Instructions != "" {
		lines = append(lines, uc.Instructions)
	}
	if tools := r.EnabledTools(); len(tools) > 0 {
		lines = append(lines, "Tools available: "+strings.Join(tools, ", ")+".")
	}
	return strings.Join(lines, "\n")
}

// EnabledTools lists requested tools without duplicates, search included
// when toggled.
func (r ChatRequest) EnabledTools() []string {
	tools := append([]string(nil), r.Preferences.Tools...)
	if r.Preferences.Search {
		tools = append(tools, "search")
	}
	return dedupe(tools)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
