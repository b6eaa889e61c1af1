package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageStatus string

const (
	StatusWaiting   MessageStatus = "waiting"
	StatusThinking  MessageStatus = "thinking"
	StatusStreaming MessageStatus = "streaming"
	StatusDone      MessageStatus = "done"
	StatusError     MessageStatus = "error"
	StatusRejected  MessageStatus = "error.rejected"
	StatusDeleted   MessageStatus = "deleted"
)

// TerminalStatuses lists the statuses after which a message is frozen.
var TerminalStatuses = []MessageStatus{StatusDone, StatusError, StatusRejected}

// Terminal reports whether no further content or status change is allowed.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusRejected:
		return true
	}
	return false
}

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusThinking, StatusStreaming, StatusDone, StatusError, StatusRejected, StatusDeleted:
		return true
	}
	return false
}

type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationGenerating GenerationStatus = "generating"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

func (s GenerationStatus) Valid() bool {
	switch s {
	case GenerationPending, GenerationGenerating, GenerationCompleted, GenerationFailed:
		return true
	}
	return false
}

type Message struct {
	ID                string           `json:"messageId"`
	ThreadID          string           `json:"threadId"`
	Role              Role             `json:"role"`
	Content           string           `json:"content"`
	Reasoning         string           `json:"reasoning,omitempty"`
	Status            MessageStatus    `json:"status"`
	Model             string           `json:"model,omitempty"`
	Tools             []ToolInvocation `json:"tools,omitempty"`
	AttachmentIDs     []string         `json:"attachmentIds,omitempty"`
	Attachments       []Attachment     `json:"attachments,omitempty"`
	ProviderMetadata  map[string]any   `json:"providerMetadata,omitempty"`
	ResumableStreamID string           `json:"resumableStreamId,omitempty"`
	CreatedAt         int64            `json:"created_at"`
	UpdatedAt         int64            `json:"updated_at"`
}

// Clone returns a copy that shares no slices or maps with m.
func (m Message) Clone() Message {
	out := m
	if m.Tools != nil {
		out.Tools = make([]ToolInvocation, len(m.Tools))
		copy(out.Tools, m.Tools)
	}
	if m.AttachmentIDs != nil {
		out.AttachmentIDs = append([]string(nil), m.AttachmentIDs...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ProviderMetadata != nil {
		out.ProviderMetadata = make(map[string]any, len(m.ProviderMetadata))
		for k, v := range m.ProviderMetadata {
			out.ProviderMetadata[k] = v
		}
	}
	return out
}

type Thread struct {
	ID               string           `json:"threadId"`
	UserID           string           `json:"userId"`
	Title            string           `json:"title"`
	GenerationStatus GenerationStatus `json:"generationStatus"`
	CreatedAt        int64            `json:"createdAt"`
	UpdatedAt        int64            `json:"updatedAt"`
}

type Attachment struct {
	ID         string `json:"attachmentId"`
	ThreadID   string `json:"threadId"`
	MessageID  string `json:"messageId"`
	FileName   string `json:"fileName"`
	MimeType   string `json:"mimeType"`
	StorageKey string `json:"storageKey,omitempty"`
	URL        string `json:"url,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.MimeType)), "image/")
}

// NowMillis is the timestamp unit used for created_at/updated_at.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// MessagePatch is a partial update. A nil pointer leaves the field alone;
// a non-nil pointer sets it, including to the empty string. Tools and
// ProviderMetadata merge into the current values and cannot remove entries.
type MessagePatch struct {
	Content           *string          `json:"content,omitempty"`
	Reasoning         *string          `json:"reasoning,omitempty"`
	Status            *MessageStatus   `json:"status,omitempty"`
	Model             *string          `json:"model,omitempty"`
	Tools             []ToolInvocation `json:"tools,omitempty"`
	ProviderMetadata  map[string]any   `json:"providerMetadata,omitempty"`
	ResumableStreamID *string          `json:"resumableStreamId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p MessagePatch) Empty() bool {
	return p.Content == nil && p.Reasoning == nil && p.Status == nil && p.Model == nil &&
		len(p.Tools) == 0 && len(p.ProviderMetadata) == 0 && p.ResumableStreamID == nil
}

// Apply merges p into m. It returns false without touching m when m is
// terminal. The stream id is cleared whenever the resulting status is not
// streaming.
func (p MessagePatch) Apply(m *Message, now int64) bool {
	if m.Status.Terminal() {
		return false
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Reasoning != nil {
		m.Reasoning = *p.Reasoning
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Model != nil {
		m.Model = *p.Model
	}
	for _, tool := range p.Tools {
		m.Tools, _ = MergeTool(m.Tools, tool, now)
	}
	if len(p.ProviderMetadata) > 0 {
		m.ProviderMetadata = MergeMetadata(m.ProviderMetadata, p.ProviderMetadata)
	}
	if p.ResumableStreamID != nil {
		m.ResumableStreamID = *p.ResumableStreamID
	}
	if m.Status != StatusStreaming {
		m.ResumableStreamID = ""
	}
	m.UpdatedAt = now
	return true
}

// MergeMetadata copies src over dst key by key and returns the result.
func MergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

type ThreadPatch struct {
	Title            *string           `json:"title,omitempty"`
	GenerationStatus *GenerationStatus `json:"generationStatus,omitempty"`
}

func (p ThreadPatch) Apply(t *Thread, now int64) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.GenerationStatus != nil {
		t.GenerationStatus = *p.GenerationStatus
	}
	t.UpdatedAt = now
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// RawJSON returns v as JSON, or nil when v cannot be encoded.
func RawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
