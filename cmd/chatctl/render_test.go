package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"streamchat/pkg/ai"
	"streamchat/pkg/chatclient"
	"streamchat/pkg/domain"
)

func TestLiveWriterPrintsOnlyNewContent(t *testing.T) {
	var buf bytes.Buffer
	live := newLiveWriter(&buf)

	live.update(domain.Message{Content: "Hel"})
	live.update(domain.Message{Content: "Hel"})
	live.update(domain.Message{Content: "Hello"})
	live.finish(chatclient.Outcome{Status: domain.StatusDone, Content: "Hello there"})

	if got := buf.String(); got != "Hello there\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestLiveWriterAnnouncesToolSteps(t *testing.T) {
	var buf bytes.Buffer
	live := newLiveWriter(&buf)
	call := domain.ToolInvocation{
		ToolCallID: "c1",
		ToolName:   "current_time",
		State:      domain.ToolCall,
		Args:       domain.ToolArgs{Value: json.RawMessage(`{"timezone":"UTC"}`)},
	}
	live.update(domain.Message{Tools: []domain.ToolInvocation{call}})
	live.update(domain.Message{Tools: []domain.ToolInvocation{call}})
	call.State = domain.ToolResult
	call.Result = json.RawMessage(`{"time":"now"}`)
	live.update(domain.Message{Tools: []domain.ToolInvocation{call}, Content: "It is now."})
	live.finish(chatclient.Outcome{Status: domain.StatusDone, Content: "It is now."})

	want := "[current_time {\"timezone\":\"UTC\"}]\n[current_time -> {\"time\":\"now\"}]\nIt is now.\n"
	if got := buf.String(); got != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", got, want)
	}
}

func TestLiveWriterReportsError(t *testing.T) {
	var buf bytes.Buffer
	live := newLiveWriter(&buf)
	live.update(domain.Message{Content: "partial"})
	live.finish(chatclient.Outcome{
		Status:   domain.StatusError,
		Content:  "partial",
		Metadata: map[string]any{"error": "The response was interrupted before it finished."},
	})

	if got := buf.String(); got != "partial\nerror: The response was interrupted before it finished.\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRenderMessage(t *testing.T) {
	var buf bytes.Buffer
	renderMessage(&buf, domain.Message{
		Role:    domain.RoleAssistant,
		Model:   "gpt-4.1",
		Status:  domain.StatusError,
		Content: "line one\nline two",
		Attachments: []domain.Attachment{
			{FileName: "a.pdf", MimeType: "application/pdf"},
			{FileName: "gone.png", MimeType: "image/png", Deleted: true},
		},
	})
	out := buf.String()
	for _, want := range []string{"assistant (gpt-4.1) [error]:", "  attachment a.pdf (application/pdf)", "  line one\n  line two"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "gone.png") {
		t.Fatalf("deleted attachment rendered:\n%s", out)
	}
}

func TestParseKeys(t *testing.T) {
	t.Setenv("CHATCTL_OPENAI_KEY", "env-key")
	t.Setenv("CHATCTL_ANTHROPIC_KEY", "")
	t.Setenv("CHATCTL_GOOGLE_KEY", "")

	keys, err := parseKeys([]string{"Anthropic= sk-ant "})
	if err != nil {
		t.Fatalf("parse keys: %v", err)
	}
	if keys["openai"] != "env-key" || keys["anthropic"] != "sk-ant" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	if _, err := parseKeys([]string{"openai"}); err == nil {
		t.Fatal("expected error for entry without '='")
	}
}

func TestDescribeErrorAddsHints(t *testing.T) {
	err := describeError(&chatclient.APIError{Status: 400, Type: "missing_key", Message: "no key", SetupURL: "https://keys.example"})
	if !strings.Contains(err.Error(), "https://keys.example") {
		t.Fatalf("missing setup url hint: %v", err)
	}
	if err := describeError(ai.ErrUnknownModel); !errors.Is(err, ai.ErrUnknownModel) {
		t.Fatalf("hint lost the cause: %v", err)
	}
	if err := describeError(chatclient.ErrDetached); !errors.Is(err, chatclient.ErrDetached) || !strings.Contains(err.Error(), "still generating") {
		t.Fatalf("missing detach hint: %v", err)
	}
}

func TestSettleDetachedIsNotASaveFailure(t *testing.T) {
	var buf bytes.Buffer
	err := settle(newLiveWriter(&buf), chatclient.Outcome{}, chatclient.ErrDetached)
	if !errors.Is(err, chatclient.ErrDetached) || strings.Contains(err.Error(), "save reply") {
		t.Fatalf("unexpected settle error: %v", err)
	}
}

func TestRootRequiresToken(t *testing.T) {
	t.Setenv("CHATCTL_TOKEN", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"history", "t1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("expected token error, got %v", err)
	}
}
