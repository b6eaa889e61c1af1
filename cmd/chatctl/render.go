package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"streamchat/pkg/ai"
	"streamchat/pkg/chatclient"
	"streamchat/pkg/domain"
)

// abortGrace bounds how long an interrupted command waits for the reply to
// be written back.
const abortGrace = 10 * time.Second

// liveWriter prints a streaming message incrementally. Content is append
// only while a message streams, so only the unseen suffix is written.
type liveWriter struct {
	w       io.Writer
	printed int
	tools   map[string]domain.ToolState
	dirty   bool
}

func newLiveWriter(w io.Writer) *liveWriter {
	return &liveWriter{w: w, tools: map[string]domain.ToolState{}}
}

func (l *liveWriter) update(msg domain.Message) {
	for _, t := range msg.Tools {
		if t.State != domain.ToolCall && t.State != domain.ToolResult {
			continue
		}
		if l.tools[t.ToolCallID] == t.State {
			continue
		}
		l.tools[t.ToolCallID] = t.State
		l.breakLine()
		if t.State == domain.ToolCall {
			fmt.Fprintf(l.w, "[%s %s]\n", t.ToolName, strings.TrimSpace(string(t.Args.Value)))
		} else {
			fmt.Fprintf(l.w, "[%s -> %s]\n", t.ToolName, strings.TrimSpace(string(t.Result)))
		}
	}
	if len(msg.Content) > l.printed {
		io.WriteString(l.w, msg.Content[l.printed:])
		l.printed = len(msg.Content)
		l.dirty = true
	}
}

// finish prints whatever the outcome adds over what was streamed.
func (l *liveWriter) finish(out chatclient.Outcome) {
	if out.Status == domain.StatusError {
		l.breakLine()
		fmt.Fprintf(l.w, "error: %s\n", errorText(out))
		return
	}
	l.update(domain.Message{Content: out.Content, Tools: out.Tools})
	l.breakLine()
}

func (l *liveWriter) breakLine() {
	if l.dirty {
		io.WriteString(l.w, "\n")
		l.dirty = false
	}
}

func errorText(out chatclient.Outcome) string {
	if msg, ok := out.Metadata["error"].(string); ok && msg != "" {
		return msg
	}
	return out.Content
}

// follow renders the reply until it is finalized.
func follow(ctx context.Context, client *chatclient.Client, created chatclient.Created, w io.Writer) error {
	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := client.Cache().Watch(watchCtx, created.ThreadID)
	live := newLiveWriter(w)
	if msg, ok := client.Cache().Get(created.AssistantMessageID); ok {
		live.update(msg)
	}

	for {
		select {
		case <-changes:
			if msg, ok := client.Cache().Get(created.AssistantMessageID); ok {
				live.update(msg)
			}
		case <-created.Done():
			out, err := created.Wait(context.Background())
			return settle(live, out, err)
		case <-ctx.Done():
			waitCtx, stop := context.WithTimeout(context.Background(), abortGrace)
			out, err := created.Wait(waitCtx)
			stop()
			if err := settle(live, out, err); err != nil {
				return err
			}
			return ctx.Err()
		}
	}
}

func settle(live *liveWriter, out chatclient.Outcome, err error) error {
	if errors.Is(err, chatclient.ErrDetached) {
		fmt.Fprintln(live.w)
		return err
	}
	if err != nil {
		return fmt.Errorf("save reply: %w", err)
	}
	live.finish(out)
	if out.Status == domain.StatusError {
		return errors.New("reply ended in error")
	}
	return nil
}

// renderMessage prints one settled message for the history view.
func renderMessage(w io.Writer, msg domain.Message) {
	header := string(msg.Role)
	if msg.Model != "" {
		header += " (" + msg.Model + ")"
	}
	if msg.Status != "" && msg.Status != domain.StatusDone {
		header += " [" + string(msg.Status) + "]"
	}
	fmt.Fprintf(w, "%s:\n", header)
	for _, a := range msg.Attachments {
		if a.Deleted {
			continue
		}
		fmt.Fprintf(w, "  attachment %s (%s)\n", a.FileName, a.MimeType)
	}
	for _, t := range msg.Tools {
		fmt.Fprintf(w, "  tool %s: %s\n", t.ToolName, t.State)
	}
	if content := strings.TrimSpace(msg.Content); content != "" {
		for _, line := range strings.Split(content, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	fmt.Fprintln(w)
}

// describeError adds a hint for the rejections a user can fix.
func describeError(err error) error {
	var apiErr *chatclient.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.SetupURL != "":
		return fmt.Errorf("%w\nadd a key with --key provider=key, see %s", err, apiErr.SetupURL)
	case errors.Is(err, ai.ErrUnknownModel):
		return fmt.Errorf("%w\nchoose another --model", err)
	case errors.Is(err, chatclient.ErrNotResumable):
		return fmt.Errorf("%w\nuse history to read the finished reply", err)
	case errors.Is(err, chatclient.ErrDetached):
		return fmt.Errorf("%w\nthe reply is still generating, resume it again or read it with history", err)
	}
	return err
}
