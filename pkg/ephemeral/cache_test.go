package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamchat/pkg/domain"
)

func newTestCache() *Cache {
	c := New()
	var clock int64 = 1000
	c.SetClock(func() int64 { return atomic.AddInt64(&clock, 1) })
	return c
}

func placeholder(id, threadID string, createdAt int64) domain.Message {
	return domain.Message{
		ID:        id,
		ThreadID:  threadID,
		Role:      domain.RoleAssistant,
		Status:    domain.StatusStreaming,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestSnapshotIsStableUntilChange(t *testing.T) {
	c := newTestCache()
	c.AddMessage(placeholder("a1", "t1", 10))

	first := c.MessagesForThread("t1")
	if first != c.MessagesForThread("t1") {
		t.Fatal("expected the same snapshot when nothing changed")
	}

	c.AddMessage(placeholder("other", "t2", 5))
	if first != c.MessagesForThread("t1") {
		t.Fatal("a change in another thread must not invalidate the snapshot")
	}

	c.AppendContent("a1", "hi")
	second := c.MessagesForThread("t1")
	if second == first {
		t.Fatal("expected a new snapshot after a change")
	}
	if first.Messages[0].Content != "" || second.Messages[0].Content != "hi" {
		t.Fatalf("old snapshot was mutated: %q / %q", first.Messages[0].Content, second.Messages[0].Content)
	}
}

func TestMessagesSortedByCreation(t *testing.T) {
	c := newTestCache()
	c.AddMessages([]domain.Message{
		placeholder("late", "t1", 30),
		placeholder("early", "t1", 10),
		placeholder("mid", "t1", 20),
	})
	got := c.MessagesForThread("t1").Messages
	if len(got) != 3 || got[0].ID != "early" || got[1].ID != "mid" || got[2].ID != "late" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestUpdateMessage(t *testing.T) {
	c := newTestCache()
	c.AddMessage(placeholder("a1", "t1", 10))

	if c.UpdateMessage("missing", domain.MessagePatch{Content: domain.Ptr("x")}) {
		t.Fatal("update of unknown id must be a no-op")
	}
	if !c.UpdateMessage("a1", domain.MessagePatch{Content: domain.Ptr("final"), Status: domain.Ptr(domain.StatusDone)}) {
		t.Fatal("expected update to apply")
	}
	msg, _ := c.Get("a1")
	if msg.UpdatedAt <= 10 {
		t.Fatalf("updated_at not refreshed: %d", msg.UpdatedAt)
	}

	if c.UpdateMessage("a1", domain.MessagePatch{Content: domain.Ptr("late")}) {
		t.Fatal("terminal message accepted an update")
	}
	if c.AppendContent("a1", "more") || c.AppendReasoning("a1", "more") {
		t.Fatal("terminal message accepted a delta")
	}
	msg, _ = c.Get("a1")
	if msg.Content != "final" || msg.Status != domain.StatusDone {
		t.Fatalf("terminal message changed: %+v", msg)
	}
}

func TestToolsMoveForwardOnly(t *testing.T) {
	c := newTestCache()
	c.AddMessage(placeholder("a1", "t1", 10))

	c.UpdateTool("a1", "call-1", domain.ToolPatch{ToolName: "search", State: domain.ToolStreamingStart})
	c.UpdateTool("a1", "call-1", domain.ToolPatch{State: domain.ToolStreamingDelta, ArgsDelta: `{"q":"x"}`})
	c.UpdateTool("a1", "call-1", domain.ToolPatch{State: domain.ToolCall, Args: json.RawMessage(`{"q":"x"}`)})
	if c.UpdateTool("a1", "call-1", domain.ToolPatch{State: domain.ToolStreamingStart}) {
		t.Fatal("tool state regressed")
	}
	c.AddTool("a1", domain.ToolInvocation{ToolCallID: "call-1", State: domain.ToolResult, Result: json.RawMessage(`"ok"`)})
	c.AddTool("a1", domain.ToolInvocation{ToolCallID: "call-1", State: domain.ToolCall})

	msg, _ := c.Get("a1")
	if len(msg.Tools) != 1 {
		t.Fatalf("expected one invocation, got %d", len(msg.Tools))
	}
	if msg.Tools[0].State != domain.ToolResult || string(msg.Tools[0].Result) != `"ok"` || msg.Tools[0].ToolName != "search" {
		t.Fatalf("unexpected invocation: %+v", msg.Tools[0])
	}
}

func TestRemoveMessage(t *testing.T) {
	c := newTestCache()
	c.AddMessage(placeholder("a1", "t1", 10))
	c.RemoveMessage("a1")
	c.RemoveMessage("a1")
	if _, ok := c.Get("a1"); ok {
		t.Fatal("message still cached")
	}
	if n := len(c.MessagesForThread("t1").Messages); n != 0 {
		t.Fatalf("expected empty thread, got %d", n)
	}
}

func TestAttachments(t *testing.T) {
	c := newTestCache()
	c.AddAttachments([]domain.Attachment{
		{ID: "b", ThreadID: "t1", CreatedAt: 2},
		{ID: "a", ThreadID: "t1", CreatedAt: 1},
		{ID: "c", ThreadID: "t2", CreatedAt: 1},
	})
	got := c.AttachmentsForThread("t1")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected attachments: %+v", got)
	}
	c.RemoveAttachments([]string{"a", "c"})
	if got := c.AttachmentsForThread("t1"); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected attachments after removal: %+v", got)
	}
	if got := c.AttachmentsForThread("t2"); len(got) != 0 {
		t.Fatalf("expected no attachments, got %+v", got)
	}
}

func TestSubscribeRunsOutsideLock(t *testing.T) {
	c := newTestCache()
	c.AddMessage(placeholder("a1", "t1", 10))

	var seen []string
	cancel := c.Subscribe("t1", func() {
		// Reading back inside a listener must not deadlock.
		snap := c.MessagesForThread("t1")
		seen = append(seen, snap.Messages[0].Content)
	})
	c.AppendContent("a1", "a")
	c.AppendContent("a1", "b")
	c.AppendContent("other", "ignored")
	cancel()
	c.AppendContent("a1", "c")

	if len(seen) != 2 || seen[0] != "a" || seen[1] != "ab" {
		t.Fatalf("unexpected notifications: %v", seen)
	}
}

func TestWatchCoalescesAndCloses(t *testing.T) {
	c := newTestCache()
	c.AddMessage(placeholder("a1", "t1", 10))
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Watch(ctx, "t1")

	for i := 0; i < 10; i++ {
		c.AppendContent("a1", "x")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}
	select {
	case <-ch:
		t.Fatal("burst was not coalesced")
	default:
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A late signal may still be buffered; the next receive must see close.
			if _, ok := <-ch; ok {
				t.Fatal("channel not closed")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestConcurrentDeltasDoNotTear(t *testing.T) {
	c := newTestCache()
	c.AddMessage(placeholder("a1", "t1", 10))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AppendContent("a1", "x")
			_ = c.MessagesForThread("t1")
		}()
	}
	wg.Wait()
	msg, _ := c.Get("a1")
	if len(msg.Content) != 50 {
		t.Fatalf("lost deltas: %d", len(msg.Content))
	}
}

func TestReadingUnknownThreadKeepsNoState(t *testing.T) {
	c := newTestCache()
	for i := 0; i < 100; i++ {
		snap := c.MessagesForThread(fmt.Sprintf("idle-%d", i))
		if snap.ThreadID == "" || len(snap.Messages) != 0 {
			t.Fatalf("unexpected snapshot for idle thread: %+v", snap)
		}
	}
	c.mu.Lock()
	held := len(c.threads)
	c.mu.Unlock()
	if held != 0 {
		t.Fatalf("reads left %d thread states behind", held)
	}
}
