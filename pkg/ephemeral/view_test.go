package ephemeral

import (
	"testing"

	"streamchat/pkg/domain"
)

func TestThreadViewFallsBackToDurable(t *testing.T) {
	c := newTestCache()
	durable := []domain.Message{{ID: "u1", ThreadID: "t1", Status: domain.StatusDone, CreatedAt: 1}}
	view := c.ThreadView("t1", durable)
	if view.Streaming != nil || len(view.Stable) != 1 || view.Stable[0].ID != "u1" {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestThreadViewSplitsStreamingMessage(t *testing.T) {
	c := newTestCache()
	durable := []domain.Message{
		{ID: "u1", ThreadID: "t1", Role: domain.RoleUser, Status: domain.StatusDone, Content: "hi", CreatedAt: 1},
		{ID: "a1", ThreadID: "t1", Role: domain.RoleAssistant, Status: domain.StatusWaiting, CreatedAt: 2},
	}
	c.AddMessage(placeholder("a1", "t1", 2))
	c.AppendContent("a1", "Hel")

	view := c.ThreadView("t1", durable)
	if view.Streaming == nil || view.Streaming.ID != "a1" || view.Streaming.Content != "Hel" {
		t.Fatalf("expected streaming message, got %+v", view.Streaming)
	}
	if len(view.Stable) != 1 || view.Stable[0].ID != "u1" {
		t.Fatalf("unexpected stable part: %+v", view.Stable)
	}

	all := view.Messages()
	if len(all) != 2 || all[0].ID != "u1" || all[1].ID != "a1" {
		t.Fatalf("unexpected merged order: %+v", all)
	}
}

func TestThreadViewSubstitutesSettledEphemeral(t *testing.T) {
	c := newTestCache()
	durable := []domain.Message{
		{ID: "u1", ThreadID: "t1", Status: domain.StatusDone, CreatedAt: 1},
		{ID: "a1", ThreadID: "t1", Status: domain.StatusWaiting, CreatedAt: 2},
		{ID: "u2", ThreadID: "t1", Status: domain.StatusDone, CreatedAt: 3},
	}
	c.AddMessage(placeholder("a1", "t1", 2))
	c.UpdateMessage("a1", domain.MessagePatch{Content: domain.Ptr("done"), Status: domain.Ptr(domain.StatusDone)})
	c.AddMessage(placeholder("a2", "t1", 4))

	view := c.ThreadView("t1", durable)
	if len(view.Stable) != 3 || view.Stable[1].Content != "done" {
		t.Fatalf("expected ephemeral version substituted, got %+v", view.Stable)
	}
	if view.Streaming == nil || view.Streaming.ID != "a2" {
		t.Fatalf("expected a2 streaming, got %+v", view.Streaming)
	}
	all := view.Messages()
	if all[len(all)-1].ID != "a2" {
		t.Fatalf("streaming message out of order: %+v", all)
	}
}
