package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"streamchat/pkg/domain"
	"streamchat/pkg/store"
)

type recordingChannel struct {
	mu   sync.Mutex
	keys []string
	msgs []amqp.Publishing
	err  error
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func (c *recordingChannel) events(t *testing.T) []Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, len(c.msgs))
	for _, msg := range c.msgs {
		var ev Event
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestAMQPPublisherRoutesByType(t *testing.T) {
	ch := &recordingChannel{}
	pub := newAMQPPublisher(ch, "streamchat.changes")

	if err := pub.Publish(context.Background(), Event{Type: MessagePatched, MessageID: "m1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ch.keys) != 1 || ch.keys[0] != MessagePatched {
		t.Fatalf("routing keys = %v", ch.keys)
	}
	if ch.msgs[0].ContentType != "application/json" || ch.msgs[0].DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing: %+v", ch.msgs[0])
	}
}

func TestNotifyingStoreSkipsRaceLosses(t *testing.T) {
	ch := &recordingChannel{}
	s := Wrap(store.NewMemoryStore(), newAMQPPublisher(ch, "x"))
	ctx := context.Background()

	if _, err := s.CreateThread(ctx, domain.Thread{ID: "t1", UserID: "u1"}); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := s.CreateThread(ctx, domain.Thread{ID: "t1", UserID: "u1"}); err != nil {
		t.Fatalf("create thread again: %v", err)
	}
	if err := s.InsertMessages(ctx, []domain.Message{{ID: "m1", ThreadID: "t1", Role: domain.RoleAssistant, Status: domain.StatusStreaming}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.PatchMessage(ctx, "m1", domain.MessagePatch{Content: domain.Ptr("A"), Status: domain.Ptr(domain.StatusDone)}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	applied, err := s.PatchMessage(ctx, "m1", domain.MessagePatch{Content: domain.Ptr("B"), Status: domain.Ptr(domain.StatusDone)})
	if err != nil || applied {
		t.Fatalf("second patch: applied=%v err=%v", applied, err)
	}

	evs := ch.events(t)
	want := []string{ThreadCreated, MessageInserted, MessagePatched}
	if len(evs) != len(want) {
		t.Fatalf("events = %+v", evs)
	}
	for i, typ := range want {
		if evs[i].Type != typ {
			t.Fatalf("event %d = %q, want %q", i, evs[i].Type, typ)
		}
	}
	if evs[2].ThreadID != "t1" || evs[2].Status != string(domain.StatusDone) {
		t.Fatalf("patched event = %+v", evs[2])
	}
}

func TestNotifyingStoreIgnoresPublishErrors(t *testing.T) {
	s := Wrap(store.NewMemoryStore(), newAMQPPublisher(&recordingChannel{err: errors.New("broker down")}, "x"))
	if _, err := s.CreateThread(context.Background(), domain.Thread{ID: "t1"}); err != nil {
		t.Fatalf("write should succeed despite publish failure: %v", err)
	}
}
