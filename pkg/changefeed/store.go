package changefeed

import (
	"context"
	"log/slog"

	"streamchat/pkg/domain"
	"streamchat/pkg/store"
)

// NotifyingStore publishes a change event after each successful write of the
// wrapped store. Publish failures are logged; the write has already committed.
type NotifyingStore struct {
	store.Store
	pub Publisher
}

// Wrap decorates s with change notifications.
func Wrap(s store.Store, pub Publisher) *NotifyingStore {
	if pub == nil {
		pub = Nop{}
	}
	return &NotifyingStore{Store: s, pub: pub}
}

func (n *NotifyingStore) CreateThread(ctx context.Context, thread domain.Thread) (bool, error) {
	created, err := n.Store.CreateThread(ctx, thread)
	if err == nil && created {
		n.emit(ctx, Event{Type: ThreadCreated, ThreadID: thread.ID})
	}
	return created, err
}

func (n *NotifyingStore) PatchThread(ctx context.Context, id string, patch domain.ThreadPatch) (domain.Thread, error) {
	t, err := n.Store.PatchThread(ctx, id, patch)
	if err == nil {
		n.emit(ctx, Event{Type: ThreadPatched, ThreadID: id, Status: string(t.GenerationStatus)})
	}
	return t, err
}

func (n *NotifyingStore) InsertMessages(ctx context.Context, msgs []domain.Message) error {
	if err := n.Store.InsertMessages(ctx, msgs); err != nil {
		return err
	}
	for _, msg := range msgs {
		n.emit(ctx, Event{Type: MessageInserted, ThreadID: msg.ThreadID, MessageID: msg.ID, Status: string(msg.Status)})
	}
	return nil
}

func (n *NotifyingStore) PatchMessage(ctx context.Context, id string, patch domain.MessagePatch) (bool, error) {
	applied, err := n.Store.PatchMessage(ctx, id, patch)
	if err != nil || !applied {
		return applied, err
	}
	ev := Event{Type: MessagePatched, MessageID: id}
	if patch.Status != nil {
		ev.Status = string(*patch.Status)
	}
	if msg, ok, gerr := n.Store.GetMessage(ctx, id); gerr == nil && ok {
		ev.ThreadID = msg.ThreadID
	}
	n.emit(ctx, ev)
	return true, nil
}

func (n *NotifyingStore) InsertAttachments(ctx context.Context, parentMessageID string, batch []domain.Attachment) error {
	if err := n.Store.InsertAttachments(ctx, parentMessageID, batch); err != nil {
		return err
	}
	if len(batch) > 0 {
		n.emit(ctx, Event{Type: AttachmentsInserted, ThreadID: batch[0].ThreadID, MessageID: parentMessageID})
	}
	return nil
}

func (n *NotifyingStore) emit(ctx context.Context, ev Event) {
	if err := n.pub.Publish(ctx, ev); err != nil {
		slog.Warn("changefeed publish failed", "type", ev.Type, "message_id", ev.MessageID, "err", err)
	}
}
