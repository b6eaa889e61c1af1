package store

import (
	"context"
	"errors"

	"streamchat/pkg/domain"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidMessage  = errors.New("invalid message")
)

// Store is the durable document store for threads, messages and attachments.
// Every write is atomic for the single document it touches; InsertMessages
// and InsertAttachments commit their whole batch or nothing.
type Store interface {
	// threads
	CreateThread(ctx context.Context, thread domain.Thread) (created bool, err error)
	GetThread(ctx context.Context, id string) (domain.Thread, bool, error)
	PatchThread(ctx context.Context, id string, patch domain.ThreadPatch) (domain.Thread, error)

	// messages
	InsertMessages(ctx context.Context, msgs []domain.Message) error
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	// PatchMessage applies patch unless the message is already terminal, in
	// which case it reports applied=false and no error.
	PatchMessage(ctx context.Context, id string, patch domain.MessagePatch) (applied bool, err error)
	ListThreadMessages(ctx context.Context, threadID string) ([]domain.Message, error)

	// attachments
	InsertAttachments(ctx context.Context, parentMessageID string, batch []domain.Attachment) error
	ListAttachments(ctx context.Context, ids []string) ([]domain.Attachment, error)
}

func validateMessages(msgs []domain.Message) error {
	for _, msg := range msgs {
		if msg.ID == "" || msg.ThreadID == "" {
			return ErrInvalidMessage
		}
		if !msg.Status.Valid() {
			return ErrInvalidMessage
		}
	}
	return nil
}
