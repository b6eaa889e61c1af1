package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"streamchat/pkg/domain"
	"streamchat/pkg/storage"
	"streamchat/pkg/store"
)

// Config holds runtime dependencies for the store service core.
type Config struct {
	Store    store.Store
	Resolver *storage.Resolver
	Logger   *slog.Logger
	Now      func() int64
}

// App enforces ownership on the user-facing surface and exposes unchecked
// mutations for trusted services. Threads a user does not own look missing.
type App struct {
	store    store.Store
	resolver *storage.Resolver
	logger   *slog.Logger
	now      func() int64
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = domain.NowMillis
	}
	return &App{store: cfg.Store, resolver: cfg.Resolver, logger: cfg.Logger, now: cfg.Now}, nil
}

// CreateThread creates the thread for userID, or returns the existing one
// when the id is already taken by the same user.
func (a *App) CreateThread(ctx context.Context, userID string, thread domain.Thread) (domain.Thread, bool, error) {
	thread.ID = strings.TrimSpace(thread.ID)
	if thread.ID == "" {
		return domain.Thread{}, false, fmt.Errorf("%w: thread id required", ErrInvalidRequest)
	}
	if thread.GenerationStatus == "" {
		thread.GenerationStatus = domain.GenerationPending
	}
	if !thread.GenerationStatus.Valid() {
		return domain.Thread{}, false, fmt.Errorf("%w: unknown generation status", ErrInvalidRequest)
	}
	now := a.now()
	thread.UserID = userID
	if thread.CreatedAt == 0 {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	created, err := a.store.CreateThread(ctx, thread)
	if err != nil {
		return domain.Thread{}, false, err
	}
	if created {
		return thread, true, nil
	}
	existing, err := a.GetThread(ctx, userID, thread.ID)
	return existing, false, err
}

func (a *App) GetThread(ctx context.Context, userID, id string) (domain.Thread, error) {
	thread, ok, err := a.store.GetThread(ctx, id)
	if err != nil {
		return domain.Thread{}, err
	}
	if !ok || thread.UserID != userID {
		return domain.Thread{}, store.ErrThreadNotFound
	}
	return thread, nil
}

func (a *App) PatchThread(ctx context.Context, userID, id string, patch domain.ThreadPatch) (domain.Thread, error) {
	if _, err := a.GetThread(ctx, userID, id); err != nil {
		return domain.Thread{}, err
	}
	return a.PatchThreadInternal(ctx, id, patch)
}

// ListMessages returns the thread's messages with their attachments resolved.
func (a *App) ListMessages(ctx context.Context, userID, threadID string) ([]domain.Message, error) {
	if _, err := a.GetThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	msgs, err := a.store.ListThreadMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.AttachmentIDs...)
	}
	if len(ids) == 0 {
		return msgs, nil
	}
	attachments, err := a.resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Attachment, len(attachments))
	for _, att := range attachments {
		byID[att.ID] = att
	}
	for i := range msgs {
		for _, id := range msgs[i].AttachmentIDs {
			if att, ok := byID[id]; ok {
				msgs[i].Attachments = append(msgs[i].Attachments, att)
			}
		}
	}
	return msgs, nil
}

// InsertMessages stores a batch that must all belong to threadID.
func (a *App) InsertMessages(ctx context.Context, userID, threadID string, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	if _, err := a.GetThread(ctx, userID, threadID); err != nil {
		return err
	}
	batch := make([]domain.Message, len(msgs))
	now := a.now()
	for i, m := range msgs {
		if m.ThreadID == "" {
			m.ThreadID = threadID
		}
		if m.ThreadID != threadID {
			return ErrMixedThreads
		}
		// Resolved attachments are a read-side view only.
		m.Attachments = nil
		if m.CreatedAt == 0 {
			m.CreatedAt = now
		}
		if m.UpdatedAt == 0 {
			m.UpdatedAt = m.CreatedAt
		}
		batch[i] = m
	}
	return a.store.InsertMessages(ctx, batch)
}

func (a *App) GetMessage(ctx context.Context, userID, id string) (domain.Message, error) {
	msg, ok, err := a.store.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, store.ErrMessageNotFound
	}
	if _, err := a.GetThread(ctx, userID, msg.ThreadID); err != nil {
		return domain.Message{}, store.ErrMessageNotFound
	}
	return msg, nil
}

func (a *App) PatchMessage(ctx context.Context, userID, id string, patch domain.MessagePatch) (bool, error) {
	if _, err := a.GetMessage(ctx, userID, id); err != nil {
		return false, err
	}
	return a.PatchMessageInternal(ctx, id, patch)
}

// InsertAttachments records uploaded files against a message the user owns.
func (a *App) InsertAttachments(ctx context.Context, userID, messageID string, batch []domain.Attachment) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: no attachments", ErrInvalidRequest)
	}
	msg, err := a.GetMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	out := make([]domain.Attachment, len(batch))
	now := a.now()
	for i, att := range batch {
		if strings.TrimSpace(att.ID) == "" {
			return fmt.Errorf("%w: attachment id required", ErrInvalidRequest)
		}
		att.ThreadID = msg.ThreadID
		att.URL = ""
		if att.CreatedAt == 0 {
			att.CreatedAt = now
		}
		described, err := a.resolver.Describe(ctx, att)
		if err != nil {
			a.logger.Warn("attachment stat failed", "attachment_id", att.ID, "err", err)
			described = att
		}
		out[i] = described
	}
	return a.store.InsertAttachments(ctx, messageID, out)
}

// ListAttachments returns the requested attachments the user can see, with
// fresh URLs.
func (a *App) ListAttachments(ctx context.Context, userID string, ids []string) ([]domain.Attachment, error) {
	items, err := a.resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool)
	out := items[:0]
	for _, att := range items {
		ok, seen := owned[att.ThreadID]
		if !seen {
			_, err := a.GetThread(ctx, userID, att.ThreadID)
			ok = err == nil
			owned[att.ThreadID] = ok
		}
		if ok {
			out = append(out, att)
		}
	}
	return out, nil
}

func (a *App) resolve(ctx context.Context, ids []string) ([]domain.Attachment, error) {
	items, err := a.store.ListAttachments(ctx, ids)
	if err != nil {
		return nil, err
	}
	return a.resolver.Resolve(ctx, items)
}

func (a *App) GetMessageInternal(ctx context.Context, id string) (domain.Message, error) {
	msg, ok, err := a.store.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, store.ErrMessageNotFound
	}
	return msg, nil
}

// PatchMessageInternal applies the guarded patch without an ownership check.
func (a *App) PatchMessageInternal(ctx context.Context, id string, patch domain.MessagePatch) (bool, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, *patch.Status)
	}
	applied, err := a.store.PatchMessage(ctx, id, patch)
	if err != nil {
		return false, err
	}
	if !applied {
		a.logger.Info("patch_skipped", "message_id", id, "reason", "already terminal")
	}
	return applied, nil
}

func (a *App) PatchThreadInternal(ctx context.Context, id string, patch domain.ThreadPatch) (domain.Thread, error) {
	if patch.GenerationStatus != nil && !patch.GenerationStatus.Valid() {
		return domain.Thread{}, fmt.Errorf("%w: unknown generation status %q", ErrInvalidRequest, *patch.GenerationStatus)
	}
	return a.store.PatchThread(ctx, id, patch)
}
