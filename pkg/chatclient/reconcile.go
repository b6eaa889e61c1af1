package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"streamchat/pkg/domain"
	"streamchat/pkg/ephemeral"
	"streamchat/pkg/store"
)

const defaultFinalizeTimeout = 15 * time.Second

// Outcome is the terminal state of one streamed message.
type Outcome struct {
	ThreadID  string
	MessageID string
	Status    domain.MessageStatus
	Content   string
	Reasoning string
	Tools     []domain.ToolInvocation
	Metadata  map[string]any
}

func (o Outcome) patch() domain.MessagePatch {
	return domain.MessagePatch{
		Content:          domain.Ptr(o.Content),
		Reasoning:        domain.Ptr(o.Reasoning),
		Status:           domain.Ptr(o.Status),
		Tools:            o.Tools,
		ProviderMetadata: o.Metadata,
	}
}

// Reconciler commits a finished stream: the in-memory copy first, then the
// durable message, then the thread, and only then evicts the in-memory copy.
type Reconciler struct {
	store   store.Store
	cache   *ephemeral.Cache
	logger  *slog.Logger
	timeout time.Duration
}

func NewReconciler(s store.Store, cache *ephemeral.Cache, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: s, cache: cache, logger: logger, timeout: defaultFinalizeTimeout}
}

// Finalize runs on a context detached from ctx's cancellation, so an aborted
// caller still leaves the message terminal. When the durable write fails the
// in-memory copy is kept and the error returned.
func (r *Reconciler) Finalize(ctx context.Context, out Outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	logger := r.logger.With("thread_id", out.ThreadID, "message_id", out.MessageID, "status", out.Status)

	patch := out.patch()
	r.cache.UpdateMessage(out.MessageID, patch)

	applied, err := r.store.PatchMessage(ctx, out.MessageID, patch)
	if err != nil {
		logger.Error("finalize_failed", "step", "message", "err", err)
		return fmt.Errorf("finalize message %s: %w", out.MessageID, err)
	}
	if !applied {
		logger.Info("finalize_skipped", "reason", "already terminal")
	}

	gen := domain.GenerationCompleted
	if out.Status != domain.StatusDone {
		gen = domain.GenerationFailed
	}
	if _, err := r.store.PatchThread(ctx, out.ThreadID, domain.ThreadPatch{GenerationStatus: &gen}); err != nil {
		if !errors.Is(err, store.ErrThreadNotFound) {
			logger.Error("finalize_failed", "step", "thread", "err", err)
			return fmt.Errorf("finalize thread %s: %w", out.ThreadID, err)
		}
		logger.Warn("finalize thread missing", "err", err)
	}

	r.cache.RemoveMessage(out.MessageID)
	return nil
}
