package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"streamchat/internal/metrics"
	"streamchat/internal/ratelimit"
	"streamchat/internal/util"
	"streamchat/pkg/ai"
	"streamchat/pkg/chatapi"
	"streamchat/pkg/domain"
	"streamchat/pkg/queue"
	"streamchat/pkg/resumable"
	"streamchat/pkg/store"
)

const defaultFinalizeTimeout = 15 * time.Second

// Writer is the durable surface the service writes results through. It must
// apply message patches with the terminal guard.
type Writer interface {
	PatchMessage(ctx context.Context, id string, patch domain.MessagePatch) (bool, error)
	PatchThread(ctx context.Context, id string, patch domain.ThreadPatch) (domain.Thread, error)
}

// Outbox holds write-backs that could not be applied right away.
type Outbox interface {
	Enqueue(ctx context.Context, job queue.FinalizeJob) (queue.JobStatus, error)
}

type Limiter interface {
	Take(ctx context.Context, key string) ratelimit.Decision
}

// Config holds runtime configuration for the core application.
type Config struct {
	Registry    *ai.Registry
	Factory     ai.Factory
	Coordinator resumable.Coordinator
	// Writer is optional; without it results are only streamed.
	Writer  Writer
	Outbox  Outbox
	Limiter Limiter
	Tools   map[string]ToolRunner
	// ProviderKeys back up the caller's own keys, indexed by provider.
	ProviderKeys    map[string]string
	FinalizeTimeout time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	Now             func() int64
}

// App runs generations and writes their results back.
type App struct {
	registry        *ai.Registry
	factory         ai.Factory
	coordinator     resumable.Coordinator
	writer          Writer
	outbox          Outbox
	limiter         Limiter
	tools           map[string]ToolRunner
	providerKeys    map[string]string
	finalizeTimeout time.Duration
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() int64
}

func New(cfg Config) (*App, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("model registry required")
	}
	if cfg.Factory == nil {
		cfg.Factory = ai.NewGenerator
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = resumable.Passthrough{}
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = domain.NowMillis
	}
	return &App{
		registry:        cfg.Registry,
		factory:         cfg.Factory,
		coordinator:     cfg.Coordinator,
		writer:          cfg.Writer,
		outbox:          cfg.Outbox,
		limiter:         cfg.Limiter,
		tools:           cfg.Tools,
		providerKeys:    cfg.ProviderKeys,
		finalizeTimeout: cfg.FinalizeTimeout,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}, nil
}

// Generation is an open stream of frames for one assistant message.
type Generation struct {
	StreamID string
	Mode     resumable.Mode
	Body     io.ReadCloser
}

// Start validates req and starts, or attaches to, the generation of
// req.ResponseMessageID. Validation failures return before any state changes:
// ErrInvalidRequest, ai.ErrUnknownModel, *ai.MissingKeyError or
// *RateLimitError.
func (a *App) Start(ctx context.Context, userID string, req chatapi.ChatRequest) (Generation, error) {
	if len(req.Messages) == 0 {
		return Generation{}, fmt.Errorf("%w: messages required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ResponseMessageID) == "" || strings.TrimSpace(req.ThreadMetadata.ID) == "" {
		return Generation{}, fmt.Errorf("%w: thread and response message ids required", ErrInvalidRequest)
	}
	res, err := a.registry.Resolve(req.Model, a.keys(req.APIKeys))
	if err != nil {
		return Generation{}, err
	}
	if a.limiter != nil {
		if d := a.limiter.Take(ctx, "chat:"+userID); !d.Allowed {
			return Generation{}, &RateLimitError{RetryAfter: d.RetryAfter}
		}
	}

	run := a.newRun(userID, req, res)
	body, mode, err := a.coordinator.AttachOrStart(ctx, run.streamID, run.start)
	if err != nil {
		return Generation{}, fmt.Errorf("start stream: %w", err)
	}
	a.metrics.Stream(string(mode))
	if mode == resumable.ModeAttached {
		util.LoggerFromContext(ctx).Info("stream_attached", "stream_id", run.streamID, "message_id", run.messageID)
	}
	return Generation{StreamID: run.streamID, Mode: mode, Body: body}, nil
}

// Resume replays a running or retained stream from its first frame.
func (a *App) Resume(ctx context.Context, streamID string) (io.ReadCloser, error) {
	if !a.coordinator.Resumable() {
		return nil, resumable.ErrResumeUnsupported
	}
	body, err := a.coordinator.Resume(ctx, streamID)
	if err != nil {
		return nil, err
	}
	a.metrics.Stream("resumed")
	return body, nil
}

// HandleFinalize applies a queued write-back. Records that no longer exist
// are dropped rather than retried.
func (a *App) HandleFinalize(ctx context.Context, job queue.Job) error {
	err := a.applyFinalize(ctx, a.logger.With("job_id", job.ID), job.Finalize)
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
		a.logger.Warn("finalize job dropped", "job_id", job.ID, "message_id", job.Finalize.MessageID, "err", err)
		return nil
	case errors.Is(err, store.ErrInvalidMessage):
		return queue.Permanent(err)
	}
	return err
}

func (a *App) keys(fromCaller map[string]string) map[string]string {
	out := make(map[string]string, len(a.providerKeys)+len(fromCaller))
	for p, k := range a.providerKeys {
		out[p] = k
	}
	for p, k := range fromCaller {
		if strings.TrimSpace(k) != "" {
			out[p] = k
		}
	}
	return out
}
