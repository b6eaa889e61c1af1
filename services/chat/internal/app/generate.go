package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"streamchat/internal/metrics"
	"streamchat/internal/util"
	"streamchat/pkg/ai"
	"streamchat/pkg/chatapi"
	"streamchat/pkg/domain"
	"streamchat/pkg/queue"
	"streamchat/pkg/resumable"
	"streamchat/pkg/store"
	"streamchat/pkg/stream"
)

const (
	msgGenerationFailed = "Something went wrong while generating this response. Please try again."
	msgInterrupted      = "The response was interrupted before it finished."
	msgTimedOut         = "The response took too long and was stopped."
)

// run is one generation of one assistant message.
type run struct {
	app       *App
	userID    string
	threadID  string
	messageID string
	streamID  string
	model     string
	res       ai.Resolution
	request   ai.Request
	tools     map[string]ToolRunner
}

func (a *App) newRun(userID string, req chatapi.ChatRequest, res ai.Resolution) *run {
	r := &run{
		app:       a,
		userID:    userID,
		threadID:  req.ThreadMetadata.ID,
		messageID: req.ResponseMessageID,
		streamID:  resumable.StreamID(req.ResponseMessageID),
		model:     req.Model,
		res:       res,
		tools:     map[string]ToolRunner{},
	}
	r.request = ai.Request{
		Model:       res.Model.UpstreamName(),
		System:      req.SystemPrompt(),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	if res.Model.MaxTokens > 0 && (r.request.MaxTokens == 0 || r.request.MaxTokens > res.Model.MaxTokens) {
		r.request.MaxTokens = res.Model.MaxTokens
	}
	if res.Model.Reasoning {
		r.request.ReasoningEffort = req.ReasoningEffort
	}
	if res.Model.Tools {
		for _, name := range req.EnabledTools() {
			if runner, ok := a.tools[name]; ok {
				r.tools[name] = runner
				r.request.Tools = append(r.request.Tools, runner.Spec())
			}
		}
	}
	return r
}

// start is the resumable.StartFunc producing the stream body.
func (r *run) start(ctx context.Context, w io.Writer) error {
	a := r.app
	defer a.metrics.StreamRunning()()
	logger := util.LoggerFromContext(ctx).With(
		"thread_id", r.threadID,
		"message_id", r.messageID,
		"stream_id", r.streamID,
		"model", r.model,
	)
	logger.Info("stream_started", "provider", r.res.Provider.Name, "tools", len(r.tools))
	r.markStreaming(ctx, logger)

	enc := stream.NewEncoder(w)
	var acc stream.Accumulator
	emit := func(ev stream.Event) error {
		acc.Apply(ev, a.now())
		return enc.Encode(ev)
	}

	err := r.produce(ctx, emit)
	if err != nil {
		a.metrics.GenerationError(string(r.res.Provider.Name))
		logger.Warn("generation failed", "err", err)
		if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The reader may be gone; the accumulated state records the error either way.
			_ = emit(stream.Error(errorText(ctx, err)))
		}
	}
	r.finalize(ctx, logger, acc.State())
	return err
}

func (r *run) produce(ctx context.Context, emit ai.EmitFunc) error {
	gen, err := r.app.factory(ctx, r.res)
	if err != nil {
		return fmt.Errorf("init generator: %w", err)
	}
	if err := emit(stream.StepStart(r.messageID)); err != nil {
		return err
	}
	var calls []stream.Event
	result, err := gen.Stream(ctx, r.request, func(ev stream.Event) error {
		if ev.Kind == stream.KindToolCall {
			calls = append(calls, ev)
		}
		return emit(ev)
	})
	if err != nil {
		return err
	}
	for _, call := range calls {
		runner, ok := r.tools[call.ToolName]
		if !ok {
			continue
		}
		out, err := runner.Run(ctx, call.Args)
		if err != nil {
			out = domain.RawJSON(map[string]string{"error": err.Error()})
		}
		if err := emit(stream.ToolResult(call.ToolCallID, out)); err != nil {
			return err
		}
	}
	usage := result.Usage
	if err := emit(stream.StepFinish(result.FinishReason, &usage)); err != nil {
		return err
	}
	return emit(stream.Finish(result.FinishReason, &usage))
}

// markStreaming flips the placeholder to streaming and publishes the stream
// id other devices resume under.
func (r *run) markStreaming(ctx context.Context, logger *slog.Logger) {
	a := r.app
	if a.writer == nil {
		return
	}
	patch := domain.MessagePatch{
		Status: domain.Ptr(domain.StatusStreaming),
		Model:  domain.Ptr(r.model),
	}
	if a.coordinator.Resumable() && !resumable.Degraded(ctx) {
		patch.ResumableStreamID = domain.Ptr(r.streamID)
	}
	applied, err := a.writer.PatchMessage(ctx, r.messageID, patch)
	switch {
	case err != nil:
		logger.Warn("mark streaming failed", "err", err)
	case !applied:
		logger.Info("mark streaming skipped", "reason", "already terminal")
	}
}

// finalize writes the terminal state back on a context detached from the
// stream's, and hands it to the outbox when the write fails.
func (r *run) finalize(ctx context.Context, logger *slog.Logger, st stream.State) {
	a := r.app
	if a.writer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.finalizeTimeout)
	defer cancel()

	job := queue.FinalizeJob{
		ThreadID:   r.threadID,
		MessageID:  r.messageID,
		Patch:      terminalPatch(st),
		Generation: domain.GenerationCompleted,
	}
	if *job.Patch.Status != domain.StatusDone {
		job.Generation = domain.GenerationFailed
	}
	err := a.applyFinalize(ctx, logger, job)
	if err == nil {
		return
	}
	a.metrics.Finalize(metrics.FinalizeFailed)
	logger.Error("finalize_failed", "err", err)
	if a.outbox == nil {
		return
	}
	queued, qerr := a.outbox.Enqueue(ctx, job)
	if qerr != nil {
		logger.Error("finalize enqueue failed", "err", qerr)
		return
	}
	a.metrics.Finalize(metrics.FinalizeQueued)
	logger.Warn("finalize queued for retry", "job_id", queued.ID)
}

func (a *App) applyFinalize(ctx context.Context, logger *slog.Logger, job queue.FinalizeJob) error {
	applied, err := a.writer.PatchMessage(ctx, job.MessageID, job.Patch)
	if err != nil {
		return fmt.Errorf("finalize message %s: %w", job.MessageID, err)
	}
	if applied {
		a.metrics.Finalize(metrics.FinalizeApplied)
	} else {
		a.metrics.Finalize(metrics.FinalizeSkipped)
		logger.Info("finalize_skipped", "message_id", job.MessageID, "reason", "already terminal")
	}
	gen := job.Generation
	if _, err := a.writer.PatchThread(ctx, job.ThreadID, domain.ThreadPatch{GenerationStatus: &gen}); err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			logger.Warn("finalize thread missing", "thread_id", job.ThreadID)
			return nil
		}
		return fmt.Errorf("finalize thread %s: %w", job.ThreadID, err)
	}
	return nil
}

// terminalPatch turns the accumulated stream into the final message patch.
// An explicit error replaces the text; an interruption keeps what arrived.
func terminalPatch(st stream.State) domain.MessagePatch {
	status := domain.StatusDone
	content := st.Content
	meta := st.Metadata
	if !st.Finished || st.Failed {
		status = domain.StatusError
		errText := st.ErrorMessage
		if errText == "" {
			errText = msgInterrupted
		}
		meta = domain.MergeMetadata(meta, map[string]any{"error": errText})
		if st.Failed || content == "" {
			content = errText
		}
	}
	return domain.MessagePatch{
		Content:          domain.Ptr(content),
		Reasoning:        domain.Ptr(st.Reasoning),
		Status:           domain.Ptr(status),
		Tools:            st.Tools,
		ProviderMetadata: meta,
	}
}

func errorText(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return msgTimedOut
	}
	return msgGenerationFailed
}
