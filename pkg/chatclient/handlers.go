package chatclient

import (
	"context"
	"sync"

	"streamchat/pkg/domain"
	"streamchat/pkg/ephemeral"
	"streamchat/pkg/stream"
)

// run tracks one stream from first byte to finalization.
type run struct {
	threadID  string
	messageID string
	cache     *ephemeral.Cache
	rec       *Reconciler
	now       func() int64
	// follower runs replay someone else's generation and never write an
	// interruption to the store.
	follower  bool
	onDone    func()

	acc     stream.Accumulator
	once    sync.Once
	done    chan struct{}
	err     error
	outcome Outcome
}

func newRun(threadID, messageID string, cache *ephemeral.Cache, rec *Reconciler, now func() int64) *run {
	return &run{
		threadID:  threadID,
		messageID: messageID,
		cache:     cache,
		rec:       rec,
		now:       now,
		done:      make(chan struct{}),
	}
}

// handle applies one event to the in-memory message.
func (r *run) handle(ctx context.Context, ev stream.Event) error {
	now := r.now()
	r.acc.Apply(ev, now)
	id := r.messageID

	switch ev.Kind {
	case stream.KindText:
		r.cache.AppendContent(id, ev.Text)
	case stream.KindReasoning:
		r.cache.AppendReasoning(id, ev.Text)
	case stream.KindData, stream.KindAnnotation:
		if meta := stream.MetadataFromValues(ev.Values); len(meta) > 0 {
			r.cache.UpdateMessage(id, domain.MessagePatch{ProviderMetadata: meta})
		}
	case stream.KindToolStart:
		r.cache.UpdateTool(id, ev.ToolCallID, domain.ToolPatch{ToolName: ev.ToolName, State: domain.ToolStreamingStart})
	case stream.KindToolDelta:
		r.cache.UpdateTool(id, ev.ToolCallID, domain.ToolPatch{State: domain.ToolStreamingDelta, ArgsDelta: ev.ArgsDelta, ArgsOffset: ev.ArgsOffset})
	case stream.KindToolCall:
		r.cache.UpdateTool(id, ev.ToolCallID, domain.ToolPatch{ToolName: ev.ToolName, State: domain.ToolCall, Args: ev.Args})
	case stream.KindToolResult:
		r.cache.UpdateTool(id, ev.ToolCallID, domain.ToolPatch{State: domain.ToolResult, Result: ev.Result})
	case stream.KindStepFinish:
		if ev.Usage != nil {
			r.cache.UpdateMessage(id, domain.MessagePatch{ProviderMetadata: usageMetadata(ev.Usage)})
		}
	case stream.KindFinish:
		r.finish(ctx, domain.StatusDone, "")
	case stream.KindError:
		text := ev.Text
		if text == "" {
			text = msgGenerationFailed
		}
		r.finish(ctx, domain.StatusError, text)
	}
	return nil
}

// fail finalizes the message as an error unless it already finished. A
// follower only drops its in-memory copy.
func (r *run) fail(ctx context.Context, text string) {
	if r.follower {
		r.detach()
		return
	}
	r.finish(ctx, domain.StatusError, text)
}

func (r *run) complete() {
	if r.onDone != nil {
		r.onDone()
	}
	close(r.done)
}

func (r *run) detach() {
	r.once.Do(func() {
		defer r.complete()
		st := r.acc.State()
		r.outcome = Outcome{
			ThreadID:  r.threadID,
			MessageID: r.messageID,
			Status:    domain.StatusStreaming,
			Content:   st.Content,
			Reasoning: st.Reasoning,
			Tools:     st.Tools,
			Metadata:  st.Metadata,
		}
		r.err = ErrDetached
		r.cache.RemoveMessage(r.messageID)
	})
}

// finish reconciles at most once per stream.
func (r *run) finish(ctx context.Context, status domain.MessageStatus, errText string) {
	r.once.Do(func() {
		defer r.complete()
		st := r.acc.State()
		out := Outcome{
			ThreadID:  r.threadID,
			MessageID: r.messageID,
			Status:    status,
			Content:   st.Content,
			Reasoning: st.Reasoning,
			Tools:     st.Tools,
			Metadata:  st.Metadata,
		}
		if status != domain.StatusDone {
			out.Metadata = domain.MergeMetadata(out.Metadata, map[string]any{"error": errText})
			// An explicit error replaces the text; an interruption keeps what arrived.
			if st.Failed || out.Content == "" {
				out.Content = errText
			}
		}
		r.outcome = out
		r.err = r.rec.Finalize(ctx, out)
	})
}

func usageMetadata(u *stream.Usage) map[string]any {
	return map[string]any{"usage": map[string]any{
		"promptTokens":     u.PromptTokens,
		"completionTokens": u.CompletionTokens,
	}}
}
