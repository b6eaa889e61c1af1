// Package chatclient creates messages and follows their generation streams,
// keeping an in-memory copy current until the result is durable.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"streamchat/internal/util"
	"streamchat/pkg/ai"
	"streamchat/pkg/chatapi"
	"streamchat/pkg/domain"
	"streamchat/pkg/ephemeral"
	"streamchat/pkg/store"
	"streamchat/pkg/stream"
)

const maxTitleRunes = 80

type Config struct {
	UserID    string
	Store     store.Store
	Cache     *ephemeral.Cache
	Transport Transport
	Registry  *ai.Registry
	Logger    *slog.Logger
	// Now returns unix milliseconds; defaults to domain.NowMillis.
	Now func() int64
	// NewID generates message, thread and attachment ids.
	NewID func() string
}

type Client struct {
	userID     string
	store      store.Store
	cache      *ephemeral.Cache
	transport  Transport
	registry   *ai.Registry
	reconciler *Reconciler
	logger     *slog.Logger
	now        func() int64
	newID      func() string

	mu     sync.Mutex
	active map[string]Created
}

func New(cfg Config) (*Client, error) {
	if cfg.Store == nil || cfg.Transport == nil {
		return nil, errors.New("chatclient: store and transport required")
	}
	if cfg.Cache == nil {
		cfg.Cache = ephemeral.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = ai.DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = domain.NowMillis
	}
	if cfg.NewID == nil {
		cfg.NewID = util.NewID
	}
	return &Client{
		userID:     cfg.UserID,
		store:      cfg.Store,
		cache:      cfg.Cache,
		transport:  cfg.Transport,
		registry:   cfg.Registry,
		reconciler: NewReconciler(cfg.Store, cfg.Cache, cfg.Logger),
		logger:     cfg.Logger,
		now:        cfg.Now,
		newID:      cfg.NewID,
		active:     make(map[string]Created),
	}, nil
}

func (c *Client) Cache() *ephemeral.Cache { return c.cache }

// Input describes one user turn.
type Input struct {
	// ThreadID selects an existing thread; empty starts a new one.
	ThreadID        string
	Text            string
	Model           string
	ReasoningEffort string
	Search          bool
	Temperature     *float64
	TopP            *float64
	MaxTokens       int
	// Attachments are already uploaded; their ids are reused.
	Attachments []domain.Attachment
	APIKeys     map[string]string
	UserContext chatapi.UserContext
	Tools       []string
}

// Created identifies the new messages. Done closes once the reply is
// finalized.
type Created struct {
	ThreadID           string
	UserMessageID      string
	AssistantMessageID string
	StreamID           string

	run *run
}

func (c Created) Done() <-chan struct{} { return c.run.done }

// Wait blocks until the reply is finalized and returns its outcome along
// with any durable write error.
func (c Created) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.run.done:
		return c.run.outcome, c.run.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// CreateMessage persists a user message and its reply placeholder, then
// streams the reply into the cache in the background. Cancelling ctx aborts
// the stream and leaves the reply in error.
func (c *Client) CreateMessage(ctx context.Context, in Input) (Created, error) {
	res, err := c.registry.Resolve(in.Model, in.APIKeys)
	if err != nil {
		return Created{}, preflightError(err)
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return Created{}, ErrEmptyMessage
	}

	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		threadID = c.newID()
	}
	now := c.now()
	if _, err := c.store.CreateThread(ctx, domain.Thread{
		ID:               threadID,
		UserID:           c.userID,
		Title:            defaultTitle(in.Text),
		GenerationStatus: domain.GenerationPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		return Created{}, fmt.Errorf("create thread: %w", err)
	}

	userID, assistantID := c.newID(), c.newID()
	attachments := make([]domain.Attachment, len(in.Attachments))
	for i, a := range in.Attachments {
		a.ThreadID = threadID
		a.MessageID = userID
		if a.ID == "" {
			a.ID = c.newID()
		}
		if a.CreatedAt == 0 {
			a.CreatedAt = now
		}
		attachments[i] = a
	}

	var history []domain.Message
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(attachments) == 0 {
			return nil
		}
		if err := c.store.InsertAttachments(gctx, userID, attachments); err != nil {
			return fmt.Errorf("insert attachments: %w", err)
		}
		c.cache.AddAttachments(attachments)
		return nil
	})
	g.Go(func() error {
		msgs, err := c.store.ListThreadMessages(gctx, threadID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		history = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return Created{}, err
	}

	attachmentIDs := make([]string, len(attachments))
	for i, a := range attachments {
		attachmentIDs[i] = a.ID
	}
	createdAt := c.now()
	if last := lastCreatedAt(history); createdAt <= last {
		createdAt = last + 1
	}
	userMsg := domain.Message{
		ID:            userID,
		ThreadID:      threadID,
		Role:          domain.RoleUser,
		Content:       in.Text,
		Status:        domain.StatusDone,
		Model:         in.Model,
		AttachmentIDs: attachmentIDs,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	placeholder := domain.Message{
		ID:        assistantID,
		ThreadID:  threadID,
		Role:      domain.RoleAssistant,
		Status:    domain.StatusWaiting,
		Model:     in.Model,
		CreatedAt: createdAt + 1,
		UpdatedAt: createdAt + 1,
	}
	if err := c.store.InsertMessages(ctx, []domain.Message{userMsg, placeholder}); err != nil {
		return Created{}, fmt.Errorf("insert messages: %w", err)
	}
	generating := domain.GenerationGenerating
	if _, err := c.store.PatchThread(ctx, threadID, domain.ThreadPatch{GenerationStatus: &generating}); err != nil {
		return Created{}, fmt.Errorf("mark thread generating: %w", err)
	}

	live := placeholder
	live.Status = domain.StatusStreaming
	c.cache.AddMessage(live)

	req, err := c.buildRequest(ctx, in, res, threadID, assistantID, append(history, userMsg), attachments)
	if err != nil {
		c.logger.Warn("attachment lookup failed, sending text only", "thread_id", threadID, "err", err)
	}

	r := c.newRun(threadID, assistantID)
	created := Created{ThreadID: threadID, UserMessageID: userID, AssistantMessageID: assistantID, run: r}

	s, err := c.transport.Chat(ctx, req)
	if err != nil {
		r.fail(ctx, msgGenerationFailed)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return created, apiErr
		}
		return created, fmt.Errorf("start generation: %w", err)
	}
	created.StreamID = s.ID
	c.mu.Lock()
	c.active[assistantID] = created
	c.mu.Unlock()
	go c.consume(ctx, r, s)
	return created, nil
}

// Resume reattaches to a reply that is still streaming, replaying it from
// the start into a fresh in-memory copy. A reply this client is already
// streaming is returned as is. Only a finish or error event from the stream
// finalizes a resumed reply; aborting one just drops the in-memory copy.
func (c *Client) Resume(ctx context.Context, messageID string) (Created, error) {
	if created, ok := c.following(messageID); ok {
		return created, nil
	}
	msg, ok, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return Created{}, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return Created{}, store.ErrMessageNotFound
	}
	if msg.Status != domain.StatusStreaming || msg.ResumableStreamID == "" {
		return Created{}, ErrNotResumable
	}
	if cached, ok := c.cache.Get(msg.ID); ok && cached.Status == domain.StatusStreaming {
		return Created{}, ErrAlreadyStreaming
	}
	s, err := c.transport.Resume(ctx, msg.ResumableStreamID)
	if err != nil {
		return Created{}, err
	}

	r := c.newRun(msg.ThreadID, msg.ID)
	r.follower = true
	created := Created{ThreadID: msg.ThreadID, AssistantMessageID: msg.ID, StreamID: s.ID, run: r}
	c.mu.Lock()
	if existing, ok := c.active[msg.ID]; ok {
		c.mu.Unlock()
		_ = s.Body.Close()
		return existing, nil
	}
	c.active[msg.ID] = created
	c.mu.Unlock()

	live := msg.Clone()
	live.Content, live.Reasoning, live.Tools = "", "", nil
	c.cache.RemoveMessage(msg.ID)
	c.cache.AddMessage(live)

	go c.consume(ctx, r, s)
	return created, nil
}

// newRun builds a run that leaves the active set once it completes.
func (c *Client) newRun(threadID, messageID string) *run {
	r := newRun(threadID, messageID, c.cache, c.reconciler, c.now)
	r.onDone = func() { c.release(r) }
	return r
}

func (c *Client) following(messageID string) (Created, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	created, ok := c.active[messageID]
	return created, ok
}

func (c *Client) release(r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.active[r.messageID]; ok && cur.run == r {
		delete(c.active, r.messageID)
	}
}

// ThreadMessages returns what a thread currently shows.
func (c *Client) ThreadMessages(ctx context.Context, threadID string) (ephemeral.View, error) {
	durable, err := c.store.ListThreadMessages(ctx, threadID)
	if err != nil {
		return ephemeral.View{}, err
	}
	return c.cache.ThreadView(threadID, durable), nil
}

func (c *Client) consume(ctx context.Context, r *run, s Stream) {
	defer s.Body.Close()
	// Closing the body unblocks the decoder when ctx is cancelled mid-read.
	stop := context.AfterFunc(ctx, func() { _ = s.Body.Close() })
	defer stop()

	err := stream.Decode(ctx, s.Body, func(ev stream.Event) error {
		return r.handle(ctx, ev)
	})
	switch {
	case err == nil:
		// A terminal event already finalized the run.
		r.fail(ctx, msgInterrupted)
	case ctx.Err() != nil:
		c.logger.Info("stream aborted", "message_id", r.messageID)
		r.fail(ctx, msgInterrupted)
	default:
		c.logger.Warn("stream failed", "message_id", r.messageID, "err", err)
		r.fail(ctx, msgInterrupted)
	}
}

func (c *Client) buildRequest(ctx context.Context, in Input, res ai.Resolution, threadID, assistantID string, history []domain.Message, fresh []domain.Attachment) (chatapi.ChatRequest, error) {
	req := chatapi.ChatRequest{
		ThreadMetadata:    chatapi.ThreadMetadata{ID: threadID},
		ResponseMessageID: assistantID,
		Model:             res.Model.ID,
		ReasoningEffort:   in.ReasoningEffort,
		Temperature:       in.Temperature,
		TopP:              in.TopP,
		MaxTokens:         in.MaxTokens,
		APIKeys:           in.APIKeys,
		UserContext:       in.UserContext,
		Preferences:       chatapi.Preferences{Search: in.Search, Tools: in.Tools},
	}

	byID := make(map[string]domain.Attachment)
	for _, a := range fresh {
		byID[a.ID] = a
	}
	var ids []string
	for _, m := range history {
		for _, id := range m.AttachmentIDs {
			if _, ok := byID[id]; !ok {
				ids = append(ids, id)
			}
		}
	}
	var lookupErr error
	if len(ids) > 0 {
		found, err := c.store.ListAttachments(ctx, ids)
		if err != nil {
			lookupErr = err
		}
		for _, a := range found {
			byID[a.ID] = a
		}
	}
	req.Messages = toChatMessages(history, byID)
	return req, lookupErr
}

func lastCreatedAt(msgs []domain.Message) int64 {
	var last int64
	for _, m := range msgs {
		if m.CreatedAt > last {
			last = m.CreatedAt
		}
	}
	return last
}

// defaultTitle derives a thread title from the first user message.
func defaultTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		return "New chat"
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}
