// Package ephemeral holds in-flight messages in memory while they stream. A
// message lives here from the moment its placeholder is created until its
// final state is durable.
package ephemeral

import (
	"context"
	"sort"
	"sync"

	"streamchat/pkg/domain"
)

// Snapshot is an immutable, creation-time ordered view of one thread. The
// same pointer is returned until something in the thread changes.
type Snapshot struct {
	ThreadID string
	Version  uint64
	Messages []domain.Message
}

type entry struct {
	msg domain.Message
	seq uint64
}

type threadState struct {
	ids         map[string]struct{}
	attachments map[string]domain.Attachment
	version     uint64
	snapshot    *Snapshot
	listeners   map[uint64]func()
}

// Cache is safe for concurrent use. Listeners run after the lock is released,
// in no particular order.
type Cache struct {
	mu       sync.Mutex
	messages map[string]*entry
	threads  map[string]*threadState
	seq      uint64
	now      func() int64
}

func New() *Cache {
	return &Cache{
		messages: make(map[string]*entry),
		threads:  make(map[string]*threadState),
		now:      domain.NowMillis,
	}
}

// SetClock replaces the timestamp source.
func (c *Cache) SetClock(now func() int64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Cache) AddMessage(msg domain.Message) {
	c.AddMessages([]domain.Message{msg})
}

// AddMessages inserts or replaces messages by id.
func (c *Cache) AddMessages(list []domain.Message) {
	if len(list) == 0 {
		return
	}
	c.mu.Lock()
	touched := make(map[string]struct{}, 1)
	for _, msg := range list {
		if msg.ID == "" {
			continue
		}
		if prev, ok := c.messages[msg.ID]; ok && prev.msg.ThreadID != msg.ThreadID {
			c.thread(prev.msg.ThreadID).drop(msg.ID)
			touched[prev.msg.ThreadID] = struct{}{}
		}
		c.seq++
		c.messages[msg.ID] = &entry{msg: msg.Clone(), seq: c.seq}
		c.thread(msg.ThreadID).ids[msg.ID] = struct{}{}
		touched[msg.ThreadID] = struct{}{}
	}
	notify := c.bumpLocked(touched)
	c.mu.Unlock()
	run(notify)
}

// UpdateMessage merges patch into the message with id. Unknown ids and
// terminal messages are left alone; the result reports whether anything
// changed.
func (c *Cache) UpdateMessage(id string, patch domain.MessagePatch) bool {
	return c.mutate(id, func(m *domain.Message, now int64) bool {
		return patch.Apply(m, now)
	})
}

// AppendContent appends a text delta and marks the message streaming.
func (c *Cache) AppendContent(id, delta string) bool {
	return c.mutate(id, func(m *domain.Message, now int64) bool {
		if m.Status.Terminal() {
			return false
		}
		m.Content += delta
		m.Status = domain.StatusStreaming
		m.UpdatedAt = now
		return true
	})
}

// AppendReasoning appends a reasoning delta and marks the message streaming.
func (c *Cache) AppendReasoning(id, delta string) bool {
	return c.mutate(id, func(m *domain.Message, now int64) bool {
		if m.Status.Terminal() {
			return false
		}
		m.Reasoning += delta
		m.Status = domain.StatusStreaming
		m.UpdatedAt = now
		return true
	})
}

// AddTool appends inv or merges it into the invocation with the same
// toolCallId. State never moves backwards.
func (c *Cache) AddTool(messageID string, inv domain.ToolInvocation) bool {
	return c.mutate(messageID, func(m *domain.Message, now int64) bool {
		if m.Status.Terminal() {
			return false
		}
		tools, ok := domain.MergeTool(m.Tools, inv, now)
		if !ok {
			return false
		}
		m.Tools = tools
		m.UpdatedAt = now
		return true
	})
}

func (c *Cache) UpdateTool(messageID, toolCallID string, patch domain.ToolPatch) bool {
	return c.mutate(messageID, func(m *domain.Message, now int64) bool {
		if m.Status.Terminal() {
			return false
		}
		tools, ok := domain.PatchTool(m.Tools, toolCallID, patch, now)
		if !ok {
			return false
		}
		m.Tools = tools
		m.UpdatedAt = now
		return true
	})
}

// RemoveMessage evicts a message.
func (c *Cache) RemoveMessage(id string) {
	c.mu.Lock()
	e, ok := c.messages[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.messages, id)
	c.thread(e.msg.ThreadID).drop(id)
	notify := c.bumpLocked(map[string]struct{}{e.msg.ThreadID: {}})
	c.mu.Unlock()
	run(notify)
}

func (c *Cache) Get(id string) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.messages[id]
	if !ok {
		return domain.Message{}, false
	}
	return e.msg.Clone(), true
}

// MessagesForThread returns the thread's snapshot. Callers must not modify
// the returned messages. Reading a thread the cache does not hold leaves no
// state behind.
func (c *Cache) MessagesForThread(threadID string) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[threadID]
	if !ok {
		return &Snapshot{ThreadID: threadID}
	}
	if t.snapshot != nil {
		return t.snapshot
	}
	entries := make([]*entry, 0, len(t.ids))
	for id := range t.ids {
		entries = append(entries, c.messages[id])
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].msg.CreatedAt != entries[j].msg.CreatedAt {
			return entries[i].msg.CreatedAt < entries[j].msg.CreatedAt
		}
		return entries[i].seq < entries[j].seq
	})
	msgs := make([]domain.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.msg.Clone())
	}
	t.snapshot = &Snapshot{ThreadID: threadID, Version: t.version, Messages: msgs}
	return t.snapshot
}

// AddAttachments registers stand-ins for attachments that are not durable
// yet.
func (c *Cache) AddAttachments(list []domain.Attachment) {
	if len(list) == 0 {
		return
	}
	c.mu.Lock()
	touched := make(map[string]struct{}, 1)
	for _, a := range list {
		if a.ID == "" {
			continue
		}
		c.thread(a.ThreadID).attachments[a.ID] = a
		touched[a.ThreadID] = struct{}{}
	}
	notify := c.bumpLocked(touched)
	c.mu.Unlock()
	run(notify)
}

func (c *Cache) RemoveAttachments(ids []string) {
	c.mu.Lock()
	touched := make(map[string]struct{})
	for threadID, t := range c.threads {
		for _, id := range ids {
			if _, ok := t.attachments[id]; ok {
				delete(t.attachments, id)
				touched[threadID] = struct{}{}
			}
		}
	}
	notify := c.bumpLocked(touched)
	c.mu.Unlock()
	run(notify)
}

func (c *Cache) AttachmentsForThread(threadID string) []domain.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]domain.Attachment, 0, len(t.attachments))
	for _, a := range t.attachments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe calls fn after every change to threadID until cancel is called.
func (c *Cache) Subscribe(threadID string, fn func()) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	key := c.seq
	c.thread(threadID).listeners[key] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t, ok := c.threads[threadID]; ok {
			delete(t.listeners, key)
			c.gcLocked(threadID)
		}
	}
}

// Watch returns a channel that receives after changes to threadID. Bursts of
// changes coalesce into one signal. The channel closes when ctx is done.
func (c *Cache) Watch(ctx context.Context, threadID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	var once sync.Once
	var mu sync.Mutex
	closed := false
	cancel := c.Subscribe(threadID, func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		once.Do(func() {
			cancel()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}()
	return ch
}

func (c *Cache) mutate(id string, fn func(*domain.Message, int64) bool) bool {
	c.mu.Lock()
	e, ok := c.messages[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	// Mutate a copy so snapshots already handed out stay untouched.
	next := e.msg.Clone()
	if !fn(&next, c.now()) {
		c.mu.Unlock()
		return false
	}
	e.msg = next
	notify := c.bumpLocked(map[string]struct{}{next.ThreadID: {}})
	c.mu.Unlock()
	run(notify)
	return true
}

func (c *Cache) thread(threadID string) *threadState {
	t, ok := c.threads[threadID]
	if !ok {
		t = &threadState{
			ids:         make(map[string]struct{}),
			attachments: make(map[string]domain.Attachment),
			listeners:   make(map[uint64]func()),
		}
		c.threads[threadID] = t
	}
	return t
}

func (t *threadState) drop(id string) {
	delete(t.ids, id)
}

// bumpLocked invalidates the snapshots of touched threads and returns their
// listeners.
func (c *Cache) bumpLocked(touched map[string]struct{}) []func() {
	var notify []func()
	for threadID := range touched {
		t := c.thread(threadID)
		t.version++
		t.snapshot = nil
		for _, fn := range t.listeners {
			notify = append(notify, fn)
		}
		c.gcLocked(threadID)
	}
	return notify
}

func (c *Cache) gcLocked(threadID string) {
	t, ok := c.threads[threadID]
	if ok && len(t.ids) == 0 && len(t.attachments) == 0 && len(t.listeners) == 0 {
		delete(c.threads, threadID)
	}
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
