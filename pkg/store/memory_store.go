package store

import (
	"context"
	"sort"
	"sync"

	"streamchat/pkg/domain"
)

// MemoryStore keeps threads and messages in-process. It backs tests and
// single-node development setups.
type MemoryStore struct {
	mu          sync.RWMutex
	threads     map[string]domain.Thread
	messages    map[string]domain.Message
	attachments map[string]domain.Attachment
	now         func() int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:     make(map[string]domain.Thread),
		messages:    make(map[string]domain.Message),
		attachments: make(map[string]domain.Attachment),
		now:         domain.NowMillis,
	}
}

// SetClock replaces the timestamp source.
func (m *MemoryStore) SetClock(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) CreateThread(_ context.Context, thread domain.Thread) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[thread.ID]; ok {
		return false, nil
	}
	now := m.now()
	if thread.CreatedAt == 0 {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	if thread.GenerationStatus == "" {
		thread.GenerationStatus = domain.GenerationPending
	}
	m.threads[thread.ID] = thread
	return true, nil
}

func (m *MemoryStore) GetThread(_ context.Context, id string) (domain.Thread, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	return t, ok, nil
}

func (m *MemoryStore) PatchThread(_ context.Context, id string, patch domain.ThreadPatch) (domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return domain.Thread{}, ErrThreadNotFound
	}
	patch.Apply(&t, m.now())
	m.threads[id] = t
	return t, nil
}

func (m *MemoryStore) InsertMessages(_ context.Context, msgs []domain.Message) error {
	if err := validateMessages(msgs); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if _, exists := m.messages[msg.ID]; exists {
			return ErrInvalidMessage
		}
	}
	now := m.now()
	for _, msg := range msgs {
		msg = msg.Clone()
		if msg.CreatedAt == 0 {
			msg.CreatedAt = now
		}
		msg.UpdatedAt = now
		m.messages[msg.ID] = msg
	}
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.Message{}, false, nil
	}
	return msg.Clone(), true, nil
}

// PatchMessage is a compare-and-set on status under the store mutex.
func (m *MemoryStore) PatchMessage(_ context.Context, id string, patch domain.MessagePatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return false, ErrMessageNotFound
	}
	msg = msg.Clone()
	if !patch.Apply(&msg, m.now()) {
		return false, nil
	}
	m.messages[id] = msg
	return true, nil
}

func (m *MemoryStore) ListThreadMessages(_ context.Context, threadID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			out = append(out, msg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) InsertAttachments(_ context.Context, parentMessageID string, batch []domain.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, a := range batch {
		if _, exists := m.attachments[a.ID]; exists {
			continue
		}
		a.MessageID = parentMessageID
		if a.CreatedAt == 0 {
			a.CreatedAt = now
		}
		m.attachments[a.ID] = a
	}
	return nil
}

func (m *MemoryStore) ListAttachments(_ context.Context, ids []string) ([]domain.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Attachment, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.attachments[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}
