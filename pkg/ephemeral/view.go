package ephemeral

import (
	"sort"

	"streamchat/pkg/domain"
)

// View is what a thread shows. Stable holds every settled message; Streaming
// is the one message still receiving deltas, if any.
type View struct {
	Stable    []domain.Message
	Streaming *domain.Message
}

// Messages returns Stable and Streaming merged in creation-time order.
func (v View) Messages() []domain.Message {
	out := make([]domain.Message, 0, len(v.Stable)+1)
	out = append(out, v.Stable...)
	if v.Streaming == nil {
		return out
	}
	idx := sort.Search(len(out), func(i int) bool {
		return out[i].CreatedAt > v.Streaming.CreatedAt
	})
	out = append(out, domain.Message{})
	copy(out[idx+1:], out[idx:])
	out[idx] = *v.Streaming
	return out
}

// ThreadView combines durable messages with the cache's in-flight copies.
// With nothing in flight the durable list is returned as is.
func (c *Cache) ThreadView(threadID string, durable []domain.Message) View {
	snap := c.MessagesForThread(threadID)
	if len(snap.Messages) == 0 {
		return View{Stable: durable}
	}

	live := make(map[string]domain.Message, len(snap.Messages))
	for _, m := range snap.Messages {
		live[m.ID] = m
	}
	merged := make([]domain.Message, 0, len(durable)+len(snap.Messages))
	for _, m := range durable {
		if e, ok := live[m.ID]; ok {
			merged = append(merged, e)
			delete(live, m.ID)
			continue
		}
		merged = append(merged, m)
	}
	for _, m := range snap.Messages {
		if _, ok := live[m.ID]; ok {
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt < merged[j].CreatedAt
	})

	var view View
	view.Stable = make([]domain.Message, 0, len(merged))
	for i := range merged {
		if view.Streaming == nil && merged[i].Status == domain.StatusStreaming {
			m := merged[i]
			view.Streaming = &m
			continue
		}
		view.Stable = append(view.Stable, merged[i])
	}
	return view
}
