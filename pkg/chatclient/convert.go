package chatclient

import (
	"streamchat/pkg/ai"
	"streamchat/pkg/domain"
)

// toChatMessages renders durable history as generation input. Deleted
// messages and failed replies are left out.
func toChatMessages(history []domain.Message, attachments map[string]domain.Attachment) []ai.Message {
	out := make([]ai.Message, 0, len(history))
	for _, m := range history {
		if m.Status == domain.StatusDeleted {
			continue
		}
		if m.Role == domain.RoleAssistant && m.Status != domain.StatusDone {
			continue
		}
		parts := make([]ai.Part, 0, 1+len(m.AttachmentIDs))
		if m.Content != "" {
			parts = append(parts, ai.Part{Type: ai.PartText, Text: m.Content})
		}
		for _, id := range m.AttachmentIDs {
			a, ok := attachments[id]
			if !ok || a.Deleted {
				continue
			}
			parts = append(parts, attachmentPart(a))
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, ai.Message{Role: m.Role, Parts: parts})
	}
	return out
}

func attachmentPart(a domain.Attachment) ai.Part {
	p := ai.Part{Type: ai.PartFile, URL: a.URL, MimeType: a.MimeType, FileName: a.FileName}
	if a.IsImage() {
		p.Type = ai.PartImage
	}
	return p
}
