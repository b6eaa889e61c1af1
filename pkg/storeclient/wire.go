// Package storeclient reaches the store service over HTTP: Client speaks the
// user-facing /api surface and satisfies store.Store, Internal speaks the
// /internal mutation surface with a service token.
package storeclient

import "streamchat/pkg/domain"

// Audience is the service-token audience of the /internal surface.
const Audience = "store"

type CreateThreadResponse struct {
	Created bool          `json:"created"`
	Thread  domain.Thread `json:"thread"`
}

type MessagesBody struct {
	Messages []domain.Message `json:"messages"`
}

type AttachmentsBody struct {
	Attachments []domain.Attachment `json:"attachments"`
}

type PatchResult struct {
	Applied bool `json:"applied"`
}
