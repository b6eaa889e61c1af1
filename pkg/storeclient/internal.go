package storeclient

import (
	"context"
	"net/http"
	"net/url"

	"streamchat/pkg/domain"
)

// Signer issues service tokens; *servicetoken.Signer satisfies it.
type Signer interface {
	Sign(audience string) (string, error)
}

// Internal calls the /internal mutation surface. It carries no user identity,
// so only services holding the shared secret can use it.
type Internal struct {
	caller
}

func NewInternal(baseURL string, signer Signer, httpClient *http.Client) *Internal {
	token := func(context.Context) (string, error) { return signer.Sign(Audience) }
	return &Internal{caller: newCaller(baseURL, httpClient, token)}
}

func (c *Internal) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	var out domain.Message
	if err := c.do(ctx, http.MethodGet, "/internal/messages/"+url.PathEscape(id), nil, &out); err != nil {
		if isNotFound(err) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return out, true, nil
}

// PatchMessage applies the same terminal guard as the durable store.
func (c *Internal) PatchMessage(ctx context.Context, id string, patch domain.MessagePatch) (bool, error) {
	var out PatchResult
	if err := c.do(ctx, http.MethodPatch, "/internal/messages/"+url.PathEscape(id), patch, &out); err != nil {
		return false, err
	}
	return out.Applied, nil
}

func (c *Internal) PatchThread(ctx context.Context, id string, patch domain.ThreadPatch) (domain.Thread, error) {
	var out domain.Thread
	err := c.do(ctx, http.MethodPatch, "/internal/threads/"+url.PathEscape(id), patch, &out)
	return out, err
}
