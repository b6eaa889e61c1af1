package storeclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"streamchat/pkg/domain"
	"streamchat/pkg/store"
)

// Client is a store.Store backed by the user-facing surface. Every call acts
// as the user whose token is returned by token.
type Client struct {
	caller
}

var _ store.Store = (*Client)(nil)

func NewClient(baseURL string, token func(ctx context.Context) (string, error), httpClient *http.Client) *Client {
	return &Client{caller: newCaller(baseURL, httpClient, token)}
}

func (c *Client) CreateThread(ctx context.Context, thread domain.Thread) (bool, error) {
	var out CreateThreadResponse
	if err := c.do(ctx, http.MethodPost, "/api/threads", thread, &out); err != nil {
		return false, err
	}
	return out.Created, nil
}

func (c *Client) GetThread(ctx context.Context, id string) (domain.Thread, bool, error) {
	var out domain.Thread
	if err := c.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(id), nil, &out); err != nil {
		if isNotFound(err) {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	return out, true, nil
}

func (c *Client) PatchThread(ctx context.Context, id string, patch domain.ThreadPatch) (domain.Thread, error) {
	var out domain.Thread
	err := c.do(ctx, http.MethodPatch, "/api/threads/"+url.PathEscape(id), patch, &out)
	return out, err
}

// InsertMessages posts the batch to the thread of its first message; the
// service rejects batches that span threads.
func (c *Client) InsertMessages(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	path := "/api/threads/" + url.PathEscape(msgs[0].ThreadID) + "/messages"
	return c.do(ctx, http.MethodPost, path, MessagesBody{Messages: msgs}, nil)
}

func (c *Client) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	var out domain.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), nil, &out); err != nil {
		if isNotFound(err) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return out, true, nil
}

func (c *Client) PatchMessage(ctx context.Context, id string, patch domain.MessagePatch) (bool, error) {
	var out PatchResult
	if err := c.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(id), patch, &out); err != nil {
		return false, err
	}
	return out.Applied, nil
}

func (c *Client) ListThreadMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	var out MessagesBody
	if err := c.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(threadID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) InsertAttachments(ctx context.Context, parentMessageID string, batch []domain.Attachment) error {
	if len(batch) == 0 {
		return nil
	}
	path := "/api/messages/" + url.PathEscape(parentMessageID) + "/attachments"
	return c.do(ctx, http.MethodPost, path, AttachmentsBody{Attachments: batch}, nil)
}

func (c *Client) ListAttachments(ctx context.Context, ids []string) ([]domain.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{"ids": {strings.Join(ids, ",")}}
	var out AttachmentsBody
	if err := c.do(ctx, http.MethodGet, "/api/attachments?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Attachments, nil
}
