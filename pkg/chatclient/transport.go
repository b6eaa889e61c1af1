package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"streamchat/pkg/chatapi"
)

// Stream is an open response body plus the id it can be resumed under.
type Stream struct {
	ID   string
	Body io.ReadCloser
}

// Transport reaches the generation service.
type Transport interface {
	Chat(ctx context.Context, req chatapi.ChatRequest) (Stream, error)
	Resume(ctx context.Context, streamID string) (Stream, error)
}

// TokenFunc returns the bearer token for the current user.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPTransport talks to the chat service over HTTP.
type HTTPTransport struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
}

// NewHTTPTransport builds a transport. The http.Client must not set a
// Timeout; streams are bounded by the request context.
func NewHTTPTransport(baseURL string, token TokenFunc, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (t *HTTPTransport) Chat(ctx context.Context, req chatapi.ChatRequest) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Stream{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+chatapi.ChatPath, bytes.NewReader(body))
	if err != nil {
		return Stream{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return t.do(httpReq)
}

func (t *HTTPTransport) Resume(ctx context.Context, streamID string) (Stream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+chatapi.StreamsPath+url.PathEscape(streamID), nil)
	if err != nil {
		return Stream{}, err
	}
	return t.do(httpReq)
}

func (t *HTTPTransport) do(req *http.Request) (Stream, error) {
	if t.token != nil {
		token, err := t.token(req.Context())
		if err != nil {
			return Stream{}, fmt.Errorf("chat token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Stream{}, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return Stream{}, decodeAPIError(resp)
	}
	return Stream{ID: resp.Header.Get(chatapi.HeaderStreamID), Body: resp.Body}, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Type: chatapi.ErrorInternal}
	var body chatapi.ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil && body.Type != "" {
		apiErr.Type = body.Type
		apiErr.Message = body.Message
		apiErr.SetupURL = body.SetupURL
	} else {
		apiErr.Message = resp.Status
	}
	return apiErr
}
