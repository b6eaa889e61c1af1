package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"streamchat/pkg/chatapi"
	"streamchat/pkg/store"
)

// APIError represents a store service error response.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("store service: %s (%d)", e.Type, e.Status)
	}
	return fmt.Sprintf("store service: %s", e.Message)
}

// Unwrap lets callers match the store package sentinels.
func (e *APIError) Unwrap() error {
	switch e.Type {
	case chatapi.ErrorThreadNotFound:
		return store.ErrThreadNotFound
	case chatapi.ErrorMessageNotFound:
		return store.ErrMessageNotFound
	case chatapi.ErrorInvalidRequest:
		return store.ErrInvalidMessage
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// caller holds what both surfaces share; token supplies the bearer token.
type caller struct {
	baseURL    string
	httpClient *http.Client
	token      func(ctx context.Context) (string, error)
}

func newCaller(baseURL string, httpClient *http.Client, token func(ctx context.Context) (string, error)) caller {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return caller{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		token:      token,
	}
}

func (c caller) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("store token: %w", err)
		}
		if strings.TrimSpace(token) != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Type: chatapi.ErrorInternal}
		var errResp chatapi.ErrorBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&errResp); err == nil && errResp.Type != "" {
			apiErr.Type = errResp.Type
			apiErr.Message = errResp.Message
		} else {
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
