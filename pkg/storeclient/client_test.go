package storeclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"streamchat/pkg/chatapi"
	"streamchat/pkg/domain"
	"streamchat/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func staticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

func TestClientSendsUserToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-token" {
			writeJSON(w, http.StatusUnauthorized, chatapi.ErrorBody{Type: chatapi.ErrorUnauthorized})
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/api/threads" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var th domain.Thread
		_ = json.NewDecoder(r.Body).Decode(&th)
		writeJSON(w, http.StatusCreated, CreateThreadResponse{Created: true, Thread: th})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("user-token"), nil)
	created, err := c.CreateThread(context.Background(), domain.Thread{ID: "t1"})
	if err != nil || !created {
		t.Fatalf("create thread: created=%v err=%v", created, err)
	}

	anon := NewClient(srv.URL, nil, nil)
	_, err = anon.CreateThread(context.Background(), domain.Thread{ID: "t1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestClientMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/threads/missing", "/api/threads/missing/messages":
			writeJSON(w, http.StatusNotFound, chatapi.ErrorBody{Type: chatapi.ErrorThreadNotFound, Message: "thread not found"})
		default:
			writeJSON(w, http.StatusNotFound, chatapi.ErrorBody{Type: chatapi.ErrorMessageNotFound, Message: "message not found"})
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, staticToken("tok"), nil)
	ctx := context.Background()

	if _, ok, err := c.GetThread(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing thread should be (false, nil), got ok=%v err=%v", ok, err)
	}
	if _, ok, err := c.GetMessage(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing message should be (false, nil), got ok=%v err=%v", ok, err)
	}
	if _, err := c.ListThreadMessages(ctx, "missing"); !errors.Is(err, store.ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
	if _, err := c.PatchMessage(ctx, "missing", domain.MessagePatch{}); !errors.Is(err, store.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestClientAttachmentsAndPatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/attachments":
			if got := r.URL.Query().Get("ids"); got != "a1,a2" {
				t.Errorf("unexpected ids %q", got)
			}
			writeJSON(w, http.StatusOK, AttachmentsBody{Attachments: []domain.Attachment{{ID: "a1", URL: "https://x/a1"}}})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/messages/m1":
			var patch domain.MessagePatch
			_ = json.NewDecoder(r.Body).Decode(&patch)
			if patch.Content == nil || *patch.Content != "" {
				t.Errorf("empty content must be sent explicitly: %+v", patch)
			}
			writeJSON(w, http.StatusOK, PatchResult{Applied: false})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, staticToken("tok"), nil)
	ctx := context.Background()

	got, err := c.ListAttachments(ctx, []string{"a1", "a2"})
	if err != nil || len(got) != 1 || got[0].URL != "https://x/a1" {
		t.Fatalf("list attachments: %+v %v", got, err)
	}
	applied, err := c.PatchMessage(ctx, "m1", domain.MessagePatch{Content: domain.Ptr("")})
	if err != nil || applied {
		t.Fatalf("expected a skipped patch, got applied=%v err=%v", applied, err)
	}
	if got, err := c.ListAttachments(ctx, nil); got != nil || err != nil {
		t.Fatalf("empty lookup must not call the service")
	}
}

type fixedSigner string

func (s fixedSigner) Sign(audience string) (string, error) {
	if audience != Audience {
		return "", errors.New("wrong audience")
	}
	return string(s), nil
}

func TestInternalUsesServiceToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc" {
			writeJSON(w, http.StatusUnauthorized, chatapi.ErrorBody{Type: chatapi.ErrorUnauthorized})
			return
		}
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/internal/threads/t1":
			writeJSON(w, http.StatusOK, domain.Thread{ID: "t1", GenerationStatus: domain.GenerationCompleted})
		case r.Method == http.MethodPatch && r.URL.Path == "/internal/messages/m1":
			writeJSON(w, http.StatusOK, PatchResult{Applied: true})
		default:
			writeJSON(w, http.StatusNotFound, chatapi.ErrorBody{Type: chatapi.ErrorMessageNotFound})
		}
	}))
	defer srv.Close()
	c := NewInternal(srv.URL, fixedSigner("svc"), nil)
	ctx := context.Background()

	applied, err := c.PatchMessage(ctx, "m1", domain.MessagePatch{Status: domain.Ptr(domain.StatusDone)})
	if err != nil || !applied {
		t.Fatalf("patch message: applied=%v err=%v", applied, err)
	}
	th, err := c.PatchThread(ctx, "t1", domain.ThreadPatch{GenerationStatus: domain.Ptr(domain.GenerationCompleted)})
	if err != nil || th.GenerationStatus != domain.GenerationCompleted {
		t.Fatalf("patch thread: %+v %v", th, err)
	}
	if _, ok, err := c.GetMessage(ctx, "nope"); ok || err != nil {
		t.Fatalf("missing message should be (false, nil), got ok=%v err=%v", ok, err)
	}
}
