package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"streamchat/internal/metrics"
	"streamchat/internal/ratelimit"
	"streamchat/pkg/ai"
	"streamchat/pkg/chatapi"
	"streamchat/pkg/chatclient"
	"streamchat/pkg/domain"
	"streamchat/pkg/resumable"
	"streamchat/pkg/store"
	"streamchat/pkg/stream"
	"streamchat/services/chat/internal/app"
)

type tokenUsers map[string]string

func (u tokenUsers) VerifySubject(token string) (string, error) {
	if id, ok := u[token]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

type echoGenerator struct {
	text string
}

func (g echoGenerator) Stream(_ context.Context, _ ai.Request, emit ai.EmitFunc) (ai.Result, error) {
	for _, part := range strings.SplitAfter(g.text, " ") {
		if err := emit(stream.Text(part)); err != nil {
			return ai.Result{}, err
		}
	}
	return ai.Result{FinishReason: ai.FinishStop}, nil
}

type harness struct {
	srv   *httptest.Server
	store *store.MemoryStore
}

func newHarness(t *testing.T, mutate func(*app.Config)) harness {
	t.Helper()
	mem := store.NewMemoryStore()
	cfg := app.Config{
		Registry: ai.DefaultRegistry(),
		Factory: func(context.Context, ai.Resolution) (ai.Generator, error) {
			return echoGenerator{text: "Hello there"}, nil
		},
		Writer: mem,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	core, err := app.New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(New(Config{
		App:     core,
		Users:   tokenUsers{"tok": "u1"},
		Metrics: metrics.New("chat"),
	}).Router())
	t.Cleanup(srv.Close)
	return harness{srv: srv, store: mem}
}

func chatBody(mutate func(*chatapi.ChatRequest)) []byte {
	req := chatapi.ChatRequest{
		Messages: []ai.Message{{
			Role:  domain.RoleUser,
			Parts: []ai.Part{{Type: ai.PartText, Text: "hi"}},
		}},
		ThreadMetadata:    chatapi.ThreadMetadata{ID: "t1"},
		ResponseMessageID: "m1",
		Model:             "gpt-4.1",
		APIKeys:           map[string]string{"openai": "sk-test"},
	}
	if mutate != nil {
		mutate(&req)
	}
	data, _ := json.Marshal(req)
	return data
}

func post(t *testing.T, h harness, token string, body []byte) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+chatapi.ChatPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func errorBody(t *testing.T, resp *http.Response) chatapi.ErrorBody {
	t.Helper()
	var body chatapi.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestChatStreamsFrames(t *testing.T) {
	h := newHarness(t, nil)
	resp := post(t, h, "tok", chatBody(nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(chatapi.HeaderDataStream); got != chatapi.DataStreamVersion {
		t.Fatalf("missing data stream header: %q", got)
	}
	if got := resp.Header.Get(chatapi.HeaderStreamID); got != "stream_m1" {
		t.Fatalf("unexpected stream id header: %q", got)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	var text strings.Builder
	err := stream.Decode(context.Background(), resp.Body, func(ev stream.Event) error {
		if ev.Kind == stream.KindText {
			text.WriteString(ev.Text)
		}
		return nil
	})
	if err != nil || text.String() != "Hello there" {
		t.Fatalf("decode: %q %v", text.String(), err)
	}
}

func TestChatPreflightErrors(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name     string
		token    string
		body     []byte
		status   int
		errType  string
		setupURL bool
	}{
		{name: "no token", body: chatBody(nil), status: http.StatusUnauthorized, errType: chatapi.ErrorUnauthorized},
		{name: "bad token", token: "nope", body: chatBody(nil), status: http.StatusUnauthorized, errType: chatapi.ErrorUnauthorized},
		{name: "bad json", token: "tok", body: []byte("{"), status: http.StatusBadRequest, errType: chatapi.ErrorInvalidRequest},
		{name: "no messages", token: "tok", body: chatBody(func(r *chatapi.ChatRequest) { r.Messages = nil }), status: http.StatusBadRequest, errType: chatapi.ErrorInvalidRequest},
		{name: "no model", token: "tok", body: chatBody(func(r *chatapi.ChatRequest) { r.Model = "" }), status: http.StatusBadRequest, errType: chatapi.ErrorInvalidRequest},
		{name: "unknown model", token: "tok", body: chatBody(func(r *chatapi.ChatRequest) { r.Model = "gpt-0" }), status: http.StatusBadRequest, errType: chatapi.ErrorUnknownModel},
		{name: "missing key", token: "tok", body: chatBody(func(r *chatapi.ChatRequest) { r.APIKeys = nil }), status: http.StatusBadRequest, errType: chatapi.ErrorMissingKey, setupURL: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := post(t, h, tc.token, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			body := errorBody(t, resp)
			if body.Type != tc.errType {
				t.Fatalf("expected %s, got %+v", tc.errType, body)
			}
			if tc.setupURL && body.SetupURL == "" {
				t.Fatalf("missing setupUrl: %+v", body)
			}
		})
	}
}

func TestChatRateLimited(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	h := newHarness(t, func(c *app.Config) { c.Limiter = limiter })

	first := post(t, h, "tok", chatBody(nil))
	_, _ = io.Copy(io.Discard, first.Body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d", first.StatusCode)
	}
	second := post(t, h, "tok", chatBody(func(r *chatapi.ChatRequest) { r.ResponseMessageID = "m2" }))
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if body := errorBody(t, second); body.Type != chatapi.ErrorRateLimited {
		t.Fatalf("unexpected body %+v", body)
	}
}

func resume(t *testing.T, h harness, streamID string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+chatapi.StreamsPath+streamID, nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestResumePassthroughIsUnsupported(t *testing.T) {
	h := newHarness(t, nil)
	resp := resume(t, h, "stream_m1")
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
	if body := errorBody(t, resp); body.Type != chatapi.ErrorResumeUnsupported {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestResumeWithRedisCoordinator(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	coord, err := resumable.NewRedisCoordinator(client, resumable.RedisConfig{
		Prefix:    "test",
		Block:     20 * time.Millisecond,
		Retention: time.Minute,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	h := newHarness(t, func(c *app.Config) { c.Coordinator = coord })

	if resp := resume(t, h, "stream_m1"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before start, got %d", resp.StatusCode)
	}
	first := post(t, h, "tok", chatBody(nil))
	original, _ := io.ReadAll(first.Body)

	resp := resume(t, h, "stream_m1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	replayed, _ := io.ReadAll(resp.Body)
	if len(original) == 0 || !bytes.Equal(original, replayed) {
		t.Fatalf("replay differs:\n%s\nvs\n%s", original, replayed)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	post(t, h, "", chatBody(nil))
	resp, err := http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), `streamchat_rejections_total{service="chat",type="unauthorized"} 1`) {
		t.Fatalf("rejection not counted:\n%s", data)
	}
}

// The client and the service share one durable store; whichever terminal
// write lands first wins and both agree on the content.
func TestClientAgainstService(t *testing.T) {
	h := newHarness(t, nil)
	transport := chatclient.NewHTTPTransport(h.srv.URL, func(context.Context) (string, error) { return "tok", nil }, nil)
	client, err := chatclient.New(chatclient.Config{UserID: "u1", Store: h.store, Transport: transport})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	created, err := client.CreateMessage(ctx, chatclient.Input{
		Text:    "hi",
		Model:   "gpt-4.1",
		APIKeys: map[string]string{"openai": "sk-test"},
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := created.Wait(waitCtx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if out.Status != domain.StatusDone || out.Content != "Hello there" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	msg, ok, err := h.store.GetMessage(ctx, created.AssistantMessageID)
	if err != nil || !ok || msg.Status != domain.StatusDone || msg.Content != "Hello there" {
		t.Fatalf("unexpected durable message %+v ok=%v err=%v", msg, ok, err)
	}
	if _, ok := client.Cache().Get(created.AssistantMessageID); ok {
		t.Fatal("ephemeral copy should be evicted")
	}
}
