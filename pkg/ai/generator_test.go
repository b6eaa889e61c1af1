package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3/option"

	"streamchat/pkg/domain"
	"streamchat/pkg/stream"
)

func userRequest(text string) Request {
	return Request{
		Model:    "test-model",
		Messages: []Message{{Role: domain.RoleUser, Parts: []Part{{Type: PartText, Text: text}}}},
		Tools:    []ToolSpec{{Name: "search", Parameters: map[string]any{"type": "object"}}},
	}
}

func fold(t *testing.T, events []stream.Event) stream.State {
	t.Helper()
	var acc stream.Accumulator
	for i, ev := range events {
		acc.Apply(ev, int64(i))
	}
	return acc.State()
}

func TestOpenAIGeneratorStreamsTextAndTools(t *testing.T) {
	chunks := []string{
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`,
	}
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator(srv.URL+"/v1", "sk-test", option.WithMaxRetries(0))
	var events []stream.Event
	res, err := gen.Stream(context.Background(), userRequest("hi"), func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.FinishReason != FinishToolCalls || res.Usage.CompletionTokens != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotBody["stream"] != true || gotBody["model"] != "test-model" {
		t.Fatalf("unexpected request body: %v", gotBody)
	}

	st := fold(t, events)
	if st.Content != "Hello" {
		t.Fatalf("unexpected content %q", st.Content)
	}
	if len(st.Tools) != 1 || st.Tools[0].ToolCallID != "call_1" || st.Tools[0].State != domain.ToolCall {
		t.Fatalf("unexpected tools: %+v", st.Tools)
	}
	if string(st.Tools[0].Args.Value) != `{"q":"go"}` {
		t.Fatalf("unexpected args %s", st.Tools[0].Args.Value)
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":"","thinking":"hmm"},"done":false}`,
		`{"message":{"role":"assistant","content":"Hi"},"done":false}`,
		`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"search","arguments":{"q":"go"}}}]},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":5,"eval_count":2}`,
	}
	var gotReq ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		for _, l := range lines {
			io.WriteString(w, l+"\n")
		}
	}))
	defer srv.Close()

	req := userRequest("hi")
	req.System = "be brief"
	req.ReasoningEffort = "low"
	var events []stream.Event
	res, err := NewOllamaGenerator(NewOllamaClient(srv.URL)).Stream(context.Background(), req, func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.FinishReason != FinishToolCalls || res.Usage.PromptTokens != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !gotReq.Stream || !gotReq.Think || len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Fatalf("unexpected request: %+v", gotReq)
	}
	st := fold(t, events)
	if st.Content != "Hi" || st.Reasoning != "hmm" || len(st.Tools) != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if string(st.Tools[0].Args.Value) != `{"q":"go"}` {
		t.Fatalf("unexpected args %s", st.Tools[0].Args.Value)
	}
}

func TestOllamaGeneratorIncompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":{"content":"cut"},"done":false}`+"\n")
	}))
	defer srv.Close()

	_, err := NewOllamaGenerator(NewOllamaClient(srv.URL)).Stream(context.Background(), userRequest("hi"), func(stream.Event) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "unexpected EOF") {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestOllamaGeneratorAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	_, err := NewOllamaGenerator(NewOllamaClient(srv.URL)).Stream(context.Background(), userRequest("hi"), func(stream.Event) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestGeneratorsRejectEmptyRequest(t *testing.T) {
	gen := NewOllamaGenerator(NewOllamaClient("http://127.0.0.1:1"))
	if _, err := gen.Stream(context.Background(), Request{Model: "m"}, nil); err != ErrEmptyRequest {
		t.Fatalf("expected ErrEmptyRequest, got %v", err)
	}
}

func TestToolAssemblerFallsBackToEmptyArgs(t *testing.T) {
	var events []stream.Event
	a := newToolAssembler(func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	if err := a.begin(0, "", "broken"); err != nil {
		t.Fatal(err)
	}
	_ = a.delta(0, `{"unterminated`)
	_ = a.delta(7, `ignored`)
	if err := a.flush(); err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.Kind != stream.KindToolCall || string(last.Args) != "{}" || !strings.HasPrefix(last.ToolCallID, "call_") {
		t.Fatalf("unexpected final event: %+v", last)
	}
}
