package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streamchat/pkg/domain"
	"streamchat/pkg/stream"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaClient calls the Ollama HTTP API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient constructs a client with the provided base URL. Streaming
// responses are bounded by the request context, not a client timeout.
func NewOllamaClient(baseURL string) *OllamaClient {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &OllamaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// streamJSON posts payload and hands every NDJSON line of the response to fn.
func (c *OllamaClient) streamJSON(ctx context.Context, path string, payload any, fn func([]byte) error) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return fmt.Errorf("ollama api error: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// OllamaGenerator streams from the Ollama /api/chat endpoint.
type OllamaGenerator struct {
	client *OllamaClient
}

func NewOllamaGenerator(client *OllamaClient) *OllamaGenerator {
	return &OllamaGenerator{client: client}
}

func (g *OllamaGenerator) Stream(ctx context.Context, req Request, emit EmitFunc) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return Result{}, fmt.Errorf("ollama generation model required")
	}

	reqBody := ollamaChatRequest{
		Model:    model,
		Messages: ollamaMessages(req),
		Stream:   true,
		Think:    req.ReasoningEffort != "",
	}
	opts := ollamaOptions{Temperature: req.Temperature, TopP: req.TopP}
	if req.MaxTokens > 0 {
		opts.NumPredict = req.MaxTokens
	}
	if opts != (ollamaOptions{}) {
		reqBody.Options = &opts
	}
	for _, tool := range req.Tools {
		reqBody.Tools = append(reqBody.Tools, ollamaTool{
			Type:     "function",
			Function: ollamaFunction{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters},
		})
	}

	tools := newToolAssembler(emit)
	var res Result
	done := false
	err := g.client.streamJSON(ctx, "/api/chat", reqBody, func(line []byte) error {
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("ollama decode: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama api error: %s", chunk.Error)
		}
		if chunk.Message.Thinking != "" {
			if err := emit(stream.Reasoning(chunk.Message.Thinking)); err != nil {
				return err
			}
		}
		if chunk.Message.Content != "" {
			if err := emit(stream.Text(chunk.Message.Content)); err != nil {
				return err
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			tools.called = true
			if err := tools.complete("", tc.Function.Name, tc.Function.Arguments); err != nil {
				return err
			}
		}
		if chunk.Done {
			done = true
			res.Usage = stream.Usage{PromptTokens: chunk.PromptEvalCount, CompletionTokens: chunk.EvalCount}
			res.FinishReason = ollamaFinishReason(chunk.DoneReason)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("ollama generate: %w", err)
	}
	if !done {
		return res, fmt.Errorf("ollama generate: %w", io.ErrUnexpectedEOF)
	}
	if tools.called && res.FinishReason == FinishStop {
		res.FinishReason = FinishToolCalls
	}
	return res, nil
}

func ollamaMessages(req Request) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		out = append(out, ollamaChatMessage{Role: string(domain.RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		var b strings.Builder
		for _, p := range m.Parts {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			if p.Type == PartText {
				b.WriteString(p.Text)
			} else {
				b.WriteString(fileReference(p))
			}
		}
		out = append(out, ollamaChatMessage{Role: string(m.Role), Content: b.String()})
	}
	return out
}

func ollamaFinishReason(reason string) string {
	switch reason {
	case "", "stop":
		return FinishStop
	case "length":
		return FinishLength
	}
	return FinishOther
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Think    bool                `json:"think,omitempty"`
	Options  *ollamaOptions      `json:"options,omitempty"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
}

type ollamaChatChunk struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	PromptEvalCount int64             `json:"prompt_eval_count"`
	EvalCount       int64             `json:"eval_count"`
	Error           string            `json:"error"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
