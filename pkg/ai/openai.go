package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"streamchat/pkg/domain"
	"streamchat/pkg/stream"
)

// OpenAIGenerator streams chat completions from OpenAI or any
// OpenAI-compatible endpoint (vLLM, LiteLLM, OpenRouter, ...).
type OpenAIGenerator struct {
	client openai.Client
}

// NewOpenAIGenerator builds a generator. baseURL may be empty for the public
// API; otherwise it should include the /v1 prefix.
func NewOpenAIGenerator(baseURL, apiKey string, opts ...option.RequestOption) *OpenAIGenerator {
	reqOpts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base+"/"))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIGenerator{client: openai.NewClient(reqOpts...)}
}

func (g *OpenAIGenerator) Stream(ctx context.Context, req Request, emit EmitFunc) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:         shared.ChatModel(req.Model),
		Messages:      openAIMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ReasoningEffort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(req.ReasoningEffort)
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  shared.FunctionParameters(tool.Parameters),
		}))
	}

	s := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer s.Close()

	tools := newToolAssembler(emit)
	var res Result
	for s.Next() {
		chunk := s.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			res.Usage = stream.Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		// OpenAI-compatible servers for reasoning models send thoughts out of band.
		if f, ok := choice.Delta.JSON.ExtraFields["reasoning_content"]; ok {
			var thought string
			if json.Unmarshal([]byte(f.Raw()), &thought) == nil && thought != "" {
				if err := emit(stream.Reasoning(thought)); err != nil {
					return res, err
				}
			}
		}
		if choice.Delta.Content != "" {
			if err := emit(stream.Text(choice.Delta.Content)); err != nil {
				return res, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.ID != "" || tc.Function.Name != "" {
				if err := tools.begin(tc.Index, tc.ID, tc.Function.Name); err != nil {
					return res, err
				}
			}
			if err := tools.delta(tc.Index, tc.Function.Arguments); err != nil {
				return res, err
			}
		}
		if choice.FinishReason != "" {
			res.FinishReason = openAIFinishReason(choice.FinishReason)
		}
	}
	if err := s.Err(); err != nil {
		return res, fmt.Errorf("openai stream: %w", err)
	}
	if err := tools.flush(); err != nil {
		return res, err
	}
	if res.FinishReason == "" {
		res.FinishReason = FinishStop
	}
	return res, nil
}

func openAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text()))
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Text()))
		default:
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case PartImage:
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: p.URL}))
				case PartFile:
					parts = append(parts, openai.TextContentPart(fileReference(p)))
				default:
					parts = append(parts, openai.TextContentPart(p.Text))
				}
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

func openAIFinishReason(reason string) string {
	switch reason {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "content_filter":
		return FinishContentFilter
	}
	return FinishOther
}

// fileReference renders a non-image attachment for providers without
// native file parts.
func fileReference(p Part) string {
	name := p.FileName
	if name == "" {
		name = "attachment"
	}
	if p.MimeType != "" {
		return fmt.Sprintf("[file %s (%s): %s]", name, p.MimeType, p.URL)
	}
	return fmt.Sprintf("[file %s: %s]", name, p.URL)
}
