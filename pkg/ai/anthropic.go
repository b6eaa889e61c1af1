package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"streamchat/pkg/domain"
	"streamchat/pkg/stream"
)

const defaultAnthropicMaxTokens = 4096

var anthropicThinkingBudget = map[string]int64{
	"low":    1024,
	"medium": 4096,
	"high":   16384,
}

type AnthropicGenerator struct {
	client anthropic.Client
}

func NewAnthropicGenerator(baseURL, apiKey string, opts ...option.RequestOption) *AnthropicGenerator {
	reqOpts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if base := strings.TrimSpace(baseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts...)
	return &AnthropicGenerator{client: anthropic.NewClient(reqOpts...)}
}

func (g *AnthropicGenerator) Stream(ctx context.Context, req Request, emit EmitFunc) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  anthropicMessages(req.Messages),
	}
	if system := anthropicSystem(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if budget, ok := anthropicThinkingBudget[req.ReasoningEffort]; ok && budget < maxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	} else {
		if req.Temperature != nil {
			params.Temperature = anthropic.Float(*req.Temperature)
		}
		if req.TopP != nil {
			params.TopP = anthropic.Float(*req.TopP)
		}
	}
	for _, tool := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{Properties: tool.Parameters["properties"]}
		if required, ok := tool.Parameters["required"].([]string); ok {
			schema.Required = required
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: schema,
		}})
	}

	s := g.client.Messages.NewStreaming(ctx, params)
	defer s.Close()

	tools := newToolAssembler(emit)
	var res Result
	for s.Next() {
		switch ev := s.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			res.Usage.PromptTokens = ev.Message.Usage.InputTokens
		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				if err := tools.begin(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name); err != nil {
					return res, err
				}
			}
		case anthropic.ContentBlockDeltaEvent:
			var err error
			switch ev.Delta.Type {
			case "text_delta":
				err = emit(stream.Text(ev.Delta.Text))
			case "thinking_delta":
				err = emit(stream.Reasoning(ev.Delta.Thinking))
			case "input_json_delta":
				err = tools.delta(ev.Index, ev.Delta.PartialJSON)
			}
			if err != nil {
				return res, err
			}
		case anthropic.MessageDeltaEvent:
			if ev.Usage.InputTokens > 0 {
				res.Usage.PromptTokens = ev.Usage.InputTokens
			}
			res.Usage.CompletionTokens = ev.Usage.OutputTokens
			if ev.Delta.StopReason != "" {
				res.FinishReason = anthropicFinishReason(string(ev.Delta.StopReason))
			}
		}
	}
	if err := s.Err(); err != nil {
		return res, fmt.Errorf("anthropic stream: %w", err)
	}
	if err := tools.flush(); err != nil {
		return res, err
	}
	if res.FinishReason == "" {
		res.FinishReason = FinishStop
	}
	return res, nil
}

func anthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue
		}
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case p.Type == PartImage && m.Role == domain.RoleUser:
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.URL}))
			case p.Type == PartFile && m.Role == domain.RoleUser && p.MimeType == "application/pdf":
				blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.URLPDFSourceParam{URL: p.URL}))
			case p.Type == PartText:
				if p.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			default:
				blocks = append(blocks, anthropic.NewTextBlock(fileReference(p)))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == domain.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// anthropicSystem folds system-role messages into the system prompt.
func anthropicSystem(req Request) string {
	parts := []string{strings.TrimSpace(req.System)}
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			parts = append(parts, strings.TrimSpace(m.Text()))
		}
	}
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p)
	}
	return b.String()
}

func anthropicFinishReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	}
	return FinishOther
}
