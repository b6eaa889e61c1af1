package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"streamchat/pkg/domain"
	"streamchat/pkg/stream"
)

var geminiThinkingBudget = map[string]int32{
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

// GeminiGenerator streams from the Gemini API (Google AI Studio).
type GeminiGenerator struct {
	client *genai.Client
}

func NewGeminiGenerator(ctx context.Context, apiKey string) (*GeminiGenerator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiGenerator{client: client}, nil
}

func (g *GeminiGenerator) Stream(ctx context.Context, req Request, emit EmitFunc) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	config := &genai.GenerateContentConfig{}
	if system := strings.TrimSpace(req.System); system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		config.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if budget, ok := geminiThinkingBudget[req.ReasoningEffort]; ok {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: genai.Ptr(budget)}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	tools := newToolAssembler(emit)
	var res Result
	for resp, err := range g.client.Models.GenerateContentStream(ctx, normalizeModel(req.Model), geminiContents(req.Messages), config) {
		if err != nil {
			return res, fmt.Errorf("gemini stream: %w", err)
		}
		if u := resp.UsageMetadata; u != nil {
			res.Usage = stream.Usage{PromptTokens: int64(u.PromptTokenCount), CompletionTokens: int64(u.CandidatesTokenCount)}
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if err := g.emitPart(part, tools, emit); err != nil {
					return res, err
				}
			}
		}
		if cand.FinishReason != "" {
			res.FinishReason = geminiFinishReason(cand.FinishReason)
		}
	}
	if res.FinishReason == FinishStop && tools.called {
		res.FinishReason = FinishToolCalls
	}
	if res.FinishReason == "" {
		res.FinishReason = FinishStop
	}
	return res, nil
}

func (g *GeminiGenerator) emitPart(part *genai.Part, tools *toolAssembler, emit EmitFunc) error {
	switch {
	case part == nil:
		return nil
	case part.FunctionCall != nil:
		args, err := json.Marshal(part.FunctionCall.Args)
		if err != nil {
			return fmt.Errorf("encode gemini tool args: %w", err)
		}
		tools.called = true
		return tools.complete(part.FunctionCall.ID, part.FunctionCall.Name, args)
	case part.Text == "":
		return nil
	case part.Thought:
		return emit(stream.Reasoning(part.Text))
	default:
		return emit(stream.Text(part.Text))
	}
}

func geminiContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case PartImage, PartFile:
				if p.MimeType != "" {
					parts = append(parts, genai.NewPartFromURI(p.URL, p.MimeType))
				} else {
					parts = append(parts, genai.NewPartFromText(fileReference(p)))
				}
			default:
				if p.Text != "" {
					parts = append(parts, genai.NewPartFromText(p.Text))
				}
			}
		}
		if len(parts) > 0 {
			out = append(out, genai.NewContentFromParts(parts, role))
		}
	}
	return out
}

func geminiFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety:
		return FinishContentFilter
	}
	return FinishOther
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}
