package ai

import (
	"context"
	"fmt"
)

// Factory builds a generator for a resolved model.
type Factory func(ctx context.Context, res Resolution) (Generator, error)

// NewGenerator is the default Factory.
func NewGenerator(ctx context.Context, res Resolution) (Generator, error) {
	switch res.Provider.Name {
	case ProviderOpenAI:
		return NewOpenAIGenerator(res.Provider.BaseURL, res.APIKey), nil
	case ProviderAnthropic:
		return NewAnthropicGenerator(res.Provider.BaseURL, res.APIKey), nil
	case ProviderGoogle:
		return NewGeminiGenerator(ctx, res.APIKey)
	case ProviderOllama:
		return NewOllamaGenerator(NewOllamaClient(res.Provider.BaseURL)), nil
	}
	return nil, fmt.Errorf("unsupported provider %q", res.Provider.Name)
}
