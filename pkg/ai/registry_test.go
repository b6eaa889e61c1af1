package ai

import (
	"errors"
	"testing"
)

const testRegistryYAML = `
providers:
  - name: openai
    setupUrl: https://example.com/openai-keys
    requiresKey: true
  - name: ollama
    baseUrl: http://ollama:11434
models:
  - id: gpt-test
    provider: openai
    tools: true
  - id: local
    provider: ollama
    name: llama3.1:8b
`

func TestParseRegistry(t *testing.T) {
	reg, err := ParseRegistry([]byte(testRegistryYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	models := reg.Models()
	if len(models) != 2 || models[0].ID != "gpt-test" {
		t.Fatalf("unexpected models: %+v", models)
	}
	local, ok := reg.Model("local")
	if !ok || local.UpstreamName() != "llama3.1:8b" {
		t.Fatalf("unexpected local model: %+v", local)
	}
	if m, _ := reg.Model("gpt-test"); m.UpstreamName() != "gpt-test" {
		t.Fatalf("upstream name should default to id, got %q", m.UpstreamName())
	}
}

func TestParseRegistryRejectsUnknownProvider(t *testing.T) {
	_, err := ParseRegistry([]byte("models:\n  - id: x\n    provider: nowhere\n"))
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestResolve(t *testing.T) {
	reg, err := ParseRegistry([]byte(testRegistryYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if _, err := reg.Resolve("nope", nil); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}

	_, err = reg.Resolve("gpt-test", map[string]string{"anthropic": "k"})
	var missing *MissingKeyError
	if !errors.As(err, &missing) || !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected MissingKeyError, got %v", err)
	}
	if missing.Provider != ProviderOpenAI || missing.SetupURL != "https://example.com/openai-keys" {
		t.Fatalf("unexpected missing key error: %+v", missing)
	}

	res, err := reg.Resolve("gpt-test", map[string]string{"openai": " sk-test "})
	if err != nil || res.APIKey != "sk-test" {
		t.Fatalf("unexpected resolution: %+v %v", res, err)
	}

	res, err = reg.Resolve("local", nil)
	if err != nil || res.Provider.BaseURL != "http://ollama:11434" {
		t.Fatalf("keyless provider should resolve: %+v %v", res, err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()
	for _, m := range reg.Models() {
		if _, ok := reg.Provider(m.Provider); !ok {
			t.Fatalf("model %s has no provider", m.ID)
		}
	}
}
