package ai

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderOllama    Provider = "ollama"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrMissingKey   = errors.New("missing api key")
)

// MissingKeyError reports which provider needs a credential and where the
// user can get one.
type MissingKeyError struct {
	Provider Provider
	SetupURL string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("no api key configured for %s", e.Provider)
}

func (e *MissingKeyError) Unwrap() error { return ErrMissingKey }

type ProviderInfo struct {
	Name        Provider `yaml:"name"`
	BaseURL     string   `yaml:"baseUrl"`
	SetupURL    string   `yaml:"setupUrl"`
	RequiresKey bool     `yaml:"requiresKey"`
}

type ModelInfo struct {
	ID        string   `yaml:"id"`
	Provider  Provider `yaml:"provider"`
	Name      string   `yaml:"name"`
	Reasoning bool     `yaml:"reasoning"`
	Tools     bool     `yaml:"tools"`
	Vision    bool     `yaml:"vision"`
	MaxTokens int      `yaml:"maxTokens"`
}

// UpstreamName is the model name sent to the provider.
func (m ModelInfo) UpstreamName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// Registry maps public model ids to providers.
type Registry struct {
	providers map[Provider]ProviderInfo
	models    map[string]ModelInfo
	order     []string
}

type registryFile struct {
	Providers []ProviderInfo `yaml:"providers"`
	Models    []ModelInfo    `yaml:"models"`
}

func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry: %w", err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model registry: %w", err)
	}
	return NewRegistry(file.Providers, file.Models)
}

func NewRegistry(providers []ProviderInfo, models []ModelInfo) (*Registry, error) {
	r := &Registry{
		providers: make(map[Provider]ProviderInfo, len(providers)),
		models:    make(map[string]ModelInfo, len(models)),
	}
	for _, p := range providers {
		if p.Name == "" {
			return nil, errors.New("model registry: provider name required")
		}
		r.providers[p.Name] = p
	}
	for _, m := range models {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, errors.New("model registry: model id required")
		}
		if _, ok := r.providers[m.Provider]; !ok {
			return nil, fmt.Errorf("model registry: model %s uses unknown provider %q", m.ID, m.Provider)
		}
		if _, dup := r.models[m.ID]; dup {
			return nil, fmt.Errorf("model registry: duplicate model %s", m.ID)
		}
		r.models[m.ID] = m
		r.order = append(r.order, m.ID)
	}
	return r, nil
}

// DefaultRegistry is used when no registry file is configured.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		[]ProviderInfo{
			{Name: ProviderOpenAI, SetupURL: "https://platform.openai.com/api-keys", RequiresKey: true},
			{Name: ProviderAnthropic, SetupURL: "https://console.anthropic.com/settings/keys", RequiresKey: true},
			{Name: ProviderGoogle, SetupURL: "https://aistudio.google.com/app/apikey", RequiresKey: true},
			{Name: ProviderOllama, BaseURL: defaultOllamaBaseURL},
		},
		[]ModelInfo{
			{ID: "gpt-4.1", Provider: ProviderOpenAI, Tools: true, Vision: true},
			{ID: "o4-mini", Provider: ProviderOpenAI, Reasoning: true, Tools: true, Vision: true},
			{ID: "claude-sonnet-4", Provider: ProviderAnthropic, Name: "claude-sonnet-4-20250514", Reasoning: true, Tools: true, Vision: true, MaxTokens: 8192},
			{ID: "gemini-2.5-flash", Provider: ProviderGoogle, Reasoning: true, Tools: true, Vision: true},
			{ID: "llama3.1", Provider: ProviderOllama, Tools: true},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Model(id string) (ModelInfo, bool) {
	m, ok := r.models[strings.TrimSpace(id)]
	return m, ok
}

func (r *Registry) Provider(name Provider) (ProviderInfo, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Models lists models in registry order.
func (r *Registry) Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// Resolution is a model ready to be called.
type Resolution struct {
	Model    ModelInfo
	Provider ProviderInfo
	APIKey   string
}

// Resolve finds the model and the caller's credential for its provider. keys
// is indexed by provider name. It fails with ErrUnknownModel or a
// *MissingKeyError.
func (r *Registry) Resolve(modelID string, keys map[string]string) (Resolution, error) {
	m, ok := r.Model(modelID)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	p := r.providers[m.Provider]
	key := strings.TrimSpace(keys[string(m.Provider)])
	if key == "" && p.RequiresKey {
		return Resolution{}, &MissingKeyError{Provider: m.Provider, SetupURL: p.SetupURL}
	}
	return Resolution{Model: m, Provider: p, APIKey: key}, nil
}
