package llm

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Provider names accepted in a "provider:model" spec.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// ParseModelSpec splits "provider:model" into its parts.
// A spec without a provider prefix is treated as an OpenAI-compatible model.
func ParseModelSpec(spec string) (provider, model string, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", "", fmt.Errorf("model spec is empty")
	}

	provider, model, found := strings.Cut(spec, ":")
	if !found {
		return ProviderOpenAI, spec, nil
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if model == "" {
		return "", "", fmt.Errorf("model spec %q has no model name", spec)
	}

	switch provider {
	case ProviderOpenAI, ProviderAnthropic:
		return provider, model, nil
	default:
		return "", "", fmt.Errorf("unknown llm provider %q (want %s or %s)", provider, ProviderOpenAI, ProviderAnthropic)
	}
}

// FactoryConfig is the provider-neutral configuration for NewClientFromSpec.
type FactoryConfig struct {
	ModelSpec string // "openai:gpt-4o", "anthropic:claude-sonnet-4-5"
	Endpoint  string
	APIKey    string
	MaxTokens int
}

// ClientFactory builds LLM clients and optionally wraps them for recording
// and circuit breaking.
type ClientFactory struct {
	recorder ConversationRecorder
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

// NewClientFactory creates a new factory.
func NewClientFactory(logger *zap.Logger) *ClientFactory {
	return &ClientFactory{logger: logger}
}

// SetRecorder enables conversation recording for all clients created by this factory.
// Pass nil to disable recording.
func (f *ClientFactory) SetRecorder(recorder ConversationRecorder) {
	f.recorder = recorder
}

// SetCircuitBreaker shares one breaker across all clients created by this factory.
func (f *ClientFactory) SetCircuitBreaker(cb *CircuitBreaker) {
	f.breaker = cb
}

// Create builds a client for the configured provider.
// Wrapping order is breaker(recording(provider)) so rejected calls are not recorded.
func (f *ClientFactory) Create(cfg FactoryConfig) (LLMClient, error) {
	provider, model, err := ParseModelSpec(cfg.ModelSpec)
	if err != nil {
		return nil, err
	}

	var client LLMClient
	switch provider {
	case ProviderAnthropic:
		client, err = NewAnthropicClient(&Config{
			Endpoint:  cfg.Endpoint,
			Model:     model,
			APIKey:    cfg.APIKey,
			MaxTokens: cfg.MaxTokens,
		}, f.logger)
	default:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOpenAIEndpoint
		}
		client, err = NewClient(&Config{
			Endpoint:  endpoint,
			Model:     model,
			APIKey:    cfg.APIKey,
			MaxTokens: cfg.MaxTokens,
			JSONMode:  true,
		}, f.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}

	if f.recorder != nil {
		client = NewRecordingClient(client, f.recorder)
	}
	if f.breaker != nil {
		client = NewGuardedClient(client, f.breaker)
	}

	return client, nil
}
