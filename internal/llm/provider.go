package llm

import (
	"seed/internal/agent/ports"
	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
)

// ProviderConfig selects and configures an LLM provider.
type ProviderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// NewClient builds the provider named in cfg. "openai" covers every
// OpenAI-compatible endpoint; "mock" is the offline provider.
func NewClient(cfg ProviderConfig, logger logging.Logger, usage UsageRecorder) (ports.StreamingLLMClient, error) {
	switch cfg.Provider {
	case "openai", "deepseek", "":
		baseURL := cfg.BaseURL
		if cfg.Provider == "deepseek" && baseURL == "" {
			baseURL = "https://api.deepseek.com/v1"
		}
		return NewOpenAIClient(cfg.Model, Config{APIKey: cfg.APIKey, BaseURL: baseURL}, logger, usage), nil
	case "mock":
		return NewMockClient(cfg.Model), nil
	default:
		return nil, sharederrors.Validation("unknown llm provider %q", cfg.Provider)
	}
}
