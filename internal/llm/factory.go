package llm

import (
	"fmt"
	"log"
	"time"

	"github.com/scrypster/semspace/internal/config"
)

// NewTextGenerator creates a TextGenerator for the configured provider.
// The temperature comes from the retrieval configuration so merge and answer
// generation share the same determinism setting.
func NewTextGenerator(cfg config.LLMConfig, temperature float64) (TextGenerator, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(OllamaConfig{
			BaseURL:     cfg.OllamaURL,
			Model:       cfg.OllamaModel,
			Temperature: temperature,
		}), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("llm: openai provider selected but no API key configured")
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.OpenAIModel,
			Temperature: temperature,
		}), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("llm: anthropic provider selected but no API key configured")
		}
		return NewAnthropicClient(AnthropicConfig{
			APIKey:      cfg.AnthropicAPIKey,
			Model:       cfg.AnthropicModel,
			Temperature: temperature,
		}), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// NewEmbeddingGenerator creates an EmbeddingGenerator for the configured
// provider. Anthropic has no embeddings API, so that provider embeds through
// the local Ollama endpoint instead.
func NewEmbeddingGenerator(cfg config.LLMConfig) (EmbeddingGenerator, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("llm: openai provider selected but no API key configured")
		}
		return NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIEmbeddingModel,
		}), nil
	case "anthropic":
		log.Printf("WARNING: anthropic has no embeddings API, using ollama model %s for embeddings", cfg.OllamaEmbeddingModel)
		fallthrough
	case "ollama":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaEmbeddingModel,
			Timeout: 30 * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
