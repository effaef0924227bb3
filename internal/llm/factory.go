package llm

import (
	"fmt"

	"github.com/ppiankov/thesiswatch/internal/extract"
)

// New creates the extractor selected by config. No provider, or "keyword",
// selects the keyword extractor. Every extractor is wrapped in the
// verbatim check.
func New(config Config) (Extractor, error) {
	var inner Extractor

	switch config.Provider {
	case "", extract.KeywordProvider:
		inner = extract.NewKeywordExtractor()

	case "openai":
		p, err := NewOpenAIProvider(config)
		if err != nil {
			return nil, err
		}
		inner = &modelExtractor{backend: p, config: config}

	case "anthropic", "claude":
		p, err := NewAnthropicProvider(config)
		if err != nil {
			return nil, err
		}
		inner = &modelExtractor{backend: p, config: config}

	case "ollama":
		p, err := NewOllamaProvider(config)
		if err != nil {
			return nil, err
		}
		inner = &modelExtractor{backend: p, config: config}

	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (supported: openai, anthropic, ollama, keyword)", config.Provider)
	}

	return &guard{inner: inner, limit: config.MaxExcerpts}, nil
}
