package provider

import (
	"context"
	"errors"

	"github.com/tastescout/tastescout/config"
	openai_provider "github.com/tastescout/tastescout/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Gemini    Client = "gemini"
)

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	// Complete sends a system+user prompt pair and returns the raw
	// completion text.
	Complete(ctx context.Context, system, user string) (string, error)
	// CompleteJSON sends a prompt that must produce a JSON object and
	// unmarshals the reply into out. The fallback model is tried once
	// when the primary model fails transiently or returns unparseable
	// output.
	CompleteJSON(ctx context.Context, system, user string, out interface{}) error
	// CreateEmbedding generates one embedding vector per input text.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(client Client, cfg config.LLMConfig) (Provider, error) {
	switch client {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}
		return openai_provider.NewOpenAIClient(cfg), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Gemini:
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
