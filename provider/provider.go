package provider

import (
	"errors"
	"strings"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/agent/core"
	openai_provider "github.com/mohammad-safakhou/rivet/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Gemini    Client = "gemini"
)

var ErrUnsupportedProvider = errors.New("unsupported LLM provider")

// NewProvider creates the generative fallback for the configured client.
func NewProvider(client Client, cfg config.LLMConfig) (core.GenerativeFallback, error) {
	switch client {
	case OpenAI, "":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return openai_provider.NewOpenAIClient(cfg), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Gemini:
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, ErrUnsupportedProvider
	}
}
