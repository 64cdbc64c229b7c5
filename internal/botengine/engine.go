// Package botengine generates bot replies for live conversations. It
// abstracts over a local inference server (Ollama-style /api/chat) and the
// hosted OpenAI API so collection runs can mix self-hosted and hosted bot
// identities.
package botengine

import (
	"context"
	"fmt"
)

// Message is a chat message in the engine wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Engine produces the next bot reply given the conversation so far.
type Engine interface {
	Chat(ctx context.Context, model string, messages []Message) (string, error)
}

// Config selects and parameterizes an engine implementation.
type Config struct {
	Provider string // "local" or "openai"
	BaseURL  string // local provider only
	APIKey   string // openai provider only
}

// New creates the engine named by cfg.Provider.
func New(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "local", "":
		return NewLocal(cfg.BaseURL), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai engine requires an API key")
		}
		return NewOpenAI(cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown bot engine provider %q", cfg.Provider)
	}
}
