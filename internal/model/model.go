// Package model hides the provider SDKs behind one streaming chat interface
// and keeps the catalog of models callers may choose from.
package model

import (
	"context"
	"errors"
	"strings"
)

// Provider names as they appear in the catalog.
const (
	ProviderOllama    = "Ollama"
	ProviderAnthropic = "Anthropic"
	ProviderOpenAI    = "OpenAI"
	ProviderDeepSeek  = "DeepSeek"
	ProviderGoogle    = "Google"
)

var (
	// ErrUnknownProvider is returned for a provider with no adapter.
	ErrUnknownProvider = errors.New("unknown model provider")
	// ErrMissingCredentials is returned when a provider has no API key.
	ErrMissingCredentials = errors.New("missing provider credentials")
)

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type (
	// Message is one turn of a conversation.
	Message struct {
		Role    Role
		Content string
	}

	// Request is a single chat completion request.
	Request struct {
		System      string
		Messages    []Message
		MaxTokens   int
		Temperature float64
	}

	// Chunk is one streamed piece of assistant text.
	Chunk struct {
		Text string
	}

	// Usage reports token counts for one call.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Client streams chat completions from one model.
	Client interface {
		// Provider names the backend serving the model.
		Provider() string
		// ModelID is the identifier used for pricing.
		ModelID() string
		// Stream sends req and calls fn for every text chunk in order. A
		// non-nil error from fn aborts the stream and is returned.
		Stream(ctx context.Context, req Request, fn func(Chunk) error) (Usage, error)
	}
)

// UserPrompt builds a request with one user message.
func UserPrompt(system, prompt string) Request {
	return Request{System: system, Messages: []Message{{Role: RoleUser, Content: prompt}}}
}

// Complete runs req to completion and returns the concatenated text.
func Complete(ctx context.Context, c Client, req Request) (string, Usage, error) {
	var b strings.Builder
	usage, err := c.Stream(ctx, req, func(ch Chunk) error {
		b.WriteString(ch.Text)
		return nil
	})
	return b.String(), usage, err
}
