package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Default endpoints of OpenAI-compatible providers.
const (
	DeepSeekBaseURL = "https://api.deepseek.com"
	GoogleBaseURL   = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// OpenAI serves a model from any OpenAI-compatible chat completions API.
// DeepSeek and Gemini are reached through the same adapter with their own
// base URL.
type OpenAI struct {
	client   *openai.Client
	model    string
	provider string
}

// NewOpenAI returns a client for model. An empty baseURL uses the OpenAI
// default.
func NewOpenAI(provider, apiKey, baseURL, model string) *OpenAI {
	return &OpenAI{client: newOpenAIClient(apiKey, baseURL), model: model, provider: provider}
}

func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

func (o *OpenAI) Provider() string { return o.provider }
func (o *OpenAI) ModelID() string  { return o.model }

// Stream implements Client.
func (o *OpenAI) Stream(ctx context.Context, req Request, fn func(Chunk) error) (Usage, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	request := openai.ChatCompletionRequest{
		Model:         o.model,
		Messages:      msgs,
		Temperature:   float32(req.Temperature),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}

	var usage Usage
	stream, err := o.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return usage, fmt.Errorf("%s chat %s: %w", strings.ToLower(o.provider), o.model, err)
	}
	defer stream.Close()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			return usage, fmt.Errorf("%s stream %s: %w", strings.ToLower(o.provider), o.model, err)
		}
		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := fn(Chunk{Text: choice.Delta.Content}); err != nil {
				return usage, err
			}
		}
	}
}

// DiscoverOpenAI lists the models of an OpenAI-compatible provider. When
// prefix is set only ids starting with it are kept.
func DiscoverOpenAI(ctx context.Context, provider, apiKey, baseURL, prefix string) ([]Entry, error) {
	list, err := newOpenAIClient(apiKey, baseURL).ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s models: %w", strings.ToLower(provider), err)
	}
	var out []Entry
	for _, m := range list.Models {
		id := strings.TrimPrefix(m.ID, "models/")
		if prefix != "" && !strings.HasPrefix(id, prefix) {
			continue
		}
		out = append(out, Entry{Provider: provider, ID: id, Name: displayName(id)})
	}
	return out, nil
}
