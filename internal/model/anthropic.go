package model

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// Anthropic serves a Claude model through the Messages API.
type Anthropic struct {
	client sdk.Client
	model  string
}

// NewAnthropic returns a client for model. Extra options (base URL, HTTP
// client) are passed to the SDK.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{client: sdk.NewClient(opts...), model: model}
}

func (a *Anthropic) Provider() string { return ProviderAnthropic }
func (a *Anthropic) ModelID() string  { return a.model }

// Stream implements Client.
func (a *Anthropic) Stream(ctx context.Context, req Request, fn func(Chunk) error) (Usage, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}
	params := sdk.MessageNewParams{
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		Model:       sdk.Model(a.model),
		Temperature: sdk.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	var usage Usage
	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			usage.InputTokens = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && d.Text != "" {
				if err := fn(Chunk{Text: d.Text}); err != nil {
					return usage, err
				}
			}
		case sdk.MessageDeltaEvent:
			if ev.Usage.InputTokens > 0 {
				usage.InputTokens = int(ev.Usage.InputTokens)
			}
			usage.OutputTokens = int(ev.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return usage, fmt.Errorf("anthropic stream %s: %w", a.model, err)
	}
	return usage, nil
}

// DiscoverAnthropic lists the Claude models visible to apiKey.
func DiscoverAnthropic(ctx context.Context, apiKey string, opts ...option.RequestOption) ([]Entry, error) {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := sdk.NewClient(opts...)
	iter := client.Models.ListAutoPaging(ctx, sdk.ModelListParams{})
	var out []Entry
	for iter.Next() {
		m := iter.Current()
		if !strings.HasPrefix(m.ID, "claude-") {
			continue
		}
		out = append(out, Entry{Provider: ProviderAnthropic, ID: m.ID, Name: m.DisplayName})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list anthropic models: %w", err)
	}
	return out, nil
}
