package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaAPI is the subset of *api.Client used here.
type OllamaAPI interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
	List(ctx context.Context) (*api.ListResponse, error)
}

// Ollama serves a model from a local Ollama instance.
type Ollama struct {
	api   OllamaAPI
	model string
}

// NewOllama returns a client for model on the given Ollama API.
func NewOllama(c OllamaAPI, model string) *Ollama {
	return &Ollama{api: c, model: model}
}

func (o *Ollama) Provider() string { return ProviderOllama }
func (o *Ollama) ModelID() string  { return o.model }

// Stream implements Client.
func (o *Ollama) Stream(ctx context.Context, req Request, fn func(Chunk) error) (Usage, error) {
	msgs := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, api.Message{Role: string(m.Role), Content: m.Content})
	}
	opts := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	stream := true

	var usage Usage
	err := o.api.Chat(ctx, &api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &stream,
		Options:  opts,
	}, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			if err := fn(Chunk{Text: resp.Message.Content}); err != nil {
				return err
			}
		}
		if resp.Done {
			usage.InputTokens = resp.PromptEvalCount
			usage.OutputTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return usage, fmt.Errorf("ollama chat %s: %w", o.model, err)
	}
	return usage, nil
}

// DiscoverOllama lists the models installed in Ollama. Tags are dropped from
// ids so "llama3:latest" and "llama3:8b" both appear once as "llama3".
func DiscoverOllama(ctx context.Context, c OllamaAPI) ([]Entry, error) {
	resp, err := c.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ollama models: %w", err)
	}
	seen := map[string]bool{}
	var out []Entry
	for _, m := range resp.Models {
		id, _, _ := strings.Cut(m.Name, ":")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Entry{Provider: ProviderOllama, ID: id, Name: displayName(id)})
	}
	return out, nil
}
