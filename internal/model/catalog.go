package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"goa.design/clue/log"
)

// Entry is one selectable model.
type Entry struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	Name     string `json:"name"`
}

// Grouped maps a provider name to its models.
type Grouped map[string][]Entry

// Credentials configures the provider adapters.
type Credentials struct {
	AnthropicKey    string
	OpenAIKey       string
	DeepSeekKey     string
	DeepSeekBaseURL string
	GoogleKey       string
}

// Catalog answers which provider serves a model id and builds clients for
// it. Models come from a static file produced by discovery, merged with the
// models currently installed in Ollama. The Ollama listing is cached.
type Catalog struct {
	static Grouped
	creds  Credentials
	ollama OllamaAPI
	cache  *expirable.LRU[string, []Entry]
}

const ollamaCacheKey = "ollama"

// NewCatalog builds a catalog. ollama may be nil to disable live discovery;
// ttl bounds how long a live listing is reused.
func NewCatalog(static Grouped, creds Credentials, ollama OllamaAPI, ttl time.Duration) *Catalog {
	if static == nil {
		static = Grouped{}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Catalog{
		static: static,
		creds:  creds,
		ollama: ollama,
		cache:  expirable.NewLRU[string, []Entry](1, nil, ttl),
	}
}

// LoadStatic reads a grouped catalog file. A missing file yields an empty
// catalog.
func LoadStatic(path string) (Grouped, error) {
	if path == "" {
		return Grouped{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Grouped{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var g Grouped
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode model catalog: %w", err)
	}
	return g, nil
}

// SaveStatic writes g as an indented JSON document.
func SaveStatic(path string, g Grouped) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Models returns the static catalog merged with live Ollama models.
func (c *Catalog) Models(ctx context.Context) Grouped {
	out := make(Grouped, len(c.static)+1)
	for p, entries := range c.static {
		out[p] = append([]Entry(nil), entries...)
	}
	live := c.liveOllama(ctx)
	if len(live) == 0 {
		return out
	}
	seen := map[string]bool{}
	for _, e := range out[ProviderOllama] {
		seen[e.ID] = true
	}
	for _, e := range live {
		if !seen[e.ID] {
			out[ProviderOllama] = append(out[ProviderOllama], e)
		}
	}
	return out
}

func (c *Catalog) liveOllama(ctx context.Context) []Entry {
	if c.ollama == nil {
		return nil
	}
	if entries, ok := c.cache.Get(ollamaCacheKey); ok {
		return entries
	}
	entries, err := DiscoverOllama(ctx, c.ollama)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "ollama discovery failed"})
		return nil
	}
	c.cache.Add(ollamaCacheKey, entries)
	return entries
}

// Resolve returns the provider serving modelID.
func (c *Catalog) Resolve(ctx context.Context, modelID string) (string, bool) {
	if modelID == "" {
		return "", false
	}
	providers := make([]string, 0)
	models := c.Models(ctx)
	for p := range models {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		for _, e := range models[p] {
			if e.ID == modelID {
				return e.Provider, true
			}
		}
	}
	return "", false
}

// Instantiate builds a client for modelID served by provider. It fails with
// ErrMissingCredentials when the provider needs a key that is not set.
func (c *Catalog) Instantiate(modelID, provider string) (Client, error) {
	switch provider {
	case ProviderOllama:
		if c.ollama == nil {
			return nil, fmt.Errorf("%w: ollama is not configured", ErrMissingCredentials)
		}
		return NewOllama(c.ollama, modelID), nil
	case ProviderAnthropic:
		if c.creds.AnthropicKey == "" {
			return nil, fmt.Errorf("%w: anthropic", ErrMissingCredentials)
		}
		return NewAnthropic(c.creds.AnthropicKey, modelID), nil
	case ProviderOpenAI:
		if c.creds.OpenAIKey == "" {
			return nil, fmt.Errorf("%w: openai", ErrMissingCredentials)
		}
		return NewOpenAI(ProviderOpenAI, c.creds.OpenAIKey, "", modelID), nil
	case ProviderDeepSeek:
		if c.creds.DeepSeekKey == "" {
			return nil, fmt.Errorf("%w: deepseek", ErrMissingCredentials)
		}
		base := c.creds.DeepSeekBaseURL
		if base == "" {
			base = DeepSeekBaseURL
		}
		return NewOpenAI(ProviderDeepSeek, c.creds.DeepSeekKey, base, modelID), nil
	case ProviderGoogle:
		if c.creds.GoogleKey == "" {
			return nil, fmt.Errorf("%w: google", ErrMissingCredentials)
		}
		return NewOpenAI(ProviderGoogle, c.creds.GoogleKey, GoogleBaseURL, modelID), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}

// Discover queries every configured provider and groups the results.
// Providers that fail are logged and skipped. ollama may be nil.
func Discover(ctx context.Context, creds Credentials, ollama OllamaAPI) Grouped {
	out := Grouped{}
	add := func(provider string, entries []Entry, err error) {
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "discovery failed"}, log.KV{K: "provider", V: provider})
			return
		}
		if len(entries) > 0 {
			out[provider] = entries
		}
	}
	if creds.OpenAIKey != "" {
		entries, err := DiscoverOpenAI(ctx, ProviderOpenAI, creds.OpenAIKey, "", "gpt-")
		add(ProviderOpenAI, entries, err)
	}
	if creds.GoogleKey != "" {
		entries, err := DiscoverOpenAI(ctx, ProviderGoogle, creds.GoogleKey, GoogleBaseURL, "gemini-")
		add(ProviderGoogle, entries, err)
	}
	if creds.AnthropicKey != "" {
		entries, err := DiscoverAnthropic(ctx, creds.AnthropicKey)
		add(ProviderAnthropic, entries, err)
	}
	if creds.DeepSeekKey != "" {
		base := creds.DeepSeekBaseURL
		if base == "" {
			base = DeepSeekBaseURL
		}
		entries, err := DiscoverOpenAI(ctx, ProviderDeepSeek, creds.DeepSeekKey, base, "")
		add(ProviderDeepSeek, entries, err)
	}
	if ollama != nil {
		entries, err := DiscoverOllama(ctx, ollama)
		add(ProviderOllama, entries, err)
	}
	return out
}

// displayName turns "gpt-4o-mini" into "Gpt 4o Mini".
func displayName(id string) string {
	words := strings.Split(id, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
