// Package config loads the service settings from flags, environment and an
// optional cerno.yaml file.
//
// Every key has a default, so a bare environment yields a working local
// setup talking to Ollama on its standard port. Environment variables use
// the CERNO_ prefix with dots replaced by underscores (CERNO_STREAM_QUEUE_SIZE);
// provider credentials are also read from the variables the vendors'
// own tools use.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/server"
)

// FileName is the config file name searched for without extension.
const FileName = "cerno"

type (
	// Config holds every setting.
	Config struct {
		Listen      string `mapstructure:"listen"`
		Workspace   string `mapstructure:"workspace"`
		CatalogFile string `mapstructure:"catalog_file"`
		PricingFile string `mapstructure:"pricing_file"`

		Log       Log       `mapstructure:"log"`
		Stream    Stream    `mapstructure:"stream"`
		Prompt    Prompt    `mapstructure:"prompt"`
		RateLimit RateLimit `mapstructure:"rate_limit"`
		CORS      CORS      `mapstructure:"cors"`
		Ollama    Ollama    `mapstructure:"ollama"`
		Anthropic APIKey    `mapstructure:"anthropic"`
		OpenAI    APIKey    `mapstructure:"openai"`
		Google    APIKey    `mapstructure:"google"`
		DeepSeek  DeepSeek  `mapstructure:"deepseek"`
		Model     Model     `mapstructure:"model"`
		Sandbox   Sandbox   `mapstructure:"sandbox"`
		Catalog   Catalog   `mapstructure:"catalog"`
	}

	Log struct {
		Debug bool `mapstructure:"debug"`
		JSON  bool `mapstructure:"json"`
	}

	Stream struct {
		QueueSize int `mapstructure:"queue_size"`
	}

	Prompt struct {
		MaxLength int `mapstructure:"max_length"`
	}

	RateLimit struct {
		RequestsPerMinute int `mapstructure:"requests_per_minute"`
		Burst             int `mapstructure:"burst"`
	}

	CORS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	}

	Ollama struct {
		Host string `mapstructure:"host"`
	}

	APIKey struct {
		APIKey string `mapstructure:"api_key"`
	}

	DeepSeek struct {
		APIKey  string `mapstructure:"api_key"`
		BaseURL string `mapstructure:"base_url"`
	}

	// Model tunes every model call.
	Model struct {
		MaxTokens   int     `mapstructure:"max_tokens"`
		Temperature float64 `mapstructure:"temperature"`
	}

	// Sandbox configures the code execution worker. Scripts run on the
	// host only when Enabled is set.
	Sandbox struct {
		Enabled bool          `mapstructure:"enabled"`
		Python  string        `mapstructure:"python"`
		Shell   string        `mapstructure:"shell"`
		Timeout time.Duration `mapstructure:"timeout"`
	}

	Catalog struct {
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	}
)

var defaults = map[string]any{
	"listen":                         "127.0.0.1:8000",
	"workspace":                      "agent_outputs",
	"catalog_file":                   "available_models.json",
	"pricing_file":                   "",
	"log.debug":                      false,
	"log.json":                       false,
	"stream.queue_size":              64,
	"prompt.max_length":              server.DefaultPromptMaxLength,
	"rate_limit.requests_per_minute": 30,
	"rate_limit.burst":               5,
	"cors.allowed_origins":           []string{"*"},
	"ollama.host":                    "http://127.0.0.1:11434",
	"anthropic.api_key":              "",
	"openai.api_key":                 "",
	"google.api_key":                 "",
	"deepseek.api_key":               "",
	"deepseek.base_url":              "https://api.deepseek.com/v1",
	"model.max_tokens":               4096,
	"model.temperature":              0.2,
	"sandbox.enabled":                false,
	"sandbox.python":                 "python3",
	"sandbox.shell":                  "sh",
	"sandbox.timeout":                "2m",
	"catalog.cache_ttl":              "1m",
}

// vendorEnv lists the non-prefixed variables read for a key, in order of
// precedence after the CERNO_ form.
var vendorEnv = map[string][]string{
	"ollama.host":       {"OLLAMA_HOST"},
	"anthropic.api_key": {"ANTHROPIC_API_KEY"},
	"openai.api_key":    {"OPENAI_API_KEY"},
	"google.api_key":    {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	"deepseek.api_key":  {"DEEPSEEK_API_KEY"},
}

// New returns a viper instance with defaults and environment bindings set.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("CERNO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range vendorEnv {
		envs := append([]string{"CERNO_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.cerno")
	return v
}

// Load reads the config file, if any, and decodes v. file overrides the
// search path when set.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Workspace) == "" {
		errs = append(errs, errors.New("workspace is required"))
	}
	if c.Stream.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("stream.queue_size must be positive, got %d", c.Stream.QueueSize))
	}
	if c.Prompt.MaxLength < 1 {
		errs = append(errs, fmt.Errorf("prompt.max_length must be positive, got %d", c.Prompt.MaxLength))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.timeout must be positive, got %s", c.Sandbox.Timeout))
	}
	return errors.Join(errs...)
}

// Credentials returns the provider credentials for the model catalog.
func (c *Config) Credentials() model.Credentials {
	return model.Credentials{
		AnthropicKey:    c.Anthropic.APIKey,
		OpenAIKey:       c.OpenAI.APIKey,
		DeepSeekKey:     c.DeepSeek.APIKey,
		DeepSeekBaseURL: c.DeepSeek.BaseURL,
		GoogleKey:       c.Google.APIKey,
	}
}

// ServerConfig returns the HTTP settings.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		AllowedOrigins:  c.CORS.AllowedOrigins,
		PromptMaxLength: c.Prompt.MaxLength,
		RateLimit: server.RateLimitConfig{
			RequestsPerMinute: c.RateLimit.RequestsPerMinute,
			Burst:             c.RateLimit.Burst,
		},
		Debug: c.Log.Debug,
	}
}
