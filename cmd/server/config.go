package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/chat-stream/internal/handlers"
	"github.com/MegaGrindStone/chat-stream/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port         string          `yaml:"port"`
	LogLevel     string          `yaml:"logLevel"`
	SystemPrompt string          `yaml:"systemPrompt"`
	MaxToolCalls int             `yaml:"maxToolCalls"`
	RateLimit    rateLimitConfig `yaml:"rateLimit"`
	Weather      weatherConfig   `yaml:"weather"`
	LLM          llmConfig       `yaml:"llm"`
}

type rateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed to each client; zero disables the limit.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

type weatherConfig struct {
	Disabled bool   `yaml:"disabled"`
	BaseURL  string `yaml:"baseURL"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const (
	configDirName  = "chatstream"
	configFileName = "config.yaml"
)

func defaultConfig() config {
	return config{
		Port:         "8080",
		LogLevel:     "info",
		MaxToolCalls: 8,
		RateLimit: rateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             5,
		},
	}
}

// loadConfig reads the config at path, or at the default location in the user config directory when
// path is empty. Fields missing from the file keep their defaults.
func loadConfig(path string) (config, error) {
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, configDirName, configFileName)
	}

	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := defaultConfig()
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	rawConfig := struct {
		Port         string          `yaml:"port"`
		LogLevel     string          `yaml:"logLevel"`
		SystemPrompt string          `yaml:"systemPrompt"`
		MaxToolCalls int             `yaml:"maxToolCalls"`
		RateLimit    rateLimitConfig `yaml:"rateLimit"`
		Weather      weatherConfig   `yaml:"weather"`
		LLM          map[string]any  `yaml:"llm"`
	}{
		Port:         c.Port,
		LogLevel:     c.LogLevel,
		SystemPrompt: c.SystemPrompt,
		MaxToolCalls: c.MaxToolCalls,
		RateLimit:    c.RateLimit,
		Weather:      c.Weather,
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai", "openrouter":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.MaxToolCalls = rawConfig.MaxToolCalls
	c.RateLimit = rawConfig.RateLimit
	c.Weather = rawConfig.Weather
	c.LLM = llm

	return nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

const openRouterBaseURL = "https://openrouter.ai/api/v1"

func (o openAIConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, errors.New("model is required")
	}

	apiKey := o.APIKey
	baseURL := o.BaseURL
	if o.Provider == "openrouter" {
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if baseURL == "" {
			baseURL = openRouterBaseURL
		}
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	return services.NewOpenAI(apiKey, baseURL, o.Model, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, errors.New("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, logger)
}

func (a anthropicConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, errors.New("model is required")
	}
	if a.MaxTokens == 0 && a.Parameters.MaxTokens == nil {
		return nil, errors.New("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.Model, a.MaxTokens, a.Parameters, logger), nil
}
