package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg config)
		wantErr string
	}{
		{
			name: "OpenAI with defaults",
			content: `
llm:
  provider: openai
  model: gpt-4o-mini
  apiKey: sk-test
  parameters:
    temperature: 0.5
`,
			check: func(t *testing.T, cfg config) {
				if cfg.Port != "8080" || cfg.LogLevel != "info" || cfg.RateLimit.Burst != 5 {
					t.Errorf("defaults not kept: %+v", cfg)
				}
				o, ok := cfg.LLM.(*openAIConfig)
				if !ok {
					t.Fatalf("LLM = %T, want *openAIConfig", cfg.LLM)
				}
				if o.Model != "gpt-4o-mini" || o.APIKey != "sk-test" {
					t.Errorf("openai config = %+v", o)
				}
				if o.Parameters.Temperature == nil || *o.Parameters.Temperature != 0.5 {
					t.Errorf("temperature = %v", o.Parameters.Temperature)
				}
			},
		},
		{
			name: "Anthropic with overrides",
			content: `
port: "9000"
logLevel: debug
systemPrompt: You are terse.
rateLimit:
  requestsPerSecond: 0
weather:
  disabled: true
llm:
  provider: anthropic
  model: claude-test
  maxTokens: 512
`,
			check: func(t *testing.T, cfg config) {
				if cfg.Port != "9000" || cfg.SystemPrompt != "You are terse." {
					t.Errorf("config = %+v", cfg)
				}
				if cfg.RateLimit.RequestsPerSecond != 0 || !cfg.Weather.Disabled {
					t.Errorf("rate limit = %+v, weather = %+v", cfg.RateLimit, cfg.Weather)
				}
				a, ok := cfg.LLM.(*anthropicConfig)
				if !ok || a.MaxTokens != 512 {
					t.Errorf("LLM = %+v", cfg.LLM)
				}
			},
		},
		{
			name: "Ollama",
			content: `
llm:
  provider: ollama
  model: llama3.2
  host: http://localhost:11434
`,
			check: func(t *testing.T, cfg config) {
				if o, ok := cfg.LLM.(*ollamaConfig); !ok || o.Host != "http://localhost:11434" {
					t.Errorf("LLM = %+v", cfg.LLM)
				}
			},
		},
		{
			name:    "Missing provider",
			content: "port: \"8080\"\n",
			wantErr: "llm provider is required",
		},
		{
			name: "Unknown provider",
			content: `
llm:
  provider: mystery
`,
			wantErr: "unknown llm provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.content))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("loadConfig() error = %v, want to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLLMConfigValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name    string
		llm     llmConfig
		wantErr bool
	}{
		{name: "OpenAI without model", llm: openAIConfig{}, wantErr: true},
		{name: "OpenAI", llm: openAIConfig{BaseLLMConfig: BaseLLMConfig{Model: "m"}}},
		{name: "OpenRouter", llm: openAIConfig{BaseLLMConfig: BaseLLMConfig{Provider: "openrouter", Model: "m"}}},
		{name: "Ollama", llm: ollamaConfig{BaseLLMConfig: BaseLLMConfig{Model: "m"}}},
		{name: "Anthropic without max tokens", llm: anthropicConfig{BaseLLMConfig: BaseLLMConfig{Model: "m"}}, wantErr: true},
		{name: "Anthropic", llm: anthropicConfig{BaseLLMConfig: BaseLLMConfig{Model: "m"}, MaxTokens: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm, err := tt.llm.llm(logger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("llm() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && llm == nil {
				t.Error("llm() returned nil")
			}
		})
	}
}

func TestNewHandlerRoutes(t *testing.T) {
	cfg := defaultConfig()
	cfg.LLM = ollamaConfig{BaseLLMConfig: BaseLLMConfig{Model: "m"}, Host: "http://127.0.0.1:1"}

	handler, m, err := newHandler(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newHandler() error = %v", err)
	}
	defer m.Shutdown(context.Background())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, completionsPath, nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET %s status = %v, want %v", completionsPath, w.Code, http.StatusMethodNotAllowed)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("POST /unknown status = %v, want %v", w.Code, http.StatusNotFound)
	}
}
