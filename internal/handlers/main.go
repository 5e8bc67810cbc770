// Package handlers implements the HTTP side of the completion server: it turns a posted conversation into a
// streamed assistant response, calling tools on the model's behalf along the way.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"golang.org/x/time/rate"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context,
// the conversation and the tools the model may call, returning an iterator that yields response parts and
// potential errors. Text parts are deltas; tool call parts are complete.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message, tools []models.Tool) iter.Seq2[models.Part, error]
}

// ToolCaller offers tools to the model and runs the calls it makes.
type ToolCaller interface {
	Tools() []models.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Main handles the core functionality of the completion server, connecting the LLM, the tools and the
// rate limiter to the HTTP handlers.
type Main struct {
	llm          LLM
	tools        ToolCaller
	systemPrompt string
	maxToolCalls int

	limiter *clientLimiter

	logger *slog.Logger
}

// Option configures Main.
type Option func(*Main)

const (
	errLoggerKey = "err"

	defaultMaxToolCalls = 8
	limiterIdleTTL      = 10 * time.Minute
)

// WithTools sets the tools offered to the model.
func WithTools(tools ToolCaller) Option {
	return func(m *Main) {
		m.tools = tools
	}
}

// WithSystemPrompt sets the system prompt prepended to conversations that don't start with one.
func WithSystemPrompt(prompt string) Option {
	return func(m *Main) {
		m.systemPrompt = prompt
	}
}

// WithRateLimit limits every client, keyed by address, to limit requests per second with bursts of
// burst. A zero limit disables rate limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(m *Main) {
		if limit <= 0 {
			m.limiter = nil
			return
		}
		m.limiter = newClientLimiter(limit, max(burst, 1), limiterIdleTTL)
	}
}

// WithMaxToolCalls bounds the rounds of tool calls served for a single request.
func WithMaxToolCalls(n int) Option {
	return func(m *Main) {
		m.maxToolCalls = n
	}
}

// ErrNoLLM is returned by NewMain without an LLM.
var ErrNoLLM = errors.New("llm is required")

// NewMain creates a new Main instance with the provided LLM. A nil logger discards logs.
func NewMain(llm LLM, logger *slog.Logger, opts ...Option) (Main, error) {
	if llm == nil {
		return Main{}, ErrNoLLM
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := Main{
		llm:          llm,
		maxToolCalls: defaultMaxToolCalls,
		logger:       logger.With(slog.String("module", "main")),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m, nil
}

// Shutdown releases the resources of Main. Responses still streaming end with their requests, which
// http.Server.Shutdown waits for.
func (m Main) Shutdown(_ context.Context) error {
	if m.limiter != nil {
		m.limiter.Close()
	}
	return nil
}

func (m Main) availableTools() []models.Tool {
	if m.tools == nil {
		return nil
	}
	return m.tools.Tools()
}
