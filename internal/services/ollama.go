package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions. Tools
// aren't offered to the model; earlier tool parts of the conversation are rendered as text.
type Ollama struct {
	host  string
	model string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("error parsing host: %w", err)
	}

	return Ollama{
		host:   host,
		model:  model,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

// Chat implements the LLM interface by streaming responses from the Ollama model. Every response chunk
// is yielded as a text part as soon as it arrives.
func (o Ollama) Chat(ctx context.Context, messages []models.Message, _ []models.Tool) iter.Seq2[models.Part, error] {
	return func(yield func(models.Part, error) bool) {
		msgs := make([]api.Message, len(messages))
		for i, msg := range messages {
			msgs[i] = api.Message{
				Role:    string(msg.Role),
				Content: models.RenderParts(msg.Parts),
			}
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(models.Part{
				Type: models.PartTypeText,
				Text: res.Message.Content,
			}, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			o.logger.Debug("Chat failed", slog.String("host", o.host), slog.String(errLoggerKey, err.Error()))
			yield(models.Part{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}
