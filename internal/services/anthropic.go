package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface and handles streaming chat completions using Claude models. Tools aren't offered to
// the model; earlier tool parts of the conversation are rendered as text.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int
	endpoint  string
	params    LLMParameters

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, and maximum
// token limit. An empty endpoint selects the public Anthropic API.
func NewAnthropic(apiKey, endpoint, model string, maxTokens int, params LLMParameters, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	if params.MaxTokens != nil && maxTokens == 0 {
		maxTokens = *params.MaxTokens
	}
	return Anthropic{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		endpoint:  strings.TrimSuffix(endpoint, "/"),
		params:    params,
		client:    &http.Client{},
		logger:    logger.With(slog.String("module", "anthropic")),
	}
}

// extractSystemMessage joins the leading system messages into the system prompt, as the API takes it
// apart from the conversation.
func extractSystemMessage(messages []models.Message) (string, []models.Message) {
	var system []string
	for len(messages) > 0 && messages[0].Role == models.RoleSystem {
		system = append(system, messages[0].Text())
		messages = messages[1:]
	}
	return strings.Join(system, "\n\n"), messages
}

// Chat streams responses from the Anthropic API for a given sequence of messages. It processes system
// messages separately and returns an iterator that yields text parts and potential errors. The
// context can be used to cancel ongoing requests.
func (a Anthropic) Chat(ctx context.Context, messages []models.Message, _ []models.Tool) iter.Seq2[models.Part, error] {
	return func(yield func(models.Part, error) bool) {
		systemMessage, ms := extractSystemMessage(messages)

		msgs := make([]anthropicMessage, 0, len(ms))
		for _, msg := range ms {
			if msg.Role == models.RoleSystem {
				continue
			}
			msgs = append(msgs, anthropicMessage{
				Role:    string(msg.Role),
				Content: models.RenderParts(msg.Parts),
			})
		}

		reqBody := anthropicChatRequest{
			Model:       a.model,
			Messages:    msgs,
			Stream:      true,
			System:      systemMessage,
			MaxTokens:   a.maxTokens,
			Temperature: a.params.Temperature,
			TopP:        a.params.TopP,
			Stop:        a.params.Stop,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(models.Part{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(models.Part{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Part{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			var e anthropicError
			msg := strings.TrimSpace(string(body))
			if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
				msg = e.Error.Message
			}
			a.logger.Debug("Request rejected", slog.Int("status", resp.StatusCode), slog.String("body", msg))
			yield(models.Part{}, fmt.Errorf("anthropic error, status: %s, message: %s", resp.Status, msg))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Part{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Part{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Part{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Part{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(models.Part{Type: models.PartTypeText, Text: res.Delta.Text}, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}
