package services

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"slices"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for OpenAI's chat completion API, and for any
// service speaking it, such as OpenRouter, when given a base URL.
type OpenAI struct {
	model  string
	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL and model name. An empty
// baseURL selects the OpenAI API.
func NewOpenAI(apiKey, baseURL, model string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:  model,
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != models.RoleAssistant {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Text(),
			})
			continue
		}

		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartTypeText:
				if part.Text != "" {
					msgs = append(msgs, goopenai.ChatCompletionMessage{
						Role:    goopenai.ChatMessageRoleAssistant,
						Content: part.Text,
					})
				}
			case models.PartTypeToolCall:
				msgs = append(msgs, goopenai.ChatCompletionMessage{
					Role: goopenai.ChatMessageRoleAssistant,
					ToolCalls: []goopenai.ToolCall{
						{
							Type: goopenai.ToolTypeFunction,
							ID:   part.ToolCallID,
							Function: goopenai.FunctionCall{
								Name:      part.ToolName,
								Arguments: string(part.Input),
							},
						},
					},
				})
			case models.PartTypeToolResult:
				msgs = append(msgs, goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					Content:    string(part.Output),
					ToolCallID: part.ToolCallID,
				})
			}
		}
	}
	return msgs
}

// Chat streams a completion of messages. Text is yielded as it arrives, one part per delta; tool calls
// are yielded once the stream ended, with their arguments complete.
func (o OpenAI) Chat(
	ctx context.Context,
	messages []models.Message,
	tools []models.Tool,
) iter.Seq2[models.Part, error] {
	return func(yield func(models.Part, error) bool) {
		oTools := make([]goopenai.Tool, len(tools))
		for i, tool := range tools {
			oTools[i] = goopenai.Tool{
				Type: goopenai.ToolTypeFunction,
				Function: &goopenai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			}
		}

		req := o.chatRequest(openAIMessages(messages), oTools)

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.Part{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		// Tool call deltas are keyed by their index in the response.
		calls := make(map[int]*models.Part)
		args := make(map[int]string)
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Part{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			res := response.Choices[0].Delta
			if res.Content != "" {
				if !yield(models.Part{
					Type: models.PartTypeText,
					Text: res.Content,
				}, nil) {
					return
				}
			}
			for _, tc := range res.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := calls[idx]
				if !ok {
					call = &models.Part{Type: models.PartTypeToolCall}
					calls[idx] = call
				}
				if tc.ID != "" {
					call.ToolCallID = tc.ID
				}
				if tc.Function.Name != "" {
					call.ToolName = tc.Function.Name
				}
				args[idx] += tc.Function.Arguments
			}
		}

		for _, idx := range slices.SortedFunc(maps.Keys(calls), cmp.Compare[int]) {
			call := calls[idx]
			input := args[idx]
			if input == "" {
				input = "{}"
			}
			call.Input = json.RawMessage(input)
			o.logger.Debug("Call Tool",
				slog.String("name", call.ToolName),
				slog.String("args", input),
			)
			if !yield(*call, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(
	messages []goopenai.ChatCompletionMessage,
	tools []goopenai.Tool,
) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Tools:    tools,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
