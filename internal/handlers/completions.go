package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/protocol"
	"github.com/google/uuid"
)

type completionRequest struct {
	Messages []models.Message `json:"messages"`
}

const maxRequestBody = 4 << 20

// errStreamWrite ends a response whose client went away.
var errStreamWrite = errors.New("error writing stream")

// HandleCompletions serves a completion of the posted conversation as a UI message stream.
//
// The handler expects a JSON body with a non-empty "messages" array. Clients over their rate limit get a
// 429 with "Too many requests". Once the stream started, failures of the model are reported in an error
// event rather than an HTTP status, since the status has already been sent.
func (m Main) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if m.limiter != nil && !m.limiter.Allow(clientKey(r)) {
		m.logger.Warn("Rate limit exceeded", slog.String("client", clientKey(r)))
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req completionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		m.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		m.logger.Error("Messages are required")
		http.Error(w, "Messages are required", http.StatusBadRequest)
		return
	}

	messages := req.Messages
	if m.systemPrompt != "" && messages[0].Role != models.RoleSystem {
		messages = slices.Insert(slices.Clone(messages), 0,
			models.NewTextMessage(uuid.New().String(), models.RoleSystem, m.systemPrompt))
	}

	pw, err := protocol.NewWriter(w, r)
	if err != nil {
		m.logger.Error("Failed to start stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.stream(r.Context(), pw, messages); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, errStreamWrite) {
			m.logger.Debug("Client went away", slog.String(errLoggerKey, err.Error()))
			return
		}
		m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
		if werr := pw.Write(models.Event{Type: models.EventError, ErrorText: err.Error()}); werr != nil {
			return
		}
	}
	if err := pw.Close(); err != nil {
		m.logger.Debug("Failed to close stream", slog.String(errLoggerKey, err.Error()))
	}
}

// stream writes one assistant response. Every round asks the model for a completion; when the model calls
// tools, their results are appended to the conversation and another round starts, until the model
// answers without calling a tool or the call limit is reached.
func (m Main) stream(ctx context.Context, pw *protocol.Writer, messages []models.Message) error {
	send := func(ev models.Event) error {
		if err := pw.Write(ev); err != nil {
			return fmt.Errorf("%w: %w", errStreamWrite, err)
		}
		return nil
	}

	if err := send(models.Event{Type: models.EventStart, MessageID: uuid.New().String()}); err != nil {
		return err
	}

	tools := m.availableTools()
	for round := 0; ; round++ {
		if err := send(models.Event{Type: models.EventStartStep}); err != nil {
			return err
		}

		aiMsg := models.Message{
			ID:   uuid.New().String(),
			Role: models.RoleAssistant,
		}
		textID := ""
		var calls []models.Part

		for part, err := range m.llm.Chat(ctx, messages, tools) {
			if err != nil {
				return err
			}

			m.logger.Debug("LLM response", slog.String("part", fmt.Sprintf("%+v", part)))

			switch part.Type {
			case models.PartTypeText:
				if part.Text == "" {
					continue
				}
				if textID == "" {
					textID = uuid.New().String()
					aiMsg.Parts = append(aiMsg.Parts, models.Part{Type: models.PartTypeText})
					if err := send(models.Event{Type: models.EventTextStart, ID: textID}); err != nil {
						return err
					}
				}
				aiMsg.Parts[len(aiMsg.Parts)-1].Text += part.Text
				if err := send(models.Event{Type: models.EventTextDelta, ID: textID, Delta: part.Text}); err != nil {
					return err
				}
			case models.PartTypeToolCall:
				if part.ToolCallID == "" {
					part.ToolCallID = uuid.New().String()
				}
				calls = append(calls, part)
			case models.PartTypeToolResult:
				m.logger.Warn("Tool result from llm provider ignored", slog.String("toolCallID", part.ToolCallID))
			}
		}
		if textID != "" {
			if err := send(models.Event{Type: models.EventTextEnd, ID: textID}); err != nil {
				return err
			}
		}

		if len(calls) == 0 || m.tools == nil || round >= m.maxToolCalls {
			if len(calls) > 0 {
				m.logger.Warn("Tool calls not served", slog.Int("count", len(calls)), slog.Int("round", round))
			}
			if err := send(models.Event{Type: models.EventFinishStep}); err != nil {
				return err
			}
			break
		}

		for _, call := range calls {
			parts, err := m.callTool(ctx, call, send)
			if err != nil {
				return err
			}
			aiMsg.Parts = append(aiMsg.Parts, parts...)
		}
		if err := send(models.Event{Type: models.EventFinishStep}); err != nil {
			return err
		}

		messages = append(messages, aiMsg)
	}

	return send(models.Event{Type: models.EventFinish, FinishReason: "stop"})
}

// callTool announces call to the client, runs it and reports its result. It returns the call and result
// parts to append to the conversation.
func (m Main) callTool(
	ctx context.Context,
	call models.Part,
	send func(models.Event) error,
) ([]models.Part, error) {
	// Models sometimes produce arguments that aren't JSON. The call is then answered with an error so the
	// model can retry, and the input is replaced to keep the conversation encodable.
	var badInput json.RawMessage
	if !json.Valid(call.Input) {
		badInput = call.Input
		call.Input = json.RawMessage("{}")
	}

	if err := send(models.Event{
		Type:       models.EventToolInputStart,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
	}); err != nil {
		return nil, err
	}
	if err := send(models.Event{
		Type:       models.EventToolCall,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Input:      call.Input,
	}); err != nil {
		return nil, err
	}

	result := models.Part{
		Type:       models.PartTypeToolResult,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
	}
	if badInput != nil {
		result.Output = callToolError(fmt.Errorf("tool input %s is not valid json", string(badInput)))
		result.Failed = true
	} else {
		out, err := m.tools.Call(ctx, call.ToolName, call.Input)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			m.logger.Error("Tool call failed",
				slog.String("toolName", call.ToolName),
				slog.String(errLoggerKey, err.Error()))
			result.Output = callToolError(err)
			result.Failed = true
		} else {
			result.Output = out
		}
	}

	if err := send(models.Event{
		Type:       models.EventToolResult,
		ToolCallID: call.ToolCallID,
		Output:     result.Output,
	}); err != nil {
		return nil, err
	}

	return []models.Part{call, result}, nil
}

func callToolError(err error) json.RawMessage {
	res, _ := json.Marshal(map[string]string{"error": err.Error()})
	return res
}
