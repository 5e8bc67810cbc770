package models

import "encoding/json"

// EventType names a chat event of the UI message stream protocol.
type EventType string

// Event types understood by the decoder and emitted by the completion server.
const (
	EventStart          EventType = "start"
	EventStartStep      EventType = "start-step"
	EventTextStart      EventType = "text-start"
	EventTextDelta      EventType = "text-delta"
	EventTextEnd        EventType = "text-end"
	EventToolInputStart EventType = "tool-input-start"
	EventToolInputDelta EventType = "tool-input-delta"
	EventToolCall       EventType = "tool-input-available"
	EventToolResult     EventType = "tool-output-available"
	EventFinishStep     EventType = "finish-step"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
)

// Event is one typed event of an assistant response stream. Which fields are set depends on Type;
// the JSON shape is the one carried in each SSE data field.
type Event struct {
	Type EventType `json:"type"`

	// MessageID is set on EventStart.
	MessageID string `json:"messageId,omitempty"`

	// ID identifies the text block of EventTextStart, EventTextDelta and EventTextEnd.
	ID string `json:"id,omitempty"`
	// Delta is the text fragment of an EventTextDelta.
	Delta string `json:"delta,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	// InputTextDelta is the streamed argument fragment of an EventToolInputDelta.
	InputTextDelta string          `json:"inputTextDelta,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`

	// ErrorText is the server-reported failure of an EventError.
	ErrorText string `json:"errorText,omitempty"`

	FinishReason string `json:"finishReason,omitempty"`
}
