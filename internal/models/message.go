package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message represents an individual entry of a conversation. It contains the participant's role, the ordered
// parts making up its content, and the time when the message was created. This is also the wire shape of
// the messages posted to the completion endpoint.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"createdAt,omitempty"`
}

// Part is a message part with its type.
type Part struct {
	Type PartType `json:"type"`

	// Text would be filled if Type is PartTypeText.
	Text string `json:"text,omitempty"`

	// ToolCallID would be filled if Type is PartTypeToolCall or PartTypeToolResult.
	ToolCallID string `json:"toolCallId,omitempty"`
	// ToolName would be filled if Type is PartTypeToolCall or PartTypeToolResult.
	ToolName string `json:"toolName,omitempty"`
	// Input would be filled if Type is PartTypeToolCall.
	Input json.RawMessage `json:"input,omitempty"`
	// Output would be filled if Type is PartTypeToolResult. The value would be either tool result or error.
	Output json.RawMessage `json:"output,omitempty"`
	// Failed is set when the tool call behind a PartTypeToolResult failed.
	Failed bool `json:"failed,omitempty"`
}

// Role represents the role of a message participant.
type Role string

// PartType represents the type of a message part.
type PartType string

const (
	// RoleUser represents a user message. A message with this role would only contain text parts.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. A message with this role would contain text parts
	// and potentially tool parts.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system prompt.
	RoleSystem Role = "system"

	// PartTypeText represents text content.
	PartTypeText PartType = "text"
	// PartTypeToolCall represents a call to a tool.
	PartTypeToolCall PartType = "tool-call"
	// PartTypeToolResult represents the result of a tool call.
	PartTypeToolResult PartType = "tool-result"
)

// NewTextMessage creates a message with a single text part.
func NewTextMessage(id string, role Role, text string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Parts:     []Part{{Type: PartTypeText, Text: text}},
		Timestamp: time.Now(),
	}
}

// Text returns the concatenation of the message's text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Clone returns a copy of the message whose Parts slice can be modified independently.
func (m Message) Clone() Message {
	parts := make([]Part, len(m.Parts))
	copy(parts, m.Parts)
	m.Parts = parts
	return m
}

// RenderParts renders a slice of Part into a string. Tool calls and results are rendered as
// labelled JSON blocks, so providers without native tool support still see what happened.
func RenderParts(parts []Part) string {
	var sb strings.Builder
	for _, part := range parts {
		switch part.Type {
		case PartTypeText:
			if part.Text == "" {
				continue
			}
			sb.WriteString(part.Text)
		case PartTypeToolCall:
			sb.WriteString("\n\n")
			sb.WriteString(fmt.Sprintf("Calling Tool: %s\n", part.ToolName))
			sb.WriteString("Input:\n")
			sb.WriteString(fmt.Sprintf("```json\n%s\n```\n", prettyJSON(part.Input)))
		case PartTypeToolResult:
			sb.WriteString("\n\n")
			sb.WriteString("Result:\n")
			sb.WriteString(fmt.Sprintf("```json\n%s\n```\n", prettyJSON(part.Output)))
		}
	}
	return sb.String()
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
