package models

import "encoding/json"

// Tool describes a function the model may call while answering. InputSchema is the JSON schema of the
// call arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}
