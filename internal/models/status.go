package models

// Status is the lifecycle state of a chat turn as seen by a UI.
type Status string

const (
	// StatusIdle means no request is in flight and the session accepts input.
	StatusIdle Status = "idle"
	// StatusSubmitted means the request was sent and no response event arrived yet.
	StatusSubmitted Status = "submitted"
	// StatusStreaming means response events are arriving.
	StatusStreaming Status = "streaming"
	// StatusDone means the response completed.
	StatusDone Status = "done"
	// StatusError means the turn failed.
	StatusError Status = "error"
)

// InFlight reports whether a request is currently being served.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusStreaming
}
