// Package protocol implements the UI message stream protocol spoken between the completion endpoint and
// the chat client: a text/event-stream whose data fields each carry one JSON encoded models.Event, ending
// with a "[DONE]" data field.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/tmaxmax/go-sse"
)

// DoneMarker is the data of the event terminating a stream.
const DoneMarker = "[DONE]"

// HeaderUIMessageStream marks a response as carrying the UI message stream protocol.
const HeaderUIMessageStream = "X-Vercel-AI-UI-Message-Stream"

// Error reports event data that could not be turned into a models.Event, or an error event sent by the
// server. Data holds the offending payload when there is one.
type Error struct {
	Data string
	Err  error
}

func (e *Error) Error() string {
	if e.Data == "" {
		return "protocol error: " + e.Err.Error()
	}
	return fmt.Sprintf("protocol error: %s (data: %q)", e.Err.Error(), truncate(e.Data, 120))
}

func (e *Error) Unwrap() error {
	return e.Err
}

var knownEvents = map[models.EventType]struct{}{
	models.EventStart:          {},
	models.EventStartStep:      {},
	models.EventTextStart:      {},
	models.EventTextDelta:      {},
	models.EventTextEnd:        {},
	models.EventToolInputStart: {},
	models.EventToolInputDelta: {},
	models.EventToolCall:       {},
	models.EventToolResult:     {},
	models.EventFinishStep:     {},
	models.EventFinish:         {},
	models.EventError:          {},
}

// Decode turns a byte stream into the sequence of chat events it encodes. The sequence is lazy: bytes
// are only read from r while the caller keeps iterating, and it can't be restarted.
//
// Read errors of r are yielded unchanged, so callers can still tell a cancelled read from a broken one.
// Malformed event data is yielded as *Error. Events of unknown type are skipped, and iteration ends at
// the "[DONE]" marker or at the end of r, whichever comes first.
func Decode(r io.Reader) iter.Seq2[models.Event, error] {
	return func(yield func(models.Event, error) bool) {
		for ev, err := range sse.Read(r, nil) {
			if err != nil {
				yield(models.Event{}, err)
				return
			}
			if ev.Data == "" {
				continue
			}
			if ev.Data == DoneMarker {
				return
			}

			var e models.Event
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				yield(models.Event{}, &Error{Data: ev.Data, Err: fmt.Errorf("error unmarshaling event: %w", err)})
				return
			}
			if e.Type == "" {
				yield(models.Event{}, &Error{Data: ev.Data, Err: fmt.Errorf("event has no type")})
				return
			}
			if _, ok := knownEvents[e.Type]; !ok {
				continue
			}

			if !yield(e, nil) {
				return
			}
		}
	}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
