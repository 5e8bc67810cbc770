package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Writer encodes chat events onto an HTTP response. Every event is flushed as soon as it is written so
// the client sees deltas while the model is still generating.
type Writer struct {
	sess *sse.Session
}

// NewWriter prepares w to carry an event stream. Headers are only sent with the first event, so the
// caller may still reply with a plain error status if nothing was written yet.
func NewWriter(w http.ResponseWriter, r *http.Request) (*Writer, error) {
	w.Header().Set(HeaderUIMessageStream, "v1")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return nil, fmt.Errorf("error upgrading response: %w", err)
	}
	return &Writer{sess: sess}, nil
}

// Write sends a single event.
func (w *Writer) Write(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("error marshaling event: %w", err)
	}
	return w.send(string(data))
}

// Close terminates the stream with the "[DONE]" marker.
func (w *Writer) Close() error {
	return w.send(DoneMarker)
}

func (w *Writer) send(data string) error {
	msg := &sse.Message{}
	msg.AppendData(data)
	if err := w.sess.Send(msg); err != nil {
		return fmt.Errorf("error sending event: %w", err)
	}
	if err := w.sess.Flush(); err != nil {
		return fmt.Errorf("error flushing event: %w", err)
	}
	return nil
}
