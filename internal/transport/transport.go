// Package transport carries a chat request to the completion endpoint and the streamed response back.
// Every raw chunk of the response passes through a PassThroughStream, which lets a ChunkObserver see it
// without altering it, before the protocol decoder turns the bytes into chat events.
package transport

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
	"sync"
	"sync/atomic"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/protocol"
)

// Request is what a StreamingTransport sends. Cancellation is carried by the context given to Send.
type Request struct {
	Messages []models.Message `json:"messages"`
}

// StreamingTransport sends a conversation and returns the assistant response as a stream of events.
//
// Send fails with *NetworkError when the endpoint can't be reached, answers with a non-success status
// or sends no body, and with an AbortError when ctx is cancelled before the response starts. Errors
// after that point are delivered through the EventStream.
type StreamingTransport interface {
	Send(ctx context.Context, req Request) (*EventStream, error)
}

// ErrStreamConsumed is yielded when an EventStream is iterated a second time.
var ErrStreamConsumed = errors.New("event stream already consumed")

// EventStream is a lazy, finite, non-restartable sequence of chat events backed by an open response.
// Iterating it to the end, or stopping early, releases the response; Close does the same for streams
// that are never iterated.
type EventStream struct {
	events iter.Seq2[models.Event, error]
	closer func() error

	used      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewEventStream wraps events into an EventStream. closer, if not nil, is called once when the stream
// is released.
func NewEventStream(events iter.Seq2[models.Event, error], closer func() error) *EventStream {
	return &EventStream{events: events, closer: closer}
}

// Events returns the event sequence. An error ends the sequence; AbortError, *StreamReadError and
// *protocol.Error are the errors to expect.
func (s *EventStream) Events() iter.Seq2[models.Event, error] {
	return func(yield func(models.Event, error) bool) {
		if !s.used.CompareAndSwap(false, true) {
			yield(models.Event{}, ErrStreamConsumed)
			return
		}
		defer s.Close()

		for ev, err := range s.events {
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the response. It is safe to call more than once and concurrently with iteration,
// in which case the pending read is abandoned.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// HTTP is a StreamingTransport posting the conversation as JSON to a completion endpoint.
type HTTP struct {
	endpoint  string
	client    *http.Client
	observers ObserverFactory
	chunkSize int

	logger *slog.Logger
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithHTTPClient sets the client used for requests. Timeouts of the client apply to whole streams.
func WithHTTPClient(client *http.Client) Option {
	return func(h *HTTP) {
		h.client = client
	}
}

// WithObserver sets the factory creating the observer of every response stream.
func WithObserver(f ObserverFactory) Option {
	return func(h *HTTP) {
		h.observers = f
	}
}

// WithChunkSize sets the largest chunk read from a response body at once.
func WithChunkSize(n int) Option {
	return func(h *HTTP) {
		h.chunkSize = n
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTP) {
		h.logger = logger.With(slog.String("module", "transport"))
	}
}

// New creates an HTTP transport for endpoint. Without WithObserver, chunks are not observed.
func New(endpoint string, opts ...Option) *HTTP {
	h := &HTTP{
		endpoint:  endpoint,
		client:    &http.Client{},
		observers: func() ChunkObserver { return NopObserver{} },
		chunkSize: defaultChunkSize,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewLogging creates an HTTP transport logging every chunk of every response on logger.
func NewLogging(endpoint string, logger *slog.Logger, opts ...Option) *HTTP {
	opts = append([]Option{WithLogger(logger), WithObserver(LogObserverFactory(logger))}, opts...)
	return New(endpoint, opts...)
}

const errorBodyLimit = 512

// Send implements StreamingTransport.
func (h *HTTP) Send(ctx context.Context, req Request) (*EventStream, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, abortError(ctx)
		}
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.Body == nil || resp.Body == http.NoBody {
		nerr := &NetworkError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
		if resp.Body != nil {
			excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			nerr.Body = strings.TrimSpace(string(excerpt))
			resp.Body.Close()
		}
		h.logger.Debug("Request rejected",
			slog.String("endpoint", h.endpoint),
			slog.Int("status", resp.StatusCode))
		return nil, nerr
	}

	pts := NewPassThroughStream(ctx, NewBodySource(resp.Body, h.chunkSize), h.observers(), h.logger)

	return NewEventStream(decodeIntoEvents(pts), func() error {
		pts.Close()
		return resp.Body.Close()
	}), nil
}

// decodeIntoEvents runs the protocol decoder over a pass-through stream. Once the decoder reached the
// terminal marker, or the consumer stopped after the finish event, the stream is ended cleanly without
// waiting for the server to close the connection.
func decodeIntoEvents(pts *PassThroughStream) iter.Seq2[models.Event, error] {
	return func(yield func(models.Event, error) bool) {
		for ev, err := range protocol.Decode(pts.Reader()) {
			if err != nil {
				yield(ev, err)
				return
			}
			if !yield(ev, nil) {
				if ev.Type == models.EventFinish {
					pts.End()
				}
				return
			}
		}
		pts.End()
	}
}
