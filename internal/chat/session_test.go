package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/chat"
	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/protocol"
	"github.com/MegaGrindStone/chat-stream/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport replays scripted events. With hangAfter set, it waits for the request context once that
// many events were yielded, then reports the abort like the HTTP transport does.
type mockTransport struct {
	events    []models.Event
	sendErr   error
	streamErr error
	hangAfter int
	started   chan struct{}

	mu       sync.Mutex
	requests []transport.Request
}

func (m *mockTransport) Send(ctx context.Context, req transport.Request) (*transport.EventStream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.started != nil {
		close(m.started)
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}

	return transport.NewEventStream(func(yield func(models.Event, error) bool) {
		for i, ev := range m.events {
			if m.hangAfter > 0 && i == m.hangAfter {
				<-ctx.Done()
				yield(models.Event{}, &transport.AbortError{Cause: context.Cause(ctx)})
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if m.streamErr != nil {
			yield(models.Event{}, m.streamErr)
		}
	}, nil), nil
}

func (m *mockTransport) lastRequest() transport.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []models.Status
	messages []models.Message
	onChange func([]models.Message)
}

func (o *recordingObserver) StatusChanged(status models.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) MessagesChanged(messages []models.Message) {
	o.mu.Lock()
	o.messages = messages
	onChange := o.onChange
	o.mu.Unlock()
	if onChange != nil {
		onChange(messages)
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []string
}

func (n *recordingNotifier) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, msg)
}

func textResponse(deltas ...string) []models.Event {
	events := []models.Event{
		{Type: models.EventStart, MessageID: "resp-1"},
		{Type: models.EventTextStart, ID: "t1"},
	}
	for _, d := range deltas {
		events = append(events, models.Event{Type: models.EventTextDelta, ID: "t1", Delta: d})
	}
	return append(events,
		models.Event{Type: models.EventTextEnd, ID: "t1"},
		models.Event{Type: models.EventFinish},
	)
}

func TestSessionSend(t *testing.T) {
	tr := &mockTransport{events: textResponse("Hel", "lo!")}
	obs := &recordingObserver{}
	s := chat.New(tr, chat.WithObserver(obs))

	require.NoError(t, s.Send(context.Background(), "  Hi  "))

	assert.Equal(t, models.StatusDone, s.Status())
	assert.Equal(t, []models.Status{
		models.StatusSubmitted,
		models.StatusStreaming,
		models.StatusDone,
	}, obs.statuses)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Text())
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "resp-1", msgs[1].ID)
	assert.Equal(t, "Hello!", msgs[1].Text())
	assert.Equal(t, msgs, obs.messages)

	req := tr.lastRequest()
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "Hi", req.Messages[0].Text())
}

func TestSessionSendEmptyInput(t *testing.T) {
	tr := &mockTransport{}
	s := chat.New(tr)

	for _, input := range []string{"", "   ", "\n\t"} {
		assert.ErrorIs(t, s.Send(context.Background(), input), chat.ErrEmptyInput)
	}
	assert.Empty(t, tr.requests)
	assert.Empty(t, s.Messages())
	assert.Equal(t, models.StatusIdle, s.Status())
}

func TestSessionFailures(t *testing.T) {
	tests := []struct {
		name       string
		transport  *mockTransport
		wantNotice bool
		wantText   string
	}{
		{
			name: "Rate limited by endpoint",
			transport: &mockTransport{sendErr: &transport.NetworkError{
				StatusCode: 429,
				Status:     "429 Too Many Requests",
				Body:       "Too many requests",
			}},
			wantNotice: true,
		},
		{
			name: "Rate limited by provider",
			transport: &mockTransport{events: []models.Event{
				{Type: models.EventStart},
				{Type: models.EventError, ErrorText: "upstream: Too Many Requests"},
			}},
			wantNotice: true,
		},
		{
			name: "Server error",
			transport: &mockTransport{sendErr: &transport.NetworkError{
				StatusCode: 500,
				Status:     "500 Internal Server Error",
			}},
		},
		{
			name: "Stream broken",
			transport: &mockTransport{
				events:    textResponse("par")[:3],
				streamErr: &transport.StreamReadError{Err: errors.New("connection reset")},
			},
			wantText: "par",
		},
		{
			name: "Malformed event",
			transport: &mockTransport{
				events:    textResponse("ok")[:3],
				streamErr: &protocol.Error{Data: "{", Err: errors.New("unexpected end of JSON input")},
			},
			wantText: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			s := chat.New(tt.transport, chat.WithNotifier(notifier))

			err := s.Send(context.Background(), "Hi")
			require.Error(t, err)
			assert.NotErrorIs(t, err, transport.ErrAborted)
			assert.Equal(t, models.StatusError, s.Status())
			assert.Equal(t, err, s.Err())

			if tt.wantNotice {
				assert.Equal(t, []string{chat.RateLimitNotice}, notifier.notices)
			} else {
				assert.Empty(t, notifier.notices)
			}

			msgs := s.Messages()
			assert.Equal(t, "Hi", msgs[0].Text())
			if tt.wantText != "" {
				require.Len(t, msgs, 2)
				assert.Equal(t, tt.wantText, msgs[1].Text())
			}
		})
	}
}

func TestSessionStop(t *testing.T) {
	tr := &mockTransport{
		events:    textResponse("a", "b", "c", "d", "e"),
		hangAfter: 4,
	}
	notifier := &recordingNotifier{}
	obs := &recordingObserver{}
	s := chat.New(tr, chat.WithObserver(obs), chat.WithNotifier(notifier))
	obs.onChange = func(msgs []models.Message) {
		if len(msgs) == 2 && msgs[1].Text() == "ab" {
			s.Stop()
		}
	}

	err := s.Send(context.Background(), "Count")
	require.ErrorIs(t, err, transport.ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, models.StatusIdle, s.Status())
	assert.NoError(t, s.Err())
	assert.Empty(t, notifier.notices)
	assert.Equal(t, []models.Status{
		models.StatusSubmitted,
		models.StatusStreaming,
		models.StatusIdle,
	}, obs.statuses)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "ab", msgs[1].Text())

	s.Stop()
}

func TestSessionBusy(t *testing.T) {
	tr := &mockTransport{
		events:    textResponse("slow", "er"),
		hangAfter: 3,
		started:   make(chan struct{}),
	}
	s := chat.New(tr)

	errs := make(chan error, 1)
	go func() {
		errs <- s.Send(context.Background(), "first")
	}()
	<-tr.started

	assert.True(t, s.Status().InFlight())
	assert.ErrorIs(t, s.Send(context.Background(), "second"), chat.ErrBusy)
	assert.ErrorIs(t, s.Reset(), chat.ErrBusy)

	s.Stop()
	assert.ErrorIs(t, <-errs, transport.ErrAborted)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text())
	assert.Equal(t, "slow", msgs[1].Text())
}

func TestSessionFollowUpTurn(t *testing.T) {
	tr := &mockTransport{events: textResponse("Hello!")}
	obs := &recordingObserver{}
	s := chat.New(tr, chat.WithObserver(obs), chat.WithSystemPrompt("Be brief."))

	require.NoError(t, s.Send(context.Background(), "Hi"))
	tr.events = textResponse("Fine.")
	require.NoError(t, s.Send(context.Background(), "How are you?"))

	assert.Equal(t, []models.Status{
		models.StatusSubmitted,
		models.StatusStreaming,
		models.StatusDone,
		models.StatusIdle,
		models.StatusSubmitted,
		models.StatusStreaming,
		models.StatusDone,
	}, obs.statuses)

	req := tr.lastRequest()
	require.Len(t, req.Messages, 4)
	assert.Equal(t, models.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "Hello!", req.Messages[2].Text())
	assert.Equal(t, "How are you?", req.Messages[3].Text())

	msgs := s.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "Fine.", msgs[4].Text())

	require.NoError(t, s.Reset())
	msgs = s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Be brief.", msgs[0].Text())
	assert.Equal(t, models.StatusIdle, s.Status())
}

func TestSessionToolParts(t *testing.T) {
	tr := &mockTransport{events: []models.Event{
		{Type: models.EventStart},
		{Type: models.EventToolInputStart, ToolCallID: "c1", ToolName: "get_current_weather"},
		{
			Type:       models.EventToolCall,
			ToolCallID: "c1",
			ToolName:   "get_current_weather",
			Input:      json.RawMessage(`{"location":"Paris"}`),
		},
		{Type: models.EventToolResult, ToolCallID: "c1", Output: json.RawMessage(`{"temperature":21}`)},
		{Type: models.EventTextDelta, Delta: "It is 21°C."},
		{Type: models.EventFinish},
	}}
	s := chat.New(tr)

	require.NoError(t, s.Send(context.Background(), "Weather in Paris?"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	parts := msgs[1].Parts
	require.Len(t, parts, 3)

	assert.Equal(t, models.PartTypeToolCall, parts[0].Type)
	assert.JSONEq(t, `{"location":"Paris"}`, string(parts[0].Input))
	assert.Equal(t, models.PartTypeToolResult, parts[1].Type)
	assert.Equal(t, "get_current_weather", parts[1].ToolName)
	assert.JSONEq(t, `{"temperature":21}`, string(parts[1].Output))
	assert.Equal(t, models.PartTypeText, parts[2].Type)
	assert.Equal(t, "It is 21°C.", parts[2].Text)
}

func TestSessionEndWithoutFinish(t *testing.T) {
	tr := &mockTransport{events: textResponse("cut")[:3]}
	s := chat.New(tr)

	require.NoError(t, s.Send(context.Background(), "Hi"))
	assert.Equal(t, models.StatusDone, s.Status())
	assert.Equal(t, "cut", s.Messages()[1].Text())
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: errors.New("Too many requests"), want: true},
		{err: errors.New("429: TOO MANY REQUESTS"), want: true},
		{err: errors.New("too many tokens"), want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, chat.IsRateLimited(tt.err), "error %v", tt.err)
	}
}

// transportFunc adapts a function to transport.StreamingTransport.
type transportFunc func(ctx context.Context, req transport.Request) (*transport.EventStream, error)

func (f transportFunc) Send(ctx context.Context, req transport.Request) (*transport.EventStream, error) {
	return f(ctx, req)
}

type statusFunc func(models.Status)

func (f statusFunc) StatusChanged(status models.Status)  { f(status) }
func (f statusFunc) MessagesChanged(_ []models.Message) {}

func waitSend(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return")
		return nil
	}
}

func TestSessionDoneOnFinishEvent(t *testing.T) {
	// The stream stays open after finish until the request is cancelled.
	tr := transportFunc(func(ctx context.Context, _ transport.Request) (*transport.EventStream, error) {
		return transport.NewEventStream(func(yield func(models.Event, error) bool) {
			for _, ev := range textResponse("Hi") {
				if !yield(ev, nil) {
					return
				}
			}
			<-ctx.Done()
			yield(models.Event{}, &transport.AbortError{Cause: context.Cause(ctx)})
		}, nil), nil
	})
	obs := &recordingObserver{}
	s := chat.New(tr, chat.WithObserver(obs))

	errs := make(chan error, 1)
	go func() { errs <- s.Send(context.Background(), "hello") }()

	require.NoError(t, waitSend(t, errs))
	assert.Equal(t, models.StatusDone, s.Status())
	assert.Equal(t, []models.Status{
		models.StatusSubmitted,
		models.StatusStreaming,
		models.StatusDone,
	}, obs.statuses)
	assert.Equal(t, "Hi", s.Messages()[1].Text())
}

func TestSessionDoneWhileConnectionStaysOpen(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"type":"start","messageId":"m1"}`,
			`{"type":"text-delta","id":"t1","delta":"Hello"}`,
			`{"type":"finish"}`,
			protocol.DoneMarker,
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := chat.New(transport.New(srv.URL))

	errs := make(chan error, 1)
	go func() { errs <- s.Send(context.Background(), "hi") }()

	require.NoError(t, waitSend(t, errs))
	assert.Equal(t, models.StatusDone, s.Status())
	assert.Equal(t, "Hello", s.Messages()[1].Text())
}

func TestSessionStopTurnStartedOnDone(t *testing.T) {
	secondStarted := make(chan struct{})
	var calls int
	var mu sync.Mutex

	tr := transportFunc(func(ctx context.Context, _ transport.Request) (*transport.EventStream, error) {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()

		if call == 1 {
			return transport.NewEventStream(func(yield func(models.Event, error) bool) {
				for _, ev := range textResponse("first") {
					if !yield(ev, nil) {
						return
					}
				}
			}, nil), nil
		}

		close(secondStarted)
		return transport.NewEventStream(func(yield func(models.Event, error) bool) {
			<-ctx.Done()
			yield(models.Event{}, &transport.AbortError{Cause: context.Cause(ctx)})
		}, nil), nil
	})

	var s *chat.Session
	secondErr := make(chan error, 1)
	var once sync.Once
	s = chat.New(tr, chat.WithObserver(statusFunc(func(status models.Status) {
		if status == models.StatusDone {
			once.Do(func() {
				go func() { secondErr <- s.Send(context.Background(), "second") }()
			})
		}
	})))

	require.NoError(t, s.Send(context.Background(), "first"))
	select {
	case <-secondStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("second turn did not start")
	}

	s.Stop()

	err := waitSend(t, secondErr)
	assert.ErrorIs(t, err, transport.ErrAborted)
	assert.Equal(t, models.StatusIdle, s.Status())
}

func TestSessionErrorEventWithoutText(t *testing.T) {
	tr := &mockTransport{events: []models.Event{
		{Type: models.EventStart, MessageID: "m1"},
		{Type: models.EventError},
	}}
	s := chat.New(tr)

	err := s.Send(context.Background(), "hi")

	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "server reported an error")
	assert.Equal(t, models.StatusError, s.Status())
}
