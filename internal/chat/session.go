// Package chat holds the client side of a conversation: the message history, the status of the current
// turn, and the application of streamed response events to the history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	"github.com/MegaGrindStone/chat-stream/internal/protocol"
	"github.com/MegaGrindStone/chat-stream/internal/transport"
	"github.com/google/uuid"
)

// Observer receives the state a UI renders. Callbacks are invoked from the goroutine running Send,
// never while the session's lock is held, so they may call back into the session.
type Observer interface {
	StatusChanged(status models.Status)
	MessagesChanged(messages []models.Message)
}

// Notifier shows short user-facing notices, such as a rate limit warning.
type Notifier interface {
	Notify(msg string)
}

// defaultErrorText describes an error event that carries no text.
const defaultErrorText = "server reported an error"

// RateLimitNotice is shown when the endpoint reports too many requests.
const RateLimitNotice = "You are sending too many messages. Please try again later."

var (
	// ErrEmptyInput is returned by Send for input that is blank after trimming.
	ErrEmptyInput = errors.New("message is empty")
	// ErrBusy is returned by Send while a response is still in flight, and by Reset in the same case.
	// A session serves one turn at a time; callers wanting to interrupt must Stop first.
	ErrBusy = errors.New("a response is already in progress")
)

// Session is a single conversation with a completion endpoint.
//
// Status moves idle → submitted on Send, submitted → streaming on the first response event,
// streaming → done on the finish event or a clean end of the stream, and submitted|streaming → error on
// failure. A stopped turn goes back to idle with the partial response kept. A later Send starts from idle
// again.
type Session struct {
	transport transport.StreamingTransport
	observer  Observer
	notifier  Notifier
	logger    *slog.Logger

	mu        sync.Mutex
	messages  []models.Message
	status    models.Status
	err       error
	cancel    context.CancelFunc
	assistant int
	// turn counts sends; a finished send only clears cancel while it is still the latest turn.
	turn uint64
}

// Option configures a Session.
type Option func(*Session)

// WithObserver sets the observer receiving status and message updates.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithNotifier sets the notifier for user-facing notices.
func WithNotifier(n Notifier) Option {
	return func(s *Session) {
		s.notifier = n
	}
}

// WithLogger sets the logger of the session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger.With(slog.String("module", "chat"))
	}
}

// WithSystemPrompt starts the history with a system message.
func WithSystemPrompt(prompt string) Option {
	return func(s *Session) {
		if prompt == "" {
			return
		}
		s.messages = append(s.messages, models.NewTextMessage(uuid.New().String(), models.RoleSystem, prompt))
	}
}

// New creates an idle session sending its turns through t.
func New(t transport.StreamingTransport, opts ...Option) *Session {
	s := &Session{
		transport: t,
		observer:  nopObserver{},
		notifier:  nopNotifier{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		status:    models.StatusIdle,
		assistant: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send appends text as a user message and streams the assistant response into the history. It blocks
// until the turn ends and returns its error: nil when the response completed, an error matching
// transport.ErrAborted when Stop (or ctx) cancelled it, or the network, stream or protocol failure.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	s.mu.Lock()
	if s.status.InFlight() {
		s.mu.Unlock()
		return ErrBusy
	}
	prev := s.status
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.turn++
	turn := s.turn
	s.err = nil
	s.assistant = -1
	s.messages = append(s.messages, models.NewTextMessage(uuid.New().String(), models.RoleUser, text))
	req := transport.Request{Messages: cloneMessages(s.messages)}
	s.status = models.StatusSubmitted
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.turn == turn {
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	if prev != models.StatusIdle {
		s.observer.StatusChanged(models.StatusIdle)
	}
	s.observer.MessagesChanged(req.Messages)
	s.observer.StatusChanged(models.StatusSubmitted)

	err := s.stream(ctx, req)
	s.finish(err)
	return err
}

// Stop cancels the response in flight, if any. It doesn't wait for Send to return.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Status returns the current status.
func (s *Session) Status() models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error of the last turn, nil unless the status is models.StatusError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Messages returns a copy of the history.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// Reset clears the history, keeping a leading system message. It fails with ErrBusy while a response
// is in flight.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.status.InFlight() {
		s.mu.Unlock()
		return ErrBusy
	}
	var kept []models.Message
	if len(s.messages) > 0 && s.messages[0].Role == models.RoleSystem {
		kept = append(kept, s.messages[0])
	}
	s.messages = kept
	s.status = models.StatusIdle
	s.err = nil
	s.assistant = -1
	msgs := cloneMessages(s.messages)
	s.mu.Unlock()

	s.observer.MessagesChanged(msgs)
	s.observer.StatusChanged(models.StatusIdle)
	return nil
}

func (s *Session) stream(ctx context.Context, req transport.Request) error {
	stream, err := s.transport.Send(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	started := false
	for ev, err := range stream.Events() {
		if err != nil {
			return err
		}
		if !started {
			started = true
			s.setStatus(models.StatusStreaming)
		}
		if err := s.apply(ev); err != nil {
			return err
		}
		if ev.Type == models.EventFinish {
			return nil
		}
	}
	return nil
}

func (s *Session) apply(ev models.Event) error {
	s.mu.Lock()
	switch ev.Type {
	case models.EventStart:
		s.assistantMessage(ev.MessageID)
	case models.EventTextStart:
		msg := s.assistantMessage("")
		msg.Parts = append(msg.Parts, models.Part{Type: models.PartTypeText})
	case models.EventTextDelta:
		msg := s.assistantMessage("")
		if len(msg.Parts) == 0 || msg.Parts[len(msg.Parts)-1].Type != models.PartTypeText {
			msg.Parts = append(msg.Parts, models.Part{Type: models.PartTypeText})
		}
		msg.Parts[len(msg.Parts)-1].Text += ev.Delta
	case models.EventToolCall:
		msg := s.assistantMessage("")
		msg.Parts = append(msg.Parts, models.Part{
			Type:       models.PartTypeToolCall,
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			Input:      ev.Input,
		})
	case models.EventToolResult:
		msg := s.assistantMessage("")
		name := ev.ToolName
		if name == "" {
			if idx := slices.IndexFunc(msg.Parts, func(p models.Part) bool {
				return p.Type == models.PartTypeToolCall && p.ToolCallID == ev.ToolCallID
			}); idx != -1 {
				name = msg.Parts[idx].ToolName
			}
		}
		msg.Parts = append(msg.Parts, models.Part{
			Type:       models.PartTypeToolResult,
			ToolCallID: ev.ToolCallID,
			ToolName:   name,
			Output:     ev.Output,
		})
	case models.EventError:
		s.mu.Unlock()
		text := ev.ErrorText
		if text == "" {
			text = defaultErrorText
		}
		return &protocol.Error{Err: errors.New(text)}
	default:
		s.mu.Unlock()
		return nil
	}
	msgs := cloneMessages(s.messages)
	s.mu.Unlock()

	s.observer.MessagesChanged(msgs)
	return nil
}

// assistantMessage returns the assistant message of the current turn, appending it first if the turn
// has none yet. The caller must hold s.mu.
func (s *Session) assistantMessage(id string) *models.Message {
	if s.assistant == -1 {
		if id == "" {
			id = uuid.New().String()
		}
		msg := models.NewTextMessage(id, models.RoleAssistant, "")
		msg.Parts = nil
		s.messages = append(s.messages, msg)
		s.assistant = len(s.messages) - 1
	}
	return &s.messages[s.assistant]
}

func (s *Session) finish(err error) {
	switch {
	case err == nil:
		s.setStatus(models.StatusDone)
	case errors.Is(err, transport.ErrAborted):
		s.logger.Debug("Response stopped")
		s.setStatus(models.StatusIdle)
	default:
		s.logger.Error("Response failed", slog.String("err", err.Error()))
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.setStatus(models.StatusError)
		if IsRateLimited(err) {
			s.notifier.Notify(RateLimitNotice)
		}
	}
}

func (s *Session) setStatus(status models.Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.observer.StatusChanged(status)
}

// IsRateLimited reports whether err says the endpoint rejected the request for sending too many.
func IsRateLimited(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "too many requests")
}

func cloneMessages(messages []models.Message) []models.Message {
	res := make([]models.Message, len(messages))
	for i, m := range messages {
		res[i] = m.Clone()
	}
	return res
}

type nopObserver struct{}

func (nopObserver) StatusChanged(models.Status)      {}
func (nopObserver) MessagesChanged([]models.Message) {}

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}

// String describes the session for logs.
func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("chat.Session{status: %s, messages: %d}", s.status, len(s.messages))
}
