package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is returned by Send when the endpoint answered with a non-success status or without a
// body. No chunk of such a response is ever read or observed.
type NetworkError struct {
	// StatusCode is zero when no response was received.
	StatusCode int
	Status     string
	// Body is a short excerpt of the response body, if any was sent.
	Body string
	// Err is the failure of the round trip when no response was received.
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return "http error: " + e.Err.Error()
	}
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Body == "" {
		return "http error: status " + status
	}
	return fmt.Sprintf("http error: status %s: %s", status, e.Body)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StreamReadError is the terminal error of a stream whose source failed after the response started.
type StreamReadError struct {
	Err error
}

func (e *StreamReadError) Error() string {
	return "error reading stream: " + e.Err.Error()
}

func (e *StreamReadError) Unwrap() error {
	return e.Err
}

// AbortError reports that the caller cancelled the request. It matches context.Canceled with errors.Is,
// and UIs are expected to treat it as a stop rather than a failure.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string {
	return "stream aborted"
}

// Is makes every AbortError match ErrAborted.
func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

func (e *AbortError) Unwrap() error {
	if e.Cause == nil {
		return context.Canceled
	}
	return e.Cause
}

// ErrAborted matches any AbortError.
var ErrAborted error = &AbortError{}

// ErrConcurrentPull is returned by PassThroughStream.Next when called while another pull is in progress.
var ErrConcurrentPull = errors.New("concurrent pull on pass-through stream")

// ErrNoMessages is returned by Send for a request without messages.
var ErrNoMessages = errors.New("request has no messages")

func abortError(ctx context.Context) error {
	return &AbortError{Cause: context.Cause(ctx)}
}
