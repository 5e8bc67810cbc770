package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// StreamState indicates the current state of a PassThroughStream.
type StreamState int

const (
	StreamIdle    StreamState = iota // Waiting for the consumer to pull.
	StreamPulling                    // A read from the source is in progress.
	StreamClosed                     // Terminal; the source ended, failed or was aborted.
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamPulling:
		return "pulling"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

var errClosedByConsumer = errors.New("stream closed by consumer")

// PassThroughStream mediates between a ChunkSource and a single consumer. Every pull reads exactly one
// chunk, shows it to the ChunkObserver and returns the very same bytes, so the consumer sees the
// source's chunks with their boundaries and order intact.
//
// Terminal outcomes:
//   - source exhausted: io.EOF, observer closed with nil.
//   - context cancelled: an AbortError, observer closed with it. A chunk that arrives after the
//     cancellation is dropped without being observed.
//   - source failure: *StreamReadError, observer closed with it.
//
// After the terminal pull every Next returns the same error without touching the source.
type PassThroughStream struct {
	ctx    context.Context
	src    ChunkSource
	obs    ChunkObserver
	logger *slog.Logger

	mu       sync.Mutex
	state    StreamState
	err      error
	closeReq bool
}

// NewPassThroughStream creates a stream over src observed by obs. ctx is the cancellation signal of the
// request src belongs to. A nil obs observes nothing; a nil logger discards observer panics.
func NewPassThroughStream(ctx context.Context, src ChunkSource, obs ChunkObserver, logger *slog.Logger) *PassThroughStream {
	if obs == nil {
		obs = NopObserver{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PassThroughStream{
		ctx:    ctx,
		src:    src,
		obs:    obs,
		logger: logger,
	}
}

// State returns the current state of the stream.
func (s *PassThroughStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Next pulls the next chunk. It blocks while the source waits for network data.
func (s *PassThroughStream) Next() ([]byte, error) {
	s.mu.Lock()
	switch s.state {
	case StreamClosed:
		err := s.err
		s.mu.Unlock()
		return nil, err
	case StreamPulling:
		s.mu.Unlock()
		return nil, ErrConcurrentPull
	}
	s.state = StreamPulling
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, s.finish(abortError(s.ctx))
	}

	chunk, err := s.src.ReadChunk()
	switch {
	case err != nil && errors.Is(err, io.EOF):
		return nil, s.finish(io.EOF)
	case s.ctx.Err() != nil:
		return nil, s.finish(abortError(s.ctx))
	case s.closeRequested():
		return nil, s.finish(&AbortError{Cause: errClosedByConsumer})
	case err != nil:
		return nil, s.finish(&StreamReadError{Err: err})
	}

	s.observe(chunk)

	s.mu.Lock()
	s.state = StreamIdle
	s.mu.Unlock()

	return chunk, nil
}

// Close ends the stream on behalf of the consumer. The observer is closed with an AbortError unless the
// stream already terminated. If a pull is in progress, it completes the close when it returns.
func (s *PassThroughStream) Close() {
	s.mu.Lock()
	switch s.state {
	case StreamClosed:
		s.mu.Unlock()
		return
	case StreamPulling:
		s.closeReq = true
		s.mu.Unlock()
		return
	}
	s.state = StreamPulling
	s.mu.Unlock()

	_ = s.finish(&AbortError{Cause: errClosedByConsumer})
}

// End finishes the stream cleanly on behalf of a consumer that already got everything it needs, such
// as a decoder that saw the terminal marker. The observer is closed with nil and later pulls return
// io.EOF. It does nothing if the stream already terminated or a pull is in progress.
func (s *PassThroughStream) End() {
	s.mu.Lock()
	if s.state != StreamIdle {
		s.mu.Unlock()
		return
	}
	s.state = StreamPulling
	s.mu.Unlock()

	_ = s.finish(io.EOF)
}

// Reader exposes the stream as an io.Reader for byte oriented consumers such as the protocol decoder.
// A chunk is fully consumed before the next one is pulled; read errors are the ones Next returns.
func (s *PassThroughStream) Reader() io.Reader {
	return &streamReader{s: s}
}

func (s *PassThroughStream) closeRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReq
}

func (s *PassThroughStream) finish(err error) error {
	s.mu.Lock()
	s.state = StreamClosed
	s.err = err
	s.mu.Unlock()

	var obsErr error
	if !errors.Is(err, io.EOF) {
		obsErr = err
	}
	s.closeObserver(obsErr)
	return err
}

func (s *PassThroughStream) observe(chunk []byte) {
	defer s.recoverObserver("observe")
	s.obs.Observe(chunk)
}

func (s *PassThroughStream) closeObserver(err error) {
	defer s.recoverObserver("close")
	s.obs.Close(err)
}

func (s *PassThroughStream) recoverObserver(call string) {
	if r := recover(); r != nil {
		s.logger.Error("Chunk observer panicked",
			slog.String("call", call),
			slog.String(errLoggerKey, fmt.Sprint(r)))
	}
}

type streamReader struct {
	s   *PassThroughStream
	buf []byte
}

func (r *streamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.buf) == 0 {
		chunk, err := r.s.Next()
		if err != nil {
			return 0, err
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
