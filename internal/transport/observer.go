package transport

import (
	"errors"
	"log/slog"
)

// ChunkObserver watches the raw chunks of one stream as they pass through a PassThroughStream. Observe
// is called once per chunk, in order, before the chunk is handed on; Close is called exactly once when
// the stream terminates, with nil for a clean end.
//
// Observers must not modify or retain chunks. They can't fail the stream: panics are recovered and
// logged by the stream, and implementations should log their own errors instead of surfacing them.
type ChunkObserver interface {
	Observe(chunk []byte)
	Close(err error)
}

// ObserverFactory creates the observer of a new stream. Observers carry per-stream state, so every
// request gets its own.
type ObserverFactory func() ChunkObserver

// NopObserver ignores everything.
type NopObserver struct{}

// Observe implements ChunkObserver.
func (NopObserver) Observe([]byte) {}

// Close implements ChunkObserver.
func (NopObserver) Close(error) {}

// LogObserver writes every chunk, decoded as text, to a logger at debug level, followed by one line
// when the stream ends.
type LogObserver struct {
	logger  *slog.Logger
	decoder *TextDecoder

	chunks int
	bytes  int
	closed bool
}

const errLoggerKey = "err"

// NewLogObserver creates a LogObserver writing to logger.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{
		logger:  logger,
		decoder: NewTextDecoder(),
	}
}

// LogObserverFactory returns an ObserverFactory producing LogObservers on logger.
func LogObserverFactory(logger *slog.Logger) ObserverFactory {
	logger = logger.With(slog.String("module", "transport"))
	return func() ChunkObserver {
		return NewLogObserver(logger)
	}
}

// Observe implements ChunkObserver.
func (o *LogObserver) Observe(chunk []byte) {
	if o.closed {
		return
	}
	o.chunks++
	o.bytes += len(chunk)

	text, err := o.decoder.Decode(chunk)
	if err != nil {
		o.logger.Warn("Failed to decode chunk",
			slog.Int("index", o.chunks),
			slog.Int("bytes", len(chunk)),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	o.logger.Debug("RAW CHUNK",
		slog.Int("index", o.chunks),
		slog.Int("bytes", len(chunk)),
		slog.String("text", text))
}

// Close implements ChunkObserver. The decoder is flushed and discarded, so later calls are no-ops.
func (o *LogObserver) Close(err error) {
	if o.closed {
		return
	}
	o.closed = true

	tail, ferr := o.decoder.Flush()
	o.decoder = nil
	if ferr != nil {
		o.logger.Warn("Failed to flush decoder", slog.String(errLoggerKey, ferr.Error()))
	}
	if tail != "" {
		o.logger.Debug("RAW CHUNK", slog.Int("index", o.chunks), slog.Int("bytes", 0), slog.String("text", tail))
	}

	switch {
	case err == nil:
		o.logger.Debug("=== STREAM END ===", slog.Int("chunks", o.chunks), slog.Int("bytes", o.bytes))
	case errors.Is(err, ErrAborted):
		o.logger.Debug("=== STREAM ABORTED ===", slog.Int("chunks", o.chunks), slog.Int("bytes", o.bytes))
	default:
		o.logger.Warn("=== STREAM FAILED ===",
			slog.Int("chunks", o.chunks),
			slog.Int("bytes", o.bytes),
			slog.String(errLoggerKey, err.Error()))
	}
}

// MultiObserver forwards every call to each of its observers in order.
type MultiObserver []ChunkObserver

// Observe implements ChunkObserver.
func (m MultiObserver) Observe(chunk []byte) {
	for _, o := range m {
		o.Observe(chunk)
	}
}

// Close implements ChunkObserver.
func (m MultiObserver) Close(err error) {
	for _, o := range m {
		o.Close(err)
	}
}

// MultiObserverFactory combines factories into one producing a MultiObserver.
func MultiObserverFactory(factories ...ObserverFactory) ObserverFactory {
	return func() ChunkObserver {
		m := make(MultiObserver, 0, len(factories))
		for _, f := range factories {
			m = append(m, f())
		}
		return m
	}
}
