package transport

import "io"

// ChunkSource produces raw chunks of a response in network order. ReadChunk returns io.EOF once the
// source is exhausted, and never returns a chunk together with an error.
type ChunkSource interface {
	ReadChunk() ([]byte, error)
}

const defaultChunkSize = 32 * 1024

// BodySource adapts an io.Reader, typically an HTTP response body, into a ChunkSource. Each successful
// Read of the underlying reader becomes exactly one chunk, so chunk boundaries are the ones the
// network delivered.
type BodySource struct {
	r    io.Reader
	size int
	err  error
}

// NewBodySource creates a BodySource reading at most size bytes per chunk. A non-positive size selects
// a 32KiB default.
func NewBodySource(r io.Reader, size int) *BodySource {
	if size <= 0 {
		size = defaultChunkSize
	}
	return &BodySource{r: r, size: size}
}

// ReadChunk returns the next chunk. The returned slice is freshly allocated and owned by the caller.
func (b *BodySource) ReadChunk() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	buf := make([]byte, b.size)
	for {
		n, err := b.r.Read(buf)
		if n > 0 {
			// A reader may hand back data and its final error together; the error is kept for
			// the next call so the chunk isn't lost.
			b.err = err
			return buf[:n], nil
		}
		if err != nil {
			b.err = err
			return nil, err
		}
	}
}

// SliceSource replays a fixed sequence of chunks, for example the ones recorded in a ChunkLog.
type SliceSource struct {
	chunks [][]byte
}

// NewSliceSource creates a source yielding chunks in order, then io.EOF.
func NewSliceSource(chunks [][]byte) *SliceSource {
	return &SliceSource{chunks: chunks}
}

// ReadChunk implements ChunkSource.
func (s *SliceSource) ReadChunk() ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}
