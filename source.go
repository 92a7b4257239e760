package ftdc

import (
	"context"
	"io"
)

// ByteSource supplies raw FTDC bytes to a Decoder. Next returns the next
// run of bytes, or io.EOF once the source is exhausted. Implementations do
// not need to align returns with document boundaries; the decoder buffers
// across reads.
//
// The three implementations below form a closed set: an in-memory buffer,
// a blocking reader, and an asynchronous chunk channel. The channel variant
// is the only one that suspends, and only inside its receive, which keeps
// the decoder's reentrancy surface to "waiting for more bytes".
type ByteSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// defaultReadSize is how much a ReaderSource asks for per read.
const defaultReadSize = 64 * 1024

// BufferSource yields a complete in-memory buffer in a single read.
type BufferSource struct {
	buf  []byte
	done bool
}

// NewBufferSource creates a source over buf. The buffer is not copied; the
// caller must not mutate it while decoding.
func NewBufferSource(buf []byte) *BufferSource {
	return &BufferSource{buf: buf}
}

// Next implements ByteSource.
func (s *BufferSource) Next(context.Context) ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	if len(s.buf) == 0 {
		return nil, io.EOF
	}
	return s.buf, nil
}

// ReaderSource pulls from a blocking io.Reader in fixed-size reads.
type ReaderSource struct {
	r    io.Reader
	size int
}

// NewReaderSource creates a source over r reading up to defaultReadSize
// bytes at a time.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r, size: defaultReadSize}
}

// Next implements ByteSource.
func (s *ReaderSource) Next(context.Context) ([]byte, error) {
	buf := make([]byte, s.size)
	n, err := s.r.Read(buf)
	if n > 0 {
		// Deliver the bytes first; a terminal error surfaces on the next
		// call per the io.Reader contract.
		return buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// ChunkSource receives byte chunks from a channel. A closed channel signals
// exhaustion. The receive is the decoder's only suspension point, and it
// honors context cancellation.
type ChunkSource struct {
	ch <-chan []byte
}

// NewChunkSource creates a source over ch.
func NewChunkSource(ch <-chan []byte) *ChunkSource {
	return &ChunkSource{ch: ch}
}

// Next implements ByteSource.
func (s *ChunkSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
