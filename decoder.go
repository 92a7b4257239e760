// Package ftdc decodes Full-Time Diagnostic Data Capture (FTDC) files: a
// delta-encoded binary time-series format made of top-level BSON documents.
// Metadata documents pass through verbatim; metric chunks are decompressed
// and expanded back into one document per sample.
//
// A Decoder is a pull iterator over one byte source. It is not safe for
// concurrent pulls; use Stream for a channel-based consumer with optional
// bounded-memory backpressure.
package ftdc

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// compactThreshold is how many consumed backlog bytes accumulate before the
// buffer is copied down.
const compactThreshold = 256 * 1024

// streamBuffer is the channel depth between the decode pump and the
// forwarding stage in bounded-memory streaming. Residency is bounded by the
// semaphore, not by this depth.
const streamBuffer = 64

// Config holds decoder options. The zero value is valid: no memory limit
// and a disabled logger.
type Config struct {
	// MemoryLimit caps the total approximate encoded bytes of decoded
	// documents buffered ahead of the consumer in Stream. 0 means
	// unlimited. The limit changes pacing only, never the output sequence.
	MemoryLimit int64

	// Logger receives debug-level decode progress. Leave zero or use
	// zerolog.Nop() to disable.
	Logger zerolog.Logger
}

// Decoder reads top-level BSON documents from a byte source, passes
// metadata documents through and expands metric chunks, yielding documents
// in strict source order.
type Decoder struct {
	src    ByteSource
	chunks *ChunkDecoder
	logger zerolog.Logger

	memoryLimit int64

	buf     []byte
	off     int
	srcDone bool
	cur     *Chunk
	err     error

	// lastSize is the approximate encoded size of the most recently
	// yielded document, read by the stream pump for memory accounting.
	lastSize int64

	// Metrics
	TotalDocuments int64
	TotalChunks    int64
	TotalBytes     int64
}

// NewDecoder creates a decoder over src. cfg may be nil for defaults.
func NewDecoder(src ByteSource, cfg *Config) *Decoder {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger.With().Str("component", "ftdc-decoder").Logger()
	return &Decoder{
		src:         src,
		chunks:      NewChunkDecoder(cfg.Logger),
		logger:      logger,
		memoryLimit: cfg.MemoryLimit,
	}
}

// Next returns the next document in source order: the samples of the open
// chunk first, then the next top-level document. It returns io.EOF at clean
// exhaustion. Any other error is terminal and repeated on every subsequent
// call; documents yielded before the failure remain valid.
func (d *Decoder) Next(ctx context.Context) (bson.D, error) {
	if d.err != nil {
		return nil, d.err
	}
	for {
		if d.cur != nil {
			doc, err := d.cur.Next()
			if err == nil {
				d.TotalDocuments++
				d.lastSize = d.cur.DocBytes()
				return doc, nil
			}
			if err != io.EOF {
				return nil, d.fail(err)
			}
			d.cur = nil
		}

		if err := d.fill(ctx, 4); err != nil {
			if err == io.EOF {
				if d.backlog() == 0 {
					d.err = io.EOF
					d.logger.Debug().
						Int64("documents", d.TotalDocuments).
						Int64("chunks", d.TotalChunks).
						Int64("bytes", d.TotalBytes).
						Msg("Source exhausted")
					return nil, io.EOF
				}
				return nil, d.fail(fmt.Errorf("%w: %d byte partial document at end of source",
					ErrTruncatedFile, d.backlog()))
			}
			return nil, d.fail(err)
		}
		docLen, err := PeekLength(d.buf[d.off:])
		if err != nil {
			return nil, d.fail(err)
		}
		if err := d.fill(ctx, docLen); err != nil {
			if err == io.EOF {
				return nil, d.fail(fmt.Errorf("%w: document declares %d bytes, source ended after %d",
					ErrTruncatedFile, docLen, d.backlog()))
			}
			return nil, d.fail(err)
		}

		doc, consumed, err := ReadDocument(d.buf[d.off : d.off+docLen])
		if err != nil {
			return nil, d.fail(err)
		}
		d.off += consumed

		if isMetricChunk(doc) {
			chunk, err := d.chunks.Decode(doc)
			if err != nil {
				return nil, d.fail(err)
			}
			d.TotalChunks++
			d.cur = chunk
			// Loop back to emit the first sample. A zero-sample chunk
			// contributes nothing and decoding continues.
			continue
		}

		d.TotalDocuments++
		d.lastSize = int64(consumed)
		return doc, nil
	}
}

// fill grows the backlog until at least need unconsumed bytes are
// available. It returns io.EOF when the source ends first.
func (d *Decoder) fill(ctx context.Context, need int) error {
	for d.backlog() < need {
		if d.srcDone {
			return io.EOF
		}
		b, err := d.src.Next(ctx)
		if err == io.EOF {
			d.srcDone = true
			continue
		}
		if err != nil {
			return err
		}
		if d.off > compactThreshold && d.off > len(d.buf)/2 {
			d.buf = append(d.buf[:0], d.buf[d.off:]...)
			d.off = 0
		}
		d.buf = append(d.buf, b...)
		d.TotalBytes += int64(len(b))
	}
	return nil
}

func (d *Decoder) backlog() int {
	return len(d.buf) - d.off
}

func (d *Decoder) fail(err error) error {
	d.err = err
	return err
}

// isMetricChunk reports whether a top-level document is a type-1 metric
// chunk. Every other document is metadata and passes through verbatim.
func isMetricChunk(doc bson.D) bool {
	for _, el := range doc {
		if el.Key != "type" {
			continue
		}
		switch v := el.Value.(type) {
		case int32:
			return v == 1
		case int64:
			return v == 1
		}
		return false
	}
	return false
}

// Result is one streamed document or the terminal error of the stream.
type Result struct {
	Doc bson.D
	Err error
}

// Stream decodes in a background goroutine and delivers documents over a
// channel, closed at clean exhaustion. A terminal decode error is delivered
// as the final Result and also returned by the wait function. Cancel ctx to
// abandon the stream early.
//
// With Config.MemoryLimit set, a weighted semaphore bounds the total
// approximate encoded size of decoded documents sitting between the decoder
// and the consumer; weight is released as the consumer receives. The output
// sequence is identical with and without the limit.
func (d *Decoder) Stream(ctx context.Context) (<-chan Result, func() error) {
	out := make(chan Result)
	g, ctx := errgroup.WithContext(ctx)

	if d.memoryLimit <= 0 {
		g.Go(func() error {
			defer close(out)
			return d.pump(ctx, func(r Result) error {
				select {
				case out <- r:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		})
		return out, g.Wait
	}

	type weighted struct {
		res    Result
		weight int64
	}
	sem := semaphore.NewWeighted(d.memoryLimit)
	pending := make(chan weighted, streamBuffer)

	g.Go(func() error {
		defer close(pending)
		return d.pump(ctx, func(r Result) error {
			var w int64
			if r.Err == nil {
				w = d.lastSize
				if w > d.memoryLimit {
					// A single oversized document still has to pass.
					w = d.memoryLimit
				}
				if w < 1 {
					w = 1
				}
				if err := sem.Acquire(ctx, w); err != nil {
					return err
				}
			}
			select {
			case pending <- weighted{res: r, weight: w}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})
	g.Go(func() error {
		defer close(out)
		for wr := range pending {
			select {
			case out <- wr.res:
			case <-ctx.Done():
				return ctx.Err()
			}
			if wr.weight > 0 {
				sem.Release(wr.weight)
			}
		}
		return nil
	})
	return out, g.Wait
}

// pump drives Next and hands each document (or the terminal error) to send
// until exhaustion.
func (d *Decoder) pump(ctx context.Context, send func(Result) error) error {
	for {
		doc, err := d.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if sendErr := send(Result{Err: err}); sendErr != nil {
				return sendErr
			}
			return err
		}
		if err := send(Result{Doc: doc}); err != nil {
			return err
		}
	}
}
