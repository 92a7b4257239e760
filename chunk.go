package ftdc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/basekick-labs/ftdc/internal/varint"
)

// ChunkDecoder expands one metric chunk into its per-sample documents. All
// schema state it derives is scoped to the chunk being decoded; nothing is
// cached across chunks or process-wide.
type ChunkDecoder struct {
	logger zerolog.Logger
}

// NewChunkDecoder creates a chunk decoder.
func NewChunkDecoder(logger zerolog.Logger) *ChunkDecoder {
	return &ChunkDecoder{
		logger: logger.With().Str("component", "chunk-decoder").Logger(),
	}
}

// Chunk is one decoded metric chunk. Next hands out the reconstructed
// samples one at a time so a caller consuming only the head of a large
// chunk never materializes the rest.
type Chunk struct {
	ref      bson.D
	refTime  time.Time
	values   [][]int64 // values[slot][sample]
	samples  int
	next     int
	docBytes int64
}

// Decode decompresses and expands a type-1 top-level document.
func (cd *ChunkDecoder) Decode(doc bson.D) (*Chunk, error) {
	payload, refTime, err := chunkPayload(doc)
	if err != nil {
		return nil, err
	}

	raw, err := inflate(payload)
	if err != nil {
		return nil, err
	}

	ref, refLen, err := ReadDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("reference document: %w", err)
	}

	seeds, err := extractSeeds(ref, nil)
	if err != nil {
		return nil, err
	}

	if len(raw) < refLen+8 {
		return nil, fmt.Errorf("%w: missing delta block header", ErrTruncatedInput)
	}
	metricCount := int(binary.LittleEndian.Uint32(raw[refLen:]))
	sampleCount := int(binary.LittleEndian.Uint32(raw[refLen+4:]))
	if metricCount < 0 || sampleCount < 0 {
		return nil, fmt.Errorf("%w: delta block header declares %d metrics, %d samples",
			ErrMalformedDocument, metricCount, sampleCount)
	}
	if metricCount != len(seeds) {
		return nil, fmt.Errorf("%w: chunk declares %d metrics, reference document has %d leaves",
			ErrSchemaMismatch, metricCount, len(seeds))
	}

	vr := varint.NewReader(raw[refLen+8:])
	values := make([][]int64, len(seeds))
	deltas := make([]int64, sampleCount)
	for m, seed := range seeds {
		for i := range deltas {
			d, err := vr.Next()
			if err != nil {
				if errors.Is(err, varint.ErrTruncated) {
					return nil, fmt.Errorf("%w: delta block ends inside metric %d", ErrTruncatedInput, m)
				}
				return nil, err
			}
			deltas[i] = d
		}
		values[m] = varint.ReconstructSeries(seed, deltas)
	}
	if vr.Remaining() != 0 || vr.PendingZeroes() != 0 {
		return nil, fmt.Errorf("%w: %d bytes and %d zero-run deltas beyond the %d declared",
			ErrMalformedDocument, vr.Remaining(), vr.PendingZeroes(), metricCount*sampleCount)
	}

	cd.logger.Debug().
		Time("reference_time", refTime).
		Int("metrics", metricCount).
		Int("samples", sampleCount).
		Int("payload_bytes", len(payload)).
		Int("inflated_bytes", len(raw)).
		Msg("Decoded metric chunk")

	return &Chunk{
		ref:      ref,
		refTime:  refTime,
		values:   values,
		samples:  sampleCount,
		docBytes: int64(refLen),
	}, nil
}

// chunkPayload pulls the compressed blob and reference timestamp out of a
// top-level chunk document.
func chunkPayload(doc bson.D) ([]byte, time.Time, error) {
	var payload []byte
	var refTime time.Time
	found := false
	for _, el := range doc {
		switch el.Key {
		case "data":
			bin, ok := el.Value.(primitive.Binary)
			if !ok {
				return nil, refTime, fmt.Errorf("%w: chunk data field is %T, want binary", ErrMalformedDocument, el.Value)
			}
			payload = bin.Data
			found = true
		case "_id":
			if t, ok := el.Value.(time.Time); ok {
				refTime = t
			}
		}
	}
	if !found {
		return nil, refTime, fmt.Errorf("%w: chunk document has no data field", ErrMalformedDocument)
	}
	return payload, refTime, nil
}

// inflate strips the payload's uncompressed-length prefix and decompresses
// the zlib stream that follows it.
func inflate(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: payload is %d bytes, too short for the length prefix", ErrDecompression, len(payload))
	}
	zr, err := zlib.NewReader(bytes.NewReader(payload[4:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	return raw, nil
}

// extractSeeds walks the reference document depth-first (documents by field
// order, arrays by index) and records one starting value per metric leaf.
// Strings, binary and null leaves carry no samples and stay structural
// constants. A timestamp contributes two seeds, T then I.
func extractSeeds(v interface{}, seeds []int64) ([]int64, error) {
	switch t := v.(type) {
	case bson.D:
		var err error
		for _, el := range t {
			if seeds, err = extractSeeds(el.Value, seeds); err != nil {
				return nil, err
			}
		}
		return seeds, nil
	case bson.A:
		var err error
		for _, el := range t {
			if seeds, err = extractSeeds(el, seeds); err != nil {
				return nil, err
			}
		}
		return seeds, nil
	case int64:
		return append(seeds, t), nil
	case int32:
		return append(seeds, int64(t)), nil
	case float64:
		return append(seeds, int64(t)), nil
	case bool:
		if t {
			return append(seeds, 1), nil
		}
		return append(seeds, 0), nil
	case time.Time:
		return append(seeds, t.UnixMilli()), nil
	case primitive.Timestamp:
		return append(seeds, int64(t.T), int64(t.I)), nil
	case string, primitive.Binary, primitive.Null:
		return seeds, nil
	default:
		// The reader only produces the types above, so this is unreachable
		// for documents that came through ReadDocument.
		return nil, fmt.Errorf("%w: reference leaf of type %T", ErrUnsupportedElementType, v)
	}
}

// Samples reports how many documents the chunk expands to.
func (c *Chunk) Samples() int {
	return c.samples
}

// ReferenceTime is the chunk's start timestamp, zero if absent.
func (c *Chunk) ReferenceTime() time.Time {
	return c.refTime
}

// DocBytes approximates the encoded size of one reconstructed document.
// Every sample shares the reference document's shape, so its wire length
// stands in for all of them.
func (c *Chunk) DocBytes() int64 {
	return c.docBytes
}

// Next materializes the next sample as a deep copy of the reference shape
// with every metric leaf replaced by that sample's value. It returns io.EOF
// after the last sample.
func (c *Chunk) Next() (bson.D, error) {
	if c.next >= c.samples {
		return nil, io.EOF
	}
	slot := 0
	doc := c.buildDocument(c.ref, c.next, &slot)
	c.next++
	return doc, nil
}

func (c *Chunk) buildDocument(ref bson.D, sample int, slot *int) bson.D {
	out := make(bson.D, len(ref))
	for i, el := range ref {
		out[i] = bson.E{Key: el.Key, Value: c.buildValue(el.Value, sample, slot)}
	}
	return out
}

func (c *Chunk) buildValue(ref interface{}, sample int, slot *int) interface{} {
	switch t := ref.(type) {
	case bson.D:
		return c.buildDocument(t, sample, slot)
	case bson.A:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = c.buildValue(el, sample, slot)
		}
		return out
	case int64:
		return c.take(sample, slot)
	case int32:
		return int32(c.take(sample, slot))
	case float64:
		return float64(c.take(sample, slot))
	case bool:
		return c.take(sample, slot) != 0
	case time.Time:
		return time.UnixMilli(c.take(sample, slot)).UTC()
	case primitive.Timestamp:
		sec := c.take(sample, slot)
		inc := c.take(sample, slot)
		return primitive.Timestamp{T: uint32(sec), I: uint32(inc)}
	default:
		// Structural constant: identical in every sample.
		return t
	}
}

func (c *Chunk) take(sample int, slot *int) int64 {
	v := c.values[*slot][sample]
	*slot++
	return v
}
