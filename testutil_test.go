package ftdc

// Test fixtures build real FTDC wire bytes with an independent encoder: BSON
// via the mongo driver, zlib via klauspost, varints and zero runs by hand.

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// appendVarint zig-zag encodes v.
func appendVarint(dst []byte, v int64) []byte {
	u := uint64(v<<1) ^ uint64(v>>63)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// encodeDeltas flattens the per-metric delta streams in metric order and
// collapses consecutive zeros into (0, n) run markers. Runs deliberately
// span stream boundaries, matching the wire format.
func encodeDeltas(streams [][]int64) []byte {
	var flat []int64
	for _, s := range streams {
		flat = append(flat, s...)
	}
	var out []byte
	for i := 0; i < len(flat); {
		if flat[i] != 0 {
			out = appendVarint(out, flat[i])
			i++
			continue
		}
		run := 0
		for i < len(flat) && flat[i] == 0 {
			run++
			i++
		}
		out = appendVarint(out, 0)
		out = appendVarint(out, int64(run))
	}
	return out
}

// compressRaw wraps arbitrary bytes in the payload framing: uncompressed
// length prefix plus zlib stream.
func compressRaw(t *testing.T, uncompressed []byte) []byte {
	t.Helper()
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write(uncompressed)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	payload := binary.LittleEndian.AppendUint32(nil, uint32(len(uncompressed)))
	return append(payload, compressed.Bytes()...)
}

// makeChunkPayload assembles reference doc + delta block header + deltas and
// compresses it the way a chunk's data field carries it. metricCount and
// sampleCount are explicit so tests can write inconsistent headers.
func makeChunkPayload(t *testing.T, ref bson.D, metricCount, sampleCount int, deltas []byte) []byte {
	t.Helper()
	refRaw, err := bson.Marshal(ref)
	require.NoError(t, err)

	uncompressed := make([]byte, 0, len(refRaw)+8+len(deltas))
	uncompressed = append(uncompressed, refRaw...)
	uncompressed = binary.LittleEndian.AppendUint32(uncompressed, uint32(metricCount))
	uncompressed = binary.LittleEndian.AppendUint32(uncompressed, uint32(sampleCount))
	uncompressed = append(uncompressed, deltas...)
	return compressRaw(t, uncompressed)
}

// makeChunkDoc wraps a payload into a marshaled type-1 top-level document.
func makeChunkDoc(t *testing.T, refTime time.Time, payload []byte) []byte {
	t.Helper()
	raw, err := bson.Marshal(bson.D{
		{Key: "_id", Value: refTime},
		{Key: "type", Value: int32(1)},
		{Key: "data", Value: primitive.Binary{Data: payload}},
	})
	require.NoError(t, err)
	return raw
}

// makeChunk builds a complete, consistent chunk document from a reference
// doc and its per-metric delta streams.
func makeChunk(t *testing.T, refTime time.Time, ref bson.D, streams [][]int64, sampleCount int) []byte {
	t.Helper()
	for _, s := range streams {
		require.Len(t, s, sampleCount, "every stream carries sampleCount deltas")
	}
	payload := makeChunkPayload(t, ref, len(streams), sampleCount, encodeDeltas(streams))
	return makeChunkDoc(t, refTime, payload)
}

// makeMetadataDoc marshals a metadata (non-chunk) top-level document.
func makeMetadataDoc(t *testing.T, doc bson.D) []byte {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

// drain pulls every document out of a decoder until io.EOF or an error.
func drain(t *testing.T, d *Decoder) ([]bson.D, error) {
	t.Helper()
	var docs []bson.D
	for {
		doc, err := d.Next(context.Background())
		if err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
}

var testRefTime = time.UnixMilli(1700000000000).UTC()
