// Package varint decodes the zig-zag varint deltas inside an FTDC metric
// block and reconstructs absolute sample series from them.
package varint

import "errors"

// ErrTruncated indicates the buffer ended in the middle of a varint.
var ErrTruncated = errors.New("varint: truncated input")

// maxLen is the longest valid encoding of a 64-bit value: ten 7-bit groups.
const maxLen = 10

// Decode reads one zig-zag varint from the front of buf and returns the
// signed value and the number of bytes consumed.
func Decode(buf []byte) (int64, int, error) {
	var u uint64
	var shift uint
	for i := 0; i < maxLen; i++ {
		if i >= len(buf) {
			return 0, 0, ErrTruncated
		}
		b := buf[i]
		u |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			// Zig-zag: the low bit selects sign, the rest is magnitude.
			return int64(u>>1) ^ -int64(u&1), i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}

// Reader is a cursor over a delta block. It expands zero-run markers: a
// decoded delta of 0 is followed by a repeat count n, and the pair stands
// for n consecutive zero deltas. A run may span metric stream boundaries,
// so the run state lives here rather than per metric.
type Reader struct {
	buf    []byte
	off    int
	zeroes int64
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Next returns the next delta, expanding zero runs.
func (r *Reader) Next() (int64, error) {
	if r.zeroes > 0 {
		r.zeroes--
		return 0, nil
	}
	for {
		v, n, err := Decode(r.buf[r.off:])
		if err != nil {
			return 0, err
		}
		r.off += n
		if v != 0 {
			return v, nil
		}
		count, n, err := Decode(r.buf[r.off:])
		if err != nil {
			return 0, err
		}
		r.off += n
		if count > 0 {
			r.zeroes = count - 1
			return 0, nil
		}
		// A non-positive repeat count contributes nothing; keep reading.
	}
}

// Remaining reports how many bytes of the block are left unconsumed.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// PendingZeroes reports how many zero deltas of the current run have not
// been returned yet.
func (r *Reader) PendingZeroes() int64 {
	return r.zeroes
}

// ReconstructSeries runs a prefix sum over deltas seeded with seed,
// producing one absolute value per delta. An empty delta sequence yields an
// empty series; the seed itself is never emitted.
func ReconstructSeries(seed int64, deltas []int64) []int64 {
	out := make([]int64, len(deltas))
	running := seed
	for i, d := range deltas {
		running += d
		out[i] = running
	}
	return out
}
