package ftdc

import "errors"

// Decoding errors. All failures surfaced by this package wrap exactly one of
// these sentinels, so callers can classify with errors.Is regardless of the
// contextual detail added at the detection site.
var (
	// ErrTruncatedInput indicates the input ended in the middle of a value,
	// such as a varint or a BSON document cut off before its declared length.
	ErrTruncatedInput = errors.New("truncated input")

	// ErrMalformedDocument indicates a BSON document whose declared length
	// disagrees with its contents, or an element with an invalid length.
	ErrMalformedDocument = errors.New("malformed document")

	// ErrUnsupportedElementType indicates a BSON element type outside the
	// supported set. This is a known limitation, not a corruption signal.
	ErrUnsupportedElementType = errors.New("unsupported element type")

	// ErrDecompression indicates a chunk payload that failed to decompress.
	ErrDecompression = errors.New("payload decompression failed")

	// ErrSchemaMismatch indicates a chunk whose declared metric count
	// disagrees with the number of metric leaves in its reference document.
	ErrSchemaMismatch = errors.New("reference document schema mismatch")

	// ErrTruncatedFile indicates a partial top-level document at the end of
	// the source. A source ending on an exact document boundary is the
	// normal termination condition and does not produce this error.
	ErrTruncatedFile = errors.New("truncated file")
)
