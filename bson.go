package ftdc

import (
	"encoding/binary"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// The reader supports the element types FTDC files are known to carry:
// double, string, embedded document, array, generic binary, bool, UTC
// datetime, null, int32, timestamp and int64. Anything else fails with
// ErrUnsupportedElementType rather than being silently dropped, because a
// dropped field would desync the metric-slot mapping for the whole chunk.

// PeekLength returns the declared total length of the BSON document at the
// front of buf without parsing it. It fails with ErrTruncatedInput when
// fewer than four bytes are available and ErrMalformedDocument when the
// declared length cannot be a document.
func PeekLength(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("%w: %d bytes is too short for a document header", ErrTruncatedInput, len(buf))
	}
	n := int(int32(binary.LittleEndian.Uint32(buf)))
	// Minimum document is the length prefix plus the terminating 0x00.
	if n < 5 {
		return 0, fmt.Errorf("%w: declared document length %d", ErrMalformedDocument, n)
	}
	return n, nil
}

// ReadDocument parses exactly one BSON document from the front of buf into
// an ordered bson.D tree and reports the exact number of bytes consumed, so
// the caller can advance past the document without re-scanning.
func ReadDocument(buf []byte) (bson.D, int, error) {
	n, err := PeekLength(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < n {
		return nil, 0, fmt.Errorf("%w: document declares %d bytes, %d available", ErrTruncatedInput, n, len(buf))
	}
	raw := bson.Raw(buf[:n])
	if err := raw.Validate(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	doc, err := decodeRaw(raw)
	if err != nil {
		return nil, 0, err
	}
	return doc, n, nil
}

func decodeRaw(raw bson.Raw) (bson.D, error) {
	elems, err := raw.Elements()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	doc := make(bson.D, 0, len(elems))
	for _, el := range elems {
		v, err := decodeValue(el.Value())
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", el.Key(), err)
		}
		doc = append(doc, bson.E{Key: el.Key(), Value: v})
	}
	return doc, nil
}

func decodeArray(raw bson.Raw) (bson.A, error) {
	elems, err := raw.Elements()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	arr := make(bson.A, 0, len(elems))
	for _, el := range elems {
		v, err := decodeValue(el.Value())
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", el.Key(), err)
		}
		arr = append(arr, v)
	}
	return arr, nil
}

func decodeValue(rv bson.RawValue) (interface{}, error) {
	switch rv.Type {
	case bsontype.Double:
		return rv.Double(), nil
	case bsontype.String:
		return rv.StringValue(), nil
	case bsontype.EmbeddedDocument:
		return decodeRaw(rv.Document())
	case bsontype.Array:
		return decodeArray(rv.Array())
	case bsontype.Binary:
		subtype, data := rv.Binary()
		// Copy out of the raw buffer so the document outlives the driver's
		// read backlog.
		return primitive.Binary{Subtype: subtype, Data: append([]byte(nil), data...)}, nil
	case bsontype.Boolean:
		return rv.Boolean(), nil
	case bsontype.DateTime:
		return rv.Time().UTC(), nil
	case bsontype.Null:
		return primitive.Null{}, nil
	case bsontype.Int32:
		return rv.Int32(), nil
	case bsontype.Timestamp:
		t, i := rv.Timestamp()
		return primitive.Timestamp{T: t, I: i}, nil
	case bsontype.Int64:
		return rv.Int64(), nil
	default:
		return nil, fmt.Errorf("%w: %s (0x%02x)", ErrUnsupportedElementType, rv.Type, byte(rv.Type))
	}
}
