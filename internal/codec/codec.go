// Package codec implements spec.md §4.1: bidirectional conversion
// between typed rows/keys and a byte stream, plus a total ordering
// predicate over encoded keys that agrees with the logical
// lexicographic order under a set of sort directions.
//
// The encoded row form is a self-describing stream of primitive fields
// (a leading missingness bitmap, then present-field values,
// length-prefixed where variable-width). The encoded key form is an
// order-preserving layout: lexicographic byte comparison (bytes.Compare)
// on the encoded bytes yields the order the Descriptor's key fields and
// directions ask for. Descending fields are produced by bitwise
// inversion of the ascending encoding.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"shuffler/internal/shuffleerr"
)

// Ordering is the result of Codec.Order.
type Ordering int

const (
	Less Ordering = iota
	Equal
	Greater
)

// Codec encodes and decodes rows and keys for one shuffle's type
// descriptor, and orders encoded keys consistently with it.
type Codec struct {
	desc    Descriptor
	keyIdx  []int // desc.Row index for each desc.Keys entry, in order
}

// New validates desc and builds a Codec for it. It returns
// shuffleerr.ErrTypeMismatch if the key fields are not a structural
// prefix of the row type (spec.md §3).
func New(desc Descriptor) (*Codec, error) {
	if err := desc.ValidateKeyPrefix(); err != nil {
		return nil, fmt.Errorf("%w: %v", shuffleerr.ErrTypeMismatch, err)
	}
	idx := make([]int, len(desc.Keys))
	for i, kf := range desc.Keys {
		idx[i] = desc.Row.IndexOf(kf.Name)
	}
	return &Codec{desc: desc, keyIdx: idx}, nil
}

// Descriptor returns the descriptor this codec was built from.
func (c *Codec) Descriptor() Descriptor { return c.desc }

func bitmapLen(n int) int { return (n + 7) / 8 }

// EncodeRow serializes row, which must have one value per field of the
// row type in order.
func (c *Codec) EncodeRow(row Row) ([]byte, error) {
	fields := c.desc.Row
	if len(row) != len(fields) {
		return nil, fmt.Errorf("%w: row has %d values, type has %d fields", shuffleerr.ErrMalformedRecord, len(row), len(fields))
	}
	var buf bytes.Buffer
	bitmap := make([]byte, bitmapLen(len(fields)))
	for i, f := range fields {
		if row[i] == nil {
			if !f.Nullable {
				return nil, fmt.Errorf("%w: field %q is not nullable", shuffleerr.ErrMalformedRecord, f.Name)
			}
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	buf.Write(bitmap)
	for i, f := range fields {
		if row[i] == nil {
			continue
		}
		if err := encodeValue(&buf, f, row[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeRow is the inverse of EncodeRow.
func (c *Codec) DecodeRow(b []byte) (Row, error) {
	fields := c.desc.Row
	need := bitmapLen(len(fields))
	if len(b) < need {
		return nil, shuffleerr.ErrTruncated
	}
	bitmap := b[:need]
	r := newReader(b[need:])
	row := make(Row, len(fields))
	for i, f := range fields {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			row[i] = nil
			continue
		}
		v, err := decodeValue(r, f)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// EncodeKey extracts and encodes the key portion of row using an
// order-preserving layout: bytes.Compare on two EncodeKey outputs
// agrees with the logical order Descriptor.Keys and their directions
// define.
func (c *Codec) EncodeKey(row Row) ([]byte, error) {
	var buf bytes.Buffer
	for i, kf := range c.desc.Keys {
		idx := c.keyIdx[i]
		f := c.desc.Row[idx]
		if err := encodeKeyField(&buf, f, kf.Dir, row[idx]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Order compares two encoded keys produced by EncodeKey for this
// codec's descriptor. It is reflexive, antisymmetric, transitive, and
// total because encodeKeyField guarantees an order-preserving,
// unambiguously-framed byte layout per field (fixed width for numbers
// and bools, escaped and terminated for strings and bytes).
func (c *Codec) Order(a, b []byte) Ordering {
	switch c.Compare(a, b) {
	case 0:
		return Equal
	case -1:
		return Less
	default:
		return Greater
	}
}

// Compare is Order expressed as a three-way int, the form the Store
// package's Comparator wants (spec.md §4.2: the Store only needs "the
// comparator from the Codec"). Because EncodeKey always produces an
// order-preserving layout, this is exactly bytes.Compare — but it is
// exposed as a method so the Store never has to know that.
func (c *Codec) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

type reader struct {
	b []byte
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) take(n int) ([]byte, error) {
	if len(r.b) < n {
		return nil, shuffleerr.ErrTruncated
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		return 0, shuffleerr.ErrTruncated
	}
	r.b = r.b[n:]
	return v, nil
}

func encodeValue(buf *bytes.Buffer, f FieldType, v Value) error {
	switch f.Kind {
	case KindInt32:
		x, ok := v.(int32)
		if !ok {
			return fmt.Errorf("%w: field %q expects int32", shuffleerr.ErrMalformedRecord, f.Name)
		}
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(x))
		buf.Write(tmp[:])
	case KindInt64:
		x, ok := v.(int64)
		if !ok {
			return fmt.Errorf("%w: field %q expects int64", shuffleerr.ErrMalformedRecord, f.Name)
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(x))
		buf.Write(tmp[:])
	case KindFloat64:
		x, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: field %q expects float64", shuffleerr.ErrMalformedRecord, f.Name)
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(x))
		buf.Write(tmp[:])
	case KindBool:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: field %q expects bool", shuffleerr.ErrMalformedRecord, f.Name)
		}
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindString:
		x, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: field %q expects string", shuffleerr.ErrMalformedRecord, f.Name)
		}
		writeLenPrefixed(buf, []byte(x))
	case KindBytes:
		x, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("%w: field %q expects bytes", shuffleerr.ErrMalformedRecord, f.Name)
		}
		writeLenPrefixed(buf, x)
	default:
		return fmt.Errorf("%w: unknown kind %v", shuffleerr.ErrMalformedRecord, f.Kind)
	}
	return nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	buf.Write(tmp[:n])
	buf.Write(b)
}

func decodeValue(r *reader, f FieldType) (Value, error) {
	switch f.Kind {
	case KindInt32:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(b)), nil
	case KindInt64:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case KindFloat64:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case KindBool:
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case KindString:
		b, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case KindBytes:
		return readLenPrefixed(r)
	default:
		return nil, fmt.Errorf("%w: unknown kind %v", shuffleerr.ErrMalformedRecord, f.Kind)
	}
}

func readLenPrefixed(r *reader) ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

// encodeKeyField writes the order-preserving byte image of one key
// field. Every field, present or missing, contributes a one-byte
// presence prefix (0 = missing, 1 = present) followed by the field's
// fixed- or escaped-variable-width ascending encoding; the whole span
// is then bit-inverted if dir is Descending. Inverting the presence
// byte along with the value is what makes "missing sorts before
// present unless reversed by direction" (spec.md §4.1) fall out for
// free: inversion turns 0 < 1 into 1 > 0.
func encodeKeyField(buf *bytes.Buffer, f FieldType, dir Direction, v Value) error {
	var field bytes.Buffer
	present := byte(1)
	if v == nil {
		present = 0
	}
	field.WriteByte(present)
	if v != nil {
		if err := encodeOrderableValue(&field, f, v); err != nil {
			return err
		}
	}
	b := field.Bytes()
	if dir == Descending {
		for i := range b {
			b[i] = ^b[i]
		}
	}
	buf.Write(b)
	return nil
}

// encodeOrderableValue writes the ascending order-preserving encoding
// of a present value.
func encodeOrderableValue(buf *bytes.Buffer, f FieldType, v Value) error {
	switch f.Kind {
	case KindInt32:
		x, ok := v.(int32)
		if !ok {
			return fmt.Errorf("%w: field %q expects int32", shuffleerr.ErrMalformedRecord, f.Name)
		}
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(x)^0x80000000)
		buf.Write(tmp[:])
	case KindInt64:
		x, ok := v.(int64)
		if !ok {
			return fmt.Errorf("%w: field %q expects int64", shuffleerr.ErrMalformedRecord, f.Name)
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(x)^0x8000000000000000)
		buf.Write(tmp[:])
	case KindFloat64:
		x, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: field %q expects float64", shuffleerr.ErrMalformedRecord, f.Name)
		}
		bits := math.Float64bits(x)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], bits)
		buf.Write(tmp[:])
	case KindBool:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: field %q expects bool", shuffleerr.ErrMalformedRecord, f.Name)
		}
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindString:
		x, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: field %q expects string", shuffleerr.ErrMalformedRecord, f.Name)
		}
		writeOrderableBytes(buf, []byte(x))
	case KindBytes:
		x, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("%w: field %q expects bytes", shuffleerr.ErrMalformedRecord, f.Name)
		}
		writeOrderableBytes(buf, x)
	default:
		return fmt.Errorf("%w: unknown kind %v", shuffleerr.ErrMalformedRecord, f.Kind)
	}
	return nil
}

// writeOrderableBytes escapes b so that it can be concatenated with
// subsequent key fields and still compare correctly byte-for-byte: each
// 0x00 byte becomes 0x00 0xFF, and the whole run is terminated by
// 0x00 0x00. This is the standard order-preserving variable-length
// encoding (used by e.g. CockroachDB's key encoding) that avoids the
// ambiguity plain length-prefixing would introduce into a memcmp order.
func writeOrderableBytes(buf *bytes.Buffer, b []byte) {
	for _, c := range b {
		if c == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xFF)
		} else {
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}
