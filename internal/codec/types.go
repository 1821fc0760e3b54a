package codec

import "fmt"

// Kind identifies the logical element type of a row field. The codec
// supports a small closed set of primitive kinds; composite logical
// types are out of scope (spec.md's row logical type is a flat field
// list, not a nested schema).
type Kind uint8

const (
	KindInt32 Kind = iota + 1
	KindInt64
	KindFloat64
	KindBool
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FieldType names one field of a row type: its logical element kind and
// whether it may be missing.
type FieldType struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// RowType is the ordered field list that defines a row's logical shape.
// Field order is significant: it is the order values are encoded in and
// decoded back out.
type RowType []FieldType

// IndexOf returns the position of the named field, or -1 if absent.
func (t RowType) IndexOf(name string) int {
	for i, f := range t {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Direction is the sort direction of one key field.
type Direction uint8

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// KeyField is one entry of the ordered key field list sent at START: a
// row field name plus the direction it sorts by.
type KeyField struct {
	Name string
	Dir  Direction
}

// Format tags stand in for the "row encoded type" / "key encoded type"
// the wire protocol sends alongside the logical type. This codec has
// exactly one encoding scheme per logical type, so the encoded-type
// slot on the wire carries a format version rather than a second,
// parallel type system (see DESIGN.md).
type Format uint8

const (
	RowFormatPacked    Format = 1
	KeyFormatOrderable Format = 1
)

// Descriptor is the full shuffle type descriptor sent at START: the row
// type, the ordered key fields, and the format tags for both encodings.
type Descriptor struct {
	Row       RowType
	RowFormat Format
	Keys      []KeyField
	KeyFormat Format
}

// ValidateKeyPrefix checks that every key field name exists in the row
// type (spec.md §3). Key fields carry no kind of their own: each one
// takes its kind from the row field of the same name, so only the names
// are checked.
func (d *Descriptor) ValidateKeyPrefix() error {
	for _, kf := range d.Keys {
		idx := d.Row.IndexOf(kf.Name)
		if idx < 0 {
			return fmt.Errorf("key field %q not present in row type", kf.Name)
		}
	}
	return nil
}
