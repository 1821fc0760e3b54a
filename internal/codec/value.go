package codec

// Value holds one decoded field. It is nil when the field is missing.
// Concrete dynamic types are int32, int64, float64, bool, string, or
// []byte, matching the Kind the field's FieldType declares.
type Value any

// Row is a positional list of field values aligned with the fields of
// a RowType.
type Row []Value
