// Package schema holds table schemas in two shapes: the loosely typed raw
// schema accepted from callers and the canonical tree produced by Normalize.
//
// Field order is preserved everywhere: it becomes the binary field numbering
// of the generated descriptors.
package schema

import "errors"

// ErrInvalidSchema is returned for malformed input schemas.
var ErrInvalidSchema = errors.New("invalid schema")

// Type is a canonical logical column type.
type Type string

const (
	TypeString     Type = "STRING"
	TypeBytes      Type = "BYTES"
	TypeInt64      Type = "INT64"
	TypeFloat64    Type = "FLOAT64"
	TypeBool       Type = "BOOL"
	TypeTimestamp  Type = "TIMESTAMP"
	TypeDate       Type = "DATE"
	TypeTime       Type = "TIME"
	TypeDatetime   Type = "DATETIME"
	TypeGeography  Type = "GEOGRAPHY"
	TypeNumeric    Type = "NUMERIC"
	TypeBigNumeric Type = "BIGNUMERIC"
	TypeJSON       Type = "JSON"
	TypeInterval   Type = "INTERVAL"
	TypeRange      Type = "RANGE"
	TypeStruct     Type = "STRUCT"
)

// Mode is the repetition mode of a column.
type Mode string

const (
	ModeNullable Mode = "NULLABLE"
	ModeRequired Mode = "REQUIRED"
	ModeRepeated Mode = "REPEATED"
)

// RawField is a column as supplied by the caller. Type and Mode are free form
// strings; legacy spellings such as INTEGER or RECORD are accepted.
type RawField struct {
	Name        string
	Type        string
	Mode        string
	Description string
	Fields      []RawField
}

// RawSchema is an ordered list of raw top level columns.
type RawSchema struct {
	Fields []RawField
}

// Field is a normalized column. Fields is non-empty only for TypeStruct.
type Field struct {
	Name        string
	Type        Type
	Mode        Mode
	Description string
	Fields      []Field
}

// IsStruct reports whether the field holds nested columns.
func (f Field) IsStruct() bool { return f.Type == TypeStruct }

// Schema is an ordered list of canonical top level columns.
type Schema struct {
	Fields []Field
}
