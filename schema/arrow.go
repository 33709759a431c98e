package schema

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
)

// FromArrow converts an Arrow schema into a raw schema.
//
// Non-nullable Arrow fields become REQUIRED, list types become REPEATED
// columns of their element type, and Arrow structs become STRUCT columns.
// A "description" metadata key, when present, is carried over.
func FromArrow(s *arrow.Schema) (RawSchema, error) {
	fields, err := fromArrowFields(s.Fields(), "")
	if err != nil {
		return RawSchema{}, err
	}
	return RawSchema{Fields: fields}, nil
}

func fromArrowFields(in []arrow.Field, prefix string) ([]RawField, error) {
	out := make([]RawField, 0, len(in))
	for _, af := range in {
		f, err := fromArrowField(af, prefix)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func fromArrowField(af arrow.Field, prefix string) (RawField, error) {
	path := prefix + af.Name
	f := RawField{
		Name: af.Name,
		Mode: string(ModeNullable),
	}
	if !af.Nullable {
		f.Mode = string(ModeRequired)
	}
	if i := af.Metadata.FindKey("description"); i >= 0 {
		f.Description = af.Metadata.Values()[i]
	}

	dt := af.Type
	if elem, ok := listElem(dt); ok {
		if _, nested := listElem(elem); nested {
			return RawField{}, fmt.Errorf("%w: field %q: nested lists", ErrInvalidSchema, path)
		}
		f.Mode = string(ModeRepeated)
		dt = elem
	}

	if st, ok := dt.(*arrow.StructType); ok {
		children, err := fromArrowFields(st.Fields(), path+".")
		if err != nil {
			return RawField{}, err
		}
		f.Type = string(TypeStruct)
		f.Fields = children
		return f, nil
	}

	t, ok := arrowTypes[dt.ID()]
	if !ok {
		return RawField{}, fmt.Errorf("%w: field %q: arrow type %s", ErrInvalidSchema, path, dt)
	}
	f.Type = string(t)
	return f, nil
}

func listElem(dt arrow.DataType) (arrow.DataType, bool) {
	switch lt := dt.(type) {
	case *arrow.ListType:
		return lt.Elem(), true
	case *arrow.LargeListType:
		return lt.Elem(), true
	case *arrow.FixedSizeListType:
		return lt.Elem(), true
	}
	return nil, false
}

var arrowTypes = map[arrow.Type]Type{
	arrow.STRING:            TypeString,
	arrow.LARGE_STRING:      TypeString,
	arrow.BINARY:            TypeBytes,
	arrow.LARGE_BINARY:      TypeBytes,
	arrow.FIXED_SIZE_BINARY: TypeBytes,
	arrow.BOOL:              TypeBool,
	arrow.INT8:              TypeInt64,
	arrow.INT16:             TypeInt64,
	arrow.INT32:             TypeInt64,
	arrow.INT64:             TypeInt64,
	arrow.UINT8:             TypeInt64,
	arrow.UINT16:            TypeInt64,
	arrow.UINT32:            TypeInt64,
	arrow.FLOAT16:           TypeFloat64,
	arrow.FLOAT32:           TypeFloat64,
	arrow.FLOAT64:           TypeFloat64,
	arrow.DATE32:            TypeDate,
	arrow.DATE64:            TypeDate,
	arrow.TIME32:            TypeTime,
	arrow.TIME64:            TypeTime,
	arrow.TIMESTAMP:         TypeTimestamp,
	arrow.DECIMAL128:        TypeNumeric,
	arrow.DECIMAL256:        TypeBigNumeric,
}
