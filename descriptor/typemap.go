// Package descriptor turns canonical table schemas into proto2 message
// descriptors that the ingestion service accepts as a writer schema.
package descriptor

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/ozontech/appender/schema"
)

var (
	ErrUnsupportedFieldType = errors.New("unsupported field type")
	ErrUnresolvedDependency = errors.New("unresolved dependency")
)

type (
	fieldType  = descriptorpb.FieldDescriptorProto_Type
	fieldLabel = descriptorpb.FieldDescriptorProto_Label
)

// Mapping is the wire representation of one column.
type Mapping struct {
	Type   fieldType
	Label  fieldLabel
	Packed bool
}

var wireTypes = map[schema.Type]fieldType{
	schema.TypeString:     descriptorpb.FieldDescriptorProto_TYPE_STRING,
	schema.TypeDate:       descriptorpb.FieldDescriptorProto_TYPE_STRING,
	schema.TypeTime:       descriptorpb.FieldDescriptorProto_TYPE_STRING,
	schema.TypeDatetime:   descriptorpb.FieldDescriptorProto_TYPE_STRING,
	schema.TypeGeography:  descriptorpb.FieldDescriptorProto_TYPE_STRING,
	schema.TypeNumeric:    descriptorpb.FieldDescriptorProto_TYPE_STRING,
	schema.TypeBigNumeric: descriptorpb.FieldDescriptorProto_TYPE_STRING,
	schema.TypeJSON:       descriptorpb.FieldDescriptorProto_TYPE_STRING,
	schema.TypeInterval:   descriptorpb.FieldDescriptorProto_TYPE_STRING,
	schema.TypeBool:       descriptorpb.FieldDescriptorProto_TYPE_BOOL,
	schema.TypeInt64:      descriptorpb.FieldDescriptorProto_TYPE_INT64,
	schema.TypeTimestamp:  descriptorpb.FieldDescriptorProto_TYPE_INT64, // epoch microseconds
	schema.TypeFloat64:    descriptorpb.FieldDescriptorProto_TYPE_DOUBLE,
	schema.TypeBytes:      descriptorpb.FieldDescriptorProto_TYPE_BYTES,
	schema.TypeStruct:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE,
}

var labels = map[schema.Mode]fieldLabel{
	schema.ModeNullable: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL,
	schema.ModeRequired: descriptorpb.FieldDescriptorProto_LABEL_REQUIRED,
	schema.ModeRepeated: descriptorpb.FieldDescriptorProto_LABEL_REPEATED,
}

// only fixed width scalars use packed encoding.
var packable = map[fieldType]bool{
	descriptorpb.FieldDescriptorProto_TYPE_INT64:  true,
	descriptorpb.FieldDescriptorProto_TYPE_DOUBLE: true,
	descriptorpb.FieldDescriptorProto_TYPE_BOOL:   true,
}

// MapType returns the wire type, label and packing of a column.
func MapType(t schema.Type, m schema.Mode) (Mapping, error) {
	wt, ok := wireTypes[t]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %s", ErrUnsupportedFieldType, t)
	}
	label, ok := labels[m]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: mode %s", ErrUnsupportedFieldType, m)
	}
	return Mapping{
		Type:   wt,
		Label:  label,
		Packed: label == descriptorpb.FieldDescriptorProto_LABEL_REPEATED && packable[wt],
	}, nil
}
