package descriptor

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/ozontech/appender/schema"
)

const (
	syntaxProto2 = "proto2"
	fileSuffix   = ".proto"
)

// Build converts a canonical schema into a descriptor set holding one file
// per nesting level.
//
// The root message is named name and lives in "<name>.proto". A struct field
// f of message P produces message "P_f" in file "P_f.proto", which P's file
// lists as a dependency. Files are ordered parent first, depth first.
func Build(s schema.Schema, name string) (*descriptorpb.FileDescriptorSet, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty message name", schema.ErrInvalidSchema)
	}
	files, err := buildMessage(s.Fields, name, name, make(map[string]string))
	if err != nil {
		return nil, err
	}
	return &descriptorpb.FileDescriptorSet{File: files}, nil
}

// seen maps every emitted message name to the struct path that produced it:
// "a.b" and "a_b" under the same parent would both become "P_a_b".
func buildMessage(fields []schema.Field, name, path string, seen map[string]string) ([]*descriptorpb.FileDescriptorProto, error) {
	if prev, ok := seen[name]; ok {
		return nil, fmt.Errorf("%w: fields %s and %s both map to message %s", schema.ErrInvalidSchema, prev, path, name)
	}
	seen[name] = path
	msg := &descriptorpb.DescriptorProto{
		Name:  proto.String(name),
		Field: make([]*descriptorpb.FieldDescriptorProto, 0, len(fields)),
	}
	file := &descriptorpb.FileDescriptorProto{
		Name:        proto.String(name + fileSuffix),
		Syntax:      proto.String(syntaxProto2),
		MessageType: []*descriptorpb.DescriptorProto{msg},
	}
	files := []*descriptorpb.FileDescriptorProto{file}

	for i, f := range fields {
		m, err := MapType(f.Type, f.Mode)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", name, f.Name, err)
		}

		fd := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(f.Name),
			Number: proto.Int32(int32(i + 1)),
			Label:  m.Label.Enum(),
			Type:   m.Type.Enum(),
		}

		if !f.IsStruct() {
			fd.Options = &descriptorpb.FieldOptions{Packed: proto.Bool(m.Packed)}
			msg.Field = append(msg.Field, fd)
			continue
		}

		childName := name + "_" + f.Name
		fd.TypeName = proto.String(childName)
		msg.Field = append(msg.Field, fd)

		children, err := buildMessage(f.Fields, childName, path+"."+f.Name, seen)
		if err != nil {
			return nil, err
		}
		file.Dependency = append(file.Dependency, childName+fileSuffix)
		files = append(files, children...)
	}
	return files, nil
}
