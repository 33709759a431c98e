package descriptor

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/ozontech/appender/schema"
)

// Flatten resolves a descriptor set produced by Build into the root message
// with every referenced message embedded as a nested type of its parent.
//
// Files are resolved leaves first, so each message is complete before it is
// embedded. The root is the single file no other file depends on.
func Flatten(set *descriptorpb.FileDescriptorSet) (*descriptorpb.DescriptorProto, error) {
	files := make(map[string]*descriptorpb.FileDescriptorProto, len(set.GetFile()))
	owners := make(map[string]string) // message name -> file name
	dependents := make(map[string]int, len(set.GetFile()))
	for _, f := range set.GetFile() {
		if _, dup := files[f.GetName()]; dup {
			return nil, fmt.Errorf("%w: file %s declared twice", ErrUnresolvedDependency, f.GetName())
		}
		files[f.GetName()] = f
		for _, m := range f.GetMessageType() {
			if prev, dup := owners[m.GetName()]; dup {
				return nil, fmt.Errorf("%w: message %s declared in %s and %s", ErrUnresolvedDependency, m.GetName(), prev, f.GetName())
			}
			owners[m.GetName()] = f.GetName()
		}
	}
	for _, f := range set.GetFile() {
		for _, dep := range f.GetDependency() {
			if _, ok := files[dep]; !ok {
				return nil, fmt.Errorf("%w: file %s imports missing %s", ErrUnresolvedDependency, f.GetName(), dep)
			}
			dependents[dep]++
		}
	}

	var root *descriptorpb.FileDescriptorProto
	for _, f := range set.GetFile() {
		if dependents[f.GetName()] != 0 {
			continue
		}
		if root != nil {
			return nil, fmt.Errorf("%w: several root files (%s, %s)", ErrUnresolvedDependency, root.GetName(), f.GetName())
		}
		root = f
	}
	if root == nil || len(root.GetMessageType()) == 0 {
		return nil, fmt.Errorf("%w: no root message", ErrUnresolvedDependency)
	}

	r := resolver{
		files:    files,
		owners:   owners,
		resolved: make(map[string]*descriptorpb.DescriptorProto),
		visiting: make(map[string]bool),
	}
	if err := r.resolveFile(root.GetName()); err != nil {
		return nil, err
	}
	return r.resolved[root.GetMessageType()[0].GetName()], nil
}

type resolver struct {
	files    map[string]*descriptorpb.FileDescriptorProto
	owners   map[string]string
	resolved map[string]*descriptorpb.DescriptorProto
	visiting map[string]bool
}

func (r *resolver) resolveFile(name string) error {
	if r.visiting[name] {
		return fmt.Errorf("%w: import cycle through %s", ErrUnresolvedDependency, name)
	}
	f := r.files[name]
	if len(f.GetMessageType()) == 0 {
		return fmt.Errorf("%w: file %s declares no messages", ErrUnresolvedDependency, name)
	}
	if _, done := r.resolved[f.GetMessageType()[0].GetName()]; done {
		return nil
	}

	r.visiting[name] = true
	for _, dep := range f.GetDependency() {
		if err := r.resolveFile(dep); err != nil {
			return err
		}
	}
	delete(r.visiting, name)

	for _, m := range f.GetMessageType() {
		flat, err := r.embed(m)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r.resolved[m.GetName()] = flat
	}
	return nil
}

func (r *resolver) embed(m *descriptorpb.DescriptorProto) (*descriptorpb.DescriptorProto, error) {
	flat := proto.Clone(m).(*descriptorpb.DescriptorProto)
	embedded := make(map[string]bool, len(flat.GetNestedType()))
	for _, n := range flat.GetNestedType() {
		embedded[n.GetName()] = true
	}

	for _, fd := range flat.GetField() {
		if fd.TypeName == nil {
			continue
		}
		typeName := strings.TrimPrefix(fd.GetTypeName(), ".")
		if embedded[typeName] {
			continue
		}
		if _, ok := r.owners[typeName]; !ok {
			return nil, fmt.Errorf("%w: field %s references %s", ErrUnresolvedDependency, fd.GetName(), typeName)
		}
		child, ok := r.resolved[typeName]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not imported by %s", ErrUnresolvedDependency, typeName, m.GetName())
		}
		flat.NestedType = append(flat.NestedType, proto.Clone(child).(*descriptorpb.DescriptorProto))
		embedded[typeName] = true
	}
	return flat, nil
}

// FromSchema builds and flattens the descriptor of s in one step.
func FromSchema(s schema.Schema, name string) (*descriptorpb.DescriptorProto, error) {
	set, err := Build(s, name)
	if err != nil {
		return nil, err
	}
	return Flatten(set)
}
