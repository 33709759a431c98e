// Package codec encodes loosely typed rows against a runtime descriptor,
// without generated message types.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jhump/protoreflect/desc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

var (
	ErrUnknownField = errors.New("unknown field")
	ErrInvalidValue = errors.New("invalid value")
)

// Row is a loosely typed record keyed by column name. Nested records are Row
// or map[string]any values, repeated columns are slices.
type Row = map[string]any

// Namespace is the reflective view of a flattened descriptor: the root
// message and every message nested in it, transitively.
type Namespace struct {
	root     *desc.MessageDescriptor
	messages []*desc.MessageDescriptor
	byName   map[string]*desc.MessageDescriptor
}

// Project links a flattened descriptor into a Namespace. The descriptor is
// copied; relative type names are resolved against the nesting scope.
func Project(dp *descriptorpb.DescriptorProto) (*Namespace, error) {
	msg := proto.Clone(dp).(*descriptorpb.DescriptorProto)
	if err := qualify(msg, nil); err != nil {
		return nil, err
	}

	fd, err := desc.CreateFileDescriptor(&descriptorpb.FileDescriptorProto{
		Name:        proto.String(msg.GetName() + ".proto"),
		Syntax:      proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{msg},
	})
	if err != nil {
		return nil, fmt.Errorf("link descriptor %s: %w", msg.GetName(), err)
	}

	root := fd.FindMessage(msg.GetName())
	if root == nil {
		return nil, fmt.Errorf("message %s not found after linking", msg.GetName())
	}

	ns := &Namespace{root: root, byName: make(map[string]*desc.MessageDescriptor)}
	ns.collect(root)
	return ns, nil
}

func (ns *Namespace) collect(md *desc.MessageDescriptor) {
	ns.messages = append(ns.messages, md)
	ns.byName[md.GetName()] = md
	ns.byName[md.GetFullyQualifiedName()] = md
	for _, nested := range md.GetNestedMessageTypes() {
		ns.collect(nested)
	}
}

// Root returns the target message.
func (ns *Namespace) Root() *desc.MessageDescriptor { return ns.root }

// Messages returns the root followed by every nested message, depth first.
func (ns *Namespace) Messages() []*desc.MessageDescriptor { return ns.messages }

// Lookup finds a message by simple or fully qualified name. It returns nil
// when there is no such message.
func (ns *Namespace) Lookup(name string) *desc.MessageDescriptor {
	return ns.byName[strings.TrimPrefix(name, ".")]
}

// Descriptor returns the protobuf-go view of the root message.
func (ns *Namespace) Descriptor() protoreflect.MessageDescriptor {
	return ns.root.UnwrapMessage()
}

// qualify rewrites message type references to fully qualified names. scope
// holds the enclosing messages, outermost first.
func qualify(msg *descriptorpb.DescriptorProto, scope []*descriptorpb.DescriptorProto) error {
	scope = append(scope, msg)
	for _, fd := range msg.GetField() {
		if fd.TypeName == nil || strings.HasPrefix(fd.GetTypeName(), ".") {
			continue
		}
		full, ok := resolve(scope, fd.GetTypeName())
		if !ok {
			return fmt.Errorf("field %s.%s: type %s is not nested in scope", msg.GetName(), fd.GetName(), fd.GetTypeName())
		}
		fd.TypeName = proto.String(full)
	}
	for _, nested := range msg.GetNestedType() {
		if err := qualify(nested, scope); err != nil {
			return err
		}
	}
	return nil
}

func resolve(scope []*descriptorpb.DescriptorProto, name string) (string, bool) {
	for i := len(scope) - 1; i >= 0; i-- {
		for _, nested := range scope[i].GetNestedType() {
			if nested.GetName() == name {
				return "." + path(scope[:i+1]) + "." + name, true
			}
		}
	}
	return "", false
}

func path(scope []*descriptorpb.DescriptorProto) string {
	names := make([]string, len(scope))
	for i, m := range scope {
		names[i] = m.GetName()
	}
	return strings.Join(names, ".")
}
