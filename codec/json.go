package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"
)

// FromJSON converts one JSON encoded row into its binary form. Column names
// are accepted both as declared and in lowerCamelCase.
func (ns *Namespace) FromJSON(b []byte) ([]byte, error) {
	msg := dynamicpb.NewMessage(ns.Descriptor())
	if err := protojson.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("unmarshalling json row for %s: %w", ns.root.GetName(), err)
	}
	out, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s into binary: %w", ns.root.GetName(), err)
	}
	return out, nil
}

// ToJSON converts a binary row into JSON using the declared column names.
func (ns *Namespace) ToJSON(b []byte) ([]byte, error) {
	msg := dynamicpb.NewMessage(ns.Descriptor())
	if err := proto.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("unmarshaling binary row for %s: %w", ns.root.GetName(), err)
	}
	out, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protojson marshal: %w", err)
	}
	return out, nil
}
