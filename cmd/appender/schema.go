package main

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/ozontech/appender/codec"
	"github.com/ozontech/appender/descriptor"
	"github.com/ozontech/appender/schema"
)

type SchemaFlags struct {
	Schema    *os.File `required:"" help:"Table schema in JSON ({\"fields\":[...]} or a bare field list)."`
	TableName string   `default:"Row" help:"Message name of the row descriptor."`
}

// load builds the self-contained row descriptor and its namespace.
func (f SchemaFlags) load() (*descriptorpb.DescriptorProto, *codec.Namespace, error) {
	defer f.Schema.Close()

	raw, err := schema.Load(f.Schema)
	if err != nil {
		return nil, nil, fmt.Errorf("reading schema %s: %w", f.Schema.Name(), err)
	}
	s, err := schema.Normalize(raw)
	if err != nil {
		return nil, nil, err
	}
	dp, err := descriptor.FromSchema(s, f.TableName)
	if err != nil {
		return nil, nil, err
	}
	ns, err := codec.Project(dp)
	if err != nil {
		return nil, nil, err
	}
	return dp, ns, nil
}
