package main

import (
	"fmt"

	"github.com/jhump/protoreflect/desc/protoprint"
	"google.golang.org/protobuf/encoding/protojson"
)

type DescribeCommand struct {
	SchemaFlags

	JSON bool `help:"Print the descriptor as protojson instead of .proto source."`
}

func (c *DescribeCommand) Run() error {
	dp, ns, err := c.load()
	if err != nil {
		return err
	}

	if c.JSON {
		b, err := protojson.MarshalOptions{Multiline: true}.Marshal(dp)
		if err != nil {
			return fmt.Errorf("protojson marshal: %w", err)
		}
		_, err = fmt.Fprintln(stdout, string(b))
		return err
	}

	p := protoprint.Printer{Compact: true}
	src, err := p.PrintProtoToString(ns.Root())
	if err != nil {
		return fmt.Errorf("printing %s: %w", dp.GetName(), err)
	}
	_, err = fmt.Fprint(stdout, src)
	return err
}
