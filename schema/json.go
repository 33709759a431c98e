package schema

import (
	"fmt"
	"io"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Load reads a raw schema in JSON form. Both {"fields":[...]} and a bare
// array of fields are accepted; unknown keys are skipped.
func Load(r io.Reader) (RawSchema, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return RawSchema{}, fmt.Errorf("read schema: %w", err)
	}
	return Unmarshal(b)
}

// Unmarshal parses a raw schema from JSON bytes.
func Unmarshal(b []byte) (RawSchema, error) {
	var s RawSchema
	in := jlexer.Lexer{Data: b}
	if in.IsDelim('[') {
		s.Fields = readFields(&in)
	} else {
		in.Delim('{')
		for !in.IsDelim('}') {
			key := in.UnsafeFieldName(false)
			in.WantColon()
			switch key {
			case "fields":
				s.Fields = readFields(&in)
			default:
				in.SkipRecursive()
			}
			in.WantComma()
		}
		in.Delim('}')
	}
	in.Consumed()
	if err := in.Error(); err != nil {
		return RawSchema{}, fmt.Errorf("%w: %s", ErrInvalidSchema, err.Error())
	}
	return s, nil
}

func readFields(in *jlexer.Lexer) []RawField {
	if in.IsNull() {
		in.Skip()
		return nil
	}
	var fields []RawField
	in.Delim('[')
	for !in.IsDelim(']') {
		fields = append(fields, readField(in))
		in.WantComma()
	}
	in.Delim(']')
	return fields
}

func readField(in *jlexer.Lexer) RawField {
	var f RawField
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		switch key {
		case "name":
			f.Name = in.String()
		case "type":
			f.Type = in.String()
		case "mode":
			f.Mode = in.String()
		case "description":
			f.Description = in.String()
		case "fields":
			f.Fields = readFields(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	return f
}

// MarshalJSON encodes the canonical schema as {"fields":[...]} with
// explicit types and modes.
func (s Schema) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`{"fields":`)
	writeFields(&w, s.Fields)
	w.RawByte('}')
	return w.BuildBytes()
}

func writeFields(w *jwriter.Writer, fields []Field) {
	w.RawByte('[')
	for i, f := range fields {
		if i > 0 {
			w.RawByte(',')
		}
		w.RawString(`{"name":`)
		w.String(f.Name)
		w.RawString(`,"type":`)
		w.String(string(f.Type))
		w.RawString(`,"mode":`)
		w.String(string(f.Mode))
		if f.Description != "" {
			w.RawString(`,"description":`)
			w.String(f.Description)
		}
		if len(f.Fields) > 0 {
			w.RawString(`,"fields":`)
			writeFields(w, f.Fields)
		}
		w.RawByte('}')
	}
	w.RawByte(']')
}
