package schema

import (
	"fmt"
	"strings"
)

// legacy and alias spellings of canonical types.
var typeAliases = map[string]Type{
	"INTEGER":    TypeInt64,
	"INT":        TypeInt64,
	"FLOAT":      TypeFloat64,
	"BOOLEAN":    TypeBool,
	"RECORD":     TypeStruct,
	"DECIMAL":    TypeNumeric,
	"BIGDECIMAL": TypeBigNumeric,
}

// Normalize validates raw and converts it into a canonical schema.
//
// Every field gets an explicit mode (NULLABLE when omitted), type spellings
// are canonicalized and nested struct fields are normalized recursively.
// Unknown type names are kept as is: whether a type can be written is decided
// when the descriptor is built.
func Normalize(raw RawSchema) (Schema, error) {
	fields, err := normalizeFields(raw.Fields, "")
	if err != nil {
		return Schema{}, err
	}
	if len(fields) == 0 {
		return Schema{}, fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	return Schema{Fields: fields}, nil
}

func normalizeFields(raw []RawField, prefix string) ([]Field, error) {
	fields := make([]Field, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for i, rf := range raw {
		f, err := normalizeField(rf, prefix, i)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(f.Name)
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, prefix+f.Name)
		}
		seen[key] = struct{}{}
		fields = append(fields, f)
	}
	return fields, nil
}

func normalizeField(rf RawField, prefix string, i int) (Field, error) {
	if rf.Name == "" {
		return Field{}, fmt.Errorf("%w: field #%d of %q: missing name", ErrInvalidSchema, i+1, prefix)
	}
	path := prefix + rf.Name
	if rf.Type == "" {
		return Field{}, fmt.Errorf("%w: field %q: missing type", ErrInvalidSchema, path)
	}

	mode, err := parseMode(rf.Mode)
	if err != nil {
		return Field{}, fmt.Errorf("field %q: %w", path, err)
	}

	f := Field{
		Name:        rf.Name,
		Type:        parseType(rf.Type),
		Mode:        mode,
		Description: rf.Description,
	}

	if !f.IsStruct() {
		if len(rf.Fields) != 0 {
			return Field{}, fmt.Errorf("%w: field %q: nested fields on %s column", ErrInvalidSchema, path, f.Type)
		}
		return f, nil
	}

	if len(rf.Fields) == 0 {
		return Field{}, fmt.Errorf("%w: field %q: struct without fields", ErrInvalidSchema, path)
	}
	f.Fields, err = normalizeFields(rf.Fields, path+".")
	if err != nil {
		return Field{}, err
	}
	return f, nil
}

func parseType(s string) Type {
	s = strings.ToUpper(strings.TrimSpace(s))
	if t, ok := typeAliases[s]; ok {
		return t
	}
	return Type(s)
}

func parseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return ModeNullable, nil
	case ModeNullable, ModeRequired, ModeRepeated:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidSchema, s)
	}
}
