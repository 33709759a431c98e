package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Marshal encodes row as the root message.
//
// Null values are skipped. 64-bit integers may be given as Go integers,
// integral floats, numeric strings or time.Time (epoch microseconds).
func (ns *Namespace) Marshal(row Row) ([]byte, error) {
	msg, err := ns.build(ns.root, row, "")
	if err != nil {
		return nil, err
	}
	b, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ns.root.GetName(), err)
	}
	return b, nil
}

// Unmarshal decodes b into a row. Unset optional fields and empty repeated
// fields are omitted; 64-bit integers are returned as decimal strings.
func (ns *Namespace) Unmarshal(b []byte) (Row, error) {
	msg := dynamic.NewMessage(ns.root)
	if err := msg.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", ns.root.GetName(), err)
	}
	return toRow(msg)
}

func (ns *Namespace) build(md *desc.MessageDescriptor, row Row, prefix string) (*dynamic.Message, error) {
	msg := dynamic.NewMessage(md)
	for name, v := range row {
		fd := md.FindFieldByName(name)
		if fd == nil {
			return nil, fmt.Errorf("%w: %s%s", ErrUnknownField, prefix, name)
		}
		if v == nil {
			continue
		}
		path := prefix + name

		if !fd.IsRepeated() {
			cv, err := ns.convert(fd, v, path)
			if err != nil {
				return nil, err
			}
			if err = msg.TrySetField(fd, cv); err != nil {
				return nil, fmt.Errorf("%w: %s: %s", ErrInvalidValue, path, err.Error())
			}
			continue
		}

		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("%w: %s: repeated field needs a list, got %T", ErrInvalidValue, path, v)
		}
		for i := 0; i < rv.Len(); i++ {
			item := rv.Index(i).Interface()
			if item == nil {
				return nil, fmt.Errorf("%w: %s[%d]: null element", ErrInvalidValue, path, i)
			}
			cv, err := ns.convert(fd, item, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			if err = msg.TryAddRepeatedField(fd, cv); err != nil {
				return nil, fmt.Errorf("%w: %s[%d]: %s", ErrInvalidValue, path, i, err.Error())
			}
		}
	}
	return msg, nil
}

func (ns *Namespace) convert(fd *desc.FieldDescriptor, v any, path string) (any, error) {
	var (
		out any
		ok  bool
	)
	switch fd.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_INT64:
		out, ok = toInt64(v)
	case descriptorpb.FieldDescriptorProto_TYPE_DOUBLE:
		out, ok = toFloat64(v)
	case descriptorpb.FieldDescriptorProto_TYPE_BOOL:
		out, ok = toBool(v)
	case descriptorpb.FieldDescriptorProto_TYPE_STRING:
		out, ok = toString(v)
	case descriptorpb.FieldDescriptorProto_TYPE_BYTES:
		switch b := v.(type) {
		case []byte:
			out, ok = b, true
		case string:
			out, ok = []byte(b), true
		}
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		nested, isRow := v.(map[string]any)
		if !isRow {
			break
		}
		return ns.build(fd.GetMessageType(), nested, path+".")
	default:
		return nil, fmt.Errorf("%w: %s: field type %s", ErrInvalidValue, path, fd.GetType())
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s: %T is not assignable to %s", ErrInvalidValue, path, v, fd.GetType())
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		f := float64(n)
		return int64(f), f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
	case float64:
		return int64(n), n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case time.Time:
		return n.UnixMicro(), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		r, err := strconv.ParseBool(b)
		return r, err == nil
	}
	return false, false
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case json.Number:
		return s.String(), true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

func toRow(msg *dynamic.Message) (Row, error) {
	row := Row{}
	for _, fd := range msg.GetMessageDescriptor().GetFields() {
		if fd.IsRepeated() {
			n := msg.FieldLength(fd)
			if n == 0 {
				continue
			}
			items := make([]any, n)
			for i := range items {
				item, err := fromValue(fd, msg.GetRepeatedField(fd, i))
				if err != nil {
					return nil, err
				}
				items[i] = item
			}
			row[fd.GetName()] = items
			continue
		}
		if !msg.HasField(fd) {
			continue
		}
		v, err := fromValue(fd, msg.GetField(fd))
		if err != nil {
			return nil, err
		}
		row[fd.GetName()] = v
	}
	return row, nil
}

func fromValue(fd *desc.FieldDescriptor, v any) (any, error) {
	switch fd.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_INT64:
		return strconv.FormatInt(v.(int64), 10), nil
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		nested, ok := v.(*dynamic.Message)
		if !ok {
			return nil, fmt.Errorf("%w: %s: unexpected message value %T", ErrInvalidValue, fd.GetName(), v)
		}
		return toRow(nested)
	}
	return v, nil
}
