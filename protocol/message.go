// Package protocol defines the runtime contract shared by every node
// personality in this module: the tagged Message envelope, the NodeId
// type, the Context capability a node is handed on every callback, and
// the Node lifecycle interface itself.
package protocol

import "fmt"

// NodeId is an opaque, stable identifier for a node for the lifetime of
// the process.
type NodeId string

// Fields is the map half of the tagged union described by the wire
// format: scalars, ordered sequences, and nested Fields values.
type Fields map[string]any

// Message is the single wire envelope used by every component. Kind
// selects which typed variant a package's dispatch switch should parse
// it into; Fields carries the payload. Messages are compared by
// structural content, not identity.
type Message struct {
	Kind   string
	Fields Fields
}

// NewMessage builds a Message from a kind and a set of fields.
func NewMessage(kind string, fields Fields) Message {
	if fields == nil {
		fields = Fields{}
	}
	return Message{Kind: kind, Fields: fields}
}

// String renders a Message for logging.
func (m Message) String() string {
	return fmt.Sprintf("%s%v", m.Kind, m.Fields)
}

// Equal reports whether two messages carry the same kind and fields.
// Field comparison recurses into nested Fields and slices.
func (m Message) Equal(other Message) bool {
	if m.Kind != other.Kind {
		return false
	}
	return fieldsEqual(m.Fields, other.Fields)
}

func fieldsEqual(a, b Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valuesEqual(av, bv) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case Fields:
		bv, ok := b.(Fields)
		return ok && fieldsEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// With returns a shallow copy of the message with the given field set,
// leaving the receiver untouched. Useful for stamping a sequence number
// or correlation id onto an otherwise user-supplied payload.
func (m Message) With(key string, value any) Message {
	out := Fields{}
	for k, v := range m.Fields {
		out[k] = v
	}
	out[key] = value
	return Message{Kind: m.Kind, Fields: out}
}

// Without returns a shallow copy of the message with the given field
// removed.
func (m Message) Without(key string) Message {
	out := Fields{}
	for k, v := range m.Fields {
		if k != key {
			out[k] = v
		}
	}
	return Message{Kind: m.Kind, Fields: out}
}

// Str, Int, Float, Bool are convenience accessors over Fields; they
// return the zero value when the field is absent or of the wrong type,
// matching the duck-typed-but-now-typed-at-the-edge style described in
// the design notes (parse once at callback entry).
func (f Fields) Str(key string) string {
	v, _ := f[key].(string)
	return v
}

func (f Fields) Int(key string) int64 {
	switch v := f[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	}
	return 0
}

func (f Fields) Float(key string) float64 {
	v, _ := f[key].(float64)
	return v
}

func (f Fields) Bool(key string) bool {
	v, _ := f[key].(bool)
	return v
}

func (f Fields) Strings(key string) []string {
	raw, ok := f[key].([]string)
	if ok {
		return raw
	}
	anySlice, ok := f[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(anySlice))
	for _, v := range anySlice {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f Fields) Sub(key string) Fields {
	v, _ := f[key].(Fields)
	return v
}
