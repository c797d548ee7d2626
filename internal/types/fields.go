// Package types defines the data model shared by the cache, the remote
// adapters, the reconciler and the sync orchestrator.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fields is an ordered mapping of field name to value.
//
// Work item schemas vary by type and by remote configuration, so fields are
// kept generic. Values are scalars (string, bool, int64, float64, nil) or
// simple structures ([]any, map[string]any). Insertion order is preserved
// through JSON and YAML round trips; equality and hashing ignore it.
//
// The zero value is an empty map ready to use. Plain copies share storage;
// Clone before mutating a copy.
type Fields struct {
	keys   []string
	values map[string]any
}

// NewFields builds Fields from alternating name/value pairs.
// It panics on an odd argument count or a non-string name; it is meant for
// literals in code and tests.
func NewFields(kv ...any) Fields {
	if len(kv)%2 != 0 {
		panic("types.NewFields: odd number of arguments")
	}
	var f Fields
	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("types.NewFields: field name at %d is %T, not string", i, kv[i]))
		}
		f.Set(name, kv[i+1])
	}
	return f
}

// Len returns the number of fields.
func (f Fields) Len() int { return len(f.keys) }

// Keys returns field names in insertion order.
func (f Fields) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Get returns the value of a field and whether it is present.
func (f Fields) Get(name string) (any, bool) {
	if f.values == nil {
		return nil, false
	}
	v, ok := f.values[name]
	return v, ok
}

// Has reports whether a field is present.
func (f Fields) Has(name string) bool {
	_, ok := f.Get(name)
	return ok
}

// Set stores a value, appending the name if it is new.
// Values are normalised so that numbers decoded from different encodings
// compare equal.
func (f *Fields) Set(name string, value any) {
	if f.values == nil {
		f.values = make(map[string]any)
	}
	if _, exists := f.values[name]; !exists {
		f.keys = append(f.keys, name)
	}
	f.values[name] = normalizeValue(value)
}

// Delete removes a field. Missing names are ignored.
func (f *Fields) Delete(name string) {
	if _, ok := f.values[name]; !ok {
		return
	}
	delete(f.values, name)
	for i, k := range f.keys {
		if k == name {
			f.keys = append(f.keys[:i:i], f.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	var out Fields
	for _, k := range f.keys {
		out.Set(k, cloneValue(f.values[k]))
	}
	return out
}

// Equal reports whether both maps hold the same names with equal values.
// Order is not significant.
func (f Fields) Equal(other Fields) bool {
	if f.Len() != other.Len() {
		return false
	}
	for _, k := range f.keys {
		ov, ok := other.Get(k)
		if !ok || !ValuesEqual(f.values[k], ov) {
			return false
		}
	}
	return true
}

// Map returns an unordered copy of the fields.
func (f Fields) Map() map[string]any {
	out := make(map[string]any, len(f.keys))
	for _, k := range f.keys {
		out[k] = cloneValue(f.values[k])
	}
	return out
}

// String renders the fields compactly for logs.
func (f Fields) String() string {
	parts := make([]string, 0, len(f.keys))
	for _, k := range f.keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, f.values[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ValuesEqual compares two field values by their canonical encoding.
func ValuesEqual(a, b any) bool {
	ca, errA := canonicalJSON(a)
	cb, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// MarshalJSON encodes the fields as a JSON object in insertion order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.values[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (f *Fields) UnmarshalJSON(data []byte) error {
	*f = Fields{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields: expected JSON object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("fields: expected string key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		f.Set(name, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// MarshalYAML encodes the fields as a YAML mapping in insertion order.
func (f Fields) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range f.keys {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
		valNode := &yaml.Node{}
		if err := valNode.Encode(f.values[k]); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// UnmarshalYAML decodes a YAML mapping, keeping key order.
func (f *Fields) UnmarshalYAML(node *yaml.Node) error {
	*f = Fields{}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("fields: expected mapping at line %d", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		f.Set(name, v)
	}
	return nil
}

// SortedKeys returns field names in lexical order.
func (f Fields) SortedKeys() []string {
	keys := f.Keys()
	sort.Strings(keys)
	return keys
}

// normalizeValue maps the numeric and container types produced by the
// various decoders onto int64, float64, []any and map[string]any.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val)
		}
		return float64(val)
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if fl, err := val.Float64(); err == nil {
			return normalizeFloat(fl)
		}
		return val.String()
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalizeValue(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = normalizeValue(e)
		}
		return out
	case Fields:
		return val.Map()
	default:
		return v
	}
}

// normalizeFloat turns integral floats into int64 so 3 and 3.0 are equal.
func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
