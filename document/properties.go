package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
)

// Properties is an ordered mapping of field name to value. Values are one
// of: nil, bool, int64, float64, string, BlobRef, *Properties or []any.
// Field order is preserved through JSON encoding so a body hashes the same
// on every store.
type Properties struct {
	keys   []string
	values map[string]any
}

// NewProperties returns an empty body.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]any)}
}

// PropertiesFromMap builds a body from m, ordering the keys alphabetically.
func PropertiesFromMap(m map[string]any) *Properties {
	p := NewProperties()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.Set(k, m[k])
	}
	return p
}

// Set stores value under key, appending the key if it is new. Go maps and
// integer types are normalised to the canonical value set.
func (p *Properties) Set(key string, value any) *Properties {
	if p.values == nil {
		p.values = make(map[string]any)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = normalise(value)
	return p
}

// Get returns the value stored under key.
func (p *Properties) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// String returns the string at key, or "" when absent or of another type.
func (p *Properties) String(key string) string {
	v, _ := p.Get(key)
	s, _ := v.(string)
	return s
}

// Int returns the integer at key, or 0.
func (p *Properties) Int(key string) int64 {
	v, _ := p.Get(key)
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// Delete removes key. Missing keys are ignored.
func (p *Properties) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the field names in order.
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of fields.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Clone returns a deep copy.
func (p *Properties) Clone() *Properties {
	if p == nil {
		return nil
	}
	c := &Properties{keys: make([]string, len(p.keys)), values: make(map[string]any, len(p.values))}
	copy(c.keys, p.keys)
	for k, v := range p.values {
		c.values[k] = cloneValue(v)
	}
	return c
}

// Equal compares two bodies including field order.
func (p *Properties) Equal(o *Properties) bool {
	if p.Len() != o.Len() {
		return false
	}
	if p.Len() == 0 {
		return true
	}
	a, errA := p.MarshalJSON()
	b, errB := o.MarshalJSON()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// Blobs returns every BlobRef reachable from the body.
func (p *Properties) Blobs() []BlobRef {
	var out []BlobRef
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case BlobRef:
			out = append(out, t)
		case *Properties:
			for _, k := range t.keys {
				walk(t.values[k])
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(p)
	return out
}

// MarshalJSON writes the fields in insertion order.
func (p *Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Properties) encode(buf *bytes.Buffer) error {
	if p == nil {
		buf.WriteString("null")
		return nil
	}
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := encodeValue(buf, p.values[k]); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case *Properties:
		return t.encode(buf)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// UnmarshalJSON decodes an object, keeping field order. Nested objects
// tagged as blobs decode to BlobRef.
func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = Properties{values: make(map[string]any)}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("document body must be a JSON object")
	}
	out, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*p = *out
	return nil
}

func decodeObject(dec *json.Decoder) (*Properties, error) {
	p := NewProperties()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		p.keys = append(p.keys, key)
		p.values[key] = v
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, err
	}
	return p, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj, err := decodeObject(dec)
			if err != nil {
				return nil, err
			}
			if ref, ok := blobFromProperties(obj); ok {
				return ref, nil
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	default:
		return t, nil
	}
}

func normalise(v any) any {
	switch t := v.(type) {
	case nil, bool, int64, float64, string, BlobRef, *Properties:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case map[string]any:
		return PropertiesFromMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalise(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalise(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case *Properties:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
