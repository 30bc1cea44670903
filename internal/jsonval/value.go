// Package jsonval implements the tagged JSON value tree described by
// the ingestion spec's "dynamic typing in metadata" design note: an
// arbitrary client-supplied JSON tree represented as a closed sum type
// so the masking engine can walk it without reflection, and serialize
// it deterministically (sorted object keys) afterward.
package jsonval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged JSON value: exactly one of the typed fields below
// is meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Bool   bool
	Number json.Number
	Str    string
	Arr    []Value
	// Obj holds the members; objKeys records their insertion order.
	// Marshal and Walk always visit keys in sorted order regardless.
	Obj     map[string]Value
	objKeys []string
}

func Null() Value              { return Value{Kind: KindNull} }
func Bool(b bool) Value        { return Value{Kind: KindBool, Bool: b} }
func String(s string) Value    { return Value{Kind: KindString, Str: s} }
func Number(n json.Number) Value { return Value{Kind: KindNumber, Number: n} }

func Array(items ...Value) Value {
	return Value{Kind: KindArray, Arr: items}
}

// NewObject builds an empty Object value.
func NewObject() Value {
	return Value{Kind: KindObject, Obj: map[string]Value{}}
}

// Set inserts or overwrites a key on an Object value. It is a no-op on
// non-object values (guards against masking code assuming a shape the
// client didn't send).
func (v *Value) Set(key string, val Value) {
	if v.Kind != KindObject {
		return
	}
	if v.Obj == nil {
		v.Obj = map[string]Value{}
	}
	if _, exists := v.Obj[key]; !exists {
		v.objKeys = append(v.objKeys, key)
	}
	v.Obj[key] = val
}

// IsString reports whether the value is a string, returning it.
func (v Value) IsString() (string, bool) {
	if v.Kind == KindString {
		return v.Str, true
	}
	return "", false
}

// FromAny converts a decoded `any` (as produced by encoding/json with
// UseNumber, or a map[string]any / []any / string / bool / nil / float64)
// into a Value tree.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case json.Number:
		return Number(t)
	case float64:
		return Number(json.Number(fmt.Sprintf("%g", t)))
	case string:
		return String(t)
	case []any:
		arr := make([]Value, 0, len(t))
		for _, item := range t {
			arr = append(arr, FromAny(item))
		}
		return Value{Kind: KindArray, Arr: arr}
	case map[string]any:
		obj := NewObject()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj.Set(k, FromAny(t[k]))
		}
		return obj
	default:
		return Null()
	}
}

// ToAny converts the Value tree back into plain Go values suitable for
// encoding/json or fxamacker/cbor marshaling.
func (v Value) ToAny() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.Str
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, item := range v.Arr {
			out[i] = item.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Obj))
		for k, item := range v.Obj {
			out[k] = item.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON renders the tree with object keys sorted, so that two
// semantically-equal trees always produce byte-identical JSON — the
// masking idempotence and record hashing rely on.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		s := v.Number.String()
		if s == "" {
			s = "0"
		}
		buf.WriteString(s)
	case KindString:
		b, err := json.Marshal(v.Str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.Arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.Obj))
		for k := range v.Obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.Obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON decodes into the tagged tree, preserving numbers as
// json.Number so masking never loses precision reformatting them.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromDecoded(raw)
	return nil
}

func fromDecoded(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case json.Number:
		return Number(t)
	case string:
		return String(t)
	case []any:
		arr := make([]Value, 0, len(t))
		for _, item := range t {
			arr = append(arr, fromDecoded(item))
		}
		return Value{Kind: KindArray, Arr: arr}
	case map[string]any:
		obj := NewObject()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj.Set(k, fromDecoded(t[k]))
		}
		return obj
	default:
		return Null()
	}
}

// Walk visits every object key in the tree depth-first, calling fn with
// the key and a pointer to its value so callers (the masking engine)
// can rewrite it in place. Walk then descends into the value as fn left
// it, so a value replaced by a scalar is not walked any further.
func (v *Value) Walk(fn func(key string, val *Value)) {
	switch v.Kind {
	case KindObject:
		for _, k := range v.sortedKeys() {
			val := v.Obj[k]
			fn(k, &val)
			v.Obj[k] = val
			child := v.Obj[k]
			child.Walk(fn)
			v.Obj[k] = child
		}
	case KindArray:
		for i := range v.Arr {
			v.Arr[i].Walk(fn)
		}
	}
}

func (v *Value) sortedKeys() []string {
	keys := make([]string, 0, len(v.Obj))
	for k := range v.Obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
