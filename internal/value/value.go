// Package value is the tagged variant used to hand configuration data to the
// runner: strings, integers, floats, booleans, lists and tables. Values are
// backed by cty so they come straight out of HCL configuration, but callers
// only see the explicit accessor contract below; reading a value as the
// wrong kind returns a *KindError instead of panicking.
package value

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// Kind is the tag of a Value.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindFloat
	KindBool
	KindList
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "boolean"
	case KindList:
		return "list"
	case KindTable:
		return "table"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KindError reports a read with the wrong accessor.
type KindError struct {
	Want Kind
	Got  Kind
}

func (e *KindError) Error() string {
	return fmt.Sprintf("value is a %s, not a %s", e.Got, e.Want)
}

// Value is an immutable tagged value.
type Value struct {
	kind Kind
	v    cty.Value
	// items and fields keep the element kinds of lists and tables, which a
	// cty number alone cannot tell apart.
	items  []Value
	fields Table
}

// Table maps names to values.
type Table map[string]Value

func String(s string) Value { return Value{kind: KindString, v: cty.StringVal(s)} }
func Integer(i int64) Value { return Value{kind: KindInteger, v: cty.NumberIntVal(i)} }
func Float(f float64) Value { return Value{kind: KindFloat, v: cty.NumberFloatVal(f)} }
func Bool(b bool) Value     { return Value{kind: KindBool, v: cty.BoolVal(b)} }

// List builds a list value. Elements may be of different kinds.
func List(items ...Value) Value {
	if len(items) == 0 {
		return Value{kind: KindList, v: cty.EmptyTupleVal}
	}
	vals := make([]cty.Value, len(items))
	for i, it := range items {
		vals[i] = it.v
	}
	return Value{kind: KindList, v: cty.TupleVal(vals), items: append([]Value(nil), items...)}
}

// TableValue wraps t as a value.
func TableValue(t Table) Value {
	if len(t) == 0 {
		return Value{kind: KindTable, v: cty.EmptyObjectVal}
	}
	attrs := make(map[string]cty.Value, len(t))
	fields := make(Table, len(t))
	for k, it := range t {
		attrs[k] = it.v
		fields[k] = it
	}
	return Value{kind: KindTable, v: cty.ObjectVal(attrs), fields: fields}
}

// FromCty converts a cty value. Unknown and null values, and types with no
// variant (capsules), are rejected.
func FromCty(v cty.Value) (Value, error) {
	if !v.IsKnown() {
		return Value{}, fmt.Errorf("value is not known")
	}
	if v.IsNull() {
		return Value{}, fmt.Errorf("value is null")
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return String(v.AsString()), nil
	case ty == cty.Bool:
		return Bool(v.True()), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return Integer(i), nil
			}
		}
		f, _ := bf.Float64()
		return Float(f), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		var items []Value
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			item, err := FromCty(ev)
			if err != nil {
				return Value{}, fmt.Errorf("list element %d: %w", len(items), err)
			}
			items = append(items, item)
		}
		return List(items...), nil
	case ty.IsMapType() || ty.IsObjectType():
		t := Table{}
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			item, err := FromCty(ev)
			if err != nil {
				return Value{}, fmt.Errorf("table key %q: %w", k.AsString(), err)
			}
			t[k.AsString()] = item
		}
		return TableValue(t), nil
	default:
		return Value{}, fmt.Errorf("unsupported type %s", ty.FriendlyName())
	}
}

// Kind returns the tag.
func (v Value) Kind() Kind { return v.kind }

// Cty returns the backing cty value.
func (v Value) Cty() cty.Value { return v.v }

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", &KindError{Want: KindString, Got: v.kind}
	}
	return v.v.AsString(), nil
}

func (v Value) AsInteger() (int64, error) {
	if v.kind != KindInteger {
		return 0, &KindError{Want: KindInteger, Got: v.kind}
	}
	i, _ := v.v.AsBigFloat().Int64()
	return i, nil
}

// AsFloat also accepts integers.
func (v Value) AsFloat() (float64, error) {
	if v.kind != KindFloat && v.kind != KindInteger {
		return 0, &KindError{Want: KindFloat, Got: v.kind}
	}
	f, _ := v.v.AsBigFloat().Float64()
	return f, nil
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, &KindError{Want: KindBool, Got: v.kind}
	}
	return v.v.True(), nil
}

func (v Value) AsList() ([]Value, error) {
	if v.kind != KindList {
		return nil, &KindError{Want: KindList, Got: v.kind}
	}
	return append([]Value(nil), v.items...), nil
}

func (v Value) AsTable() (Table, error) {
	if v.kind != KindTable {
		return nil, &KindError{Want: KindTable, Got: v.kind}
	}
	t := make(Table, len(v.fields))
	for k, it := range v.fields {
		t[k] = it
	}
	return t, nil
}

// String renders scalars plainly, lists comma separated and tables as
// sorted key=value pairs.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.v.AsString()
	case KindInteger:
		i, _ := v.AsInteger()
		return strconv.FormatInt(i, 10)
	case KindFloat:
		f, _ := v.AsFloat()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.v.True())
	case KindList:
		items, _ := v.AsList()
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = it.String()
		}
		return strings.Join(parts, ",")
	case KindTable:
		t, _ := v.AsTable()
		parts := make([]string, 0, len(t))
		for _, k := range t.Keys() {
			parts = append(parts, k+"="+t[k].String())
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return ""
	}
}

// Get returns the value stored under key.
func (t Table) Get(key string) (Value, bool) {
	v, ok := t[key]
	return v, ok
}

// Keys returns the keys in sorted order.
func (t Table) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Environ flattens the table into KEY=value entries with prefix prepended
// to every key. Nested tables extend the key with an underscore; keys are
// upper-cased.
func (t Table) Environ(prefix string) []string {
	var out []string
	t.environ(prefix, &out)
	return out
}

func (t Table) environ(prefix string, out *[]string) {
	for _, k := range t.Keys() {
		name := prefix + strings.ToUpper(k)
		v := t[k]
		if v.kind == KindTable {
			nested, _ := v.AsTable()
			nested.environ(name+"_", out)
			continue
		}
		*out = append(*out, name+"="+v.String())
	}
}
