// Package value implements the dynamically-typed value model shared by
// every entity, predicate, and render expression in the engine.
package value

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// stringCollator produces locale-stable sort keys for Value::String
// ordering done in memory (sibling ordering in the outline operations),
// so byte-wise Go string ordering doesn't diverge from the collation
// order a client renders its list in. language.Und (the
// undetermined/root locale) is used rather than a fixed language tag
// since schemas carry no per-column locale metadata; it still
// normalizes case and punctuation weighting consistently, unlike raw
// byte comparison.
var stringCollator = collate.New(language.Und)

// SQLTimeFormat is the fixed-width UTC encoding DateTime values take in
// the embedded store's TEXT columns and in predicate bind values. The
// fixed fractional width keeps lexicographic TEXT comparison consistent
// with temporal order, which predicate push-down's extensional
// equivalence relies on. Always format the UTC instant.
const SQLTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Kind is the tag of a Value's variant.
type Kind uint8

const (
	KindNull Kind = iota
	KindBoolean
	KindInteger
	KindFloat
	KindString
	KindDateTime
	KindJSON
	KindReference
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindDateTime:
		return "datetime"
	case KindJSON:
		return "json"
	case KindReference:
		return "reference"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the tagged union `Null | Boolean | Integer | Float | String |
// DateTime | Json | Reference | Array | Object` from the data model.
// The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	arr  []Value
	obj  map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Boolean(b bool) Value         { return Value{kind: KindBoolean, b: b} }
func Integer(i int64) Value        { return Value{kind: KindInteger, i: i} }
func Float(f float64) Value        { return Value{kind: KindFloat, f: f} }
func String(s string) Value        { return Value{kind: KindString, s: s} }
func DateTime(t time.Time) Value   { return Value{kind: KindDateTime, t: t.UTC()} }
func JSON(raw string) Value        { return Value{kind: KindJSON, s: raw} }
func Reference(id string) Value    { return Value{kind: KindReference, s: id} }
func Array(items []Value) Value    { return Value{kind: KindArray, arr: items} }
func Object(m map[string]Value) Value {
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)          { return v.b, v.kind == KindBoolean }
func (v Value) Int() (int64, bool)          { return v.i, v.kind == KindInteger }
func (v Value) Float64() (float64, bool)    { return v.f, v.kind == KindFloat }
func (v Value) Str() (string, bool) {
	switch v.kind {
	case KindString, KindJSON, KindReference:
		return v.s, true
	default:
		return "", false
	}
}
func (v Value) Time() (time.Time, bool)     { return v.t, v.kind == KindDateTime }
func (v Value) Items() ([]Value, bool)      { return v.arr, v.kind == KindArray }
func (v Value) Fields() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Hash implements mitchellh/hashstructure/v2's Hashable interface, since
// Value's fields are unexported and reflection-based hashing would
// otherwise see an empty struct. It folds in the Kind tag so that, e.g.,
// Integer(0) and Float(0) (or Null and the zero value of any other
// variant) never collide.
func (v Value) Hash() (uint64, error) {
	h := fnv.New64a()
	binary.Write(h, binary.LittleEndian, uint8(v.kind))
	switch v.kind {
	case KindBoolean:
		if v.b {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	case KindInteger:
		binary.Write(h, binary.LittleEndian, v.i)
	case KindFloat:
		binary.Write(h, binary.LittleEndian, v.f)
	case KindString, KindJSON, KindReference:
		h.Write([]byte(v.s))
	case KindDateTime:
		h.Write([]byte(v.t.UTC().Format(time.RFC3339Nano)))
	case KindArray:
		for _, item := range v.arr {
			hh, err := item.Hash()
			if err != nil {
				return 0, err
			}
			binary.Write(h, binary.LittleEndian, hh)
		}
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			hh, err := v.obj[k].Hash()
			if err != nil {
				return 0, err
			}
			binary.Write(h, binary.LittleEndian, hh)
		}
	}
	return h.Sum64(), nil
}

// Equal implements total equality across all variants.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBoolean:
		return v.b == o.b
	case KindInteger:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString, KindJSON, KindReference:
		return v.s == o.s
	case KindDateTime:
		return v.t.Equal(o.t)
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, vv := range v.obj {
			ov, ok := o.obj[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare orders two values. It is only defined within the numeric
// subdomain (Integer/Float, mixed), the temporal subdomain (DateTime),
// and between two Strings (byte order). ok is false when the values are
// not comparable.
func (v Value) Compare(o Value) (cmp int, ok bool) {
	switch {
	case isNumeric(v.kind) && isNumeric(o.kind):
		a, b := numeric(v), numeric(o)
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	case v.kind == KindDateTime && o.kind == KindDateTime:
		switch {
		case v.t.Before(o.t):
			return -1, true
		case v.t.After(o.t):
			return 1, true
		default:
			return 0, true
		}
	case v.kind == KindString && o.kind == KindString:
		switch {
		case v.s < o.s:
			return -1, true
		case v.s > o.s:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func isNumeric(k Kind) bool { return k == KindInteger || k == KindFloat }

func numeric(v Value) float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.f
}

// SortKey returns a stable byte-comparable representation for in-memory
// ordering; it is not part of the value model's equality contract. The
// SQL `sort <col>` stage orders in the database instead — SortKey serves
// the paths that order rows without a query, like outline sibling
// resolution.
func (v Value) SortKey() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBoolean:
		if v.b {
			return "1"
		}
		return "0"
	case KindInteger:
		return fmt.Sprintf("%020d", v.i)
	case KindFloat:
		return fmt.Sprintf("%020.10f", v.f)
	case KindDateTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprint(keys)
	case KindString:
		var buf collate.Buffer
		return string(stringCollator.KeyFromString(&buf, v.s))
	default:
		return v.s
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "<null>"
	case KindBoolean:
		return fmt.Sprint(v.b)
	case KindInteger:
		return fmt.Sprint(v.i)
	case KindFloat:
		return fmt.Sprint(v.f)
	case KindDateTime:
		return v.t.Format(time.RFC3339)
	case KindArray:
		return fmt.Sprint(v.arr)
	case KindObject:
		return fmt.Sprint(v.obj)
	default:
		return v.s
	}
}
