// Package dtmi implements the JSON-like value tree and the DTMI binary
// codecs (versions 1 and 2) used to serialize DTSC payloads. Objects keep
// their members in insertion order, which the codec preserves on the wire.
package dtmi

import "bytes"

// Kind enumerates the dynamic types a Value can hold.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindString
	KindBool
	KindObject
	KindArray
)

// Value is a node in a dynamically typed tree. The zero value is null.
// Strings are binary-safe byte slices; media payloads live in them as-is.
type Value struct {
	kind    Kind
	num     int64
	boolean bool
	str     []byte
	members map[string]*Value
	order   []string
	arr     []*Value

	packed []byte // cached network form, see NetPrepare
}

// NewInt returns an integer Value.
func NewInt(v int64) *Value { return &Value{kind: KindInteger, num: v} }

// NewString returns a string Value holding a copy of s.
func NewString(s string) *Value { return &Value{kind: KindString, str: []byte(s)} }

// NewStringBytes returns a string Value taking ownership of b.
func NewStringBytes(b []byte) *Value { return &Value{kind: KindString, str: b} }

// NewBool returns a boolean Value.
func NewBool(v bool) *Value { return &Value{kind: KindBool, boolean: v} }

// NewObject returns an empty object Value.
func NewObject() *Value { return &Value{kind: KindObject, members: map[string]*Value{}} }

// NewArray returns an empty array Value.
func NewArray() *Value { return &Value{kind: KindArray} }

// Kind returns the dynamic type of the value. Nil is null.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsObject reports whether the value is an object.
func (v *Value) IsObject() bool { return v.Kind() == KindObject }

// IsNull reports whether the value is the null sentinel.
func (v *Value) IsNull() bool { return v.Kind() == KindNull }

// IsMember reports whether an object has a member with the given name.
func (v *Value) IsMember(name string) bool {
	if v == nil || v.kind != KindObject {
		return false
	}
	_, ok := v.members[name]
	return ok
}

// Get returns the named member, or nil if absent. Never vivifies.
func (v *Value) Get(name string) *Value {
	if v == nil || v.kind != KindObject {
		return nil
	}
	return v.members[name]
}

// Member returns the named member, creating a null member (and converting
// a null value into an object) when it does not exist yet.
func (v *Value) Member(name string) *Value {
	if v.kind == KindNull {
		v.kind = KindObject
		v.members = map[string]*Value{}
	}
	if v.kind != KindObject {
		return &Value{}
	}
	m, ok := v.members[name]
	if !ok {
		m = &Value{}
		v.members[name] = m
		v.order = append(v.order, name)
		v.packed = nil
	}
	return m
}

// Set stores child as the named member, keeping insertion order for new names.
func (v *Value) Set(name string, child *Value) {
	m := v.Member(name)
	*m = *child
	v.packed = nil
}

// SetInt sets the named member to an integer.
func (v *Value) SetInt(name string, n int64) { v.Set(name, NewInt(n)) }

// SetString sets the named member to a string.
func (v *Value) SetString(name, s string) { v.Set(name, NewString(s)) }

// SetStringBytes sets the named member to a binary string, taking ownership of b.
func (v *Value) SetStringBytes(name string, b []byte) { v.Set(name, NewStringBytes(b)) }

// SetBool sets the named member to a boolean.
func (v *Value) SetBool(name string, b bool) { v.Set(name, NewBool(b)) }

// RemoveMember deletes the named member if present.
func (v *Value) RemoveMember(name string) {
	if v == nil || v.kind != KindObject {
		return
	}
	if _, ok := v.members[name]; !ok {
		return
	}
	delete(v.members, name)
	for i, n := range v.order {
		if n == name {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	v.packed = nil
}

// Keys returns the object's member names in insertion order.
func (v *Value) Keys() []string {
	if v == nil || v.kind != KindObject {
		return nil
	}
	return v.order
}

// Append adds child to the end of an array, converting a null value into
// an array first.
func (v *Value) Append(child *Value) {
	if v.kind == KindNull {
		v.kind = KindArray
	}
	if v.kind != KindArray {
		return
	}
	v.arr = append(v.arr, child)
	v.packed = nil
}

// Index returns the i-th array element, or nil when out of range.
func (v *Value) Index(i int) *Value {
	if v == nil || v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return nil
	}
	return v.arr[i]
}

// Shrink drops elements from the front of an array until at most n remain.
// The front holds the oldest entries in every array the DTSC engine keeps,
// so this is the eviction direction for sliding-window metadata.
func (v *Value) Shrink(n int) {
	if v == nil || v.kind != KindArray || n < 0 {
		return
	}
	if len(v.arr) > n {
		v.arr = append([]*Value(nil), v.arr[len(v.arr)-n:]...)
		v.packed = nil
	}
}

// Size returns the number of members or elements, or 0 for scalars.
func (v *Value) Size() int {
	switch v.Kind() {
	case KindObject:
		return len(v.members)
	case KindArray:
		return len(v.arr)
	default:
		return 0
	}
}

// AsInt returns the value as an integer. Booleans convert to 0/1.
func (v *Value) AsInt() int64 {
	switch v.Kind() {
	case KindInteger:
		return v.num
	case KindBool:
		if v.boolean {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// AsBool returns the value as a boolean. Nonzero integers are true.
func (v *Value) AsBool() bool {
	switch v.Kind() {
	case KindBool:
		return v.boolean
	case KindInteger:
		return v.num != 0
	default:
		return false
	}
}

// AsString returns the value as a string.
func (v *Value) AsString() string {
	if v.Kind() != KindString {
		return ""
	}
	return string(v.str)
}

// Bytes returns the raw bytes of a string value without copying.
func (v *Value) Bytes() []byte {
	if v.Kind() != KindString {
		return nil
	}
	return v.str
}

// Null resets the value to the null sentinel, releasing all children.
func (v *Value) Null() {
	*v = Value{}
}

// Clone returns a deep copy of the value. The packed cache is not carried over.
func (v *Value) Clone() *Value {
	if v == nil {
		return &Value{}
	}
	c := &Value{kind: v.kind, num: v.num, boolean: v.boolean}
	if v.str != nil {
		c.str = append([]byte(nil), v.str...)
	}
	if v.kind == KindObject {
		c.members = make(map[string]*Value, len(v.members))
		c.order = append([]string(nil), v.order...)
		for _, name := range v.order {
			c.members[name] = v.members[name].Clone()
		}
	}
	if v.kind == KindArray {
		c.arr = make([]*Value, len(v.arr))
		for i, e := range v.arr {
			c.arr[i] = e.Clone()
		}
	}
	return c
}

// Equal reports deep equality. Object member order is not significant, and
// booleans compare equal to the integers they encode as on the wire.
func (v *Value) Equal(o *Value) bool {
	vk, ok := v.Kind(), o.Kind()
	if (vk == KindInteger || vk == KindBool) && (ok == KindInteger || ok == KindBool) {
		return v.AsInt() == o.AsInt()
	}
	if vk != ok {
		return false
	}
	switch v.Kind() {
	case KindNull:
		return true
	case KindString:
		return bytes.Equal(v.str, o.str)
	case KindObject:
		if len(v.members) != len(o.members) {
			return false
		}
		for name, m := range v.members {
			om, ok := o.members[name]
			if !ok || !m.Equal(om) {
				return false
			}
		}
		return true
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
	}
	return false
}
