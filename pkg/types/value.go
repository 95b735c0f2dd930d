// Package types defines the dynamic property-bag entity model shared by
// every layer of the storage core: the entity store, the index manager, the
// pipeline, and the query engine all operate on these value types rather
// than on a static per-entity-type record layout.
package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Kind tags which branch of the Value sum type is populated.
type Kind uint8

const (
	KindBytes Kind = iota
	KindString
	KindInt
	KindDate
	KindReference
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindDate:
		return "date"
	case KindReference:
		return "reference"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// toplevelSentinel is substituted for the canonical encoding of an empty
// value, since the underlying key/value engine rejects zero-length keys.
const toplevelSentinel = "toplevel"

// Value is a tagged sum of the property types an entity may carry:
// {Bytes, String, Int, Date, Reference(uid), List<Value>}.
type Value struct {
	kind  Kind
	bytes []byte
	str   string
	num   int64
	date  time.Time
	ref   string
	list  []Value
}

func BytesValue(b []byte) Value  { return Value{kind: KindBytes, bytes: append([]byte(nil), b...)} }
func StringValue(s string) Value { return Value{kind: KindString, str: s} }
func IntValue(i int64) Value     { return Value{kind: KindInt, num: i} }
func DateValue(t time.Time) Value {
	return Value{kind: KindDate, date: t.UTC()}
}
func ReferenceValue(uid string) Value { return Value{kind: KindReference, ref: uid} }
func ListValue(items ...Value) Value  { return Value{kind: KindList, list: items} }

func (v Value) Kind() Kind        { return v.kind }
func (v Value) AsBytes() []byte   { return v.bytes }
func (v Value) AsString() string  { return v.str }
func (v Value) AsInt() int64      { return v.num }
func (v Value) AsDate() time.Time { return v.date }
func (v Value) AsReference() string {
	return v.ref
}
func (v Value) AsList() []Value { return v.list }

// IsEmpty reports whether the value encodes to the zero-length form that
// must bucket under the "toplevel" sentinel rather than an empty key.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindBytes:
		return len(v.bytes) == 0
	case KindString:
		return v.str == ""
	case KindReference:
		return v.ref == ""
	case KindList:
		return len(v.list) == 0
	default:
		return false
	}
}

// Canonical returns the canonical byte representation used as an index key:
// strings as UTF-8, byte arrays verbatim, dates as their latin1 ISO-8601
// form, references as their target UID, ints as fixed-width big-endian.
// Empty values return the "toplevel" sentinel bytes.
func (v Value) Canonical() []byte {
	if v.IsEmpty() {
		return []byte(toplevelSentinel)
	}
	switch v.kind {
	case KindBytes:
		return v.bytes
	case KindString:
		return []byte(v.str)
	case KindReference:
		return []byte(v.ref)
	case KindDate:
		return []byte(v.date.Format(time.RFC3339))
	case KindInt:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.num))
		return buf
	case KindList:
		// Lists are not indexed as a single composite key; Contains
		// filters canonicalize each element independently.
		return nil
	default:
		return nil
	}
}

// SortableDate encodes a date as big-endian (UINT_MAX - unixSeconds) so that
// ascending byte order over the encoding equals descending chronological
// order. Only valid for KindDate values.
func (v Value) SortableDate() ([]byte, error) {
	if v.kind != KindDate {
		return nil, fmt.Errorf("types: SortableDate called on non-date value (kind=%s)", v.kind)
	}
	secs := v.date.Unix()
	if secs < 0 || secs > math.MaxUint32 {
		return nil, fmt.Errorf("types: date %s out of range for sortable encoding", v.date)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(math.MaxUint32)-uint32(secs))
	return buf, nil
}

// Equal reports whether two values carry the same logical content,
// independent of how they will later be canonicalized.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindBytes:
		return string(v.bytes) == string(other.bytes)
	case KindString:
		return v.str == other.str
	case KindInt:
		return v.num == other.num
	case KindDate:
		return v.date.Equal(other.date)
	case KindReference:
		return v.ref == other.ref
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
