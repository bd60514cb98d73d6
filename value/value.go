// Package value implements the tagged Value sum type, the ColType lattice,
// and their unification/checking rules.
package value

import (
	"bytes"
	"fmt"

	cid "github.com/ipfs/go-cid"
)

// Tag identifies which variant of Value is populated.
type Tag uint8

const (
	TagBool Tag = iota
	TagI64
	TagString
	TagCid
	TagAny
)

func (t Tag) String() string {
	switch t {
	case TagBool:
		return "Bool"
	case TagI64:
		return "I64"
	case TagString:
		return "String"
	case TagCid:
		return "Cid"
	case TagAny:
		return "Any"
	default:
		return "Unknown"
	}
}

// CID is the stable, content-addressed identifier of an input tuple. It
// wraps github.com/ipfs/go-cid's Cid.
type CID struct {
	inner cid.Cid
}

// NewCID wraps a raw cid.Cid.
func NewCID(c cid.Cid) CID { return CID{inner: c} }

func (c CID) Raw() cid.Cid { return c.inner }

func (c CID) Bytes() []byte { return c.inner.Bytes() }

func (c CID) String() string { return c.inner.String() }

func (c CID) Equal(other CID) bool { return c.inner.Equals(other.inner) }

// Compare orders two CIDs by their byte representation.
func (c CID) Compare(other CID) int {
	return bytes.Compare(c.inner.Bytes(), other.inner.Bytes())
}

// Value is a tagged sum over {Bool, I64, String, Cid, Any}.
type Value struct {
	tag Tag
	b   bool
	i   int64
	s   string
	c   CID
}

func Bool(b bool) Value    { return Value{tag: TagBool, b: b} }
func I64(i int64) Value    { return Value{tag: TagI64, i: i} }
func Str(s string) Value   { return Value{tag: TagString, s: s} }
func FromCID(c CID) Value  { return Value{tag: TagCid, c: c} }

// Any is the wildcard value at the top of the value lattice.
var Any = Value{tag: TagAny}

func (v Value) Tag() Tag { return v.tag }

func (v Value) AsBool() (bool, bool)   { return v.b, v.tag == TagBool }
func (v Value) AsI64() (int64, bool)   { return v.i, v.tag == TagI64 }
func (v Value) AsString() (string, bool) { return v.s, v.tag == TagString }
func (v Value) AsCID() (CID, bool)     { return v.c, v.tag == TagCid }

func (v Value) String() string {
	switch v.tag {
	case TagBool:
		return fmt.Sprintf("%t", v.b)
	case TagI64:
		return fmt.Sprintf("%d", v.i)
	case TagString:
		return fmt.Sprintf("%q", v.s)
	case TagCid:
		return v.c.String()
	case TagAny:
		return "<any>"
	default:
		return "<invalid>"
	}
}

// Equal reports whether two values carry the same tag and payload.
func (v Value) Equal(other Value) bool {
	if v.tag != other.tag {
		return false
	}
	switch v.tag {
	case TagBool:
		return v.b == other.b
	case TagI64:
		return v.i == other.i
	case TagString:
		return v.s == other.s
	case TagCid:
		return v.c.Equal(other.c)
	case TagAny:
		return true
	default:
		return false
	}
}

// CanonicalBytes gives the deterministic encoding of a value's payload used
// by tuple.canonicalBytes to compute InputTuple CIDs and Tuple storage keys.
// The tag is the leading byte so that values of differing type never
// collide regardless of payload.
func (v Value) CanonicalBytes() []byte {
	switch v.tag {
	case TagBool:
		if v.b {
			return []byte{byte(TagBool), 1}
		}
		return []byte{byte(TagBool), 0}
	case TagI64:
		b := make([]byte, 9)
		b[0] = byte(TagI64)
		u := uint64(v.i) ^ (1 << 63)
		for i := 0; i < 8; i++ {
			b[1+i] = byte(u >> (56 - 8*i))
		}
		return b
	case TagString:
		b := make([]byte, 0, 1+len(v.s))
		b = append(b, byte(TagString))
		return append(b, v.s...)
	case TagCid:
		b := make([]byte, 0, 1+len(v.c.Bytes()))
		b = append(b, byte(TagCid))
		return append(b, v.c.Bytes()...)
	case TagAny:
		return []byte{byte(TagAny)}
	default:
		return nil
	}
}

// Compare gives a total order over values of the same tag, used by the min
// and max built-in reducers. Comparing across differing tags is an
// implementation error (the type system guarantees it never happens for a
// well-typed program) and returns 0.
func (v Value) Compare(other Value) int {
	if v.tag != other.tag {
		return 0
	}
	switch v.tag {
	case TagBool:
		if v.b == other.b {
			return 0
		}
		if !v.b {
			return -1
		}
		return 1
	case TagI64:
		switch {
		case v.i < other.i:
			return -1
		case v.i > other.i:
			return 1
		default:
			return 0
		}
	case TagString:
		return bytes.Compare([]byte(v.s), []byte(other.s))
	case TagCid:
		return v.c.Compare(other.c)
	default:
		return 0
	}
}

// ColType is one of the scalar column types, or Any.
type ColType uint8

const (
	TBool ColType = ColType(TagBool)
	TI64  ColType = ColType(TagI64)
	TString ColType = ColType(TagString)
	TCid  ColType = ColType(TagCid)
	TAny  ColType = ColType(TagAny)
)

func (t ColType) String() string { return Tag(t).String() }

// Check reports whether val is an acceptable value for a column declared
// with this type: it always succeeds for Any, and otherwise requires the
// value's tag to match exactly.
func (t ColType) Check(val Value) error {
	if t == TAny {
		return nil
	}
	if Tag(t) != val.tag {
		return fmt.Errorf("type mismatch: expected %s, got %s", t, val.tag)
	}
	return nil
}

// Unify implements commutative, associative unification with Any as
// identity: unify(a,b) = a if a=b; a if b=Any; b if a=Any; error
// otherwise.
func (t ColType) Unify(other ColType) (ColType, error) {
	if t == other {
		return t, nil
	}
	if other == TAny {
		return t, nil
	}
	if t == TAny {
		return other, nil
	}
	return 0, fmt.Errorf("cannot unify %s with %s", t, other)
}
