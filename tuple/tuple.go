// Package tuple implements immutable input (EDB) and derived (IDB/VM I/O)
// facts, and the content-addressing of InputTuples.
package tuple

import (
	"sort"

	"github.com/fxamacker/cbor/v2"
	cid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/value"
)

// wireCol and wireTuple give the canonical, positional (array-shaped)
// CBOR encoding of an InputTuple's contents; struct fields are encoded in
// declaration order as a CBOR array via the "toarray" tag, so the wire
// form never depends on map key ordering.
type wireCol struct {
	_   struct{} `cbor:",toarray"`
	Col string
	Val []byte
}

type wireTuple struct {
	_        struct{} `cbor:",toarray"`
	Relation string
	Cols     []wireCol
	Links    [][]byte
}

func canonicalBytes(relation ident.RelationId, cols map[ident.ColId]value.Value, links []value.CID) ([]byte, error) {
	colIds := make([]ident.ColId, 0, len(cols))
	for c := range cols {
		colIds = append(colIds, c)
	}
	sort.Slice(colIds, func(i, j int) bool { return colIds[i] < colIds[j] })

	wireCols := make([]wireCol, 0, len(colIds))
	for _, c := range colIds {
		wireCols = append(wireCols, wireCol{Col: string(c), Val: cols[c].CanonicalBytes()})
	}

	wireLinks := make([][]byte, 0, len(links))
	for _, l := range links {
		wireLinks = append(wireLinks, l.Bytes())
	}

	wt := wireTuple{Relation: string(relation), Cols: wireCols, Links: wireLinks}

	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	return em.Marshal(wt)
}

// ComputeCID hashes the canonical encoding of (relation, cols, links) with
// SHA2-256 and wraps the result as a raw-codec CIDv1. Two semantically
// equal InputTuples always hash to the same CID.
func ComputeCID(relation ident.RelationId, cols map[ident.ColId]value.Value, links []value.CID) (value.CID, error) {
	b, err := canonicalBytes(relation, cols, links)
	if err != nil {
		return value.CID{}, err
	}

	mh, err := multihash.Sum(b, multihash.SHA2_256, -1)
	if err != nil {
		return value.CID{}, err
	}

	return value.NewCID(cid.NewCidV1(cid.Raw, mh)), nil
}

// InputTuple is an immutable EDB fact: a relation, a column map, and an
// ordered list of parent CIDs recording its causal history.
type InputTuple struct {
	relation ident.RelationId
	cols     map[ident.ColId]value.Value
	links    []value.CID
	id       value.CID
}

// NewInputTuple constructs an InputTuple and eagerly computes its CID, so
// that CID() is a cheap accessor rather than a recomputation on every call.
func NewInputTuple(relation ident.RelationId, cols map[ident.ColId]value.Value, links []value.CID) (InputTuple, error) {
	colsCopy := make(map[ident.ColId]value.Value, len(cols))
	for k, v := range cols {
		colsCopy[k] = v
	}
	linksCopy := append([]value.CID(nil), links...)

	id, err := ComputeCID(relation, colsCopy, linksCopy)
	if err != nil {
		return InputTuple{}, err
	}

	return InputTuple{relation: relation, cols: colsCopy, links: linksCopy, id: id}, nil
}

func (t InputTuple) Relation() ident.RelationId { return t.relation }

func (t InputTuple) Cols() map[ident.ColId]value.Value { return t.cols }

func (t InputTuple) Col(id ident.ColId) (value.Value, bool) {
	v, ok := t.cols[id]
	return v, ok
}

func (t InputTuple) Links() []value.CID { return t.links }

func (t InputTuple) CID() value.CID { return t.id }

// Tuple is a derived (IDB) fact, or an EDB fact translated for VM
// consumption: a relation and a column map, with no links, plus an
// optional source CID recording which InputTuple it came from.
type Tuple struct {
	Relation ident.RelationId
	Cols     map[ident.ColId]value.Value
	Source   *value.CID
}

// NewTuple constructs a Tuple, copying the column map so the caller's map
// can be mutated afterwards without aliasing storage.
func NewTuple(relation ident.RelationId, cols map[ident.ColId]value.Value) Tuple {
	colsCopy := make(map[ident.ColId]value.Value, len(cols))
	for k, v := range cols {
		colsCopy[k] = v
	}
	return Tuple{Relation: relation, Cols: colsCopy}
}

// WithSource returns a copy of t carrying the given source CID.
func (t Tuple) WithSource(c value.CID) Tuple {
	t2 := t
	t2.Cols = make(map[ident.ColId]value.Value, len(t.Cols))
	for k, v := range t.Cols {
		t2.Cols[k] = v
	}
	t2.Source = &c
	return t2
}

func (t Tuple) Col(id ident.ColId) (value.Value, bool) {
	v, ok := t.Cols[id]
	return v, ok
}

// CanonicalKey is the byte key used for duplicate suppression in relation
// storage: two tuples collide under this key exactly when they agree on
// every column.
func (t Tuple) CanonicalKey() ([]byte, error) {
	return canonicalBytes(t.Relation, t.Cols, nil)
}

// Equal reports whether two tuples agree on relation and every column.
func (t Tuple) Equal(other Tuple) bool {
	if t.Relation != other.Relation || len(t.Cols) != len(other.Cols) {
		return false
	}
	for k, v := range t.Cols {
		ov, ok := other.Cols[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Entity/Attribute/Value column names used by the evac convention. This is
// a naming convention established by callers of ToEvacTuples, not a
// reserved name checked anywhere in logic, stratify, ram, lower, or vm.
const (
	ColEntity    ident.ColId = "entity"
	ColAttribute ident.ColId = "attribute"
	ColValue     ident.ColId = "value"
	ColFrom      ident.ColId = "from"
	ColTo        ident.ColId = "to"

	RelationEvac  ident.RelationId = "evac"
	RelationLinks ident.RelationId = "links"
)

// ToEvacTuples flattens an InputTuple with relation r and columns
// {c1:v1, ...} into one
// "evac" triple per column, (entity=r, attribute=ci, value=vi), plus one
// "links" tuple (from=this tuple's CID, to=pj) per parent link. This is a
// driver convenience, not part of the core VM/lowering contract.
func ToEvacTuples(it InputTuple) []Tuple {
	out := make([]Tuple, 0, len(it.cols)+len(it.links))

	entity := value.Str(string(it.relation))
	for col, val := range it.cols {
		out = append(out, NewTuple(RelationEvac, map[ident.ColId]value.Value{
			ColEntity:    entity,
			ColAttribute: value.Str(string(col)),
			ColValue:     val,
		}).WithSource(it.id))
	}

	for _, parent := range it.links {
		out = append(out, NewTuple(RelationLinks, map[ident.ColId]value.Value{
			ColFrom: value.FromCID(it.id),
			ColTo:   value.FromCID(parent),
		}).WithSource(it.id))
	}

	return out
}
