// Package ident defines the identifier classes used throughout the engine:
// relation, column, variable, and alias identifiers, plus their equality
// and ordering.
package ident

import (
	"fmt"
	"sync/atomic"

	uuid "github.com/hashicorp/go-uuid"
)

// RelationId names a declared relation.
type RelationId string

// ColId names a column within a relation's schema.
type ColId string

// VarId is a globally unique variable identity. Two Vars in different rules
// are never accidentally equal, even if they share a surface name, because
// the builder mints a fresh VarId per variable occurrence group.
type VarId struct {
	id string
}

// varSeq backs VarId generation when uuid generation is unavailable (e.g. in
// constrained test environments); it never repeats within a process.
var varSeq uint64

// NewVarId mints a fresh, globally unique VarId.
func NewVarId() VarId {
	if s, err := uuid.GenerateUUID(); err == nil {
		return VarId{id: s}
	}
	n := atomic.AddUint64(&varSeq, 1)
	return VarId{id: fmt.Sprintf("varid-fallback-%d", n)}
}

func (v VarId) String() string { return v.id }

func (v VarId) Equal(other VarId) bool { return v.id == other.id }

func (v VarId) IsZero() bool { return v.id == "" }

// AliasId disambiguates repeated occurrences of the same relation within a
// single rule body. Aliases are assigned per-relation, starting at 0 and
// incrementing for each subsequent occurrence.
type AliasId struct {
	n int
}

// NewAliasId constructs the alias for the nth (0-indexed) occurrence.
func NewAliasId(n int) AliasId { return AliasId{n: n} }

// Next returns the alias for the occurrence following this one.
func (a AliasId) Next() AliasId { return AliasId{n: a.n + 1} }

func (a AliasId) Equal(other AliasId) bool { return a.n == other.n }

func (a AliasId) String() string { return fmt.Sprintf("#%d", a.n) }
