// Package logic implements the frozen logical program AST produced by the
// builder and consumed by stratify/lower: declarations, facts, rules, and
// their body terms.
package logic

import (
	"sort"

	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/reduce"
	"github.com/rhizomedb/rhizome-go/value"
)

// Source distinguishes extensional relations (populated only by pushed
// facts/InputTuples) from intensional ones (populated only by rule
// derivation).
type Source uint8

const (
	Edb Source = iota
	Idb
)

func (s Source) String() string {
	if s == Edb {
		return "Edb"
	}
	return "Idb"
}

// ColumnDecl is one column of a relation's schema.
type ColumnDecl struct {
	Id  ident.ColId
	Typ value.ColType
}

// Declaration is a relation's schema plus its EDB/IDB classification.
type Declaration struct {
	Id     ident.RelationId
	Cols   []ColumnDecl
	Source Source
}

// GetCol looks up a column by id.
func (d *Declaration) GetCol(id ident.ColId) (ColumnDecl, bool) {
	for _, c := range d.Cols {
		if c.Id == id {
			return c, true
		}
	}
	return ColumnDecl{}, false
}

// Var is a logic variable: a stable identity plus the type it was unified
// to during building.
type Var struct {
	Id  ident.VarId
	Typ value.ColType
}

func NewVar(typ value.ColType) Var { return Var{Id: ident.NewVarId(), Typ: typ} }

// ColVal is either a literal value or a bound variable occurring in a
// predicate's, negation's, or fact's column bindings.
type ColVal struct {
	isVar bool
	lit   value.Value
	v     Var
}

func Lit(v value.Value) ColVal  { return ColVal{isVar: false, lit: v} }
func Binding(v Var) ColVal      { return ColVal{isVar: true, v: v} }
func (c ColVal) IsVar() bool    { return c.isVar }
func (c ColVal) Lit() value.Value { return c.lit }
func (c ColVal) Var() Var       { return c.v }

// ColBinding pairs a column id with the value/variable bound to it. Bindings
// are kept as an ordered slice (not a map) so that iteration order, and
// hence every generated RAM program, is deterministic independent of Go's
// randomized map order.
type ColBinding struct {
	Col ident.ColId
	Val ColVal
}

// SortBindings returns a copy of bindings sorted by column id.
func SortBindings(bindings []ColBinding) []ColBinding {
	out := append([]ColBinding(nil), bindings...)
	sort.Slice(out, func(i, j int) bool { return out[i].Col < out[j].Col })
	return out
}

// CidValue is either a bound variable or a literal CID, used to constrain
// or capture an EDB predicate's source tuple identity.
type CidValue struct {
	isVar bool
	v     Var
	c     value.CID
}

func CidVar(v Var) CidValue      { return CidValue{isVar: true, v: v} }
func CidLit(c value.CID) CidValue { return CidValue{isVar: false, c: c} }
func (c CidValue) IsVar() bool   { return c.isVar }
func (c CidValue) Var() Var      { return c.v }
func (c CidValue) CID() value.CID { return c.c }

// Predicate is a positive occurrence of a relation in a rule body.
type Predicate struct {
	Relation *Declaration
	Cid      *CidValue
	Bindings []ColBinding
}

func (p Predicate) Id() ident.RelationId { return p.Relation.Id }

// Negation is a negative occurrence of a relation in a rule body. Every
// variable it references must already be bound by an earlier positive
// term (range restriction).
type Negation struct {
	Relation *Declaration
	Bindings []ColBinding
}

func (n Negation) Id() ident.RelationId { return n.Relation.Id }

func (n Negation) Vars() []Var {
	var out []Var
	for _, b := range n.Bindings {
		if b.Val.IsVar() {
			out = append(out, b.Val.Var())
		}
	}
	return out
}

// Aggregation is an aggregation body term: it binds Target to the result
// of folding Reducer over the Args of every tuple in Relation matching
// Group, grouped by the variables that appear both in Group and are
// already bound outside the aggregation.
type Aggregation struct {
	Target   Var
	Relation *Declaration
	Group    []ColBinding
	Args     []Var
	Reducer  reduce.Reducer
}

func (a Aggregation) Id() ident.RelationId { return a.Relation.Id }

// BodyTerm is one term of a rule's body: a positive predicate, a negation,
// or an aggregation.
type BodyTerm interface {
	isBodyTerm()
}

func (Predicate) isBodyTerm()   {}
func (Negation) isBodyTerm()    {}
func (Aggregation) isBodyTerm() {}

// Polarity marks whether a dependency edge arises from a positive or
// negative/aggregation occurrence, used by stratify to reject cycles
// through negation.
type Polarity uint8

const (
	Positive Polarity = iota
	Negative
)

func (p Polarity) IsNegative() bool { return p == Negative }

// Dependency is one edge of the predicate dependency graph: clause head
// `From` depends on relation `To` with the given polarity.
type Dependency struct {
	From     ident.RelationId
	To       ident.RelationId
	Polarity Polarity
}

// Clause is a Fact or a Rule: anything that can derive tuples for its head
// relation.
type Clause interface {
	Head() ident.RelationId
	DependsOn() []Dependency
}

// Fact is a ground, literal-only clause: a directly asserted tuple with no
// body, lowering directly to a Project.
type Fact struct {
	HeadRelation ident.RelationId
	Args         []ColBinding
}

func (f Fact) Head() ident.RelationId    { return f.HeadRelation }
func (f Fact) DependsOn() []Dependency   { return nil }

// Rule derives tuples for Head by projecting Args whenever every term of
// Body is satisfied.
type Rule struct {
	HeadRelation ident.RelationId
	Args         []ColBinding
	Body         []BodyTerm
}

func (r Rule) Head() ident.RelationId { return r.HeadRelation }

// Predicates returns the rule's positive (non-negated, non-aggregation)
// body terms, in body order.
func (r Rule) Predicates() []Predicate {
	var out []Predicate
	for _, t := range r.Body {
		if p, ok := t.(Predicate); ok {
			out = append(out, p)
		}
	}
	return out
}

// Negations returns the rule's negated body terms, in body order.
func (r Rule) Negations() []Negation {
	var out []Negation
	for _, t := range r.Body {
		if n, ok := t.(Negation); ok {
			out = append(out, n)
		}
	}
	return out
}

// Aggregations returns the rule's aggregation body terms, in body order.
func (r Rule) Aggregations() []Aggregation {
	var out []Aggregation
	for _, t := range r.Body {
		if a, ok := t.(Aggregation); ok {
			out = append(out, a)
		}
	}
	return out
}

// DependsOn gives one dependency edge per distinct relation referenced in
// the body: positive for predicates, negative for negations and
// aggregations (an aggregation must read its whole input relation before
// producing any output, so it can never participate in a recursive
// stratum, exactly like negation).
func (r Rule) DependsOn() []Dependency {
	seen := make(map[ident.RelationId]Polarity)
	var order []ident.RelationId
	add := func(id ident.RelationId, pol Polarity) {
		if existing, ok := seen[id]; !ok {
			seen[id] = pol
			order = append(order, id)
		} else if pol == Negative && existing == Positive {
			seen[id] = Negative
		}
	}
	for _, t := range r.Body {
		switch b := t.(type) {
		case Predicate:
			add(b.Id(), Positive)
		case Negation:
			add(b.Id(), Negative)
		case Aggregation:
			add(b.Id(), Negative)
		}
	}
	deps := make([]Dependency, 0, len(order))
	for _, id := range order {
		deps = append(deps, Dependency{From: r.HeadRelation, To: id, Polarity: seen[id]})
	}
	return deps
}

// Stratum is one strongly connected component of the predicate dependency
// graph, in dependency order (leaves first).
type Stratum struct {
	Relations   []ident.RelationId
	Clauses     []Clause
	IsRecursive bool
}

// Contains reports whether id is one of this stratum's relations.
func (s Stratum) Contains(id ident.RelationId) bool {
	for _, r := range s.Relations {
		if r == id {
			return true
		}
	}
	return false
}

// Facts returns the stratum's ground clauses.
func (s Stratum) Facts() []Fact {
	var out []Fact
	for _, c := range s.Clauses {
		if f, ok := c.(Fact); ok {
			out = append(out, f)
		}
	}
	return out
}

// Rules returns the stratum's non-ground clauses.
func (s Stratum) Rules() []Rule {
	var out []Rule
	for _, c := range s.Clauses {
		if r, ok := c.(Rule); ok {
			out = append(out, r)
		}
	}
	return out
}

// Program is the frozen logical program: every declared relation and every
// clause that derives it.
type Program struct {
	Declarations map[ident.RelationId]*Declaration
	Clauses      []Clause
}
