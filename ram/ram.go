// Package ram implements the relational-algebra machine program that
// programs are lowered to: relations, terms, formulae, operations, and the
// flat statement sequence the VM interprets.
package ram

import (
	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/reduce"
	"github.com/rhizomedb/rhizome-go/value"
)

// Version names one of the three physical partitions semi-naive evaluation
// keeps per relation within a recursive stratum.
type Version uint8

const (
	Total Version = iota
	Delta
	New
)

func (v Version) String() string {
	switch v {
	case Total:
		return "total"
	case Delta:
		return "delta"
	case New:
		return "new"
	default:
		return "unknown"
	}
}

// Relation names a (RelationId, Version) physical partition.
type Relation struct {
	Id      ident.RelationId
	Version Version
}

func NewRelation(id ident.RelationId, v Version) Relation { return Relation{Id: id, Version: v} }

// Term is a value fed into a Formula or Project attribute list: a literal,
// a column or source CID read from a bound Search alias, or the result of
// an enclosing Aggregation.
type Term interface {
	isTerm()
}

// Literal is a constant term.
type Literal struct {
	Val value.Value
}

func (Literal) isTerm() {}

// Attribute reads column Col of the tuple currently bound to (Relation,
// Alias) within an enclosing Search.
type Attribute struct {
	Col      ident.ColId
	Relation ident.RelationId
	Alias    *ident.AliasId
}

func (Attribute) isTerm() {}

// SourceCid reads the content identifier recorded on the tuple currently
// bound to (Relation, Alias), the value a Predicate's CID binding resolves
// against.
type SourceCid struct {
	Relation ident.RelationId
	Alias    *ident.AliasId
}

func (SourceCid) isTerm() {}

func aliasEqual(a, b *ident.AliasId) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Equal reports whether two Attributes name the same bound column.
func (a Attribute) Equal(other Attribute) bool {
	return a.Col == other.Col && a.Relation == other.Relation && aliasEqual(a.Alias, other.Alias)
}

// Agg reads the result bound by an enclosing Aggregation operation.
type Agg struct {
	Target ident.VarId
}

func (Agg) isTerm() {}

// Formula is a boolean condition attached to a Search, evaluated against
// the tuple the Search alias is currently bound to.
type Formula interface {
	isFormula()
}

// Equality requires Left and Right to resolve to equal values.
type Equality struct {
	Left  Term
	Right Term
}

func (Equality) isFormula() {}

// NotIn requires that no tuple in Relation match every (column, term)
// pair in Attributes: the per-predicate-satisfaction-point attachment of a
// Negation body term.
type NotIn struct {
	Attributes []AttrBinding
	Relation   Relation
}

func (NotIn) isFormula() {}

// AttrBinding pairs a column with the term bound to it, used by NotIn and
// Project.
type AttrBinding struct {
	Col  ident.ColId
	Term Term
}

// Operation is one node of the per-rewrite operation tree: a nested
// sequence of Search/Aggregation filters terminating in a Project.
type Operation interface {
	isOperation()
}

// Search iterates every tuple of Relation, binds it to Alias, evaluates
// When against it, and for each tuple satisfying every formula, continues
// into Inner.
type Search struct {
	Relation Relation
	Alias    *ident.AliasId
	When     []Formula
	Inner    Operation
	// CidFilter, when set, is the literal CID a Predicate's cid binding
	// was constrained to. The VM consults the Blockstore with it before
	// scanning Relation, so a CID known not to back any pushed tuple
	// short-circuits the whole Search without a scan.
	CidFilter *value.CID
}

func (Search) isOperation() {}

// Aggregation groups Relation's tuples by Group's already-bound columns,
// folds Reducer over each group's Args, binds the result to Target, and
// continues into Inner.
type Aggregation struct {
	Target   ident.VarId
	Relation Relation
	Alias    *ident.AliasId
	Group    []AttrBinding
	Args     []Term
	Reducer  reduce.Reducer
	Inner    Operation
}

func (Aggregation) isOperation() {}

// Project materializes one tuple into Into from Attributes, resolved
// against whatever Search/Aggregation bindings are in scope.
type Project struct {
	Attributes []AttrBinding
	Into       Relation
}

func (Project) isOperation() {}

// Statement is one instruction of the flattened RAM program.
type Statement interface {
	isStatement()
}

// Insert runs Operation once per call to the enclosing stratum, inserting
// whatever tuples it projects into the destination relation.
type Insert struct {
	Operation Operation
}

func (Insert) isStatement() {}

// Merge copies every tuple of From into Into.
type Merge struct {
	From Relation
	Into Relation
}

func (Merge) isStatement() {}

// Swap exchanges the contents of Left and Right.
type Swap struct {
	Left  Relation
	Right Relation
}

func (Swap) isStatement() {}

// Purge empties Relation.
type Purge struct {
	Relation Relation
}

func (Purge) isStatement() {}

// Exit breaks out of the enclosing Loop once every relation in Relations
// is empty.
type Exit struct {
	Relations []Relation
}

func (Exit) isStatement() {}

// Loop repeats Body until an Exit statement within it fires.
type Loop struct {
	Body []Statement
}

func (Loop) isStatement() {}

// Sources declares the EDB relations a program reads from outside tuples
// pushed directly via the VM.
type Sources struct {
	Relations []ident.RelationId
}

func (Sources) isStatement() {}

// Sinks declares the IDB relations a program's results should be drained
// to once evaluation reaches its fixpoint.
type Sinks struct {
	Relations []ident.RelationId
}

func (Sinks) isStatement() {}

// Program is the full flattened RAM program, one stratum's statements
// after another in dependency order.
type Program struct {
	Statements []Statement
}

func NewProgram(statements []Statement) *Program { return &Program{Statements: statements} }
