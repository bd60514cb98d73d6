// Package builder implements the typed program builder: the only way to
// construct a logic.Program, performing bound-variable tracking, column
// type unification, and range restriction as each clause is added.
package builder

import (
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/logic"
	"github.com/rhizomedb/rhizome-go/reduce"
	"github.com/rhizomedb/rhizome-go/rherr"
	"github.com/rhizomedb/rhizome-go/value"
)

// ColumnDecl declares one column of a relation being registered with the
// program builder.
type ColumnDecl struct {
	Id  ident.ColId
	Typ value.ColType
}

// ProgramBuilder accumulates relation declarations and clauses into a
// logic.Program. It stops at the first error rather than collecting
// multiple.
type ProgramBuilder struct {
	decls    map[ident.RelationId]*logic.Declaration
	clauses  []logic.Clause
	reducers *reduce.Registry
	log      hclog.Logger
}

// New constructs an empty ProgramBuilder. extra supplies any
// application-specific reducers beyond the built-ins (min/max/sum/count).
// Logging defaults to a no-op logger; chain WithLogger to observe
// declaration and Build() decisions at Trace/Debug level.
func New(extra ...reduce.Reducer) *ProgramBuilder {
	return &ProgramBuilder{
		decls:    make(map[ident.RelationId]*logic.Declaration),
		reducers: reduce.NewRegistry(extra...),
		log:      hclog.NewNullLogger(),
	}
}

// WithLogger attaches l to the builder, replacing the default no-op
// logger, and returns b for chaining alongside DeclareRelation/Rule/Fact.
func (b *ProgramBuilder) WithLogger(l hclog.Logger) *ProgramBuilder {
	b.log = l
	return b
}

// DeclareRelation registers id's schema and EDB/IDB classification. It is
// an error to declare the same relation twice.
func (b *ProgramBuilder) DeclareRelation(id ident.RelationId, cols []ColumnDecl, source logic.Source) (*logic.Declaration, error) {
	if _, exists := b.decls[id]; exists {
		return nil, rherr.New(rherr.InternalError, "relation already declared: "+string(id))
	}

	decl := &logic.Declaration{Id: id, Source: source}
	for _, c := range cols {
		decl.Cols = append(decl.Cols, logic.ColumnDecl{Id: c.Id, Typ: c.Typ})
	}
	b.decls[id] = decl
	b.log.Trace("declared relation", "relation", id, "source", source.String(), "cols", len(decl.Cols))
	return decl, nil
}

// Relation looks up a previously declared relation.
func (b *ProgramBuilder) Relation(id ident.RelationId) (*logic.Declaration, bool) {
	d, ok := b.decls[id]
	return d, ok
}

// Binding is a (column, value-or-variable) pair supplied when referencing
// a relation from a Fact, Predicate, Negation, or Aggregation.
type Binding struct {
	Col ident.ColId
	Val logic.ColVal
}

func Bind(col ident.ColId, v value.Value) Binding { return Binding{Col: col, Val: logic.Lit(v)} }
func BindVar(col ident.ColId, v logic.Var) Binding { return Binding{Col: col, Val: logic.Binding(v)} }

func toColBindings(bs []Binding) []logic.ColBinding {
	out := make([]logic.ColBinding, 0, len(bs))
	for _, b := range bs {
		out = append(out, logic.ColBinding{Col: b.Col, Val: b.Val})
	}
	return out
}

// checkBindings validates bindings against relation's schema, mirroring
// RelPredicateBuilder::finalize / AggregationBuilder::finalize: every
// column must exist and appear at most once, and every value/variable
// must type-check or unify against its column's declared type. bound is
// the rule-wide bound-variable map, threaded through and updated here.
func checkBindings(relation *logic.Declaration, bs []Binding, bound map[ident.VarId]value.ColType) ([]logic.ColBinding, error) {
	seen := make(map[ident.ColId]bool, len(bs))
	out := make([]logic.ColBinding, 0, len(bs))

	for _, b := range bs {
		col, ok := relation.GetCol(b.Col)
		if !ok {
			return nil, &rherr.Error{Code: rherr.UnrecognizedColumnBinding, Relation: relation.Id, Col: b.Col}
		}
		if seen[b.Col] {
			return nil, &rherr.Error{Code: rherr.ConflictingColumnBinding, Relation: relation.Id, Col: b.Col}
		}
		seen[b.Col] = true

		if b.Val.IsVar() {
			v := b.Val.Var()
			unified, err := col.Typ.Unify(v.Typ)
			if err != nil {
				return nil, &rherr.Error{Code: rherr.ColumnValueTypeConflict, Relation: relation.Id, Col: b.Col, Expected: col.Typ, Got: v.Typ}
			}
			bound[v.Id] = unified
		} else {
			if err := col.Typ.Check(b.Val.Lit()); err != nil {
				return nil, &rherr.Error{Code: rherr.ColumnValueTypeConflict, Relation: relation.Id, Col: b.Col, Expected: col.Typ, Got: b.Val.Lit()}
			}
		}

		out = append(out, logic.ColBinding{Col: b.Col, Val: b.Val})
	}

	return out, nil
}

// RuleBuilder accumulates one rule's head bindings and body terms.
type RuleBuilder struct {
	pb       *ProgramBuilder
	head     *logic.Declaration
	headArgs []Binding
	body     []logic.BodyTerm
	bound    map[ident.VarId]value.ColType
	err      error
}

// Rule starts building a rule deriving head.
func (b *ProgramBuilder) Rule(head ident.RelationId) *RuleBuilder {
	rb := &RuleBuilder{pb: b, bound: make(map[ident.VarId]value.ColType)}
	decl, ok := b.decls[head]
	if !ok {
		rb.err = rherr.New(rherr.InternalError, "undeclared relation: "+string(head))
		return rb
	}
	if decl.Source != logic.Idb {
		rb.err = rherr.New(rherr.InternalError, "rule head must be an IDB relation: "+string(head))
		return rb
	}
	rb.head = decl
	return rb
}

// Head sets the rule's head (projection) bindings.
func (r *RuleBuilder) Head(bindings ...Binding) *RuleBuilder {
	r.headArgs = bindings
	return r
}

// Search adds a positive predicate reading relation id, constrained by
// bindings, to the rule's body.
func (r *RuleBuilder) Search(id ident.RelationId, bindings ...Binding) *RuleBuilder {
	return r.search(id, nil, bindings)
}

// SearchCid adds a positive predicate over an EDB relation, additionally
// constraining (or capturing, if cid is a fresh variable) the source
// tuple's content identifier.
func (r *RuleBuilder) SearchCid(id ident.RelationId, cid logic.CidValue, bindings ...Binding) *RuleBuilder {
	return r.search(id, &cid, bindings)
}

func (r *RuleBuilder) search(id ident.RelationId, cid *logic.CidValue, bindings []Binding) *RuleBuilder {
	if r.err != nil {
		return r
	}
	decl, ok := r.pb.decls[id]
	if !ok {
		r.err = rherr.New(rherr.InternalError, "undeclared relation: "+string(id))
		return r
	}
	if cid != nil {
		if decl.Source != logic.Edb {
			r.err = &rherr.Error{Code: rherr.ContentAddressedIDB, Relation: id}
			return r
		}
		if cid.IsVar() {
			r.bound[cid.Var().Id] = value.TCid
		}
	}

	cols, err := checkBindings(decl, bindings, r.bound)
	if err != nil {
		r.err = err
		return r
	}

	r.body = append(r.body, logic.Predicate{Relation: decl, Cid: cid, Bindings: cols})
	return r
}

// Except adds a negated occurrence of relation id to the rule's body.
// Every variable referenced must already be bound by an earlier positive
// term (range restriction is checked at Build()).
func (r *RuleBuilder) Except(id ident.RelationId, bindings ...Binding) *RuleBuilder {
	if r.err != nil {
		return r
	}
	decl, ok := r.pb.decls[id]
	if !ok {
		r.err = rherr.New(rherr.InternalError, "undeclared relation: "+string(id))
		return r
	}

	// Negation bindings must already be bound; use a throwaway copy of
	// `bound` so a negation can't itself introduce a binding.
	scratch := make(map[ident.VarId]value.ColType, len(r.bound))
	for k, v := range r.bound {
		scratch[k] = v
	}
	cols, err := checkBindings(decl, bindings, scratch)
	if err != nil {
		r.err = err
		return r
	}
	for _, b := range bindings {
		if b.Val.IsVar() {
			if _, ok := r.bound[b.Val.Var().Id]; !ok {
				r.err = &rherr.Error{Code: rherr.UnboundVariable, Var: b.Val.Var().Id}
				return r
			}
		}
	}

	r.body = append(r.body, logic.Negation{Relation: decl, Bindings: cols})
	return r
}

// GroupBy adds an aggregation body term: target is bound to the result of
// folding reducerName over relation id's tuples matching bindings, grouped
// by whichever bound variables appear in bindings.
func (r *RuleBuilder) GroupBy(target logic.Var, id ident.RelationId, reducerName string, args []logic.Var, bindings ...Binding) *RuleBuilder {
	if r.err != nil {
		return r
	}
	if _, bound := r.bound[target.Id]; bound {
		r.err = &rherr.Error{Code: rherr.AggregationBoundTarget, Var: target.Id}
		return r
	}
	reducer, ok := r.pb.reducers.Lookup(reducerName)
	if !ok {
		r.err = rherr.New(rherr.InternalError, "unknown reducer: "+reducerName)
		return r
	}
	decl, ok := r.pb.decls[id]
	if !ok {
		r.err = rherr.New(rherr.InternalError, "undeclared relation: "+string(id))
		return r
	}

	scratch := make(map[ident.VarId]value.ColType, len(r.bound))
	for k, v := range r.bound {
		scratch[k] = v
	}
	cols, err := checkBindings(decl, bindings, scratch)
	if err != nil {
		r.err = err
		return r
	}

	r.bound[target.Id] = target.Typ
	r.body = append(r.body, logic.Aggregation{Target: target, Relation: decl, Group: cols, Args: args, Reducer: reducer})
	return r
}

// Build finalizes the rule: it checks the head is range-restricted (every
// variable it projects is bound somewhere in the body) and appends the
// rule to the owning ProgramBuilder.
func (r *RuleBuilder) Build() error {
	if r.err != nil {
		return r.err
	}

	// Check the head against a copy of `bound` so a head variable can't
	// count as bound just because the head itself mentions it.
	scratch := make(map[ident.VarId]value.ColType, len(r.bound))
	for k, v := range r.bound {
		scratch[k] = v
	}
	headCols, err := checkBindings(r.head, r.headArgs, scratch)
	if err != nil {
		return err
	}

	for _, a := range headCols {
		if a.Val.IsVar() {
			if _, ok := r.bound[a.Val.Var().Id]; !ok {
				return &rherr.Error{Code: rherr.ClauseNotRangeRestricted, Relation: r.head.Id}
			}
		}
	}
	if len(r.body) == 0 {
		return &rherr.Error{Code: rherr.ClauseNotRangeRestricted, Relation: r.head.Id}
	}

	r.pb.clauses = append(r.pb.clauses, logic.Rule{HeadRelation: r.head.Id, Args: headCols, Body: r.body})
	return nil
}

// Fact asserts a ground tuple for relation id. Every binding must be a
// literal: facts carry no variables.
func (b *ProgramBuilder) Fact(id ident.RelationId, bindings ...Binding) error {
	decl, ok := b.decls[id]
	if !ok {
		return rherr.New(rherr.InternalError, "undeclared relation: "+string(id))
	}

	bound := make(map[ident.VarId]value.ColType)
	cols, err := checkBindings(decl, bindings, bound)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if c.Val.IsVar() {
			return &rherr.Error{Code: rherr.RuleUnknownColumn, Relation: id, Col: c.Col}
		}
	}

	b.clauses = append(b.clauses, logic.Fact{HeadRelation: id, Args: cols})
	return nil
}

// Build freezes the accumulated declarations and clauses into a Program.
// Unlike the per-clause builders above, which stop at the first error,
// Build reports every relation-wiring problem it finds in one pass via
// go-multierror, since these are independent of one another and a caller
// fixing a program is better served seeing all of them at once.
func (b *ProgramBuilder) Build() (*logic.Program, error) {
	headed := make(map[ident.RelationId]bool, len(b.clauses))
	for _, c := range b.clauses {
		headed[c.Head()] = true
	}

	var result error
	for id, decl := range b.decls {
		switch decl.Source {
		case logic.Idb:
			if !headed[id] {
				result = multierror.Append(result, rherr.New(rherr.InternalError, "idb relation has no deriving rule: "+string(id)))
			}
		case logic.Edb:
			if headed[id] {
				result = multierror.Append(result, rherr.New(rherr.InternalError, "edb relation cannot be a rule head: "+string(id)))
			}
		}
	}
	if result != nil {
		b.log.Debug("build rejected", "error", result)
		return nil, result
	}

	b.log.Debug("build succeeded", "relations", len(b.decls), "clauses", len(b.clauses))
	return &logic.Program{Declarations: b.decls, Clauses: b.clauses}, nil
}
