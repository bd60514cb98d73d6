// Package lower translates a stratified logical program into a flat RAM
// program: one Insert per semi-naive rewrite of each rule, wrapped in the
// Purge/Loop/Merge/Swap/Exit scaffolding that drives a recursive stratum to
// its fixpoint.
package lower

import (
	"github.com/hashicorp/go-hclog"

	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/logic"
	"github.com/rhizomedb/rhizome-go/ram"
	"github.com/rhizomedb/rhizome-go/rherr"
	"github.com/rhizomedb/rhizome-go/stratify"
	"github.com/rhizomedb/rhizome-go/value"
)

// Option configures a ToRAM call. The zero value uses a no-op logger.
type Option func(*options)

type options struct {
	log hclog.Logger
}

// WithLogger observes per-rule semi-naive rewrite counts at Trace level.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) { o.log = l }
}

// ToRAM stratifies program and lowers every stratum in dependency order
// into a single flat RAM program, bracketed by a leading Sources statement
// (draining VM-pushed tuples into their declared EDB relations) and a
// trailing Sinks statement (draining every declared IDB relation into the
// VM's output queue). Sources/Sinks placement is a driver-level framing
// decision, separate from per-stratum lowering.
func ToRAM(program *logic.Program, opts ...Option) (*ram.Program, error) {
	o := &options{log: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(o)
	}

	strata, err := stratify.Stratify(program, stratify.WithLogger(o.log))
	if err != nil {
		return nil, err
	}

	var edb, idb []ident.RelationId
	for id, decl := range program.Declarations {
		if decl.Source == logic.Edb {
			edb = append(edb, id)
		} else {
			idb = append(idb, id)
		}
	}
	sortRelationIds(edb)
	sortRelationIds(idb)

	statements := []ram.Statement{ram.Sources{Relations: edb}}
	for _, stratum := range strata {
		lowered, err := lowerStratum(stratum, o)
		if err != nil {
			return nil, err
		}
		statements = append(statements, lowered...)
	}
	statements = append(statements, ram.Sinks{Relations: idb})

	return ram.NewProgram(statements), nil
}

func sortRelationIds(ids []ident.RelationId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func lowerStratum(stratum logic.Stratum, o *options) ([]ram.Statement, error) {
	var statements []ram.Statement

	if stratum.IsRecursive {
		for _, fact := range stratum.Facts() {
			statements = append(statements, lowerFact(fact, ram.Delta))
		}

		var dynamicRules, staticRules []logic.Rule
		for _, r := range stratum.Rules() {
			dynamic := false
			for _, p := range r.Predicates() {
				if stratum.Contains(p.Id()) {
					dynamic = true
					break
				}
			}
			if dynamic {
				dynamicRules = append(dynamicRules, r)
			} else {
				staticRules = append(staticRules, r)
			}
		}

		for _, r := range staticRules {
			lowered, err := lowerRule(r, stratum, ram.Total, o)
			if err != nil {
				return nil, err
			}
			statements = append(statements, lowered...)
		}

		staticHeads := make(map[ident.RelationId]bool)
		var staticHeadOrder []ident.RelationId
		for _, r := range staticRules {
			if !staticHeads[r.Head()] {
				staticHeads[r.Head()] = true
				staticHeadOrder = append(staticHeadOrder, r.Head())
			}
		}
		for _, rel := range staticHeadOrder {
			statements = append(statements, ram.Merge{
				From: ram.NewRelation(rel, ram.Total),
				Into: ram.NewRelation(rel, ram.Delta),
			})
		}

		var loopBody []ram.Statement
		for _, rel := range stratum.Relations {
			loopBody = append(loopBody, ram.Purge{Relation: ram.NewRelation(rel, ram.New)})
		}

		for _, r := range dynamicRules {
			lowered, err := lowerRule(r, stratum, ram.New, o)
			if err != nil {
				return nil, err
			}
			loopBody = append(loopBody, lowered...)
		}

		exitRelations := make([]ram.Relation, 0, len(stratum.Relations))
		for _, rel := range stratum.Relations {
			exitRelations = append(exitRelations, ram.NewRelation(rel, ram.New))
		}
		loopBody = append(loopBody, ram.Exit{Relations: exitRelations})

		for _, rel := range stratum.Relations {
			loopBody = append(loopBody,
				ram.Merge{From: ram.NewRelation(rel, ram.New), Into: ram.NewRelation(rel, ram.Total)},
				ram.Swap{Left: ram.NewRelation(rel, ram.New), Right: ram.NewRelation(rel, ram.Delta)},
			)
		}

		statements = append(statements, ram.Loop{Body: loopBody})
	} else {
		for _, fact := range stratum.Facts() {
			statements = append(statements, lowerFact(fact, ram.Total))
		}

		for _, r := range stratum.Rules() {
			lowered, err := lowerRule(r, stratum, ram.Total, o)
			if err != nil {
				return nil, err
			}
			statements = append(statements, lowered...)
		}
	}

	return statements, nil
}

func lowerFact(fact logic.Fact, version ram.Version) ram.Statement {
	attrs := make([]ram.AttrBinding, 0, len(fact.Args))
	for _, a := range logic.SortBindings(fact.Args) {
		attrs = append(attrs, ram.AttrBinding{Col: a.Col, Term: ram.Literal{Val: a.Val.Lit()}})
	}

	return ram.Insert{
		Operation: ram.Project{
			Attributes: attrs,
			Into:       ram.NewRelation(fact.Head(), version),
		},
	}
}

type termKind uint8

const (
	kindPredicate termKind = iota
	kindAggregation
)

type termMeta struct {
	kind        termKind
	predicate   logic.Predicate
	aggregation logic.Aggregation
	alias       *ident.AliasId
	bindings    map[ident.VarId]ram.Term
	isDynamic   bool
}

func cloneBindings(m map[ident.VarId]ram.Term) map[ident.VarId]ram.Term {
	out := make(map[ident.VarId]ram.Term, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// lowerRule builds the reverse-body-order Search/Aggregation tree and
// generates the 2^d-1 semi-naive rewrites of a rule (a single rewrite
// when d is 0): d is the number of
// positive predicates over relations of the current (recursive) stratum,
// and rewrite r's mask bit i selects Delta (1) or Total (0) for the i'th
// such predicate, walked in reverse body order.
func lowerRule(rule logic.Rule, stratum logic.Stratum, version ram.Version, o *options) ([]ram.Statement, error) {
	nextAlias := make(map[ident.RelationId]*ident.AliasId)
	bindings := make(map[ident.VarId]ram.Term)
	var metas []termMeta

	for _, term := range rule.Body {
		switch t := term.(type) {
		case logic.Predicate:
			alias := nextAlias[t.Id()]
			if alias == nil {
				a := ident.NewAliasId(0)
				nextAlias[t.Id()] = &a
			} else {
				n := alias.Next()
				nextAlias[t.Id()] = &n
			}

			for _, b := range logic.SortBindings(t.Bindings) {
				if !b.Val.IsVar() {
					continue
				}
				v := b.Val.Var()
				if _, ok := bindings[v.Id]; !ok {
					bindings[v.Id] = ram.Attribute{Col: b.Col, Relation: t.Id(), Alias: alias}
				}
			}
			if t.Cid != nil && t.Cid.IsVar() {
				v := t.Cid.Var()
				if _, ok := bindings[v.Id]; !ok {
					bindings[v.Id] = ram.SourceCid{Relation: t.Id(), Alias: alias}
				}
			}

			isDynamic := stratum.IsRecursive && stratum.Contains(t.Id())
			metas = append(metas, termMeta{
				kind:      kindPredicate,
				predicate: t,
				alias:     alias,
				bindings:  cloneBindings(bindings),
				isDynamic: isDynamic,
			})
		case logic.Aggregation:
			alias := nextAlias[t.Id()]
			if alias == nil {
				a := ident.NewAliasId(0)
				nextAlias[t.Id()] = &a
			} else {
				n := alias.Next()
				nextAlias[t.Id()] = &n
			}

			snapshot := cloneBindings(bindings)
			bindings[t.Target.Id] = ram.Agg{Target: t.Target.Id}

			metas = append(metas, termMeta{
				kind:        kindAggregation,
				aggregation: t,
				alias:       alias,
				bindings:    snapshot,
				isDynamic:   false,
			})
		case logic.Negation:
			continue
		}
	}

	projectionAttrs := make([]ram.AttrBinding, 0, len(rule.Args))
	for _, a := range logic.SortBindings(rule.Args) {
		if a.Val.IsVar() {
			term, ok := bindings[a.Val.Var().Id]
			if !ok {
				return nil, unboundVariableErr(a.Val.Var())
			}
			projectionAttrs = append(projectionAttrs, ram.AttrBinding{Col: a.Col, Term: term})
		} else {
			projectionAttrs = append(projectionAttrs, ram.AttrBinding{Col: a.Col, Term: ram.Literal{Val: a.Val.Lit()}})
		}
	}

	projection := ram.Project{Attributes: projectionAttrs, Into: ram.NewRelation(rule.Head(), version)}

	countOfDynamic := 0
	for _, m := range metas {
		if m.isDynamic {
			countOfDynamic++
		}
	}

	rewriteCount := 1
	if countOfDynamic > 0 {
		rewriteCount = (1 << countOfDynamic) - 1
	}
	o.log.Trace("lowering rule", "head", rule.Head(), "version", version.String(), "dynamic_predicates", countOfDynamic, "rewrites", rewriteCount)

	var statements []ram.Statement

	for offset := 0; offset < rewriteCount; offset++ {
		mask := (1 << countOfDynamic) - 1 - offset

		negations := append([]logic.Negation(nil), rule.Negations()...)
		var previous ram.Operation = projection
		i := 0

		for idx := len(metas) - 1; idx >= 0; idx-- {
			m := metas[idx]

			switch m.kind {
			case kindPredicate:
				p := m.predicate

				var formulae []ram.Formula
				for _, b := range logic.SortBindings(p.Bindings) {
					if !b.Val.IsVar() {
						formulae = append(formulae, ram.Equality{
							Left:  ram.Attribute{Col: b.Col, Relation: p.Id(), Alias: m.alias},
							Right: ram.Literal{Val: b.Val.Lit()},
						})
						continue
					}

					v := b.Val.Var()
					bound, ok := m.bindings[v.Id]
					if !ok {
						continue
					}
					if attr, isAttr := bound.(ram.Attribute); isAttr && attr.Relation == p.Id() && aliasEqual(attr.Alias, m.alias) {
						continue
					}
					formulae = append(formulae, ram.Equality{
						Left:  ram.Attribute{Col: b.Col, Relation: p.Id(), Alias: m.alias},
						Right: bound,
					})
				}

				var satisfied, unsatisfied []logic.Negation
				for _, n := range negations {
					ready := true
					for _, v := range n.Vars() {
						if _, ok := m.bindings[v.Id]; !ok {
							ready = false
							break
						}
					}
					if ready {
						satisfied = append(satisfied, n)
					} else {
						unsatisfied = append(unsatisfied, n)
					}
				}
				negations = unsatisfied

				for _, n := range satisfied {
					attrs := make([]ram.AttrBinding, 0, len(n.Bindings))
					for _, b := range logic.SortBindings(n.Bindings) {
						if b.Val.IsVar() {
							attrs = append(attrs, ram.AttrBinding{Col: b.Col, Term: m.bindings[b.Val.Var().Id]})
						} else {
							attrs = append(attrs, ram.AttrBinding{Col: b.Col, Term: ram.Literal{Val: b.Val.Lit()}})
						}
					}
					formulae = append(formulae, ram.NotIn{
						Attributes: attrs,
						Relation:   ram.NewRelation(n.Id(), ram.Total),
					})
				}

				var cidFilter *value.CID
				if p.Cid != nil {
					cidTerm := ram.SourceCid{Relation: p.Id(), Alias: m.alias}
					if p.Cid.IsVar() {
						v := p.Cid.Var()
						bound := m.bindings[v.Id]
						if sc, ok := bound.(ram.SourceCid); !(ok && sc.Relation == p.Id() && aliasEqual(sc.Alias, m.alias)) {
							formulae = append(formulae, ram.Equality{Left: cidTerm, Right: bound})
						}
					} else {
						c := p.Cid.CID()
						cidFilter = &c
						formulae = append(formulae, ram.Equality{
							Left:  cidTerm,
							Right: ram.Literal{Val: value.FromCID(c)},
						})
					}
				}

				pv := ram.Total
				if m.isDynamic && mask&(1<<i) != 0 {
					pv = ram.Delta
				}

				previous = ram.Search{
					Relation:  ram.NewRelation(p.Id(), pv),
					Alias:     m.alias,
					When:      formulae,
					Inner:     previous,
					CidFilter: cidFilter,
				}

				if m.isDynamic {
					i++
				}
			case kindAggregation:
				a := m.aggregation

				varToCol := make(map[ident.VarId]ident.ColId)
				var groupAttrs []ram.AttrBinding
				for _, b := range logic.SortBindings(a.Group) {
					if !b.Val.IsVar() {
						groupAttrs = append(groupAttrs, ram.AttrBinding{Col: b.Col, Term: ram.Literal{Val: b.Val.Lit()}})
						continue
					}
					v := b.Val.Var()
					if bound, ok := m.bindings[v.Id]; ok {
						groupAttrs = append(groupAttrs, ram.AttrBinding{Col: b.Col, Term: bound})
					} else {
						varToCol[v.Id] = b.Col
					}
				}

				argTerms := make([]ram.Term, 0, len(a.Args))
				for _, v := range a.Args {
					col, ok := varToCol[v.Id]
					if !ok {
						return nil, unboundVariableErr(v)
					}
					argTerms = append(argTerms, ram.Attribute{Col: col, Relation: a.Id(), Alias: m.alias})
				}

				previous = ram.Aggregation{
					Target:   a.Target.Id,
					Relation: ram.NewRelation(a.Id(), ram.Total),
					Alias:    m.alias,
					Group:    groupAttrs,
					Args:     argTerms,
					Reducer:  a.Reducer,
					Inner:    previous,
				}
			}
		}

		statements = append(statements, ram.Insert{Operation: previous})
	}

	return statements, nil
}

func aliasEqual(a, b *ident.AliasId) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func unboundVariableErr(v logic.Var) error {
	return &rherr.Error{Code: rherr.UnboundVariable, Var: v.Id}
}
