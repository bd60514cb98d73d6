package stratify_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/logic"
	"github.com/rhizomedb/rhizome-go/stratify"
	"github.com/rhizomedb/rhizome-go/value"
)

func decl(id ident.RelationId, source logic.Source, cols ...ident.ColId) *logic.Declaration {
	d := &logic.Declaration{Id: id, Source: source}
	for _, c := range cols {
		d.Cols = append(d.Cols, logic.ColumnDecl{Id: c, Typ: value.TI64})
	}
	return d
}

// v(v: X) :- r(r0: X, r1: Y).
// v(v: Y) :- r(r0: X, r1: Y).
// t(t0: X, t1: Y) :- r(r0: X, r1: Y).
// t(t0: X, t1: Y) :- t(t0: X, t1: Z), r(r0: Z, r1: Y).
// tc(tc0: X, tc1: Y) :- v(v: X), v(v: Y), !t(t0: X, t1: Y).
func buildTCProgram() *logic.Program {
	r := decl("r", logic.Edb, "r0", "r1")
	v := decl("v", logic.Idb, "v")
	tr := decl("t", logic.Idb, "t0", "t1")
	tc := decl("tc", logic.Idb, "tc0", "tc1")

	x := logic.NewVar(value.TI64)
	y := logic.NewVar(value.TI64)
	z := logic.NewVar(value.TI64)

	rPred := func(a, b logic.Var) logic.Predicate {
		return logic.Predicate{Relation: r, Bindings: []logic.ColBinding{
			{Col: "r0", Val: logic.Binding(a)},
			{Col: "r1", Val: logic.Binding(b)},
		}}
	}

	clauses := []logic.Clause{
		logic.Rule{HeadRelation: "v", Args: []logic.ColBinding{{Col: "v", Val: logic.Binding(x)}}, Body: []logic.BodyTerm{rPred(x, y)}},
		logic.Rule{HeadRelation: "v", Args: []logic.ColBinding{{Col: "v", Val: logic.Binding(y)}}, Body: []logic.BodyTerm{rPred(x, y)}},
		logic.Rule{HeadRelation: "t", Args: []logic.ColBinding{{Col: "t0", Val: logic.Binding(x)}, {Col: "t1", Val: logic.Binding(y)}}, Body: []logic.BodyTerm{rPred(x, y)}},
		logic.Rule{HeadRelation: "t", Args: []logic.ColBinding{{Col: "t0", Val: logic.Binding(x)}, {Col: "t1", Val: logic.Binding(y)}}, Body: []logic.BodyTerm{
			logic.Predicate{Relation: tr, Bindings: []logic.ColBinding{{Col: "t0", Val: logic.Binding(x)}, {Col: "t1", Val: logic.Binding(z)}}},
			rPred(z, y),
		}},
		logic.Rule{HeadRelation: "tc", Args: []logic.ColBinding{{Col: "tc0", Val: logic.Binding(x)}, {Col: "tc1", Val: logic.Binding(y)}}, Body: []logic.BodyTerm{
			logic.Predicate{Relation: v, Bindings: []logic.ColBinding{{Col: "v", Val: logic.Binding(x)}}},
			logic.Predicate{Relation: v, Bindings: []logic.ColBinding{{Col: "v", Val: logic.Binding(y)}}},
			logic.Negation{Relation: tr, Bindings: []logic.ColBinding{{Col: "t0", Val: logic.Binding(x)}, {Col: "t1", Val: logic.Binding(y)}}},
		}},
	}

	return &logic.Program{
		Declarations: map[ident.RelationId]*logic.Declaration{"r": r, "v": v, "t": tr, "tc": tc},
		Clauses:      clauses,
	}
}

func TestStratifyOrdersLeavesFirstAndMarksRecursion(t *testing.T) {
	strata, err := stratify.Stratify(buildTCProgram())
	require.NoError(t, err)
	require.Len(t, strata, 4)

	require.Equal(t, []ident.RelationId{"r"}, strata[0].Relations)
	require.False(t, strata[0].IsRecursive)

	require.Equal(t, []ident.RelationId{"v"}, strata[1].Relations)
	require.False(t, strata[1].IsRecursive)

	require.Equal(t, []ident.RelationId{"t"}, strata[2].Relations)
	require.True(t, strata[2].IsRecursive)

	require.Equal(t, []ident.RelationId{"tc"}, strata[3].Relations)
	require.False(t, strata[3].IsRecursive)
}

func TestUnstratifiableProgramIsRejected(t *testing.T) {
	tDecl := decl("t", logic.Edb, "t")
	p := decl("p", logic.Idb, "p")
	q := decl("q", logic.Idb, "q")

	x := logic.NewVar(value.TI64)

	program := &logic.Program{
		Declarations: map[ident.RelationId]*logic.Declaration{"t": tDecl, "p": p, "q": q},
		Clauses: []logic.Clause{
			logic.Rule{HeadRelation: "p", Args: []logic.ColBinding{{Col: "p", Val: logic.Binding(x)}}, Body: []logic.BodyTerm{
				logic.Predicate{Relation: tDecl, Bindings: []logic.ColBinding{{Col: "t", Val: logic.Binding(x)}}},
				logic.Negation{Relation: q, Bindings: []logic.ColBinding{{Col: "q", Val: logic.Binding(x)}}},
			}},
			logic.Rule{HeadRelation: "q", Args: []logic.ColBinding{{Col: "q", Val: logic.Binding(x)}}, Body: []logic.BodyTerm{
				logic.Predicate{Relation: tDecl, Bindings: []logic.ColBinding{{Col: "t", Val: logic.Binding(x)}}},
				logic.Negation{Relation: p, Bindings: []logic.ColBinding{{Col: "p", Val: logic.Binding(x)}}},
			}},
		},
	}

	_, err := stratify.Stratify(program)
	require.Error(t, err)
}
