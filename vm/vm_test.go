package vm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rhizomedb/rhizome-go/blockstore"
	"github.com/rhizomedb/rhizome-go/builder"
	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/logic"
	"github.com/rhizomedb/rhizome-go/lower"
	"github.com/rhizomedb/rhizome-go/ram"
	"github.com/rhizomedb/rhizome-go/storage"
	"github.com/rhizomedb/rhizome-go/tuple"
	"github.com/rhizomedb/rhizome-go/value"
	"github.com/rhizomedb/rhizome-go/vm"
)

func buildTransitiveClosure(t *testing.T) (*ram.Program, map[ident.RelationId]*logic.Declaration) {
	t.Helper()

	pb := builder.New()
	_, err := pb.DeclareRelation("edge", []builder.ColumnDecl{
		{Id: "from", Typ: value.TI64},
		{Id: "to", Typ: value.TI64},
	}, logic.Edb)
	require.NoError(t, err)
	_, err = pb.DeclareRelation("reaches", []builder.ColumnDecl{
		{Id: "from", Typ: value.TI64},
		{Id: "to", Typ: value.TI64},
	}, logic.Idb)
	require.NoError(t, err)

	x := logic.NewVar(value.TI64)
	y := logic.NewVar(value.TI64)
	z := logic.NewVar(value.TI64)

	require.NoError(t, pb.Rule("reaches").
		Head(builder.BindVar("from", x), builder.BindVar("to", y)).
		Search("edge", builder.BindVar("from", x), builder.BindVar("to", y)).
		Build())

	require.NoError(t, pb.Rule("reaches").
		Head(builder.BindVar("from", x), builder.BindVar("to", y)).
		Search("reaches", builder.BindVar("from", x), builder.BindVar("to", z)).
		Search("edge", builder.BindVar("from", z), builder.BindVar("to", y)).
		Build())

	program, err := pb.Build()
	require.NoError(t, err)

	ramProgram, err := lower.ToRAM(program)
	require.NoError(t, err)

	return ramProgram, program.Declarations
}

func TestTransitiveClosureReachesFixpoint(t *testing.T) {
	ramProgram, decls := buildTransitiveClosure(t)

	store, err := storage.NewStore(decls)
	require.NoError(t, err)

	machine := vm.New(ramProgram, store, blockstore.NewMemStore())

	for _, e := range [][2]int64{{0, 1}, {1, 2}, {2, 3}} {
		machine.Push(tuple.NewTuple("edge", map[ident.ColId]value.Value{
			"from": value.I64(e[0]),
			"to":   value.I64(e[1]),
		}))
	}

	require.NoError(t, machine.Run())

	facts, err := store.All("reaches", ram.Total)
	require.NoError(t, err)
	require.Len(t, facts, 6) // 0-1,1-2,2-3,0-2,1-3,0-3

	seen := make(map[[2]int64]bool)
	for _, f := range facts {
		from, _ := f.Col("from")
		to, _ := f.Col("to")
		fi, _ := from.AsI64()
		ti, _ := to.AsI64()
		seen[[2]int64{fi, ti}] = true
	}
	require.True(t, seen[[2]int64{0, 3}])
	require.True(t, seen[[2]int64{1, 3}])
}

// Spec §8 Scenario F: pushing the same fact twice must not change the
// derived result, since relation storage dedups by full tuple equality.
func TestPushingDuplicateFactIsIdempotent(t *testing.T) {
	ramProgram, decls := buildTransitiveClosure(t)

	store, err := storage.NewStore(decls)
	require.NoError(t, err)

	machine := vm.New(ramProgram, store, blockstore.NewMemStore())

	edge := tuple.NewTuple("edge", map[ident.ColId]value.Value{
		"from": value.I64(0),
		"to":   value.I64(1),
	})
	machine.Push(edge)
	machine.Push(edge)

	require.NoError(t, machine.Run())

	facts, err := store.All("edge", ram.Total)
	require.NoError(t, err)
	require.Len(t, facts, 1)

	reaches, err := store.All("reaches", ram.Total)
	require.NoError(t, err)
	require.Len(t, reaches, 1)
}

// Spec §8 Scenario B: v holds every vertex mentioned by r; t is the
// transitive closure of r; tc holds every pair of vertices NOT related by
// t. Facts r = {(1,2),(2,3)} give tc = {(1,1),(2,2),(3,3),(2,1),(3,1),(3,2)}.
func buildStratifiedNegation(t *testing.T) (*ram.Program, map[ident.RelationId]*logic.Declaration) {
	t.Helper()

	pb := builder.New()
	cols := []builder.ColumnDecl{{Id: "r0", Typ: value.TI64}, {Id: "r1", Typ: value.TI64}}
	_, err := pb.DeclareRelation("r", cols, logic.Edb)
	require.NoError(t, err)
	_, err = pb.DeclareRelation("v", []builder.ColumnDecl{{Id: "v", Typ: value.TI64}}, logic.Idb)
	require.NoError(t, err)
	_, err = pb.DeclareRelation("t", []builder.ColumnDecl{{Id: "t0", Typ: value.TI64}, {Id: "t1", Typ: value.TI64}}, logic.Idb)
	require.NoError(t, err)
	_, err = pb.DeclareRelation("tc", []builder.ColumnDecl{{Id: "tc0", Typ: value.TI64}, {Id: "tc1", Typ: value.TI64}}, logic.Idb)
	require.NoError(t, err)

	x := logic.NewVar(value.TI64)
	y := logic.NewVar(value.TI64)
	z := logic.NewVar(value.TI64)
	w1 := logic.NewVar(value.TI64)
	w2 := logic.NewVar(value.TI64)

	require.NoError(t, pb.Rule("v").
		Head(builder.BindVar("v", x)).
		Search("r", builder.BindVar("r0", x), builder.BindVar("r1", w1)).
		Build())
	require.NoError(t, pb.Rule("v").
		Head(builder.BindVar("v", y)).
		Search("r", builder.BindVar("r0", w2), builder.BindVar("r1", y)).
		Build())

	require.NoError(t, pb.Rule("t").
		Head(builder.BindVar("t0", x), builder.BindVar("t1", y)).
		Search("r", builder.BindVar("r0", x), builder.BindVar("r1", y)).
		Build())
	require.NoError(t, pb.Rule("t").
		Head(builder.BindVar("t0", x), builder.BindVar("t1", y)).
		Search("t", builder.BindVar("t0", x), builder.BindVar("t1", z)).
		Search("r", builder.BindVar("r0", z), builder.BindVar("r1", y)).
		Build())

	require.NoError(t, pb.Rule("tc").
		Head(builder.BindVar("tc0", x), builder.BindVar("tc1", y)).
		Search("v", builder.BindVar("v", x)).
		Search("v", builder.BindVar("v", y)).
		Except("t", builder.BindVar("t0", x), builder.BindVar("t1", y)).
		Build())

	program, err := pb.Build()
	require.NoError(t, err)

	ramProgram, err := lower.ToRAM(program)
	require.NoError(t, err)

	return ramProgram, program.Declarations
}

func TestStratifiedNegationHoldsNonReachablePairs(t *testing.T) {
	ramProgram, decls := buildStratifiedNegation(t)

	store, err := storage.NewStore(decls)
	require.NoError(t, err)

	machine := vm.New(ramProgram, store, blockstore.NewMemStore())
	for _, e := range [][2]int64{{1, 2}, {2, 3}} {
		machine.Push(tuple.NewTuple("r", map[ident.ColId]value.Value{
			"r0": value.I64(e[0]),
			"r1": value.I64(e[1]),
		}))
	}

	require.NoError(t, machine.Run())

	facts, err := store.All("tc", ram.Total)
	require.NoError(t, err)

	seen := make(map[[2]int64]bool)
	for _, f := range facts {
		from, _ := f.Col("tc0")
		to, _ := f.Col("tc1")
		fi, _ := from.AsI64()
		ti, _ := to.AsI64()
		seen[[2]int64{fi, ti}] = true
	}

	want := [][2]int64{{1, 1}, {2, 2}, {3, 3}, {2, 1}, {3, 1}, {3, 2}}
	require.Len(t, facts, len(want))
	for _, w := range want {
		require.True(t, seen[w], "missing pair %v", w)
	}
}

// Spec §8 Scenario D: latestSibling holds the single root tuple with the
// lexicographically smallest CID among tuples sharing (store, key).
func TestAggregationMinPicksSmallestCID(t *testing.T) {
	pb := builder.New()
	_, err := pb.DeclareRelation("root", []builder.ColumnDecl{
		{Id: "cid", Typ: value.TCid},
		{Id: "store", Typ: value.TI64},
		{Id: "key", Typ: value.TString},
	}, logic.Idb)
	require.NoError(t, err)
	_, err = pb.DeclareRelation("latestSibling", []builder.ColumnDecl{
		{Id: "cid", Typ: value.TCid},
	}, logic.Idb)
	require.NoError(t, err)

	var cids []value.CID
	for _, seed := range []string{"one", "two", "three"} {
		it, err := tuple.NewInputTuple("seed", map[ident.ColId]value.Value{"seed": value.Str(seed)}, nil)
		require.NoError(t, err)
		cids = append(cids, it.CID())
	}
	minCID := cids[0]
	for _, c := range cids[1:] {
		if c.Compare(minCID) < 0 {
			minCID = c
		}
	}

	for _, c := range cids {
		require.NoError(t, pb.Fact("root",
			builder.Bind("cid", value.FromCID(c)),
			builder.Bind("store", value.I64(1)),
			builder.Bind("key", value.Str("k"))))
	}

	s := logic.NewVar(value.TI64)
	k := logic.NewVar(value.TString)
	c := logic.NewVar(value.TCid)

	require.NoError(t, pb.Rule("latestSibling").
		Head(builder.BindVar("cid", c)).
		Search("root", builder.BindVar("store", s), builder.BindVar("key", k)).
		GroupBy(c, "root", "min", []logic.Var{c},
			builder.BindVar("cid", c), builder.BindVar("store", s), builder.BindVar("key", k)).
		Build())

	program, err := pb.Build()
	require.NoError(t, err)

	ramProgram, err := lower.ToRAM(program)
	require.NoError(t, err)

	store, err := storage.NewStore(program.Declarations)
	require.NoError(t, err)

	machine := vm.New(ramProgram, store, blockstore.NewMemStore())
	require.NoError(t, machine.Run())

	facts, err := store.All("latestSibling", ram.Total)
	require.NoError(t, err)
	require.Len(t, facts, 1)

	got, ok := facts[0].Col("cid")
	require.True(t, ok)
	gotCID, ok := got.AsCID()
	require.True(t, ok)
	require.True(t, gotCID.Equal(minCID))
}

// Spec §8 Scenario E: a predicate's CID binding captures the source
// InputTuple's content identifier, not just its column values.
func TestContentAddressedSearchBindsSourceCID(t *testing.T) {
	pb := builder.New()
	_, err := pb.DeclareRelation("evac", []builder.ColumnDecl{
		{Id: "entity", Typ: value.TString},
		{Id: "attribute", Typ: value.TString},
		{Id: "value", Typ: value.TAny},
	}, logic.Edb)
	require.NoError(t, err)
	_, err = pb.DeclareRelation("set", []builder.ColumnDecl{
		{Id: "cid", Typ: value.TCid},
		{Id: "entity", Typ: value.TString},
		{Id: "attribute", Typ: value.TString},
		{Id: "value", Typ: value.TAny},
	}, logic.Idb)
	require.NoError(t, err)

	cidVar := logic.NewVar(value.TCid)
	eVar := logic.NewVar(value.TString)
	aVar := logic.NewVar(value.TString)
	vVar := logic.NewVar(value.TAny)

	require.NoError(t, pb.Rule("set").
		Head(builder.BindVar("cid", cidVar), builder.BindVar("entity", eVar),
			builder.BindVar("attribute", aVar), builder.BindVar("value", vVar)).
		SearchCid("evac", logic.CidVar(cidVar),
			builder.BindVar("entity", eVar), builder.BindVar("attribute", aVar), builder.BindVar("value", vVar)).
		Build())

	program, err := pb.Build()
	require.NoError(t, err)

	ramProgram, err := lower.ToRAM(program)
	require.NoError(t, err)

	store, err := storage.NewStore(program.Declarations)
	require.NoError(t, err)

	bs := blockstore.NewMemStore()
	machine := vm.New(ramProgram, store, bs)

	cols := map[ident.ColId]value.Value{
		"entity":    value.Str("store"),
		"attribute": value.Str("key"),
		"value":     value.Str("val"),
	}
	it, err := tuple.NewInputTuple("evac", cols, nil)
	require.NoError(t, err)
	require.NoError(t, bs.Put(it))

	machine.Push(tuple.NewTuple("evac", cols).WithSource(it.CID()))

	require.NoError(t, machine.Run())

	facts, err := store.All("set", ram.Total)
	require.NoError(t, err)
	require.Len(t, facts, 1)

	got, ok := facts[0].Col("cid")
	require.True(t, ok)
	gotCID, ok := got.AsCID()
	require.True(t, ok)
	require.True(t, gotCID.Equal(it.CID()))
}
