package tuple_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/tuple"
	"github.com/rhizomedb/rhizome-go/value"
)

func TestInputTupleCIDIsDeterministic(t *testing.T) {
	cols := map[ident.ColId]value.Value{
		"key": value.Str("a"),
		"val": value.I64(1),
	}

	t1, err := tuple.NewInputTuple("kv", cols, nil)
	require.NoError(t, err)

	t2, err := tuple.NewInputTuple("kv", cols, nil)
	require.NoError(t, err)

	require.True(t, t1.CID().Equal(t2.CID()))
}

func TestInputTupleCIDDiffersOnContent(t *testing.T) {
	a, err := tuple.NewInputTuple("kv", map[ident.ColId]value.Value{"key": value.Str("a")}, nil)
	require.NoError(t, err)

	b, err := tuple.NewInputTuple("kv", map[ident.ColId]value.Value{"key": value.Str("b")}, nil)
	require.NoError(t, err)

	require.False(t, a.CID().Equal(b.CID()))
}

func TestToEvacTuplesFlattensColumns(t *testing.T) {
	it, err := tuple.NewInputTuple("kv", map[ident.ColId]value.Value{
		"key": value.Str("greeting"),
		"val": value.Str("hello"),
	}, nil)
	require.NoError(t, err)

	evac := tuple.ToEvacTuples(it)
	require.Len(t, evac, 2)
	for _, e := range evac {
		require.Equal(t, tuple.RelationEvac, e.Relation)
		entity, ok := e.Col(tuple.ColEntity)
		require.True(t, ok)
		require.Equal(t, "kv", mustString(t, entity))
	}
}

func TestNewTupleCopiesColumnMap(t *testing.T) {
	cols := map[ident.ColId]value.Value{"key": value.Str("a"), "val": value.I64(1)}
	original := tuple.NewTuple("kv", cols)

	cols["val"] = value.I64(2)
	fresh := tuple.NewTuple("kv", map[ident.ColId]value.Value{"key": value.Str("a"), "val": value.I64(1)})

	if diff := cmp.Diff(fresh.Cols, original.Cols); diff != "" {
		t.Fatalf("mutating the caller's map affected the tuple (-want +got):\n%s", diff)
	}
}

func mustString(t *testing.T, v value.Value) string {
	t.Helper()
	s, ok := v.AsString()
	require.True(t, ok)
	return s
}

func TestToEvacTuplesEmitsLinksPerParent(t *testing.T) {
	parent, err := tuple.NewInputTuple("kv", map[ident.ColId]value.Value{"key": value.Str("p")}, nil)
	require.NoError(t, err)

	child, err := tuple.NewInputTuple("kv", map[ident.ColId]value.Value{"key": value.Str("c")}, []value.CID{parent.CID()})
	require.NoError(t, err)

	out := tuple.ToEvacTuples(child)

	var links int
	for _, t2 := range out {
		if t2.Relation == tuple.RelationLinks {
			links++
		}
	}
	require.Equal(t, 1, links)
}
