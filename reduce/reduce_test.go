package reduce_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rhizomedb/rhizome-go/reduce"
	"github.com/rhizomedb/rhizome-go/value"
)

func TestSumFoldsWithInitSeed(t *testing.T) {
	r := reduce.NewRegistry()
	sum, ok := r.Lookup("sum")
	require.True(t, ok)
	require.NotNil(t, sum.Init)

	acc := *sum.Init
	for _, n := range []int64{1, 2, 3} {
		var err error
		acc, err = sum.Step(acc, []value.Value{value.I64(n)})
		require.NoError(t, err)
	}
	got, ok := acc.AsI64()
	require.True(t, ok)
	require.Equal(t, int64(6), got)
}

func TestCountIgnoresArgs(t *testing.T) {
	r := reduce.NewRegistry()
	count, ok := r.Lookup("count")
	require.True(t, ok)

	acc := *count.Init
	for i := 0; i < 4; i++ {
		var err error
		acc, err = count.Step(acc, nil)
		require.NoError(t, err)
	}
	got, ok := acc.AsI64()
	require.True(t, ok)
	require.Equal(t, int64(4), got)
}

func TestMinSeedsFromFirstRow(t *testing.T) {
	r := reduce.NewRegistry()
	min, ok := r.Lookup("min")
	require.True(t, ok)
	require.Nil(t, min.Init)

	acc := value.I64(5)
	acc, err := min.Step(acc, []value.Value{value.I64(2)})
	require.NoError(t, err)
	got, _ := acc.AsI64()
	require.Equal(t, int64(2), got)

	acc, err = min.Step(acc, []value.Value{value.I64(9)})
	require.NoError(t, err)
	got, _ = acc.AsI64()
	require.Equal(t, int64(2), got)
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	r := reduce.NewRegistry()
	r.Register(reduce.Reducer{
		Name: "sum",
		Init: func() *value.Value { v := value.I64(100); return &v }(),
		Step: func(acc value.Value, args []value.Value) (value.Value, error) { return acc, nil },
	})
	sum, ok := r.Lookup("sum")
	require.True(t, ok)
	got, _ := sum.Init.AsI64()
	require.Equal(t, int64(100), got)
}
