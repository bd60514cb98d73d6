package ident_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rhizomedb/rhizome-go/ident"
)

func TestNewVarIdIsUnique(t *testing.T) {
	a := ident.NewVarId()
	b := ident.NewVarId()
	require.False(t, a.Equal(b))
	require.False(t, a.IsZero())
}

func TestAliasIdNextIncrements(t *testing.T) {
	a := ident.NewAliasId(0)
	b := a.Next()
	c := b.Next()

	require.True(t, a.Equal(ident.NewAliasId(0)))
	require.True(t, b.Equal(ident.NewAliasId(1)))
	require.True(t, c.Equal(ident.NewAliasId(2)))
	require.False(t, a.Equal(b))
}
