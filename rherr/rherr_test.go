package rherr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rhizomedb/rhizome-go/rherr"
)

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := rherr.Wrap(rherr.InternalError, "storage insert failed", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "storage insert failed")
}

func TestErrorMessageNamesRelationAndColumn(t *testing.T) {
	err := &rherr.Error{Code: rherr.UnrecognizedColumnBinding, Relation: "edge", Col: "nope"}
	require.Contains(t, err.Error(), "edge")
	require.Contains(t, err.Error(), "nope")
}
