// Package rherr defines the static and dynamic error codes surfaced by the
// builder, stratifier, lowerer, and VM.
package rherr

import (
	"fmt"

	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/value"
)

// Code identifies the kind of static or dynamic error: a builder,
// stratifier, or lowerer validation failure, a runtime invariant violation,
// or a blockstore I/O failure.
type Code string

const (
	AggregationBoundTarget   Code = "AggregationBoundTarget"
	ColumnValueTypeConflict  Code = "ColumnValueTypeConflict"
	ConflictingColumnBinding Code = "ConflictingColumnBinding"
	ContentAddressedIDB      Code = "ContentAddressedIDB"
	ProgramUnstratifiable    Code = "ProgramUnstratifiable"
	RuleUnknownColumn        Code = "RuleUnknownColumn"
	UnboundVariable          Code = "UnboundVariable"
	UnrecognizedColumnBinding Code = "UnrecognizedColumnBinding"
	ClauseNotRangeRestricted Code = "ClauseNotRangeRestricted"
	InternalError            Code = "InternalError"
	BlockstoreError          Code = "BlockstoreError"
)

// Error is the closed static/dynamic error type. The pipeline stops at the
// first one raised rather than collecting multiple.
type Error struct {
	Code     Code
	Relation ident.RelationId
	Col      ident.ColId
	Var      ident.VarId
	Expected value.ColType
	Got      any
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	switch e.Code {
	case ColumnValueTypeConflict:
		return fmt.Sprintf("%s: relation %s column %s: expected %s, got %v", e.Code, e.Relation, e.Col, e.Expected, e.Got)
	case ConflictingColumnBinding, UnrecognizedColumnBinding, RuleUnknownColumn:
		return fmt.Sprintf("%s: relation %s column %s", e.Code, e.Relation, e.Col)
	case ContentAddressedIDB:
		return fmt.Sprintf("%s: relation %s", e.Code, e.Relation)
	case UnboundVariable, AggregationBoundTarget:
		return fmt.Sprintf("%s: var %s", e.Code, e.Var)
	case ProgramUnstratifiable:
		return string(e.Code)
	case ClauseNotRangeRestricted:
		return fmt.Sprintf("%s: relation %s", e.Code, e.Relation)
	default:
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s", e.Code, e.Msg)
		}
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a minimal error with just a code and message, used for
// InternalError and BlockstoreError.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap constructs an InternalError/BlockstoreError carrying a cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}
