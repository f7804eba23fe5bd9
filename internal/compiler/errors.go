package compiler

import "errors"

var (
	// ErrMissingContext is returned when a compilation has no question or no
	// schema to ground it on.
	ErrMissingContext = errors.New("missing question or schema")

	// ErrUnsafeOrEmptyQuery is returned when the guardrail rejects a compiled
	// query.
	ErrUnsafeOrEmptyQuery = errors.New("unsafe or empty query")
)
