// Package query parses the pipeline query language into a SQL statement
// plus the raw render AST, synthesizing the integer `ui` template-index
// column for set-union queries that carry per-row templates.
package query

import "fmt"

// Pos is a 1-based line/column location in the source query, attached to
// every SyntaxError so callers can point at the offending token.
type Pos struct {
	Line, Col int
}

func (p Pos) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Col) }

// SyntaxError reports a malformed query at a specific location.
type SyntaxError struct {
	Pos     Pos
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %s: %s", e.Pos, e.Message)
}

// UnknownRelationError reports a `from`/`append`/`join` naming a relation
// absent from the schema registry.
type UnknownRelationError struct {
	Relation string
}

func (e *UnknownRelationError) Error() string {
	return fmt.Sprintf("unknown relation %q", e.Relation)
}

// UnionColumnMismatchError reports an `append` whose branches project
// incompatible column sets.
type UnionColumnMismatchError struct {
	Left, Right []string
}

func (e *UnionColumnMismatchError) Error() string {
	return fmt.Sprintf("union column mismatch: %v vs %v", e.Left, e.Right)
}

// RenderNotAllowedHereError reports `derive { ui = (render …) }` attached
// to a branch that does not read directly from a table relation (open
// question #2: treated as a compile error, not silently ignored).
type RenderNotAllowedHereError struct {
	Relation string
}

func (e *RenderNotAllowedHereError) Error() string {
	return fmt.Sprintf("render not allowed on non-table relation %q", e.Relation)
}
