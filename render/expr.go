// Package render implements the render-spec compiler (C5): it lowers the
// raw render AST produced by the query parser into a finalized RenderSpec,
// resolving column references and wiring operation descriptors from the
// dispatcher's registry onto the FunctionCall nodes whose subtrees
// reference their affected fields.
package render

import "github.com/holon-app/holon/value"

// Expr is the render AST sum type: Literal | ColumnRef | BinaryOp | Array
// | Object | FunctionCall. It is a closed set — callers switch on
// ExprKind rather than type-asserting against an open interface, since
// the AST is produced entirely by the query compiler's render parser.
type ExprKind uint8

const (
	KindLiteral ExprKind = iota
	KindColumnRef
	KindBinaryOp
	KindArray
	KindObject
	KindFunctionCall
)

// BinOp is the operator tag of a BinaryOp node.
type BinOp uint8

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpEq
	OpNeq
	OpLt
	OpGt
	OpAnd
	OpOr
)

// Expr is one node of the render tree. Exactly one of the Kind-tagged
// fields is populated, matching ExprKind.
type Expr struct {
	Kind ExprKind

	// KindLiteral
	Literal value.Value

	// KindColumnRef — the referenced column, e.g. "completed". The query
	// parser strips the `this.` of the `this.field` argument-pattern
	// sugar, so `this.completed` also arrives here as "completed".
	ColumnRef string

	// KindBinaryOp
	BinOp       BinOp
	Left, Right *Expr

	// KindArray
	Items []*Expr

	// KindObject
	Fields map[string]*Expr

	// KindFunctionCall
	Head     string
	Args     []Arg
	Wirings  []OperationWiring
}

// Arg is one positional or named argument to a FunctionCall.
type Arg struct {
	Name    string
	HasName bool
	Value   *Expr
}

// OperationWiring attaches one resolved operation descriptor to a
// FunctionCall node whose subtree references a field the operation
// affects.
type OperationWiring struct {
	Descriptor Descriptor
}

// Descriptor is the subset of ops.Descriptor the render package needs to
// wire operations onto AST nodes, duplicated here (not imported from
// ops) so that render has no dependency on the dispatcher package;
// ops.Registry implements render.Registry by adapting its own
// descriptors into this shape.
type Descriptor struct {
	Name            string
	DisplayName     string
	EntityName      string
	EntityShortName string
	IDColumn        string
	AffectedFields  []string
}

// Literal builds a Literal node.
func Literal(v value.Value) *Expr { return &Expr{Kind: KindLiteral, Literal: v} }

// ColumnRefExpr builds a ColumnRef node.
func ColumnRefExpr(name string) *Expr { return &Expr{Kind: KindColumnRef, ColumnRef: name} }

// Binary builds a BinaryOp node.
func Binary(op BinOp, left, right *Expr) *Expr {
	return &Expr{Kind: KindBinaryOp, BinOp: op, Left: left, Right: right}
}

// ArrayExpr builds an Array node.
func ArrayExpr(items []*Expr) *Expr { return &Expr{Kind: KindArray, Items: items} }

// ObjectExpr builds an Object node.
func ObjectExpr(fields map[string]*Expr) *Expr { return &Expr{Kind: KindObject, Fields: fields} }

// Call builds a FunctionCall node with no wirings yet; the render
// compiler attaches wirings during Compile.
func Call(head string, args ...Arg) *Expr {
	return &Expr{Kind: KindFunctionCall, Head: head, Args: args}
}

// PosArg builds an unnamed argument.
func PosArg(v *Expr) Arg { return Arg{Value: v} }

// NamedArg builds a `name: value` argument.
func NamedArg(name string, v *Expr) Arg { return Arg{Name: name, HasName: true, Value: v} }

// RowTemplate is a per-row template tied to one branch of a set-union
// query, selected client-side via the integer `ui` column.
type RowTemplate struct {
	Index           uint32
	EntityName      string
	EntityShortName string
	Expr            *Expr
}

// Spec is the finalized render specification: the collection root plus
// zero or more per-row templates.
type Spec struct {
	Root         *Expr
	RowTemplates []RowTemplate
}
