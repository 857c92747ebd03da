package query

import "github.com/holon-app/holon/render"

// ExprNode is the small expression AST used by `filter` and `derive`
// stages: column references, literals, and unary/binary operators. It is
// distinct from render.Expr (the render sub-language's AST) even though
// both are eventually lowered to SQL, because filter/derive expressions
// never carry FunctionCall/wiring semantics.
type ExprNode struct {
	Kind  ExprNodeKind
	Col   string
	Lit   Literal
	Op    string // comparison/arithmetic/logical operator for Unary/Binary
	Left  *ExprNode
	Right *ExprNode // nil for Unary (Not)
}

type ExprNodeKind uint8

const (
	NodeColumn ExprNodeKind = iota
	NodeLiteral
	NodeBinary
	NodeUnary
)

// Literal is a parsed scalar literal: string, number, or boolean.
type Literal struct {
	IsString bool
	IsBool   bool
	IsNull   bool
	Str      string
	Num      float64
	Bool     bool
}

// Stage is one pipeline stage. Exactly one Kind-tagged field is set.
type StageKind uint8

const (
	StageFrom StageKind = iota
	StageSelect
	StageFilter
	StageDerive
	StageSort
	StageTake
	StageJoin
	StageAppend
)

type Stage struct {
	Kind StageKind

	// StageFrom
	Relation string

	// StageSelect
	Columns []string

	// StageFilter
	Filter *ExprNode

	// StageDerive — ordered so a `ui = (render ...)` clause's position is
	// preserved for per-row template textual ordering; Derives holds the
	// plain derived columns and RenderClause holds the parsed `render`
	// sub-expression when this derive stage is `derive { ui = (render …) }`.
	Derives      []DeriveField
	RenderClause *render.Expr

	// StageSort
	SortCol string

	// StageTake
	Limit int64

	// StageJoin
	JoinRelation  string
	JoinPredicate *ExprNode

	// StageAppend — a fully parsed nested branch.
	AppendBranch *Branch
}

// DeriveField is one `name = expr` entry of a derive stage.
type DeriveField struct {
	Name string
	Expr *ExprNode
}

// Branch is one `from ... |> stages...` chain: either the query's sole
// relation, or one arm of a set-union (`append`).
type Branch struct {
	Relation string
	Stages   []Stage
}

// Query is the fully parsed pipeline query: the primary branch plus any
// appended branches (set-union arms), and the trailing collection-level
// `render (...)` clause, if present.
type Query struct {
	Primary        Branch
	Appended       []Branch
	TrailingRender *render.Expr
}

// AllBranches returns the primary branch followed by every appended
// branch, in source order.
func (q *Query) AllBranches() []Branch {
	out := make([]Branch, 0, 1+len(q.Appended))
	out = append(out, q.Primary)
	out = append(out, q.Appended...)
	return out
}
