package mission

// Expr is a node in a parsed expression tree. Expressions appear in guard
// conditions, mapping fields, validation rules, loop filters and store keys.
// The set of node types is closed; evaluation lives in the engine's
// evaluator, which dispatches with an exhaustive type switch.
type Expr interface {
	exprNode()
}

// Lit is a literal value: string, int64, float64, bool or nil.
type Lit struct {
	Value any
}

// Ref is a variable or field reference, possibly qualified: `user.address.city`
// is Ref{Path: []string{"user", "address", "city"}}.
type Ref struct {
	Path []string
}

// Unary is a prefix operation: `!x` or `-x`.
type Unary struct {
	Op string
	X  Expr
}

// Binary is an infix operation. Op is one of
// + - * / % == != < <= > >= && ||.
type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

// Cond is a ternary conditional: `cond ? then : else`.
type Cond struct {
	If   Expr
	Then Expr
	Else Expr
}

// Call is a built-in function call: `length(items)`, `env("API_MODE")`.
type Call struct {
	Fn   string
	Args []Expr
}

// MatchExpr selects the first arm whose pattern equals the subject value.
// A nil Pattern is the `_` wildcard and always matches.
type MatchExpr struct {
	Subject Expr
	Arms    []MatchArm
}

// MatchArm is one pattern/result pair of a MatchExpr.
type MatchArm struct {
	Pattern Expr
	Result  Expr
}

// AnyOf picks one element from a collection: a random element when Where is
// nil, otherwise a random element among those for which Where holds.
type AnyOf struct {
	Source Expr
	Where  Expr
}

func (*Lit) exprNode()       {}
func (*Ref) exprNode()       {}
func (*Unary) exprNode()     {}
func (*Binary) exprNode()    {}
func (*Cond) exprNode()      {}
func (*Call) exprNode()      {}
func (*MatchExpr) exprNode() {}
func (*AnyOf) exprNode()     {}
