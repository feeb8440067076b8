package mission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExprLiterals(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"42", int64(42)},
		{"3.14", 3.14},
		{`"hello"`, "hello"},
		{`'single'`, "single"},
		{"true", true},
		{"false", false},
		{"null", nil},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := ParseExpr(tt.src)
			require.NoError(t, err)
			lit, ok := e.(*Lit)
			require.True(t, ok, "expected literal, got %T", e)
			assert.Equal(t, tt.want, lit.Value)
		})
	}
}

func TestParseExprPrecedence(t *testing.T) {
	e, err := ParseExpr("1 + 2 * 3")
	require.NoError(t, err)

	add, ok := e.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "+", add.Op)

	mul, ok := add.Right.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "*", mul.Op)
}

func TestParseExprComparisonAndLogic(t *testing.T) {
	e, err := ParseExpr(`user.age >= 18 && status == "active"`)
	require.NoError(t, err)

	and, ok := e.(*Binary)
	require.True(t, ok)
	require.Equal(t, "&&", and.Op)

	left, ok := and.Left.(*Binary)
	require.True(t, ok)
	assert.Equal(t, ">=", left.Op)

	ref, ok := left.Left.(*Ref)
	require.True(t, ok)
	assert.Equal(t, []string{"user", "age"}, ref.Path)
}

func TestParseExprWordOperators(t *testing.T) {
	e, err := ParseExpr("a and b or not c")
	require.NoError(t, err)

	or, ok := e.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "||", or.Op)

	neg, ok := or.Right.(*Unary)
	require.True(t, ok)
	assert.Equal(t, "!", neg.Op)
}

func TestParseExprTernary(t *testing.T) {
	e, err := ParseExpr(`total > 100 ? "large" : "small"`)
	require.NoError(t, err)

	cond, ok := e.(*Cond)
	require.True(t, ok)
	assert.IsType(t, &Binary{}, cond.If)
	assert.IsType(t, &Lit{}, cond.Then)
	assert.IsType(t, &Lit{}, cond.Else)
}

func TestParseExprCall(t *testing.T) {
	e, err := ParseExpr(`env("MODE")`)
	require.NoError(t, err)

	call, ok := e.(*Call)
	require.True(t, ok)
	assert.Equal(t, "env", call.Fn)
	require.Len(t, call.Args, 1)

	e, err = ParseExpr("now()")
	require.NoError(t, err)
	call, ok = e.(*Call)
	require.True(t, ok)
	assert.Equal(t, "now", call.Fn)
	assert.Empty(t, call.Args)
}

func TestParseExprMatch(t *testing.T) {
	e, err := ParseExpr(`match kind { "person" -> 1, "org" -> 2, _ -> 0 }`)
	require.NoError(t, err)

	m, ok := e.(*MatchExpr)
	require.True(t, ok)
	require.Len(t, m.Arms, 3)
	assert.NotNil(t, m.Arms[0].Pattern)
	assert.Nil(t, m.Arms[2].Pattern, "wildcard arm has nil pattern")
}

func TestParseExprAnyOf(t *testing.T) {
	e, err := ParseExpr("any of users")
	require.NoError(t, err)
	a, ok := e.(*AnyOf)
	require.True(t, ok)
	assert.Nil(t, a.Where)

	e, err = ParseExpr("any of users where age >= 18")
	require.NoError(t, err)
	a, ok = e.(*AnyOf)
	require.True(t, ok)
	require.NotNil(t, a.Where)
}

func TestParseExprNegativeNumber(t *testing.T) {
	e, err := ParseExpr("-5 + 3")
	require.NoError(t, err)
	add, ok := e.(*Binary)
	require.True(t, ok)
	assert.IsType(t, &Unary{}, add.Left)
}

func TestParseExprErrors(t *testing.T) {
	bad := []string{
		"",
		`"unterminated`,
		"1 +",
		"a ? b",
		"foo bar",
		"match x { }",
		"any users",
		"@",
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			_, err := ParseExpr(src)
			assert.Error(t, err)
		})
	}
}

func TestMustParseExprPanics(t *testing.T) {
	assert.Panics(t, func() { MustParseExpr("1 +") })
	assert.NotPanics(t, func() { MustParseExpr("1 + 1") })
}
