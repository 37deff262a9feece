package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableResolver resolves identifiers against a fixed truth table. Unknown
// names fail the evaluation, mirroring a composite with a missing sub-rule.
func tableResolver(table map[string]bool) subResolver {
	return func(name string) (bool, string, error) {
		fired, ok := table[name]
		if !ok {
			return false, "", fmt.Errorf("rule %q not found", name)
		}
		if fired {
			return true, name + " fired", nil
		}
		return false, "", nil
	}
}

func evalExpr(t *testing.T, expression string, table map[string]bool) (bool, string) {
	t.Helper()

	tree, err := parseExpression(expression)
	require.NoError(t, err)

	fired, reason, err := tree.eval(tableResolver(table))
	require.NoError(t, err)
	return fired, reason
}

func TestTokenize(t *testing.T) {
	t.Run("operators and identifiers", func(t *testing.T) {
		tokens, err := tokenize("t1 AND (p1 OR NOT p2)")
		require.NoError(t, err)

		kinds := make([]tokenKind, 0, len(tokens))
		for _, tok := range tokens {
			kinds = append(kinds, tok.kind)
		}
		assert.Equal(t, []tokenKind{
			tokenIdent, tokenAnd, tokenLParen, tokenIdent, tokenOr, tokenNot, tokenIdent, tokenRParen,
		}, kinds)
	})

	t.Run("operators are case sensitive", func(t *testing.T) {
		tokens, err := tokenize("and or not")
		require.NoError(t, err)

		for _, tok := range tokens {
			assert.Equal(t, tokenIdent, tok.kind, "%q is an identifier, not an operator", tok.value)
		}
	})

	t.Run("identifiers allow underscores and digits", func(t *testing.T) {
		tokens, err := tokenize("_rule_1 AND big2small")
		require.NoError(t, err)
		require.Len(t, tokens, 3)
		assert.Equal(t, "_rule_1", tokens[0].value)
		assert.Equal(t, "big2small", tokens[2].value)
	})

	t.Run("unknown character", func(t *testing.T) {
		_, err := tokenize("t1 && t2")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown character")
	})
}

func TestParseExpression_Errors(t *testing.T) {
	cases := []struct {
		name       string
		expression string
		wantErr    string
	}{
		{"unmatched open parenthesis", "(t1 AND t2", "expected closing parenthesis"},
		{"stray trailing tokens", "t1 t2", "unexpected trailing tokens"},
		{"stray closing parenthesis", "t1 ) t2", "unexpected trailing tokens"},
		{"empty expression", "", "unexpected end of expression"},
		{"dangling operator", "t1 AND", "unexpected end of expression"},
		{"operator without left operand", "AND t1", "unexpected token"},
		{"unknown character", "t1 & t2", "unknown character"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseExpression(tc.expression)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestExpression_Truth(t *testing.T) {
	cases := []struct {
		expression string
		table      map[string]bool
		want       bool
	}{
		{"a", map[string]bool{"a": true}, true},
		{"a", map[string]bool{"a": false}, false},
		{"NOT a", map[string]bool{"a": false}, true},
		{"NOT a", map[string]bool{"a": true}, false},
		{"a AND b", map[string]bool{"a": true, "b": true}, true},
		{"a AND b", map[string]bool{"a": true, "b": false}, false},
		{"a OR b", map[string]bool{"a": false, "b": true}, true},
		{"a OR b", map[string]bool{"a": false, "b": false}, false},
		{"(a)", map[string]bool{"a": true}, true},
		{"NOT (a AND b)", map[string]bool{"a": true, "b": false}, true},
	}

	for _, tc := range cases {
		t.Run(tc.expression, func(t *testing.T) {
			fired, _ := evalExpr(t, tc.expression, tc.table)
			assert.Equal(t, tc.want, fired)
		})
	}
}

func TestExpression_DoubleNegation(t *testing.T) {
	for _, value := range []bool{true, false} {
		table := map[string]bool{"x": value}

		plain, _ := evalExpr(t, "x", table)
		doubled, _ := evalExpr(t, "NOT NOT x", table)

		assert.Equal(t, plain, doubled, "NOT NOT x must equal x for x=%v", value)
	}
}

func TestExpression_Commutativity(t *testing.T) {
	// Results are symmetric; the composed messages need not be.
	tables := []map[string]bool{
		{"a": true, "b": true},
		{"a": true, "b": false},
		{"a": false, "b": true},
		{"a": false, "b": false},
	}

	for _, table := range tables {
		ab, _ := evalExpr(t, "a AND b", table)
		ba, _ := evalExpr(t, "b AND a", table)
		assert.Equal(t, ab, ba, "AND symmetric for %v", table)

		ab, _ = evalExpr(t, "a OR b", table)
		ba, _ = evalExpr(t, "b OR a", table)
		assert.Equal(t, ab, ba, "OR symmetric for %v", table)
	}
}

func TestExpression_Precedence(t *testing.T) {
	t.Run("AND binds tighter than OR", func(t *testing.T) {
		// a OR b AND c parses as a OR (b AND c): with a=true the whole
		// expression fires even though b AND c does not.
		fired, _ := evalExpr(t, "a OR b AND c", map[string]bool{"a": true, "b": true, "c": false})
		assert.True(t, fired)

		// With a=false it reduces to b AND c.
		fired, _ = evalExpr(t, "a OR b AND c", map[string]bool{"a": false, "b": true, "c": false})
		assert.False(t, fired)

		fired, _ = evalExpr(t, "a OR b AND c", map[string]bool{"a": false, "b": true, "c": true})
		assert.True(t, fired)
	})

	t.Run("NOT binds tighter than AND", func(t *testing.T) {
		// NOT a AND b parses as (NOT a) AND b, not NOT (a AND b).
		fired, _ := evalExpr(t, "NOT a AND b", map[string]bool{"a": false, "b": true})
		assert.True(t, fired)

		fired, _ = evalExpr(t, "NOT a AND b", map[string]bool{"a": true, "b": true})
		assert.False(t, fired, "NOT (a AND b) would have fired here")
	})

	t.Run("parentheses override", func(t *testing.T) {
		fired, _ := evalExpr(t, "NOT (a AND b)", map[string]bool{"a": true, "b": true})
		assert.False(t, fired)

		fired, _ = evalExpr(t, "(a OR b) AND c", map[string]bool{"a": true, "b": false, "c": false})
		assert.False(t, fired)
	})
}

func TestExpression_ReasonComposition(t *testing.T) {
	t.Run("binary reasons carry both sides", func(t *testing.T) {
		fired, reason := evalExpr(t, "a AND b", map[string]bool{"a": true, "b": true})
		assert.True(t, fired)
		assert.Equal(t, "(a fired) AND (b fired)", reason)
	})

	t.Run("non-fired side contributes an empty slot", func(t *testing.T) {
		fired, reason := evalExpr(t, "a OR b", map[string]bool{"a": false, "b": true})
		assert.True(t, fired)
		assert.Equal(t, "() OR (b fired)", reason)
	})

	t.Run("negation wraps its operand", func(t *testing.T) {
		fired, reason := evalExpr(t, "NOT a", map[string]bool{"a": false})
		assert.True(t, fired)
		assert.Equal(t, "NOT ()", reason)
	})

	t.Run("nesting composes structurally", func(t *testing.T) {
		fired, reason := evalExpr(t, "a AND (b OR NOT c)",
			map[string]bool{"a": true, "b": false, "c": false})
		assert.True(t, fired)
		assert.Equal(t, "(a fired) AND (() OR (NOT ()))", reason)
	})
}

func TestExpression_ResolverErrors(t *testing.T) {
	tree, err := parseExpression("a AND missing")
	require.NoError(t, err)

	_, _, err = tree.eval(tableResolver(map[string]bool{"a": true}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `rule "missing" not found`)
}

func TestExprNode_Idents(t *testing.T) {
	tree, err := parseExpression("a AND (b OR NOT c) AND a")
	require.NoError(t, err)

	names := make(map[string]struct{})
	tree.idents(names)

	assert.Len(t, names, 3)
	for _, want := range []string{"a", "b", "c"} {
		assert.Contains(t, names, want)
	}
}
