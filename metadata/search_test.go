package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileTerm_Equal(t *testing.T) {
	clause, args, err := compileTerm(SearchTerm{
		AttrName: "owner",
		Op:       OpEqual,
		Value:    AttrValue{Type: AttrString, Str: "alice"},
	}, []interface{}{"T1", "DATA"})

	require.NoError(t, err)
	assert.Contains(t, clause, "ta.string_value")
	assert.Equal(t, []interface{}{"T1", "DATA", "owner", "alice"}, args)
}

func TestCompileTerm_In(t *testing.T) {
	clause, args, err := compileTerm(SearchTerm{
		AttrName: "status",
		Op:       OpIn,
		Values: []AttrValue{
			{Type: AttrString, Str: "SUCCEEDED"},
			{Type: AttrString, Str: "FAILED"},
		},
	}, nil)

	require.NoError(t, err)
	assert.Contains(t, clause, "IN ($2,$3)")
	assert.Equal(t, []interface{}{"status", "SUCCEEDED", "FAILED"}, args)
}

func TestCompileTerm_RejectsCompositeValue(t *testing.T) {
	_, _, err := compileTerm(SearchTerm{
		AttrName: "tags",
		Op:       OpEqual,
		Value:    AttrValue{Type: AttrArray},
	}, nil)
	assert.Error(t, err)
}

func TestCompileTerm_RejectsBadKey(t *testing.T) {
	_, _, err := compileTerm(SearchTerm{
		AttrName: "bad-name",
		Op:       OpEqual,
		Value:    AttrValue{Type: AttrString, Str: "x"},
	}, nil)
	assert.Error(t, err)
}

func TestCompileExpr_AndOr(t *testing.T) {
	expr := SearchExpr{
		Op: LogicalAnd,
		Args: []SearchExpr{
			{Term: &SearchTerm{AttrName: "owner", Op: OpEqual, Value: AttrValue{Type: AttrString, Str: "alice"}}},
			{
				Op: LogicalOr,
				Args: []SearchExpr{
					{Term: &SearchTerm{AttrName: "status", Op: OpEqual, Value: AttrValue{Type: AttrString, Str: "SUCCEEDED"}}},
					{Term: &SearchTerm{AttrName: "status", Op: OpEqual, Value: AttrValue{Type: AttrString, Str: "FAILED"}}},
				},
			},
		},
	}

	clause, args, err := compileExpr(expr, nil)
	require.NoError(t, err)
	assert.Contains(t, clause, " AND ")
	assert.Contains(t, clause, " OR ")
	assert.Len(t, args, 6) // 3 leaves * (name, value) pairs
}

func TestCompileExpr_EmptyIsTrue(t *testing.T) {
	clause, args, err := compileExpr(SearchExpr{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "TRUE", clause)
	assert.Empty(t, args)
}
