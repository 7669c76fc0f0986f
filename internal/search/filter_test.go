package search

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func accountTok(id uint32) Token { return accountIDToken(id) }

func otherOp(value string) Token {
	return Op(Operator{Field: "document_id", Op: "=", Value: value})
}

func docSet(ids ...uint32) Token { return Docs(NewDocumentSet(ids...)) }

func requireDocSet(t *testing.T, tok Token, ids ...uint32) {
	t.Helper()
	require.Equal(t, TokDocumentSet, tok.Kind)
	require.Equal(t, NewDocumentSet(ids...), tok.Docs)
}

func TestNormalizeOperatorThenDocumentSetAtDepthZero(t *testing.T) {
	split, ok := Normalize([]Token{accountTok(42), otherOp("test"), docSet(1, 2, 3)})
	require.True(t, ok)
	require.Len(t, split, 2)
	require.Equal(t, SplitExternal, split[0].Kind)
	require.Equal(t, SplitInternal, split[1].Kind)
	requireDocSet(t, split[1].Token, 1, 2, 3)
}

func TestNormalizeDocumentSetThenAndGroup(t *testing.T) {
	split, ok := Normalize([]Token{
		accountTok(42), docSet(1, 2), And(), otherOp("a"), otherOp("b"), End(),
	})
	require.True(t, ok)
	require.Len(t, split, 2)
	require.Equal(t, SplitExternal, split[0].Kind)
	require.Equal(t, []Token{accountTok(42), And(), otherOp("a"), otherOp("b"), End()}, split[0].External)
	requireDocSet(t, split[1].Token, 1, 2)
}

func TestNormalizeDocumentSetsAtDifferentDepthsInAnd(t *testing.T) {
	split, ok := Normalize([]Token{
		accountTok(42), docSet(1, 2), And(), otherOp("a"), docSet(2, 3), End(),
	})
	require.True(t, ok)
	require.Len(t, split, 5)
	require.Equal(t, SplitInternal, split[0].Kind)
	require.Equal(t, TokAnd, split[0].Token.Kind)
	require.Equal(t, SplitExternal, split[1].Kind)
	require.Equal(t, []Token{accountTok(42), otherOp("a")}, split[1].External)
	requireDocSet(t, split[2].Token, 2, 3)
	require.Equal(t, TokEnd, split[3].Token.Kind)
	requireDocSet(t, split[4].Token, 1, 2)
}

func TestNormalizeWithoutAccountIDFails(t *testing.T) {
	_, ok := Normalize([]Token{otherOp("a")})
	require.False(t, ok)
}

func TestNormalizeMultipleDocumentSetsWithOperatorInBetweenIntersects(t *testing.T) {
	split, ok := Normalize([]Token{
		accountTok(42), docSet(1, 2), otherOp("middle"), docSet(2, 4),
	})
	require.True(t, ok)
	require.Len(t, split, 2)
	require.Equal(t, SplitExternal, split[0].Kind)
	requireDocSet(t, split[1].Token, 2)
}
