package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/exec/pkg/common"
)

func newBigintCtx(storesNulls bool, findsNulls bool, maxLevels int) *HashTableCtx {
	exprs := []*Expr{ColRefExpr(0, common.BigintType()), ColRefExpr(1, common.BigintType())}
	return NewHashTableCtx(
		exprs,
		copyExprs(exprs...),
		storesNulls,
		[]bool{findsNulls, findsNulls},
		1,
		maxLevels,
		1024,
	)
}

func TestHashCtxSeeds(t *testing.T) {
	ctx := newBigintCtx(true, true, 4)
	assert.Equal(t, uint32(1), ctx._seeds[0])
	for i := 1; i <= 4; i++ {
		assert.Equal(t, ctx._seeds[i-1]*seedPrimes[i], ctx._seeds[i])
	}
	// deeper seeds must differ from the shared level-0 seed
	for i := 1; i <= 4; i++ {
		assert.NotEqual(t, ctx._seeds[0], ctx._seeds[i])
	}
}

func TestHashCtxHashConsistency(t *testing.T) {
	ctx := newBigintCtx(true, true, 4)
	ctx.EvalProbeRow(0, bigintRow(42, 7))
	h0 := ctx.HashRow(0)
	ctx.EvalProbeRow(1, bigintRow(42, 7))
	h1 := ctx.HashRow(1)
	assert.Equal(t, h0, h1)

	ctx.EvalProbeRow(2, bigintRow(42, 8))
	assert.NotEqual(t, h0, ctx.HashRow(2))

	// a different level re-randomizes the same key
	ctx.SetLevel(1)
	ctx.EvalProbeRow(3, bigintRow(42, 7))
	assert.NotEqual(t, h0, ctx.HashRow(3))
}

func TestHashCtxNullSentinel(t *testing.T) {
	ctx := newBigintCtx(true, true, 1)
	hasNull := ctx.EvalProbeRow(0, nullAt(bigintRow(0, 1), 0))
	assert.True(t, hasNull)
	hNull := ctx.HashRow(0)
	ctx.EvalProbeRow(1, bigintRow(0, 1))
	hZero := ctx.HashRow(1)
	// (NULL, 1) must not hash like (0, 1)
	assert.NotEqual(t, hNull, hZero)
}

func TestHashCtxEvalRowShortCircuit(t *testing.T) {
	ctx := newBigintCtx(false, false, 1)
	hasNull := ctx.EvalBuildRow(0, nullAt(bigintRow(1, 2), 1))
	assert.True(t, hasNull)
	hasNull = ctx.EvalBuildRow(0, bigintRow(1, 2))
	assert.False(t, hasNull)
}

func TestHashCtxEquals(t *testing.T) {
	ctx := newBigintCtx(true, true, 1)
	ctx.EvalProbeRow(0, bigintRow(10, 20))
	assert.True(t, ctx.Equals(0, bigintRow(10, 20), false))
	assert.False(t, ctx.Equals(0, bigintRow(10, 21), false))
	assert.False(t, ctx.Equals(0, nullAt(bigintRow(10, 20), 1), false))

	// equal-null semantics: NULL keys compare equal when findsNulls
	ctx.EvalProbeRow(1, nullAt(bigintRow(10, 20), 1))
	assert.True(t, ctx.Equals(1, nullAt(bigintRow(10, 20), 1), false))
	assert.False(t, ctx.Equals(1, bigintRow(10, 20), false))
}

func TestHashCtxEqualsNotNullEquality(t *testing.T) {
	// stores nulls (needed for outer joins) but does not find them
	ctx := newBigintCtx(true, false, 1)
	ctx.EvalProbeRow(0, nullAt(bigintRow(10, 20), 1))
	// NULL != NULL under not-equal-null semantics
	assert.False(t, ctx.Equals(0, nullAt(bigintRow(10, 20), 1), false))
	// unless null equality is forced
	assert.True(t, ctx.Equals(0, nullAt(bigintRow(10, 20), 1), true))
}

func TestHashCtxVarcharKeys(t *testing.T) {
	exprs := []*Expr{ColRefExpr(0, common.VarcharType()), ColRefExpr(1, common.BigintType())}
	ctx := NewHashTableCtx(exprs, copyExprs(exprs...), true, []bool{true, true}, 1, 1, 1024)

	row := common.Row{common.VarcharValue("hello"), common.BigintValue(5)}
	ctx.EvalProbeRow(0, row)
	h0 := ctx.HashRow(0)
	ctx.EvalProbeRow(1, common.Row{common.VarcharValue("hello"), common.BigintValue(5)})
	require.Equal(t, h0, ctx.HashRow(1))
	ctx.EvalProbeRow(2, common.Row{common.VarcharValue("hellp"), common.BigintValue(5)})
	assert.NotEqual(t, h0, ctx.HashRow(2))

	assert.True(t, ctx.Equals(0, row, false))
	assert.False(t, ctx.Equals(0, common.Row{common.VarcharValue("world"), common.BigintValue(5)}, false))

	// NULL string hashes through the sentinel image
	ctx.EvalProbeRow(3, common.Row{common.NullValue(), common.BigintValue(5)})
	assert.NotEqual(t, h0, ctx.HashRow(3))
	assert.True(t, ctx.Equals(3, common.Row{common.NullValue(), common.BigintValue(5)}, false))
}
