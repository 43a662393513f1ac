package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/exec/pkg/common"
)

func TestExprComparisons(t *testing.T) {
	exec := &ExprExec{}
	lt := FuncExpr(FuncLess,
		ColRefExpr(0, common.BigintType()), ColRefExpr(1, common.BigintType()))

	val := exec.EvalExpr(lt, bigintRow(1, 2))
	require.False(t, val.IsNull)
	assert.True(t, val.Bool)

	val = exec.EvalExpr(lt, bigintRow(2, 1))
	assert.False(t, val.Bool)

	// NULL operand yields NULL, and a NULL conjunct fails the row
	val = exec.EvalExpr(lt, nullAt(bigintRow(1, 2), 0))
	assert.True(t, val.IsNull)
	assert.False(t, exec.EvalConjuncts([]*Expr{lt}, nullAt(bigintRow(1, 2), 0)))
	assert.True(t, exec.EvalConjuncts([]*Expr{lt}, bigintRow(1, 2)))
	assert.True(t, exec.EvalConjuncts(nil, bigintRow(1, 2)))
}

func TestExprCopyIsDeep(t *testing.T) {
	orig := FuncExpr(FuncEqual,
		ColRefExpr(0, common.BigintType()), ColRefExpr(1, common.BigintType()))
	cloned := copyExprs(orig)[0]
	cloned.Children[0].ColIdx = 9
	assert.Equal(t, 0, orig.Children[0].ColIdx)
}

func TestCancellation(t *testing.T) {
	ctx := newTestCtx(t, 1<<30, 1<<20)
	node := newSumAggNode(true)
	src := NewMemSource(node.InputTypes, []common.Row{bigintRow(1, 1)}, ctx.Cfg.Exec.BatchSize)
	agg := NewPartitionedAggregator(node, ctx, src)
	require.NoError(t, agg.Open())
	t.Cleanup(agg.Close)

	ctx.Cancel()
	out := NewRowBatch(ctx.Cfg.Exec.BatchSize)
	_, err := agg.GetNext(out)
	assert.ErrorIs(t, err, ErrCancelled)
}
