package compute

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/exec/pkg/common"
)

func newJoinNode(op JoinOp, probeTypes, buildTypes []common.LType, ndf bool) *JoinNode {
	return &JoinNode{
		Id: 1,
		Op: op,
		EquiConjuncts: []JoinConjunct{{
			Build:             ColRefExpr(0, buildTypes[0]),
			Probe:             ColRefExpr(0, probeTypes[0]),
			IsNotDistinctFrom: ndf,
		}},
		ProbeTypes: probeTypes,
		BuildTypes: buildTypes,
	}
}

func runJoin(t *testing.T, ctx *ExecCtx, node *JoinNode, buildRows, probeRows []common.Row) (*PartitionedHashJoin, []common.Row) {
	t.Helper()
	buildSrc := NewMemSource(node.BuildTypes, buildRows, ctx.Cfg.Exec.BatchSize)
	probeSrc := NewMemSource(node.ProbeTypes, probeRows, ctx.Cfg.Exec.BatchSize)
	join := NewPartitionedHashJoin(node, ctx, buildSrc, probeSrc)
	require.NoError(t, join.Open())
	t.Cleanup(join.Close)
	return join, drainOperator(t, join, ctx.Cfg.Exec.BatchSize)
}

var (
	joinL = []common.Row{bigintRow(1, 10), bigintRow(2, 20), bigintRow(2, 21)}
	joinR = []common.Row{bigintRow(2, 200), bigintRow(3, 300)}
)

func TestJoinOperatorMatrix(t *testing.T) {
	kases := []struct {
		op       JoinOp
		expected []common.Row
	}{
		{JoinOpInner, []common.Row{
			bigintRow(2, 20, 2, 200), bigintRow(2, 21, 2, 200),
		}},
		{JoinOpLeftOuter, []common.Row{
			bigintRow(2, 20, 2, 200), bigintRow(2, 21, 2, 200),
			{common.BigintValue(1), common.BigintValue(10), common.NullValue(), common.NullValue()},
		}},
		{JoinOpLeftSemi, []common.Row{
			bigintRow(2, 20), bigintRow(2, 21),
		}},
		{JoinOpLeftAnti, []common.Row{
			bigintRow(1, 10),
		}},
		{JoinOpRightOuter, []common.Row{
			bigintRow(2, 20, 2, 200), bigintRow(2, 21, 2, 200),
			{common.NullValue(), common.NullValue(), common.BigintValue(3), common.BigintValue(300)},
		}},
		{JoinOpRightSemi, []common.Row{
			bigintRow(2, 200),
		}},
		{JoinOpRightAnti, []common.Row{
			bigintRow(3, 300),
		}},
		{JoinOpFullOuter, []common.Row{
			bigintRow(2, 20, 2, 200), bigintRow(2, 21, 2, 200),
			{common.BigintValue(1), common.BigintValue(10), common.NullValue(), common.NullValue()},
			{common.NullValue(), common.NullValue(), common.BigintValue(3), common.BigintValue(300)},
		}},
	}
	for _, k := range kases {
		t.Run(k.op.String(), func(t *testing.T) {
			ctx := newTestCtx(t, 1<<30, 1<<20)
			node := newJoinNode(k.op, bigintTypes(2), bigintTypes(2), false)
			join, out := runJoin(t, ctx, node, joinR, joinL)
			outTypes := join.OutputTypes()
			assert.Equal(t, multiset(k.expected, outTypes), multiset(out, outTypes))
		})
	}
}

func TestNullAwareLeftAnti(t *testing.T) {
	t.Run("null in build suppresses null probe", func(t *testing.T) {
		ctx := newTestCtx(t, 1<<30, 1<<20)
		node := newJoinNode(JoinOpNullAwareLeftAnti, bigintTypes(1), bigintTypes(1), false)
		build := []common.Row{bigintRow(2), {common.NullValue()}}
		probe := []common.Row{bigintRow(1), {common.NullValue()}}
		join, out := runJoin(t, ctx, node, build, probe)
		assert.Equal(t,
			multiset([]common.Row{bigintRow(1)}, join.OutputTypes()),
			multiset(out, join.OutputTypes()))
	})

	t.Run("null probe suppressed by any build row", func(t *testing.T) {
		ctx := newTestCtx(t, 1<<30, 1<<20)
		node := newJoinNode(JoinOpNullAwareLeftAnti, bigintTypes(1), bigintTypes(1), false)
		build := []common.Row{bigintRow(2), bigintRow(3)}
		probe := []common.Row{bigintRow(1), {common.NullValue()}}
		join, out := runJoin(t, ctx, node, build, probe)
		assert.Equal(t,
			multiset([]common.Row{bigintRow(1)}, join.OutputTypes()),
			multiset(out, join.OutputTypes()))
	})

	t.Run("empty build emits everything", func(t *testing.T) {
		ctx := newTestCtx(t, 1<<30, 1<<20)
		node := newJoinNode(JoinOpNullAwareLeftAnti, bigintTypes(1), bigintTypes(1), false)
		probe := []common.Row{bigintRow(1), {common.NullValue()}}
		join, out := runJoin(t, ctx, node, nil, probe)
		expected := []common.Row{bigintRow(1), {common.NullValue()}}
		assert.Equal(t,
			multiset(expected, join.OutputTypes()),
			multiset(out, join.OutputTypes()))
	})

	t.Run("other conjuncts gate null build matches", func(t *testing.T) {
		// combined row is (probe a, probe b, build c, build d)
		otherLess := FuncExpr(FuncLess,
			ColRefExpr(1, common.BigintType()), ColRefExpr(3, common.BigintType()))
		build := []common.Row{{common.NullValue(), common.BigintValue(9)}}
		probe := []common.Row{bigintRow(1, 5), {common.NullValue(), common.BigintValue(5)}}

		ctx := newTestCtx(t, 1<<30, 1<<20)
		node := newJoinNode(JoinOpNullAwareLeftAnti, bigintTypes(2), bigintTypes(2), false)
		node.OtherConjuncts = []*Expr{otherLess}
		_, out := runJoin(t, ctx, node, build, probe)
		// 5 < 9 holds for both probe rows, so both are suppressed
		assert.Empty(t, out)

		otherGreater := FuncExpr(FuncGreater,
			ColRefExpr(1, common.BigintType()), ColRefExpr(3, common.BigintType()))
		ctx2 := newTestCtx(t, 1<<30, 1<<20)
		node2 := newJoinNode(JoinOpNullAwareLeftAnti, bigintTypes(2), bigintTypes(2), false)
		node2.OtherConjuncts = []*Expr{otherGreater}
		join2, out2 := runJoin(t, ctx2, node2, build, probe)
		expected := []common.Row{bigintRow(1, 5), {common.NullValue(), common.BigintValue(5)}}
		assert.Equal(t,
			multiset(expected, join2.OutputTypes()),
			multiset(out2, join2.OutputTypes()))
	})
}

func TestJoinNullKeys(t *testing.T) {
	build := []common.Row{{common.NullValue(), common.BigintValue(10)}, bigintRow(2, 20)}
	probe := []common.Row{{common.NullValue(), common.BigintValue(1)}, bigintRow(2, 2)}

	t.Run("not distinct from matches nulls", func(t *testing.T) {
		ctx := newTestCtx(t, 1<<30, 1<<20)
		node := newJoinNode(JoinOpInner, bigintTypes(2), bigintTypes(2), true)
		join, out := runJoin(t, ctx, node, build, probe)
		expected := []common.Row{
			{common.NullValue(), common.BigintValue(1), common.NullValue(), common.BigintValue(10)},
			bigintRow(2, 2, 2, 20),
		}
		assert.Equal(t, multiset(expected, join.OutputTypes()), multiset(out, join.OutputTypes()))
	})

	t.Run("plain equality drops nulls", func(t *testing.T) {
		ctx := newTestCtx(t, 1<<30, 1<<20)
		node := newJoinNode(JoinOpInner, bigintTypes(2), bigintTypes(2), false)
		join, out := runJoin(t, ctx, node, build, probe)
		expected := []common.Row{bigintRow(2, 2, 2, 20)}
		assert.Equal(t, multiset(expected, join.OutputTypes()), multiset(out, join.OutputTypes()))
	})
}

func TestJoinOtherConjuncts(t *testing.T) {
	ctx := newTestCtx(t, 1<<30, 1<<20)
	node := newJoinNode(JoinOpInner, bigintTypes(2), bigintTypes(2), false)
	// probe value must be below the build value
	node.OtherConjuncts = []*Expr{FuncExpr(FuncLess,
		ColRefExpr(1, common.BigintType()), ColRefExpr(3, common.BigintType()))}
	build := []common.Row{bigintRow(1, 15), bigintRow(1, 25)}
	probe := []common.Row{bigintRow(1, 20)}
	join, out := runJoin(t, ctx, node, build, probe)
	expected := []common.Row{bigintRow(1, 20, 1, 25)}
	assert.Equal(t, multiset(expected, join.OutputTypes()), multiset(out, join.OutputTypes()))
}

func TestJoinDuplicateBuildKeys(t *testing.T) {
	ctx := newTestCtx(t, 1<<30, 1<<20)
	node := newJoinNode(JoinOpInner, bigintTypes(2), bigintTypes(2), false)
	build := []common.Row{bigintRow(5, 1), bigintRow(5, 2), bigintRow(5, 3)}
	probe := []common.Row{bigintRow(5, 100), bigintRow(6, 200)}
	_, out := runJoin(t, ctx, node, build, probe)
	assert.Len(t, out, 3)
}

func TestJoinSpillCorrectness(t *testing.T) {
	const buildN, probeN = 20000, 30000
	buildRows := make([]common.Row, 0, buildN)
	for i := int64(0); i < buildN; i++ {
		buildRows = append(buildRows, bigintRow(i, i*10))
	}
	probeRows := make([]common.Row, 0, probeN)
	for i := int64(0); i < probeN; i++ {
		probeRows = append(probeRows, bigintRow(i%10000, i))
	}

	bigCtx := newTestCtx(t, 1<<30, 1<<20)
	bigJoin, expected := runJoin(t, bigCtx,
		newJoinNode(JoinOpInner, bigintTypes(2), bigintTypes(2), false), buildRows, probeRows)
	require.Len(t, expected, probeN)
	require.Equal(t, int64(0), bigJoin.NumSpilledPartitions())

	smallCtx := newTestCtx(t, 2<<20, 64<<10)
	smallJoin, got := runJoin(t, smallCtx,
		newJoinNode(JoinOpInner, bigintTypes(2), bigintTypes(2), false), buildRows, probeRows)
	assert.Greater(t, smallJoin.NumSpilledPartitions(), int64(0))
	outTypes := smallJoin.OutputTypes()
	assert.Equal(t, multiset(expected, outTypes), multiset(got, outTypes))
}

func TestJoinRightOuterWithSpill(t *testing.T) {
	const buildN, probeN = 20000, 10000
	buildRows := make([]common.Row, 0, buildN)
	for i := int64(0); i < buildN; i++ {
		buildRows = append(buildRows, bigintRow(i, i))
	}
	probeRows := make([]common.Row, 0, probeN)
	for i := int64(0); i < probeN; i++ {
		probeRows = append(probeRows, bigintRow(i, i))
	}
	ctx := newTestCtx(t, 2<<20, 64<<10)
	join, out := runJoin(t, ctx,
		newJoinNode(JoinOpRightOuter, bigintTypes(2), bigintTypes(2), false), buildRows, probeRows)
	assert.Greater(t, join.NumSpilledPartitions(), int64(0))
	// every probe row matches one build row; the other half of the
	// build side surfaces with NULL probe columns
	matched, unmatched := 0, 0
	for _, row := range out {
		if row[0].IsNull {
			unmatched++
		} else {
			matched++
		}
	}
	assert.Equal(t, probeN, matched)
	assert.Equal(t, buildN-probeN, unmatched)
}

func TestJoinExtremeSkewNoProgress(t *testing.T) {
	const n = 20000
	buildRows := make([]common.Row, 0, n)
	for i := int64(0); i < n; i++ {
		buildRows = append(buildRows, bigintRow(7, i))
	}
	ctx := newTestCtx(t, 512<<10, 64<<10)
	node := newJoinNode(JoinOpInner, bigintTypes(2), bigintTypes(2), false)
	buildSrc := NewMemSource(node.BuildTypes, buildRows, ctx.Cfg.Exec.BatchSize)
	probeSrc := NewMemSource(node.ProbeTypes, []common.Row{bigintRow(7, 0)}, ctx.Cfg.Exec.BatchSize)
	join := NewPartitionedHashJoin(node, ctx, buildSrc, probeSrc)
	t.Cleanup(join.Close)

	err := join.Open()
	if err == nil {
		out := NewRowBatch(ctx.Cfg.Exec.BatchSize)
		for {
			var eos bool
			out.Reset()
			eos, err = join.GetNext(out)
			if err != nil || eos {
				break
			}
		}
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMemLimitExceeded))
	assert.True(t,
		errors.Is(err, ErrRepartitionNoProgress) || errors.Is(err, ErrDepthExceeded))
}

func TestJoinRuntimeFilters(t *testing.T) {
	ctx := newTestCtx(t, 1<<30, 1<<20)
	node := newJoinNode(JoinOpInner, bigintTypes(2), bigintTypes(2), false)
	node.EstBuildCard = 4
	node.FilterDescs = []RuntimeFilterDesc{{
		Id:                     7,
		SrcExpr:                ColRefExpr(0, common.BigintType()),
		AppliedOnPartitionCols: true,
	}}
	build := []common.Row{bigintRow(1, 1), bigintRow(2, 2)}
	probe := []common.Row{bigintRow(1, 1)}
	join, _ := runJoin(t, ctx, node, build, probe)
	require.Len(t, join.Filters(), 1)
	rf := join.Filters()[0]
	assert.False(t, rf.AlwaysTrue())
	one := common.BigintValue(1)
	missing := common.BigintValue(99)
	assert.True(t, rf.Test(&one))
	assert.False(t, rf.Test(&missing))
}
