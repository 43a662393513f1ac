package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/storage"
	"github.com/daviszhen/exec/pkg/util"
)

type testTable struct {
	ht     *HashTable
	ctx    *HashTableCtx
	stream *storage.TupleStream
	layout *RowLayout
}

func newTestTable(t *testing.T, quadratic bool, keys []int64) *testTable {
	t.Helper()
	ectx := newTestCtx(t, 1<<30, 1<<20)
	client := ectx.Mgr.RegisterClient("ht-test", 0)
	layout := NewRowLayout([]common.LType{common.BigintType()})
	stream := storage.NewTupleStream(ectx.Mgr, client, "build")
	stream.Init(true)

	exprs := []*Expr{ColRefExpr(0, common.BigintType())}
	htCtx := NewHashTableCtx(exprs, copyExprs(exprs...), true, []bool{true}, 1, 2, 1024)

	tbl := &testTable{ctx: htCtx, stream: stream, layout: layout}
	ht, ok := NewHashTable(quadratic, true, false, stream, tbl.rowOf, client, 4, 0, 1<<20)
	require.True(t, ok)
	tbl.ht = ht

	for _, key := range keys {
		row := bigintRow(key)
		ptr, idx, ok2, err := stream.AllocateRow(layout.FixedWidth(), 0)
		require.NoError(t, err)
		require.True(t, ok2)
		layout.EncodeRow(ptr, row)
		htCtx.EvalBuildRow(0, row)
		hash := htCtx.HashRow(0)
		require.True(t, ht.CheckAndResize(1, htCtx))
		require.True(t, ht.Insert(htCtx, 0, hash, HtData{_idx: idx}))
	}
	return tbl
}

func (tbl *testTable) rowOf(data HtData) common.Row {
	ptr, _ := tbl.stream.GetRow(data._idx)
	return tbl.layout.DecodeRow(ptr)
}

func (tbl *testTable) probe(t *testing.T, key int64) (HtIter, bool) {
	t.Helper()
	tbl.ctx.EvalProbeRow(0, bigintRow(key))
	hash := tbl.ctx.HashRow(0)
	return tbl.ht.FindProbeRow(tbl.ctx, 0, hash, false)
}

func TestHashTableInsertProbe(t *testing.T) {
	for _, quadratic := range []bool{false, true} {
		name := "linear"
		if quadratic {
			name = "quadratic"
		}
		t.Run(name, func(t *testing.T) {
			keys := make([]int64, 0, 1000)
			for i := int64(0); i < 1000; i++ {
				keys = append(keys, i)
			}
			tbl := newTestTable(t, quadratic, keys)

			assert.True(t, util.IsPowerOfTwo(uint64(tbl.ht.NumBuckets())))
			assert.LessOrEqual(t,
				float64(tbl.ht.NumFilledBuckets()),
				float64(tbl.ht.NumBuckets())*MaxFillFactor)
			assert.Equal(t, int64(1000), tbl.ht.Size())

			for _, key := range keys {
				it, found := tbl.probe(t, key)
				require.True(t, found, "key %d", key)
				assert.Equal(t, key, it.GetRow()[0].I64)
			}
			for key := int64(5000); key < 5010; key++ {
				_, found := tbl.probe(t, key)
				assert.False(t, found)
			}
		})
	}
}

func TestHashTableDuplicates(t *testing.T) {
	keys := []int64{7, 7, 7, 8, 9, 9}
	tbl := newTestTable(t, true, keys)
	assert.Equal(t, int64(6), tbl.ht.Size())

	it, found := tbl.probe(t, 7)
	require.True(t, found)
	count := 0
	for ; !it.AtEnd(); it.NextDuplicate() {
		assert.Equal(t, int64(7), it.GetRow()[0].I64)
		count++
	}
	assert.Equal(t, 3, count)

	it, found = tbl.probe(t, 8)
	require.True(t, found)
	count = 0
	for ; !it.AtEnd(); it.NextDuplicate() {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestHashTableResizeKeepsRows(t *testing.T) {
	keys := make([]int64, 0, 10000)
	for i := int64(0); i < 10000; i++ {
		keys = append(keys, i*3)
	}
	tbl := newTestTable(t, false, keys)
	assert.Greater(t, tbl.ht.NumResizes(), int64(0))
	assert.True(t, util.IsPowerOfTwo(uint64(tbl.ht.NumBuckets())))
	for _, key := range keys {
		_, found := tbl.probe(t, key)
		require.True(t, found, "key %d lost after resize", key)
	}
}

func TestHashTableFullScanAndUnmatched(t *testing.T) {
	keys := []int64{1, 2, 2, 3, 4, 5}
	tbl := newTestTable(t, true, keys)

	seen := 0
	for it := tbl.ht.Begin(); !it.AtEnd(); it.Next() {
		seen++
	}
	assert.Equal(t, len(keys), seen)

	assert.False(t, tbl.ht.HasMatches())
	for _, key := range []int64{2, 4} {
		it, found := tbl.probe(t, key)
		require.True(t, found)
		for ; !it.AtEnd(); it.NextDuplicate() {
			it.SetMatched()
		}
	}
	assert.True(t, tbl.ht.HasMatches())

	unmatched := make([]int64, 0)
	for it := tbl.ht.FirstUnmatched(); !it.AtEnd(); it.NextUnmatched() {
		unmatched = append(unmatched, it.GetRow()[0].I64)
	}
	assert.ElementsMatch(t, []int64{1, 3, 5}, unmatched)
}

func TestHashTableStats(t *testing.T) {
	keys := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	tbl := newTestTable(t, false, keys)
	for _, key := range keys {
		tbl.probe(t, key)
	}
	tbl.probe(t, 999)
	assert.Contains(t, tbl.ht.StatsString(), "probes=")
	assert.Greater(t, tbl.ht.MemUsage(), int64(0))
}
