package storage

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/exec/pkg/util"
)

func newTestMgr(t *testing.T, memLimit int64, blockSize int64) *BlockMgr {
	t.Helper()
	mgr := NewBlockMgr(&util.MemOptions{
		BlockSize: blockSize,
		MemLimit:  memLimit,
		SpillDir:  t.TempDir(),
	})
	t.Cleanup(mgr.Close)
	return mgr
}

func writeRow(t *testing.T, ts *TupleStream, payload uint64, size int) RowIdx {
	t.Helper()
	ptr, idx, ok, err := ts.AllocateRow(size, 0)
	require.NoError(t, err)
	require.True(t, ok)
	buf := util.PointerToSlice[byte](ptr, size)
	binary.LittleEndian.PutUint64(buf, payload)
	return idx
}

func TestTupleStreamAppendRead(t *testing.T) {
	mgr := newTestMgr(t, 1<<30, 1<<20)
	client := mgr.RegisterClient("test", 0)
	ts := NewTupleStream(mgr, client, "rows")
	ts.Init(true)

	const n = 10000
	idxs := make([]RowIdx, 0, n)
	for i := 0; i < n; i++ {
		idxs = append(idxs, writeRow(t, ts, uint64(i), 16))
	}
	assert.Equal(t, int64(n), ts.NumRows())

	got, err := ts.PrepareForRead(true)
	require.NoError(t, err)
	require.True(t, got)
	for i := 0; i < n; i++ {
		ptr, size, eos, err2 := ts.GetNextPtr()
		require.NoError(t, err2)
		require.False(t, eos)
		require.Equal(t, 16, size)
		buf := util.PointerToSlice[byte](ptr, size)
		assert.Equal(t, uint64(i), binary.LittleEndian.Uint64(buf))
	}
	_, _, eos, err := ts.GetNextPtr()
	require.NoError(t, err)
	assert.True(t, eos)

	// random access through row ids
	ptr, size := ts.GetRow(idxs[1234])
	assert.Equal(t, 16, size)
	assert.Equal(t, uint64(1234), binary.LittleEndian.Uint64(util.PointerToSlice[byte](ptr, size)))
}

func TestTupleStreamSpillRoundTrip(t *testing.T) {
	mgr := newTestMgr(t, 1<<30, 64<<10)
	client := mgr.RegisterClient("test", 0)
	ts := NewTupleStream(mgr, client, "rows")
	ts.Init(true)

	const n = 20000
	for i := 0; i < n; i++ {
		writeRow(t, ts, uint64(i), 24)
	}
	require.Greater(t, ts.NumBlocks(), 1)

	require.NoError(t, ts.UnpinStream(true))
	assert.Greater(t, ts.BytesUnpinned(), int64(0))
	assert.Greater(t, mgr.BytesWritten(), int64(0))

	got, err := ts.PrepareForRead(false)
	require.NoError(t, err)
	require.True(t, got)
	for i := 0; i < n; i++ {
		ptr, size, eos, err2 := ts.GetNextPtr()
		require.NoError(t, err2)
		require.False(t, eos)
		buf := util.PointerToSlice[byte](ptr, size)
		require.Equal(t, uint64(i), binary.LittleEndian.Uint64(buf))
	}
	_, _, eos, err := ts.GetNextPtr()
	require.NoError(t, err)
	assert.True(t, eos)
	assert.Greater(t, mgr.BytesRead(), int64(0))
}

func TestTupleStreamSmallBlockProgression(t *testing.T) {
	mgr := newTestMgr(t, 1<<30, 8<<20)
	client := mgr.RegisterClient("test", 0)
	ts := NewTupleStream(mgr, client, "rows")
	ts.Init(true)

	writeRow(t, ts, 1, 64)
	assert.Equal(t, 1, ts.NumBlocks())
	assert.False(t, ts.UsingIoBuffers())
	// first block is 64KiB; filling past it moves to the 512KiB tier
	for i := 0; i < 2000; i++ {
		writeRow(t, ts, uint64(i), 64)
	}
	assert.GreaterOrEqual(t, ts.NumBlocks(), 2)

	got, err := ts.SwitchToIoBufs()
	require.NoError(t, err)
	require.True(t, got)
	assert.True(t, ts.UsingIoBuffers())
}

func TestBlockMgrMemLimit(t *testing.T) {
	mgr := newTestMgr(t, 128<<10, 64<<10)
	client := mgr.RegisterClient("test", 0)

	blk1, err := mgr.GetNewBlock(client, 64<<10)
	require.NoError(t, err)
	require.NotNil(t, blk1)
	blk2, err := mgr.GetNewBlock(client, 64<<10)
	require.NoError(t, err)
	require.NotNil(t, blk2)
	// limit hit: no error, no block
	blk3, err := mgr.GetNewBlock(client, 64<<10)
	require.NoError(t, err)
	assert.Nil(t, blk3)

	// unpinning frees budget for the next allocation
	blk1.SetLen(128)
	require.NoError(t, blk1.Unpin())
	blk3, err = mgr.GetNewBlock(client, 64<<10)
	require.NoError(t, err)
	assert.NotNil(t, blk3)

	assert.Equal(t, int64(2), mgr.NumPinnedBuffers())
}
