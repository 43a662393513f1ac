package storage

import (
	"unsafe"

	"github.com/daviszhen/exec/pkg/util"
)

const (
	rowLenPrefix = 4

	// The first blocks of a stream are small so that tiny inputs do not
	// pay IO-sized allocations.
	smallBlockSize0 = 64 * 1024
	smallBlockSize1 = 512 * 1024
)

// RowIdx addresses a row inside a TupleStream. It is opaque to callers and
// compact enough to live in a hash-table bucket.
type RowIdx struct {
	BlockIdx uint32
	Offset   uint32
}

// TupleStream is an append-only row container over BlockMgr blocks. Rows
// are written as a length prefix followed by the row image (fixed part then
// varlen bytes); the image round-trips through the spill file unchanged.
type TupleStream struct {
	_mgr    *BlockMgr
	_client *BlockMgrClient
	_desc   string

	_blocks []*Block
	_write  *Block

	_numRows     int64
	_byteSize    int64
	_smallBlocks bool
	_pinnedMode  bool
	_closed      bool

	_readBlock  int
	_readOffset int
	_readPinAll bool
}

func NewTupleStream(mgr *BlockMgr, client *BlockMgrClient, desc string) *TupleStream {
	return &TupleStream{
		_mgr:    mgr,
		_client: client,
		_desc:   desc,
	}
}

// Init prepares the stream for writing. useSmallBuffers keeps the first
// blocks below IO size.
func (ts *TupleStream) Init(useSmallBuffers bool) {
	ts._smallBlocks = useSmallBuffers
	ts._pinnedMode = true
}

func (ts *TupleStream) Desc() string {
	return ts._desc
}

func (ts *TupleStream) NumRows() int64 {
	return ts._numRows
}

func (ts *TupleStream) ByteSize() int64 {
	return ts._byteSize
}

func (ts *TupleStream) BytesInMem() int64 {
	ret := int64(0)
	for _, blk := range ts._blocks {
		if blk.IsPinned() {
			ret += int64(blk.Cap())
		}
	}
	return ret
}

func (ts *TupleStream) BytesUnpinned() int64 {
	ret := int64(0)
	for _, blk := range ts._blocks {
		if !blk.IsPinned() {
			ret += int64(blk.Len())
		}
	}
	return ret
}

func (ts *TupleStream) NumBlocks() int {
	return len(ts._blocks)
}

func (ts *TupleStream) UsingIoBuffers() bool {
	return !ts._smallBlocks
}

func (ts *TupleStream) nextBlockSize(need int) int64 {
	sz := ts._mgr.BlockSize()
	if ts._smallBlocks {
		small := int64(0)
		switch len(ts._blocks) {
		case 0:
			small = smallBlockSize0
		case 1:
			small = smallBlockSize1
		}
		if small > 0 && small < sz && int64(need) <= small {
			return small
		}
	}
	if int64(need) > sz {
		sz = int64(util.AlignValue(uint64(need), 4096))
	}
	return sz
}

// SwitchToIoBufs abandons the small-block progression and allocates an
// IO-sized write block. Returns false when memory is not available.
func (ts *TupleStream) SwitchToIoBufs() (bool, error) {
	if !ts._smallBlocks {
		return true, nil
	}
	ts._smallBlocks = false
	return ts.newWriteBlock(0)
}

func (ts *TupleStream) newWriteBlock(need int) (bool, error) {
	sz := ts.nextBlockSize(need)
	blk, err := ts._mgr.GetNewBlock(ts._client, sz)
	if err != nil {
		return false, err
	}
	if blk == nil {
		return false, nil
	}
	if ts._write != nil && !ts._pinnedMode {
		if err = ts._write.Unpin(); err != nil {
			return false, err
		}
	}
	ts._blocks = append(ts._blocks, blk)
	ts._write = blk
	return true, nil
}

// AllocateRow reserves space for one row of fixedSize+varlenSize bytes and
// returns the row pointer and its stream index. ok=false means the memory
// limit was hit; the stream stays writable.
func (ts *TupleStream) AllocateRow(fixedSize, varlenSize int) (unsafe.Pointer, RowIdx, bool, error) {
	need := rowLenPrefix + fixedSize + varlenSize
	if ts._write == nil || !ts._write.IsPinned() || ts._write.BytesRemaining() < need {
		got, err := ts.newWriteBlock(need)
		if err != nil || !got {
			return nil, RowIdx{}, false, err
		}
	}
	blk := ts._write
	off := blk.Len()
	buf := blk.Buf()
	rowLen := uint32(fixedSize + varlenSize)
	util.Store[uint32](rowLen, util.BytesSliceToPointer(buf[off:]))
	rowPtr := util.BytesSliceToPointer(buf[off+rowLenPrefix:])
	blk.SetLen(off + need)
	blk.AddRows(1)
	ts._numRows++
	ts._byteSize += int64(need)
	idx := RowIdx{
		BlockIdx: uint32(len(ts._blocks) - 1),
		Offset:   uint32(off),
	}
	return rowPtr, idx, true, nil
}

// GetRow dereferences a RowIdx. The addressed block must be pinned.
func (ts *TupleStream) GetRow(idx RowIdx) (unsafe.Pointer, int) {
	blk := ts._blocks[idx.BlockIdx]
	util.AssertFunc(blk.IsPinned())
	buf := blk.Buf()
	rowLen := util.Load[uint32](util.BytesSliceToPointer(buf[idx.Offset:]))
	return util.BytesSliceToPointer(buf[idx.Offset+rowLenPrefix:]), int(rowLen)
}

// UnpinStream unpins the stream's blocks. Unless all is set, the write
// block stays pinned so appends can continue.
func (ts *TupleStream) UnpinStream(all bool) error {
	ts._pinnedMode = false
	for _, blk := range ts._blocks {
		if !all && blk == ts._write {
			continue
		}
		if err := blk.Unpin(); err != nil {
			return err
		}
	}
	return nil
}

// PinStream pins every block back into memory. On failure the blocks
// pinned by this call are unpinned again.
func (ts *TupleStream) PinStream() (bool, error) {
	var pinned []*Block
	for _, blk := range ts._blocks {
		if blk.IsPinned() {
			continue
		}
		got, err := blk.Pin()
		if err != nil {
			return false, err
		}
		if !got {
			for _, p := range pinned {
				_ = p.Unpin()
			}
			return false, nil
		}
		pinned = append(pinned, blk)
	}
	ts._pinnedMode = true
	return true, nil
}

// PrepareForRead rewinds the stream. With pinAll every block is pinned for
// the whole read; otherwise blocks are pinned one at a time and released
// as the cursor passes them.
func (ts *TupleStream) PrepareForRead(pinAll bool) (bool, error) {
	ts._readBlock = 0
	ts._readOffset = 0
	ts._readPinAll = pinAll
	if pinAll {
		return ts.PinStream()
	}
	if len(ts._blocks) > 0 && !ts._blocks[0].IsPinned() {
		return ts._blocks[0].Pin()
	}
	return true, nil
}

// GetNextIdx yields the next row pointer and its stream index, or eos.
// In non-pinAll mode the previous block is unpinned when the cursor
// crosses a block boundary.
func (ts *TupleStream) GetNextIdx() (unsafe.Pointer, int, RowIdx, bool, error) {
	for {
		if ts._readBlock >= len(ts._blocks) {
			return nil, 0, RowIdx{}, true, nil
		}
		blk := ts._blocks[ts._readBlock]
		if ts._readOffset >= blk.Len() {
			if !ts._readPinAll && blk != ts._write {
				if err := blk.Unpin(); err != nil {
					return nil, 0, RowIdx{}, false, err
				}
			}
			ts._readBlock++
			ts._readOffset = 0
			if ts._readBlock < len(ts._blocks) {
				next := ts._blocks[ts._readBlock]
				if !next.IsPinned() {
					got, err := next.Pin()
					if err != nil {
						return nil, 0, RowIdx{}, false, err
					}
					if !got {
						return nil, 0, RowIdx{}, false, ErrMemLimitTooLow
					}
				}
			}
			continue
		}
		idx := RowIdx{
			BlockIdx: uint32(ts._readBlock),
			Offset:   uint32(ts._readOffset),
		}
		buf := blk.Buf()
		rowLen := util.Load[uint32](util.BytesSliceToPointer(buf[ts._readOffset:]))
		ptr := util.BytesSliceToPointer(buf[ts._readOffset+rowLenPrefix:])
		ts._readOffset += rowLenPrefix + int(rowLen)
		return ptr, int(rowLen), idx, false, nil
	}
}

// GetNextPtr is GetNextIdx without the index.
func (ts *TupleStream) GetNextPtr() (unsafe.Pointer, int, bool, error) {
	ptr, size, _, eos, err := ts.GetNextIdx()
	return ptr, size, eos, err
}

func (ts *TupleStream) Close() {
	if ts._closed {
		return
	}
	for _, blk := range ts._blocks {
		blk.Delete()
	}
	ts._blocks = nil
	ts._write = nil
	ts._closed = true
}
