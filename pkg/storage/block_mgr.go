package storage

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/daviszhen/exec/pkg/util"
)

type BlockID = int64

var ErrMemLimitTooLow = errors.New("memory limit is too low to make progress")

// ErrBadBlockChecksum means a spilled block came back from disk corrupted.
var ErrBadBlockChecksum = errors.New("spilled block failed checksum verification")

// BlockMgr hands out fixed-capacity byte blocks against a memory limit and
// pages unpinned blocks to a temp spill file. All consumption goes through a
// registered client so per-operator usage stays attributable.
type BlockMgr struct {
	_lock      *util.ReentryLock
	_blockSize int64
	_memLimit  int64
	_memUsed   int64
	_peakMem   int64
	_spillDir  string
	_spillFile *os.File
	_spillOff  int64
	_nextId    BlockID
	_blocks    *btree.Map[BlockID, *Block]
	_clients   []*BlockMgrClient

	_numPinned    atomic.Int64
	_bytesWritten int64
	_bytesRead    int64
	_writesOut    int64
}

type BlockMgrClient struct {
	_mgr      *BlockMgr
	_name     string
	_reserved int
	_consumed int64
}

type Block struct {
	_id       BlockID
	_mgr      *BlockMgr
	_client   *BlockMgrClient
	_buf      []byte
	_len      int
	_cap      int
	_numRows  int
	_pinned   bool
	_onDisk   bool
	_fileOff  int64
	_checksum uint64
	_deleted  bool
}

func NewBlockMgr(opts *util.MemOptions) *BlockMgr {
	return &BlockMgr{
		_lock:      util.NewReentryLock(),
		_blockSize: opts.BlockSize,
		_memLimit:  opts.MemLimit,
		_spillDir:  opts.SpillDir,
		_blocks:    btree.NewMap[BlockID, *Block](32),
	}
}

func (mgr *BlockMgr) BlockSize() int64 {
	return mgr._blockSize
}

func (mgr *BlockMgr) MemLimit() int64 {
	return mgr._memLimit
}

func (mgr *BlockMgr) MemUsed() int64 {
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	return mgr._memUsed
}

func (mgr *BlockMgr) MemAvailable() int64 {
	return mgr.MemLimit() - mgr.MemUsed()
}

func (mgr *BlockMgr) RegisterClient(name string, reservedBlocks int) *BlockMgrClient {
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	client := &BlockMgrClient{
		_mgr:      mgr,
		_name:     name,
		_reserved: reservedBlocks,
	}
	mgr._clients = append(mgr._clients, client)
	return client
}

// ConsumeMemory reserves n bytes against the limit. Returns false without
// side effects when the reservation cannot be satisfied.
func (client *BlockMgrClient) ConsumeMemory(n int64) bool {
	mgr := client._mgr
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	if mgr._memUsed+n > mgr._memLimit {
		return false
	}
	mgr._memUsed += n
	client._consumed += n
	if mgr._memUsed > mgr._peakMem {
		mgr._peakMem = mgr._memUsed
	}
	return true
}

func (client *BlockMgrClient) ReleaseMemory(n int64) {
	mgr := client._mgr
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	util.AssertFunc(client._consumed >= n)
	mgr._memUsed -= n
	client._consumed -= n
}

func (client *BlockMgrClient) BytesConsumed() int64 {
	return client._consumed
}

// GetNewBlock allocates a pinned block of the given capacity. A nil block
// with a nil error means the limit is hit; the caller decides what to spill.
func (mgr *BlockMgr) GetNewBlock(client *BlockMgrClient, cap int64) (*Block, error) {
	if !client.ConsumeMemory(cap) {
		return nil, nil
	}
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	blk := &Block{
		_id:     mgr._nextId,
		_mgr:    mgr,
		_client: client,
		_buf:    make([]byte, cap),
		_cap:    int(cap),
		_pinned: true,
	}
	mgr._nextId++
	mgr._blocks.Set(blk._id, blk)
	mgr._numPinned.Add(1)
	return blk, nil
}

func (mgr *BlockMgr) NumPinnedBuffers() int64 {
	return mgr._numPinned.Load()
}

func (mgr *BlockMgr) BytesWritten() int64 {
	return mgr._bytesWritten
}

func (mgr *BlockMgr) BytesRead() int64 {
	return mgr._bytesRead
}

func (mgr *BlockMgr) PeakMem() int64 {
	return mgr._peakMem
}

func (mgr *BlockMgr) spillHandle() (*os.File, error) {
	if mgr._spillFile != nil {
		return mgr._spillFile, nil
	}
	dir := mgr._spillDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "exec-spill-*")
	if err != nil {
		return nil, err
	}
	mgr._spillFile = f
	util.Info("created spill file", zap.String("path", f.Name()))
	return f, nil
}

func (mgr *BlockMgr) Close() {
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	if mgr._spillFile != nil {
		name := mgr._spillFile.Name()
		_ = mgr._spillFile.Close()
		_ = os.Remove(name)
		mgr._spillFile = nil
	}
}

func (blk *Block) Buf() []byte {
	return blk._buf
}

func (blk *Block) Len() int {
	return blk._len
}

func (blk *Block) SetLen(l int) {
	blk._len = l
}

func (blk *Block) Cap() int {
	return blk._cap
}

func (blk *Block) NumRows() int {
	return blk._numRows
}

func (blk *Block) AddRows(n int) {
	blk._numRows += n
}

func (blk *Block) IsPinned() bool {
	return blk._pinned
}

func (blk *Block) BytesRemaining() int {
	return blk._cap - blk._len
}

// Unpin writes the block's live bytes to the spill file and releases its
// buffer memory. Unpinning an unpinned block is a no-op.
func (blk *Block) Unpin() error {
	if !blk._pinned {
		return nil
	}
	util.AssertFunc(!blk._deleted)
	mgr := blk._mgr
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	f, err := mgr.spillHandle()
	if err != nil {
		return err
	}
	data := blk._buf[:blk._len]
	blk._checksum = xxhash.Sum64(data)
	if _, err = f.WriteAt(data, mgr._spillOff); err != nil {
		return err
	}
	blk._fileOff = mgr._spillOff
	mgr._spillOff += int64(blk._len)
	mgr._bytesWritten += int64(blk._len)
	mgr._writesOut++

	blk._onDisk = true
	blk._pinned = false
	blk._buf = nil
	mgr._numPinned.Add(-1)
	blk._client.ReleaseMemory(int64(blk._cap))
	return nil
}

// Pin brings a spilled block back into memory. Returns false when the
// memory reservation cannot be satisfied.
func (blk *Block) Pin() (bool, error) {
	if blk._pinned {
		return true, nil
	}
	util.AssertFunc(!blk._deleted && blk._onDisk)
	if !blk._client.ConsumeMemory(int64(blk._cap)) {
		return false, nil
	}
	mgr := blk._mgr
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	buf := make([]byte, blk._cap)
	if _, err := mgr._spillFile.ReadAt(buf[:blk._len], blk._fileOff); err != nil {
		blk._client.ReleaseMemory(int64(blk._cap))
		return false, err
	}
	if xxhash.Sum64(buf[:blk._len]) != blk._checksum {
		blk._client.ReleaseMemory(int64(blk._cap))
		return false, fmt.Errorf("%w: block %d", ErrBadBlockChecksum, blk._id)
	}
	mgr._bytesRead += int64(blk._len)
	blk._buf = buf
	blk._pinned = true
	blk._onDisk = false
	mgr._numPinned.Add(1)
	return true, nil
}

// Delete releases the block's memory and forgets it. Disk space in the
// spill file is not reclaimed until the manager closes.
func (blk *Block) Delete() {
	if blk._deleted {
		return
	}
	mgr := blk._mgr
	if blk._pinned {
		blk._client.ReleaseMemory(int64(blk._cap))
		mgr._numPinned.Add(-1)
		blk._buf = nil
		blk._pinned = false
	}
	blk._deleted = true
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	mgr._blocks.Delete(blk._id)
}
