package compute

import (
	"go.uber.org/zap"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/storage"
	"github.com/daviszhen/exec/pkg/util"
)

// JoinPartition is one shard of the build side: a build-row stream, a
// probe-row stream buffering rows whose partition is not resident, and a
// hash table present exactly while the partition is in memory. The join
// operator owns the pool; the back pointer only reaches shared context.
type JoinPartition struct {
	_parent *PartitionedHashJoin
	_idx    int
	_level  int

	_buildStream *storage.TupleStream
	_probeStream *storage.TupleStream
	_ht          *HashTable

	_isSpilled bool
	_isClosed  bool
}

func newJoinPartition(parent *PartitionedHashJoin, idx, level int) *JoinPartition {
	part := &JoinPartition{
		_parent: parent,
		_idx:    idx,
		_level:  level,
	}
	part._buildStream = storage.NewTupleStream(parent._ctx.Mgr, parent._client, "build-rows")
	part._buildStream.Init(true)
	part._probeStream = storage.NewTupleStream(parent._ctx.Mgr, parent._client, "probe-rows")
	part._probeStream.Init(true)
	return part
}

func (part *JoinPartition) rowOfIdx(data HtData) common.Row {
	ptr, _ := part._buildStream.GetRow(data._idx)
	return part._parent._buildLayout.DecodeRow(ptr)
}

// EstimatedInMemSize is the footprint of bringing this partition fully
// back: its build bytes plus a hash table sized for its row count.
func (part *JoinPartition) EstimatedInMemSize() int64 {
	return part._buildStream.ByteSize() + EstimateSize(part._buildStream.NumRows())
}

func (part *JoinPartition) InMemSize() int64 {
	ret := part._buildStream.BytesInMem() + part._probeStream.BytesInMem()
	if part._ht != nil {
		ret += part._ht.MemUsage()
	}
	return ret
}

// BuildHashTable pins the build stream and constructs the hash table at
// the partition's level. built=false means memory ran out; the caller
// spills this partition.
func (part *JoinPartition) BuildHashTable() (bool, error) {
	parent := part._parent
	ctx := parent._htCtx
	ctx.SetLevel(part._level)

	got, err := part._buildStream.PinStream()
	if err != nil {
		return false, err
	}
	if !got {
		return false, nil
	}
	numRows := part._buildStream.NumRows()
	ht, ok := NewHashTable(
		parent._ctx.Cfg.Exec.EnableQuadraticProbing,
		true,
		false,
		part._buildStream,
		part.rowOfIdx,
		parent._client,
		EstimateNumBuckets(numRows),
		0,
		parent._ctx.Mgr.BlockSize(),
	)
	if !ok {
		return false, nil
	}
	if !ht.CheckAndResize(numRows, ctx) {
		ht.Close()
		return false, nil
	}

	if _, err = part._buildStream.PrepareForRead(true); err != nil {
		ht.Close()
		return false, err
	}
	evc := ctx.ValuesCache()
	r := 0
	for {
		ptr, _, idx, eos, err2 := part._buildStream.GetNextIdx()
		if err2 != nil {
			ht.Close()
			return false, err2
		}
		if eos {
			break
		}
		row := parent._buildLayout.DecodeRow(ptr)
		ctx.EvalBuildRow(r, row)
		hash := ctx.HashRow(r)
		if !ht.Insert(ctx, r, hash, HtData{_idx: idx}) {
			ht.Close()
			return false, nil
		}
		r++
		if r >= evc.Capacity() {
			r = 0
		}
	}
	part._ht = ht
	part._isSpilled = false
	util.Debug("built join hash table",
		zap.Int("node", parent._node.Id),
		zap.Int("partition", part._idx),
		zap.Int("level", part._level),
		zap.Int64("rows", numRows),
		zap.String("stats", ht.StatsString()))
	return true, nil
}

// Spill drops the hash table and unpins the streams. A partition that
// already produced probe matches holds state outer and anti joins need,
// so it must never be chosen.
func (part *JoinPartition) Spill() error {
	util.AssertFunc(!part._isClosed)
	util.AssertFunc(part._ht == nil || !part._ht.HasMatches())
	if part._ht != nil {
		part._ht.Close()
		part._ht = nil
	}
	part._isSpilled = true
	if err := part._buildStream.UnpinStream(false); err != nil {
		return err
	}
	if err := part._probeStream.UnpinStream(false); err != nil {
		return err
	}
	part._parent._numSpilled++
	util.Debug("spilled join partition",
		zap.Int("node", part._parent._node.Id),
		zap.Int("partition", part._idx),
		zap.Int("level", part._level),
		zap.Int64("build_rows", part._buildStream.NumRows()))
	return nil
}

// Close releases the partition. When batch is set the streams are
// attached to it and reclaimed lazily with the batch.
func (part *JoinPartition) Close(batch *RowBatch) {
	if part._isClosed {
		return
	}
	if part._ht != nil {
		part._ht.Close()
		part._ht = nil
	}
	if batch != nil {
		batch.AttachStream(part._buildStream)
		batch.AttachStream(part._probeStream)
	} else {
		part._buildStream.Close()
		part._probeStream.Close()
	}
	part._isClosed = true
}
