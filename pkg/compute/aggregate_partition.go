package compute

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/storage"
	"github.com/daviszhen/exec/pkg/util"
)

// AggPartition is one shard of grouping state: a hash table over the
// aggregated stream's intermediate tuples, plus an unaggregated stream
// that buffers raw input once the partition has spilled. The operator
// owns the partition pool; partitions only borrow the back pointer.
type AggPartition struct {
	_parent *PartitionedAggregator
	_idx    int
	_level  int

	_aggStream   *storage.TupleStream
	_unaggStream *storage.TupleStream
	_ht          *HashTable
	_reg         *AggStateRegistry

	_isSpilled bool
	_isClosed  bool
	// aggStream rows use the serialized layout (set when Spill serializes
	// registry-backed intermediates out of a resident hash table)
	_serialized bool
}

func newAggPartition(parent *PartitionedAggregator, idx, level int) *AggPartition {
	part := &AggPartition{
		_parent: parent,
		_idx:    idx,
		_level:  level,
	}
	part._aggStream = storage.NewTupleStream(parent._ctx.Mgr, parent._client, "agg-rows")
	part._aggStream.Init(true)
	if !parent._streaming {
		part._unaggStream = storage.NewTupleStream(parent._ctx.Mgr, parent._client, "unagg-rows")
		part._unaggStream.Init(true)
	}
	part._reg = NewAggStateRegistry()
	return part
}

func (part *AggPartition) initHashTable() bool {
	parent := part._parent
	ht, ok := NewHashTable(
		parent._ctx.Cfg.Exec.EnableQuadraticProbing,
		false,
		true,
		nil,
		part.rowOfTuple,
		parent._client,
		64,
		0,
		parent._ctx.Mgr.BlockSize(),
	)
	if !ok {
		return false
	}
	part._ht = ht
	return true
}

// rowOfTuple decodes the group-key prefix of a resident intermediate
// tuple for equality checks.
func (part *AggPartition) rowOfTuple(data HtData) common.Row {
	spec := part._parent._spec
	row := make(common.Row, spec.GroupCount())
	for i := 0; i < spec.GroupCount(); i++ {
		row[i] = spec._interLayout.DecodeValue(data._tuple, i)
	}
	return row
}

// EstimatedInMemSize is the victim-choice metric: stream bytes in memory
// plus hash-table bytes plus registry bytes.
func (part *AggPartition) EstimatedInMemSize() int64 {
	ret := part._aggStream.BytesInMem()
	if part._unaggStream != nil {
		ret += part._unaggStream.BytesInMem()
	}
	if part._ht != nil {
		ret += part._ht.MemUsage()
	}
	if part._reg != nil {
		ret += part._reg.ByteSize()
	}
	return ret
}

func (part *AggPartition) numRows() int64 {
	ret := part._aggStream.NumRows()
	if part._unaggStream != nil {
		ret += part._unaggStream.NumRows()
	}
	return ret
}

// Spill converts the partition to its on-disk form: registry-backed
// intermediates are serialized into a fresh stream laid out for disk,
// the hash table and registry are dropped, and the streams unpinned.
func (part *AggPartition) Spill() error {
	util.AssertFunc(!part._isSpilled && !part._isClosed)
	parent := part._parent
	util.AssertFunc(!parent._streaming)

	if parent._spec._needsSerialize && part._ht != nil {
		if err := part.serializeIntoStream(parent.takeSerializeStream()); err != nil {
			return err
		}
		part._serialized = true
	}
	if part._ht != nil {
		part._ht.Close()
		part._ht = nil
	}
	part._reg = nil
	part._isSpilled = true

	if err := part._aggStream.UnpinStream(true); err != nil {
		return err
	}
	if part._unaggStream != nil {
		if err := part._unaggStream.UnpinStream(false); err != nil {
			return err
		}
	}
	parent._numSpilled++
	util.Debug("spilled aggregation partition",
		zap.Int("node", parent._node.Id),
		zap.Int("partition", part._idx),
		zap.Int("level", part._level),
		zap.Int64("rows", part.numRows()))
	return nil
}

// serializeIntoStream walks the hash table and rewrites every resident
// tuple in the self-contained serialized layout, then swaps streams.
func (part *AggPartition) serializeIntoStream(dst *storage.TupleStream) error {
	parent := part._parent
	spec := parent._spec
	// keep only the write block of the destination resident
	if err := dst.UnpinStream(false); err != nil {
		return err
	}
	for it := part._ht.Begin(); !it.AtEnd(); it.Next() {
		tuple := it.GetData()._tuple
		row := make(common.Row, 0, len(spec._serLayout.Types()))
		for i := 0; i < spec.GroupCount(); i++ {
			row = append(row, spec._interLayout.DecodeValue(tuple, i))
		}
		for _, fn := range spec._aggFns {
			row = append(row, fn.Serialize(spec._interLayout, tuple, part._reg)...)
		}
		if ok, err := appendRow(dst, spec._serLayout, row); err != nil {
			return err
		} else if !ok {
			return memLimitErr("aggregation", parent._node.Id, part._level,
				"cannot serialize partition for spilling")
		}
	}
	part._aggStream.Close()
	part._aggStream = dst
	return nil
}

func (part *AggPartition) Close() {
	if part._isClosed {
		return
	}
	if part._ht != nil {
		part._ht.Close()
		part._ht = nil
	}
	part._reg = nil
	if part._aggStream != nil {
		part._aggStream.Close()
	}
	if part._unaggStream != nil {
		part._unaggStream.Close()
	}
	part._isClosed = true
}

// appendRow encodes row into ts. ok=false means the memory limit was hit.
func appendRow(ts *storage.TupleStream, layout *RowLayout, row common.Row) (bool, error) {
	varlen := layout.VarlenSize(row)
	ptr, _, ok, err := ts.AllocateRow(layout.FixedWidth(), varlen)
	if err != nil || !ok {
		return false, err
	}
	layout.EncodeRow(ptr, row)
	return true, nil
}

// allocTuple reserves an intermediate tuple in the aggregated stream and
// writes the group key into it; state slots are left for Init.
func (part *AggPartition) allocTuple(groups common.Row) (unsafe.Pointer, bool, error) {
	spec := part._parent._spec
	varlen := 0
	for i, typ := range spec._groupTypes {
		if typ.IsVarlen() && !groups[i].IsNull {
			varlen += len(groups[i].Str)
		}
	}
	ptr, _, ok, err := part._aggStream.AllocateRow(spec._interLayout.FixedWidth(), varlen)
	if err != nil || !ok {
		return nil, false, err
	}
	writeTuplePrefix(spec._interLayout, ptr, groups)
	return ptr, true, nil
}

// writeTuplePrefix encodes the leading columns of an image without
// touching the rest (state slots follow the key).
func writeTuplePrefix(layout *RowLayout, ptr unsafe.Pointer, groups common.Row) {
	full := make(common.Row, layout.ColumnCount())
	copy(full, groups)
	layout.EncodeRow(ptr, full)
}
