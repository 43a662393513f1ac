package compute

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/storage"
	"github.com/daviszhen/exec/pkg/util"
)

// streamingHtMinReduction maps the current preagg hash-table footprint to
// the minimum observed reduction that justifies growing further: grow
// freely inside L2, into L3 only if reducing, past that only if strongly
// reducing.
type streamingHtMinReductionEntry struct {
	minHtMem     int64
	minReduction float64
}

var streamingHtMinReduction = []streamingHtMinReductionEntry{
	{0, 0.0},
	{256 * 1024, 1.1},
	{2 * 1024 * 1024, 2.0},
}

// PartitionedAggregator drives grouping aggregation: hash-partition the
// input, aggregate in per-partition hash tables, spill the largest
// partition on memory pressure, and recursively repartition spilled data
// at deeper levels with fresh hash seeds. The streaming variant never
// spills; it passes rows through when the observed reduction is poor.
type PartitionedAggregator struct {
	_node   *AggNode
	_ctx    *ExecCtx
	_child  RowSource
	_client *storage.BlockMgrClient
	_spec   *AggSpec
	_htCtx  *HashTableCtx
	_exec   ExprExec

	_streaming  bool
	_fanoutBits uint
	_maxDepth   int

	_partitions      []*AggPartition
	_outputQueue     []*AggPartition
	_spilledParts    []*AggPartition
	_serializeStream *storage.TupleStream

	_outputPart *AggPartition
	_outputIter HtIter

	// no-grouping singleton, built eagerly so empty input still yields
	// one identity row
	_singletonBuf  []byte
	_singletonPtr  unsafe.Pointer
	_singletonReg  *AggStateRegistry
	_singletonDone bool

	_childEos bool
	_cacheIdx int

	_numInputProcessed    int64
	_numPassThrough       int64
	_numSpilled           int64
	_numRepartitions      int64
	_numRowsRepartitioned int64
	_maintCounter         int

	_opened bool
}

func NewPartitionedAggregator(node *AggNode, ctx *ExecCtx, child RowSource) *PartitionedAggregator {
	agg := &PartitionedAggregator{
		_node:       node,
		_ctx:        ctx,
		_child:      child,
		_spec:       NewAggSpec(node),
		_streaming:  ctx.Cfg.Exec.StreamingPreaggregation,
		_fanoutBits: uint(ctx.Cfg.Exec.PartitionFanoutBits),
		_maxDepth:   ctx.Cfg.Exec.MaxPartitionDepth,
	}
	if agg._maxDepth > MaxPartitionLevels {
		agg._maxDepth = MaxPartitionLevels
	}
	if len(node.GroupingExprs) == 0 {
		agg._streaming = false
	}
	return agg
}

func (agg *PartitionedAggregator) NumSpilledPartitions() int64 {
	return agg._numSpilled
}

func (agg *PartitionedAggregator) NumRepartitions() int64 {
	return agg._numRepartitions
}

func (agg *PartitionedAggregator) NumPassThroughRows() int64 {
	return agg._numPassThrough
}

func (agg *PartitionedAggregator) OutputTypes() []common.LType {
	return agg._spec.OutputTypes()
}

func (agg *PartitionedAggregator) Open() error {
	util.AssertFunc(!agg._opened)
	agg._opened = true
	if err := agg._child.Open(); err != nil {
		return err
	}
	agg._client = agg._ctx.Mgr.RegisterClient("aggregation", 2)

	if agg._spec.GroupCount() == 0 {
		agg.prepareSingleton()
		return agg.consumeChildNoGrouping()
	}

	findsNulls := make([]bool, agg._spec.GroupCount())
	for i := range findsNulls {
		findsNulls[i] = true
	}
	agg._htCtx = NewHashTableCtx(
		agg._spec.groupingBuildExprs(),
		agg._node.GroupingExprs,
		true,
		findsNulls,
		1,
		agg._maxDepth,
		agg._ctx.Cfg.Exec.BatchSize,
	)
	if err := agg.createHashPartitions(0); err != nil {
		return err
	}
	if agg._streaming {
		return nil
	}
	if agg._spec._needsSerialize {
		agg._serializeStream = agg.newSerializeStream()
	}
	if err := agg.consumeChild(); err != nil {
		return err
	}
	agg.queuePartitions()
	return nil
}

func (agg *PartitionedAggregator) newSerializeStream() *storage.TupleStream {
	ts := storage.NewTupleStream(agg._ctx.Mgr, agg._client, "serialize-stream")
	ts.Init(false)
	return ts
}

// takeSerializeStream hands the pre-created spill destination to a
// partition and replaces it for the next spill.
func (agg *PartitionedAggregator) takeSerializeStream() *storage.TupleStream {
	ts := agg._serializeStream
	agg._serializeStream = agg.newSerializeStream()
	return ts
}

func (agg *PartitionedAggregator) prepareSingleton() {
	agg._singletonBuf = make([]byte, agg._spec._interLayout.FixedWidth())
	agg._singletonPtr = util.BytesSliceToPointer(agg._singletonBuf)
	agg._singletonReg = NewAggStateRegistry()
	for _, fn := range agg._spec._aggFns {
		fn.Init(agg._spec._interLayout, agg._singletonPtr, agg._singletonReg)
	}
}

func (agg *PartitionedAggregator) consumeChildNoGrouping() error {
	batch := NewRowBatch(agg._ctx.Cfg.Exec.BatchSize)
	for {
		batch.Reset()
		eos, err := agg._child.Next(batch)
		if err != nil {
			return err
		}
		for _, row := range batch.Rows() {
			for _, fn := range agg._spec._aggFns {
				fn.Update(agg._spec._interLayout, agg._singletonPtr, row, agg._singletonReg)
			}
		}
		if err = agg._ctx.QueryMaintenance(); err != nil {
			return err
		}
		if eos {
			return nil
		}
	}
}

func (agg *PartitionedAggregator) createHashPartitions(level int) error {
	if level > agg._maxDepth {
		return depthErr("aggregation", agg._node.Id, level)
	}
	agg._htCtx.SetLevel(level)
	fanout := 1 << agg._fanoutBits
	agg._partitions = make([]*AggPartition, fanout)
	for i := 0; i < fanout; i++ {
		part := newAggPartition(agg, i, level)
		agg._partitions[i] = part
		if !part.initHashTable() {
			if agg._streaming {
				return memLimitErr("aggregation", agg._node.Id, level,
					"cannot allocate preaggregation hash table")
			}
			if err := part.Spill(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (agg *PartitionedAggregator) consumeChild() error {
	batch := NewRowBatch(agg._ctx.Cfg.Exec.BatchSize)
	for {
		batch.Reset()
		eos, err := agg._child.Next(batch)
		if err != nil {
			return err
		}
		if err = agg.processBatch(batch.Rows(), agg._node.IsMerge); err != nil {
			return err
		}
		if eos {
			return nil
		}
	}
}

// ensureCapacity resizes every resident hash table for n more rows,
// spilling the largest partition when a resize cannot get memory.
func (agg *PartitionedAggregator) ensureCapacity(n int64) error {
	for {
		ok := true
		for _, part := range agg._partitions {
			if part._isSpilled || part._ht == nil {
				continue
			}
			if !part._ht.CheckAndResize(n, agg._htCtx) {
				ok = false
				break
			}
		}
		if ok {
			return nil
		}
		if err := agg.spillLargestPartition(); err != nil {
			return err
		}
	}
}

func (agg *PartitionedAggregator) spillLargestPartition() error {
	var victim *AggPartition
	var victimSize int64
	for _, part := range agg._partitions {
		if part._isSpilled || part._isClosed {
			continue
		}
		sz := part.EstimatedInMemSize()
		if victim == nil || sz > victimSize {
			victim = part
			victimSize = sz
		}
	}
	if victim == nil {
		return memLimitErr("aggregation", agg._node.Id, agg._htCtx.Level(),
			"all partitions are already spilled")
	}
	return victim.Spill()
}

func (agg *PartitionedAggregator) processBatch(rows []common.Row, aggregated bool) error {
	if err := agg.ensureCapacity(int64(len(rows))); err != nil {
		return err
	}
	for _, row := range rows {
		if err := agg.processRow(row, aggregated); err != nil {
			return err
		}
		agg._maintCounter++
		if agg._maintCounter >= agg._ctx.MaintInterval() {
			agg._maintCounter = 0
			if err := agg._ctx.QueryMaintenance(); err != nil {
				return err
			}
		}
	}
	return agg._ctx.QueryMaintenance()
}

func (agg *PartitionedAggregator) nextCacheIdx() int {
	r := agg._cacheIdx
	agg._cacheIdx++
	if agg._cacheIdx >= agg._htCtx.ValuesCache().Capacity() {
		agg._cacheIdx = 0
	}
	return r
}

func (agg *PartitionedAggregator) groupValues(row common.Row, aggregated bool) common.Row {
	if aggregated {
		return row[:agg._spec.GroupCount()]
	}
	groups := make(common.Row, agg._spec.GroupCount())
	for i, e := range agg._node.GroupingExprs {
		groups[i] = agg._exec.EvalExpr(e, row)
	}
	return groups
}

func (agg *PartitionedAggregator) processRow(row common.Row, aggregated bool) error {
	r := agg.nextCacheIdx()
	if aggregated {
		agg._htCtx.EvalBuildRow(r, row)
	} else {
		agg._htCtx.EvalProbeRow(r, row)
	}
	hash := agg._htCtx.HashRow(r)
	pidx := hash >> (32 - agg._fanoutBits)

	for {
		part := agg._partitions[pidx]
		if part._isSpilled {
			return agg.appendToSpilled(part, row, aggregated)
		}
		ht := part._ht
		bucketIdx, found := ht.FindBuildRowBucket(agg._htCtx, r, hash)
		if found {
			tuple := ht.BucketData(bucketIdx)._tuple
			agg.updateTuple(tuple, row, aggregated, part._reg)
			return nil
		}
		util.AssertFunc(bucketIdx != BucketNotFound)
		groups := agg.groupValues(row, aggregated)
		ptr, ok, err := part.allocTuple(groups)
		if err != nil {
			return err
		}
		if !ok {
			// out of memory; spill someone and retry (the target
			// partition itself may be the victim)
			if err = agg.spillLargestPartition(); err != nil {
				return err
			}
			continue
		}
		for _, fn := range agg._spec._aggFns {
			fn.Init(agg._spec._interLayout, ptr, part._reg)
		}
		agg.updateTuple(ptr, row, aggregated, part._reg)
		ht.InsertAt(bucketIdx, hash, HtData{_tuple: ptr})
		return nil
	}
}

func (agg *PartitionedAggregator) updateTuple(tuple unsafe.Pointer, row common.Row, aggregated bool, reg *AggStateRegistry) {
	for _, fn := range agg._spec._aggFns {
		if aggregated {
			fn.Merge(agg._spec._interLayout, tuple, row, reg)
		} else {
			fn.Update(agg._spec._interLayout, tuple, row, reg)
		}
	}
}

func (agg *PartitionedAggregator) appendToSpilled(part *AggPartition, row common.Row, aggregated bool) error {
	var ts *storage.TupleStream
	var layout *RowLayout
	if aggregated {
		ts = part._aggStream
		layout = agg._spec._serLayout
	} else {
		ts = part._unaggStream
		layout = agg._spec._inputLayout
	}
	for {
		ok, err := appendRow(ts, layout, row)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err = agg.spillLargestPartition(); err != nil {
			return err
		}
	}
}

func (agg *PartitionedAggregator) queuePartitions() {
	for _, part := range agg._partitions {
		if part._isSpilled {
			agg._spilledParts = append(agg._spilledParts, part)
		} else {
			agg._outputQueue = append(agg._outputQueue, part)
		}
	}
	agg._partitions = nil
}

func (agg *PartitionedAggregator) GetNext(out *RowBatch) (bool, error) {
	if err := agg._ctx.CheckCancelled(); err != nil {
		return false, err
	}
	if agg._spec.GroupCount() == 0 {
		return agg.getNextNoGrouping(out)
	}
	if agg._streaming {
		return agg.getNextStreaming(out)
	}
	return agg.getNextPartitioned(out)
}

func (agg *PartitionedAggregator) getNextNoGrouping(out *RowBatch) (bool, error) {
	if agg._singletonDone {
		return true, nil
	}
	agg._singletonDone = true
	out.AddRow(agg.outputTupleRow(agg._singletonPtr, agg._singletonReg))
	return true, nil
}

// outputTupleRow renders an intermediate tuple as an output row:
// finalized values when the plan requests finalization, serialized
// intermediates otherwise.
func (agg *PartitionedAggregator) outputTupleRow(tuple unsafe.Pointer, reg *AggStateRegistry) common.Row {
	spec := agg._spec
	row := make(common.Row, 0, spec.GroupCount()+len(spec._aggFns))
	for i := 0; i < spec.GroupCount(); i++ {
		row = append(row, spec._interLayout.DecodeValue(tuple, i))
	}
	for _, fn := range spec._aggFns {
		if agg._node.NeedsFinalize {
			row = append(row, fn.Finalize(spec._interLayout, tuple, reg))
		} else {
			row = append(row, fn.Serialize(spec._interLayout, tuple, reg)...)
		}
	}
	return row
}

func (agg *PartitionedAggregator) getNextPartitioned(out *RowBatch) (bool, error) {
	for {
		if agg._outputPart == nil {
			if len(agg._outputQueue) > 0 {
				agg._outputPart = agg._outputQueue[len(agg._outputQueue)-1]
				agg._outputQueue = util.Pop(agg._outputQueue)
				agg._outputIter = agg._outputPart._ht.Begin()
			} else if len(agg._spilledParts) > 0 {
				if err := agg.repartitionNext(); err != nil {
					return false, err
				}
				continue
			} else {
				return true, nil
			}
		}
		for !agg._outputIter.AtEnd() && !out.AtCapacity() {
			tuple := agg._outputIter.GetData()._tuple
			out.AddRow(agg.outputTupleRow(tuple, agg._outputPart._reg))
			agg._outputIter.Next()
		}
		if agg._outputIter.AtEnd() {
			agg._outputPart.Close()
			agg._outputPart = nil
			continue
		}
		return false, nil
	}
}

// repartitionNext pops one spilled partition and redistributes its rows
// over a fresh set of partitions at the next level.
func (agg *PartitionedAggregator) repartitionNext() error {
	part := agg._spilledParts[len(agg._spilledParts)-1]
	agg._spilledParts = util.Pop(agg._spilledParts)

	level := part._level + 1
	if err := agg.createHashPartitions(level); err != nil {
		return err
	}
	agg._numRepartitions++
	inputRows := part.numRows()
	util.Debug("repartitioning aggregation partition",
		zap.Int("node", agg._node.Id),
		zap.Int("level", level),
		zap.Int64("rows", inputRows))

	if err := agg.processStream(part._aggStream, agg._spec._serLayout, true); err != nil {
		return err
	}
	if part._unaggStream != nil {
		if err := agg.processStream(part._unaggStream, agg._spec._inputLayout, false); err != nil {
			return err
		}
	}
	agg._numRowsRepartitioned += inputRows
	part.Close()

	largest := int64(0)
	for _, child := range agg._partitions {
		if n := child.numRows(); n > largest {
			largest = n
		}
	}
	if largest >= inputRows && largest > 0 {
		return repartitionErr("aggregation", agg._node.Id, level, inputRows, largest)
	}
	agg.queuePartitions()
	return nil
}

func (agg *PartitionedAggregator) processStream(ts *storage.TupleStream, layout *RowLayout, aggregated bool) error {
	got, err := ts.PrepareForRead(false)
	if err != nil {
		return err
	}
	if !got {
		return memLimitErr("aggregation", agg._node.Id, agg._htCtx.Level(),
			"cannot pin spilled stream for reading")
	}
	batch := make([]common.Row, 0, agg._ctx.Cfg.Exec.BatchSize)
	for {
		ptr, _, eos, err := ts.GetNextPtr()
		if err != nil {
			return err
		}
		if !eos {
			batch = append(batch, layout.DecodeRow(ptr))
			if len(batch) < cap(batch) {
				continue
			}
		}
		if err = agg.processBatch(batch, aggregated); err != nil {
			return err
		}
		batch = batch[:0]
		if eos {
			return nil
		}
	}
}

func (agg *PartitionedAggregator) getNextStreaming(out *RowBatch) (bool, error) {
	batch := NewRowBatch(agg._ctx.Cfg.Exec.BatchSize)
	for !agg._childEos && out.Card() == 0 {
		batch.Reset()
		eos, err := agg._child.Next(batch)
		if err != nil {
			return false, err
		}
		agg._childEos = eos
		for _, row := range batch.Rows() {
			pass, err := agg.processRowStreaming(row)
			if err != nil {
				return false, err
			}
			if pass {
				out.AddRow(agg.passThroughRow(row))
			}
		}
		if err = agg._ctx.QueryMaintenance(); err != nil {
			return false, err
		}
	}
	if out.Card() > 0 {
		return false, nil
	}
	// drain the aggregated groups
	for {
		if agg._outputPart == nil {
			if len(agg._partitions) == 0 {
				return true, nil
			}
			agg._outputPart = agg._partitions[len(agg._partitions)-1]
			agg._partitions = util.Pop(agg._partitions)
			agg._outputIter = agg._outputPart._ht.Begin()
		}
		for !agg._outputIter.AtEnd() && !out.AtCapacity() {
			tuple := agg._outputIter.GetData()._tuple
			out.AddRow(agg.outputTupleRow(tuple, agg._outputPart._reg))
			agg._outputIter.Next()
		}
		if !agg._outputIter.AtEnd() {
			return false, nil
		}
		agg._outputPart.Close()
		agg._outputPart = nil
	}
}

// passThroughRow renders an input row as a single-row intermediate so the
// merge aggregation downstream treats it uniformly.
func (agg *PartitionedAggregator) passThroughRow(row common.Row) common.Row {
	spec := agg._spec
	groups := agg.groupValues(row, false)
	varlen := 0
	for i, typ := range spec._groupTypes {
		if typ.IsVarlen() && !groups[i].IsNull {
			varlen += len(groups[i].Str)
		}
	}
	buf := make([]byte, spec._interLayout.FixedWidth()+varlen)
	reg := NewAggStateRegistry()
	ptr := util.BytesSliceToPointer(buf)
	writeTuplePrefix(spec._interLayout, ptr, groups)
	for _, fn := range spec._aggFns {
		fn.Init(spec._interLayout, ptr, reg)
		fn.Update(spec._interLayout, ptr, row, reg)
	}
	return agg.outputTupleRow(ptr, reg)
}

func (agg *PartitionedAggregator) processRowStreaming(row common.Row) (bool, error) {
	agg._numInputProcessed++
	r := agg.nextCacheIdx()
	agg._htCtx.EvalProbeRow(r, row)
	hash := agg._htCtx.HashRow(r)
	pidx := hash >> (32 - agg._fanoutBits)
	part := agg._partitions[pidx]
	ht := part._ht

	bucketIdx, found := ht.FindBuildRowBucket(agg._htCtx, r, hash)
	if found {
		tuple := ht.BucketData(bucketIdx)._tuple
		agg.updateTuple(tuple, row, false, part._reg)
		return false, nil
	}

	needsExpansion := float64(ht.NumFilledBuckets()+1) > float64(ht.NumBuckets())*MaxFillFactor
	if needsExpansion {
		if !agg.shouldExpandPreaggHashTables() {
			agg._numPassThrough++
			return true, nil
		}
		if !ht.CheckAndResize(1, agg._htCtx) {
			agg._numPassThrough++
			return true, nil
		}
		bucketIdx, found = ht.FindBuildRowBucket(agg._htCtx, r, hash)
		util.AssertFunc(!found && bucketIdx != BucketNotFound)
	}

	groups := agg.groupValues(row, false)
	ptr, ok, err := part.allocTuple(groups)
	if err != nil {
		return false, err
	}
	if !ok {
		agg._numPassThrough++
		return true, nil
	}
	for _, fn := range agg._spec._aggFns {
		fn.Init(agg._spec._interLayout, ptr, part._reg)
	}
	agg.updateTuple(ptr, row, false, part._reg)
	ht.InsertAt(bucketIdx, hash, HtData{_tuple: ptr})
	return false, nil
}

// shouldExpandPreaggHashTables extrapolates the reduction over the whole
// input and compares it against the threshold for the current hash-table
// footprint.
func (agg *PartitionedAggregator) shouldExpandPreaggHashTables() bool {
	htMem := int64(0)
	htRows := int64(0)
	for _, part := range agg._partitions {
		htMem += part._ht.MemUsage()
		htRows += part._ht.Size()
	}
	if htRows == 0 {
		return true
	}
	aggregatedRows := agg._numInputProcessed - agg._numPassThrough
	observed := float64(aggregatedRows) / float64(htRows)
	estimated := observed
	if expected := agg._node.EstInputCard; expected > 0 && aggregatedRows < expected {
		estimated = 1 + float64(expected)/float64(aggregatedRows)*(observed-1)
	}
	level := 0
	for level+1 < len(streamingHtMinReduction) &&
		htMem >= streamingHtMinReduction[level+1].minHtMem {
		level++
	}
	return estimated > streamingHtMinReduction[level].minReduction
}

func (agg *PartitionedAggregator) Close() {
	for _, part := range agg._partitions {
		part.Close()
	}
	for _, part := range agg._outputQueue {
		part.Close()
	}
	for _, part := range agg._spilledParts {
		part.Close()
	}
	if agg._outputPart != nil {
		agg._outputPart.Close()
		agg._outputPart = nil
	}
	if agg._serializeStream != nil {
		agg._serializeStream.Close()
		agg._serializeStream = nil
	}
	agg._partitions = nil
	agg._outputQueue = nil
	agg._spilledParts = nil
	agg._child.Close()
}
